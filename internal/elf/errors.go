package elf

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoFields means header scanning ended without any #Fields: directive
	ErrNoFields = errors.New("no fields found")
	// ErrDuplicateFields means the header declared the same field name more than once
	ErrDuplicateFields = errors.New("fields defined more than once")
	// ErrTooManyFields means a data line had more tokens than the schema has fields
	ErrTooManyFields = errors.New("line has more fields than the header")
	// ErrClosed is returned by Next after Close
	ErrClosed = errors.New("session closed")
)

// SchemaError is returned by Open when no usable schema can be built from the header
type SchemaError struct {
	LinesRead  int
	Duplicates []string
	Err        error
}

func (e *SchemaError) Error() string {
	if errors.Is(e.Err, ErrDuplicateFields) {
		return fmt.Sprintf("Field(s) are defined more than once: %s", strings.Join(e.Duplicates, ", "))
	}
	return fmt.Sprintf("No Fields found after reading %d line(s)", e.LinesRead)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

// LineShapeError reports a data line with more tokens than declared fields
type LineShapeError struct {
	Line       int
	FieldIndex int
	Fields     int
}

func (e *LineShapeError) Error() string {
	return fmt.Sprintf("Line %d has more field(s) than specified in the header. fieldIndex = %d", e.Line, e.FieldIndex)
}

func (e *LineShapeError) Unwrap() error {
	return ErrTooManyFields
}

// FieldConversionError reports raw text that could not be converted to the field's type.
// Parsers fill Input, Type and Err; the record builder adds Line, FieldIndex and Field.
type FieldConversionError struct {
	Line       int
	FieldIndex int
	Field      string
	Input      string
	Type       Type
	Err        error
}

func (e *FieldConversionError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("Could not parse line %d fieldIndex %d (%s) input = '%s' as %s: %v",
			e.Line, e.FieldIndex, e.Field, e.Input, e.Type, e.Err)
	}
	return fmt.Sprintf("could not parse '%s' as %s: %v", e.Input, e.Type, e.Err)
}

func (e *FieldConversionError) Unwrap() error {
	return e.Err
}

// SourceError wraps a failure of the underlying line source
type SourceError struct {
	Line int
	Err  error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("read failed after line %d: %v", e.Line, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// UnknownParserError is returned when an override names a parser that does not exist
type UnknownParserError struct {
	Field string
	Name  string
}

func (e *UnknownParserError) Error() string {
	return fmt.Sprintf("unknown parser %q for field %q (valid: %s)", e.Name, e.Field, strings.Join(ParserNames(), ", "))
}

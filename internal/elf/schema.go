package elf

import (
	"bytes"
	"encoding/json"
	"io"
	"regexp"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

const (
	headerFieldsKey = "Fields"
	// maxHeaderLines bounds how many lines are examined while looking for directives
	maxHeaderLines = 20
)

// headerPattern matches directive lines such as "#Fields: date time c-ip"
var headerPattern = regexp.MustCompile(`^#(\S+):\s+(.+)`)

// SchemaEntry binds one declared field to the parser that converts its values
type SchemaEntry struct {
	Name   string
	Parser FieldParser
}

// Schema is the ordered field list declared by a stream's #Fields: directives.
// It is immutable once built and shared by every record of a session.
type Schema struct {
	entries []SchemaEntry
	types   *FieldTypes
}

// NewSchema resolves a parser for every name (override, then default binding, then
// StringParser) and rejects duplicate names.
func NewSchema(names []string, overrides map[string]FieldParser) (*Schema, error) {
	if len(names) == 0 {
		return nil, &SchemaError{Err: ErrNoFields}
	}

	if dups := duplicateNames(names); len(dups) > 0 {
		return nil, &SchemaError{Duplicates: dups, Err: ErrDuplicateFields}
	}

	entries := make([]SchemaEntry, len(names))
	for i, name := range names {
		entries[i] = SchemaEntry{Name: name, Parser: resolveParser(name, overrides)}
	}

	return &Schema{
		entries: entries,
		types:   newFieldTypes(entries),
	}, nil
}

func resolveParser(name string, overrides map[string]FieldParser) FieldParser {
	if p, ok := overrides[name]; ok && p != nil {
		return p
	}
	if p, ok := defaultFieldParsers[name]; ok {
		return p
	}
	return StringParser
}

// duplicateNames returns every name declared more than once, sorted
func duplicateNames(names []string) []string {
	counts := make(map[string]int, len(names))
	for _, name := range names {
		counts[name]++
	}

	var dups []string
	for name, n := range counts {
		if n > 1 {
			dups = append(dups, name)
		}
	}
	sort.Strings(dups)
	return dups
}

// Len returns the number of declared fields
func (s *Schema) Len() int {
	return len(s.entries)
}

// Entry returns the i-th field in declaration order
func (s *Schema) Entry(i int) SchemaEntry {
	return s.entries[i]
}

// Entries returns a copy of the field list
func (s *Schema) Entries() []SchemaEntry {
	out := make([]SchemaEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Names returns the field names in declaration order
func (s *Schema) Names() []string {
	return s.types.Names()
}

// FieldTypes returns the shared field name to type mapping
func (s *Schema) FieldTypes() *FieldTypes {
	return s.types
}

// FieldTypes is an ordered, read-only mapping of field name to Type
type FieldTypes struct {
	names []string
	types []Type
	index map[string]int
}

func newFieldTypes(entries []SchemaEntry) *FieldTypes {
	ft := &FieldTypes{
		names: make([]string, len(entries)),
		types: make([]Type, len(entries)),
		index: make(map[string]int, len(entries)),
	}
	for i, e := range entries {
		ft.names[i] = e.Name
		ft.types[i] = e.Parser.Type()
		ft.index[e.Name] = i
	}
	return ft
}

// Len returns the number of fields
func (ft *FieldTypes) Len() int {
	return len(ft.names)
}

// At returns the name and type of the i-th field
func (ft *FieldTypes) At(i int) (string, Type) {
	return ft.names[i], ft.types[i]
}

// Type returns the type of the named field
func (ft *FieldTypes) Type(name string) (Type, bool) {
	i, ok := ft.index[name]
	if !ok {
		return TypeText, false
	}
	return ft.types[i], true
}

// Index returns the position of the named field
func (ft *FieldTypes) Index(name string) (int, bool) {
	i, ok := ft.index[name]
	return i, ok
}

// Names returns a copy of the field names in order
func (ft *FieldTypes) Names() []string {
	out := make([]string, len(ft.names))
	copy(out, ft.names)
	return out
}

// MarshalJSON renders the mapping as an object in field order
func (ft *FieldTypes) MarshalJSON() ([]byte, error) {
	return marshalOrdered(ft.names, func(i int) any { return ft.types[i] })
}

// marshalOrdered writes a JSON object whose keys keep the given order
func marshalOrdered(keys []string, value func(i int) any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(value(i))
		if err != nil {
			return nil, err
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// headerScan is the outcome of reading the directive block at the top of a stream
type headerScan struct {
	names     []string
	linesRead int
	// pending holds the first non-directive line so it can be returned to the data stream
	pending    string
	hasPending bool
}

// scanHeader reads directive lines until a non-directive line, end of input, or
// maxHeaderLines lines have been examined. Every #Fields: directive appends to the name list.
// The non-directive line that ends the scan is kept in pending and parsed as the first
// data line. It is deliberately not discarded: dropping it would lose one record per file.
func scanHeader(src LineSource, logger zerolog.Logger) (*headerScan, error) {
	hs := &headerScan{}

	for hs.linesRead < maxHeaderLines {
		line, err := src.ReadLine()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, &SourceError{Line: hs.linesRead, Err: err}
		}
		hs.linesRead++

		m := headerPattern.FindStringSubmatch(line)
		if m == nil {
			hs.pending = line
			hs.hasPending = true
			break
		}

		logger.Trace().
			Int("line", hs.linesRead).
			Str("header_name", m[1]).
			Str("header_value", m[2]).
			Msg("Read header directive")

		if strings.EqualFold(m[1], headerFieldsKey) {
			hs.names = append(hs.names, strings.Fields(m[2])...)
		}
	}

	return hs, nil
}

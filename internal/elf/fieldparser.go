// Package elf parses W3C Extended Log Format streams into typed records.
//
// An ELF stream starts with directive lines such as:
//
//	#Version: 1.0
//	#Fields: date time cs-method cs-uri-stem sc-status time-taken
//
// followed by space separated data lines:
//
//	2021-01-01 10:00:00 GET /index.html 200 15
//
// The field list from the #Fields: directive becomes the Schema. Every data line is
// tokenized and converted into a Record whose values are typed by the FieldParser
// bound to each field.
package elf

import (
	"strconv"
	"time"

	"cloud.google.com/go/civil"
)

// Type identifies the semantic type produced by a FieldParser
type Type int

const (
	TypeText Type = iota
	TypeDate
	TypeTime
	TypeInt64
	TypeInt32
	TypeFloat64
)

// String returns the lowercase name of the type
func (t Type) String() string {
	switch t {
	case TypeDate:
		return "date"
	case TypeTime:
		return "time"
	case TypeInt64:
		return "int64"
	case TypeInt32:
		return "int32"
	case TypeFloat64:
		return "float64"
	case TypeText:
		return "text"
	default:
		return "unknown"
	}
}

// MarshalText lets Type render as its name in JSON and msgpack output
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// FieldParser converts the raw text of one field into a typed value.
// Parse is never called with the null sentinel.
type FieldParser interface {
	// Name is the identifier used in configuration (date, time, long, int, double, string)
	Name() string
	// Type is the semantic type of every value Parse returns
	Type() Type
	// Parse converts raw into a value of Type, or returns a *FieldConversionError
	Parse(raw string) (any, error)
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

type dateParser struct{}

func (dateParser) Name() string { return "date" }
func (dateParser) Type() Type   { return TypeDate }

func (dateParser) Parse(raw string) (any, error) {
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return nil, conversionError(raw, TypeDate, err)
	}
	return civil.DateOf(t), nil
}

type timeParser struct{}

func (timeParser) Name() string { return "time" }
func (timeParser) Type() Type   { return TypeTime }

func (timeParser) Parse(raw string) (any, error) {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return nil, conversionError(raw, TypeTime, err)
	}
	return civil.TimeOf(t), nil
}

type longParser struct{}

func (longParser) Name() string { return "long" }
func (longParser) Type() Type   { return TypeInt64 }

func (longParser) Parse(raw string) (any, error) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, conversionError(raw, TypeInt64, err)
	}
	return v, nil
}

type intParser struct{}

func (intParser) Name() string { return "int" }
func (intParser) Type() Type   { return TypeInt32 }

func (intParser) Parse(raw string) (any, error) {
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return nil, conversionError(raw, TypeInt32, err)
	}
	return int32(v), nil
}

type doubleParser struct{}

func (doubleParser) Name() string { return "double" }
func (doubleParser) Type() Type   { return TypeFloat64 }

func (doubleParser) Parse(raw string) (any, error) {
	// ParseFloat also takes inf, NaN, hex and 1_000 literals; none of them are log values
	if !isDecimal(raw) {
		return nil, conversionError(raw, TypeFloat64, &strconv.NumError{Func: "ParseFloat", Num: raw, Err: strconv.ErrSyntax})
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, conversionError(raw, TypeFloat64, err)
	}
	return v, nil
}

// isDecimal reports whether raw only holds the characters of a decimal or exponent number
func isDecimal(raw string) bool {
	for i := 0; i < len(raw); i++ {
		switch c := raw[i]; {
		case c >= '0' && c <= '9', c == '.', c == '+', c == '-', c == 'e', c == 'E':
		default:
			return false
		}
	}
	return true
}

type stringParser struct{}

func (stringParser) Name() string { return "string" }
func (stringParser) Type() Type   { return TypeText }

func (stringParser) Parse(raw string) (any, error) {
	return raw, nil
}

// Built-in parsers. The set is closed; these values are shared by every session.
var (
	DateParser   FieldParser = dateParser{}
	TimeParser   FieldParser = timeParser{}
	LongParser   FieldParser = longParser{}
	IntParser    FieldParser = intParser{}
	DoubleParser FieldParser = doubleParser{}
	StringParser FieldParser = stringParser{}
)

var parsersByName = map[string]FieldParser{
	"date":   DateParser,
	"time":   TimeParser,
	"long":   LongParser,
	"int":    IntParser,
	"double": DoubleParser,
	"string": StringParser,
}

// defaultFieldParsers binds well-known ELF field names to their parser.
// Fields not listed here fall back to StringParser.
var defaultFieldParsers = map[string]FieldParser{
	"date":        DateParser,
	"time":        TimeParser,
	"time-taken":  LongParser,
	"sc-status":   LongParser,
	"sc-bytes":    LongParser,
	"cs-bytes":    LongParser,
	"cs-uri-port": IntParser,
}

// ParserByName returns the built-in parser registered under name
func ParserByName(name string) (FieldParser, bool) {
	p, ok := parsersByName[name]
	return p, ok
}

// ParserNames lists the names accepted by ParserByName, in a stable order
func ParserNames() []string {
	return []string{"date", "time", "long", "int", "double", "string"}
}

// DefaultFieldParsers returns a copy of the default field name to parser bindings
func DefaultFieldParsers() map[string]FieldParser {
	out := make(map[string]FieldParser, len(defaultFieldParsers))
	for k, v := range defaultFieldParsers {
		out[k] = v
	}
	return out
}

// ParseFieldParsers builds an override map from "field=parser" specs,
// as used by configuration files, CLI flags and HTTP headers.
func ParseFieldParsers(specs map[string]string) (map[string]FieldParser, error) {
	out := make(map[string]FieldParser, len(specs))
	for field, name := range specs {
		p, ok := ParserByName(name)
		if !ok {
			return nil, &UnknownParserError{Field: field, Name: name}
		}
		out[field] = p
	}
	return out, nil
}

func conversionError(raw string, t Type, err error) error {
	return &FieldConversionError{
		FieldIndex: -1,
		Input:      raw,
		Type:       t,
		Err:        err,
	}
}

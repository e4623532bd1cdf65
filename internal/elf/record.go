package elf

import "fmt"

// NullValue is the token that marks a field as absent, whatever its type
const NullValue = "-"

// Record is one parsed data line. Values follow the schema order; a nil value is absent.
type Record struct {
	line   int
	values []any
	types  *FieldTypes
}

// buildRecord pairs tokens with schema entries by position and converts each one
func buildRecord(schema *Schema, tokens []string, line int) (*Record, error) {
	if len(tokens) > len(schema.entries) {
		return nil, &LineShapeError{
			Line:       line,
			FieldIndex: len(schema.entries),
			Fields:     len(schema.entries),
		}
	}

	// fields past the last token stay nil
	values := make([]any, len(schema.entries))
	for i, token := range tokens {
		if token == NullValue {
			continue
		}
		entry := schema.entries[i]
		v, err := entry.Parser.Parse(token)
		if err != nil {
			return nil, lineConversionError(err, line, i, entry, token)
		}
		values[i] = v
	}

	return &Record{
		line:   line,
		values: values,
		types:  schema.types,
	}, nil
}

func lineConversionError(err error, line, index int, entry SchemaEntry, token string) error {
	fce, ok := err.(*FieldConversionError)
	if !ok {
		fce = &FieldConversionError{Input: token, Type: entry.Parser.Type(), Err: err}
	} else {
		copied := *fce
		fce = &copied
	}
	fce.Line = line
	fce.FieldIndex = index
	fce.Field = entry.Name
	return fce
}

// Line returns the 1-based source line the record was parsed from
func (r *Record) Line() int {
	return r.line
}

// Len returns the number of fields
func (r *Record) Len() int {
	return len(r.values)
}

// Names returns the field names in schema order
func (r *Record) Names() []string {
	return r.types.Names()
}

// Value returns the i-th value; nil when absent
func (r *Record) Value(i int) any {
	return r.values[i]
}

// Values returns a copy of the values in schema order
func (r *Record) Values() []any {
	out := make([]any, len(r.values))
	copy(out, r.values)
	return out
}

// Get returns the value of the named field. ok is false only for unknown fields;
// an absent value is reported as (nil, true).
func (r *Record) Get(name string) (any, bool) {
	i, ok := r.types.Index(name)
	if !ok {
		return nil, false
	}
	return r.values[i], true
}

// FieldTypes returns the session's field type mapping (shared, not copied)
func (r *Record) FieldTypes() *FieldTypes {
	return r.types
}

// Map returns the values keyed by field name
func (r *Record) Map() map[string]any {
	out := make(map[string]any, len(r.values))
	for i, v := range r.values {
		name, _ := r.types.At(i)
		out[name] = v
	}
	return out
}

// MarshalJSON renders {"fieldTypes": {...}, "fieldData": {...}} with keys in schema order
func (r *Record) MarshalJSON() ([]byte, error) {
	data, err := r.MarshalDataJSON()
	if err != nil {
		return nil, err
	}
	types, err := r.types.MarshalJSON()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+len(types)+32)
	out = append(out, `{"fieldTypes":`...)
	out = append(out, types...)
	out = append(out, `,"fieldData":`...)
	out = append(out, data...)
	out = append(out, '}')
	return out, nil
}

// MarshalDataJSON renders only the field values as an ordered JSON object
func (r *Record) MarshalDataJSON() ([]byte, error) {
	return marshalOrdered(r.types.names, func(i int) any { return r.values[i] })
}

// String renders the values space separated, absent values as the null token
func (r *Record) String() string {
	buf := make([]byte, 0, 16*len(r.values))
	for i, v := range r.values {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = append(buf, FormatValue(v)...)
	}
	return string(buf)
}

// FormatValue renders a parsed value back to its ELF text form
func FormatValue(v any) string {
	switch tv := v.(type) {
	case nil:
		return NullValue
	case string:
		return tv
	case fmt.Stringer:
		return tv.String()
	default:
		return fmt.Sprint(tv)
	}
}

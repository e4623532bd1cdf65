package elf

import (
	"errors"
	"math"
	"strconv"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldParsers_Parse(t *testing.T) {
	tests := []struct {
		name    string
		parser  FieldParser
		input   string
		want    any
		wantErr bool
	}{
		{name: "date", parser: DateParser, input: "2021-01-01", want: civil.Date{Year: 2021, Month: time.January, Day: 1}},
		{name: "date leap day", parser: DateParser, input: "2020-02-29", want: civil.Date{Year: 2020, Month: time.February, Day: 29}},
		{name: "date wrong shape", parser: DateParser, input: "01/01/2021", wantErr: true},
		{name: "date with time", parser: DateParser, input: "2021-01-01T00:00:00", wantErr: true},
		{name: "date invalid day", parser: DateParser, input: "2021-02-30", wantErr: true},
		{name: "time", parser: TimeParser, input: "10:00:05", want: civil.Time{Hour: 10, Minute: 0, Second: 5}},
		{name: "time end of day", parser: TimeParser, input: "23:59:59", want: civil.Time{Hour: 23, Minute: 59, Second: 59}},
		{name: "time fractional seconds", parser: TimeParser, input: "10:00:05.25", want: civil.Time{Hour: 10, Minute: 0, Second: 5, Nanosecond: 250000000}},
		{name: "time missing seconds", parser: TimeParser, input: "10:00", wantErr: true},
		{name: "time out of range", parser: TimeParser, input: "25:00:00", wantErr: true},
		{name: "long", parser: LongParser, input: "200", want: int64(200)},
		{name: "long negative", parser: LongParser, input: "-15", want: int64(-15)},
		{name: "long plus sign", parser: LongParser, input: "+15", want: int64(15)},
		{name: "long max", parser: LongParser, input: strconv.FormatInt(math.MaxInt64, 10), want: int64(math.MaxInt64)},
		{name: "long text", parser: LongParser, input: "abc", wantErr: true},
		{name: "long decimal", parser: LongParser, input: "1.5", wantErr: true},
		{name: "int", parser: IntParser, input: "443", want: int32(443)},
		{name: "int max", parser: IntParser, input: "2147483647", want: int32(math.MaxInt32)},
		{name: "int overflow", parser: IntParser, input: "2147483648", wantErr: true},
		{name: "double", parser: DoubleParser, input: "0.25", want: 0.25},
		{name: "double exponent", parser: DoubleParser, input: "1.5e3", want: 1500.0},
		{name: "double integer text", parser: DoubleParser, input: "7", want: 7.0},
		{name: "double text", parser: DoubleParser, input: "fast", wantErr: true},
		{name: "double NaN", parser: DoubleParser, input: "NaN", wantErr: true},
		{name: "double inf", parser: DoubleParser, input: "inf", wantErr: true},
		{name: "double negative infinity", parser: DoubleParser, input: "-Infinity", wantErr: true},
		{name: "double digit separator", parser: DoubleParser, input: "1_0", wantErr: true},
		{name: "double hex", parser: DoubleParser, input: "0x1p-2", wantErr: true},
		{name: "double overflow", parser: DoubleParser, input: "1e400", wantErr: true},
		{name: "string", parser: StringParser, input: "Mozilla/5.0", want: "Mozilla/5.0"},
		{name: "string empty", parser: StringParser, input: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.parser.Parse(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				var fce *FieldConversionError
				require.True(t, errors.As(err, &fce), "expected *FieldConversionError, got %T", err)
				assert.Equal(t, tt.input, fce.Input)
				assert.Equal(t, tt.parser.Type(), fce.Type)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFieldParsers_Types(t *testing.T) {
	assert.Equal(t, TypeDate, DateParser.Type())
	assert.Equal(t, TypeTime, TimeParser.Type())
	assert.Equal(t, TypeInt64, LongParser.Type())
	assert.Equal(t, TypeInt32, IntParser.Type())
	assert.Equal(t, TypeFloat64, DoubleParser.Type())
	assert.Equal(t, TypeText, StringParser.Type())
}

func TestParserByName(t *testing.T) {
	for _, name := range ParserNames() {
		p, ok := ParserByName(name)
		require.True(t, ok, name)
		assert.Equal(t, name, p.Name())
	}

	_, ok := ParserByName("uuid")
	assert.False(t, ok)
}

func TestParseFieldParsers(t *testing.T) {
	got, err := ParseFieldParsers(map[string]string{"time-taken": "double", "s-port": "int"})
	require.NoError(t, err)
	assert.Equal(t, DoubleParser, got["time-taken"])
	assert.Equal(t, IntParser, got["s-port"])

	_, err = ParseFieldParsers(map[string]string{"s-port": "short"})
	var upe *UnknownParserError
	require.ErrorAs(t, err, &upe)
	assert.Equal(t, "s-port", upe.Field)
	assert.Contains(t, err.Error(), "short")
}

func TestDefaultFieldParsers_ReturnsCopy(t *testing.T) {
	defaults := DefaultFieldParsers()
	assert.Equal(t, IntParser, defaults["cs-uri-port"])
	assert.Equal(t, LongParser, defaults["sc-bytes"])

	defaults["cs-uri-port"] = StringParser
	assert.Equal(t, IntParser, DefaultFieldParsers()["cs-uri-port"])
}

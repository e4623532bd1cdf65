package elf

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const iisSample = `#Software: Microsoft Internet Information Services 10.0
#Version: 1.0
#Date: 2021-01-01 10:00:00
#Fields: date time s-ip cs-method cs-uri-stem cs-uri-query s-port cs-username c-ip cs(User-Agent) sc-status sc-substatus sc-win32-status time-taken
2021-01-01 10:00:00 10.0.0.1 GET /index.html - 80 - 192.168.1.10 Mozilla/5.0 200 0 0 15
2021-01-01 10:00:01 10.0.0.1 POST /api/login user=bob 443 bob 192.168.1.11 curl/7.68.0 401 1 0 3
# a comment in the middle
2021-01-01 10:00:02 10.0.0.1 GET /favicon.ico - 80 - 192.168.1.10 Mozilla/5.0 404 0 2 -
`

func openString(t *testing.T, input string, opts ...Option) *Session {
	t.Helper()
	s, err := OpenReader(strings.NewReader(input), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func readAll(t *testing.T, s *Session) []*Record {
	t.Helper()
	var records []*Record
	for {
		r, err := s.Next()
		if err == io.EOF {
			return records
		}
		require.NoError(t, err)
		records = append(records, r)
	}
}

func TestSession_IISSample(t *testing.T) {
	s := openString(t, iisSample)

	records := readAll(t, s)
	require.Len(t, records, 3)

	names := []string{"date", "time", "s-ip", "cs-method", "cs-uri-stem", "cs-uri-query", "s-port",
		"cs-username", "c-ip", "cs(User-Agent)", "sc-status", "sc-substatus", "sc-win32-status", "time-taken"}
	for _, r := range records {
		assert.Equal(t, names, r.Names())
		assert.Equal(t, len(names), r.Len())
	}

	first := records[0]
	assert.Equal(t, 5, first.Line())
	v, _ := first.Get("date")
	assert.Equal(t, civil.Date{Year: 2021, Month: time.January, Day: 1}, v)
	v, _ = first.Get("time")
	assert.Equal(t, civil.Time{Hour: 10}, v)
	v, _ = first.Get("sc-status")
	assert.Equal(t, int64(200), v)
	v, _ = first.Get("time-taken")
	assert.Equal(t, int64(15), v)
	v, _ = first.Get("s-port")
	assert.Equal(t, "80", v, "s-port has no default binding")

	v, ok := first.Get("cs-uri-query")
	assert.True(t, ok)
	assert.Nil(t, v)

	third := records[2]
	assert.Equal(t, 8, third.Line())
	v, ok = third.Get("time-taken")
	assert.True(t, ok)
	assert.Nil(t, v, "null sentinel on a long field is absent")

	assert.Equal(t, 3, s.RecordsRead())
	assert.Equal(t, 8, s.LinesRead())
}

func TestSession_NextAfterEOF(t *testing.T) {
	s := openString(t, "#Fields: a b\n1 2\n3 4\n")

	calls := 0
	records := 0
	for {
		calls++
		_, err := s.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		records++
	}
	assert.Equal(t, 2, records)
	assert.Equal(t, 3, calls)

	_, err := s.Next()
	assert.Equal(t, io.EOF, err)
}

func TestSession_FieldTypesShared(t *testing.T) {
	s := openString(t, iisSample)
	records := readAll(t, s)

	for _, r := range records {
		assert.Same(t, s.FieldTypes(), r.FieldTypes())
	}

	ft := s.FieldTypes()
	typ, ok := ft.Type("sc-status")
	assert.True(t, ok)
	assert.Equal(t, TypeInt64, typ)
	typ, _ = ft.Type("date")
	assert.Equal(t, TypeDate, typ)
	typ, _ = ft.Type("cs-method")
	assert.Equal(t, TypeText, typ)
}

func TestOpen_NoFields(t *testing.T) {
	_, err := OpenReader(strings.NewReader("#Version: 1.0\n#Date: 2021-01-01 00:00:00\nsome data\n"))
	require.Error(t, err)

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ErrNoFields)
	assert.Equal(t, 3, se.LinesRead)
	assert.Equal(t, "No Fields found after reading 3 line(s)", err.Error())
}

func TestOpen_EmptyInput(t *testing.T) {
	_, err := OpenReader(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrNoFields)
}

func TestOpen_DuplicateFields(t *testing.T) {
	_, err := OpenReader(strings.NewReader("#Fields: foo bar foo baz baz\n"))
	require.Error(t, err)

	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.ErrorIs(t, err, ErrDuplicateFields)
	assert.Equal(t, []string{"baz", "foo"}, se.Duplicates)
	assert.Equal(t, "Field(s) are defined more than once: baz, foo", err.Error())
}

func TestOpen_DuplicateFieldsIsCaseSensitive(t *testing.T) {
	s := openString(t, "#Fields: Foo foo\n1 2\n")
	assert.Equal(t, []string{"Foo", "foo"}, s.Schema().Names())
}

func TestOpen_FieldsDirectivesAccumulate(t *testing.T) {
	s := openString(t, "#Fields: date time\n#Remark: split header\n#fields: c-ip sc-status\n2021-01-01 00:00:00 1.2.3.4 200\n")

	assert.Equal(t, []string{"date", "time", "c-ip", "sc-status"}, s.Schema().Names())
	records := readAll(t, s)
	require.Len(t, records, 1)
	v, _ := records[0].Get("sc-status")
	assert.Equal(t, int64(200), v)
}

func TestOpen_HeaderScanLimit(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxHeaderLines; i++ {
		fmt.Fprintf(&b, "#Remark: line %d\n", i+1)
	}
	b.WriteString("#Fields: a b\n")

	_, err := OpenReader(strings.NewReader(b.String()))
	var se *SchemaError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, maxHeaderLines, se.LinesRead)
}

func TestOpen_FieldsOnLastScannedLine(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxHeaderLines-1; i++ {
		fmt.Fprintf(&b, "#Remark: line %d\n", i+1)
	}
	b.WriteString("#Fields: a b\nx y\n")

	s := openString(t, b.String())
	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.Equal(t, "x y", records[0].String())
}

func TestOpen_Overrides(t *testing.T) {
	s := openString(t, "#Fields: date s-port time-taken\n2021-01-01 443 0.5\n",
		WithFieldParser("s-port", IntParser),
		WithFieldParsers(map[string]FieldParser{"time-taken": DoubleParser, "date": StringParser}))

	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.Equal(t, []any{"2021-01-01", int32(443), 0.5}, records[0].Values())
}

func TestSession_FirstDataLineKept(t *testing.T) {
	s := openString(t, "#Fields: a\nfirst\nsecond\n")
	records := readAll(t, s)
	require.Len(t, records, 2)
	assert.Equal(t, "first", records[0].Value(0))
	assert.Equal(t, 2, records[0].Line())
}

func TestSession_QuotedField(t *testing.T) {
	s := openString(t, "#Fields: date time text status\n2021-01-01 10:00:00 \"a value with spaces\" 200\n",
		WithFieldParser("status", LongParser))

	records := readAll(t, s)
	require.Len(t, records, 1)
	v, _ := records[0].Get("text")
	assert.Equal(t, "a value with spaces", v)
	v, _ = records[0].Get("status")
	assert.Equal(t, int64(200), v)
}

func TestSession_QuotedNullSentinel(t *testing.T) {
	s := openString(t, "#Fields: a b\n\"-\" x\n")
	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.Nil(t, records[0].Value(0))
}

func TestSession_NullForEveryType(t *testing.T) {
	s := openString(t, "#Fields: date time sc-bytes cs-uri-port ratio name\n- - - - - -\n",
		WithFieldParser("ratio", DoubleParser))

	records := readAll(t, s)
	require.Len(t, records, 1)
	for i := 0; i < records[0].Len(); i++ {
		assert.Nil(t, records[0].Value(i), "field %d", i)
	}
}

func TestSession_TooManyTokens(t *testing.T) {
	s := openString(t, "#Fields: a b\n1 2\n1 2 3\n4 5\n")

	_, err := s.Next()
	require.NoError(t, err)

	_, err = s.Next()
	require.Error(t, err)
	var lse *LineShapeError
	require.ErrorAs(t, err, &lse)
	assert.ErrorIs(t, err, ErrTooManyFields)
	assert.Equal(t, 3, lse.Line)
	assert.Equal(t, 2, lse.FieldIndex)
	assert.Contains(t, err.Error(), "Line 3")

	// failed sessions stay failed
	_, again := s.Next()
	assert.Same(t, err, again)
}

func TestSession_TrailingFieldsAbsent(t *testing.T) {
	s := openString(t, "#Fields: a b sc-status\nx\n")
	records := readAll(t, s)
	require.Len(t, records, 1)

	r := records[0]
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []any{"x", nil, nil}, r.Values())
}

func TestSession_ConversionError(t *testing.T) {
	s := openString(t, "#Fields: c-ip sc-status\n1.2.3.4 200\n1.2.3.4 abc\n")

	r, err := s.Next()
	require.NoError(t, err)
	v, _ := r.Get("sc-status")
	assert.Equal(t, int64(200), v)

	_, err = s.Next()
	var fce *FieldConversionError
	require.ErrorAs(t, err, &fce)
	assert.Equal(t, 3, fce.Line)
	assert.Equal(t, 1, fce.FieldIndex)
	assert.Equal(t, "sc-status", fce.Field)
	assert.Equal(t, "abc", fce.Input)
	assert.Equal(t, TypeInt64, fce.Type)
	assert.Contains(t, err.Error(), "line 3 fieldIndex 1")
}

func TestSession_SkipsBlankLines(t *testing.T) {
	s := openString(t, "#Fields: a\n\nx\n   \ny\n")
	records := readAll(t, s)
	require.Len(t, records, 2)
	assert.Equal(t, 3, records[0].Line())
	assert.Equal(t, 5, records[1].Line())
}

func TestSession_CRLF(t *testing.T) {
	s := openString(t, "#Fields: a sc-status\r\nx 200\r\ny 201\r\n")
	records := readAll(t, s)
	require.Len(t, records, 2)
	assert.Equal(t, []any{"y", int64(201)}, records[1].Values())
}

func TestSession_Delimiter(t *testing.T) {
	s := openString(t, "#Fields: date cs(User-Agent) sc-status\n2021-01-01\tMozilla/5.0 (X11; Linux)\t200\n",
		WithDelimiter('\t'))
	records := readAll(t, s)
	require.Len(t, records, 1)
	v, _ := records[0].Get("cs(User-Agent)")
	assert.Equal(t, "Mozilla/5.0 (X11; Linux)", v)
}

func TestSession_DelimiterEmptyField(t *testing.T) {
	s := openString(t, "#Fields: a b sc-status\nx\t\t200\n\nw\ty\t\n", WithDelimiter('\t'))
	records := readAll(t, s)
	require.Len(t, records, 2)
	assert.Equal(t, []any{"x", nil, int64(200)}, records[0].Values())
	assert.Equal(t, []any{"w", "y", nil}, records[1].Values())
}

func TestSession_DelimiterTooManyFields(t *testing.T) {
	s := openString(t, "#Fields: a b\nx\t\tz\n", WithDelimiter('\t'))
	_, err := s.Next()
	var lse *LineShapeError
	require.ErrorAs(t, err, &lse)
	assert.Equal(t, 2, lse.Line)
}

func TestSession_RoundTrip(t *testing.T) {
	input := "#Fields: date time c-ip cs-method sc-status time-taken\n" +
		"2021-01-01 10:00:00 1.2.3.4 GET 200 15\n" +
		"2021-01-02 23:59:59 - POST 500 -\n"
	s := openString(t, input)

	var lines []string
	for r, err := range s.All() {
		require.NoError(t, err)
		lines = append(lines, r.String())
	}

	dataLines := strings.Split(strings.TrimSpace(input), "\n")[1:]
	assert.Equal(t, dataLines, lines)
}

type failingReader struct {
	data string
	read bool
}

func (f *failingReader) Read(p []byte) (int, error) {
	if !f.read {
		f.read = true
		return copy(p, f.data), nil
	}
	return 0, errors.New("disk on fire")
}

func TestSession_SourceError(t *testing.T) {
	s, err := OpenReader(&failingReader{data: "#Fields: a\nx\n"})
	require.NoError(t, err)

	_, err = s.Next()
	require.NoError(t, err)

	_, err = s.Next()
	var se *SourceError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "disk on fire")
}

type closeCounter struct {
	*strings.Reader
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return nil
}

func TestSession_Close(t *testing.T) {
	src := &closeCounter{Reader: strings.NewReader("#Fields: a\nx\n")}
	s, err := OpenReader(src)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, src.closes)

	_, err = s.Next()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRecord_MarshalJSON(t *testing.T) {
	s := openString(t, "#Fields: date time sc-status c-ip\n2021-01-01 10:00:00 200 -\n")
	records := readAll(t, s)
	require.Len(t, records, 1)

	data, err := json.Marshal(records[0])
	require.NoError(t, err)
	assert.Equal(t,
		`{"fieldTypes":{"date":"date","time":"time","sc-status":"int64","c-ip":"text"},`+
			`"fieldData":{"date":"2021-01-01","time":"10:00:00","sc-status":200,"c-ip":null}}`,
		string(data))
}

func TestRecord_Map(t *testing.T) {
	s := openString(t, "#Fields: a sc-status\nx 200\n")
	records := readAll(t, s)
	require.Len(t, records, 1)
	assert.Equal(t, map[string]any{"a": "x", "sc-status": int64(200)}, records[0].Map())

	_, ok := records[0].Get("missing")
	assert.False(t, ok)
}

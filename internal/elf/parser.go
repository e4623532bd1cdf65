package elf

import (
	"io"
	"iter"
	"strings"

	"github.com/rs/zerolog"
)

type sessionState int

const (
	stateReady sessionState = iota
	stateExhausted
	stateFailed
	stateClosed
)

// Option configures Open
type Option func(*options)

type options struct {
	overrides map[string]FieldParser
	tokenizer tokenizer
	logger    zerolog.Logger
}

// WithFieldParser binds field to p, taking precedence over the default bindings
func WithFieldParser(field string, p FieldParser) Option {
	return func(o *options) {
		o.overrides[field] = p
	}
}

// WithFieldParsers binds every field in m, see WithFieldParser
func WithFieldParsers(m map[string]FieldParser) Option {
	return func(o *options) {
		for field, p := range m {
			o.overrides[field] = p
		}
	}
}

// WithDelimiter splits data lines on delim instead of runs of whitespace.
// Quoted spans are still grouped.
func WithDelimiter(delim byte) Option {
	return func(o *options) {
		o.tokenizer = newDelimitedTokenizer(delim)
	}
}

// WithLogger sets the logger used for trace output
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// Session is one pass over a line source bound to the schema read from its header.
// A Session must not be used from more than one goroutine at a time.
type Session struct {
	src       LineSource
	schema    *Schema
	tokenizer tokenizer
	logger    zerolog.Logger

	line    int
	records int
	tokens  []string

	pending    string
	hasPending bool

	state sessionState
	err   error
}

// Open reads the header of src and returns a session positioned at the first data line.
// On error src is left open; the caller still owns it.
func Open(src LineSource, opts ...Option) (*Session, error) {
	o := &options{
		overrides: make(map[string]FieldParser),
		tokenizer: newTokenizer(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger.With().Str("component", "elf-parser").Logger()

	hs, err := scanHeader(src, logger)
	if err != nil {
		return nil, err
	}

	if len(hs.names) == 0 {
		return nil, &SchemaError{LinesRead: hs.linesRead, Err: ErrNoFields}
	}
	logger.Trace().
		Int("fields", len(hs.names)).
		Strs("names", hs.names).
		Msg("Found fields")

	schema, err := NewSchema(hs.names, o.overrides)
	if err != nil {
		if se, ok := err.(*SchemaError); ok {
			se.LinesRead = hs.linesRead
		}
		return nil, err
	}

	return &Session{
		src:        src,
		schema:     schema,
		tokenizer:  o.tokenizer,
		logger:     logger,
		line:       hs.linesRead,
		tokens:     make([]string, 0, schema.Len()),
		pending:    hs.pending,
		hasPending: hs.hasPending,
	}, nil
}

// OpenReader is Open over a LineReader wrapping r
func OpenReader(r io.Reader, opts ...Option) (*Session, error) {
	return Open(NewLineReader(r), opts...)
}

// Schema returns the schema built from the header
func (s *Session) Schema() *Schema {
	return s.schema
}

// FieldTypes returns the field type mapping shared by every record of the session
func (s *Session) FieldTypes() *FieldTypes {
	return s.schema.types
}

// LinesRead returns how many lines have been consumed from the source, header included
func (s *Session) LinesRead() int {
	return s.line
}

// RecordsRead returns how many records Next has produced
func (s *Session) RecordsRead() int {
	return s.records
}

// Next returns the next record. Comment lines (starting with #) and blank lines are skipped.
// It returns io.EOF when the source has no more lines. Any other error is fatal: later
// calls return the same error.
func (s *Session) Next() (*Record, error) {
	switch s.state {
	case stateExhausted:
		return nil, io.EOF
	case stateFailed:
		return nil, s.err
	case stateClosed:
		return nil, ErrClosed
	}

	for {
		line, lineNumber, err := s.readLine()
		if err == io.EOF {
			s.state = stateExhausted
			return nil, io.EOF
		}
		if err != nil {
			return nil, s.fail(err)
		}

		if strings.HasPrefix(line, "#") {
			s.logger.Trace().Int("line", lineNumber).Msg("Skipping comment line")
			continue
		}

		if strings.TrimSpace(line) == "" {
			s.logger.Trace().Int("line", lineNumber).Msg("Skipping blank line")
			continue
		}

		s.tokens = s.tokenizer.split(line, s.tokens)
		if len(s.tokens) == 0 {
			continue
		}

		s.logger.Trace().
			Int("line", lineNumber).
			Int("tokens", len(s.tokens)).
			Msg("Processing line")

		record, err := buildRecord(s.schema, s.tokens, lineNumber)
		if err != nil {
			return nil, s.fail(err)
		}
		s.records++
		return record, nil
	}
}

// All iterates over the remaining records. Iteration stops after the first error.
func (s *Session) All() iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		for {
			record, err := s.Next()
			if err == io.EOF {
				return
			}
			if !yield(record, err) || err != nil {
				return
			}
		}
	}
}

// Close releases the line source. Calling Close more than once is safe.
func (s *Session) Close() error {
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	return s.src.Close()
}

func (s *Session) readLine() (string, int, error) {
	if s.hasPending {
		s.hasPending = false
		line := s.pending
		s.pending = ""
		return line, s.line, nil
	}

	line, err := s.src.ReadLine()
	if err == io.EOF {
		return "", s.line, io.EOF
	}
	if err != nil {
		return "", s.line, &SourceError{Line: s.line, Err: err}
	}
	s.line++
	return line, s.line, nil
}

func (s *Session) fail(err error) error {
	s.state = stateFailed
	s.err = err
	return err
}

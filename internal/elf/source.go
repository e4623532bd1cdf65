package elf

import (
	"bufio"
	"io"
	"strings"
)

// LineSource is a sequential source of text lines.
// ReadLine returns io.EOF once no lines remain.
type LineSource interface {
	ReadLine() (string, error)
	Close() error
}

// LineReader adapts an io.Reader to LineSource.
// Lines may end in \n, \r\n or a lone \r; the terminator is not returned.
type LineReader struct {
	r      *bufio.Reader
	closer io.Closer
}

// NewLineReader wraps r. If r implements io.Closer it is closed by Close.
func NewLineReader(r io.Reader) *LineReader {
	lr := &LineReader{r: bufio.NewReaderSize(r, 64*1024)}
	if c, ok := r.(io.Closer); ok {
		lr.closer = c
	}
	return lr
}

// ReadLine returns the next line without its terminator
func (lr *LineReader) ReadLine() (string, error) {
	var sb strings.Builder
	for {
		b, err := lr.r.ReadByte()
		if err != nil {
			if err == io.EOF && sb.Len() > 0 {
				return sb.String(), nil
			}
			return "", err
		}
		switch b {
		case '\n':
			return sb.String(), nil
		case '\r':
			// \r\n counts as one terminator
			if next, err := lr.r.Peek(1); err == nil && next[0] == '\n' {
				lr.r.ReadByte()
			}
			return sb.String(), nil
		default:
			sb.WriteByte(b)
		}
	}
}

// Close closes the wrapped reader when it is closable
func (lr *LineReader) Close() error {
	if lr.closer == nil {
		return nil
	}
	return lr.closer.Close()
}

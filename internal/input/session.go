package input

import (
	"context"
	"io"
	"sync/atomic"

	"github.com/basekick-labs/elf/internal/elf"
	"github.com/basekick-labs/elf/internal/storage"
)

// Source is a decoded object stream. Close releases the decoder and closes the object reader.
type Source struct {
	r       io.Reader
	raw     io.Closer
	release func()
	counter *countingReader

	Compression Compression
}

// Open streams path from backend and undoes its compression
func Open(ctx context.Context, backend storage.Backend, path string) (*Source, error) {
	rc, err := backend.Open(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewSource(rc)
}

// NewSource decodes rc. rc is closed by Source.Close, or immediately on error.
func NewSource(rc io.ReadCloser) (*Source, error) {
	counter := &countingReader{r: rc}
	r, c, release, err := Decompress(counter)
	if err != nil {
		rc.Close()
		return nil, err
	}
	return &Source{r: r, raw: rc, release: release, counter: counter, Compression: c}, nil
}

func (s *Source) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

// BytesRead returns how many raw (still compressed) bytes have been consumed
func (s *Source) BytesRead() int64 {
	return s.counter.n.Load()
}

// Close releases the decoder and closes the underlying object
func (s *Source) Close() error {
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return s.raw.Close()
}

// OpenSession opens path and reads its header. Closing the session closes the object.
func OpenSession(ctx context.Context, backend storage.Backend, path string, opts ...elf.Option) (*elf.Session, *Source, error) {
	src, err := Open(ctx, backend, path)
	if err != nil {
		return nil, nil, err
	}

	session, err := elf.OpenReader(src, opts...)
	if err != nil {
		src.Close()
		return nil, nil, err
	}
	return session, src, nil
}

type countingReader struct {
	r io.Reader
	n atomic.Int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Package input opens ELF sources from storage, undoing gzip or zstd compression on the way.
package input

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression identifies how a stream is encoded
type Compression int

const (
	None Compression = iota
	Gzip
	Zstd
)

func (c Compression) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Zstd:
		return "zstd"
	default:
		return "none"
	}
}

// ErrTooLarge is returned by DecompressBytes when the decoded payload exceeds its limit
var ErrTooLarge = errors.New("decompressed payload too large")

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// Detect inspects the leading bytes of a stream
func Detect(head []byte) Compression {
	switch {
	case bytes.HasPrefix(head, gzipMagic):
		return Gzip
	case bytes.HasPrefix(head, zstdMagic):
		return Zstd
	default:
		return None
	}
}

// gzip readers carry ~32KB of state; reuse them across sources
var gzipReaderPool = sync.Pool{}

// Decompress wraps r with a decoder chosen from its magic bytes. Plain text passes through.
// The returned release func frees decoder state; it does not close r.
func Decompress(r io.Reader) (io.Reader, Compression, func(), error) {
	br := bufio.NewReaderSize(r, 64*1024)
	head, err := br.Peek(len(zstdMagic))
	if err != nil && err != io.EOF && err != bufio.ErrBufferFull {
		return nil, None, nil, fmt.Errorf("failed to read stream header: %w", err)
	}

	switch c := Detect(head); c {
	case Gzip:
		var zr *gzip.Reader
		if pooled := gzipReaderPool.Get(); pooled != nil {
			zr = pooled.(*gzip.Reader)
			err = zr.Reset(br)
		} else {
			zr, err = gzip.NewReader(br)
		}
		if err != nil {
			return nil, None, nil, fmt.Errorf("invalid gzip stream: %w", err)
		}
		return zr, c, func() { gzipReaderPool.Put(zr) }, nil

	case Zstd:
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, None, nil, fmt.Errorf("invalid zstd stream: %w", err)
		}
		return zr, c, zr.Close, nil

	default:
		return br, None, func() {}, nil
	}
}

// DecompressBytes decodes a whole in-memory payload, refusing output larger than limit bytes.
// A limit <= 0 disables the check.
func DecompressBytes(data []byte, limit int64) ([]byte, Compression, error) {
	c := Detect(data)
	if c == None {
		return data, None, nil
	}

	r, _, release, err := Decompress(bytes.NewReader(data))
	if err != nil {
		return nil, c, err
	}
	defer release()

	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, c, fmt.Errorf("failed to decompress %s payload: %w", c, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, c, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, limit)
	}
	return out, c, nil
}

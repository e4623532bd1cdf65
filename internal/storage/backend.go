package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when an object does not exist
var ErrNotFound = errors.New("object not found")

// Backend is where log files are read from and converted output is written to
type Backend interface {
	// Open streams the object at path. The caller closes the reader.
	Open(ctx context.Context, path string) (io.ReadCloser, error)

	// Read reads the whole object at path
	Read(ctx context.Context, path string) ([]byte, error)

	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path (for large files).
	// size may be -1 when unknown.
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// List lists all objects with the given prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string
}

// contentType picks the MIME type stored with uploaded objects
func contentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(path, ".ndjson"):
		return "application/x-ndjson"
	case strings.HasSuffix(path, ".msgpack"):
		return "application/msgpack"
	case strings.HasSuffix(path, ".log"):
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	pathpkg "path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// LocalBackend stores objects as files below a base directory
type LocalBackend struct {
	basePath string
	logger   zerolog.Logger

	// directories already created by a previous write
	dirCache map[string]bool
	dirMu    sync.RWMutex
}

// NewLocalBackend creates a new local filesystem storage backend
func NewLocalBackend(basePath string, logger zerolog.Logger) (*LocalBackend, error) {
	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	if err := os.MkdirAll(absPath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path: %w", err)
	}

	return &LocalBackend{
		basePath: absPath,
		logger:   logger.With().Str("component", "local-storage").Logger(),
		dirCache: make(map[string]bool),
	}, nil
}

// Write writes data to path atomically (temp file, then rename)
func (b *LocalBackend) Write(ctx context.Context, path string, data []byte) error {
	return b.WriteReader(ctx, path, bytes.NewReader(data), int64(len(data)))
}

// WriteReader copies reader to path atomically
func (b *LocalBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return fmt.Errorf("invalid path: %w", err)
	}

	dir := filepath.Dir(fullPath)
	if err := b.ensureDir(dir); err != nil {
		return err
	}

	tmpFile, err := os.CreateTemp(dir, ".elf-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	written, err := io.Copy(tmpFile, contextReader{ctx: ctx, r: reader})
	closeErr := tmpFile.Close()
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write data: %w", err)
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	b.logger.Debug().
		Str("path", path).
		Int64("size", written).
		Msg("Wrote file")

	return nil
}

func (b *LocalBackend) ensureDir(dir string) error {
	b.dirMu.RLock()
	exists := b.dirCache[dir]
	b.dirMu.RUnlock()
	if exists {
		return nil
	}

	b.dirMu.Lock()
	defer b.dirMu.Unlock()
	if b.dirCache[dir] {
		return nil
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	b.dirCache[dir] = true
	return nil
}

// contextReader stops a copy once ctx is done
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// Open opens the file at path for streaming
func (b *LocalBackend) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Read reads data from the specified path
func (b *LocalBackend) Read(ctx context.Context, path string) ([]byte, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	return data, nil
}

// List returns every file whose slash separated path relative to the base starts with prefix.
// Hidden files are skipped. Results are sorted.
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = strings.TrimPrefix(sanitizePath(prefix), "./")

	// walk from the deepest directory named by the prefix
	root := b.basePath
	if dir := pathpkg.Dir(prefix); dir != "." && dir != "/" {
		var err error
		if root, err = b.validatePath(dir); err != nil {
			return nil, fmt.Errorf("invalid prefix: %w", err)
		}
	}

	results := []string{}
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}

		relPath, err := filepath.Rel(b.basePath, p)
		if err != nil {
			return err
		}
		relPath = filepath.ToSlash(relPath)
		if strings.HasPrefix(relPath, prefix) {
			results = append(results, relPath)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	sort.Strings(results)
	return results, nil
}

// Exists checks if an object exists at the specified path
func (b *LocalBackend) Exists(ctx context.Context, path string) (bool, error) {
	fullPath, err := b.validatePath(path)
	if err != nil {
		return false, fmt.Errorf("invalid path: %w", err)
	}

	_, err = os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to check file existence: %w", err)
	}

	return true, nil
}

// Close closes any resources held by the backend (no-op for local storage)
func (b *LocalBackend) Close() error {
	return nil
}

// GetBasePath returns the base path for the local storage
func (b *LocalBackend) GetBasePath() string {
	return b.basePath
}

// Type returns the storage type identifier
func (b *LocalBackend) Type() string {
	return "local"
}

// sanitizePath strips leading slashes, parent references and NUL bytes
func sanitizePath(path string) string {
	path = strings.TrimPrefix(path, "/")
	path = strings.ReplaceAll(path, "..", "_")
	return strings.ReplaceAll(path, "\x00", "")
}

// validatePath resolves path under the base directory and rejects anything that escapes it
func (b *LocalBackend) validatePath(path string) (string, error) {
	absPath, err := filepath.Abs(filepath.Join(b.basePath, sanitizePath(path)))
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	relPath, err := filepath.Rel(b.basePath, absPath)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return "", fmt.Errorf("path traversal detected: %s escapes base directory", path)
	}

	return absPath, nil
}

package logger

import (
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"
)

// Entry is one captured log line
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Error     string    `json:"error,omitempty"`
}

// Buffer is a fixed size ring of recent log entries
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	next    int
	count   int
}

var (
	globalBuffer *Buffer
	bufferOnce   sync.Once
)

// GetBuffer returns the process-wide buffer
func GetBuffer() *Buffer {
	bufferOnce.Do(func() {
		globalBuffer = NewBuffer(2000)
	})
	return globalBuffer
}

// NewBuffer creates a buffer holding at most size entries
func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 1
	}
	return &Buffer{entries: make([]Entry, size)}
}

// Add stores e, evicting the oldest entry when full
func (b *Buffer) Add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.next] = e
	b.next = (b.next + 1) % len(b.entries)
	if b.count < len(b.entries) {
		b.count++
	}
}

// Recent returns up to limit entries, newest first, at or above minLevel.
// An empty minLevel matches everything.
func (b *Buffer) Recent(limit int, minLevel string) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if limit <= 0 || limit > b.count {
		limit = b.count
	}
	threshold, filter := levelRank[strings.ToLower(minLevel)]

	result := make([]Entry, 0, limit)
	for i := 0; i < b.count && len(result) < limit; i++ {
		e := b.entries[(b.next-1-i+len(b.entries))%len(b.entries)]
		if filter && levelRank[e.Level] < threshold {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Count returns the number of stored entries
func (b *Buffer) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.count
}

var levelRank = map[string]int{
	"trace": 0,
	"debug": 1,
	"info":  2,
	"warn":  3,
	"error": 4,
	"fatal": 5,
	"panic": 6,
}

// BufferWriter tees zerolog JSON output into a Buffer
type BufferWriter struct {
	out    io.Writer
	buffer *Buffer
}

// NewBufferWriter forwards writes to out and records them in buffer
func NewBufferWriter(out io.Writer, buffer *Buffer) *BufferWriter {
	return &BufferWriter{out: out, buffer: buffer}
}

// Write implements io.Writer
func (w *BufferWriter) Write(p []byte) (int, error) {
	n, err := w.out.Write(p)

	var line struct {
		Time      time.Time `json:"time"`
		Level     string    `json:"level"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
		Error     string    `json:"error"`
	}
	if json.Unmarshal(p, &line) == nil && (line.Message != "" || line.Level != "") {
		if line.Time.IsZero() {
			line.Time = time.Now()
		}
		w.buffer.Add(Entry{
			Timestamp: line.Time,
			Level:     line.Level,
			Component: line.Component,
			Message:   line.Message,
			Error:     line.Error,
		})
	}
	return n, err
}

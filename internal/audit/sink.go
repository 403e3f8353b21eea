package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink is the storage behind the ledger. It is only ever called from the ledger goroutine.
type Sink interface {
	Write(ev Event) error
	Flush() error
	Close() error
}

// JSONLSink appends one JSON object per line
type JSONLSink struct {
	file *os.File
	w    *bufio.Writer
	enc  *json.Encoder
}

// OpenJSONL opens path for appending, creating parent directories
func OpenJSONL(path string) (*JSONLSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	w := bufio.NewWriter(f)
	return &JSONLSink{file: f, w: w, enc: json.NewEncoder(w)}, nil
}

func (s *JSONLSink) Write(ev Event) error {
	return s.enc.Encode(ev)
}

func (s *JSONLSink) Flush() error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	return s.file.Sync()
}

func (s *JSONLSink) Close() error {
	if err := s.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}

// WriterSink encodes to any writer, for stdout and tests
type WriterSink struct {
	enc *json.Encoder
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{enc: json.NewEncoder(w)}
}

func (s *WriterSink) Write(ev Event) error { return s.enc.Encode(ev) }
func (s *WriterSink) Flush() error         { return nil }
func (s *WriterSink) Close() error         { return nil }

// MemorySink keeps records in memory
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *MemorySink) Flush() error { return nil }
func (s *MemorySink) Close() error { return nil }

// Events returns a copy of the recorded events
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

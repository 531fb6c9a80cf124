// Package activity records engine events as JSON lines.
package activity

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind names an engine event.
type Kind string

const (
	KindGenerationStarted Kind = "generation_started"
	KindResponseCompleted Kind = "response_completed"
	KindResponseFailed    Kind = "response_failed"
	KindPersistFailed     Kind = "persist_failed"
	KindReplyCompleted    Kind = "reply_completed"
	KindReplySalvaged     Kind = "reply_salvaged"
	KindReplyFailed       Kind = "reply_failed"
)

// Event captures one engine step for later analysis.
type Event struct {
	Timestamp   time.Time `json:"timestamp"`
	Kind        Kind      `json:"kind"`
	PostID      string    `json:"post_id,omitempty"`
	ResponseID  string    `json:"response_id,omitempty"`
	ReplyID     string    `json:"reply_id,omitempty"`
	CharacterID string    `json:"character_id,omitempty"`
	Table       string    `json:"table,omitempty"`
	Attempts    int       `json:"attempts,omitempty"`
	UsedImage   bool      `json:"used_image,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Logger records engine events.
type Logger interface {
	Log(Event) error
	Close() error
}

// Nop discards events.
type Nop struct{}

func (Nop) Log(Event) error { return nil }
func (Nop) Close() error    { return nil }

// JSONLLogger writes each event as a JSON line.
type JSONLLogger struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewJSONLLogger creates a JSONL logger appending to path.
func NewJSONLLogger(path string) (*JSONLLogger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &JSONLLogger{
		file:   file,
		writer: bufio.NewWriter(file),
	}, nil
}

// Log writes ev, stamping it when Timestamp is zero.
func (l *JSONLLogger) Log(ev Event) error {
	if l == nil {
		return nil
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return l.writer.Flush()
}

// Close flushes and closes the file.
func (l *JSONLLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.writer != nil {
		_ = l.writer.Flush()
	}
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

// Memory keeps events in memory. Useful in tests and for the CLI summary.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func (m *Memory) Log(ev Event) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }

// Events returns a copy of the recorded events.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}

// Count returns how many events of kind were recorded.
func (m *Memory) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

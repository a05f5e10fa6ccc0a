package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	StatusOK    = "OK"
	StatusError = "ERROR"
	StatusStale = "STALE"
)

// Entry records one enrollment protocol operation.
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Operation string            `json:"operation"`
	Subject   string            `json:"subject,omitempty"`
	Status    string            `json:"status"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Operation string
	Subject   string
	Status    string
	Start     time.Time
	End       time.Time
	Limit     int
}

func (f Filter) match(e Entry) bool {
	if f.Operation != "" && e.Operation != f.Operation {
		return false
	}
	if f.Subject != "" && e.Subject != f.Subject {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if !f.Start.IsZero() && e.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && e.Timestamp.After(f.End) {
		return false
	}
	return true
}

// Subscriber receives audit entries via a channel.
type Subscriber struct {
	C  chan Entry
	id string
}

// Logger writes audit entries off the caller's path. A nil *Logger
// discards everything.
type Logger struct {
	entries chan Entry
	out     io.Writer
	source  string

	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	store       []Entry

	done chan struct{}
}

// NewLogger creates a logger with the given buffer size and output writer.
// source tags every entry with the emitting component.
func NewLogger(bufferSize int, out io.Writer, source string) *Logger {
	l := &Logger{
		entries:     make(chan Entry, bufferSize),
		out:         out,
		source:      source,
		subscribers: make(map[string]*Subscriber),
		done:        make(chan struct{}),
	}
	go l.processLoop()
	return l
}

// Log queues an entry. It never blocks; entries are dropped when the
// buffer is full.
func (l *Logger) Log(operation, subject, status string, metadata map[string]string) {
	if l == nil {
		return
	}
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Operation: operation,
		Subject:   subject,
		Status:    status,
		Source:    l.source,
		Metadata:  metadata,
	}

	select {
	case l.entries <- entry:
	default:
		slog.Warn("audit log buffer full, dropping entry", "operation", operation)
	}
}

// Result logs operation as OK when err is nil and ERROR otherwise, with
// the error text in metadata.
func (l *Logger) Result(operation, subject string, err error, metadata map[string]string) {
	if l == nil {
		return
	}
	if err == nil {
		l.Log(operation, subject, StatusOK, metadata)
		return
	}
	md := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		md[k] = v
	}
	md["error"] = err.Error()
	l.Log(operation, subject, StatusError, md)
}

func (l *Logger) Subscribe() *Subscriber {
	l.mu.Lock()
	defer l.mu.Unlock()

	sub := &Subscriber{
		C:  make(chan Entry, 64),
		id: uuid.NewString(),
	}
	l.subscribers[sub.id] = sub
	return sub
}

func (l *Logger) Unsubscribe(sub *Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.subscribers[sub.id]; !ok {
		return
	}
	delete(l.subscribers, sub.id)
	close(sub.C)
}

// Query returns stored entries matching f, newest first.
func (l *Logger) Query(f Filter) []Entry {
	if l == nil {
		return nil
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Entry
	for i := len(l.store) - 1; i >= 0; i-- {
		if !f.match(l.store[i]) {
			continue
		}
		results = append(results, l.store[i])
		if f.Limit > 0 && len(results) >= f.Limit {
			break
		}
	}
	return results
}

// Close drains queued entries and stops the processing loop.
func (l *Logger) Close() {
	if l == nil {
		return
	}
	close(l.entries)
	<-l.done
}

func (l *Logger) processLoop() {
	defer close(l.done)

	for entry := range l.entries {
		l.mu.Lock()
		l.store = append(l.store, entry)
		l.mu.Unlock()

		if l.out != nil {
			data, err := json.Marshal(entry)
			if err != nil {
				slog.Error("audit marshal", "error", err)
				continue
			}
			fmt.Fprintf(l.out, "%s\n", data)
		}

		l.mu.RLock()
		for _, sub := range l.subscribers {
			select {
			case sub.C <- entry:
			default:
			}
		}
		l.mu.RUnlock()
	}
}

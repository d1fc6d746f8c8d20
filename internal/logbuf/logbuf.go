/*
Package logbuf keeps the most recent log entries in a ring buffer and
fans new entries out to subscribers.

It implements slog.Handler so it can be chained into the logger setup as
an extra sink; the management API's /api/logs stream reads from it.
*/
package logbuf

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Entry is a single captured log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// Subscriber receives live entries on C. Entries are dropped rather
// than blocking the logger when the subscriber falls behind.
type Subscriber struct {
	C chan Entry
}

// Buffer is a fixed-size ring of log entries with subscriber fan-out.
type Buffer struct {
	mu          sync.Mutex
	entries     []Entry
	pos         int // next write position
	filled      bool
	subscribers map[*Subscriber]struct{}
}

// New creates a buffer holding the last size entries.
func New(size int) *Buffer {
	if size <= 0 {
		size = 1000
	}
	return &Buffer{
		entries:     make([]Entry, size),
		subscribers: make(map[*Subscriber]struct{}),
	}
}

func (b *Buffer) add(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries[b.pos] = e
	b.pos++
	if b.pos == len(b.entries) {
		b.pos = 0
		b.filled = true
	}

	for s := range b.subscribers {
		select {
		case s.C <- e:
		default:
			// Slow subscriber: drop. Never stall the logger.
		}
	}
}

// Recent returns up to n most recent entries, oldest first.
func (b *Buffer) Recent(n int) []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()

	total := b.pos
	if b.filled {
		total = len(b.entries)
	}
	if n <= 0 || n > total {
		n = total
	}

	out := make([]Entry, 0, n)
	start := (b.pos - n + len(b.entries)) % len(b.entries)
	for i := 0; i < n; i++ {
		out = append(out, b.entries[(start+i)%len(b.entries)])
	}
	return out
}

// Subscribe registers a new live subscriber.
func (b *Buffer) Subscribe() *Subscriber {
	s := &Subscriber{C: make(chan Entry, 256)}
	b.mu.Lock()
	b.subscribers[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe removes a subscriber. Its channel is not closed; the
// reader simply stops receiving.
func (b *Buffer) Unsubscribe(s *Subscriber) {
	b.mu.Lock()
	delete(b.subscribers, s)
	b.mu.Unlock()
}

// Handler returns an slog.Handler that records into this buffer.
func (b *Buffer) Handler() slog.Handler {
	return &bufHandler{buf: b}
}

type bufHandler struct {
	buf   *Buffer
	attrs []slog.Attr
}

func (h *bufHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true // capture every level; filtering happens at read time
}

func (h *bufHandler) Handle(_ context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface
	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	h.buf.add(Entry{
		Timestamp: r.Time,
		Level:     r.Level.String(),
		Message:   r.Message,
		Attrs:     attrs,
	})
	return nil
}

func (h *bufHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &bufHandler{buf: h.buf, attrs: merged}
}

func (h *bufHandler) WithGroup(string) slog.Handler {
	// Groups are flattened; the log stream is for eyeballs, not parsing.
	return h
}

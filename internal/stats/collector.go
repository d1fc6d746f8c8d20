/*
Package stats provides in-memory counters and SQLite persistence for
proxy session statistics.

The Collector accumulates per-domain and per-mode counters in memory
using atomic operations, and queues completed session records. A
background flush loop in Store periodically writes queued sessions to a
SQLite database so history survives restarts.
*/
package stats

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxPending caps the queued-session backlog when persistence is slow
// or disabled; oldest records are dropped first.
const maxPending = 10000

// Session summarizes one completed proxy connection.
type Session struct {
	ID         string
	Time       time.Time
	ClientIP   string
	Host       string // host the client asked for
	Target     string // host actually dialed
	Mode       string // mitm, tunnel, or forward
	BytesUp    int64
	BytesDown  int64
	DurationMS int64
}

// DomainCount holds a domain and its counter value.
type DomainCount struct {
	Domain string `json:"domain"`
	Count  int64  `json:"count"`
}

// Collector accumulates in-memory session statistics.
type Collector struct {
	sessionsTotal atomic.Int64
	bytesUp       atomic.Int64
	bytesDown     atomic.Int64

	// Per-mode session counts.
	modes sync.Map // string -> *atomic.Int64

	// Per-original-host session counts.
	domains sync.Map // string -> *atomic.Int64

	mu      sync.Mutex
	pending []Session
	dropped int64
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// RecordSession records a completed connection and queues it for
// persistence. Safe for concurrent use by many connection handlers.
func (c *Collector) RecordSession(clientIP, host, target, mode string, bytesUp, bytesDown int64, duration time.Duration) {
	c.sessionsTotal.Add(1)
	c.bytesUp.Add(bytesUp)
	c.bytesDown.Add(bytesDown)

	mv, _ := c.modes.LoadOrStore(mode, &atomic.Int64{})
	mv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore

	dv, _ := c.domains.LoadOrStore(host, &atomic.Int64{})
	dv.(*atomic.Int64).Add(1) //nolint:errcheck // type is guaranteed by LoadOrStore

	s := Session{
		ID:         uuid.New().String(),
		Time:       time.Now().UTC(),
		ClientIP:   clientIP,
		Host:       host,
		Target:     target,
		Mode:       mode,
		BytesUp:    bytesUp,
		BytesDown:  bytesDown,
		DurationMS: duration.Milliseconds(),
	}

	c.mu.Lock()
	if len(c.pending) >= maxPending {
		c.pending = c.pending[1:]
		c.dropped++
	}
	c.pending = append(c.pending, s)
	c.mu.Unlock()
}

// DrainPending removes and returns all queued sessions.
func (c *Collector) DrainPending() []Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.pending
	c.pending = nil
	return out
}

// requeue returns a drained batch to the head of the pending queue
// after a failed flush. Oldest records are dropped if the cap is hit.
func (c *Collector) requeue(sessions []Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	combined := make([]Session, 0, len(sessions)+len(c.pending))
	combined = append(combined, sessions...)
	combined = append(combined, c.pending...)
	if over := len(combined) - maxPending; over > 0 {
		combined = combined[over:]
		c.dropped += int64(over)
	}
	c.pending = combined
}

// TotalSessions returns the number of sessions recorded.
func (c *Collector) TotalSessions() int64 {
	return c.sessionsTotal.Load()
}

// TotalBytesUp returns total client-to-target bytes across sessions.
func (c *Collector) TotalBytesUp() int64 {
	return c.bytesUp.Load()
}

// TotalBytesDown returns total target-to-client bytes across sessions.
func (c *Collector) TotalBytesDown() int64 {
	return c.bytesDown.Load()
}

// SnapshotModes returns current per-mode session counts.
func (c *Collector) SnapshotModes() map[string]int64 {
	out := make(map[string]int64)
	c.modes.Range(func(key, value any) bool {
		mode, _ := key.(string)             //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out[mode] = counter.Load()
		return true
	})
	return out
}

// SnapshotDomains returns current per-host session counts.
func (c *Collector) SnapshotDomains() []DomainCount {
	var out []DomainCount
	c.domains.Range(func(key, value any) bool {
		domain, _ := key.(string)           //nolint:errcheck // type is guaranteed
		counter, _ := value.(*atomic.Int64) //nolint:errcheck // type is guaranteed
		out = append(out, DomainCount{Domain: domain, Count: counter.Load()})
		return true
	})
	return out
}

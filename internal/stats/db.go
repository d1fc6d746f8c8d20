package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Store persists completed sessions to SQLite with a periodic flush
// loop draining the collector's queue.
type Store struct {
	mu        sync.Mutex
	conn      *sqlite.Conn
	collector *Collector
	logger    *slog.Logger
	interval  time.Duration
	cancel    context.CancelFunc
	done      chan struct{}
}

// Open opens or creates a session database at dbPath.
func Open(dbPath string, collector *Collector, logger *slog.Logger, flushInterval time.Duration) (*Store, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open stats db: %w", err)
	}

	// WAL allows readers during the flush writes.
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA journal_mode=WAL", nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{
		conn:      conn,
		collector: collector,
		logger:    logger,
		interval:  flushInterval,
		done:      make(chan struct{}),
	}

	if err := s.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return s, nil
}

func (s *Store) ensureSchema() error {
	return sqlitex.ExecuteScript(s.conn, `
		CREATE TABLE IF NOT EXISTS sessions (
			id          TEXT PRIMARY KEY,
			ts          TEXT NOT NULL,
			client_ip   TEXT NOT NULL,
			host        TEXT NOT NULL,
			target      TEXT NOT NULL,
			mode        TEXT NOT NULL,
			bytes_up    INTEGER NOT NULL,
			bytes_down  INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_ts ON sessions(ts);
		CREATE INDEX IF NOT EXISTS idx_sessions_host ON sessions(host);
	`, nil)
}

// Start launches the background flush loop.
func (s *Store) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Flush(); err != nil {
					s.logger.Error("stats flush failed", "error", err)
				}
			}
		}
	}()
}

// Flush drains queued sessions and writes them in one transaction. On
// failure the batch is re-queued so a transient write error does not
// lose sessions.
func (s *Store) Flush() (err error) {
	sessions := s.collector.DrainPending()
	if len(sessions) == 0 {
		return nil
	}

	defer func() {
		if err != nil {
			s.collector.requeue(sessions)
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	defer sqlitex.Save(s.conn)(&err)

	for i := range sessions {
		sess := &sessions[i]
		err = sqlitex.Execute(s.conn, `
			INSERT INTO sessions (id, ts, client_ip, host, target, mode, bytes_up, bytes_down, duration_ms)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, &sqlitex.ExecOptions{
			Args: []any{
				sess.ID, sess.Time.Format(time.RFC3339), sess.ClientIP,
				sess.Host, sess.Target, sess.Mode,
				sess.BytesUp, sess.BytesDown, sess.DurationMS,
			},
		})
		if err != nil {
			return fmt.Errorf("insert session %s: %w", sess.ID, err)
		}
	}

	s.logger.Debug("stats flushed", "sessions", len(sessions))
	return nil
}

// SessionCount returns the number of persisted session rows.
func (s *Store) SessionCount() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int64
	err := sqlitex.Execute(s.conn, `SELECT COUNT(*) FROM sessions`, &sqlitex.ExecOptions{
		ResultFunc: func(stmt *sqlite.Stmt) error {
			count = stmt.ColumnInt64(0)
			return nil
		},
	})
	if err != nil {
		return 0, fmt.Errorf("count sessions: %w", err)
	}
	return count, nil
}

// RecentSessions returns up to n most recent persisted sessions.
func (s *Store) RecentSessions(n int) ([]Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Session
	err := sqlitex.Execute(s.conn, `
		SELECT id, ts, client_ip, host, target, mode, bytes_up, bytes_down, duration_ms
		FROM sessions ORDER BY ts DESC LIMIT ?
	`, &sqlitex.ExecOptions{
		Args: []any{n},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			ts, parseErr := time.Parse(time.RFC3339, stmt.ColumnText(1))
			if parseErr != nil {
				return fmt.Errorf("parse session timestamp: %w", parseErr)
			}
			out = append(out, Session{
				ID:         stmt.ColumnText(0),
				Time:       ts,
				ClientIP:   stmt.ColumnText(2),
				Host:       stmt.ColumnText(3),
				Target:     stmt.ColumnText(4),
				Mode:       stmt.ColumnText(5),
				BytesUp:    stmt.ColumnInt64(6),
				BytesDown:  stmt.ColumnInt64(7),
				DurationMS: stmt.ColumnInt64(8),
			})
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

// Close stops the flush loop, performs a final flush, and closes the
// database.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}

	if err := s.Flush(); err != nil {
		s.logger.Error("final stats flush failed", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Package audit is the append-only, independently-prunable record of
// completed chat/speech requests — fingerprint, status, latency, backend
// used — kept for operator debugging. It is not the TTS cache: the cache
// stores audio for reuse, this stores history for inspection.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nova-labs/ttsrelay/internal/config"
)

// Record is one completed request.
type Record struct {
	ID          int64
	Kind        string // "chat" | "speech"
	Fingerprint string
	Backend     string
	Status      string // "ok" | "error"
	ErrorKind   string
	LatencyMS   int64
	CreatedAt   time.Time
}

// Store wraps the SQLite-backed audit log.
type Store struct {
	db    *sql.DB
	cfg   config.AuditConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the audit store. When retention_mode is "ephemeral" it
// returns a Store with no backing database: every write is a no-op.
func Open(ctx context.Context, cfg config.AuditConfig, log *slog.Logger) (*Store, error) {
	if cfg.RetentionMode == "ephemeral" {
		return &Store{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db, cfg: cfg, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.Prune(ctx); err != nil {
		log.Warn("audit store prune on start failed", slog.String("error", err.Error()))
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS requests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL,
    fingerprint TEXT,
    backend TEXT,
    status TEXT NOT NULL,
    error_kind TEXT,
    latency_ms INTEGER NOT NULL,
    created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_requests_created ON requests(created_at);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database handle, if any.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append records one completed request. Never blocks on slow I/O longer
// than the query itself; callers should invoke it from a background
// goroutine if the write path is latency-sensitive.
func (s *Store) Append(ctx context.Context, r Record) error {
	if s.db == nil {
		return nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.clock().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO requests(kind, fingerprint, backend, status, error_kind, latency_ms, created_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		r.Kind, r.Fingerprint, r.Backend, r.Status, r.ErrorKind, r.LatencyMS, r.CreatedAt)
	if err != nil {
		s.log.Warn("audit: failed to append record", slog.String("error", err.Error()))
	}
	return err
}

// Recent returns up to limit most-recent records, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if s.db == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, fingerprint, backend, status, error_kind, latency_ms, created_at
		 FROM requests ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.ID, &r.Kind, &r.Fingerprint, &r.Backend, &r.Status, &r.ErrorKind, &r.LatencyMS, &created); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = ts
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records older than retention_days, applied on startup.
func (s *Store) Prune(ctx context.Context) error {
	if s.db == nil || s.cfg.RetentionDays <= 0 {
		return nil
	}
	cutoff := s.clock().Add(-time.Duration(s.cfg.RetentionDays) * 24 * time.Hour).UTC()
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE created_at < ?`, cutoff)
	return err
}

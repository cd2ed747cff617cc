// Package diag records operator-facing diagnostic events (fallback
// episodes, rate limits, validation failures) in a local SQLite database.
//
// The journal is strictly best-effort: a write failure is logged and
// swallowed so diagnostics can never block or fail the analysis pipeline.
// SQLite in WAL mode handles the concurrent appends from the three workers
// without further coordination.
package diag

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Event kinds recorded by the workers and the scheduler glue.
const (
	KindFallback          = "fallback"           // heuristic replaced the model output
	KindRateLimit         = "rate_limit"         // server-side throttle observed
	KindValidationFailure = "validation_failure" // model output rejected by the validator
	KindRollback          = "rollback"           // correction invalidated prior analysis
)

// Event is one diagnostic record.
type Event struct {
	ID        int64
	Kind      string
	SessionID string
	Worker    string
	Detail    string
	CreatedAt time.Time
}

// Recorder is the write side of the journal. The analysis pipeline depends
// only on this interface so diagnostics stay optional.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// Nop is a Recorder that drops every event. Used when no journal path is
// configured.
type Nop struct{}

// Record implements [Recorder].
func (Nop) Record(ctx context.Context, ev Event) {}

// Journal is a SQLite-backed [Recorder]. All methods are safe for
// concurrent use.
type Journal struct {
	db *sql.DB
}

// Open opens (or creates) the journal database at path.
func Open(path string) (*Journal, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("diag: open db: %w", err)
	}
	db.SetMaxOpenConns(2)

	j := &Journal{db: db}
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("diag: migrate: %w", err)
	}
	return j, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS diagnostics (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		kind       TEXT NOT NULL,
		session_id TEXT NOT NULL DEFAULT '',
		worker     TEXT NOT NULL DEFAULT '',
		detail     TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_diagnostics_session ON diagnostics(session_id, id);
	CREATE INDEX IF NOT EXISTS idx_diagnostics_kind ON diagnostics(kind, id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// Record implements [Recorder]. Failures are logged, never returned.
func (j *Journal) Record(ctx context.Context, ev Event) {
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO diagnostics (kind, session_id, worker, detail, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		ev.Kind, ev.SessionID, ev.Worker, ev.Detail, ev.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		slog.Warn("diagnostic record dropped", "kind", ev.Kind, "error", err)
	}
}

// Recent returns up to n most recent events, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = 50
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, kind, session_id, worker, detail, created_at
		FROM   diagnostics
		ORDER  BY id DESC
		LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("diag: query recent: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			ts string
		)
		if err := rows.Scan(&ev.ID, &ev.Kind, &ev.SessionID, &ev.Worker, &ev.Detail, &ts); err != nil {
			return nil, fmt.Errorf("diag: scan event: %w", err)
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("diag: iterate events: %w", err)
	}
	return out, nil
}

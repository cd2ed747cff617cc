// Package postgres provides a PostgreSQL-backed implementation of
// [eventlog.Store].
//
// Fragments live in a session_events table keyed (session_id, event_index);
// per-session counters live in a session_log_state row. Every write runs in
// one transaction so the revision bump and the fragment upsert are atomic.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/7788ken/scribeflow/internal/eventlog"
)

// Compile-time interface check.
var _ eventlog.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS session_log_state (
    session_id              TEXT    PRIMARY KEY,
    next_event_index        BIGINT  NOT NULL DEFAULT 0,
    revision                BIGINT  NOT NULL DEFAULT 0,
    last_segmented_revision BIGINT  NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS session_events (
    session_id          TEXT    NOT NULL,
    event_index         BIGINT  NOT NULL,
    speaker_id          TEXT    NOT NULL DEFAULT '',
    speaker_name        TEXT    NOT NULL DEFAULT '',
    content             TEXT    NOT NULL DEFAULT '',
    is_final            BOOLEAN NOT NULL DEFAULT false,
    segment_key         TEXT    NOT NULL DEFAULT '',
    source_timestamp_ms BIGINT  NOT NULL DEFAULT 0,
    PRIMARY KEY (session_id, event_index)
);
`

// Store implements [eventlog.Store] on a PostgreSQL database.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn and ensures the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, ddl); err != nil {
		pool.Close()
		return nil, fmt.Errorf("eventlog postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreFromPool wraps an existing pool. The caller keeps ownership of the
// pool's lifecycle; [Store.Close] becomes a no-op.
func NewStoreFromPool(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("eventlog postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pool so sibling stores can share it.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// UpsertEvent implements [eventlog.Store.UpsertEvent].
func (s *Store) UpsertEvent(ctx context.Context, sessionID string, w eventlog.Write) (int64, eventlog.Fragment, error) {
	var (
		rev  int64
		frag eventlog.Fragment
	)

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		// Ensure the state row exists, then lock it for this write.
		_, err := tx.Exec(ctx, `
			INSERT INTO session_log_state (session_id)
			VALUES ($1)
			ON CONFLICT (session_id) DO NOTHING`, sessionID)
		if err != nil {
			return fmt.Errorf("ensure state row: %w", err)
		}

		var next int64
		err = tx.QueryRow(ctx, `
			SELECT next_event_index FROM session_log_state
			WHERE  session_id = $1
			FOR UPDATE`, sessionID).Scan(&next)
		if err != nil {
			return fmt.Errorf("lock state row: %w", err)
		}

		var idx int64
		alloc := w.EventIndex == nil
		if alloc {
			idx = next
		} else {
			idx = *w.EventIndex
			if idx < 0 || idx >= next {
				return fmt.Errorf("%w: session %s index %d (next %d)",
					eventlog.ErrOutOfRange, sessionID, idx, next)
			}
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO session_events
			    (session_id, event_index, speaker_id, speaker_name, content, is_final, segment_key, source_timestamp_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (session_id, event_index) DO UPDATE SET
			    speaker_id          = EXCLUDED.speaker_id,
			    speaker_name        = EXCLUDED.speaker_name,
			    content             = EXCLUDED.content,
			    is_final            = EXCLUDED.is_final,
			    segment_key         = EXCLUDED.segment_key,
			    source_timestamp_ms = EXCLUDED.source_timestamp_ms`,
			sessionID, idx, w.SpeakerID, w.SpeakerName, w.Content, w.IsFinal, w.SegmentKey, w.SourceTimestampMS)
		if err != nil {
			return fmt.Errorf("upsert fragment: %w", err)
		}

		nextBump := int64(0)
		if alloc {
			nextBump = 1
		}
		err = tx.QueryRow(ctx, `
			UPDATE session_log_state
			SET    revision = revision + 1,
			       next_event_index = next_event_index + $2
			WHERE  session_id = $1
			RETURNING revision`, sessionID, nextBump).Scan(&rev)
		if err != nil {
			return fmt.Errorf("bump revision: %w", err)
		}

		frag = eventlog.Fragment{
			SessionID:         sessionID,
			EventIndex:        idx,
			SpeakerID:         w.SpeakerID,
			SpeakerName:       w.SpeakerName,
			Content:           w.Content,
			IsFinal:           w.IsFinal,
			SegmentKey:        w.SegmentKey,
			SourceTimestampMS: w.SourceTimestampMS,
		}
		return nil
	})
	if err != nil {
		return 0, eventlog.Fragment{}, fmt.Errorf("eventlog postgres: upsert event: %w", err)
	}
	return rev, frag, nil
}

// GetState implements [eventlog.Store.GetState].
func (s *Store) GetState(ctx context.Context, sessionID string) (eventlog.SessionState, error) {
	st := eventlog.SessionState{SessionID: sessionID}
	err := s.pool.QueryRow(ctx, `
		SELECT next_event_index, revision, last_segmented_revision
		FROM   session_log_state
		WHERE  session_id = $1`, sessionID).
		Scan(&st.NextEventIndex, &st.Revision, &st.LastSegmentedRevision)
	if errors.Is(err, pgx.ErrNoRows) {
		return st, nil
	}
	if err != nil {
		return eventlog.SessionState{}, fmt.Errorf("eventlog postgres: get state: %w", err)
	}
	return st, nil
}

// GetEventsInRange implements [eventlog.Store.GetEventsInRange].
func (s *Store) GetEventsInRange(ctx context.Context, sessionID string, start, end int64) ([]eventlog.Fragment, error) {
	if start > end {
		return []eventlog.Fragment{}, nil
	}

	rows, err := s.pool.Query(ctx, `
		SELECT event_index, speaker_id, speaker_name, content, is_final, segment_key, source_timestamp_ms
		FROM   session_events
		WHERE  session_id = $1 AND event_index BETWEEN $2 AND $3
		ORDER  BY event_index`, sessionID, start, end)
	if err != nil {
		return nil, fmt.Errorf("eventlog postgres: get events: %w", err)
	}
	defer rows.Close()

	out := make([]eventlog.Fragment, 0, end-start+1)
	for rows.Next() {
		f := eventlog.Fragment{SessionID: sessionID}
		if err := rows.Scan(&f.EventIndex, &f.SpeakerID, &f.SpeakerName, &f.Content,
			&f.IsFinal, &f.SegmentKey, &f.SourceTimestampMS); err != nil {
			return nil, fmt.Errorf("eventlog postgres: scan fragment: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("eventlog postgres: iterate fragments: %w", err)
	}

	// A gap inside the range is a hard failure, never a partial result.
	want := end - start + 1
	if int64(len(out)) != want {
		return nil, fmt.Errorf("%w: session %s range [%d,%d] has %d of %d events",
			eventlog.ErrMissingEvent, sessionID, start, end, len(out), want)
	}
	return out, nil
}

// SetLastSegmentedRevision implements [eventlog.Store.SetLastSegmentedRevision].
func (s *Store) SetLastSegmentedRevision(ctx context.Context, sessionID string, revision int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO session_log_state (session_id, last_segmented_revision)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE SET
		    last_segmented_revision = GREATEST(session_log_state.last_segmented_revision, EXCLUDED.last_segmented_revision)`,
		sessionID, revision)
	if err != nil {
		return fmt.Errorf("eventlog postgres: set last segmented revision: %w", err)
	}
	return nil
}

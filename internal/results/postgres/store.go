// Package postgres provides a PostgreSQL-backed implementation of
// [results.Store].
//
// Segment and dialogue lists are stored as JSONB documents; the query shape
// only ever needs whole-unit reads and key-range deletes, so no relational
// decomposition is warranted.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/7788ken/scribeflow/internal/analysis"
	"github.com/7788ken/scribeflow/internal/results"
)

// Compile-time interface check.
var _ results.Store = (*Store)(nil)

const ddl = `
CREATE TABLE IF NOT EXISTS turn_segments (
    session_id      TEXT   PRIMARY KEY,
    revision        BIGINT NOT NULL DEFAULT 0,
    target_revision BIGINT NOT NULL DEFAULT 0,
    status          TEXT   NOT NULL DEFAULT 'processing',
    segments        JSONB  NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS analysis_cursors (
    session_id                   TEXT   PRIMARY KEY,
    last_analyzed_event_index    BIGINT NOT NULL DEFAULT -1,
    pending_rollback_event_index BIGINT NOT NULL DEFAULT -1
);

CREATE TABLE IF NOT EXISTS semantic_chunks (
    session_id        TEXT   NOT NULL,
    start_event_index BIGINT NOT NULL,
    end_event_index   BIGINT NOT NULL,
    status            TEXT   NOT NULL DEFAULT 'processing',
    dialogues         JSONB  NOT NULL DEFAULT '[]',
    PRIMARY KEY (session_id, start_event_index, end_event_index)
);

CREATE TABLE IF NOT EXISTS event_segments (
    session_id               TEXT   NOT NULL,
    id                       TEXT   NOT NULL,
    sequence                 BIGINT NOT NULL,
    content                  TEXT   NOT NULL DEFAULT '',
    source_start_event_index BIGINT NOT NULL,
    source_end_event_index   BIGINT NOT NULL,
    source_revision          BIGINT NOT NULL,
    prev_segment_id          TEXT   NOT NULL DEFAULT '',
    status                   TEXT   NOT NULL DEFAULT 'completed',
    PRIMARY KEY (session_id, sequence)
);
`

// Store implements [results.Store] on a PostgreSQL database.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore ensures the schema exists on the given pool. The caller keeps
// ownership of the pool's lifecycle.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("results postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// GetTurnSegments implements [results.Store.GetTurnSegments].
func (s *Store) GetTurnSegments(ctx context.Context, sessionID string) (results.TurnSegmentsResult, error) {
	res := results.TurnSegmentsResult{SessionID: sessionID}
	var segJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT revision, target_revision, status, segments
		FROM   turn_segments
		WHERE  session_id = $1`, sessionID).
		Scan(&res.Revision, &res.TargetRevision, &res.Status, &segJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return results.TurnSegmentsResult{}, fmt.Errorf("%w: turn segments for session %s", results.ErrNotFound, sessionID)
	}
	if err != nil {
		return results.TurnSegmentsResult{}, fmt.Errorf("results postgres: get turn segments: %w", err)
	}
	if err := json.Unmarshal(segJSON, &res.Segments); err != nil {
		return results.TurnSegmentsResult{}, fmt.Errorf("results postgres: decode segments: %w", err)
	}
	return res, nil
}

// PutTurnSegments implements [results.Store.PutTurnSegments].
func (s *Store) PutTurnSegments(ctx context.Context, res results.TurnSegmentsResult) error {
	segs := res.Segments
	if segs == nil {
		segs = []analysis.Segment{}
	}
	segJSON, err := json.Marshal(segs)
	if err != nil {
		return fmt.Errorf("results postgres: encode segments: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO turn_segments (session_id, revision, target_revision, status, segments)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id) DO UPDATE SET
		    revision        = EXCLUDED.revision,
		    target_revision = EXCLUDED.target_revision,
		    status          = EXCLUDED.status,
		    segments        = EXCLUDED.segments`,
		res.SessionID, res.Revision, res.TargetRevision, res.Status, segJSON)
	if err != nil {
		return fmt.Errorf("results postgres: put turn segments: %w", err)
	}
	return nil
}

// GetCursor implements [results.Store.GetCursor].
func (s *Store) GetCursor(ctx context.Context, sessionID string) (results.AnalysisCursor, error) {
	cur := results.AnalysisCursor{
		SessionID:                 sessionID,
		LastAnalyzedEventIndex:    -1,
		PendingRollbackEventIndex: -1,
	}
	err := s.pool.QueryRow(ctx, `
		SELECT last_analyzed_event_index, pending_rollback_event_index
		FROM   analysis_cursors
		WHERE  session_id = $1`, sessionID).
		Scan(&cur.LastAnalyzedEventIndex, &cur.PendingRollbackEventIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return cur, nil
	}
	if err != nil {
		return results.AnalysisCursor{}, fmt.Errorf("results postgres: get cursor: %w", err)
	}
	return cur, nil
}

// PutCursor implements [results.Store.PutCursor].
func (s *Store) PutCursor(ctx context.Context, cur results.AnalysisCursor) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO analysis_cursors (session_id, last_analyzed_event_index, pending_rollback_event_index)
		VALUES ($1, $2, $3)
		ON CONFLICT (session_id) DO UPDATE SET
		    last_analyzed_event_index    = EXCLUDED.last_analyzed_event_index,
		    pending_rollback_event_index = EXCLUDED.pending_rollback_event_index`,
		cur.SessionID, cur.LastAnalyzedEventIndex, cur.PendingRollbackEventIndex)
	if err != nil {
		return fmt.Errorf("results postgres: put cursor: %w", err)
	}
	return nil
}

// GetChunk implements [results.Store.GetChunk].
func (s *Store) GetChunk(ctx context.Context, sessionID string, start, end int64) (results.SemanticChunk, error) {
	chunk := results.SemanticChunk{
		SessionID:       sessionID,
		StartEventIndex: start,
		EndEventIndex:   end,
	}
	var diaJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT status, dialogues
		FROM   semantic_chunks
		WHERE  session_id = $1 AND start_event_index = $2 AND end_event_index = $3`,
		sessionID, start, end).
		Scan(&chunk.Status, &diaJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return results.SemanticChunk{}, fmt.Errorf("%w: chunk [%d,%d] for session %s", results.ErrNotFound, start, end, sessionID)
	}
	if err != nil {
		return results.SemanticChunk{}, fmt.Errorf("results postgres: get chunk: %w", err)
	}
	if err := json.Unmarshal(diaJSON, &chunk.Dialogues); err != nil {
		return results.SemanticChunk{}, fmt.Errorf("results postgres: decode dialogues: %w", err)
	}
	return chunk, nil
}

// PutChunk implements [results.Store.PutChunk].
func (s *Store) PutChunk(ctx context.Context, chunk results.SemanticChunk) error {
	dialogues := chunk.Dialogues
	if dialogues == nil {
		dialogues = []analysis.Dialogue{}
	}
	diaJSON, err := json.Marshal(dialogues)
	if err != nil {
		return fmt.Errorf("results postgres: encode dialogues: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO semantic_chunks (session_id, start_event_index, end_event_index, status, dialogues)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (session_id, start_event_index, end_event_index) DO UPDATE SET
		    status    = EXCLUDED.status,
		    dialogues = EXCLUDED.dialogues`,
		chunk.SessionID, chunk.StartEventIndex, chunk.EndEventIndex, chunk.Status, diaJSON)
	if err != nil {
		return fmt.Errorf("results postgres: put chunk: %w", err)
	}
	return nil
}

// DeleteChunksFrom implements [results.Store.DeleteChunksFrom].
func (s *Store) DeleteChunksFrom(ctx context.Context, sessionID string, start int64) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM semantic_chunks
		WHERE  session_id = $1 AND start_event_index >= $2`, sessionID, start)
	if err != nil {
		return 0, fmt.Errorf("results postgres: delete chunks: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LastEventSegment implements [results.Store.LastEventSegment].
func (s *Store) LastEventSegment(ctx context.Context, sessionID string) (results.EventSegment, error) {
	seg := results.EventSegment{SessionID: sessionID}
	err := s.pool.QueryRow(ctx, `
		SELECT id, sequence, content, source_start_event_index, source_end_event_index,
		       source_revision, prev_segment_id, status
		FROM   event_segments
		WHERE  session_id = $1
		ORDER  BY sequence DESC
		LIMIT  1`, sessionID).
		Scan(&seg.ID, &seg.Sequence, &seg.Content, &seg.SourceStartEventIndex,
			&seg.SourceEndEventIndex, &seg.SourceRevision, &seg.PrevSegmentID, &seg.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return results.EventSegment{}, fmt.Errorf("%w: event segments for session %s", results.ErrNotFound, sessionID)
	}
	if err != nil {
		return results.EventSegment{}, fmt.Errorf("results postgres: last event segment: %w", err)
	}
	return seg, nil
}

// AppendEventSegment implements [results.Store.AppendEventSegment].
func (s *Store) AppendEventSegment(ctx context.Context, seg results.EventSegment) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO event_segments
		    (session_id, id, sequence, content, source_start_event_index,
		     source_end_event_index, source_revision, prev_segment_id, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		seg.SessionID, seg.ID, seg.Sequence, seg.Content, seg.SourceStartEventIndex,
		seg.SourceEndEventIndex, seg.SourceRevision, seg.PrevSegmentID, seg.Status)
	if err != nil {
		return fmt.Errorf("results postgres: append event segment: %w", err)
	}
	return nil
}

// ListEventSegments implements [results.Store.ListEventSegments].
func (s *Store) ListEventSegments(ctx context.Context, sessionID string) ([]results.EventSegment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, sequence, content, source_start_event_index, source_end_event_index,
		       source_revision, prev_segment_id, status
		FROM   event_segments
		WHERE  session_id = $1
		ORDER  BY sequence`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("results postgres: list event segments: %w", err)
	}
	defer rows.Close()

	var out []results.EventSegment
	for rows.Next() {
		seg := results.EventSegment{SessionID: sessionID}
		if err := rows.Scan(&seg.ID, &seg.Sequence, &seg.Content, &seg.SourceStartEventIndex,
			&seg.SourceEndEventIndex, &seg.SourceRevision, &seg.PrevSegmentID, &seg.Status); err != nil {
			return nil, fmt.Errorf("results postgres: scan event segment: %w", err)
		}
		out = append(out, seg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("results postgres: iterate event segments: %w", err)
	}
	return out, nil
}

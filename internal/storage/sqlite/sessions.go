package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

// CreateSession inserts an open session.
func (s *Store) CreateSession(ctx context.Context, sess model.Session) error {
	var ended sql.NullInt64
	if sess.EndedAt != nil {
		ended = sql.NullInt64{Int64: toMillis(*sess.EndedAt), Valid: true}
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at, ended_at, event_count, zero_us) VALUES (?, ?, ?, ?, ?)`,
		sess.ID.String(), toMillis(sess.StartedAt), ended, sess.EventCount, sess.ZeroUS,
	)
	if err != nil {
		if isConstraintViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// CompleteSession stamps the end time and final event count.
func (s *Store) CompleteSession(ctx context.Context, id uuid.UUID, endedAt time.Time, eventCount int64) error {
	res, err := s.sqlDB.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, event_count = ? WHERE id = ?`,
		toMillis(endedAt), eventCount, id.String(),
	)
	if err != nil {
		return fmt.Errorf("storage: complete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage: complete session: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// GetSession returns one session by ID.
func (s *Store) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, started_at, ended_at, event_count, zero_us FROM sessions WHERE id = ?`, id.String())
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, storage.ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns the newest sessions first.
func (s *Store) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT id, started_at, ended_at, event_count, zero_us
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, storage.ClampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (model.Session, error) {
	var (
		sess    model.Session
		id      string
		started int64
		ended   sql.NullInt64
	)
	if err := row.Scan(&id, &started, &ended, &sess.EventCount, &sess.ZeroUS); err != nil {
		return model.Session{}, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return model.Session{}, fmt.Errorf("parse session id %q: %w", id, err)
	}
	sess.ID = parsed
	sess.StartedAt = fromMillis(started)
	if ended.Valid {
		t := fromMillis(ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

// InsertEvents stores a batch in one transaction, ignoring rows that already
// exist.
func (s *Store) InsertEvents(ctx context.Context, events []model.RecordedEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage: begin insert events: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO session_events (session_id, sequence_num, source, timestamp_us, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("storage: prepare insert events: %w", err)
	}
	defer stmt.Close() //nolint:errcheck // closed with the transaction

	var inserted int64
	for _, e := range events {
		payload, err := json.Marshal(e.Event)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal event %d: %w", e.SequenceNum, err)
		}
		res, err := stmt.ExecContext(ctx, e.SessionID.String(), e.SequenceNum, string(e.Event.Source),
			e.Event.TimestampUS, string(payload), toMillis(e.CreatedAt))
		if err != nil {
			return 0, fmt.Errorf("storage: insert event %d: %w", e.SequenceNum, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("storage: commit events: %w", err)
	}
	return inserted, nil
}

// SessionEvents returns a session's events in sequence order.
func (s *Store) SessionEvents(ctx context.Context, id uuid.UUID) ([]model.RecordedEvent, error) {
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT sequence_num, payload, created_at FROM session_events
		 WHERE session_id = ? ORDER BY sequence_num`, id.String())
	if err != nil {
		return nil, fmt.Errorf("storage: session events: %w", err)
	}
	defer rows.Close() //nolint:errcheck // read-only cursor

	var out []model.RecordedEvent
	for rows.Next() {
		var (
			e       = model.RecordedEvent{SessionID: id}
			payload string
			created int64
		)
		if err := rows.Scan(&e.SequenceNum, &payload, &created); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Event); err != nil {
			return nil, fmt.Errorf("storage: decode event %d: %w", e.SequenceNum, err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

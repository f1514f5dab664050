package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

// CreateSession inserts an open session.
func (db *DB) CreateSession(ctx context.Context, s model.Session) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO sessions (id, started_at, ended_at, event_count, zero_us)
		 VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.StartedAt.UTC(), s.EndedAt, s.EventCount, s.ZeroUS,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("storage: create session: %w", err)
	}
	return nil
}

// CompleteSession stamps the session's end and notifies ChannelSessions in
// the same transaction, so listeners only hear about committed sessions.
func (db *DB) CompleteSession(ctx context.Context, id uuid.UUID, endedAt time.Time, eventCount int64) error {
	return withRetry(ctx, txRetries, txBaseDelay, func() error {
		return db.completeSession(ctx, id, endedAt, eventCount)
	})
}

func (db *DB) completeSession(ctx context.Context, id uuid.UUID, endedAt time.Time, eventCount int64) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin complete session: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`UPDATE sessions SET ended_at = $2, event_count = $3 WHERE id = $1`,
		id, endedAt.UTC(), eventCount,
	)
	if err != nil {
		return fmt.Errorf("storage: complete session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, ChannelSessions, id.String()); err != nil {
		return fmt.Errorf("storage: notify %s: %w", ChannelSessions, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit complete session: %w", err)
	}
	return nil
}

// GetSession returns one session by ID.
func (db *DB) GetSession(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, started_at, ended_at, event_count, zero_us FROM sessions WHERE id = $1`, id)
	s, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Session{}, storage.ErrNotFound
		}
		return model.Session{}, fmt.Errorf("storage: get session: %w", err)
	}
	return s, nil
}

// ListSessions returns the newest sessions first.
func (db *DB) ListSessions(ctx context.Context, limit int) ([]model.Session, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, started_at, ended_at, event_count, zero_us
		 FROM sessions ORDER BY started_at DESC LIMIT $1`,
		storage.ClampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan session: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanSession(row pgx.Row) (model.Session, error) {
	var s model.Session
	if err := row.Scan(&s.ID, &s.StartedAt, &s.EndedAt, &s.EventCount, &s.ZeroUS); err != nil {
		return model.Session{}, err
	}
	s.StartedAt = s.StartedAt.UTC()
	if s.EndedAt != nil {
		t := s.EndedAt.UTC()
		s.EndedAt = &t
	}
	return s, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// copyTimeout keeps a hung Postgres from blocking a recorder flush forever.
const copyTimeout = 30 * time.Second

var eventColumns = []string{"session_id", "sequence_num", "source", "timestamp_us", "payload", "created_at"}

// InsertEvents stores events with the COPY protocol. When the batch overlaps
// rows that already exist (a WAL replay after a crash between flush and
// checkpoint), it falls back to a batch of conflict-ignoring inserts.
func (db *DB) InsertEvents(ctx context.Context, events []model.RecordedEvent) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(events))
	for i, e := range events {
		payload, err := json.Marshal(e.Event)
		if err != nil {
			return 0, fmt.Errorf("storage: marshal event %d: %w", e.SequenceNum, err)
		}
		rows[i] = []any{e.SessionID, e.SequenceNum, string(e.Event.Source), e.Event.TimestampUS, payload, e.CreatedAt.UTC()}
	}

	copyCtx, cancel := context.WithTimeout(ctx, copyTimeout)
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"session_events"}, eventColumns, pgx.CopyFromRows(rows))
	cancel()
	if err == nil {
		return n, nil
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}

	db.logger.Info("storage: duplicate events in batch, inserting individually", "batch_size", len(rows))
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(
			`INSERT INTO session_events (session_id, sequence_num, source, timestamp_us, payload, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT DO NOTHING`, r...)
	}
	results := db.pool.SendBatch(ctx, batch)
	defer func() { _ = results.Close() }()

	var inserted int64
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("storage: insert event: %w", err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// SessionEvents returns a session's events in sequence order.
func (db *DB) SessionEvents(ctx context.Context, id uuid.UUID) ([]model.RecordedEvent, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT session_id, sequence_num, payload, created_at
		 FROM session_events WHERE session_id = $1 ORDER BY sequence_num`, id)
	if err != nil {
		return nil, fmt.Errorf("storage: session events: %w", err)
	}
	defer rows.Close()

	var out []model.RecordedEvent
	for rows.Next() {
		var (
			e       model.RecordedEvent
			payload []byte
		)
		if err := rows.Scan(&e.SessionID, &e.SequenceNum, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		if err := json.Unmarshal(payload, &e.Event); err != nil {
			return nil, fmt.Errorf("storage: decode event %d: %w", e.SequenceNum, err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// Package storage defines the recording session store. Two backends exist:
// storage/sqlite, embedded and the default, and storage/postgres for shared
// deployments.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// List limits for ListSessions.
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)

// Store persists recording sessions and their events.
type Store interface {
	// CreateSession inserts an open session.
	CreateSession(ctx context.Context, s model.Session) error
	// CompleteSession stamps the end time and final event count.
	CompleteSession(ctx context.Context, id uuid.UUID, endedAt time.Time, eventCount int64) error
	// GetSession returns ErrNotFound for an unknown id.
	GetSession(ctx context.Context, id uuid.UUID) (model.Session, error)
	// ListSessions returns the newest sessions first.
	ListSessions(ctx context.Context, limit int) ([]model.Session, error)

	// InsertEvents stores a batch. Re-inserting an event with an existing
	// (session, sequence) pair is a no-op, so WAL replays are safe.
	InsertEvents(ctx context.Context, events []model.RecordedEvent) (int64, error)
	// SessionEvents returns a session's events in sequence order.
	SessionEvents(ctx context.Context, id uuid.UUID) ([]model.RecordedEvent, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ClampLimit applies DefaultListLimit to a non-positive limit and caps the
// rest at MaxListLimit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return min(limit, MaxListLimit)
}

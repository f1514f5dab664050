package model

import (
	"time"

	"github.com/google/uuid"
)

// Session is one recording run, from RECORDING_ON to RECORDING_OFF.
type Session struct {
	ID         uuid.UUID  `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	EventCount int64      `json:"event_count"`
	// ZeroUS is the hub zero-reference time the session was recorded against.
	ZeroUS int64 `json:"zero_us"`
}

// RecordedEvent is a SequencedEvent persisted under a session. SequenceNum is
// the arrival order within the session and is not a replay SN.
type RecordedEvent struct {
	SessionID   uuid.UUID      `json:"session_id"`
	SequenceNum int64          `json:"sequence_num"`
	Event       SequencedEvent `json:"event"`
	CreatedAt   time.Time      `json:"created_at"`
}

package model

import "fmt"

// StateType is the phase of the service state machine.
type StateType string

const (
	StateIdle              StateType = "idle"
	StatePreparingToReplay StateType = "preparing_to_replay"
	StateRecording         StateType = "recording"
	StateReplaying         StateType = "replaying"
)

// Label returns the human-readable text shown by status observers.
func (t StateType) Label() string {
	switch t {
	case StateIdle:
		return "Idle"
	case StateRecording:
		return "Now Recording..."
	case StatePreparingToReplay:
		return "Preparing to replay..."
	case StateReplaying:
		return "Now Replaying..."
	default:
		return fmt.Sprintf("Unknown (%s)", string(t))
	}
}

// ReplayFields is the replay buffer progress reported to the controller.
type ReplayFields struct {
	RequiredSN  int64 `json:"required_sn"`
	RunningSN   int64 `json:"running_sn"`
	BufferIndex int   `json:"buffer_index"`
	BufferSize  int   `json:"buffer_size"`
}

// ServiceState is a snapshot of the service state machine. Replay is set only
// for the replay phases.
type ServiceState struct {
	Type      StateType     `json:"type"`
	Label     string        `json:"label"`
	Replay    *ReplayFields `json:"replay,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
}

// NewState builds a snapshot with its label filled in.
func NewState(t StateType) ServiceState {
	return ServiceState{Type: t, Label: t.Label()}
}

package model

import "fmt"

// CommandType enumerates controller commands.
type CommandType string

const (
	CmdRecordingOn         CommandType = "RECORDING_ON"
	CmdRecordingOff        CommandType = "RECORDING_OFF"
	CmdReplayingOn         CommandType = "REPLAYING_ON"
	CmdReplayingOff        CommandType = "REPLAYING_OFF"
	CmdRequestState        CommandType = "REQUEST_STATE"
	CmdFillReplayBuffer    CommandType = "FILL_REPLAY_BUFFER"
	CmdSkipWaitingInReplay CommandType = "SKIP_WAITING_IN_REPLAY"
)

// Command is a controller instruction. Parameter fields are only meaningful
// for the command types that declare them.
type Command struct {
	Type CommandType `json:"type"`

	// REPLAYING_ON
	BufferSize int   `json:"buffer_size,omitempty"`
	MaxSleepMS int64 `json:"max_sleep_ms,omitempty"`

	// FILL_REPLAY_BUFFER
	IsNextExists bool  `json:"is_next_exists,omitempty"`
	NumEvents    int   `json:"num_events,omitempty"`
	SN           int64 `json:"sn,omitempty"`
}

// Validate checks parameter ranges for the command type.
func (c Command) Validate() error {
	switch c.Type {
	case CmdRecordingOn, CmdRecordingOff, CmdReplayingOff, CmdRequestState, CmdSkipWaitingInReplay:
		return nil
	case CmdReplayingOn:
		if c.BufferSize <= 0 {
			return fmt.Errorf("model: %s: buffer_size must be positive", c.Type)
		}
		if c.MaxSleepMS < 0 {
			return fmt.Errorf("model: %s: max_sleep_ms must not be negative", c.Type)
		}
		return nil
	case CmdFillReplayBuffer:
		if c.NumEvents < 0 {
			return fmt.Errorf("model: %s: num_events must not be negative", c.Type)
		}
		if c.SN < 0 {
			return fmt.Errorf("model: %s: sn must not be negative", c.Type)
		}
		return nil
	default:
		return fmt.Errorf("model: unknown command type %q", string(c.Type))
	}
}

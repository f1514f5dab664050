package service

import (
	"errors"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/replay"
)

var (
	// ErrInvalidTransition is returned for a command the current state does
	// not accept, such as REPLAYING_ON while recording.
	ErrInvalidTransition = errors.New("service: invalid state transition")
	// ErrTeardownTimeout is returned when a worker did not join in time. The
	// service refuses to start new sessions afterwards because the hub and
	// devices may still be in use.
	ErrTeardownTimeout = errors.New("service: worker teardown timed out")
	// ErrBadMessage is returned for a malformed inbound message.
	ErrBadMessage = errors.New("service: bad message")
)

// ErrorCode maps an error from this package to the code carried by an
// outbound error message.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, replay.ErrProtocolViolation):
		return model.ErrCodeProtocolViolation
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, replay.ErrNotRunning):
		return model.ErrCodeInvalidTransition
	case errors.Is(err, ErrTeardownTimeout):
		return model.ErrCodeTeardownTimeout
	case errors.Is(err, ErrBadMessage):
		return model.ErrCodeBadMessage
	default:
		return model.ErrCodeInternal
	}
}


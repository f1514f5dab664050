package replay

import (
	"errors"
	"fmt"
)

// ErrProtocolViolation is wrapped by every error caused by a controller
// sending fills or events that break the sequence contract.
var ErrProtocolViolation = errors.New("replay: protocol violation")

var (
	// ErrSNMismatch: a fill's starting SN differs from the required SN.
	ErrSNMismatch = fmt.Errorf("%w: fill sn does not match required sn", ErrProtocolViolation)
	// ErrOutOfOrder: an event's SN is not the next one expected.
	ErrOutOfOrder = fmt.Errorf("%w: event sn out of order", ErrProtocolViolation)
	// ErrBufferOverflow: a fill or event would exceed the buffer size.
	ErrBufferOverflow = fmt.Errorf("%w: replay buffer overflow", ErrProtocolViolation)
	// ErrUnexpectedEvent: an event after the final chunk or with a malformed payload.
	ErrUnexpectedEvent = fmt.Errorf("%w: unexpected event", ErrProtocolViolation)
)

var (
	// ErrNotRunning is returned for fills and events outside Filling/Replaying.
	ErrNotRunning = errors.New("replay: engine not running")
	// ErrAlreadyStarted is returned by a second Start.
	ErrAlreadyStarted = errors.New("replay: engine already started")
)

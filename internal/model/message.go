package model

// MessageType tags a transport message.
type MessageType string

const (
	// Inbound (controller -> daemon).
	MsgCommand     MessageType = "command"
	MsgKernelInput MessageType = "kernel_input"
	MsgPlatform    MessageType = "platform"

	// Outbound (daemon -> controller).
	MsgState      MessageType = "state"
	MsgEvent      MessageType = "event"
	MsgInputChunk MessageType = "input_chunk"
	MsgError      MessageType = "error"
)

// Error codes carried by MsgError.
const (
	ErrCodeProtocolViolation = "protocol_violation"
	ErrCodeInvalidTransition = "invalid_transition"
	ErrCodeTeardownTimeout   = "teardown_timeout"
	ErrCodeBadMessage        = "bad_message"
	ErrCodeUnauthorized      = "unauthorized"
	ErrCodeRateLimited       = "rate_limited"
	ErrCodeNotFound          = "not_found"
	ErrCodeInternal          = "internal"
)

// ErrorDetail is the payload of MsgError and of HTTP error responses.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the unit exchanged with the controller. Exactly one payload
// field is set, according to Type.
type Message struct {
	Type MessageType `json:"type"`

	Command *Command        `json:"command,omitempty"`
	Replay  *SequencedEvent `json:"replay,omitempty"`

	State  *ServiceState   `json:"state,omitempty"`
	Event  *FinalizedEvent `json:"event,omitempty"`
	Inputs []InputSample   `json:"inputs,omitempty"`
	Error  *ErrorDetail    `json:"error,omitempty"`
}

// StateMessage wraps a state snapshot.
func StateMessage(s ServiceState) Message {
	return Message{Type: MsgState, State: &s}
}

// EventMessage wraps a finalized platform event.
func EventMessage(e FinalizedEvent) Message {
	return Message{Type: MsgEvent, Event: &e}
}

// InputChunkMessage wraps a chunk of kernel samples.
func InputChunkMessage(samples []InputSample) Message {
	return Message{Type: MsgInputChunk, Inputs: samples}
}

// ErrorMessage wraps an error report, optionally with the current state.
func ErrorMessage(code, msg string, state *ServiceState) Message {
	return Message{Type: MsgError, Error: &ErrorDetail{Code: code, Message: msg}, State: state}
}

// CommandMessage wraps a controller command.
func CommandMessage(c Command) Message {
	return Message{Type: MsgCommand, Command: &c}
}

// ReplayMessage wraps an event destined for the replay engine.
func ReplayMessage(e SequencedEvent) Message {
	t := MsgKernelInput
	if e.Source == SourcePlatform {
		t = MsgPlatform
	}
	return Message{Type: t, Replay: &e}
}

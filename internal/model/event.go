package model

import "hash/fnv"

// FinalizedEvent is a completed platform observation. It is produced exactly
// once per raw observation and never mutated afterwards.
type FinalizedEvent struct {
	Kind Kind `json:"kind"`
	// TimestampUS is the end time, or the creation time for instant kinds,
	// on the daemon's monotonic clock.
	TimestampUS int64 `json:"ts_us"`
	DurationUS  int64 `json:"dur_us"`
	// Tag is a kind-specific fingerprint: the component name hash for
	// activity launches, the URL hash for page loads, zero otherwise.
	Tag uint32 `json:"tag,omitempty"`
}

// Matches reports whether two events describe the same platform occurrence
// for replay synchronization purposes. Timing fields are ignored.
func (e FinalizedEvent) Matches(other FinalizedEvent) bool {
	return e.Kind == other.Kind && e.Tag == other.Tag
}

// InputSample is one raw kernel input report (evdev type/code/value).
type InputSample struct {
	Device      int    `json:"dev"`
	TimestampUS int64  `json:"ts_us"`
	Type        uint16 `json:"type"`
	Code        uint16 `json:"code"`
	Value       int32  `json:"value"`
}

// SourceKind distinguishes the two payloads a SequencedEvent may carry.
type SourceKind string

const (
	SourceKernelInput SourceKind = "kernel_input"
	SourcePlatform    SourceKind = "platform"
)

// SequencedEvent is an event tagged with a sequence number on the replay path.
// Exactly one of Input and Platform is set, according to Source.
type SequencedEvent struct {
	SN          int64           `json:"sn"`
	Source      SourceKind      `json:"source"`
	TimestampUS int64           `json:"ts_us"`
	Input       *InputSample    `json:"input,omitempty"`
	Platform    *FinalizedEvent `json:"platform,omitempty"`
}

// FromInput wraps a kernel sample as a SequencedEvent.
func FromInput(sn int64, s InputSample) SequencedEvent {
	return SequencedEvent{SN: sn, Source: SourceKernelInput, TimestampUS: s.TimestampUS, Input: &s}
}

// FromPlatform wraps a finalized platform event as a SequencedEvent.
func FromPlatform(sn int64, e FinalizedEvent) SequencedEvent {
	return SequencedEvent{SN: sn, Source: SourcePlatform, TimestampUS: e.TimestampUS, Platform: &e}
}

// Valid reports whether the payload matches the declared source.
func (e SequencedEvent) Valid() bool {
	switch e.Source {
	case SourceKernelInput:
		return e.Input != nil && e.Platform == nil
	case SourcePlatform:
		return e.Platform != nil && e.Input == nil && e.Platform.Kind.Valid()
	default:
		return false
	}
}

// HashTag computes the 32-bit fingerprint used as FinalizedEvent.Tag.
func HashTag(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

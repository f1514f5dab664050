// Package hub aggregates asynchronous partial platform observations into
// finalized events.
//
// Each event kind owns a Queue guarded by its own mutex. A Queue holds raw
// observations until the kind's completion policy says they are settled, at
// which point Drain converts and removes them. The Hub owns one Queue per kind
// in registration order and gates pushes on its enabled flag.
package hub

import (
	"fmt"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// DefaultSettleThreshold is how long a paired observation must sit untouched
// after its end time before a non-urgent drain finalizes it.
const DefaultSettleThreshold = 100 * time.Millisecond

// Policy decides when a raw observation is complete.
type Policy uint8

const (
	// PolicyPaired completes once the end time is set and either the drain is
	// urgent or the settle threshold has elapsed since the end time.
	PolicyPaired Policy = iota + 1
	// PolicyExplicitEnd completes only after a matching end was pushed.
	PolicyExplicitEnd
	// PolicyInstant completes on creation.
	PolicyInstant
)

func (p Policy) String() string {
	switch p {
	case PolicyPaired:
		return "paired"
	case PolicyExplicitEnd:
		return "explicit_end"
	case PolicyInstant:
		return "instant"
	default:
		return fmt.Sprintf("policy(%d)", uint8(p))
	}
}

// PolicyFor returns the completion policy of a kind.
func PolicyFor(k model.Kind) Policy {
	switch k {
	case model.KindViewInput:
		return PolicyPaired
	case model.KindWebPageLoad:
		return PolicyExplicitEnd
	case model.KindActivityLaunch, model.KindActivityPause, model.KindViewShortClick, model.KindViewLongClick:
		return PolicyInstant
	default:
		panic(fmt.Sprintf("hub: no completion policy for %s", k))
	}
}

// Observation is an in-flight, possibly partial platform event.
type Observation struct {
	Kind    model.Kind
	StartUS int64
	EndUS   int64
	HasEnd  bool
	// Ended is set by an explicit end push; only meaningful for PolicyExplicitEnd.
	Ended bool
	// Key correlates follow-up pushes. Empty for instant kinds.
	Key string
	Tag uint32
}

// IsComplete evaluates p against o at time nowUS. It has no side effects.
func IsComplete(p Policy, o Observation, nowUS int64, settle time.Duration, urgent bool) bool {
	switch p {
	case PolicyPaired:
		if !o.HasEnd {
			return false
		}
		if urgent {
			return true
		}
		return nowUS-o.EndUS >= settle.Microseconds()
	case PolicyExplicitEnd:
		return o.Ended
	case PolicyInstant:
		return true
	default:
		return false
	}
}

// Finalize converts a complete observation into its immutable event.
func Finalize(o Observation) model.FinalizedEvent {
	e := model.FinalizedEvent{
		Kind:        o.Kind,
		TimestampUS: o.StartUS,
		Tag:         o.Tag,
	}
	if o.HasEnd {
		e.TimestampUS = o.EndUS
		if d := o.EndUS - o.StartUS; d > 0 {
			e.DurationUS = d
		}
	}
	return e
}

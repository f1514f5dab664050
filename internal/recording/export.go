package recording

import (
	"sort"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// Export turns a session's recorded events into a replayable stream: ordered
// by timestamp, ties broken by arrival order, with SNs renumbered from 0.
// Platform events and kernel samples are drained on independent schedules,
// so arrival order alone is not timestamp order.
func Export(events []model.RecordedEvent) []model.SequencedEvent {
	sorted := make([]model.RecordedEvent, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.Event.TimestampUS != b.Event.TimestampUS {
			return a.Event.TimestampUS < b.Event.TimestampUS
		}
		return a.SequenceNum < b.SequenceNum
	})

	out := make([]model.SequencedEvent, len(sorted))
	for i, r := range sorted {
		ev := r.Event
		ev.SN = int64(i)
		out[i] = ev
	}
	return out
}

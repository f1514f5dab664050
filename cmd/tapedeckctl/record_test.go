package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
)

func TestCollectorExportOrdersByTimestamp(t *testing.T) {
	c := &collector{}

	// Platform events and input chunks drain on separate schedules, so a
	// later-arriving chunk can hold earlier samples.
	c.add(model.EventMessage(model.FinalizedEvent{Kind: model.KindViewShortClick, TimestampUS: 3000}))
	c.add(model.InputChunkMessage([]model.InputSample{
		{TimestampUS: 1000, Type: 1, Code: 30, Value: 1},
		{TimestampUS: 3000, Type: 1, Code: 30, Value: 0},
	}))
	c.add(model.StateMessage(model.NewState(model.StateRecording)))

	events := c.export()
	require.Len(t, events, 3)

	assert.Equal(t, model.SourceKernelInput, events[0].Source)
	assert.Equal(t, int64(1000), events[0].TimestampUS)

	// Equal timestamps keep arrival order.
	assert.Equal(t, model.SourcePlatform, events[1].Source)
	assert.Equal(t, model.SourceKernelInput, events[2].Source)

	for i, ev := range events {
		assert.Equal(t, int64(i), ev.SN)
		assert.True(t, ev.Valid())
	}
}

func TestWriteEventsRoundTripsThroughReadEvents(t *testing.T) {
	c := &collector{}
	c.add(model.InputChunkMessage([]model.InputSample{{TimestampUS: 5, Type: 3, Code: 53, Value: 400}}))
	c.add(model.EventMessage(model.FinalizedEvent{Kind: model.KindWebPageLoad, TimestampUS: 9, DurationUS: 4, Tag: model.HashTag("https://example.test/")}))

	var buf bytes.Buffer
	require.NoError(t, writeEvents(&buf, c.export()))
	assert.Equal(t, 2, strings.Count(buf.String(), "\n"), "one event per line")

	events, err := readEvents(&buf)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int32(400), events[0].Input.Value)
	assert.Equal(t, model.HashTag("https://example.test/"), events[1].Platform.Tag)

	first, err := json.Marshal(events[0])
	require.NoError(t, err)
	assert.Contains(t, string(first), `"source":"kernel_input"`)
}

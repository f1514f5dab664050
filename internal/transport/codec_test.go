package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
)

func TestDecodeBatch(t *testing.T) {
	msgs, err := DecodeBatch([]byte(` [{"type":"command","command":{"type":"FILL_REPLAY_BUFFER","is_next_exists":true,"num_events":3,"sn":6}},
		{"type":"platform","replay":{"sn":6,"source":"platform","ts_us":10,"platform":{"kind":"activity_launch","ts_us":10,"dur_us":5,"tag":9}}}]`))
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, model.CmdFillReplayBuffer, msgs[0].Command.Type)
	assert.True(t, msgs[0].Command.IsNextExists)
	assert.Equal(t, int64(6), msgs[0].Command.SN)

	require.NotNil(t, msgs[1].Replay)
	assert.True(t, msgs[1].Replay.Valid())
	assert.Equal(t, model.KindActivityLaunch, msgs[1].Replay.Platform.Kind)
}

func TestDecodeBatchSingleObject(t *testing.T) {
	msgs, err := DecodeBatch([]byte(`{"type":"command","command":{"type":"REQUEST_STATE"}}`))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.CmdRequestState, msgs[0].Command.Type)
}

func TestDecodeBatchErrors(t *testing.T) {
	_, err := DecodeBatch([]byte("   "))
	assert.ErrorIs(t, err, ErrEmptyFrame)

	_, err = DecodeBatch([]byte(`[{"type":"platform","replay":{"platform":{"kind":"teleport"}}}]`))
	assert.Error(t, err, "unknown kinds fail to decode")
}

func TestEncodeBatchEmpty(t *testing.T) {
	data, err := EncodeBatch(nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

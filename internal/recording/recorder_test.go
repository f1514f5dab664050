package recording

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
	"github.com/ashita-ai/tapedeck/internal/storage/sqlite"
	"github.com/ashita-ai/tapedeck/internal/testutil"
)

func openStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(filepath.Join(t.TempDir(), "tapedeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// flakyStore fails InsertEvents while failing is set.
type flakyStore struct {
	storage.Store
	mu      sync.Mutex
	failing bool
}

func (f *flakyStore) setFailing(v bool) {
	f.mu.Lock()
	f.failing = v
	f.mu.Unlock()
}

func (f *flakyStore) InsertEvents(ctx context.Context, events []model.RecordedEvent) (int64, error) {
	f.mu.Lock()
	failing := f.failing
	f.mu.Unlock()
	if failing {
		return 0, errors.New("disk on fire")
	}
	return f.Store.InsertEvents(ctx, events)
}

func samples(n int) []model.SequencedEvent {
	out := make([]model.SequencedEvent, n)
	for i := range out {
		out[i] = model.FromInput(0, model.InputSample{Device: 2, TimestampUS: int64(i) * 100, Type: 1, Code: 330, Value: 1})
	}
	return out
}

func TestRecorderSessionRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	r := NewRecorder(store, nil, testutil.TestLogger(), 1000, time.Hour)
	require.NoError(t, r.Start(ctx))
	defer r.Drain(ctx)

	sess, err := r.BeginSession(ctx, 1234)
	require.NoError(t, err)

	first, err := r.Append(sess.ID, samples(3))
	require.NoError(t, err)
	second, err := r.Append(sess.ID, samples(2))
	require.NoError(t, err)
	assert.Equal(t, int64(0), first[0].SequenceNum)
	assert.Equal(t, int64(3), second[0].SequenceNum, "sequence numbers continue across appends")
	assert.Equal(t, 5, r.Len())

	done, err := r.EndSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, done.EndedAt)
	assert.Equal(t, int64(5), done.EventCount)
	assert.Equal(t, int64(1234), done.ZeroUS)
	assert.Zero(t, r.Len())

	stored, err := store.SessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 5)

	_, err = r.Append(sess.ID, samples(1))
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRecorderAppendUnknownSession(t *testing.T) {
	r := NewRecorder(openStore(t), nil, testutil.TestLogger(), 10, time.Hour)
	_, err := r.Append(uuid.New(), samples(1))
	assert.ErrorIs(t, err, ErrNoSession)

	_, err = r.EndSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRecorderDoubleStart(t *testing.T) {
	ctx := context.Background()
	r := NewRecorder(openStore(t), nil, testutil.TestLogger(), 10, time.Hour)
	require.NoError(t, r.Start(ctx))
	defer r.Drain(ctx)
	assert.ErrorIs(t, r.Start(ctx), ErrAlreadyStarted)
}

func TestRecorderFlushesOnSize(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	r := NewRecorder(store, nil, testutil.TestLogger(), 4, time.Hour)
	require.NoError(t, r.Start(ctx))
	defer r.Drain(ctx)

	sess, err := r.BeginSession(ctx, 0)
	require.NoError(t, err)
	_, err = r.Append(sess.ID, samples(4))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		stored, err := store.SessionEvents(ctx, sess.ID)
		return err == nil && len(stored) == 4
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecorderRequeuesOnFlushFailure(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: openStore(t)}
	r := NewRecorder(store, nil, testutil.TestLogger(), 1000, time.Hour)

	sess, err := r.BeginSession(ctx, 0)
	require.NoError(t, err)
	_, err = r.Append(sess.ID, samples(3))
	require.NoError(t, err)

	store.setFailing(true)
	require.Error(t, r.Flush(ctx))
	assert.Equal(t, 3, r.Len(), "failed batch is put back")

	store.setFailing(false)
	require.NoError(t, r.Flush(ctx))
	assert.Zero(t, r.Len())
	assert.Zero(t, r.DroppedEvents())
}

func TestRecorderRecoversFromWAL(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	cfg := testWALConfig(t)

	wal := openWAL(t, cfg)
	r := NewRecorder(store, wal, testutil.TestLogger(), 1000, time.Hour)
	sess, err := r.BeginSession(ctx, 0)
	require.NoError(t, err)
	_, err = r.Append(sess.ID, samples(6))
	require.NoError(t, err)
	require.NoError(t, r.Flush(ctx))
	_, err = r.Append(sess.ID, samples(4))
	require.NoError(t, err)
	// Simulate a crash: the last four events never reach the store.
	require.NoError(t, wal.Close())

	wal2 := openWAL(t, cfg)
	defer func() { _ = wal2.Close() }()
	r2 := NewRecorder(store, wal2, testutil.TestLogger(), 1000, time.Hour)
	n, err := r2.Recover(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	stored, err := store.SessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 10)

	// Nothing left to recover once checkpointed.
	recovered, err := wal2.Recover()
	require.NoError(t, err)
	assert.Empty(t, recovered)
}

func TestRecorderDrainFlushesPending(t *testing.T) {
	ctx := context.Background()
	store := openStore(t)
	r := NewRecorder(store, nil, testutil.TestLogger(), 1000, time.Hour)
	require.NoError(t, r.Start(ctx))

	sess, err := r.BeginSession(ctx, 0)
	require.NoError(t, err)
	_, err = r.Append(sess.ID, samples(2))
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	r.Drain(drainCtx)

	stored, err := store.SessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

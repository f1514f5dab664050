package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tapedeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func newSession(started time.Time) model.Session {
	return model.Session{ID: uuid.New(), StartedAt: started.UTC().Truncate(time.Millisecond), ZeroUS: 42}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	sess := newSession(time.Now())
	require.NoError(t, s.CreateSession(ctx, sess))
	assert.ErrorIs(t, s.CreateSession(ctx, sess), storage.ErrAlreadyExists)

	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, got)
	assert.Nil(t, got.EndedAt)

	ended := sess.StartedAt.Add(3 * time.Second)
	require.NoError(t, s.CompleteSession(ctx, sess.ID, ended, 7))

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.True(t, ended.Equal(*got.EndedAt))
	assert.Equal(t, int64(7), got.EventCount)
}

func TestGetSessionNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, s.CompleteSession(context.Background(), uuid.New(), time.Now(), 0), storage.ErrNotFound)
}

func TestListSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Now()

	var ids []uuid.UUID
	for i := range 3 {
		sess := newSession(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, s.CreateSession(ctx, sess))
		ids = append(ids, sess.ID)
	}

	list, err := s.ListSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, ids[2], list[0].ID)
	assert.Equal(t, ids[0], list[2].ID)

	list, err = s.ListSessions(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestInsertEventsIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	sess := newSession(time.Now())
	require.NoError(t, s.CreateSession(ctx, sess))

	now := time.Now().UTC().Truncate(time.Millisecond)
	events := []model.RecordedEvent{
		{SessionID: sess.ID, SequenceNum: 0, CreatedAt: now,
			Event: model.FromPlatform(0, model.FinalizedEvent{Kind: model.KindViewShortClick, TimestampUS: 100})},
		{SessionID: sess.ID, SequenceNum: 1, CreatedAt: now,
			Event: model.FromInput(0, model.InputSample{Device: 2, TimestampUS: 150, Type: 1, Code: 30, Value: 1})},
	}
	n, err := s.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	n, err = s.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Zero(t, n, "replayed rows are ignored")

	got, err := s.SessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, events[0].Event, got[0].Event)
	assert.Equal(t, events[1].Event, got[1].Event)
	assert.True(t, now.Equal(got[1].CreatedAt))
}

func TestInsertEventsUnknownSession(t *testing.T) {
	s := openTestStore(t)
	_, err := s.InsertEvents(context.Background(), []model.RecordedEvent{{
		SessionID: uuid.New(),
		Event:     model.FromPlatform(0, model.FinalizedEvent{Kind: model.KindActivityPause}),
	}})
	assert.Error(t, err, "foreign keys are enforced")
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tapedeck.db")

	s, err := Open(path)
	require.NoError(t, err)
	sess := newSession(time.Now())
	require.NoError(t, s.CreateSession(ctx, sess))
	require.NoError(t, s.Close(ctx))

	s, err = Open(path)
	require.NoError(t, err, "migrations are not re-applied")
	defer func() { _ = s.Close(ctx) }()
	_, err = s.GetSession(ctx, sess.ID)
	assert.NoError(t, err)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("  ")
	assert.Error(t, err)
}

func TestUpSection(t *testing.T) {
	assert.Equal(t, "\nA\n", upSection("-- +migrate Up\nA\n-- +migrate Down\nB"))
	assert.Equal(t, "plain", upSection("plain"))
}

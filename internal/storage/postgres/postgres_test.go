package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/storage"
	"github.com/ashita-ai/tapedeck/internal/storage/postgres"
	"github.com/ashita-ai/tapedeck/internal/testutil"
)

var testDB *postgres.DB

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() || os.Getenv("TAPEDECK_SKIP_CONTAINERS") != "" {
		fmt.Fprintln(os.Stderr, "postgres: skipping container tests")
		os.Exit(0)
	}
	tc := testutil.MustStartPostgres()
	ctx := context.Background()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = testDB.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func newSession() model.Session {
	return model.Session{ID: uuid.New(), StartedAt: time.Now().UTC().Truncate(time.Microsecond), ZeroUS: 9}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, testDB.CreateSession(ctx, sess))
	assert.ErrorIs(t, testDB.CreateSession(ctx, sess), storage.ErrAlreadyExists)

	got, err := testDB.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.True(t, sess.StartedAt.Equal(got.StartedAt))
	assert.Nil(t, got.EndedAt)

	require.NoError(t, testDB.CompleteSession(ctx, sess.ID, sess.StartedAt.Add(time.Second), 3))
	got, err = testDB.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EndedAt)
	assert.Equal(t, int64(3), got.EventCount)

	_, err = testDB.GetSession(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCompleteSessionNotifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, testDB.Listen(ctx, postgres.ChannelSessions))

	sess := newSession()
	require.NoError(t, testDB.CreateSession(ctx, sess))
	require.NoError(t, testDB.CompleteSession(ctx, sess.ID, time.Now(), 0))

	channel, payload, err := testDB.WaitForNotification(ctx)
	require.NoError(t, err)
	assert.Equal(t, postgres.ChannelSessions, channel)
	assert.Equal(t, sess.ID.String(), payload)
}

func TestInsertEventsCopyAndReplay(t *testing.T) {
	ctx := context.Background()
	sess := newSession()
	require.NoError(t, testDB.CreateSession(ctx, sess))

	var events []model.RecordedEvent
	for i := range int64(5) {
		events = append(events, model.RecordedEvent{
			SessionID:   sess.ID,
			SequenceNum: i,
			CreatedAt:   time.Now().UTC(),
			Event:       model.FromInput(0, model.InputSample{TimestampUS: i * 10, Type: 1, Code: 30, Value: int32(i)}),
		})
	}
	n, err := testDB.InsertEvents(ctx, events[:3])
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	// Overlapping batch: the first three already exist.
	n, err = testDB.InsertEvents(ctx, events)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := testDB.SessionEvents(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, int64(i), e.SequenceNum)
		assert.Equal(t, events[i].Event, e.Event)
	}
}

func TestListSessions(t *testing.T) {
	ctx := context.Background()
	sess := newSession()
	sess.StartedAt = sess.StartedAt.Add(time.Hour)
	require.NoError(t, testDB.CreateSession(ctx, sess))

	list, err := testDB.ListSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, sess.ID, list[0].ID)
}

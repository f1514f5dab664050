package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/auth"
	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/hub"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/server"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/storage/sqlite"
	"github.com/ashita-ai/tapedeck/internal/testutil"
	"github.com/ashita-ai/tapedeck/internal/transport"
)

const testAPIKey = "ctl-test-key"

// startDaemon runs the daemon's HTTP surface over a real service with a
// sqlite store and returns a client authorized by API key exchange.
func startDaemon(t *testing.T) (*apiClient, *service.Service) {
	t.Helper()
	logger := testutil.TestLogger()

	store, err := sqlite.Open(filepath.Join(t.TempDir(), "tapedeck.db"))
	require.NoError(t, err)
	rec := recording.NewRecorder(store, nil, logger, 100, 10*time.Millisecond)
	require.NoError(t, rec.Start(context.Background()))
	t.Cleanup(func() {
		rec.Drain(context.Background())
		_ = store.Close(context.Background())
	})

	h := hub.New(clock.NewManual(5_000_000), logger)
	svc := service.New(h, service.Config{
		DrainInterval: 10 * time.Millisecond,
		ChunkInterval: 10 * time.Millisecond,
		JoinTimeout:   2 * time.Second,
	}, logger, service.WithRecorder(rec))
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	metrics := transport.NewMetrics()
	ctrl := transport.NewServer(svc, metrics, logger, transport.Config{})
	t.Cleanup(func() { _ = ctrl.Close() })

	jwtMgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)
	keys, err := auth.NewKeyVerifier(testAPIKey)
	require.NoError(t, err)

	srv := server.New(server.ServerConfig{
		Service:    svc,
		Logger:     logger,
		Store:      store,
		StoreKind:  "sqlite",
		Recorder:   rec,
		JWTMgr:     jwtMgr,
		Keys:       keys,
		Controller: ctrl,
		Metrics:    metrics,
		Version:    "test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	c := newAPIClient(Profile{URL: ts.URL, APIKey: testAPIKey, ClientID: "ctl-test"}, 5*time.Second)
	return c, svc
}

func TestAPIClientExchangesKey(t *testing.T) {
	c, _ := startDaemon(t)
	ctx := context.Background()

	var st model.ServiceState
	require.NoError(t, c.do(ctx, "GET", "/v1/state", nil, &st))
	assert.Equal(t, model.StateIdle, st.Type)
	assert.NotEmpty(t, c.token, "the api key is exchanged on first use")

	bad := newAPIClient(Profile{URL: c.baseURL, APIKey: "wrong", ClientID: "ctl-test"}, time.Second)
	err := bad.do(ctx, "GET", "/v1/state", nil, &st)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, model.ErrCodeUnauthorized, apiErr.Code)
}

func TestControllerURL(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{"http://localhost:33001", "ws://localhost:33001/v1/controller"},
		{"https://deck.example.test/", "wss://deck.example.test/v1/controller"},
		{"https://deck.example.test/prefix", "wss://deck.example.test/prefix/v1/controller"},
	}
	for _, tt := range tests {
		c := newAPIClient(Profile{URL: tt.base}, time.Second)
		got, err := c.controllerURL()
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := newAPIClient(Profile{URL: "ftp://deck"}, time.Second).controllerURL()
	assert.Error(t, err)
}

func TestRecordThenReplayStoredSession(t *testing.T) {
	c, svc := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for svc.State().Type != model.StateRecording && time.Now().Before(deadline) {
			time.Sleep(5 * time.Millisecond)
		}
		_ = svc.Notify(service.PlatformNotification{Event: service.NotifyActivityPause})
	}()

	events, sessionID, err := record(ctx, c, 300*time.Millisecond, io.Discard)
	require.NoError(t, err)
	require.NotEmpty(t, sessionID)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindActivityPause, events[0].Platform.Kind)
	assert.Equal(t, int64(0), events[0].SN)
	assert.Equal(t, model.StateIdle, svc.State().Type)

	// The stored export matches what the controller saw.
	require.Eventually(t, func() bool {
		stored, err := fetchSession(ctx, c, sessionID)
		return err == nil && len(stored) == 1
	}, 5*time.Second, 20*time.Millisecond)

	var out bytes.Buffer
	require.NoError(t, writeEvents(&out, events))
	assert.Contains(t, out.String(), `"activity_pause"`)
}

func TestReplayKernelRecording(t *testing.T) {
	c, svc := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	var status bytes.Buffer
	require.NoError(t, replay(ctx, c, kernelEvents(10), 3, 0, &status))
	assert.Equal(t, model.StateIdle, svc.State().Type)
	assert.Contains(t, status.String(), "10/10")
}

func TestReplayEmptyRecording(t *testing.T) {
	c, svc := startDaemon(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, replay(ctx, c, nil, 4, 0, io.Discard))
	assert.Equal(t, model.StateIdle, svc.State().Type)
}

func TestReplayRefusesBusyDaemon(t *testing.T) {
	c, svc := startDaemon(t)
	ctx := context.Background()

	_, err := svc.HandleCommand(ctx, model.Command{Type: model.CmdRecordingOn})
	require.NoError(t, err)

	err = replay(ctx, c, kernelEvents(2), 4, 0, io.Discard)
	assert.ErrorContains(t, err, "busy")
}

package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/testutil"
)

// echoDispatcher answers REQUEST_STATE and records everything else.
type echoDispatcher struct {
	mu       sync.Mutex
	received []model.Message
	ctrl     service.Controller
}

func (d *echoDispatcher) HandleMessages(_ context.Context, msgs []model.Message) []model.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	var replies []model.Message
	for _, m := range msgs {
		d.received = append(d.received, m)
		if m.Type == model.MsgCommand && m.Command.Type == model.CmdRequestState {
			replies = append(replies, model.StateMessage(model.NewState(model.StateIdle)))
		}
	}
	return replies
}

func (d *echoDispatcher) State() model.ServiceState { return model.NewState(model.StateIdle) }

func (d *echoDispatcher) SetController(c service.Controller) {
	d.mu.Lock()
	d.ctrl = c
	d.mu.Unlock()
}

func (d *echoDispatcher) controller() service.Controller {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctrl
}

func (d *echoDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.received)
}

func startServer(t *testing.T) (*Server, *echoDispatcher, string) {
	t.Helper()
	d := &echoDispatcher{}
	srv := NewServer(d, NewMetrics(), testutil.TestLogger(), Config{})
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		_ = srv.Close()
		ts.Close()
	})
	return srv, d, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func dial(t *testing.T, url string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func receiveCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestControllerGetsInitialStateAndReplies(t *testing.T) {
	_, d, url := startServer(t)
	c := dial(t, url)

	first, err := c.Next(receiveCtx(t))
	require.NoError(t, err)
	require.Equal(t, model.MsgState, first.Type)
	assert.Equal(t, model.StateIdle, first.State.Type)

	require.NoError(t, c.Send(
		model.CommandMessage(model.Command{Type: model.CmdRecordingOn}),
		model.CommandMessage(model.Command{Type: model.CmdRequestState}),
	))
	reply, err := c.Next(receiveCtx(t))
	require.NoError(t, err)
	assert.Equal(t, model.MsgState, reply.Type)
	assert.Equal(t, 2, d.count())
}

func TestServiceCanPushThroughController(t *testing.T) {
	_, d, url := startServer(t)
	c := dial(t, url)
	_, err := c.Next(receiveCtx(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.controller() != nil }, time.Second, 5*time.Millisecond)
	ev := model.FinalizedEvent{Kind: model.KindViewLongClick, TimestampUS: 77}
	require.NoError(t, d.controller().Send(context.Background(), model.EventMessage(ev)))

	got, err := c.Next(receiveCtx(t))
	require.NoError(t, err)
	require.Equal(t, model.MsgEvent, got.Type)
	assert.Equal(t, ev, *got.Event)
}

func TestSecondControllerRejected(t *testing.T) {
	srv, _, url := startServer(t)
	first := dial(t, url)
	_, err := first.Next(receiveCtx(t))
	require.NoError(t, err)
	assert.True(t, srv.Connected())

	_, err = Dial(context.Background(), url, nil)
	assert.ErrorIs(t, err, ErrControllerBusy)

	httpURL := "http" + strings.TrimPrefix(url, "ws")
	resp, err := http.Get(httpURL)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, string(body), "controller_busy")

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return !srv.Connected() }, 2*time.Second, 10*time.Millisecond)

	again := dial(t, url)
	_, err = again.Next(receiveCtx(t))
	assert.NoError(t, err)
}

func TestBadFrameGetsErrorReply(t *testing.T) {
	_, d, url := startServer(t)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer func() { _ = ws.Close() }()

	_, _, err = ws.ReadMessage() // initial state
	require.NoError(t, err)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msgs, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.MsgError, msgs[0].Type)
	assert.Equal(t, model.ErrCodeBadMessage, msgs[0].Error.Code)
	require.NotNil(t, msgs[0].State)

	// A bare object is a batch of one.
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"command","command":{"type":"RECORDING_ON"}}`)))
	require.Eventually(t, func() bool { return d.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendAfterCloseFails(t *testing.T) {
	_, d, url := startServer(t)
	c := dial(t, url)
	_, err := c.Next(receiveCtx(t))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return d.controller() != nil }, time.Second, 5*time.Millisecond)
	conn := d.controller().(*Conn)
	require.NoError(t, conn.Close())
	assert.ErrorIs(t, conn.Send(context.Background(), model.StateMessage(model.NewState(model.StateIdle))), ErrNotConnected)
}

func TestMetricsExposed(t *testing.T) {
	m := NewMetrics()
	d := &echoDispatcher{}
	srv := NewServer(d, m, testutil.TestLogger(), Config{})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	c, err := Dial(context.Background(), "ws"+strings.TrimPrefix(ts.URL, "http"), nil)
	require.NoError(t, err)
	_, err = c.Next(receiveCtx(t))
	require.NoError(t, err)
	_ = c.Close()

	scrape := func() string {
		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		return rec.Body.String()
	}
	require.Eventually(t, func() bool {
		return strings.Contains(scrape(), `tapedeck_controller_messages_total{direction="out",type="state"} 1`)
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, scrape(), `tapedeck_controller_connections_total{result="accepted"} 1`)
}

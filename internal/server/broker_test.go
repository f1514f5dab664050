package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// testLogger returns a logger for tests that only shows errors.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeNotifier delivers queued payloads, then blocks until ctx ends.
type fakeNotifier struct {
	listened chan string
	payloads chan string
}

func (n *fakeNotifier) Listen(_ context.Context, channel string) error {
	n.listened <- channel
	return nil
}

func (n *fakeNotifier) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case p := <-n.payloads:
		return "tapedeck_sessions", p, nil
	case <-ctx.Done():
		return "", "", errors.New("conn closed")
	}
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func TestBrokerFanOut(t *testing.T) {
	broker := NewBroker(nil, "", testLogger())

	ch1 := broker.Subscribe()
	ch2 := broker.Subscribe()

	if err := broker.OnStateChange(context.Background(), model.NewState(model.StateRecording)); err != nil {
		t.Fatalf("OnStateChange: %v", err)
	}

	for _, ch := range []chan []byte{ch1, ch2} {
		got := receive(t, ch)
		if !strings.HasPrefix(got, "event: state\n") || !strings.Contains(got, `"type":"recording"`) {
			t.Errorf("unexpected event %q", got)
		}
	}

	broker.Unsubscribe(ch1)
	if broker.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", broker.Subscribers())
	}
	_ = broker.OnStateChange(context.Background(), model.NewState(model.StateIdle))
	if got := receive(t, ch2); !strings.Contains(got, `"type":"idle"`) {
		t.Errorf("ch2: unexpected event %q", got)
	}
	broker.Unsubscribe(ch2)
}

func TestBrokerSessionCompletions(t *testing.T) {
	n := &fakeNotifier{listened: make(chan string, 1), payloads: make(chan string, 1)}
	broker := NewBroker(n, "tapedeck_sessions", testLogger())
	ch := broker.Subscribe()
	defer broker.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		broker.Start(ctx)
		close(done)
	}()

	if got := <-n.listened; got != "tapedeck_sessions" {
		t.Fatalf("listened on %q", got)
	}
	n.payloads <- "3f1c0c1e-0000-4000-8000-000000000001"

	got := receive(t, ch)
	want := formatSSE(EventSessionCompleted, `{"session_id":"3f1c0c1e-0000-4000-8000-000000000001"}`)
	if got != string(want) {
		t.Errorf("got %q, want %q", got, want)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestBrokerStartWithoutNotifierReturns(t *testing.T) {
	done := make(chan struct{})
	go func() {
		NewBroker(nil, "", testLogger()).Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start should return immediately without a notifier")
	}
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("state", `{"type":"idle"}`))
	want := "event: state\ndata: {\"type\":\"idle\"}\n\n"
	if got != want {
		t.Errorf("formatSSE: got %q, want %q", got, want)
	}
}

func TestBrokerSlowSubscriber(t *testing.T) {
	broker := NewBroker(nil, "", testLogger())

	slow := broker.Subscribe()
	fast := broker.Subscribe()

	// Fill both buffers; the fast one is drained below.
	for range 65 {
		broker.broadcast(formatSSE("test", "fill"))
	}
	for range 64 {
		<-fast
	}

	event := formatSSE("test", "after-fill")
	broker.broadcast(event)

	if got := receive(t, fast); got != string(event) {
		t.Fatalf("fast subscriber got %q", got)
	}

	broker.Unsubscribe(slow)
	broker.Unsubscribe(fast)
}

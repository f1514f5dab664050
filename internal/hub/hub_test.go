package hub

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T) (*Hub, *clock.Manual) {
	t.Helper()
	clk := clock.NewManual(0)
	h := New(clk, testLogger())
	h.Enable()
	return h, clk
}

func TestPairedSettlesAfterThreshold(t *testing.T) {
	h, clk := newTestHub(t)

	clk.Set(20_000)
	h.OnViewInputEvent(10)

	clk.Set(21_000)
	assert.Empty(t, h.Drain(false), "paired event must not finalize 1ms after its end")

	clk.Set(121_000)
	events := h.Drain(false)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindViewInput, events[0].Kind)
	assert.Equal(t, int64(20_000), events[0].TimestampUS)
	assert.Equal(t, int64(10_000), events[0].DurationUS)

	assert.Empty(t, h.Drain(true), "an event is finalized exactly once")
}

func TestPairedUrgentDrainIgnoresThreshold(t *testing.T) {
	h, clk := newTestHub(t)
	clk.Set(20_000)
	h.OnViewInputEvent(10)

	events := h.Drain(true)
	require.Len(t, events, 1)
	assert.Equal(t, int64(10_000), events[0].DurationUS)
}

func TestPairedFollowUpExtendsSameObservation(t *testing.T) {
	h, clk := newTestHub(t)

	clk.Set(20_000)
	h.OnViewInputEvent(10)
	clk.Set(90_000)
	h.OnViewInputEvent(10)

	clk.Set(150_000)
	assert.Empty(t, h.Drain(false), "the follow-up restarted the settle window")

	clk.Set(190_000)
	events := h.Drain(false)
	require.Len(t, events, 1)
	assert.Equal(t, int64(80_000), events[0].DurationUS)
}

func TestExplicitEndNeverDrainsWithoutEnd(t *testing.T) {
	h, clk := newTestHub(t)

	clk.Set(1_000)
	h.OnWebPageLoadStart("https://example.com/")
	clk.Set(10_000_000)
	assert.Empty(t, h.Drain(false))
	assert.Empty(t, h.Drain(true), "urgent drains do not force explicit-end observations")

	clk.Set(10_500_000)
	h.OnWebPageLoadEnd("https://example.com/")
	events := h.Drain(false)
	require.Len(t, events, 1)
	assert.Equal(t, model.KindWebPageLoad, events[0].Kind)
	assert.Equal(t, int64(10_499_000), events[0].DurationUS)
	assert.Equal(t, model.HashTag("https://example.com/"), events[0].Tag)
}

func TestEndBeforeStartLeavesPageLoadOpen(t *testing.T) {
	h, clk := newTestHub(t)

	clk.Set(5_000)
	h.OnWebPageLoadEnd("https://a.test/")
	assert.Empty(t, h.Drain(true))

	// The earlier end was dropped; the start waits for its own end.
	clk.Set(6_000)
	h.OnWebPageLoadStart("https://a.test/")
	assert.Empty(t, h.Drain(true))
	assert.Equal(t, 1, h.Queue(model.KindWebPageLoad).Len())
}

func TestExplicitEndUnmatchedIsSilentlyIgnored(t *testing.T) {
	h, _ := newTestHub(t)
	h.OnWebPageLoadEnd("https://never-started.test/")
	assert.Empty(t, h.Drain(true))
	assert.Zero(t, h.Pending())
}

func TestInstantKindsDrainImmediately(t *testing.T) {
	h, clk := newTestHub(t)
	clk.Set(3_000)

	h.OnActivityPause()
	h.OnViewShortClick()
	h.OnViewLongClick()
	h.OnActivityLaunch(2_000, "com.example/.MainActivity")

	events := h.Drain(false)
	require.Len(t, events, 4)

	// Registration order across kinds.
	assert.Equal(t, model.KindActivityLaunch, events[0].Kind)
	assert.Equal(t, model.KindActivityPause, events[1].Kind)
	assert.Equal(t, model.KindViewShortClick, events[2].Kind)
	assert.Equal(t, model.KindViewLongClick, events[3].Kind)

	assert.Equal(t, int64(2_000), events[0].DurationUS)
	assert.Equal(t, model.HashTag("com.example/.MainActivity"), events[0].Tag)
	assert.Zero(t, events[1].DurationUS)
}

func TestDisabledHubIgnoresPushesButStillDrains(t *testing.T) {
	h, clk := newTestHub(t)
	clk.Set(20_000)
	h.OnViewInputEvent(10)

	h.Disable()
	h.OnViewShortClick()
	h.OnWebPageLoadStart("https://b.test/")

	events := h.Drain(true)
	require.Len(t, events, 1, "existing contents survive disable for the final urgent pass")
	assert.Equal(t, model.KindViewInput, events[0].Kind)
}

func TestPushBeforeFirstEnableIsDropped(t *testing.T) {
	clk := clock.NewManual(0)
	h := New(clk, testLogger())
	h.OnViewShortClick()
	assert.Zero(t, h.Pending())
}

func TestEnableClearsStaleAndPrunesBeforeZero(t *testing.T) {
	h, clk := newTestHub(t)

	clk.Set(10_000)
	h.OnWebPageLoadStart("https://stale.test/")
	h.Disable()

	clk.Set(50_000)
	h.Enable()
	assert.Zero(t, h.Pending(), "enable discards pre-enable observations")
	assert.Equal(t, int64(50_000), h.ZeroUS())

	// A view input that started before enablement but ended after it is kept,
	// its timestamp being the end time.
	clk.Set(60_000)
	h.OnViewInputEvent(40)
	// An activity launch whose start predates zero is still stamped at its end.
	h.OnActivityLaunch(30_000, "x")
	events := h.Drain(true)
	assert.Len(t, events, 2)

	// Instants created after a clock reset below zero are pruned.
	clk.Set(1_000)
	h.OnViewLongClick()
	assert.Empty(t, h.Drain(true))
}

func TestConcurrentPushAndDrain(t *testing.T) {
	clk := clock.NewManual(0)
	h := New(clk, testLogger(), WithSettleThreshold(time.Millisecond))
	h.Enable()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				h.OnViewShortClick()
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		select {
		case <-done:
			total += len(h.Drain(true))
			assert.Equal(t, writers*perWriter, total)
			return
		default:
			total += len(h.Drain(false))
		}
	}
}

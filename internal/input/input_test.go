package input

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/poller"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeDevice(t *testing.T, path string, samples ...model.InputSample) {
	t.Helper()
	var b []byte
	for _, s := range samples {
		b = EncodeSample(b, s, time.Unix(1700000000, 0))
	}
	require.NoError(t, os.WriteFile(path, b, 0o600))
}

func readDevice(t *testing.T, path string) []rawEvent {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Zero(t, len(b)%recordSize)
	var out []rawEvent
	for len(b) > 0 {
		out = append(out, decode(b[:recordSize]))
		b = b[recordSize:]
	}
	return out
}

func TestEncodeDecode(t *testing.T) {
	s := model.InputSample{Type: 3, Code: 53, Value: -42}
	b := EncodeSample(nil, s, time.Unix(12, 345_000))
	require.Len(t, b, recordSize)

	raw := decode(b)
	assert.Equal(t, int64(12), raw.Sec)
	assert.Equal(t, int64(345), raw.Usec)
	assert.Equal(t, uint16(3), raw.Type)
	assert.Equal(t, uint16(53), raw.Code)
	assert.Equal(t, int32(-42), raw.Value)
}

func TestDeviceIndex(t *testing.T) {
	n, err := DeviceIndex("/dev/input/event7")
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	for _, bad := range []string{"/dev/input/mouse0", "/dev/input/event", "/dev/input/eventX"} {
		_, err := DeviceIndex(bad)
		assert.Error(t, err, bad)
	}
	assert.Equal(t, filepath.Join("/dev/input", "event3"), DevicePath("/dev/input", 3))
}

func collect(t *testing.T, p *Producer, n int) []model.InputSample {
	t.Helper()
	var out []model.InputSample
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for len(out) < n {
		s, err := p.Next(ctx)
		if errors.Is(err, poller.ErrNoSample) {
			continue
		}
		require.NoError(t, err)
		out = append(out, s)
	}
	return out
}

func TestProducerReadsDevices(t *testing.T) {
	dir := t.TempDir()
	writeDevice(t, filepath.Join(dir, "event2"),
		model.InputSample{Type: 1, Code: 30, Value: 1},
		model.InputSample{Type: 0, Code: 0, Value: 0},
	)
	clk := clock.NewManual(5_000)

	p, err := OpenProducer(ProducerConfig{Dir: dir, ReadTimeout: 20 * time.Millisecond}, clk, testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	got := collect(t, p, 2)
	assert.Equal(t, model.InputSample{Device: 2, TimestampUS: 5_000, Type: 1, Code: 30, Value: 1}, got[0])
	assert.Equal(t, uint16(0), got[1].Type)

	_, err = p.Next(context.Background())
	assert.ErrorIs(t, err, poller.ErrNoSample)
}

func TestProducerNoDevices(t *testing.T) {
	_, err := OpenProducer(ProducerConfig{Dir: t.TempDir()}, clock.NewManual(0), testLogger())
	assert.Error(t, err)
}

func TestProducerHotPlug(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenProducer(ProducerConfig{Dir: dir, Watch: true, ReadTimeout: 20 * time.Millisecond}, clock.NewManual(0), testLogger())
	require.NoError(t, err)
	defer func() { _ = p.Close() }()

	staged := filepath.Join(t.TempDir(), "event9")
	writeDevice(t, staged, model.InputSample{Type: 1, Code: 2, Value: 1})
	require.NoError(t, os.Rename(staged, filepath.Join(dir, "event9")))

	got := collect(t, p, 1)
	assert.Equal(t, 9, got[0].Device)
	assert.Equal(t, uint16(2), got[0].Code)
}

func TestProducerCloseUnblocksNext(t *testing.T) {
	dir := t.TempDir()
	p, err := OpenProducer(ProducerConfig{Dir: dir, Watch: true, ReadTimeout: time.Hour}, clock.NewManual(0), testLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Next(context.Background())
		errCh <- err
	}()
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Next did not return after Close")
	}
}

func TestTargetWriteCache(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"event0", "event1"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	tg := NewTarget(dir, testLogger())

	for i := range int32(4) {
		require.NoError(t, tg.Emit(model.InputSample{Device: 0, Type: 1, Code: 30, Value: i}))
	}
	assert.Equal(t, 4, tg.Pending())
	assert.Empty(t, readDevice(t, filepath.Join(dir, "event0")), "nothing written before the cache fills")

	require.NoError(t, tg.Emit(model.InputSample{Device: 1, Type: 0, Code: 0, Value: 0}))
	assert.Zero(t, tg.Pending())
	ev0 := readDevice(t, filepath.Join(dir, "event0"))
	require.Len(t, ev0, 4)
	for i, e := range ev0 {
		assert.Equal(t, int32(i), e.Value)
	}
	assert.Len(t, readDevice(t, filepath.Join(dir, "event1")), 1)

	require.NoError(t, tg.Emit(model.InputSample{Device: 1, Type: 1, Code: 2, Value: 1}))
	require.NoError(t, tg.Close())
	assert.Len(t, readDevice(t, filepath.Join(dir, "event1")), 2, "Close flushes")
}

func TestTargetMissingDevice(t *testing.T) {
	tg := NewTarget(t.TempDir(), testLogger())
	require.NoError(t, tg.Emit(model.InputSample{Device: 4}))
	assert.Error(t, tg.Flush())
	assert.Zero(t, tg.Pending(), "a failed flush does not retry stale samples")
}

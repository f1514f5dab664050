package input

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// WriteCacheSize is the number of samples buffered before a forced flush.
const WriteCacheSize = 5

// Target writes replayed kernel samples back to evdev devices. Samples are
// cached and written in order once the cache fills or Flush is called.
// Device files are opened on first use and kept until Close.
type Target struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	cache []model.InputSample
	files map[int]*os.File
	buf   []byte
}

// NewTarget creates a target writing to eventN nodes under dir.
func NewTarget(dir string, logger *slog.Logger) *Target {
	return &Target{
		dir:    dir,
		logger: logger,
		now:    time.Now,
		cache:  make([]model.InputSample, 0, WriteCacheSize),
		files:  make(map[int]*os.File),
	}
}

// Emit queues s, flushing when the cache is full.
func (t *Target) Emit(s model.InputSample) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.cache = append(t.cache, s)
	if len(t.cache) < WriteCacheSize {
		return nil
	}
	return t.flushLocked()
}

// Flush writes every cached sample.
func (t *Target) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushLocked()
}

// Pending returns the number of cached samples.
func (t *Target) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.cache)
}

func (t *Target) flushLocked() error {
	if len(t.cache) == 0 {
		return nil
	}
	var errs []error
	at := t.now()
	// Consecutive samples for the same device go out in one write.
	for start := 0; start < len(t.cache); {
		dev := t.cache[start].Device
		end := start
		t.buf = t.buf[:0]
		for end < len(t.cache) && t.cache[end].Device == dev {
			t.buf = EncodeSample(t.buf, t.cache[end], at)
			end++
		}
		if err := t.write(dev, t.buf); err != nil {
			errs = append(errs, err)
		}
		start = end
	}
	t.cache = t.cache[:0]
	return errors.Join(errs...)
}

func (t *Target) write(dev int, b []byte) error {
	f, ok := t.files[dev]
	if !ok {
		path := DevicePath(t.dir, dev)
		var err error
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0) //nolint:gosec // path is built from the configured input dir
		if err != nil {
			return fmt.Errorf("input: open %s for write: %w", path, err)
		}
		t.files[dev] = f
	}
	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("input: write device %d: %w", dev, err)
	}
	return nil
}

// Close flushes and releases every device file.
func (t *Target) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	errs := []error{t.flushLocked()}
	for dev, f := range t.files {
		errs = append(errs, f.Close())
		delete(t.files, dev)
	}
	return errors.Join(errs...)
}

package input

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashita-ai/tapedeck/internal/clock"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/poller"
)

// DefaultReadTimeout bounds every blocking wait in the producer.
const DefaultReadTimeout = time.Second

// ProducerConfig selects the devices to read.
type ProducerConfig struct {
	// Dir is the evdev directory, normally /dev/input.
	Dir string
	// Devices lists explicit device paths. Empty means every eventN under Dir.
	Devices []string
	// Watch adds devices that appear under Dir after Open.
	Watch bool
	// ReadTimeout bounds Next and each device read. Zero means DefaultReadTimeout.
	ReadTimeout time.Duration
	// Buffer is the capacity of the sample channel between device readers and Next.
	Buffer int
}

// Producer is a poller.Producer over one or more evdev devices. Each device
// has its own reader goroutine; Next returns samples in arrival order across
// devices, stamped with the daemon clock.
type Producer struct {
	cfg     ProducerConfig
	clock   clock.Clock
	logger  *slog.Logger
	samples chan model.InputSample
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	devices map[string]*os.File

	closed  atomic.Bool
	closing chan struct{}
	wg      sync.WaitGroup
}

var _ poller.Producer = (*Producer)(nil)

// OpenProducer opens the configured devices and starts reading them.
// Devices that cannot be opened are logged and skipped; it is an error only
// when nothing could be opened and watching is off.
func OpenProducer(cfg ProducerConfig, clk clock.Clock, logger *slog.Logger) (*Producer, error) {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = poller.DefaultRingSize
	}
	p := &Producer{
		cfg:     cfg,
		clock:   clk,
		logger:  logger,
		samples: make(chan model.InputSample, cfg.Buffer),
		devices: make(map[string]*os.File),
		closing: make(chan struct{}),
	}

	paths := cfg.Devices
	if len(paths) == 0 {
		var err error
		paths, err = filepath.Glob(filepath.Join(cfg.Dir, "event*"))
		if err != nil {
			return nil, fmt.Errorf("input: list devices: %w", err)
		}
	}
	for _, path := range paths {
		if err := p.addDevice(path); err != nil {
			logger.Warn("input: skipping device", "path", path, "error", err)
		}
	}

	if cfg.Watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("input: create watcher: %w", err)
		}
		if err := w.Add(cfg.Dir); err != nil {
			_ = w.Close()
			_ = p.Close()
			return nil, fmt.Errorf("input: watch %s: %w", cfg.Dir, err)
		}
		p.watcher = w
		p.wg.Add(1)
		go p.watchLoop()
	} else if p.DeviceCount() == 0 {
		_ = p.Close()
		return nil, fmt.Errorf("input: no readable devices in %s", cfg.Dir)
	}
	return p, nil
}

// Next returns the next sample, or poller.ErrNoSample after ReadTimeout.
func (p *Producer) Next(ctx context.Context) (model.InputSample, error) {
	timer := time.NewTimer(p.cfg.ReadTimeout)
	defer timer.Stop()

	select {
	case s := <-p.samples:
		return s, nil
	case <-ctx.Done():
		return model.InputSample{}, ctx.Err()
	case <-p.closing:
		return model.InputSample{}, io.EOF
	case <-timer.C:
		return model.InputSample{}, poller.ErrNoSample
	}
}

// DeviceCount returns the number of devices currently being read.
func (p *Producer) DeviceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.devices)
}

// Close stops every reader and the watcher, then waits for them to exit.
func (p *Producer) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.closing)

	var errs []error
	if p.watcher != nil {
		errs = append(errs, p.watcher.Close())
	}
	p.mu.Lock()
	for path, f := range p.devices {
		errs = append(errs, f.Close())
		delete(p.devices, path)
	}
	p.mu.Unlock()

	p.wg.Wait()
	return errors.Join(errs...)
}

func (p *Producer) addDevice(path string) error {
	dev, err := DeviceIndex(path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed.Load() {
		return nil
	}
	if _, ok := p.devices[path]; ok {
		return nil
	}
	f, err := os.Open(path) //nolint:gosec // device paths come from operator config or the watched input dir
	if err != nil {
		return fmt.Errorf("input: open %s: %w", path, err)
	}
	p.devices[path] = f
	p.wg.Add(1)
	go p.readLoop(path, dev, f)
	p.logger.Info("input: reading device", "path", path, "device", dev)
	return nil
}

func (p *Producer) removeDevice(path string) {
	p.mu.Lock()
	f, ok := p.devices[path]
	delete(p.devices, path)
	p.mu.Unlock()
	if ok {
		_ = f.Close()
	}
}

func (p *Producer) readLoop(path string, dev int, f *os.File) {
	defer p.wg.Done()
	defer p.removeDevice(path)

	// Regular files (used in tests) do not support deadlines; they are read
	// to EOF instead.
	deadlines := true
	buf := make([]byte, recordSize*64)
	var pending []byte

	for {
		if deadlines {
			if err := f.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout)); err != nil {
				deadlines = false
			}
		}
		n, err := f.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			now := p.clock.NowUS()
			for len(pending) >= recordSize {
				raw := decode(pending[:recordSize])
				pending = pending[recordSize:]
				if !p.emit(model.InputSample{Device: dev, TimestampUS: now, Type: raw.Type, Code: raw.Code, Value: raw.Value}) {
					return
				}
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, os.ErrDeadlineExceeded):
			if p.closed.Load() {
				return
			}
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			p.logger.Debug("input: device closed", "path", path)
			return
		default:
			if !p.closed.Load() {
				p.logger.Warn("input: read failed", "path", path, "error", err)
			}
			return
		}
	}
}

func (p *Producer) emit(s model.InputSample) bool {
	select {
	case p.samples <- s:
		return true
	case <-p.closing:
		return false
	}
}

func (p *Producer) watchLoop() {
	defer p.wg.Done()
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if _, err := DeviceIndex(ev.Name); err != nil {
				continue
			}
			if _, err := os.Stat(ev.Name); err != nil {
				continue
			}
			if err := p.addDevice(ev.Name); err != nil {
				p.logger.Warn("input: hot-plugged device unreadable", "path", ev.Name, "error", err)
			}
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Error("input: watcher error", "error", err)
		case <-p.closing:
			return
		}
	}
}

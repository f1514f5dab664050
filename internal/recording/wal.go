// This file implements a write-ahead log for crash-durable recording.
//
//	listener → Recorder.Append → WAL (disk) → pending → flush → Store.InsertEvents → Checkpoint
//
// Every recorded event is written to the WAL before Append returns. After a
// successful flush the checkpoint advances to the highest flushed LSN and
// segments wholly below it are removed. On startup, Recover returns every
// record above the checkpoint so the recorder can flush it again; stores
// ignore rows that already exist, so a crash between flush and checkpoint
// does not duplicate events.

package recording

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/telemetry"
)

// Segment file format constants.
const (
	walMagic      = 0x54445745 // "TDWE"
	walVersion    = 1
	walHeaderSize = 16 // magic(4) + version(2) + reserved(2) + baseLSN(8)
	walRecordHead = 12 // lsn(8) + payloadLen(4)
	walCRCSize    = 4
	walMaxPayload = 1 << 20

	defaultSegmentSize    = 16 << 20
	defaultSegmentRecords = 50_000
	minSegmentSize        = 64 << 10
	minSegmentRecords     = 10

	defaultSyncInterval = 10 * time.Millisecond
)

// Sync modes.
const (
	SyncFull  = "full"
	SyncBatch = "batch"
	SyncNone  = "none"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// WALConfig holds configuration for the write-ahead log.
type WALConfig struct {
	Dir            string        // Directory for WAL files. Empty = WAL disabled.
	SyncMode       string        // SyncFull, SyncBatch or SyncNone. Default: SyncBatch.
	SyncInterval   time.Duration // Sync interval for batch mode. Default: 10ms.
	MaxSegmentSize int64         // Bytes before segment rotation.
	MaxSegmentRecs int           // Records before segment rotation.
}

// Entry is one WAL record.
type Entry struct {
	LSN   uint64
	Event model.RecordedEvent
}

// WAL is an append-only segment log of recorded events.
type WAL struct {
	dir      string
	syncMode string

	mu          sync.Mutex
	current     *os.File
	segmentNum  uint64
	segmentSize int64
	segmentRecs int
	nextLSN     uint64
	flushedLSN  uint64

	maxSegSize int64
	maxSegRecs int

	logger *slog.Logger

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

type checkpoint struct {
	FlushedLSN uint64    `json:"flushed_lsn"`
	FlushedAt  time.Time `json:"flushed_at"`
}

// NewWAL opens the log in cfg.Dir. Returns nil, nil when cfg.Dir is empty.
func NewWAL(logger *slog.Logger, cfg WALConfig) (*WAL, error) {
	if cfg.Dir == "" {
		return nil, nil
	}

	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncBatch
	}
	switch cfg.SyncMode {
	case SyncFull, SyncBatch, SyncNone:
	default:
		return nil, fmt.Errorf("wal: invalid sync mode %q (must be full, batch, or none)", cfg.SyncMode)
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if cfg.MaxSegmentSize <= 0 {
		cfg.MaxSegmentSize = defaultSegmentSize
	}
	if cfg.MaxSegmentSize < minSegmentSize {
		return nil, fmt.Errorf("wal: segment size %d too small (min %d)", cfg.MaxSegmentSize, minSegmentSize)
	}
	if cfg.MaxSegmentRecs <= 0 {
		cfg.MaxSegmentRecs = defaultSegmentRecords
	}
	if cfg.MaxSegmentRecs < minSegmentRecords {
		return nil, fmt.Errorf("wal: segment records %d too small (min %d)", cfg.MaxSegmentRecs, minSegmentRecords)
	}

	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	w := &WAL{
		dir:        cfg.Dir,
		syncMode:   cfg.SyncMode,
		maxSegSize: cfg.MaxSegmentSize,
		maxSegRecs: cfg.MaxSegmentRecs,
		logger:     logger,
	}

	cp, err := w.loadCheckpoint()
	if err != nil {
		return nil, err
	}
	w.flushedLSN = cp.FlushedLSN

	// The next LSN follows the highest record on disk, which may be above
	// the checkpoint when the previous process crashed before flushing.
	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: scan segments: %w", err)
	}
	highLSN := cp.FlushedLSN
	var highSeg uint64
	for _, seg := range segments {
		if n, ok := segmentNumber(seg); ok && n > highSeg {
			highSeg = n
		}
		records, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		for _, r := range records {
			highLSN = max(highLSN, r.LSN)
		}
	}
	w.nextLSN = highLSN + 1
	w.segmentNum = highSeg + 1

	if err := w.rotateSegment(); err != nil {
		return nil, fmt.Errorf("wal: open initial segment: %w", err)
	}

	if cfg.SyncMode == SyncNone {
		logger.Warn("wal: sync mode is 'none'; recorded events may be lost on crash")
	}
	if cfg.SyncMode == SyncBatch {
		ctx, cancel := context.WithCancel(context.Background())
		w.syncCancel = cancel
		w.syncDone = make(chan struct{})
		go w.syncLoop(ctx, cfg.SyncInterval)
	}

	w.registerMetrics()
	return w, nil
}

// Write appends events and returns the LSN assigned to each. In full sync
// mode the segment is fsynced before returning.
func (w *WAL) Write(events []model.RecordedEvent) ([]uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	lsns := make([]uint64, 0, len(events))
	for i := range events {
		payload, err := json.Marshal(&events[i])
		if err != nil {
			return lsns, fmt.Errorf("wal: marshal event: %w", err)
		}
		if len(payload) > walMaxPayload {
			return lsns, fmt.Errorf("wal: event payload too large (%d bytes, max %d)", len(payload), walMaxPayload)
		}

		lsn := w.nextLSN
		w.nextLSN++

		// [LSN(8) | payloadLen(4) | payload(N) | CRC32C(4)]
		rec := make([]byte, 0, walRecordHead+len(payload)+walCRCSize)
		rec = binary.BigEndian.AppendUint64(rec, lsn)
		rec = binary.BigEndian.AppendUint32(rec, uint32(len(payload))) //nolint:gosec // bounded by walMaxPayload check above
		rec = append(rec, payload...)
		rec = binary.BigEndian.AppendUint32(rec, crc32.Checksum(rec, crc32cTable))

		if _, err := w.current.Write(rec); err != nil {
			return lsns, fmt.Errorf("wal: write record: %w", err)
		}
		lsns = append(lsns, lsn)

		w.segmentSize += int64(len(rec))
		w.segmentRecs++
		if w.segmentSize >= w.maxSegSize || w.segmentRecs >= w.maxSegRecs {
			if err := w.rotateSegment(); err != nil {
				return lsns, fmt.Errorf("wal: rotate segment: %w", err)
			}
		}
	}

	if w.syncMode == SyncFull {
		if err := w.current.Sync(); err != nil {
			return lsns, fmt.Errorf("wal: fsync: %w", err)
		}
	}
	return lsns, nil
}

// Checkpoint records that every LSN up to and including through has been
// flushed, then removes segments that hold nothing newer.
func (w *WAL) Checkpoint(through uint64) error {
	w.mu.Lock()
	if through <= w.flushedLSN {
		w.mu.Unlock()
		return nil
	}
	w.flushedLSN = through
	current := w.segmentPath(w.segmentNum - 1)
	w.mu.Unlock()

	if err := w.saveCheckpoint(checkpoint{FlushedLSN: through, FlushedAt: time.Now().UTC()}); err != nil {
		return err
	}
	return w.cleanupSegments(through, current)
}

// Recover returns every record above the checkpoint, in LSN order.
func (w *WAL) Recover() ([]Entry, error) {
	w.mu.Lock()
	flushed := w.flushedLSN
	w.mu.Unlock()

	segments, err := w.listSegments()
	if err != nil {
		return nil, fmt.Errorf("wal: list segments for recovery: %w", err)
	}

	var recovered []Entry
	for _, seg := range segments {
		records, err := w.readSegment(seg)
		if err != nil {
			w.logger.Warn("wal: recovery: unreadable segment skipped",
				"segment", seg, "error", err, "recovered_so_far", len(recovered))
			continue
		}
		for _, r := range records {
			if r.LSN > flushed {
				recovered = append(recovered, r)
			}
		}
	}
	sort.Slice(recovered, func(i, j int) bool { return recovered[i].LSN < recovered[j].LSN })
	return recovered, nil
}

// Close stops the batch sync goroutine, then syncs and closes the segment.
func (w *WAL) Close() error {
	if w.syncCancel != nil {
		w.syncCancel()
		<-w.syncDone
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		return nil
	}
	if err := w.current.Sync(); err != nil {
		w.logger.Warn("wal: final sync failed", "error", err)
	}
	err := w.current.Close()
	w.current = nil
	return err
}

// SegmentCount returns the number of segment files on disk.
func (w *WAL) SegmentCount() int {
	segs, _ := w.listSegments()
	return len(segs)
}

// SegmentBytes returns the total size of all segment files.
func (w *WAL) SegmentBytes() int64 {
	segs, err := w.listSegments()
	if err != nil {
		return 0
	}
	var total int64
	for _, seg := range segs {
		if info, err := os.Stat(seg); err == nil {
			total += info.Size()
		}
	}
	return total
}

func (w *WAL) segmentPath(num uint64) string {
	return filepath.Join(w.dir, fmt.Sprintf("%09d.wal", num))
}

func segmentNumber(path string) (uint64, bool) {
	var num uint64
	if _, err := fmt.Sscanf(filepath.Base(path), "%09d.wal", &num); err != nil {
		return 0, false
	}
	return num, true
}

func (w *WAL) checkpointPath() string {
	return filepath.Join(w.dir, "checkpoint.json")
}

func (w *WAL) loadCheckpoint() (checkpoint, error) {
	data, err := os.ReadFile(w.checkpointPath())
	if errors.Is(err, os.ErrNotExist) {
		return checkpoint{}, nil
	}
	if err != nil {
		return checkpoint{}, fmt.Errorf("wal: read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return checkpoint{}, fmt.Errorf("wal: parse checkpoint: %w", err)
	}
	return cp, nil
}

// saveCheckpoint writes through a synced temp file and a rename.
func (w *WAL) saveCheckpoint(cp checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("wal: marshal checkpoint: %w", err)
	}

	tmp := w.checkpointPath() + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("wal: open checkpoint tmp: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write checkpoint tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: sync checkpoint tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("wal: close checkpoint tmp: %w", err)
	}
	if err := os.Rename(tmp, w.checkpointPath()); err != nil {
		return fmt.Errorf("wal: rename checkpoint: %w", err)
	}
	return nil
}

// rotateSegment closes the current segment and opens the next one. Callers
// hold w.mu (or own w exclusively during construction).
func (w *WAL) rotateSegment() error {
	if w.current != nil {
		if err := w.current.Sync(); err != nil {
			w.logger.Warn("wal: sync before rotation failed", "error", err)
		}
		if err := w.current.Close(); err != nil {
			w.logger.Warn("wal: close before rotation failed", "error", err)
		}
	}

	path := w.segmentPath(w.segmentNum)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return fmt.Errorf("wal: open segment %d: %w", w.segmentNum, err)
	}

	hdr := make([]byte, 0, walHeaderSize)
	hdr = binary.BigEndian.AppendUint32(hdr, walMagic)
	hdr = binary.BigEndian.AppendUint16(hdr, walVersion)
	hdr = binary.BigEndian.AppendUint16(hdr, 0)
	hdr = binary.BigEndian.AppendUint64(hdr, w.nextLSN)
	if _, err := f.Write(hdr); err != nil {
		_ = f.Close()
		return fmt.Errorf("wal: write segment header: %w", err)
	}

	w.current = f
	w.segmentSize = walHeaderSize
	w.segmentRecs = 0
	w.segmentNum++
	return nil
}

func (w *WAL) listSegments() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".wal") {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths) // zero-padded names sort numerically
	return paths, nil
}

// readSegment returns the valid records of one segment. A truncated or
// corrupt tail ends the read without an error; only an unreadable header
// is reported.
func (w *WAL) readSegment(path string) ([]Entry, error) {
	f, err := os.Open(path) //nolint:gosec // path is constructed from w.dir
	if err != nil {
		return nil, fmt.Errorf("wal: open segment: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file; close error is non-actionable

	var hdr [walHeaderSize]byte
	if _, err := io.ReadFull(f, hdr[:]); err != nil {
		return nil, fmt.Errorf("wal: read segment header: %w", err)
	}
	if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != walMagic {
		return nil, fmt.Errorf("wal: bad magic 0x%08X (expected 0x%08X)", magic, walMagic)
	}
	if version := binary.BigEndian.Uint16(hdr[4:6]); version != walVersion {
		return nil, fmt.Errorf("wal: unsupported version %d", version)
	}

	var records []Entry
	for {
		var head [walRecordHead]byte
		if _, err := io.ReadFull(f, head[:]); err != nil {
			break // end of segment or truncated head
		}
		lsn := binary.BigEndian.Uint64(head[0:8])
		payloadLen := binary.BigEndian.Uint32(head[8:12])
		if payloadLen > walMaxPayload {
			w.logger.Warn("wal: corrupted payload length, stopping segment read",
				"path", path, "lsn", lsn, "payload_len", payloadLen)
			break
		}

		body := make([]byte, int(payloadLen)+walCRCSize)
		if _, err := io.ReadFull(f, body); err != nil {
			break // truncated record
		}
		payload := body[:payloadLen]

		h := crc32.New(crc32cTable)
		_, _ = h.Write(head[:])
		_, _ = h.Write(payload)
		if expected, actual := h.Sum32(), binary.BigEndian.Uint32(body[payloadLen:]); expected != actual {
			w.logger.Warn("wal: CRC mismatch, stopping segment read",
				"path", path, "lsn", lsn, "expected_crc", expected, "actual_crc", actual)
			break
		}

		var ev model.RecordedEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			w.logger.Warn("wal: corrupted event JSON, stopping segment read",
				"path", path, "lsn", lsn, "error", err)
			break
		}
		records = append(records, Entry{LSN: lsn, Event: ev})
	}
	return records, nil
}

// cleanupSegments removes closed segments whose records are all at or below
// flushed. The segment being written is never removed.
func (w *WAL) cleanupSegments(flushed uint64, current string) error {
	segments, err := w.listSegments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		if seg == current {
			continue
		}
		records, err := w.readSegment(seg)
		if err != nil {
			continue
		}
		var high uint64
		for _, r := range records {
			high = max(high, r.LSN)
		}
		if high <= flushed {
			if err := os.Remove(seg); err != nil {
				w.logger.Warn("wal: failed to delete flushed segment", "path", seg, "error", err)
			}
		}
	}
	return nil
}

func (w *WAL) syncLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer close(w.syncDone)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.Lock()
			if w.current != nil {
				if err := w.current.Sync(); err != nil {
					w.logger.Warn("wal: batch sync failed", "error", err)
				}
			}
			w.mu.Unlock()
		}
	}
}

func (w *WAL) registerMetrics() {
	meter := telemetry.Meter("tapedeck/wal")

	_, _ = meter.Int64ObservableGauge("tapedeck.wal.segment_count",
		metric.WithDescription("Current number of WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(w.SegmentCount()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("tapedeck.wal.segment_bytes",
		metric.WithDescription("Bytes held in WAL segment files"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(w.SegmentBytes())
			return nil
		}),
	)
}

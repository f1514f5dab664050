// Package input reads raw samples from Linux evdev character devices and
// writes them back during replay.
//
// Each evdev record is a struct input_event: a timeval followed by a 16-bit
// type, a 16-bit code and a 32-bit value, in native byte order.
package input

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// recordSize is sizeof(struct input_event) on 64-bit Linux.
const recordSize = 24

// rawEvent mirrors struct input_event.
type rawEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

func decode(b []byte) rawEvent {
	return rawEvent{
		Sec:   int64(binary.NativeEndian.Uint64(b[0:8])),
		Usec:  int64(binary.NativeEndian.Uint64(b[8:16])),
		Type:  binary.NativeEndian.Uint16(b[16:18]),
		Code:  binary.NativeEndian.Uint16(b[18:20]),
		Value: int32(binary.NativeEndian.Uint32(b[20:24])),
	}
}

func encode(dst []byte, e rawEvent) []byte {
	dst = binary.NativeEndian.AppendUint64(dst, uint64(e.Sec))
	dst = binary.NativeEndian.AppendUint64(dst, uint64(e.Usec))
	dst = binary.NativeEndian.AppendUint16(dst, e.Type)
	dst = binary.NativeEndian.AppendUint16(dst, e.Code)
	dst = binary.NativeEndian.AppendUint32(dst, uint32(e.Value))
	return dst
}

// EncodeSample renders s as an evdev record stamped with at.
func EncodeSample(dst []byte, s model.InputSample, at time.Time) []byte {
	return encode(dst, rawEvent{
		Sec:   at.Unix(),
		Usec:  int64(at.Nanosecond() / 1000),
		Type:  s.Type,
		Code:  s.Code,
		Value: s.Value,
	})
}

// DeviceIndex extracts N from an "eventN" device path.
func DeviceIndex(path string) (int, error) {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "event") {
		return 0, fmt.Errorf("input: %s is not an evdev node", path)
	}
	n, err := strconv.Atoi(strings.TrimPrefix(base, "event"))
	if err != nil || n < 0 {
		return 0, fmt.Errorf("input: %s is not an evdev node", path)
	}
	return n, nil
}

// DevicePath returns the node for device index n under dir.
func DevicePath(dir string, n int) string {
	return filepath.Join(dir, "event"+strconv.Itoa(n))
}

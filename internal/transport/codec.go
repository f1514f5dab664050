package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// ErrEmptyFrame is returned by DecodeBatch for a frame with no content.
var ErrEmptyFrame = errors.New("transport: empty frame")

// DecodeBatch parses one text frame. A frame is a JSON array of messages;
// a single object is accepted as a batch of one.
func DecodeBatch(data []byte) ([]model.Message, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, ErrEmptyFrame
	}
	if data[0] == '{' {
		var m model.Message
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("transport: decode message: %w", err)
		}
		return []model.Message{m}, nil
	}
	var msgs []model.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("transport: decode batch: %w", err)
	}
	return msgs, nil
}

// EncodeBatch renders msgs as one frame.
func EncodeBatch(msgs []model.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []model.Message{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("transport: encode batch: %w", err)
	}
	return data, nil
}

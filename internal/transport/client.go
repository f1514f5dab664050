package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ashita-ai/tapedeck/internal/model"
)

// Client is the controller end of the channel, used by tapedeckctl and
// tests.
type Client struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	pending []model.Message
}

// Dial connects to a daemon's controller endpoint. header carries
// credentials such as Authorization.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusConflict {
			return nil, ErrControllerBusy
		}
		if resp != nil {
			return nil, fmt.Errorf("transport: dial %s: %s: %w", url, resp.Status, err)
		}
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &Client{ws: ws}, nil
}

// Send writes msgs as one frame.
func (c *Client) Send(msgs ...model.Message) error {
	data, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Receive blocks for the next frame. A ctx deadline becomes the read
// deadline; cancellation without a deadline is not observed mid-read.
func (c *Client) Receive(ctx context.Context) ([]model.Message, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(dl)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return DecodeBatch(data)
}

// Next returns the next message, reading a new frame when the previous
// one has been consumed.
func (c *Client) Next(ctx context.Context) (model.Message, error) {
	for len(c.pending) == 0 {
		msgs, err := c.Receive(ctx)
		if err != nil {
			return model.Message{}, err
		}
		c.pending = msgs
	}
	m := c.pending[0]
	c.pending = c.pending[1:]
	return m, nil
}

// WaitFor reads messages until one satisfies match, returning it. Messages
// that do not match are passed to skip when non-nil.
func (c *Client) WaitFor(ctx context.Context, match func(model.Message) bool, skip func(model.Message)) (model.Message, error) {
	for {
		m, err := c.Next(ctx)
		if err != nil {
			return model.Message{}, err
		}
		if match(m) {
			return m, nil
		}
		if skip != nil {
			skip(m)
		}
	}
}

// Close performs a normal websocket close.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return errors.Join(err, c.ws.Close())
}

// Package transport is the controller channel: one websocket connection at a
// time, carrying JSON batches of messages in both directions.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/service"
)

var (
	// ErrControllerBusy is reported to a second controller while one is
	// connected.
	ErrControllerBusy = errors.New("transport: a controller is already connected")
	// ErrNotConnected is returned by Send on a closed connection.
	ErrNotConnected = errors.New("transport: controller not connected")
)

// Defaults for Config.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultPongTimeout  = 60 * time.Second
	DefaultMaxFrame     = 4 << 20
)

// Dispatcher is the service side of the channel.
type Dispatcher interface {
	HandleMessages(ctx context.Context, msgs []model.Message) []model.Message
	State() model.ServiceState
	SetController(c service.Controller)
}

// Config tunes connection handling. Zero values take the defaults.
type Config struct {
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	MaxFrame     int64
}

// Server upgrades HTTP requests to the controller channel.
type Server struct {
	svc      Dispatcher
	metrics  *Metrics
	logger   *slog.Logger
	cfg      Config
	upgrader websocket.Upgrader

	mu     sync.Mutex
	busy   bool
	active *Conn
}

// NewServer creates the controller endpoint. metrics may be nil.
func NewServer(svc Dispatcher, metrics *Metrics, logger *slog.Logger, cfg Config) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = DefaultPongTimeout
	}
	if cfg.MaxFrame <= 0 {
		cfg.MaxFrame = DefaultMaxFrame
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Server{
		svc:     svc,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		upgrader: websocket.Upgrader{
			// Controllers are CLI tools and test rigs, not browsers.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

// Connected reports whether a controller is attached.
func (s *Server) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// ServeHTTP serves one controller for the lifetime of its connection. A
// request arriving while another controller is attached gets 409.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		s.metrics.connections.WithLabelValues("busy").Inc()
		writeBusy(w)
		return
	}
	s.busy = true
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.release(nil)
		s.metrics.connections.WithLabelValues("failed").Inc()
		s.logger.Warn("transport: upgrade failed", "error", err)
		return
	}

	c := newConn(ws, s.cfg, s.metrics, s.logger)
	s.mu.Lock()
	s.active = c
	s.mu.Unlock()
	s.metrics.connections.WithLabelValues("accepted").Inc()
	s.metrics.connected.Set(1)
	s.logger.Info("transport: controller connected", "conn_id", c.id, "remote_addr", r.RemoteAddr)

	s.svc.SetController(c)
	ctx := r.Context()
	if err := c.Send(ctx, model.StateMessage(s.svc.State())); err != nil {
		s.logger.Warn("transport: initial state send failed", "conn_id", c.id, "error", err)
	}

	c.serve(ctx, s.svc)

	s.svc.SetController(nil)
	s.release(c)
	s.metrics.connected.Set(0)
	s.logger.Info("transport: controller disconnected", "conn_id", c.id)
}

// Close disconnects the current controller, if any.
func (s *Server) Close() error {
	s.mu.Lock()
	c := s.active
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	return c.Close()
}

func (s *Server) release(c *Conn) {
	if c != nil {
		_ = c.Close()
	}
	s.mu.Lock()
	s.active = nil
	s.busy = false
	s.mu.Unlock()
}

func writeBusy(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": model.ErrorDetail{Code: model.ErrCodeControllerBusy, Message: ErrControllerBusy.Error()},
	})
}

// Conn is one controller connection. It implements service.Controller.
type Conn struct {
	id      uuid.UUID
	ws      *websocket.Conn
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger

	writeMu sync.Mutex
	closed  bool
}

var _ service.Controller = (*Conn)(nil)

func newConn(ws *websocket.Conn, cfg Config, metrics *Metrics, logger *slog.Logger) *Conn {
	return &Conn{id: uuid.New(), ws: ws, cfg: cfg, metrics: metrics, logger: logger}
}

// Send writes msgs as one frame. Sends are serialized and bounded by the
// write timeout.
func (c *Conn) Send(_ context.Context, msgs ...model.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	data, err := EncodeBatch(msgs)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.metrics.frameErrors.WithLabelValues("write").Inc()
		return err
	}
	for _, m := range msgs {
		c.metrics.messages.WithLabelValues("out", string(m.Type)).Inc()
	}
	return nil
}

// Close sends a close frame and closes the socket. Idempotent.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return c.ws.Close()
}

// serve reads frames until the connection fails or closes, dispatching each
// batch and writing back any replies.
func (c *Conn) serve(ctx context.Context, svc Dispatcher) {
	c.ws.SetReadLimit(c.cfg.MaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go c.pingLoop(pingCtx)

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.metrics.frameErrors.WithLabelValues("read").Inc()
				c.logger.Debug("transport: read ended", "conn_id", c.id, "error", err)
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		msgs, err := DecodeBatch(data)
		if err != nil {
			c.metrics.frameErrors.WithLabelValues("decode").Inc()
			st := svc.State()
			_ = c.Send(ctx, model.ErrorMessage(model.ErrCodeBadMessage, err.Error(), &st))
			continue
		}
		for _, m := range msgs {
			c.metrics.messages.WithLabelValues("in", string(m.Type)).Inc()
		}

		if replies := svc.HandleMessages(ctx, msgs); len(replies) > 0 {
			if err := c.Send(ctx, replies...); err != nil {
				c.logger.Warn("transport: reply failed", "conn_id", c.id, "error", err)
			}
		}
	}
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PongTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMu.Lock()
			closed := c.closed
			var err error
			if !closed {
				err = c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout))
			}
			c.writeMu.Unlock()
			if closed || err != nil {
				return
			}
		}
	}
}

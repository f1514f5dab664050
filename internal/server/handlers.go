package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashita-ai/tapedeck/internal/auth"
	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

// Daemon is the service surface the HTTP handlers drive.
type Daemon interface {
	State() model.ServiceState
	HandleCommand(ctx context.Context, cmd model.Command) (*model.ServiceState, error)
	Notify(n service.PlatformNotification) error
	Err() error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	svc        Daemon
	store      storage.Store
	storeKind  string
	recorder   *recording.Recorder
	jwtMgr     *auth.JWTManager
	keys       *auth.KeyVerifier
	broker     *Broker
	controller interface{ Connected() bool }
	logger     *slog.Logger
	startedAt  time.Time
	version    string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Store, Recorder, JWTMgr, Keys, Broker, Controller.
type HandlersDeps struct {
	Service    Daemon
	Store      storage.Store
	StoreKind  string
	Recorder   *recording.Recorder
	JWTMgr     *auth.JWTManager
	Keys       *auth.KeyVerifier
	Broker     *Broker
	Controller interface{ Connected() bool }
	Logger     *slog.Logger
	Version    string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		svc:        d.Service,
		store:      d.Store,
		storeKind:  d.StoreKind,
		recorder:   d.Recorder,
		jwtMgr:     d.JWTMgr,
		keys:       d.Keys,
		broker:     d.Broker,
		controller: d.Controller,
		logger:     d.Logger,
		startedAt:  time.Now(),
		version:    d.Version,
	}
}

// HandleAuthToken handles POST /auth/token. A controller exchanges the
// configured API key for a bearer token.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	if h.jwtMgr == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "authentication is disabled")
		return
	}

	var req model.AuthTokenRequest
	if err := decodeJSON(r, &req); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadMessage, "client_id is required")
		return
	}
	if !h.keys.Verify(req.APIKey) {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(req.ClientID)
	if err != nil {
		h.writeInternalError(w, r, "failed to issue token", err)
		return
	}
	h.logger.Info("auth: token issued", "client_id", req.ClientID, "expires_at", expiresAt)

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	httpStatus := http.StatusOK

	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			h.logger.Warn("health: store ping failed", "error", err)
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		}
	}
	if h.svc.Err() != nil && status == "healthy" {
		status = "degraded"
	}

	storeKind := h.storeKind
	if storeKind == "" {
		storeKind = "none"
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:     status,
		Version:    h.version,
		State:      h.svc.State().Type,
		Store:      storeKind,
		Controller: h.controller != nil && h.controller.Connected(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
		Buffer:     h.bufferHealth(),
	})
}

// bufferHealth reports the recording buffer, or nil without a recorder.
// Above half of the flush size the buffer is "high": the store is falling
// behind.
func (h *Handlers) bufferHealth() *model.BufferHealth {
	if h.recorder == nil {
		return nil
	}
	depth := h.recorder.Len()
	status := "ok"
	if depth > h.recorder.Capacity()/2 {
		status = "high"
	}
	return &model.BufferHealth{
		Depth:   depth,
		Dropped: h.recorder.DroppedEvents(),
		Status:  status,
	}
}

// HandleState handles GET /v1/state.
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, h.svc.State())
}

// HandleCommand handles POST /v1/commands. The response carries the state
// after the command ran.
func (h *Handlers) HandleCommand(w http.ResponseWriter, r *http.Request) {
	var cmd model.Command
	if err := decodeJSON(r, &cmd); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	st, err := h.svc.HandleCommand(r.Context(), cmd)
	if err != nil {
		code := service.ErrorCode(err)
		writeError(w, r, commandStatus(code), code, err.Error())
		return
	}
	if st == nil {
		cur := h.svc.State()
		st = &cur
	}
	writeJSON(w, r, http.StatusOK, st)
}

// commandStatus maps a service error code to an HTTP status.
func commandStatus(code string) int {
	switch code {
	case model.ErrCodeBadMessage:
		return http.StatusBadRequest
	case model.ErrCodeInvalidTransition, model.ErrCodeProtocolViolation:
		return http.StatusConflict
	case model.ErrCodeTeardownTimeout:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// HandlePlatform handles POST /v1/platform/{event}. The body carries the
// event's parameters and may be empty for events that take none.
func (h *Handlers) HandlePlatform(w http.ResponseWriter, r *http.Request) {
	var n service.PlatformNotification
	if err := decodeJSON(r, &n); err != nil && !errors.Is(err, io.EOF) {
		handleDecodeError(w, r, err)
		return
	}
	n.Event = r.PathValue("event")

	if err := h.svc.Notify(n); err != nil {
		if errors.Is(err, service.ErrUnknownNotification) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, err.Error())
			return
		}
		writeError(w, r, http.StatusBadRequest, model.ErrCodeBadMessage, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event stream not configured")
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	// The server's WriteTimeout would otherwise cut idle streams.
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe()
	defer h.broker.Unsubscribe(ch)

	// The current state first, so a subscriber never starts blind.
	if data, err := json.Marshal(h.svc.State()); err == nil {
		if _, err := w.Write(formatSSE(EventState, string(data))); err != nil {
			return
		}
		_ = rc.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternal, msg)
}

// --- Shared helpers ---

// maxQueryLimit is the maximum allowed value for limit query parameters.
const maxQueryLimit = storage.MaxListLimit - 1

func queryInt(r *http.Request, key string, defaultVal int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

// queryLimit returns a bounded limit value from query params.
// Values are clamped to [1, maxQueryLimit].
func queryLimit(r *http.Request, defaultVal int) int {
	limit := queryInt(r, "limit", defaultVal)
	if limit < 1 {
		return 1
	}
	if limit > maxQueryLimit {
		return maxQueryLimit
	}
	return limit
}

package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/auth"
	"github.com/ashita-ai/tapedeck/internal/ctxutil"
	"github.com/ashita-ai/tapedeck/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("backend down")
}
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestMiddlewareRejectsOverBurst(t *testing.T) {
	lim, _ := newTestLimiter(1, 2)
	h := Middleware(lim, IPKeyFunc, discardLogger())(okHandler())

	codes := make([]int, 0, 3)
	for range 3 {
		req := httptest.NewRequest(http.MethodPost, "/v1/commands", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusTooManyRequests {
			var body model.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
			assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		}
	}
	assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
}

func TestMiddlewareDifferentIPs(t *testing.T) {
	lim, _ := newTestLimiter(1, 1)
	h := Middleware(lim, IPKeyFunc, discardLogger())(okHandler())

	for _, addr := range []string{"10.0.0.1:1", "10.0.0.2:1"} {
		req := httptest.NewRequest(http.MethodGet, "/v1/state", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code, addr)
	}
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc, discardLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareNilLimiterAndEmptyKey(t *testing.T) {
	rec := httptest.NewRecorder()
	Middleware(nil, IPKeyFunc, discardLogger())(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	lim, _ := newTestLimiter(1, 0)
	skip := func(*http.Request) string { return "" }
	rec = httptest.NewRecorder()
	Middleware(lim, skip, discardLogger())(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.7:4000"
	assert.Equal(t, "ip:192.0.2.7", ClientKeyFunc(req))

	req = req.WithContext(ctxutil.WithClaims(req.Context(), &auth.Claims{ClientID: "bench"}))
	assert.Equal(t, "client:bench", ClientKeyFunc(req))
}

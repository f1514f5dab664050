package model

import "time"

// APIResponse is the standard success envelope for HTTP responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope. Codes are shared with MsgError so
// HTTP and websocket callers see the same vocabulary.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// HTTP-only error codes.
const (
	ErrCodeForbidden      = "forbidden"
	ErrCodeControllerBusy = "controller_busy"
	ErrCodeUnavailable    = "unavailable"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	ClientID string `json:"client_id"`
	APIKey   string `json:"api_key"`
}

// AuthTokenResponse is the response for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string    `json:"status"`
	Version    string    `json:"version"`
	State      StateType `json:"state"`
	Store      string    `json:"store"`
	Controller bool      `json:"controller_connected"`
	Uptime     int64     `json:"uptime_seconds"`

	Buffer *BufferHealth `json:"buffer,omitempty"`
}

// BufferHealth describes the recording buffer in a health response.
type BufferHealth struct {
	Depth   int    `json:"depth"`
	Dropped int64  `json:"dropped"`
	Status  string `json:"status"`
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/transport"
)

// apiError is a non-2xx response decoded from the error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d", e.Status)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

// apiClient talks to the daemon's HTTP surface.
type apiClient struct {
	baseURL  string
	token    string
	apiKey   string
	clientID string
	http     *http.Client
}

func newAPIClient(p Profile, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL:  strings.TrimRight(p.URL, "/"),
		token:    p.Token,
		apiKey:   p.APIKey,
		clientID: p.ClientID,
		http:     &http.Client{Timeout: timeout},
	}
}

// authorize exchanges the API key for a token when no token is set. Without
// either, requests go out unauthenticated, which suits daemons running with
// auth disabled.
func (c *apiClient) authorize(ctx context.Context) error {
	if c.token != "" || c.apiKey == "" {
		return nil
	}
	tok, err := c.issueToken(ctx)
	if err != nil {
		return err
	}
	c.token = tok.Token
	return nil
}

func (c *apiClient) issueToken(ctx context.Context) (model.AuthTokenResponse, error) {
	var tok model.AuthTokenResponse
	err := c.send(ctx, http.MethodPost, "/auth/token", model.AuthTokenRequest{
		ClientID: c.clientID,
		APIKey:   c.apiKey,
	}, &tok)
	if err != nil {
		return model.AuthTokenResponse{}, fmt.Errorf("exchange api key: %w", err)
	}
	return tok, nil
}

// do authorizes, then sends a JSON request and decodes the data envelope
// into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	if err := c.authorize(ctx); err != nil {
		return err
	}
	return c.send(ctx, method, path, body, out)
}

func (c *apiClient) send(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	envelope := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// stream authorizes and returns the raw body of a successful GET.
func (c *apiClient) stream(ctx context.Context, path string) (io.ReadCloser, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *apiClient) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.header() {
		req.Header[k] = v
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, decodeAPIError(resp)
	}
	return resp, nil
}

func decodeAPIError(resp *http.Response) error {
	var body model.APIError
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return &apiError{Status: resp.StatusCode}
	}
	return &apiError{Status: resp.StatusCode, Code: body.Error.Code, Message: body.Error.Message}
}

func (c *apiClient) header() http.Header {
	h := http.Header{}
	if c.token != "" {
		h.Set("Authorization", "Bearer "+c.token)
	}
	return h
}

// controllerURL maps the base URL onto the websocket controller endpoint.
func (c *apiClient) controllerURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", c.baseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/controller"
	return u.String(), nil
}

// controller is an open controller channel. A reader goroutine feeds
// inbound messages so callers can wait on timers and messages together.
type controller struct {
	client *transport.Client
	msgs   chan model.Message
	err    error // set before msgs is closed
	done   chan struct{}
}

// dialController authorizes and opens the controller channel. The daemon
// answers with its current state, which is returned.
func (c *apiClient) dialController(ctx context.Context) (*controller, model.ServiceState, error) {
	if err := c.authorize(ctx); err != nil {
		return nil, model.ServiceState{}, err
	}
	wsURL, err := c.controllerURL()
	if err != nil {
		return nil, model.ServiceState{}, err
	}
	client, err := transport.Dial(ctx, wsURL, c.header())
	if err != nil {
		return nil, model.ServiceState{}, err
	}

	ctrl := &controller{
		client: client,
		msgs:   make(chan model.Message, 64),
		done:   make(chan struct{}),
	}
	go ctrl.read()

	m, err := ctrl.next(ctx)
	if err != nil {
		_ = ctrl.Close()
		return nil, model.ServiceState{}, err
	}
	if m.Type != model.MsgState || m.State == nil {
		_ = ctrl.Close()
		return nil, model.ServiceState{}, fmt.Errorf("expected initial state, got %q", m.Type)
	}
	return ctrl, *m.State, nil
}

func (c *controller) read() {
	for {
		m, err := c.client.Next(context.Background())
		if err != nil {
			c.err = err
			close(c.msgs)
			return
		}
		select {
		case c.msgs <- m:
		case <-c.done:
			return
		}
	}
}

// next returns the next inbound message. Error messages from the daemon
// are returned as errors.
func (c *controller) next(ctx context.Context) (model.Message, error) {
	select {
	case <-ctx.Done():
		return model.Message{}, ctx.Err()
	case m, ok := <-c.msgs:
		return c.received(m, ok)
	}
}

func (c *controller) received(m model.Message, ok bool) (model.Message, error) {
	if !ok {
		return model.Message{}, fmt.Errorf("controller channel closed: %w", c.err)
	}
	if m.Type == model.MsgError && m.Error != nil {
		return m, fmt.Errorf("daemon: %s: %s", m.Error.Code, m.Error.Message)
	}
	return m, nil
}

func (c *controller) command(cmd model.Command) error {
	return c.client.Send(model.CommandMessage(cmd))
}

// Close closes the channel; the reader goroutine exits on the close.
func (c *controller) Close() error {
	close(c.done)
	return c.client.Close()
}

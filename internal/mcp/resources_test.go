package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tapedeck/internal/model"
)

func TestParseSessionURI(t *testing.T) {
	tests := []struct {
		name      string
		uri       string
		wantID    string
		wantError bool
		errSubstr string
	}{
		{
			name:   "valid session",
			uri:    "tapedeck://sessions/6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f",
			wantID: "6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f",
		},
		{
			name:      "empty id",
			uri:       "tapedeck://sessions/",
			wantError: true,
			errSubstr: "invalid session URI",
		},
		{
			name:      "not a uuid",
			uri:       "tapedeck://sessions/recent-ish",
			wantError: true,
			errSubstr: "invalid session id",
		},
		{
			name:      "trailing path",
			uri:       "tapedeck://sessions/6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f/events",
			wantError: true,
			errSubstr: "invalid session URI",
		},
		{
			name:      "wrong scheme",
			uri:       "other://sessions/6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f",
			wantError: true,
			errSubstr: "invalid session URI",
		},
		{
			name:      "empty string",
			uri:       "",
			wantError: true,
			errSubstr: "invalid session URI",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, err := parseSessionURI(tt.uri)
			if tt.wantError {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errSubstr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, id.String())
		})
	}
}

func readRequest(uri string) mcplib.ReadResourceRequest {
	return mcplib.ReadResourceRequest{Params: mcplib.ReadResourceParams{URI: uri}}
}

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, "application/json", text.MIMEType)
	return text.Text
}

func TestStateResource(t *testing.T) {
	s, _ := newTestServer(t, true)

	contents, err := s.handleStateResource(context.Background(), readRequest(stateURI))
	require.NoError(t, err)
	var st model.ServiceState
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &st))
	assert.Equal(t, model.StateIdle, st.Type)
}

func TestSessionResources(t *testing.T) {
	s, _ := newTestServer(t, false)
	ctx := context.Background()

	st := runCommand(t, s, map[string]any{"type": "RECORDING_ON"})
	runCommand(t, s, map[string]any{"type": "RECORDING_OFF"})

	contents, err := s.handleRecentSessions(ctx, readRequest(recentSessionsURI))
	require.NoError(t, err)
	var sessions []model.Session
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, st.SessionID, sessions[0].ID.String())

	uri := sessionURIPrefix + st.SessionID
	contents, err = s.handleSessionResource(ctx, readRequest(uri))
	require.NoError(t, err)
	var sess model.Session
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &sess))
	assert.Equal(t, st.SessionID, sess.ID.String())
	assert.NotNil(t, sess.EndedAt)

	_, err = s.handleSessionResource(ctx, readRequest(sessionURIPrefix+"6f1c2d3e-4a5b-4c6d-8e7f-0a1b2c3d4e5f"))
	assert.Error(t, err)
}

func TestSessionResourcesWithoutStore(t *testing.T) {
	s, _ := newTestServer(t, true)

	_, err := s.handleRecentSessions(context.Background(), readRequest(recentSessionsURI))
	assert.ErrorContains(t, err, "disabled")
}

package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	stateURI          = "tapedeck://state"
	recentSessionsURI = "tapedeck://sessions/recent"
	sessionURIPrefix  = "tapedeck://sessions/"
)

func (s *Server) registerResources() {
	// tapedeck://state: the current state machine snapshot.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			stateURI,
			"Current State",
			mcplib.WithResourceDescription("Current state of the record/replay daemon"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleStateResource,
	)

	// tapedeck://sessions/recent: newest recording sessions.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentSessionsURI,
			"Recent Sessions",
			mcplib.WithResourceDescription("The most recent recording sessions"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentSessions,
	)

	// tapedeck://sessions/{id}: one session's metadata.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			"tapedeck://sessions/{id}",
			"Session",
			mcplib.WithTemplateDescription("Metadata for one recording session"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSessionResource,
	)
}

func (s *Server) handleStateResource(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonContents(stateURI, s.svc.State())
}

func (s *Server) handleRecentSessions(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.store == nil {
		return nil, fmt.Errorf("mcp: recent sessions: recording storage is disabled")
	}
	sessions, err := s.store.ListSessions(ctx, 20)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent sessions: %w", err)
	}
	return jsonContents(recentSessionsURI, sessions)
}

func (s *Server) handleSessionResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.store == nil {
		return nil, fmt.Errorf("mcp: session: recording storage is disabled")
	}
	uri := request.Params.URI
	id, err := parseSessionURI(uri)
	if err != nil {
		return nil, err
	}
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("mcp: session %s: %w", id, err)
	}
	return jsonContents(uri, sess)
}

// parseSessionURI extracts the session id from tapedeck://sessions/{id}.
func parseSessionURI(uri string) (uuid.UUID, error) {
	raw, ok := strings.CutPrefix(uri, sessionURIPrefix)
	if !ok || raw == "" || strings.Contains(raw, "/") {
		return uuid.Nil, fmt.Errorf("mcp: invalid session URI: %s", uri)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("mcp: invalid session id in URI: %s", uri)
	}
	return id, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

// Package mcp implements the Model Context Protocol server for tapedeck.
//
// The MCP server exposes the same control surface as the HTTP API: the
// current state, controller commands, platform notifications and recorded
// sessions, so MCP-capable agents can drive a record/replay run.
package mcp

import (
	"context"
	"log/slog"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

// Service is the part of the daemon the MCP tools drive.
type Service interface {
	State() model.ServiceState
	HandleCommand(ctx context.Context, cmd model.Command) (*model.ServiceState, error)
	Notify(n service.PlatformNotification) error
}

// Server wraps the MCP server with tapedeck's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       Service
	store     storage.Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts. store may be nil when recording storage is disabled.
func New(svc Service, store storage.Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		store:  store,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"tapedeck",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

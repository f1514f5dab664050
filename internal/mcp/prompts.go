package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tapedeck/internal/service"
)

func (s *Server) registerPrompts() {
	// record-session: walks an agent through capturing one session.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("record-session",
			mcplib.WithPromptDescription("Record a session of platform events and kernel input"),
			mcplib.WithArgument("scenario",
				mcplib.ArgumentDescription("What the user is going to do while recording (e.g. 'open settings and toggle wifi')"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRecordSessionPrompt,
	)

	// replay-session: explains how a stored session is replayed.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("replay-session",
			mcplib.WithPromptDescription("Replay a stored recording session"),
			mcplib.WithArgument("session_id",
				mcplib.ArgumentDescription("The recorded session to replay"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleReplaySessionPrompt,
	)
}

func (s *Server) handleRecordSessionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	scenario := request.Params.Arguments["scenario"]
	if scenario == "" {
		return nil, fmt.Errorf("scenario argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Record: " + scenario,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Record this scenario: %s

1. CALL tapedeck_state. The daemon must be idle; if it is replaying, send
   REPLAYING_OFF with tapedeck_command first.

2. CALL tapedeck_command with type="RECORDING_ON". Note the session_id in the result.

3. Let the scenario run. Platform callbacks arrive on their own; to inject one by
   hand, CALL tapedeck_platform_event with one of: %s.

4. CALL tapedeck_command with type="RECORDING_OFF". The session is complete once the
   daemon reports idle.

5. CALL tapedeck_sessions with the session_id to confirm its event_count.`,
						scenario, strings.Join(service.NotificationNames, ", ")),
				},
			},
		},
	}, nil
}

func (s *Server) handleReplaySessionPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	sessionID := request.Params.Arguments["session_id"]
	if sessionID == "" {
		return nil, fmt.Errorf("session_id argument is required")
	}

	return &mcplib.GetPromptResult{
		Description: "Replay session " + sessionID,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Replay session %s.

Replay events are streamed over the /v1/controller websocket, so the replay itself
is driven by a controller such as tapedeckctl:

    tapedeckctl replay --session %s

Use the tools around it:
- tapedeck_sessions with session_id="%s" shows the session and its event_count.
- tapedeck_state reports replay progress (required_sn, running_sn, buffer_index).
- tapedeck_command with type="SKIP_WAITING_IN_REPLAY" ends a long wait early.
- tapedeck_command with type="REPLAYING_OFF" stops the replay.`, sessionID, sessionID, sessionID),
				},
			},
		},
	}, nil
}

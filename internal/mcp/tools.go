package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/tapedeck/internal/model"
	"github.com/ashita-ai/tapedeck/internal/recording"
	"github.com/ashita-ai/tapedeck/internal/service"
	"github.com/ashita-ai/tapedeck/internal/storage"
)

var commandTypes = []string{
	string(model.CmdRecordingOn),
	string(model.CmdRecordingOff),
	string(model.CmdReplayingOn),
	string(model.CmdReplayingOff),
	string(model.CmdRequestState),
	string(model.CmdFillReplayBuffer),
	string(model.CmdSkipWaitingInReplay),
}

func (s *Server) registerTools() {
	// tapedeck_state: read the state machine.
	s.mcpServer.AddTool(
		mcplib.NewTool("tapedeck_state",
			mcplib.WithDescription(`Report the daemon's current state: idle, recording,
preparing_to_replay or replaying. While replaying, the result includes the
replay buffer progress (required_sn, running_sn, buffer_index, buffer_size).
While recording, it includes the session_id the events are stored under.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleState,
	)

	// tapedeck_command: run one controller command.
	s.mcpServer.AddTool(
		mcplib.NewTool("tapedeck_command",
			mcplib.WithDescription(`Run one controller command and return the resulting state.

RECORDING_ON / RECORDING_OFF start and stop a recording session.
REPLAYING_ON starts a replay with a buffer of buffer_size events; replay events
themselves are delivered over the /v1/controller websocket.
REPLAYING_OFF stops a replay. SKIP_WAITING_IN_REPLAY cuts the current wait short.
Repeating a command for the state the daemon is already in does nothing.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("type",
				mcplib.Description("Command type"),
				mcplib.Required(),
				mcplib.Enum(commandTypes...),
			),
			mcplib.WithNumber("buffer_size",
				mcplib.Description("REPLAYING_ON: replay buffer capacity in events"),
				mcplib.Min(1),
			),
			mcplib.WithNumber("max_sleep_ms",
				mcplib.Description("REPLAYING_ON: cap on any single inter-event delay in milliseconds (0 = no cap)"),
				mcplib.Min(0),
			),
			mcplib.WithBoolean("is_next_exists",
				mcplib.Description("FILL_REPLAY_BUFFER: whether more chunks follow this one"),
			),
			mcplib.WithNumber("num_events",
				mcplib.Description("FILL_REPLAY_BUFFER: number of events in the chunk"),
				mcplib.Min(0),
			),
			mcplib.WithNumber("sn",
				mcplib.Description("FILL_REPLAY_BUFFER: sequence number of the chunk's first event"),
				mcplib.Min(0),
			),
		),
		s.handleCommand,
	)

	// tapedeck_platform_event: deliver a platform notification.
	s.mcpServer.AddTool(
		mcplib.NewTool("tapedeck_platform_event",
			mcplib.WithDescription(`Deliver one platform notification to the event hub.

Notifications are only kept while recording or replaying. web_page_load_start and
web_page_load_end need url; activity_launch takes response_time_us and
component_name; view_input takes start_ms on the monotonic clock.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("event",
				mcplib.Description("Notification name"),
				mcplib.Required(),
				mcplib.Enum(service.NotificationNames...),
			),
			mcplib.WithNumber("start_ms",
				mcplib.Description("view_input: start time in milliseconds"),
			),
			mcplib.WithString("url",
				mcplib.Description("web_page_load_start / web_page_load_end: page URL"),
			),
			mcplib.WithNumber("response_time_us",
				mcplib.Description("activity_launch: launch duration in microseconds"),
				mcplib.Min(0),
			),
			mcplib.WithString("component_name",
				mcplib.Description("activity_launch: launched component"),
			),
		),
		s.handlePlatformEvent,
	)

	// tapedeck_sessions: browse recorded sessions.
	s.mcpServer.AddTool(
		mcplib.NewTool("tapedeck_sessions",
			mcplib.WithDescription(`List recorded sessions, newest first, or fetch one.

Without session_id, returns up to limit sessions. With session_id, returns that
session; set include_events to also get its events in replay order with SNs
numbered from 0, ready to feed to FILL_REPLAY_BUFFER chunks.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("session_id",
				mcplib.Description("Session to fetch"),
			),
			mcplib.WithBoolean("include_events",
				mcplib.Description("With session_id: include the session's events"),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum sessions to list"),
				mcplib.Min(1),
				mcplib.Max(storage.MaxListLimit),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleSessions,
	)
}

func (s *Server) handleState(_ context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	return jsonResult(s.svc.State()), nil
}

func (s *Server) handleCommand(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	cmd := model.Command{
		Type:         model.CommandType(request.GetString("type", "")),
		BufferSize:   request.GetInt("buffer_size", 0),
		MaxSleepMS:   int64(request.GetInt("max_sleep_ms", 0)),
		IsNextExists: request.GetBool("is_next_exists", false),
		NumEvents:    request.GetInt("num_events", 0),
		SN:           int64(request.GetInt("sn", 0)),
	}
	if cmd.Type == "" {
		return errorResult("type is required"), nil
	}

	st, err := s.svc.HandleCommand(ctx, cmd)
	if err != nil {
		return errorResult(fmt.Sprintf("%s: %v", service.ErrorCode(err), err)), nil
	}
	if st == nil {
		cur := s.svc.State()
		st = &cur
	}
	s.logger.Info("mcp: command handled", "type", cmd.Type, "state", st.Type)
	return jsonResult(st), nil
}

func (s *Server) handlePlatformEvent(_ context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	n := service.PlatformNotification{
		Event:          request.GetString("event", ""),
		StartMS:        int64(request.GetInt("start_ms", 0)),
		URL:            request.GetString("url", ""),
		ResponseTimeUS: int64(request.GetInt("response_time_us", 0)),
		ComponentName:  request.GetString("component_name", ""),
	}
	if n.Event == "" {
		return errorResult("event is required"), nil
	}
	if err := s.svc.Notify(n); err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"event":  n.Event,
		"status": "accepted",
	}), nil
}

func (s *Server) handleSessions(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.store == nil {
		return errorResult("recording storage is disabled"), nil
	}

	rawID := request.GetString("session_id", "")
	if rawID == "" {
		limit := storage.ClampLimit(request.GetInt("limit", 20))
		sessions, err := s.store.ListSessions(ctx, limit)
		if err != nil {
			return errorResult(fmt.Sprintf("list sessions failed: %v", err)), nil
		}
		if sessions == nil {
			sessions = []model.Session{}
		}
		return jsonResult(map[string]any{
			"sessions": sessions,
			"total":    len(sessions),
		}), nil
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid session_id: %s", rawID)), nil
	}
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return errorResult(fmt.Sprintf("session %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get session failed: %v", err)), nil
	}

	result := map[string]any{"session": sess}
	if request.GetBool("include_events", false) {
		recorded, err := s.store.SessionEvents(ctx, id)
		if err != nil {
			return errorResult(fmt.Sprintf("load events failed: %v", err)), nil
		}
		result["events"] = recording.Export(recorded)
	}
	return jsonResult(result), nil
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("marshal result: %v", err))
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

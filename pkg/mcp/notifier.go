package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/govflow/internal/logging"
	"github.com/rendis/govflow/internal/streaming"
	"github.com/rendis/govflow/pkg/schema"
)

// WorkerNotifier pushes notifications to connected workers.
type WorkerNotifier interface {
	Notify(ctx context.Context, workerID string, payload map[string]any) error
}

// MCPNotifier implements WorkerNotifier using MCP SSE push.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via MCP SSE.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the worker's SSE session.
// Best-effort: returns nil if the worker is not connected.
func (n *MCPNotifier) Notify(_ context.Context, workerID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(workerID)
	if !ok {
		return nil
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// Relay forwards live action events to connected workers until ctx is done.
// Approved actions are announced to every worker so idle hosts can claim
// them; any other event goes only to the worker that caused it.
func Relay(ctx context.Context, hub streaming.EventHub, sessions *SessionRegistry, notifier WorkerNotifier, logger *slog.Logger) error {
	events, unsubscribe, err := hub.Subscribe(ctx, streaming.EventFilter{})
	if err != nil {
		return err
	}
	defer unsubscribe()
	logger = logging.OrDefault(logger)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			payload := eventPayload(ev)
			recipients := []string{ev.WorkerID}
			if ev.EventType == schema.EventActionApproved {
				recipients = sessions.Workers()
			}
			for _, w := range recipients {
				if w == "" {
					continue
				}
				if err := notifier.Notify(ctx, w, payload); err != nil {
					logger.Debug("notify worker", "worker_id", w, "event", ev.EventType, "error", err)
				}
			}
		}
	}
}

func eventPayload(ev streaming.StreamEvent) map[string]any {
	payload := map[string]any{
		"action_id":  ev.ActionID,
		"event_type": ev.EventType,
		"timestamp":  ev.Timestamp,
	}
	if ev.ProcessName != "" {
		payload["process_name"] = ev.ProcessName
	}
	if len(ev.Payload) > 0 {
		payload["payload"] = json.RawMessage(ev.Payload)
	}
	return payload
}

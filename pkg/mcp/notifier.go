package mcp

import (
	"context"
	"errors"

	"github.com/mark3labs/mcp-go/server"
	"github.com/rendis/gantry/internal/streaming"
)

// OperatorNotifier pushes notifications to connected operators.
type OperatorNotifier interface {
	Notify(ctx context.Context, operatorID string, payload map[string]any) error
}

// MCPNotifier implements OperatorNotifier using MCP push notifications.
type MCPNotifier struct {
	mcpServer *server.MCPServer
	sessions  *SessionRegistry
}

// NewMCPNotifier creates a notifier that pushes via the MCP session transport.
func NewMCPNotifier(mcpServer *server.MCPServer, sessions *SessionRegistry) *MCPNotifier {
	return &MCPNotifier{mcpServer: mcpServer, sessions: sessions}
}

// Notify sends a notification to the operator's session.
// Best-effort: returns nil if the operator is not connected.
func (n *MCPNotifier) Notify(_ context.Context, operatorID string, payload map[string]any) error {
	sessionID, ok := n.sessions.SessionFor(operatorID)
	if !ok {
		return nil // operator not connected, best-effort
	}
	err := n.mcpServer.SendNotificationToSpecificClient(sessionID, "notifications/message", payload)
	if errors.Is(err, server.ErrSessionNotFound) {
		// Session expired between lookup and send — not an error.
		n.sessions.Remove(sessionID)
		return nil
	}
	return err
}

// ForwardEvents subscribes to the hub and pushes every control event to the
// operator that requested the underlying action. Blocks until ctx is
// cancelled or the hub closes the subscription.
func (s *GantryServer) ForwardEvents(ctx context.Context) error {
	if s.hub == nil {
		return nil
	}
	ch, cancel, err := s.hub.Subscribe(ctx, streaming.Filter{})
	if err != nil {
		return err
	}
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-ch:
			if !ok {
				return nil
			}
			if event.RequestedBy == "" {
				continue
			}
			payload := map[string]any{
				"type":         event.Type,
				"execution_id": event.ExecutionID,
				"action":       event.Action,
				"from_state":   event.FromState,
				"to_state":     event.ToState,
				"occurred_at":  event.OccurredAt,
			}
			if nerr := s.notifier.Notify(ctx, event.RequestedBy, payload); nerr != nil {
				s.logger.Warn("event push failed", "operator", event.RequestedBy, "error", nerr)
			}
		}
	}
}

package bus

import (
	"context"
	"log/slog"

	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// LogForwarder returns a handler that persists every control event carrying
// an execution id into the durable event log. Events without an execution id
// (breaker state changes and other source-level events) are not persisted.
func LogForwarder(log *store.EventLog, logger *slog.Logger) Handler {
	return func(ctx context.Context, event *schema.ControlEvent) error {
		if event.ExecutionID == "" {
			if logger != nil {
				logger.Debug("skipping non-execution event", "event_type", event.Type)
			}
			return nil
		}
		return log.Append(ctx, event)
	}
}

// FanoutForwarder returns a handler that hands each event to fn. It exists so
// push-style consumers (the SSE hub, the MCP notifier) can plug into Consume
// without implementing Handler themselves.
func FanoutForwarder(fn func(*schema.ControlEvent)) Handler {
	return func(_ context.Context, event *schema.ControlEvent) error {
		fn(event)
		return nil
	}
}

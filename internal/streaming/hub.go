package streaming

import (
	"context"

	"github.com/rendis/gantry/pkg/schema"
)

// Filter specifies which control events a subscriber wants to receive.
// Zero-value fields match everything.
type Filter struct {
	ExecutionID string   `json:"execution_id,omitempty"`
	WorkflowID  string   `json:"workflow_id,omitempty"`
	Types       []string `json:"types,omitempty"`
}

// EventHub provides pub/sub for real-time control events. The panel's SSE
// endpoints and the MCP notifier subscribe; the bus forwarder publishes.
type EventHub interface {
	Publish(ctx context.Context, event *schema.ControlEvent) error
	Subscribe(ctx context.Context, filter Filter) (<-chan *schema.ControlEvent, func(), error)
}

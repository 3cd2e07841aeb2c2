package schema

import (
	"encoding/json"
	"time"
)

// Event type constants for the control audit stream.
const (
	EventContextCreated  = "context_created"
	EventContextArchived = "context_archived"
	EventContextEvicted  = "context_evicted"

	EventControlAccepted = "control_accepted"
	EventControlRejected = "control_rejected"
	EventStateChanged    = "state_changed"

	EventRetryScheduled  = "retry_scheduled"
	EventRetryDispatched = "retry_dispatched"
	EventRetryExhausted  = "retry_exhausted"

	EventCheckpointCreated  = "checkpoint_created"
	EventCheckpointRestored = "checkpoint_restored"

	EventPartialConfigured = "partial_configured"
	EventNodeSkipped       = "node_skipped"

	EventCancellationConfirmed = "cancellation_confirmed"

	EventBreakerOpen     = "breaker_open"
	EventBreakerHalfOpen = "breaker_half_open"
	EventBreakerClosed   = "breaker_closed"

	EventBatchStarted   = "batch_started"
	EventBatchCompleted = "batch_completed"
)

// ControlEvent is one entry of the control audit stream. Events flow through
// the in-process bus to the durable event log, the SSE hub, and the MCP
// notifier. Sequence is assigned by the event log, monotonic per execution.
type ControlEvent struct {
	EventID     string          `json:"event_id"`
	ExecutionID string          `json:"execution_id,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Type        string          `json:"type"`
	Action      Action          `json:"action,omitempty"`
	FromState   ExecutionState  `json:"from_state,omitempty"`
	ToState     ExecutionState  `json:"to_state,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence,omitempty"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

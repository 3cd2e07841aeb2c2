package store

import (
	"encoding/json"
	"time"
)

// EventRecord is one persisted control audit event.
type EventRecord struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Type        string          `json:"type"`
	Action      string          `json:"action,omitempty"`
	FromState   string          `json:"from_state,omitempty"`
	ToState     string          `json:"to_state,omitempty"`
	RequestedBy string          `json:"requested_by,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Sequence    int64           `json:"sequence"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	ExecutionID string
	Type        string
	Since       time.Time
	Limit       int
}

// ArchivedExecution is a terminal execution context frozen to disk by the
// janitor before eviction from memory.
type ArchivedExecution struct {
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	Source      string          `json:"source,omitempty"`
	FinalState  string          `json:"final_state"`
	Context     json.RawMessage `json:"context"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

// ArchiveFilter narrows archived-execution queries.
type ArchiveFilter struct {
	WorkflowID string
	FinalState string
	Limit      int
}

// ArchivedCheckpoint is a checkpoint frozen alongside its archived execution.
type ArchivedCheckpoint struct {
	CheckpointID string          `json:"checkpoint_id"`
	ExecutionID  string          `json:"execution_id"`
	Description  string          `json:"description,omitempty"`
	Snapshot     json.RawMessage `json:"snapshot"`
	Digest       string          `json:"digest,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ArchivedAt   time.Time       `json:"archived_at"`
}

// Operator is a known control-request issuer.
type Operator struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Type       string          `json:"type"` // human | service | llm | system
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	LastSeenAt *time.Time      `json:"last_seen_at,omitempty"`
}

// Credential is an encrypted source credential at rest. Value holds the
// ciphertext; encryption happens above the store.
type Credential struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

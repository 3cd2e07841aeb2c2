package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// EventLog provides append/replay operations for the control audit stream on
// top of a LibSQLStore. Sequences are monotonic per execution id with no gaps.
type EventLog struct {
	store *LibSQLStore
}

// NewEventLog wraps a LibSQLStore to provide audit-log operations.
func NewEventLog(s *LibSQLStore) *EventLog {
	return &EventLog{store: s}
}

// Append persists one control event with the next per-execution sequence.
// The write lock is taken before the sequence read so concurrent appenders
// cannot interleave reads and writes.
func (el *EventLog) Append(ctx context.Context, event *schema.ControlEvent) error {
	db := el.store.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction. A
	// write-intent statement forces lock acquisition up front.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM control_events WHERE execution_id = ?`, event.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO control_events (event_id, execution_id, workflow_id, event_type, action, from_state, to_state, requested_by, payload, sequence, occurred_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.ExecutionID, nullStr(event.WorkflowID), event.Type,
		nullStr(string(event.Action)), nullStr(string(event.FromState)), nullStr(string(event.ToState)),
		nullStr(event.RequestedBy), nullRaw(event.Payload), seq, event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("insert control event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit control event: %w", err)
	}
	return nil
}

// Events returns events for an execution with sequence > since, ordered by
// sequence ASC.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*EventRecord, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// EventsByType returns events of a specific type matching the filter.
func (el *EventLog) EventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*EventRecord, error) {
	return el.store.GetEventsByType(ctx, eventType, filter)
}

// Replay walks an execution's event stream in order and returns the state
// trail it encodes: every (from, to) move in sequence. Returns an error if
// sequence gaps are detected, which would mean the audit trail is incomplete.
func (el *EventLog) Replay(ctx context.Context, executionID string) ([]StateChange, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	var trail []StateChange
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
		if e.FromState == "" && e.ToState == "" {
			continue
		}
		if e.FromState == e.ToState && e.Type != schema.EventContextCreated {
			continue
		}
		trail = append(trail, StateChange{
			From:       e.FromState,
			To:         e.ToState,
			Action:     e.Action,
			Sequence:   e.Sequence,
			OccurredAt: e.OccurredAt,
		})
	}
	return trail, nil
}

// StateChange is one reconstructed move of an execution's state trail.
type StateChange struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	Action     string    `json:"action,omitempty"`
	Sequence   int64     `json:"sequence"`
	OccurredAt time.Time `json:"occurred_at"`
}

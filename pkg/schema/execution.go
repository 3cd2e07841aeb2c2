package schema

import "time"

// ExecutionState is the enhanced control state the core tracks per execution.
// It extends the raw status reported by the execution source with the
// control-only states (stopping, retrying, partial).
type ExecutionState string

const (
	StatePending   ExecutionState = "pending"
	StateRunning   ExecutionState = "running"
	StatePaused    ExecutionState = "paused"
	StateStopping  ExecutionState = "stopping"
	StateStopped   ExecutionState = "stopped"
	StateCancelled ExecutionState = "cancelled"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateTimeout   ExecutionState = "timeout"
	StateWaiting   ExecutionState = "waiting"
	StateRetrying  ExecutionState = "retrying"
	StatePartial   ExecutionState = "partial"
)

// AllStates lists every execution state, in declaration order.
var AllStates = []ExecutionState{
	StatePending, StateRunning, StatePaused, StateStopping, StateStopped,
	StateCancelled, StateCompleted, StateFailed, StateTimeout, StateWaiting,
	StateRetrying, StatePartial,
}

// IsTerminal reports whether the state admits no further source-side progress.
// Terminal states reject every action except retry/retry-from-node where the
// transition table allows it.
func (s ExecutionState) IsTerminal() bool {
	switch s {
	case StateStopped, StateCancelled, StateCompleted, StateFailed, StateTimeout:
		return true
	}
	return false
}

// ParseExecutionState converts a string into an ExecutionState.
func ParseExecutionState(s string) (ExecutionState, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", NewErrorf(ErrCodeValidation, "unknown execution state %q", s)
}

// Action enumerates the control actions callers can request.
type Action string

const (
	ActionPause          Action = "pause"
	ActionResume         Action = "resume"
	ActionStop           Action = "stop"
	ActionCancel         Action = "cancel"
	ActionRetry          Action = "retry"
	ActionRetryFromNode  Action = "retry-from-node"
	ActionSkipNode       Action = "skip-node"
	ActionExecutePartial Action = "execute-partial"
)

// AllActions lists every control action, in declaration order.
var AllActions = []Action{
	ActionPause, ActionResume, ActionStop, ActionCancel,
	ActionRetry, ActionRetryFromNode, ActionSkipNode, ActionExecutePartial,
}

// ParseAction converts a string into an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range AllActions {
		if string(a) == s {
			return a, nil
		}
	}
	return "", NewErrorf(ErrCodeValidation, "unknown control action %q", s)
}

// CancellationReason classifies why an execution was cancelled.
type CancellationReason string

const (
	CancelUserRequested     CancellationReason = "user-requested"
	CancelTimeout           CancellationReason = "timeout"
	CancelResourceLimit     CancellationReason = "resource-limit"
	CancelErrorThreshold    CancellationReason = "error-threshold"
	CancelDependencyFailure CancellationReason = "dependency-failure"
	CancelSystemShutdown    CancellationReason = "system-shutdown"
	CancelPolicyViolation   CancellationReason = "policy-violation"
)

// AllCancellationReasons lists every valid cancellation reason.
var AllCancellationReasons = []CancellationReason{
	CancelUserRequested, CancelTimeout, CancelResourceLimit,
	CancelErrorThreshold, CancelDependencyFailure, CancelSystemShutdown,
	CancelPolicyViolation,
}

// ParseCancellationReason converts a string into a CancellationReason.
func ParseCancellationReason(s string) (CancellationReason, error) {
	for _, r := range AllCancellationReasons {
		if string(r) == s {
			return r, nil
		}
	}
	return "", NewErrorf(ErrCodeValidation, "unknown cancellation reason %q", s)
}

// RetryStrategy selects how the next retry delay is computed.
type RetryStrategy string

const (
	RetryImmediate   RetryStrategy = "immediate"
	RetryLinear      RetryStrategy = "linear"
	RetryExponential RetryStrategy = "exponential"
	RetryCustom      RetryStrategy = "custom"
)

// ParseRetryStrategy converts a string into a RetryStrategy.
// The empty string resolves to the default (exponential).
func ParseRetryStrategy(s string) (RetryStrategy, error) {
	switch RetryStrategy(s) {
	case "":
		return RetryExponential, nil
	case RetryImmediate, RetryLinear, RetryExponential, RetryCustom:
		return RetryStrategy(s), nil
	}
	return "", NewErrorf(ErrCodeValidation, "unknown retry strategy %q", s)
}

// Retry accounting defaults and bounds.
const (
	DefaultMaxAttempts = 3
	MinMaxAttempts     = 1
	MaxMaxAttempts     = 10
)

// RetryInfo tracks retry accounting for one execution.
// Created on the first accepted retry request, mutated on each one after.
// Delays are duration strings ("1s", "500ms") parsed at computation time.
type RetryInfo struct {
	AttemptCount    int           `json:"attempt_count"`
	MaxAttempts     int           `json:"max_attempts"`
	Strategy        RetryStrategy `json:"strategy"`
	BaseDelay       string        `json:"base_delay,omitempty"`
	CustomDelay     string        `json:"custom_delay,omitempty"`
	NextRetryAt     *time.Time    `json:"next_retry_at,omitempty"`
	LastError       string        `json:"last_error,omitempty"`
	StartFromNode   string        `json:"start_from_node,omitempty"`
	SkipNodes       []string      `json:"skip_nodes,omitempty"`
	OnlyFailedNodes bool          `json:"only_failed_nodes,omitempty"`
}

// Cancellation records an accepted cancel request.
// CancelledAt is stamped once the remote side confirms; forced cancellation
// confirms immediately.
type Cancellation struct {
	Reason      CancellationReason `json:"reason"`
	Force       bool               `json:"force,omitempty"`
	Graceful    bool               `json:"graceful,omitempty"`
	RequestedAt time.Time          `json:"requested_at"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
}

// PartialExecution is the configured subset/boundary of the node graph to run
// instead of the whole graph. Set by an accepted execute-partial request and
// consumed when the execution is subsequently resumed.
type PartialExecution struct {
	TargetNodes      []string  `json:"target_nodes"`
	StartFromNode    string    `json:"start_from_node,omitempty"`
	ExecuteUntilNode string    `json:"execute_until_node,omitempty"`
	SkipNodes        []string  `json:"skip_nodes,omitempty"`
	PreserveState    bool      `json:"preserve_state,omitempty"`
	ConfiguredAt     time.Time `json:"configured_at"`
}

// Progress holds the coarse completion counters refreshed from source snapshots.
type Progress struct {
	PercentComplete float64 `json:"percent_complete"`
	CompletedNodes  int     `json:"completed_nodes"`
	TotalNodes      int     `json:"total_nodes"`
}

// HistoryEntry is one applied control request and its outcome.
// History is append-only and ordered by RequestedAt.
type HistoryEntry struct {
	EntryID        string         `json:"entry_id"`
	Action         Action         `json:"action"`
	RequestedAt    time.Time      `json:"requested_at"`
	RequestedBy    string         `json:"requested_by,omitempty"`
	Success        bool           `json:"success"`
	Outcome        string         `json:"outcome"`
	ErrorCode      string         `json:"error_code,omitempty"`
	FromState      ExecutionState `json:"from_state"`
	ResultingState ExecutionState `json:"resulting_state"`
	Details        map[string]any `json:"details,omitempty"`
}

// Checkpoint is an immutable point-in-time snapshot of an execution's
// progress. Restoring produces a state rewrite on the owning context, never a
// mutation of the checkpoint itself.
type Checkpoint struct {
	CheckpointID   string            `json:"checkpoint_id"`
	ExecutionID    string            `json:"execution_id"`
	Description    string            `json:"description,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	CompletedNodes []string          `json:"completed_nodes"`
	NodeStates     []NodeRun         `json:"node_states"`
	Progress       Progress          `json:"progress"`
	Metrics        *ExecutionMetrics `json:"metrics,omitempty"`
	Metadata       map[string]any    `json:"metadata,omitempty"`
	Digest         string            `json:"digest,omitempty"`
}

// ExecutionContext is the core's local, authoritative control-state record
// for one execution. One per execution id, created lazily on first reference,
// seeded from a source snapshot.
type ExecutionContext struct {
	ExecutionID      string            `json:"execution_id"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	Source           string            `json:"source,omitempty"`
	Mode             string            `json:"mode,omitempty"`
	EnhancedState    ExecutionState    `json:"enhanced_state"`
	RetryInfo        *RetryInfo        `json:"retry_info,omitempty"`
	Cancellation     *Cancellation     `json:"cancellation,omitempty"`
	PartialExecution *PartialExecution `json:"partial_execution,omitempty"`
	Progress         Progress          `json:"progress"`
	Metrics          *ExecutionMetrics `json:"metrics,omitempty"`
	Graph            *NodeGraph        `json:"graph,omitempty"`
	NodeRuns         []NodeRun         `json:"node_runs,omitempty"`
	Checkpoints      []*Checkpoint     `json:"checkpoints,omitempty"`
	History          []HistoryEntry    `json:"history"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	StoppedAt        *time.Time        `json:"stopped_at,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// CompletedNodeIDs returns the ids of nodes whose run has completed.
func (c *ExecutionContext) CompletedNodeIDs() []string {
	var ids []string
	for _, run := range c.NodeRuns {
		if run.Status == NodeRunCompleted {
			ids = append(ids, run.NodeID)
		}
	}
	return ids
}

// Clone returns a deep copy of the context. Readers receive clones so that
// concurrent mutations never produce torn snapshots.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	out := *c
	if c.RetryInfo != nil {
		ri := *c.RetryInfo
		ri.SkipNodes = append([]string(nil), c.RetryInfo.SkipNodes...)
		if c.RetryInfo.NextRetryAt != nil {
			t := *c.RetryInfo.NextRetryAt
			ri.NextRetryAt = &t
		}
		out.RetryInfo = &ri
	}
	if c.Cancellation != nil {
		cc := *c.Cancellation
		if c.Cancellation.CancelledAt != nil {
			t := *c.Cancellation.CancelledAt
			cc.CancelledAt = &t
		}
		out.Cancellation = &cc
	}
	if c.PartialExecution != nil {
		pe := *c.PartialExecution
		pe.TargetNodes = append([]string(nil), c.PartialExecution.TargetNodes...)
		pe.SkipNodes = append([]string(nil), c.PartialExecution.SkipNodes...)
		out.PartialExecution = &pe
	}
	if c.Metrics != nil {
		m := *c.Metrics
		out.Metrics = &m
	}
	out.Graph = c.Graph.Clone()
	out.NodeRuns = cloneNodeRuns(c.NodeRuns)
	if c.Checkpoints != nil {
		out.Checkpoints = make([]*Checkpoint, len(c.Checkpoints))
		for i, cp := range c.Checkpoints {
			out.Checkpoints[i] = cp.Clone()
		}
	}
	if c.History != nil {
		out.History = make([]HistoryEntry, len(c.History))
		for i, h := range c.History {
			out.History[i] = h
			out.History[i].Details = cloneDetails(h.Details)
		}
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.StoppedAt != nil {
		t := *c.StoppedAt
		out.StoppedAt = &t
	}
	return &out
}

// Clone returns a deep copy of the checkpoint.
func (cp *Checkpoint) Clone() *Checkpoint {
	if cp == nil {
		return nil
	}
	out := *cp
	out.CompletedNodes = append([]string(nil), cp.CompletedNodes...)
	out.NodeStates = cloneNodeRuns(cp.NodeStates)
	if cp.Metrics != nil {
		m := *cp.Metrics
		out.Metrics = &m
	}
	out.Metadata = cloneDetails(cp.Metadata)
	return &out
}

func cloneNodeRuns(runs []NodeRun) []NodeRun {
	if runs == nil {
		return nil
	}
	out := make([]NodeRun, len(runs))
	for i, r := range runs {
		out[i] = r
		if r.StartedAt != nil {
			t := *r.StartedAt
			out[i].StartedAt = &t
		}
		if r.FinishedAt != nil {
			t := *r.FinishedAt
			out[i].FinishedAt = &t
		}
	}
	return out
}

func cloneDetails(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MonitoringSnapshot is the read-only view of one tracked execution returned
// by monitor queries.
type MonitoringSnapshot struct {
	ExecutionID      string            `json:"execution_id"`
	WorkflowID       string            `json:"workflow_id,omitempty"`
	Source           string            `json:"source,omitempty"`
	State            ExecutionState    `json:"state"`
	AvailableActions []Action          `json:"available_actions"`
	CanRetry         bool              `json:"can_retry"`
	Progress         Progress          `json:"progress"`
	Metrics          *ExecutionMetrics `json:"metrics,omitempty"`
	RetryInfo        *RetryInfo        `json:"retry_info,omitempty"`
	Cancellation     *Cancellation     `json:"cancellation,omitempty"`
	PartialExecution *PartialExecution `json:"partial_execution,omitempty"`
	History          []HistoryEntry    `json:"history,omitempty"`
	CheckpointCount  int               `json:"checkpoint_count"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

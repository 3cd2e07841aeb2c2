package schema

import (
	"encoding/json"
	"time"
)

// ActionParams is the tagged union of per-action request parameters. Each
// action carries only the fields its transition needs; untyped parameter bags
// are resolved into one of these at the request-parsing boundary.
type ActionParams interface {
	ActionKind() Action
}

// PauseParams carries no extra fields.
type PauseParams struct{}

func (PauseParams) ActionKind() Action { return ActionPause }

// ResumeParams carries no extra fields. Resuming a partial-configured
// execution consumes the stored partial-execution config.
type ResumeParams struct{}

func (ResumeParams) ActionKind() Action { return ActionResume }

// StopParams carries no extra fields.
type StopParams struct{}

func (StopParams) ActionKind() Action { return ActionStop }

// CancelParams carries the mandatory reason plus the force/graceful flags.
type CancelParams struct {
	Reason   CancellationReason `json:"reason" validate:"required"`
	Force    bool               `json:"force,omitempty"`
	Graceful bool               `json:"graceful_shutdown,omitempty"`
}

func (CancelParams) ActionKind() Action { return ActionCancel }

// RetryParams configures a full retry of a failed/timeout execution.
type RetryParams struct {
	Strategy        RetryStrategy `json:"strategy,omitempty"`
	MaxAttempts     int           `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
	Delay           string        `json:"delay,omitempty"`
	OnlyFailedNodes bool          `json:"only_failed_nodes,omitempty"`
}

func (RetryParams) ActionKind() Action { return ActionRetry }

// RetryFromNodeParams configures a retry restarting from a specific node.
type RetryFromNodeParams struct {
	Strategy      RetryStrategy `json:"strategy,omitempty"`
	MaxAttempts   int           `json:"max_attempts,omitempty" validate:"omitempty,min=1,max=10"`
	Delay         string        `json:"delay,omitempty"`
	StartFromNode string        `json:"start_from_node" validate:"required"`
	SkipNodes     []string      `json:"skip_nodes,omitempty"`
}

func (RetryFromNodeParams) ActionKind() Action { return ActionRetryFromNode }

// SkipNodeParams names the node to skip while the execution keeps running.
type SkipNodeParams struct {
	NodeID string `json:"node_id" validate:"required"`
}

func (SkipNodeParams) ActionKind() Action { return ActionSkipNode }

// PartialParams configures a partial re-run of a subset of the node graph.
type PartialParams struct {
	TargetNodes      []string `json:"target_nodes" validate:"required,min=1"`
	StartFromNode    string   `json:"start_from_node,omitempty"`
	ExecuteUntilNode string   `json:"execute_until_node,omitempty"`
	SkipNodes        []string `json:"skip_nodes,omitempty"`
	PreserveState    bool     `json:"preserve_state,omitempty"`
}

func (PartialParams) ActionKind() Action { return ActionExecutePartial }

// DecodeActionParams resolves an untyped parameter bag into the typed params
// for the action. Empty raw yields the action's zero params; unknown actions
// fail with a VALIDATION_ERROR.
func DecodeActionParams(action Action, raw json.RawMessage) (ActionParams, error) {
	unmarshal := func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, v); err != nil {
			return NewErrorf(ErrCodeValidation, "invalid params for %s: %s", action, err.Error())
		}
		return nil
	}

	switch action {
	case ActionPause:
		return PauseParams{}, nil
	case ActionResume:
		return ResumeParams{}, nil
	case ActionStop:
		return StopParams{}, nil
	case ActionCancel:
		var p CancelParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionRetry:
		var p RetryParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionRetryFromNode:
		var p RetryFromNodeParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionSkipNode:
		var p SkipNodeParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	case ActionExecutePartial:
		var p PartialParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown action %q", action)
	}
}

// ControlRequest is one control request against one execution.
type ControlRequest struct {
	RequestID   string       `json:"request_id,omitempty"`
	ExecutionID string       `json:"execution_id" validate:"required"`
	Action      Action       `json:"action" validate:"required"`
	RequestedAt time.Time    `json:"requested_at"`
	RequestedBy string       `json:"requested_by,omitempty"`
	Params      ActionParams `json:"params,omitempty"`
}

// BatchRequest applies one action to many executions.
type BatchRequest struct {
	ExecutionIDs      []string     `json:"execution_ids" validate:"required,min=1"`
	Action            Action       `json:"action" validate:"required"`
	ContinueOnFailure bool         `json:"continue_on_failure,omitempty"`
	RequestedBy       string       `json:"requested_by,omitempty"`
	Params            ActionParams `json:"params,omitempty"`
}

// MaxBatchSize bounds how many executions one batch request may address.
const MaxBatchSize = 50

// MonitorRequest selects which tracked executions to snapshot.
type MonitorRequest struct {
	ExecutionIDs   []string         `json:"execution_ids,omitempty"`
	States         []ExecutionState `json:"states,omitempty"`
	IncludeHistory bool             `json:"include_history,omitempty"`
	IncludeMetrics bool             `json:"include_metrics,omitempty"`
	Limit          int              `json:"limit,omitempty" validate:"omitempty,min=1,max=100"`
	Filter         string           `json:"filter,omitempty"`
	FilterEngine   string           `json:"filter_engine,omitempty"`
}

// Monitor limit bounds.
const (
	DefaultMonitorLimit = 50
	MaxMonitorLimit     = 100
)

// ControlResponse is the structured result of a single control request.
// Policy violations (invalid transition, retry limit, unknown nodes) are
// reported here with Success=false, never as thrown errors.
type ControlResponse struct {
	Success        bool           `json:"success"`
	ExecutionID    string         `json:"execution_id"`
	Action         Action         `json:"action"`
	ExecutionState ExecutionState `json:"execution_state,omitempty"`
	Message        string         `json:"message,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
	Error          *ControlError  `json:"error,omitempty"`
}

// RetryResponse extends ControlResponse with retry accounting.
type RetryResponse struct {
	ControlResponse
	AttemptCount int        `json:"attempt_count,omitempty"`
	MaxAttempts  int        `json:"max_attempts,omitempty"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
}

// CancelResponse extends ControlResponse with cancellation detail.
type CancelResponse struct {
	ControlResponse
	Reason      CancellationReason `json:"reason,omitempty"`
	Force       bool               `json:"force,omitempty"`
	CancelledAt *time.Time         `json:"cancelled_at,omitempty"`
}

// PartialConfigResponse reports the stored partial-execution configuration.
type PartialConfigResponse struct {
	ControlResponse
	Config *PartialExecution `json:"config,omitempty"`
}

// BatchItemResult is the per-execution outcome inside a batch response.
// Attempted=false marks ids skipped after a halting failure.
type BatchItemResult struct {
	ExecutionID string           `json:"execution_id"`
	Attempted   bool             `json:"attempted"`
	Response    *ControlResponse `json:"response,omitempty"`
}

// BatchResponse aggregates per-execution results. Counts and the success rate
// cover attempted ids only.
type BatchResponse struct {
	Success      bool              `json:"success"`
	Action       Action            `json:"action"`
	Total        int               `json:"total"`
	Attempted    int               `json:"attempted"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	NotAttempted int               `json:"not_attempted"`
	SuccessRate  float64           `json:"success_rate"`
	Results      []BatchItemResult `json:"results"`
	Error        *ControlError     `json:"error,omitempty"`
}

// CheckpointResult reports checkpoint creation. Created=false with a reason
// is the soft-fail path (no context, meaningless state), not an error.
type CheckpointResult struct {
	Created    bool        `json:"created"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
	Reason     string      `json:"reason,omitempty"`
}

// RestoreResult reports a checkpoint restoration attempt.
type RestoreResult struct {
	Restored         bool   `json:"restored"`
	CheckpointID     string `json:"checkpoint_id"`
	ExecutionID      string `json:"execution_id,omitempty"`
	PreserveProgress bool   `json:"preserve_progress"`
	Message          string `json:"message,omitempty"`
}

// AnalyticsRequest selects which report sections to compute.
type AnalyticsRequest struct {
	ExecutionID          string `json:"execution_id" validate:"required"`
	IncludePerformance   bool   `json:"include_performance,omitempty"`
	IncludeOptimizations bool   `json:"include_optimizations,omitempty"`
	IncludeErrors        bool   `json:"include_errors,omitempty"`
	Transform            string `json:"transform,omitempty"`
}

// NodeTiming ranks one node by execution time.
type NodeTiming struct {
	NodeID       string  `json:"node_id"`
	NodeName     string  `json:"node_name,omitempty"`
	DurationMs   int64   `json:"duration_ms"`
	ShareOfTotal float64 `json:"share_of_total"`
}

// CriticalPath is the longest dependency chain by cumulative duration.
type CriticalPath struct {
	Nodes        []string `json:"nodes"`
	DurationMs   int64    `json:"duration_ms"`
	ShareOfTotal float64  `json:"share_of_total"`
}

// Bottleneck flags a node whose duration exceeds the relative threshold.
type Bottleneck struct {
	NodeID     string  `json:"node_id"`
	DurationMs int64   `json:"duration_ms"`
	Share      float64 `json:"share"`
	Threshold  float64 `json:"threshold"`
}

// NodeError summarizes one failed node.
type NodeError struct {
	NodeID     string `json:"node_id"`
	ErrorType  string `json:"error_type,omitempty"`
	Message    string `json:"message,omitempty"`
	RetryCount int    `json:"retry_count"`
	Resolution string `json:"resolution,omitempty"`
}

// Suggestion is one ranked optimization recommendation.
type Suggestion struct {
	Type            string `json:"type"`
	Description     string `json:"description"`
	EstimatedImpact string `json:"estimated_impact,omitempty"`
	Priority        int    `json:"priority"`
}

// AnalyticsReport is the read-only analytics view of one execution.
type AnalyticsReport struct {
	Available       bool           `json:"available"`
	Reason          string         `json:"reason,omitempty"`
	ExecutionID     string         `json:"execution_id"`
	WorkflowID      string         `json:"workflow_id,omitempty"`
	State           ExecutionState `json:"state,omitempty"`
	TotalDurationMs int64          `json:"total_duration_ms,omitempty"`
	PeakMemoryMB    float64        `json:"peak_memory_mb,omitempty"`
	AvgCPUPercent   float64        `json:"avg_cpu_percent,omitempty"`
	NodeRanking     []NodeTiming   `json:"node_ranking,omitempty"`
	CriticalPath    *CriticalPath  `json:"critical_path,omitempty"`
	Bottlenecks     []Bottleneck   `json:"bottlenecks,omitempty"`
	Errors          []NodeError    `json:"errors,omitempty"`
	Suggestions     []Suggestion   `json:"suggestions,omitempty"`
	GeneratedAt     time.Time      `json:"generated_at"`
}

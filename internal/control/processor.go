package control

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gantry/internal/metrics"
	"github.com/rendis/gantry/pkg/schema"
)

// SourceClient is the execution-source collaborator contract the processor
// consumes. Satisfied by the source adapters in internal/source.
type SourceClient interface {
	// Name identifies the source for logging and metrics.
	Name() string
	// Snapshot reads the ground-truth view of one execution. Fails with a
	// NOT_FOUND ControlError if the source does not recognize the id.
	Snapshot(ctx context.Context, executionID string) (*schema.ExecutionSnapshot, error)
	// Dispatch issues the actual remote control command. A nil error with
	// Accepted=false means the source declined; the detail is opaque.
	Dispatch(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, error)
}

// EventSink receives control audit events. Satisfied by the in-process bus.
type EventSink interface {
	Publish(ctx context.Context, event *schema.ControlEvent) error
}

// ProcessorConfig holds the timing knobs of the control pipeline.
type ProcessorConfig struct {
	// DispatchTimeout bounds the collaborator call made under the per-key
	// lock. On expiry the request fails with TIMEOUT_ERROR and no mutation.
	DispatchTimeout time.Duration
	// MaxRetryDelay caps linear and exponential backoff growth.
	MaxRetryDelay time.Duration
}

// DefaultProcessorConfig returns the default pipeline timing.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		DispatchTimeout: 10 * time.Second,
		MaxRetryDelay:   DefaultMaxDelay,
	}
}

// ProcessorDeps holds the dependencies for creating a Processor.
type ProcessorDeps struct {
	Registry *Registry
	Source   SourceClient
	Events   EventSink
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Config   ProcessorConfig
}

// Processor orchestrates single control requests: it loads or lazily
// initializes the execution context, validates the transition, dispatches the
// effect to the execution source, mutates local state, and appends exactly one
// history entry per processed request, success or failure.
type Processor struct {
	registry *Registry
	source   SourceClient
	events   EventSink
	metrics  *metrics.Metrics
	logger   *slog.Logger
	cfg      ProcessorConfig
	clock    func() time.Time
}

// NewProcessor creates a Processor.
func NewProcessor(deps ProcessorDeps) *Processor {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := deps.Config
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultProcessorConfig().DispatchTimeout
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = DefaultMaxDelay
	}
	return &Processor{
		registry: deps.Registry,
		source:   deps.Source,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   logger,
		cfg:      cfg,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Registry exposes the underlying context store for read-side collaborators.
func (p *Processor) Registry() *Registry { return p.registry }

// Process applies one control request. Policy violations (invalid transition,
// retry limit exceeded, unknown node ids) come back as structured failure
// responses, never as errors; the error return is reserved for the NotFound
// case where no context exists and none can be created.
func (p *Processor) Process(ctx context.Context, req *schema.ControlRequest) *schema.ControlResponse {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = p.clock()
	}

	unlock := p.registry.Lock(req.ExecutionID)
	defer unlock()

	ectx, err := p.getOrCreateLocked(ctx, req.ExecutionID)
	if err != nil {
		p.observe(req.Action, "not_found")
		return p.failureResponse(req, "", toControlError(err, req.ExecutionID))
	}

	fromState := ectx.EnhancedState

	if verr := p.validateRequest(ectx, req); verr != nil {
		p.recordRejection(ctx, ectx, req, fromState, verr)
		return p.failureResponse(req, fromState, verr)
	}

	toState, terr := ValidateTransition(fromState, req.Action)
	if terr != nil {
		cerr := toControlError(terr, req.ExecutionID)
		p.recordRejection(ctx, ectx, req, fromState, cerr)
		return p.failureResponse(req, fromState, cerr)
	}

	result, derr := p.dispatch(ctx, req)
	if derr != nil {
		p.recordRejection(ctx, ectx, req, fromState, derr)
		return p.failureResponse(req, fromState, derr)
	}

	data := p.applyLocked(ectx, req, toState)
	ectx.UpdatedAt = p.clock()

	entry := schema.HistoryEntry{
		EntryID:        req.RequestID,
		Action:         req.Action,
		RequestedAt:    req.RequestedAt,
		RequestedBy:    req.RequestedBy,
		Success:        true,
		Outcome:        result.Detail,
		FromState:      fromState,
		ResultingState: ectx.EnhancedState,
		Details:        data,
	}
	if entry.Outcome == "" {
		entry.Outcome = "accepted"
	}
	ectx.History = append(ectx.History, entry)

	p.publishOutcome(ctx, ectx, req, fromState, ectx.EnhancedState, true, "")
	p.observe(req.Action, "success")
	if fromState != ectx.EnhancedState {
		p.observeTransition(fromState, ectx.EnhancedState)
	}
	p.logger.InfoContext(ctx, "control request applied",
		slog.String("execution_id", req.ExecutionID),
		slog.String("action", string(req.Action)),
		slog.String("from_state", string(fromState)),
		slog.String("to_state", string(ectx.EnhancedState)),
	)

	return &schema.ControlResponse{
		Success:        true,
		ExecutionID:    req.ExecutionID,
		Action:         req.Action,
		ExecutionState: ectx.EnhancedState,
		Message:        responseMessage(req.Action, ectx.EnhancedState),
		Data:           data,
	}
}

// Retry handles a full or from-node retry request and enriches the response
// with the retry accounting.
func (p *Processor) Retry(ctx context.Context, executionID string, params schema.ActionParams, requestedBy string) *schema.RetryResponse {
	req := &schema.ControlRequest{
		ExecutionID: executionID,
		Action:      params.ActionKind(),
		RequestedBy: requestedBy,
		Params:      params,
	}
	resp := p.Process(ctx, req)

	out := &schema.RetryResponse{ControlResponse: *resp}
	if snap, ok := p.registry.Snapshot(executionID); ok && snap.RetryInfo != nil {
		out.AttemptCount = snap.RetryInfo.AttemptCount
		out.MaxAttempts = snap.RetryInfo.MaxAttempts
		out.NextRetryAt = snap.RetryInfo.NextRetryAt
	}
	return out
}

// Cancel handles a cancel request and enriches the response with the
// cancellation record.
func (p *Processor) Cancel(ctx context.Context, executionID string, params schema.CancelParams, requestedBy string) *schema.CancelResponse {
	req := &schema.ControlRequest{
		ExecutionID: executionID,
		Action:      schema.ActionCancel,
		RequestedBy: requestedBy,
		Params:      params,
	}
	resp := p.Process(ctx, req)

	out := &schema.CancelResponse{ControlResponse: *resp, Reason: params.Reason, Force: params.Force}
	if snap, ok := p.registry.Snapshot(executionID); ok && snap.Cancellation != nil {
		out.CancelledAt = snap.Cancellation.CancelledAt
	}
	return out
}

// ConfigurePartial handles an execute-partial request and returns the stored
// configuration.
func (p *Processor) ConfigurePartial(ctx context.Context, executionID string, params schema.PartialParams, requestedBy string) *schema.PartialConfigResponse {
	req := &schema.ControlRequest{
		ExecutionID: executionID,
		Action:      schema.ActionExecutePartial,
		RequestedBy: requestedBy,
		Params:      params,
	}
	resp := p.Process(ctx, req)

	out := &schema.PartialConfigResponse{ControlResponse: *resp}
	if snap, ok := p.registry.Snapshot(executionID); ok {
		out.Config = snap.PartialExecution
	}
	return out
}

// Track lazily initializes the context for an execution id without applying
// any action. Used by monitoring callers that want to start following an
// execution the registry has not seen yet.
func (p *Processor) Track(ctx context.Context, executionID string) (*schema.ExecutionContext, error) {
	unlock := p.registry.Lock(executionID)
	defer unlock()

	ectx, err := p.getOrCreateLocked(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return ectx.Clone(), nil
}

// Monitor returns read-only snapshots of tracked executions matching the
// request. The optional matcher runs against each candidate snapshot; filter
// evaluation errors fail the whole query so callers can fix the expression.
func (p *Processor) Monitor(ctx context.Context, req *schema.MonitorRequest, matcher func(*schema.MonitoringSnapshot) (bool, error)) ([]*schema.MonitoringSnapshot, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = schema.DefaultMonitorLimit
	}
	if limit > schema.MaxMonitorLimit {
		limit = schema.MaxMonitorLimit
	}

	ids := req.ExecutionIDs
	if len(ids) == 0 {
		ids = p.registry.IDs()
		sort.Strings(ids)
	} else {
		// Explicitly named ids are tracked on demand.
		for _, id := range ids {
			if _, err := p.Track(ctx, id); err != nil {
				var cerr *schema.ControlError
				if errors.As(err, &cerr) && cerr.Code == schema.ErrCodeNotFound {
					continue
				}
				return nil, err
			}
		}
	}

	stateSet := make(map[schema.ExecutionState]bool, len(req.States))
	for _, s := range req.States {
		stateSet[s] = true
	}

	var out []*schema.MonitoringSnapshot
	for _, id := range ids {
		if len(out) >= limit {
			break
		}
		ectx, ok := p.registry.Snapshot(id)
		if !ok {
			continue
		}
		if len(stateSet) > 0 && !stateSet[ectx.EnhancedState] {
			continue
		}

		snap := buildSnapshot(ectx, req.IncludeHistory, req.IncludeMetrics)
		if matcher != nil {
			match, err := matcher(snap)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}
		out = append(out, snap)
	}
	return out, nil
}

// History returns the most recent history entries for an execution, newest
// last, capped at limit (0 means all).
func (p *Processor) History(executionID string, limit int) ([]schema.HistoryEntry, error) {
	snap, ok := p.registry.Snapshot(executionID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not tracked", executionID)
	}
	history := snap.History
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// DispatchDueRetry promotes a due retrying execution: it asks the source to
// resume the run and moves the context to running, or back to failed when the
// dispatch is rejected with a non-transient error. Called by the retry
// dispatcher, never by callers.
func (p *Processor) DispatchDueRetry(ctx context.Context, executionID string) error {
	unlock := p.registry.Lock(executionID)
	defer unlock()

	ectx, ok := p.registry.Get(executionID)
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not tracked", executionID)
	}
	if ectx.EnhancedState != schema.StateRetrying {
		return nil // promoted or cancelled since the sweep selected it
	}

	params := map[string]any{}
	if ectx.RetryInfo != nil {
		if ectx.RetryInfo.StartFromNode != "" {
			params["start_from_node"] = ectx.RetryInfo.StartFromNode
		}
		if len(ectx.RetryInfo.SkipNodes) > 0 {
			params["skip_nodes"] = ectx.RetryInfo.SkipNodes
		}
		if ectx.RetryInfo.OnlyFailedNodes {
			params["only_failed_nodes"] = true
		}
	}

	_, err := p.dispatchRaw(ctx, executionID, schema.ActionResume, params)

	fromState := ectx.EnhancedState
	if err != nil {
		if IsRetryableDispatchError(err) {
			// Leave the context in retrying; the next sweep tries again.
			if ectx.RetryInfo != nil {
				ectx.RetryInfo.LastError = err.Error()
			}
			return err
		}
		if verr := ValidateInternalTransition(fromState, schema.StateFailed); verr == nil {
			ectx.EnhancedState = schema.StateFailed
			if ectx.RetryInfo != nil {
				ectx.RetryInfo.LastError = err.Error()
			}
			ectx.UpdatedAt = p.clock()
			p.observeTransition(fromState, schema.StateFailed)
			p.publishEvent(ctx, ectx, schema.EventRetryExhausted, fromState, schema.StateFailed, nil)
		}
		return err
	}

	if verr := ValidateInternalTransition(fromState, schema.StateRunning); verr != nil {
		return verr
	}
	ectx.EnhancedState = schema.StateRunning
	ectx.UpdatedAt = p.clock()
	p.observeTransition(fromState, schema.StateRunning)
	p.publishEvent(ctx, ectx, schema.EventRetryDispatched, fromState, schema.StateRunning, nil)
	p.logger.InfoContext(ctx, "retry dispatched",
		slog.String("execution_id", executionID),
	)
	return nil
}

// --- Internals ---

// getOrCreateLocked returns the tracked context or seeds a new one from a
// source snapshot. The per-key lock must be held, which makes the existence
// check race-free.
func (p *Processor) getOrCreateLocked(ctx context.Context, executionID string) (*schema.ExecutionContext, error) {
	if ectx, ok := p.registry.Get(executionID); ok {
		return ectx, nil
	}

	snapCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	snap, err := p.source.Snapshot(snapCtx, executionID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"snapshot of execution %q timed out after %s", executionID, p.cfg.DispatchTimeout).
				WithExecution(executionID).WithCause(err)
		}
		return nil, err
	}

	now := p.clock()
	ectx := &schema.ExecutionContext{
		ExecutionID:   executionID,
		WorkflowID:    snap.WorkflowID,
		Source:        p.source.Name(),
		Mode:          snap.Mode,
		EnhancedState: snap.Status,
		Graph:         snap.Graph.Clone(),
		NodeRuns:      snap.NodeRuns,
		Metrics:       snap.Metrics,
		StartedAt:     snap.StartedAt,
		StoppedAt:     snap.StoppedAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	ectx.Progress = progressFromRuns(snap)
	p.registry.Put(ectx)

	p.publishEvent(ctx, ectx, schema.EventContextCreated, ectx.EnhancedState, ectx.EnhancedState, nil)
	p.logger.InfoContext(ctx, "execution context created",
		slog.String("execution_id", executionID),
		slog.String("workflow_id", snap.WorkflowID),
		slog.String("state", string(snap.Status)),
	)
	return ectx, nil
}

// validateRequest enforces the per-action policy refinements the transition
// table cannot express.
func (p *Processor) validateRequest(ectx *schema.ExecutionContext, req *schema.ControlRequest) *schema.ControlError {
	switch params := req.Params.(type) {
	case schema.CancelParams:
		if params.Reason == "" {
			return schema.NewError(schema.ErrCodeValidation, "cancellation requires a reason").
				WithExecution(req.ExecutionID)
		}
		if _, err := schema.ParseCancellationReason(string(params.Reason)); err != nil {
			return toControlError(err, req.ExecutionID)
		}

	case schema.RetryParams:
		return p.validateRetry(ectx, req, params.MaxAttempts)

	case schema.RetryFromNodeParams:
		if params.StartFromNode == "" {
			return schema.NewError(schema.ErrCodeValidation, "retry-from-node requires start_from_node").
				WithExecution(req.ExecutionID)
		}
		if err := p.validateNodes(ectx, append([]string{params.StartFromNode}, params.SkipNodes...)); err != nil {
			return err.WithExecution(req.ExecutionID)
		}
		return p.validateRetry(ectx, req, params.MaxAttempts)

	case schema.SkipNodeParams:
		if params.NodeID == "" {
			return schema.NewError(schema.ErrCodeValidation, "skip-node requires node_id").
				WithExecution(req.ExecutionID)
		}
		if err := p.validateNodes(ectx, []string{params.NodeID}); err != nil {
			return err.WithExecution(req.ExecutionID)
		}

	case schema.PartialParams:
		if len(params.TargetNodes) == 0 {
			return schema.NewError(schema.ErrCodeValidation, "execute-partial requires at least one target node").
				WithExecution(req.ExecutionID)
		}
		nodes := append([]string{}, params.TargetNodes...)
		if params.StartFromNode != "" {
			nodes = append(nodes, params.StartFromNode)
		}
		if params.ExecuteUntilNode != "" {
			nodes = append(nodes, params.ExecuteUntilNode)
		}
		nodes = append(nodes, params.SkipNodes...)
		if err := p.validateNodes(ectx, nodes); err != nil {
			return err.WithExecution(req.ExecutionID)
		}
	}
	return nil
}

// validateRetry applies the attempt budget. Exhaustion is permanent for the
// context: a later request cannot raise max_attempts to reopen the budget.
func (p *Processor) validateRetry(ectx *schema.ExecutionContext, req *schema.ControlRequest, maxOverride int) *schema.ControlError {
	if req.Action == schema.ActionRetry && ectx.EnhancedState == schema.StateCancelled {
		if ectx.Cancellation != nil && ectx.Cancellation.Force {
			return schema.NewError(schema.ErrCodeInvalidTransition,
				"force-cancelled executions cannot be retried").
				WithExecution(req.ExecutionID).
				WithDetails(map[string]any{"current_state": string(ectx.EnhancedState)})
		}
	}
	if maxOverride != 0 && (maxOverride < schema.MinMaxAttempts || maxOverride > schema.MaxMaxAttempts) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"max_attempts must be between %d and %d", schema.MinMaxAttempts, schema.MaxMaxAttempts).
			WithExecution(req.ExecutionID)
	}
	if ectx.RetryInfo != nil && ectx.RetryInfo.AttemptCount >= ectx.RetryInfo.MaxAttempts {
		return RetryBudgetError(ectx)
	}
	return nil
}

// validateNodes checks that every id names a node in the workflow graph.
func (p *Processor) validateNodes(ectx *schema.ExecutionContext, nodeIDs []string) *schema.ControlError {
	for _, id := range nodeIDs {
		if id == "" {
			continue
		}
		if !ectx.Graph.HasNode(id) {
			return schema.NewErrorf(schema.ErrCodeInvalidTargetNode,
				"node %q is not part of the workflow graph", id).
				WithDetails(map[string]any{"node_id": id})
		}
	}
	return nil
}

// dispatch issues the collaborator call under the caller-visible timeout.
func (p *Processor) dispatch(ctx context.Context, req *schema.ControlRequest) (*schema.DispatchResult, *schema.ControlError) {
	return p.dispatchRaw(ctx, req.ExecutionID, req.Action, dispatchParams(req.Params))
}

func (p *Processor) dispatchRaw(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, *schema.ControlError) {
	dispatchCtx, cancel := context.WithTimeout(ctx, p.cfg.DispatchTimeout)
	defer cancel()

	start := p.clock()
	result, err := p.source.Dispatch(dispatchCtx, executionID, action, params)
	p.observeDispatch(action, time.Since(start), err != nil || (result != nil && !result.Accepted))

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, schema.NewErrorf(schema.ErrCodeTimeout,
				"source did not answer %s within %s", action, p.cfg.DispatchTimeout).
				WithExecution(executionID).WithCause(err)
		}
		var cerr *schema.ControlError
		if errors.As(err, &cerr) {
			return nil, cerr
		}
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
			"source dispatch of %s failed: %s", action, err.Error()).
			WithExecution(executionID).WithCause(err)
	}
	if !result.Accepted {
		return nil, schema.NewErrorf(schema.ErrCodeCollaborator,
			"source rejected %s: %s", action, result.Detail).
			WithExecution(executionID).
			WithDetails(map[string]any{"detail": result.Detail})
	}
	return result, nil
}

// applyLocked mutates the context for an accepted action and returns the
// action-specific response payload.
func (p *Processor) applyLocked(ectx *schema.ExecutionContext, req *schema.ControlRequest, toState schema.ExecutionState) map[string]any {
	now := p.clock()
	data := map[string]any{}

	switch params := req.Params.(type) {
	case schema.CancelParams:
		cancellation := &schema.Cancellation{
			Reason:      params.Reason,
			Force:       params.Force,
			Graceful:    params.Graceful,
			RequestedAt: req.RequestedAt,
		}
		// Stop and graceful cancel confirm synchronously with the accepted
		// dispatch; forced cancel confirms immediately by definition.
		confirmed := now
		cancellation.CancelledAt = &confirmed
		ectx.Cancellation = cancellation
		ectx.StoppedAt = &confirmed
		data["reason"] = string(params.Reason)
		data["force"] = params.Force

	case schema.RetryParams:
		info := p.retryInfoFor(ectx, params.Strategy, params.MaxAttempts, params.Delay)
		info.OnlyFailedNodes = params.OnlyFailedNodes
		info.StartFromNode = ""
		info.SkipNodes = nil
		ScheduleRetry(ectx, info, now, p.cfg.MaxRetryDelay)
		// A plain retry restarts from the workflow's entry points.
		ectx.PartialExecution = nil
		data["attempt_count"] = info.AttemptCount
		data["max_attempts"] = info.MaxAttempts
		if info.NextRetryAt != nil {
			data["next_retry_at"] = info.NextRetryAt.Format(time.RFC3339Nano)
		}

	case schema.RetryFromNodeParams:
		info := p.retryInfoFor(ectx, params.Strategy, params.MaxAttempts, params.Delay)
		info.StartFromNode = params.StartFromNode
		info.SkipNodes = append([]string(nil), params.SkipNodes...)
		ScheduleRetry(ectx, info, now, p.cfg.MaxRetryDelay)
		data["attempt_count"] = info.AttemptCount
		data["start_from_node"] = params.StartFromNode
		if len(params.SkipNodes) > 0 {
			data["skip_nodes"] = params.SkipNodes
		}

	case schema.SkipNodeParams:
		markNodeSkipped(ectx, params.NodeID, now)
		data["node_id"] = params.NodeID

	case schema.PartialParams:
		ectx.PartialExecution = &schema.PartialExecution{
			TargetNodes:      append([]string(nil), params.TargetNodes...),
			StartFromNode:    params.StartFromNode,
			ExecuteUntilNode: params.ExecuteUntilNode,
			SkipNodes:        append([]string(nil), params.SkipNodes...),
			PreserveState:    params.PreserveState,
			ConfiguredAt:     now,
		}
		data["target_nodes"] = len(params.TargetNodes)
	}

	if req.Action == schema.ActionResume && ectx.PartialExecution != nil {
		// Resuming consumes the stored partial-execution configuration.
		data["consumed_partial_config"] = true
		ectx.PartialExecution = nil
	}
	if req.Action == schema.ActionStop {
		stopped := now
		ectx.StoppedAt = &stopped
	}

	ectx.EnhancedState = resultingState(ectx.EnhancedState, req.Action, toState)
	if len(data) == 0 {
		return nil
	}
	return data
}

// retryInfoFor returns the existing retry accounting or creates it from the
// request parameters. Existing accounting keeps its budget; overrides never
// silently reset an exhausted context.
func (p *Processor) retryInfoFor(ectx *schema.ExecutionContext, strategy schema.RetryStrategy, maxAttempts int, delay string) *schema.RetryInfo {
	if ectx.RetryInfo != nil {
		info := ectx.RetryInfo
		if strategy != "" {
			info.Strategy = strategy
		}
		if info.Strategy == schema.RetryCustom && delay != "" {
			info.CustomDelay = delay
		} else if delay != "" {
			info.BaseDelay = delay
		}
		return info
	}

	if strategy == "" {
		strategy = schema.RetryExponential
	}
	if maxAttempts == 0 {
		maxAttempts = schema.DefaultMaxAttempts
	}
	info := &schema.RetryInfo{
		MaxAttempts: maxAttempts,
		Strategy:    strategy,
	}
	if strategy == schema.RetryCustom {
		info.CustomDelay = delay
	} else if delay != "" {
		info.BaseDelay = delay
	}
	return info
}

// recordRejection appends the failure history entry and publishes the
// rejected-event. State is never mutated on this path.
func (p *Processor) recordRejection(ctx context.Context, ectx *schema.ExecutionContext, req *schema.ControlRequest, state schema.ExecutionState, cerr *schema.ControlError) {
	ectx.History = append(ectx.History, schema.HistoryEntry{
		EntryID:        req.RequestID,
		Action:         req.Action,
		RequestedAt:    req.RequestedAt,
		RequestedBy:    req.RequestedBy,
		Success:        false,
		Outcome:        cerr.Message,
		ErrorCode:      cerr.Code,
		FromState:      state,
		ResultingState: state,
	})
	p.publishOutcome(ctx, ectx, req, state, state, false, cerr.Code)
	p.observe(req.Action, "rejected")
	p.logger.WarnContext(ctx, "control request rejected",
		slog.String("execution_id", req.ExecutionID),
		slog.String("action", string(req.Action)),
		slog.String("state", string(state)),
		slog.String("code", cerr.Code),
	)
}

func (p *Processor) failureResponse(req *schema.ControlRequest, state schema.ExecutionState, cerr *schema.ControlError) *schema.ControlResponse {
	return &schema.ControlResponse{
		Success:        false,
		ExecutionID:    req.ExecutionID,
		Action:         req.Action,
		ExecutionState: state,
		Message:        cerr.Message,
		Error:          cerr,
	}
}

func (p *Processor) publishOutcome(ctx context.Context, ectx *schema.ExecutionContext, req *schema.ControlRequest, from, to schema.ExecutionState, accepted bool, code string) {
	eventType := schema.EventControlAccepted
	var payload map[string]any
	if !accepted {
		eventType = schema.EventControlRejected
		payload = map[string]any{"error_code": code}
	}
	ev := &schema.ControlEvent{
		EventID:     uuid.New().String(),
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		Type:        eventType,
		Action:      req.Action,
		FromState:   from,
		ToState:     to,
		RequestedBy: req.RequestedBy,
		OccurredAt:  p.clock(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	p.publishRaw(ctx, ev)

	if accepted && from != to {
		p.publishEvent(ctx, ectx, schema.EventStateChanged, from, to, nil)
	}
}

func (p *Processor) publishEvent(ctx context.Context, ectx *schema.ExecutionContext, eventType string, from, to schema.ExecutionState, payload map[string]any) {
	ev := &schema.ControlEvent{
		EventID:     uuid.New().String(),
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		Type:        eventType,
		FromState:   from,
		ToState:     to,
		OccurredAt:  p.clock(),
	}
	if payload != nil {
		if raw, err := json.Marshal(payload); err == nil {
			ev.Payload = raw
		}
	}
	p.publishRaw(ctx, ev)
}

func (p *Processor) publishRaw(ctx context.Context, ev *schema.ControlEvent) {
	if p.events == nil {
		return
	}
	if err := p.events.Publish(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "control event publish failed",
			slog.String("execution_id", ev.ExecutionID),
			slog.String("event_type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) observe(action schema.Action, outcome string) {
	if p.metrics != nil {
		p.metrics.ObserveControlRequest(string(action), outcome)
	}
}

func (p *Processor) observeTransition(from, to schema.ExecutionState) {
	if p.metrics != nil {
		p.metrics.ObserveTransition(string(from), string(to))
	}
}

func (p *Processor) observeDispatch(action schema.Action, elapsed time.Duration, failed bool) {
	if p.metrics != nil {
		p.metrics.ObserveDispatch(p.source.Name(), string(action), elapsed, failed)
	}
}

// --- Helpers ---

func toControlError(err error, executionID string) *schema.ControlError {
	var cerr *schema.ControlError
	if errors.As(err, &cerr) {
		if cerr.ExecutionID == "" {
			cerr.ExecutionID = executionID
		}
		return cerr
	}
	return schema.NewError(schema.ErrCodeCollaborator, err.Error()).
		WithExecution(executionID).WithCause(err)
}

func dispatchParams(params schema.ActionParams) map[string]any {
	if params == nil {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil
	}
	return out
}

func responseMessage(action schema.Action, state schema.ExecutionState) string {
	return string(action) + " accepted, execution is now " + string(state)
}

func markNodeSkipped(ectx *schema.ExecutionContext, nodeID string, now time.Time) {
	for i := range ectx.NodeRuns {
		if ectx.NodeRuns[i].NodeID == nodeID {
			ectx.NodeRuns[i].Status = schema.NodeRunSkipped
			ectx.NodeRuns[i].FinishedAt = &now
			return
		}
	}
	ectx.NodeRuns = append(ectx.NodeRuns, schema.NodeRun{
		NodeID:     nodeID,
		Status:     schema.NodeRunSkipped,
		FinishedAt: &now,
	})
}

func progressFromRuns(snap *schema.ExecutionSnapshot) schema.Progress {
	total := 0
	if snap.Graph != nil {
		total = len(snap.Graph.Nodes)
	}
	completed := 0
	for _, run := range snap.NodeRuns {
		if run.Status == schema.NodeRunCompleted {
			completed++
		}
	}
	progress := schema.Progress{CompletedNodes: completed, TotalNodes: total}
	if total > 0 {
		progress.PercentComplete = float64(completed) / float64(total) * 100
	}
	if snap.Status == schema.StateCompleted {
		progress.PercentComplete = 100
		if total > 0 && completed == 0 {
			progress.CompletedNodes = total
		}
	}
	return progress
}

func buildSnapshot(ectx *schema.ExecutionContext, includeHistory, includeMetrics bool) *schema.MonitoringSnapshot {
	snap := &schema.MonitoringSnapshot{
		ExecutionID:      ectx.ExecutionID,
		WorkflowID:       ectx.WorkflowID,
		Source:           ectx.Source,
		State:            ectx.EnhancedState,
		AvailableActions: AvailableActions(ectx.EnhancedState),
		CanRetry:         CanRetry(ectx),
		Progress:         ectx.Progress,
		RetryInfo:        ectx.RetryInfo,
		Cancellation:     ectx.Cancellation,
		PartialExecution: ectx.PartialExecution,
		CheckpointCount:  len(ectx.Checkpoints),
		CreatedAt:        ectx.CreatedAt,
		UpdatedAt:        ectx.UpdatedAt,
	}
	if includeHistory {
		snap.History = ectx.History
	}
	if includeMetrics {
		snap.Metrics = ectx.Metrics
	}
	return snap
}

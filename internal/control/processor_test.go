package control

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// fakeSource is an in-memory execution source for tests.
type fakeSource struct {
	mu         sync.Mutex
	snapshots  map[string]*schema.ExecutionSnapshot
	dispatches []fakeDispatch
	reject     string // when set, every dispatch is rejected with this detail
	err        error  // when set, every dispatch fails with this error
	delay      time.Duration
}

type fakeDispatch struct {
	ExecutionID string
	Action      schema.Action
	Params      map[string]any
}

func newFakeSource() *fakeSource {
	return &fakeSource{snapshots: map[string]*schema.ExecutionSnapshot{}}
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Snapshot(_ context.Context, executionID string) (*schema.ExecutionSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[executionID]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q not found", executionID).
			WithExecution(executionID)
	}
	return snap, nil
}

func (f *fakeSource) Dispatch(ctx context.Context, executionID string, action schema.Action, params map[string]any) (*schema.DispatchResult, error) {
	f.mu.Lock()
	delay, reject, err := f.delay, f.reject, f.err
	f.dispatches = append(f.dispatches, fakeDispatch{ExecutionID: executionID, Action: action, Params: params})
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if reject != "" {
		return &schema.DispatchResult{Accepted: false, Detail: reject}, nil
	}
	return &schema.DispatchResult{Accepted: true, Detail: "ok"}, nil
}

func (f *fakeSource) dispatchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.dispatches)
}

// recordingSink collects published control events.
type recordingSink struct {
	mu     sync.Mutex
	events []*schema.ControlEvent
}

func (s *recordingSink) Publish(_ context.Context, ev *schema.ControlEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) byType(eventType string) []*schema.ControlEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*schema.ControlEvent
	for _, ev := range s.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func testGraph() *schema.NodeGraph {
	return &schema.NodeGraph{
		Nodes: []schema.Node{
			{ID: "fetch", Name: "Fetch Data"},
			{ID: "transform", Name: "Transform"},
			{ID: "store", Name: "Store"},
		},
		Connections: []schema.Connection{
			{From: "fetch", To: "transform"},
			{From: "transform", To: "store"},
		},
	}
}

func runningSnapshot(id string) *schema.ExecutionSnapshot {
	started := time.Now().UTC().Add(-time.Minute)
	return &schema.ExecutionSnapshot{
		ExecutionID: id,
		WorkflowID:  "wf-1",
		Status:      schema.StateRunning,
		Mode:        "trigger",
		StartedAt:   &started,
		Graph:       testGraph(),
		NodeRuns: []schema.NodeRun{
			{NodeID: "fetch", Status: schema.NodeRunCompleted, DurationMs: 120},
			{NodeID: "transform", Status: schema.NodeRunRunning},
		},
	}
}

func newTestProcessor(t *testing.T, source *fakeSource) (*Processor, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	proc := NewProcessor(ProcessorDeps{
		Registry: NewRegistry(nil),
		Source:   source,
		Events:   sink,
	})
	return proc, sink
}

// forceState rewrites a tracked context's state directly, bypassing the
// transition table. Test-only shortcut to reach states the fake source
// cannot produce on its own.
func forceState(t *testing.T, proc *Processor, executionID string, state schema.ExecutionState) {
	t.Helper()
	unlock := proc.registry.Lock(executionID)
	defer unlock()
	ectx, ok := proc.registry.Get(executionID)
	require.True(t, ok)
	ectx.EnhancedState = state
}

// --- Processor Tests ---

func TestProcessor_PauseRunningExecution(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, sink := newTestProcessor(t, source)

	resp := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1",
		Action:      schema.ActionPause,
		RequestedBy: "operator-1",
	})

	require.True(t, resp.Success)
	assert.Equal(t, schema.StatePaused, resp.ExecutionState)
	assert.Equal(t, 1, source.dispatchCount())

	snap, ok := proc.Registry().Snapshot("exec-1")
	require.True(t, ok)
	assert.Equal(t, schema.StatePaused, snap.EnhancedState)
	require.Len(t, snap.History, 1)
	assert.True(t, snap.History[0].Success)
	assert.Equal(t, schema.ActionPause, snap.History[0].Action)
	assert.Equal(t, schema.StateRunning, snap.History[0].FromState)
	assert.Equal(t, schema.StatePaused, snap.History[0].ResultingState)
	assert.Equal(t, "operator-1", snap.History[0].RequestedBy)

	assert.Len(t, sink.byType(schema.EventContextCreated), 1)
	assert.Len(t, sink.byType(schema.EventControlAccepted), 1)
	assert.Len(t, sink.byType(schema.EventStateChanged), 1)
}

func TestProcessor_InvalidTransitionDoesNotDispatch(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, sink := newTestProcessor(t, source)

	resp := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1",
		Action:      schema.ActionRetry,
		Params:      schema.RetryParams{},
	})

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeInvalidTransition, resp.Error.Code)
	assert.Equal(t, schema.StateRunning, resp.ExecutionState)
	assert.Equal(t, 0, source.dispatchCount())

	// The rejection still lands in history.
	snap, _ := proc.Registry().Snapshot("exec-1")
	require.Len(t, snap.History, 1)
	assert.False(t, snap.History[0].Success)
	assert.Equal(t, schema.ErrCodeInvalidTransition, snap.History[0].ErrorCode)
	assert.Len(t, sink.byType(schema.EventControlRejected), 1)
}

func TestProcessor_UnknownExecution(t *testing.T) {
	proc, _ := newTestProcessor(t, newFakeSource())

	resp := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "ghost",
		Action:      schema.ActionPause,
	})

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, 0, proc.Registry().Len())
}

func TestProcessor_RejectedDispatchLeavesStateUntouched(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	source.reject = "execution is locked by another controller"
	proc, _ := newTestProcessor(t, source)

	resp := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1",
		Action:      schema.ActionPause,
	})

	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeCollaborator, resp.Error.Code)

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Equal(t, schema.StateRunning, snap.EnhancedState)
	require.Len(t, snap.History, 1)
	assert.False(t, snap.History[0].Success)
}

func TestProcessor_DispatchTimeout(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)
	proc.cfg.DispatchTimeout = 20 * time.Millisecond

	// Snapshot first so the slow dispatch is the only timed call.
	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)
	source.delay = 200 * time.Millisecond

	resp := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1",
		Action:      schema.ActionPause,
	})

	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeTimeout, resp.Error.Code)

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Equal(t, schema.StateRunning, snap.EnhancedState)
}

func TestProcessor_CancelRequiresKnownReason(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	resp := proc.Cancel(context.Background(), "exec-1", schema.CancelParams{}, "op")
	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)

	resp = proc.Cancel(context.Background(), "exec-1", schema.CancelParams{Reason: "because"}, "op")
	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)
}

func TestProcessor_CancelRecordsCancellation(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	resp := proc.Cancel(context.Background(), "exec-1",
		schema.CancelParams{Reason: schema.CancelUserRequested, Force: true}, "op")

	require.True(t, resp.Success)
	assert.Equal(t, schema.StateCancelled, resp.ExecutionState)
	require.NotNil(t, resp.CancelledAt)

	snap, _ := proc.Registry().Snapshot("exec-1")
	require.NotNil(t, snap.Cancellation)
	assert.Equal(t, schema.CancelUserRequested, snap.Cancellation.Reason)
	assert.True(t, snap.Cancellation.Force)
}

func TestProcessor_RetryFromFailed(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)
	forceState(t, proc, "exec-1", schema.StateFailed)

	resp := proc.Retry(context.Background(), "exec-1", schema.RetryParams{
		Strategy:    schema.RetryLinear,
		MaxAttempts: 3,
		Delay:       "100ms",
	}, "op")

	require.True(t, resp.Success)
	assert.Equal(t, schema.StateRetrying, resp.ExecutionState)
	assert.Equal(t, 1, resp.AttemptCount)
	assert.Equal(t, 3, resp.MaxAttempts)
	require.NotNil(t, resp.NextRetryAt)
}

func TestProcessor_RetryBudgetExhaustion(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)

	params := schema.RetryParams{Strategy: schema.RetryImmediate, MaxAttempts: 2}
	for attempt := 1; attempt <= 2; attempt++ {
		forceState(t, proc, "exec-1", schema.StateFailed)
		resp := proc.Retry(context.Background(), "exec-1", params, "op")
		require.True(t, resp.Success, "attempt %d should be accepted", attempt)
		assert.Equal(t, attempt, resp.AttemptCount)
	}

	forceState(t, proc, "exec-1", schema.StateFailed)
	resp := proc.Retry(context.Background(), "exec-1", params, "op")
	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeRetryLimit, resp.Error.Code)

	// Exhaustion is permanent: a larger budget does not reopen it.
	resp = proc.Retry(context.Background(), "exec-1", schema.RetryParams{MaxAttempts: 10}, "op")
	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeRetryLimit, resp.Error.Code)
}

func TestProcessor_RetryForceCancelledRejected(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	resp := proc.Cancel(context.Background(), "exec-1",
		schema.CancelParams{Reason: schema.CancelUserRequested, Force: true}, "op")
	require.True(t, resp.Success)

	retry := proc.Retry(context.Background(), "exec-1", schema.RetryParams{}, "op")
	require.False(t, retry.Success)
	assert.Equal(t, schema.ErrCodeInvalidTransition, retry.Error.Code)
}

func TestProcessor_RetryGracefullyCancelledAllowed(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	resp := proc.Cancel(context.Background(), "exec-1",
		schema.CancelParams{Reason: schema.CancelUserRequested}, "op")
	require.True(t, resp.Success)

	retry := proc.Retry(context.Background(), "exec-1", schema.RetryParams{}, "op")
	require.True(t, retry.Success)
	assert.Equal(t, schema.StateRetrying, retry.ExecutionState)
}

func TestProcessor_RetryFromUnknownNode(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)
	forceState(t, proc, "exec-1", schema.StateFailed)

	resp := proc.Retry(context.Background(), "exec-1", schema.RetryFromNodeParams{
		StartFromNode: "no-such-node",
	}, "op")

	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeInvalidTargetNode, resp.Error.Code)

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Equal(t, schema.StateFailed, snap.EnhancedState)
	assert.Nil(t, snap.RetryInfo)
}

func TestProcessor_PartialConfigurationAndResume(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	pause := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1", Action: schema.ActionPause,
	})
	require.True(t, pause.Success)

	partial := proc.ConfigurePartial(context.Background(), "exec-1", schema.PartialParams{
		TargetNodes:   []string{"transform", "store"},
		StartFromNode: "transform",
	}, "op")
	require.True(t, partial.Success)
	assert.Equal(t, schema.StatePartial, partial.ExecutionState)
	require.NotNil(t, partial.Config)
	assert.Equal(t, []string{"transform", "store"}, partial.Config.TargetNodes)

	resume := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1", Action: schema.ActionResume,
	})
	require.True(t, resume.Success)
	assert.Equal(t, schema.StateRunning, resume.ExecutionState)

	// Resume consumed the stored config.
	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Nil(t, snap.PartialExecution)
}

func TestProcessor_PartialUnknownTarget(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	resp := proc.ConfigurePartial(context.Background(), "exec-1", schema.PartialParams{
		TargetNodes: []string{"transform", "bogus"},
	}, "op")

	require.False(t, resp.Success)
	assert.Equal(t, schema.ErrCodeInvalidTargetNode, resp.Error.Code)

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Nil(t, snap.PartialExecution)
	assert.Equal(t, schema.StateRunning, snap.EnhancedState)
}

func TestProcessor_SkipNodeKeepsState(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	pause := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1", Action: schema.ActionPause,
	})
	require.True(t, pause.Success)

	skip := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-1",
		Action:      schema.ActionSkipNode,
		Params:      schema.SkipNodeParams{NodeID: "store"},
	})
	require.True(t, skip.Success)
	assert.Equal(t, schema.StatePaused, skip.ExecutionState)

	snap, _ := proc.Registry().Snapshot("exec-1")
	var found bool
	for _, run := range snap.NodeRuns {
		if run.NodeID == "store" {
			found = true
			assert.Equal(t, schema.NodeRunSkipped, run.Status)
		}
	}
	assert.True(t, found)
}

func TestProcessor_ConcurrentPauseSingleWinner(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	const workers = 50
	var wg sync.WaitGroup
	results := make([]*schema.ControlResponse, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			results[i] = proc.Process(context.Background(), &schema.ControlRequest{
				ExecutionID: "exec-1", Action: schema.ActionPause,
			})
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		} else {
			assert.Equal(t, schema.ErrCodeInvalidTransition, r.Error.Code)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, source.dispatchCount())

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Len(t, snap.History, workers)
}

func TestProcessor_MonitorFilters(t *testing.T) {
	source := newFakeSource()
	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		source.snapshots[id] = runningSnapshot(id)
	}
	proc, _ := newTestProcessor(t, source)

	for _, id := range []string{"exec-1", "exec-2", "exec-3"} {
		_, err := proc.Track(context.Background(), id)
		require.NoError(t, err)
	}
	pause := proc.Process(context.Background(), &schema.ControlRequest{
		ExecutionID: "exec-2", Action: schema.ActionPause,
	})
	require.True(t, pause.Success)

	snaps, err := proc.Monitor(context.Background(), &schema.MonitorRequest{
		States: []schema.ExecutionState{schema.StatePaused},
	}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "exec-2", snaps[0].ExecutionID)
	assert.Contains(t, snaps[0].AvailableActions, schema.ActionResume)

	// Matcher narrows further.
	snaps, err = proc.Monitor(context.Background(), &schema.MonitorRequest{},
		func(s *schema.MonitoringSnapshot) (bool, error) {
			return s.ExecutionID == "exec-3", nil
		})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "exec-3", snaps[0].ExecutionID)

	// Matcher errors fail the query.
	_, err = proc.Monitor(context.Background(), &schema.MonitorRequest{},
		func(*schema.MonitoringSnapshot) (bool, error) {
			return false, errors.New("bad filter")
		})
	require.Error(t, err)
}

func TestProcessor_MonitorSkipsUnknownIDs(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	snaps, err := proc.Monitor(context.Background(), &schema.MonitorRequest{
		ExecutionIDs: []string{"exec-1", "ghost"},
	}, nil)
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "exec-1", snaps[0].ExecutionID)
}

func TestProcessor_History(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, _ := newTestProcessor(t, source)

	actions := []schema.Action{schema.ActionPause, schema.ActionResume, schema.ActionPause}
	for _, a := range actions {
		resp := proc.Process(context.Background(), &schema.ControlRequest{ExecutionID: "exec-1", Action: a})
		require.True(t, resp.Success)
	}

	history, err := proc.History("exec-1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, schema.ActionPause, history[0].Action)
	assert.Equal(t, schema.ActionResume, history[1].Action)

	limited, err := proc.History("exec-1", 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, schema.ActionResume, limited[0].Action)

	_, err = proc.History("ghost", 0)
	require.Error(t, err)
}

func TestProcessor_DispatchDueRetryPromotes(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, sink := newTestProcessor(t, source)

	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)
	forceState(t, proc, "exec-1", schema.StateFailed)

	resp := proc.Retry(context.Background(), "exec-1",
		schema.RetryParams{Strategy: schema.RetryImmediate}, "op")
	require.True(t, resp.Success)

	require.NoError(t, proc.DispatchDueRetry(context.Background(), "exec-1"))

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Equal(t, schema.StateRunning, snap.EnhancedState)
	assert.Len(t, sink.byType(schema.EventRetryDispatched), 1)
}

func TestProcessor_DispatchDueRetryFailsOnRejection(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-1"] = runningSnapshot("exec-1")
	proc, sink := newTestProcessor(t, source)

	_, err := proc.Track(context.Background(), "exec-1")
	require.NoError(t, err)
	forceState(t, proc, "exec-1", schema.StateFailed)

	resp := proc.Retry(context.Background(), "exec-1",
		schema.RetryParams{Strategy: schema.RetryImmediate}, "op")
	require.True(t, resp.Success)

	source.reject = "workflow was deleted"
	require.Error(t, proc.DispatchDueRetry(context.Background(), "exec-1"))

	snap, _ := proc.Registry().Snapshot("exec-1")
	assert.Equal(t, schema.StateFailed, snap.EnhancedState)
	assert.Len(t, sink.byType(schema.EventRetryExhausted), 1)
}

package control

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

// --- Batch Tests ---

func TestBatch_AllSucceed(t *testing.T) {
	source := newFakeSource()
	ids := make([]string, 5)
	for i := range ids {
		ids[i] = fmt.Sprintf("exec-%d", i)
		source.snapshots[ids[i]] = runningSnapshot(ids[i])
	}
	proc, _ := newTestProcessor(t, source)
	batch := NewBatchExecutor(proc, nil)

	resp := batch.Execute(context.Background(), &schema.BatchRequest{
		ExecutionIDs: ids,
		Action:       schema.ActionPause,
	})

	require.True(t, resp.Success)
	assert.Equal(t, 5, resp.Total)
	assert.Equal(t, 5, resp.Attempted)
	assert.Equal(t, 5, resp.Succeeded)
	assert.Equal(t, 0, resp.Failed)
	assert.Equal(t, 1.0, resp.SuccessRate)
	require.Len(t, resp.Results, 5)
}

func TestBatch_HaltsOnFirstFailure(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-0"] = runningSnapshot("exec-0")
	// exec-1 is paused, so pause fails on it.
	paused := runningSnapshot("exec-1")
	paused.Status = schema.StatePaused
	source.snapshots["exec-1"] = paused
	source.snapshots["exec-2"] = runningSnapshot("exec-2")

	proc, _ := newTestProcessor(t, source)
	batch := NewBatchExecutor(proc, nil)

	resp := batch.Execute(context.Background(), &schema.BatchRequest{
		ExecutionIDs: []string{"exec-0", "exec-1", "exec-2"},
		Action:       schema.ActionPause,
	})

	require.False(t, resp.Success)
	assert.Equal(t, 2, resp.Attempted)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 1, resp.NotAttempted)
	assert.Equal(t, 0.5, resp.SuccessRate)

	require.Len(t, resp.Results, 3)
	assert.False(t, resp.Results[2].Attempted)
	assert.Nil(t, resp.Results[2].Response)

	// exec-2 was never touched.
	snap, _ := proc.Registry().Snapshot("exec-2")
	assert.Equal(t, schema.StateRunning, snap.EnhancedState)
}

func TestBatch_ContinueOnFailure(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-0"] = runningSnapshot("exec-0")
	paused := runningSnapshot("exec-1")
	paused.Status = schema.StatePaused
	source.snapshots["exec-1"] = paused
	source.snapshots["exec-2"] = runningSnapshot("exec-2")

	proc, _ := newTestProcessor(t, source)
	batch := NewBatchExecutor(proc, nil)

	resp := batch.Execute(context.Background(), &schema.BatchRequest{
		ExecutionIDs:      []string{"exec-0", "exec-1", "exec-2"},
		Action:            schema.ActionPause,
		ContinueOnFailure: true,
	})

	require.False(t, resp.Success)
	assert.Equal(t, 3, resp.Attempted)
	assert.Equal(t, 2, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	assert.Equal(t, 0, resp.NotAttempted)
	assert.InDelta(t, 2.0/3.0, resp.SuccessRate, 0.001)
}

func TestBatch_SizeLimit(t *testing.T) {
	proc, _ := newTestProcessor(t, newFakeSource())
	batch := NewBatchExecutor(proc, nil)

	ids := make([]string, schema.MaxBatchSize+1)
	for i := range ids {
		ids[i] = fmt.Sprintf("exec-%d", i)
	}

	resp := batch.Execute(context.Background(), &schema.BatchRequest{
		ExecutionIDs: ids,
		Action:       schema.ActionPause,
	})

	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeBatchSize, resp.Error.Code)
	assert.Equal(t, 0, resp.Attempted)
	assert.Empty(t, resp.Results)
}

func TestBatch_EmptyRequest(t *testing.T) {
	proc, _ := newTestProcessor(t, newFakeSource())
	batch := NewBatchExecutor(proc, nil)

	resp := batch.Execute(context.Background(), &schema.BatchRequest{Action: schema.ActionPause})
	require.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, schema.ErrCodeValidation, resp.Error.Code)
}

func TestBatch_UnknownIDReportedPerItem(t *testing.T) {
	source := newFakeSource()
	source.snapshots["exec-0"] = runningSnapshot("exec-0")
	proc, _ := newTestProcessor(t, source)
	batch := NewBatchExecutor(proc, nil)

	resp := batch.Execute(context.Background(), &schema.BatchRequest{
		ExecutionIDs:      []string{"ghost", "exec-0"},
		Action:            schema.ActionPause,
		ContinueOnFailure: true,
	})

	require.False(t, resp.Success)
	assert.Equal(t, 1, resp.Succeeded)
	assert.Equal(t, 1, resp.Failed)
	require.NotNil(t, resp.Results[0].Response)
	assert.Equal(t, schema.ErrCodeNotFound, resp.Results[0].Response.Error.Code)
}

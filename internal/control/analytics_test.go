package control

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func analyzedContext(state schema.ExecutionState) *schema.ExecutionContext {
	return &schema.ExecutionContext{
		ExecutionID:   "exec-1",
		WorkflowID:    "wf-1",
		EnhancedState: state,
		Progress:      schema.Progress{PercentComplete: 100, CompletedNodes: 4, TotalNodes: 4},
		Metrics:       &schema.ExecutionMetrics{DurationMs: 2000, PeakMemoryMB: 256, AvgCPUPercent: 40},
		Graph: &schema.NodeGraph{
			Nodes: []schema.Node{
				{ID: "a", Name: "Extract"}, {ID: "b", Name: "Enrich"},
				{ID: "c", Name: "Score"}, {ID: "d", Name: "Load"},
			},
			Connections: []schema.Connection{
				{From: "a", To: "b"},
				{From: "a", To: "c"},
				{From: "b", To: "d"},
				{From: "c", To: "d"},
			},
		},
		NodeRuns: []schema.NodeRun{
			{NodeID: "a", Status: schema.NodeRunCompleted, DurationMs: 100},
			{NodeID: "b", Status: schema.NodeRunCompleted, DurationMs: 1500},
			{NodeID: "c", Status: schema.NodeRunCompleted, DurationMs: 200},
			{NodeID: "d", Status: schema.NodeRunCompleted, DurationMs: 200},
		},
		UpdatedAt: time.Now().UTC(),
	}
}

func analyzerWith(t *testing.T, ectx *schema.ExecutionContext) *Analyzer {
	t.Helper()
	registry := NewRegistry(nil)
	unlock := registry.Lock(ectx.ExecutionID)
	registry.Put(ectx)
	unlock()
	return NewAnalyzer(registry, nil)
}

// --- Analytics Tests ---

func TestAnalyzer_FullReport(t *testing.T) {
	a := analyzerWith(t, analyzedContext(schema.StateCompleted))

	report, err := a.Report(&schema.AnalyticsRequest{
		ExecutionID:          "exec-1",
		IncludePerformance:   true,
		IncludeOptimizations: true,
		IncludeErrors:        true,
	})
	require.NoError(t, err)
	require.True(t, report.Available)
	assert.Equal(t, int64(2000), report.TotalDurationMs)
	assert.Equal(t, 256.0, report.PeakMemoryMB)

	require.NotEmpty(t, report.NodeRanking)
	assert.Equal(t, "b", report.NodeRanking[0].NodeID)
	assert.Equal(t, "Enrich", report.NodeRanking[0].NodeName)
	assert.InDelta(t, 0.75, report.NodeRanking[0].ShareOfTotal, 0.001)

	require.NotNil(t, report.CriticalPath)
	assert.Equal(t, []string{"a", "b", "d"}, report.CriticalPath.Nodes)
	assert.Equal(t, int64(1800), report.CriticalPath.DurationMs)

	require.Len(t, report.Bottlenecks, 1)
	assert.Equal(t, "b", report.Bottlenecks[0].NodeID)
	assert.Equal(t, BottleneckThreshold, report.Bottlenecks[0].Threshold)

	require.NotEmpty(t, report.Suggestions)
	assert.Equal(t, "bottleneck", report.Suggestions[0].Type)
	assert.Empty(t, report.Errors)
}

func TestAnalyzer_UnavailableBelowThreshold(t *testing.T) {
	ectx := analyzedContext(schema.StateRunning)
	ectx.Progress.PercentComplete = 25
	a := analyzerWith(t, ectx)

	report, err := a.Report(&schema.AnalyticsRequest{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.False(t, report.Available)
	assert.NotEmpty(t, report.Reason)
	assert.Empty(t, report.NodeRanking)
}

func TestAnalyzer_AvailableMidRunPastThreshold(t *testing.T) {
	ectx := analyzedContext(schema.StateRunning)
	ectx.Progress.PercentComplete = 50
	a := analyzerWith(t, ectx)

	report, err := a.Report(&schema.AnalyticsRequest{ExecutionID: "exec-1", IncludePerformance: true})
	require.NoError(t, err)
	assert.True(t, report.Available)
}

func TestAnalyzer_UnknownExecution(t *testing.T) {
	a := NewAnalyzer(NewRegistry(nil), nil)
	_, err := a.Report(&schema.AnalyticsRequest{ExecutionID: "ghost"})
	require.Error(t, err)
}

func TestAnalyzer_ErrorsAndFlakySuggestion(t *testing.T) {
	ectx := analyzedContext(schema.StateFailed)
	ectx.NodeRuns[2] = schema.NodeRun{
		NodeID: "c", Status: schema.NodeRunFailed, DurationMs: 200,
		Error: "upstream 503", ErrorType: "http", RetryCount: 3,
	}
	a := analyzerWith(t, ectx)

	report, err := a.Report(&schema.AnalyticsRequest{
		ExecutionID:          "exec-1",
		IncludeErrors:        true,
		IncludeOptimizations: true,
	})
	require.NoError(t, err)
	require.Len(t, report.Errors, 1)
	assert.Equal(t, "c", report.Errors[0].NodeID)
	assert.Equal(t, 3, report.Errors[0].RetryCount)

	var flaky bool
	for _, s := range report.Suggestions {
		if s.Type == "flaky-node" {
			flaky = true
		}
	}
	assert.True(t, flaky)
}

func TestAnalyzer_DurationFromTimestamps(t *testing.T) {
	ectx := analyzedContext(schema.StateCompleted)
	ectx.Metrics = nil
	start := time.Now().UTC()
	end := start.Add(300 * time.Millisecond)
	for i := range ectx.NodeRuns {
		ectx.NodeRuns[i].DurationMs = 0
		ectx.NodeRuns[i].StartedAt = &start
		ectx.NodeRuns[i].FinishedAt = &end
	}
	a := analyzerWith(t, ectx)

	report, err := a.Report(&schema.AnalyticsRequest{ExecutionID: "exec-1", IncludePerformance: true})
	require.NoError(t, err)
	assert.Equal(t, int64(1200), report.TotalDurationMs)
	require.Len(t, report.NodeRanking, 4)
}

func TestAnalyzer_SuggestionsRankedByPriority(t *testing.T) {
	ectx := analyzedContext(schema.StateFailed)
	ectx.RetryInfo = &schema.RetryInfo{AttemptCount: 3, MaxAttempts: 3}
	ectx.Metrics.PeakMemoryMB = 2048
	a := analyzerWith(t, ectx)

	report, err := a.Report(&schema.AnalyticsRequest{
		ExecutionID:          "exec-1",
		IncludePerformance:   true,
		IncludeOptimizations: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, report.Suggestions)
	for i := 1; i < len(report.Suggestions); i++ {
		assert.LessOrEqual(t, report.Suggestions[i-1].Priority, report.Suggestions[i].Priority)
	}
}

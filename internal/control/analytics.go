package control

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// BottleneckThreshold is the share of total runtime above which a single node
// is flagged as a bottleneck.
const BottleneckThreshold = 0.2

// AnalyticsAvailableAt is the minimum completion percentage at which a
// non-terminal execution has enough data for a meaningful report.
const AnalyticsAvailableAt = 50.0

// Analyzer computes read-only performance reports from tracked execution
// contexts. It never mutates state and never talks to the source; everything
// is derived from the snapshot the registry already holds.
type Analyzer struct {
	registry *Registry
	logger   *slog.Logger
	clock    func() time.Time
}

// NewAnalyzer creates an analyzer over the registry.
func NewAnalyzer(registry *Registry, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		registry: registry,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Report builds the analytics view for one execution. Executions that are
// neither terminal nor past the completion threshold get Available=false with
// a reason instead of a partial report.
func (a *Analyzer) Report(req *schema.AnalyticsRequest) (*schema.AnalyticsReport, error) {
	ectx, ok := a.registry.Snapshot(req.ExecutionID)
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %q is not tracked", req.ExecutionID)
	}

	report := &schema.AnalyticsReport{
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		State:       ectx.EnhancedState,
		GeneratedAt: a.clock(),
	}

	if !ectx.EnhancedState.IsTerminal() && ectx.Progress.PercentComplete < AnalyticsAvailableAt {
		report.Available = false
		report.Reason = fmt.Sprintf("execution is %.0f%% complete; analytics requires a terminal state or at least %.0f%%",
			ectx.Progress.PercentComplete, AnalyticsAvailableAt)
		return report, nil
	}
	report.Available = true

	if ectx.Metrics != nil {
		report.TotalDurationMs = ectx.Metrics.DurationMs
		report.PeakMemoryMB = ectx.Metrics.PeakMemoryMB
		report.AvgCPUPercent = ectx.Metrics.AvgCPUPercent
	}

	durations, total := nodeDurations(ectx)
	if report.TotalDurationMs == 0 {
		report.TotalDurationMs = total
	}

	if req.IncludePerformance {
		report.NodeRanking = rankNodes(ectx, durations, total)
		report.CriticalPath = a.criticalPath(ectx, durations, total)
		report.Bottlenecks = findBottlenecks(durations, total)
	}
	if req.IncludeErrors {
		report.Errors = collectErrors(ectx)
	}
	if req.IncludeOptimizations {
		report.Suggestions = suggest(ectx, report)
	}
	return report, nil
}

// nodeDurations extracts per-node run durations in milliseconds and their sum.
func nodeDurations(ectx *schema.ExecutionContext) (map[string]int64, int64) {
	durations := make(map[string]int64, len(ectx.NodeRuns))
	var total int64
	for _, run := range ectx.NodeRuns {
		d := run.DurationMs
		if d == 0 && run.StartedAt != nil && run.FinishedAt != nil {
			d = run.FinishedAt.Sub(*run.StartedAt).Milliseconds()
		}
		if d > 0 {
			durations[run.NodeID] = d
			total += d
		}
	}
	return durations, total
}

// rankNodes orders nodes by duration, heaviest first.
func rankNodes(ectx *schema.ExecutionContext, durations map[string]int64, total int64) []schema.NodeTiming {
	if len(durations) == 0 {
		return nil
	}
	names := make(map[string]string)
	if ectx.Graph != nil {
		for _, n := range ectx.Graph.Nodes {
			names[n.ID] = n.Name
		}
	}

	ranking := make([]schema.NodeTiming, 0, len(durations))
	for id, d := range durations {
		timing := schema.NodeTiming{NodeID: id, NodeName: names[id], DurationMs: d}
		if total > 0 {
			timing.ShareOfTotal = float64(d) / float64(total)
		}
		ranking = append(ranking, timing)
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].DurationMs != ranking[j].DurationMs {
			return ranking[i].DurationMs > ranking[j].DurationMs
		}
		return ranking[i].NodeID < ranking[j].NodeID
	})
	return ranking
}

// criticalPath finds the heaviest dependency chain through the node graph.
func (a *Analyzer) criticalPath(ectx *schema.ExecutionContext, durations map[string]int64, total int64) *schema.CriticalPath {
	graph, err := BuildGraph(ectx.Graph)
	if err != nil {
		a.logger.Warn("critical path skipped, graph not analyzable",
			slog.String("execution_id", ectx.ExecutionID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	nodes, pathDuration := graph.LongestPath(durations)
	if len(nodes) == 0 {
		return nil
	}
	cp := &schema.CriticalPath{Nodes: nodes, DurationMs: pathDuration}
	if total > 0 {
		cp.ShareOfTotal = float64(pathDuration) / float64(total)
	}
	return cp
}

// findBottlenecks flags nodes whose share of the total runtime crosses the
// threshold, heaviest first.
func findBottlenecks(durations map[string]int64, total int64) []schema.Bottleneck {
	if total <= 0 {
		return nil
	}
	var out []schema.Bottleneck
	for id, d := range durations {
		share := float64(d) / float64(total)
		if share >= BottleneckThreshold {
			out = append(out, schema.Bottleneck{
				NodeID:     id,
				DurationMs: d,
				Share:      share,
				Threshold:  BottleneckThreshold,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DurationMs != out[j].DurationMs {
			return out[i].DurationMs > out[j].DurationMs
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// collectErrors summarizes failed node runs.
func collectErrors(ectx *schema.ExecutionContext) []schema.NodeError {
	var out []schema.NodeError
	for _, run := range ectx.NodeRuns {
		if run.Status != schema.NodeRunFailed {
			continue
		}
		out = append(out, schema.NodeError{
			NodeID:     run.NodeID,
			ErrorType:  run.ErrorType,
			Message:    run.Error,
			RetryCount: run.RetryCount,
			Resolution: run.Resolution,
		})
	}
	return out
}

// suggest derives ranked optimization recommendations from the computed
// report. Priority 1 is highest.
func suggest(ectx *schema.ExecutionContext, report *schema.AnalyticsReport) []schema.Suggestion {
	var out []schema.Suggestion

	for _, b := range report.Bottlenecks {
		out = append(out, schema.Suggestion{
			Type: "bottleneck",
			Description: fmt.Sprintf("node %s consumed %.0f%% of the total runtime; consider splitting its work or caching its inputs",
				b.NodeID, b.Share*100),
			EstimatedImpact: fmt.Sprintf("up to %dms per run", b.DurationMs),
			Priority:        1,
		})
	}

	if report.CriticalPath != nil && report.CriticalPath.ShareOfTotal < 0.6 && len(report.NodeRanking) > 2 {
		out = append(out, schema.Suggestion{
			Type: "parallelism",
			Description: fmt.Sprintf("the critical path covers only %.0f%% of the total runtime; independent branches could run in parallel",
				report.CriticalPath.ShareOfTotal*100),
			Priority: 2,
		})
	}

	for _, e := range report.Errors {
		if e.RetryCount >= 2 {
			out = append(out, schema.Suggestion{
				Type: "flaky-node",
				Description: fmt.Sprintf("node %s needed %d retries; investigate the upstream dependency or raise its timeout",
					e.NodeID, e.RetryCount),
				Priority: 2,
			})
		}
	}

	if ectx.RetryInfo != nil && ectx.RetryInfo.AttemptCount >= ectx.RetryInfo.MaxAttempts {
		out = append(out, schema.Suggestion{
			Type:        "retry-exhausted",
			Description: "the retry budget is exhausted; the failure is likely deterministic and needs a workflow fix, not another retry",
			Priority:    1,
		})
	}

	if report.PeakMemoryMB > 1024 {
		out = append(out, schema.Suggestion{
			Type: "memory",
			Description: fmt.Sprintf("peak memory of %.0fMB is high; stream large payloads between nodes instead of buffering them",
				report.PeakMemoryMB),
			Priority: 3,
		})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

package control

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/rendis/gantry/pkg/schema"
)

// BatchExecutor applies one control action to many executions sequentially.
// Sequential on purpose: per-item dispatch already holds the per-execution
// lock, and a deterministic order makes halt-on-failure reproducible.
type BatchExecutor struct {
	processor *Processor
	logger    *slog.Logger
}

// NewBatchExecutor creates a batch executor over the processor.
func NewBatchExecutor(processor *Processor, logger *slog.Logger) *BatchExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &BatchExecutor{processor: processor, logger: logger}
}

// Execute runs the batch. Requests beyond MaxBatchSize are rejected outright
// with BATCH_SIZE_EXCEEDED before any item is attempted. Without
// ContinueOnFailure the first per-item failure halts the batch; remaining ids
// are reported as not attempted. Aggregate counts cover attempted ids only.
func (b *BatchExecutor) Execute(ctx context.Context, req *schema.BatchRequest) *schema.BatchResponse {
	total := len(req.ExecutionIDs)
	resp := &schema.BatchResponse{Action: req.Action, Total: total}

	if total == 0 {
		resp.Error = schema.NewError(schema.ErrCodeValidation, "batch request has no execution ids")
		return resp
	}
	if total > schema.MaxBatchSize {
		resp.Error = schema.NewErrorf(schema.ErrCodeBatchSize,
			"batch of %d executions exceeds the limit of %d", total, schema.MaxBatchSize)
		b.observe(req.Action, "rejected")
		return resp
	}

	batchID := uuid.New().String()
	b.logger.InfoContext(ctx, "batch started",
		slog.String("batch_id", batchID),
		slog.String("action", string(req.Action)),
		slog.Int("total", total),
		slog.Bool("continue_on_failure", req.ContinueOnFailure),
	)

	resp.Results = make([]schema.BatchItemResult, 0, total)
	halted := false

	for _, id := range req.ExecutionIDs {
		if halted {
			resp.Results = append(resp.Results, schema.BatchItemResult{ExecutionID: id, Attempted: false})
			resp.NotAttempted++
			continue
		}

		item := b.processor.Process(ctx, &schema.ControlRequest{
			ExecutionID: id,
			Action:      req.Action,
			RequestedBy: req.RequestedBy,
			Params:      req.Params,
		})
		resp.Results = append(resp.Results, schema.BatchItemResult{
			ExecutionID: id,
			Attempted:   true,
			Response:    item,
		})
		resp.Attempted++
		if item.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
			if !req.ContinueOnFailure {
				halted = true
			}
		}

		if ctx.Err() != nil {
			halted = true
		}
	}

	if resp.Attempted > 0 {
		resp.SuccessRate = float64(resp.Succeeded) / float64(resp.Attempted)
	}
	resp.Success = resp.Failed == 0 && resp.Attempted == resp.Total

	outcome := "success"
	if !resp.Success {
		outcome = "partial"
	}
	b.observe(req.Action, outcome)
	b.logger.InfoContext(ctx, "batch completed",
		slog.String("batch_id", batchID),
		slog.Int("succeeded", resp.Succeeded),
		slog.Int("failed", resp.Failed),
		slog.Int("not_attempted", resp.NotAttempted),
	)
	return resp
}

func (b *BatchExecutor) observe(action schema.Action, outcome string) {
	if b.processor.metrics != nil {
		b.processor.metrics.ObserveBatch(string(action), outcome)
	}
}

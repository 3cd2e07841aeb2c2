// Package scheduler runs gantry's background loops: the retry dispatcher
// that promotes due deferred retries, and the janitor that archives and
// evicts stale terminal contexts.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/gantry/internal/control"
	"github.com/rendis/gantry/internal/metrics"
	"github.com/rendis/gantry/internal/store"
	"github.com/rendis/gantry/pkg/schema"
)

// DefaultSweepInterval is how often the retry dispatcher scans for due retries.
const DefaultSweepInterval = 5 * time.Second

// RetryDispatcher polls the registry for retrying executions whose
// next-retry time has passed and dispatches the deferred resume.
type RetryDispatcher struct {
	processor *control.Processor
	interval  time.Duration
	logger    *slog.Logger
	cancel    context.CancelFunc
	done      chan struct{}
	mu        sync.Mutex

	inflightMu sync.Mutex
	inflight   map[string]struct{} // execution IDs currently dispatching (dedup)
}

// NewRetryDispatcher creates a RetryDispatcher. A non-positive interval
// falls back to DefaultSweepInterval.
func NewRetryDispatcher(processor *control.Processor, interval time.Duration, logger *slog.Logger) *RetryDispatcher {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryDispatcher{
		processor: processor,
		interval:  interval,
		logger:    logger,
		inflight:  make(map[string]struct{}),
	}
}

// Start launches the background sweep loop.
func (d *RetryDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return fmt.Errorf("retry dispatcher already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(sweepCtx)
	d.logger.Info("retry dispatcher started", slog.Duration("interval", d.interval))
	return nil
}

func (d *RetryDispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	// Run an initial sweep immediately.
	d.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Sweep(ctx)
		}
	}
}

// Sweep dispatches every due retry once. Returns how many were dispatched
// successfully.
func (d *RetryDispatcher) Sweep(ctx context.Context) int {
	due := d.processor.Registry().DueRetries(time.Now().UTC())
	dispatched := 0
	for _, executionID := range due {
		if !d.tryAcquire(executionID) {
			continue // already dispatching (dedup)
		}
		if err := d.processor.DispatchDueRetry(ctx, executionID); err != nil {
			d.logger.Error("retry dispatch failed",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
		} else {
			dispatched++
		}
		d.release(executionID)
	}
	return dispatched
}

// tryAcquire marks the execution as in-flight if it is not already.
func (d *RetryDispatcher) tryAcquire(executionID string) bool {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	if _, ok := d.inflight[executionID]; ok {
		return false
	}
	d.inflight[executionID] = struct{}{}
	return true
}

// release removes the execution from the in-flight set.
func (d *RetryDispatcher) release(executionID string) {
	d.inflightMu.Lock()
	defer d.inflightMu.Unlock()
	delete(d.inflight, executionID)
}

// Stop gracefully shuts down the dispatcher.
func (d *RetryDispatcher) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel == nil {
		return nil
	}

	d.cancel()
	<-d.done
	d.cancel = nil
	d.done = nil

	d.logger.Info("retry dispatcher stopped")
	return nil
}

// JanitorConfig tunes the archival sweep.
type JanitorConfig struct {
	// Retention is how long terminal contexts stay in memory after their
	// last update before the janitor archives and evicts them.
	Retention time.Duration
	// CronSpec is the sweep schedule in standard 5-field cron syntax.
	CronSpec string
}

// DefaultJanitorConfig returns a 24h retention swept every 10 minutes.
func DefaultJanitorConfig() JanitorConfig {
	return JanitorConfig{
		Retention: 24 * time.Hour,
		CronSpec:  "*/10 * * * *",
	}
}

// Janitor archives terminal contexts older than the retention window to the
// durable store, then evicts them from the registry. Checkpoints are
// archived alongside their execution.
type Janitor struct {
	registry *control.Registry
	store    store.Store
	events   control.EventSink
	metrics  *metrics.Metrics
	cfg      JanitorConfig
	schedule cron.Schedule
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
	mu       sync.Mutex
	clock    func() time.Time
}

// NewJanitor creates a Janitor. The cron spec is validated up front.
func NewJanitor(registry *control.Registry, s store.Store, events control.EventSink, m *metrics.Metrics, cfg JanitorConfig, logger *slog.Logger) (*Janitor, error) {
	defaults := DefaultJanitorConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}
	if cfg.CronSpec == "" {
		cfg.CronSpec = defaults.CronSpec
	}
	if logger == nil {
		logger = slog.Default()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.CronSpec)
	if err != nil {
		return nil, fmt.Errorf("parse janitor cron spec %q: %w", cfg.CronSpec, err)
	}

	return &Janitor{
		registry: registry,
		store:    s,
		events:   events,
		metrics:  m,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// NextRun returns the next sweep time after the given instant.
func (j *Janitor) NextRun(from time.Time) time.Time {
	return j.schedule.Next(from)
}

// Start launches the background archival loop.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	if j.done != nil {
		j.mu.Unlock()
		return fmt.Errorf("janitor already started")
	}

	sweepCtx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.mu.Unlock()

	go j.loop(sweepCtx)
	j.logger.Info("janitor started",
		slog.Duration("retention", j.cfg.Retention),
		slog.String("schedule", j.cfg.CronSpec),
	)
	return nil
}

func (j *Janitor) loop(ctx context.Context) {
	defer close(j.done)

	for {
		next := j.schedule.Next(j.clock())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			if _, err := j.Sweep(ctx); err != nil {
				j.logger.Error("janitor sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Stop gracefully shuts down the janitor.
func (j *Janitor) Stop() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cancel == nil {
		return nil
	}

	j.cancel()
	<-j.done
	j.cancel = nil
	j.done = nil

	j.logger.Info("janitor stopped")
	return nil
}

// Sweep archives and evicts every terminal context older than the retention
// window. Returns how many contexts were archived.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	cutoff := j.clock().Add(-j.cfg.Retention)
	stale := j.registry.TerminalBefore(cutoff)

	archived := 0
	var firstErr error
	for _, executionID := range stale {
		if err := j.archive(ctx, executionID, cutoff); err != nil {
			j.logger.Error("archive failed",
				slog.String("execution_id", executionID),
				slog.String("error", err.Error()),
			)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		archived++
	}

	if archived > 0 {
		j.metrics.SetTrackedContexts(j.registry.Len())
		j.logger.Info("janitor sweep archived contexts", slog.Int("count", archived))
	}
	return archived, firstErr
}

// archive freezes one context into the store and evicts it. The state is
// re-checked under the lock; a context revived since the scan is skipped.
func (j *Janitor) archive(ctx context.Context, executionID string, cutoff time.Time) error {
	unlock := j.registry.Lock(executionID)
	defer unlock()

	ectx, ok := j.registry.Get(executionID)
	if !ok {
		return nil
	}
	if !ectx.EnhancedState.IsTerminal() || !ectx.UpdatedAt.Before(cutoff) {
		return nil // revived since the sweep selected it
	}

	frozen := ectx.Clone()
	raw, err := json.Marshal(frozen)
	if err != nil {
		return fmt.Errorf("freeze context %q: %w", executionID, err)
	}

	now := j.clock()
	if err := j.store.ArchiveExecution(ctx, &store.ArchivedExecution{
		ExecutionID: executionID,
		WorkflowID:  ectx.WorkflowID,
		Source:      ectx.Source,
		FinalState:  string(ectx.EnhancedState),
		Context:     raw,
		ArchivedAt:  now,
	}); err != nil {
		return err
	}

	for _, cp := range frozen.Checkpoints {
		snapshot, merr := json.Marshal(cp)
		if merr != nil {
			j.logger.Warn("checkpoint freeze failed",
				slog.String("checkpoint_id", cp.CheckpointID),
				slog.String("error", merr.Error()),
			)
			continue
		}
		if aerr := j.store.ArchiveCheckpoint(ctx, &store.ArchivedCheckpoint{
			CheckpointID: cp.CheckpointID,
			ExecutionID:  executionID,
			Description:  cp.Description,
			Snapshot:     snapshot,
			Digest:       cp.Digest,
			CreatedAt:    cp.Timestamp,
			ArchivedAt:   now,
		}); aerr != nil {
			j.logger.Warn("checkpoint archive failed",
				slog.String("checkpoint_id", cp.CheckpointID),
				slog.String("error", aerr.Error()),
			)
		}
	}

	j.registry.Remove(executionID)
	j.metrics.ObserveArchived()

	j.publish(ctx, ectx, schema.EventContextArchived)
	j.publish(ctx, ectx, schema.EventContextEvicted)

	j.logger.Info("context archived",
		slog.String("execution_id", executionID),
		slog.String("final_state", string(ectx.EnhancedState)),
		slog.Int("checkpoints", len(frozen.Checkpoints)),
	)
	return nil
}

func (j *Janitor) publish(ctx context.Context, ectx *schema.ExecutionContext, eventType string) {
	if j.events == nil {
		return
	}
	ev := &schema.ControlEvent{
		EventID:     uuid.New().String(),
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		Type:        eventType,
		FromState:   ectx.EnhancedState,
		ToState:     ectx.EnhancedState,
		OccurredAt:  j.clock(),
	}
	if err := j.events.Publish(ctx, ev); err != nil {
		j.logger.Warn("janitor event publish failed",
			slog.String("execution_id", ectx.ExecutionID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

package control

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/gantry/pkg/schema"
)

// CheckpointManager captures and restores point-in-time snapshots of an
// execution's progress. Checkpoints are immutable once created; restoring
// rewrites the owning context's node-state view, never the checkpoint.
type CheckpointManager struct {
	registry *Registry
	events   EventSink
	logger   *slog.Logger
	clock    func() time.Time
}

// NewCheckpointManager creates a checkpoint manager over the given registry.
func NewCheckpointManager(registry *Registry, events EventSink, logger *slog.Logger) *CheckpointManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &CheckpointManager{
		registry: registry,
		events:   events,
		logger:   logger,
		clock:    func() time.Time { return time.Now().UTC() },
	}
}

// Create snapshots the context's current completed nodes and per-node states.
// Returns Created=false with a reason (not an error) when the execution has no
// context yet or is in a state where a snapshot is meaningless. Callers are
// expected to branch on Created.
func (m *CheckpointManager) Create(ctx context.Context, executionID, description string, metadata map[string]any) *schema.CheckpointResult {
	unlock := m.registry.Lock(executionID)
	defer unlock()

	ectx, ok := m.registry.Get(executionID)
	if !ok {
		return &schema.CheckpointResult{
			Created: false,
			Reason:  "execution is not tracked",
		}
	}
	if ectx.EnhancedState == schema.StatePending && ectx.Progress.CompletedNodes == 0 {
		return &schema.CheckpointResult{
			Created: false,
			Reason:  "execution is pending with no progress to snapshot",
		}
	}

	now := m.clock()
	cp := &schema.Checkpoint{
		CheckpointID:   uuid.New().String(),
		ExecutionID:    executionID,
		Description:    description,
		Timestamp:      now,
		CompletedNodes: ectx.CompletedNodeIDs(),
		NodeStates:     cloneNodeRunsFor(ectx),
		Progress:       ectx.Progress,
		Metadata:       metadata,
	}
	if ectx.Metrics != nil {
		metricsCopy := *ectx.Metrics
		cp.Metrics = &metricsCopy
	}
	cp.Digest = checkpointDigest(cp)

	ectx.Checkpoints = append(ectx.Checkpoints, cp)
	ectx.UpdatedAt = now

	m.publish(ctx, ectx, schema.EventCheckpointCreated, map[string]any{
		"checkpoint_id":   cp.CheckpointID,
		"completed_nodes": len(cp.CompletedNodes),
	})
	m.logger.InfoContext(ctx, "checkpoint created",
		slog.String("execution_id", executionID),
		slog.String("checkpoint_id", cp.CheckpointID),
		slog.Int("completed_nodes", len(cp.CompletedNodes)),
	)

	return &schema.CheckpointResult{Created: true, Checkpoint: cp.Clone()}
}

// Restore rewrites the owning context's completed-node and node-state view to
// the checkpoint's snapshot. With preserveProgress, metrics accumulated after
// the checkpoint are retained even though the execution position rewinds; with
// preserveProgress false, progress counters are reset to the checkpoint's
// values as well. The enhanced state is never changed here; callers must issue
// a resume to continue from the restored point. Returns Restored=false when
// the checkpoint id is unknown.
func (m *CheckpointManager) Restore(ctx context.Context, checkpointID string, preserveProgress bool) *schema.RestoreResult {
	executionID, ok := m.findOwner(checkpointID)
	if !ok {
		return &schema.RestoreResult{
			Restored:         false,
			CheckpointID:     checkpointID,
			PreserveProgress: preserveProgress,
			Message:          "checkpoint not found",
		}
	}

	unlock := m.registry.Lock(executionID)
	defer unlock()

	ectx, ok := m.registry.Get(executionID)
	if !ok {
		return &schema.RestoreResult{
			Restored:         false,
			CheckpointID:     checkpointID,
			PreserveProgress: preserveProgress,
			Message:          "owning execution was evicted",
		}
	}

	var cp *schema.Checkpoint
	for _, candidate := range ectx.Checkpoints {
		if candidate.CheckpointID == checkpointID {
			cp = candidate
			break
		}
	}
	if cp == nil {
		return &schema.RestoreResult{
			Restored:         false,
			CheckpointID:     checkpointID,
			PreserveProgress: preserveProgress,
			Message:          "checkpoint not found",
		}
	}

	if digest := checkpointDigest(cp); cp.Digest != "" && digest != cp.Digest {
		m.logger.ErrorContext(ctx, "checkpoint digest mismatch",
			slog.String("checkpoint_id", checkpointID),
			slog.String("execution_id", executionID),
		)
		return &schema.RestoreResult{
			Restored:         false,
			CheckpointID:     checkpointID,
			ExecutionID:      executionID,
			PreserveProgress: preserveProgress,
			Message:          "checkpoint failed integrity verification",
		}
	}

	restored := cp.Clone()
	ectx.NodeRuns = restored.NodeStates
	if !preserveProgress {
		ectx.Progress = restored.Progress
		if restored.Metrics != nil {
			metricsCopy := *restored.Metrics
			ectx.Metrics = &metricsCopy
		}
	}
	ectx.UpdatedAt = m.clock()

	m.publish(ctx, ectx, schema.EventCheckpointRestored, map[string]any{
		"checkpoint_id":     checkpointID,
		"preserve_progress": preserveProgress,
	})
	m.logger.InfoContext(ctx, "checkpoint restored",
		slog.String("execution_id", executionID),
		slog.String("checkpoint_id", checkpointID),
		slog.Bool("preserve_progress", preserveProgress),
	)

	return &schema.RestoreResult{
		Restored:         true,
		CheckpointID:     checkpointID,
		ExecutionID:      executionID,
		PreserveProgress: preserveProgress,
		Message:          "node state restored; issue a resume to continue from this point",
	}
}

// List returns clones of the checkpoints recorded for an execution.
func (m *CheckpointManager) List(executionID string) []*schema.Checkpoint {
	snap, ok := m.registry.Snapshot(executionID)
	if !ok {
		return nil
	}
	return snap.Checkpoints
}

// findOwner scans tracked executions for the one owning the checkpoint.
// Checkpoints are exclusively owned, so the first match is the only match.
func (m *CheckpointManager) findOwner(checkpointID string) (string, bool) {
	for _, id := range m.registry.IDs() {
		unlock := m.registry.Lock(id)
		ectx, ok := m.registry.Get(id)
		if ok {
			for _, cp := range ectx.Checkpoints {
				if cp.CheckpointID == checkpointID {
					unlock()
					return id, true
				}
			}
		}
		unlock()
	}
	return "", false
}

func (m *CheckpointManager) publish(ctx context.Context, ectx *schema.ExecutionContext, eventType string, payload map[string]any) {
	if m.events == nil {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = nil
	}
	ev := &schema.ControlEvent{
		EventID:     uuid.New().String(),
		ExecutionID: ectx.ExecutionID,
		WorkflowID:  ectx.WorkflowID,
		Type:        eventType,
		FromState:   ectx.EnhancedState,
		ToState:     ectx.EnhancedState,
		Payload:     raw,
		OccurredAt:  m.clock(),
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.WarnContext(ctx, "checkpoint event publish failed",
			slog.String("execution_id", ectx.ExecutionID),
			slog.String("event_type", eventType),
			slog.String("error", err.Error()),
		)
	}
}

// checkpointDigest computes the SHA-256 integrity digest over the snapshot
// content. The digest field itself is excluded from the hash input.
func checkpointDigest(cp *schema.Checkpoint) string {
	input := struct {
		ExecutionID    string           `json:"execution_id"`
		CompletedNodes []string         `json:"completed_nodes"`
		NodeStates     []schema.NodeRun `json:"node_states"`
		Timestamp      time.Time        `json:"timestamp"`
	}{
		ExecutionID:    cp.ExecutionID,
		CompletedNodes: cp.CompletedNodes,
		NodeStates:     cp.NodeStates,
		Timestamp:      cp.Timestamp,
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func cloneNodeRunsFor(ectx *schema.ExecutionContext) []schema.NodeRun {
	clone := ectx.Clone()
	return clone.NodeRuns
}

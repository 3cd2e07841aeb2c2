package control

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/gantry/pkg/schema"
)

func putContext(r *Registry, id string, state schema.ExecutionState) *schema.ExecutionContext {
	ectx := &schema.ExecutionContext{
		ExecutionID:   id,
		EnhancedState: state,
		UpdatedAt:     time.Now().UTC(),
	}
	unlock := r.Lock(id)
	r.Put(ectx)
	unlock()
	return ectx
}

// --- Registry Tests ---

func TestRegistry_PutGetRemove(t *testing.T) {
	r := NewRegistry(nil)
	putContext(r, "exec-1", schema.StateRunning)

	unlock := r.Lock("exec-1")
	ectx, ok := r.Get("exec-1")
	unlock()
	require.True(t, ok)
	assert.Equal(t, "exec-1", ectx.ExecutionID)
	assert.Equal(t, 1, r.Len())

	unlock = r.Lock("exec-1")
	r.Remove("exec-1")
	unlock()
	assert.Equal(t, 0, r.Len())

	_, ok = r.Snapshot("exec-1")
	assert.False(t, ok)
}

func TestRegistry_SnapshotIsDeepCopy(t *testing.T) {
	r := NewRegistry(nil)
	live := putContext(r, "exec-1", schema.StateRunning)
	live.RetryInfo = &schema.RetryInfo{AttemptCount: 1, MaxAttempts: 3}

	snap, ok := r.Snapshot("exec-1")
	require.True(t, ok)

	snap.EnhancedState = schema.StateFailed
	snap.RetryInfo.AttemptCount = 99

	assert.Equal(t, schema.StateRunning, live.EnhancedState)
	assert.Equal(t, 1, live.RetryInfo.AttemptCount)
}

func TestRegistry_LockSerializesPerID(t *testing.T) {
	r := NewRegistry(nil)
	putContext(r, "exec-1", schema.StateRunning)

	var counter int
	const workers = 100
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			unlock := r.Lock("exec-1")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, workers, counter)
}

func TestRegistry_LockEntriesAreReclaimed(t *testing.T) {
	r := NewRegistry(nil)
	for i := 0; i < 100; i++ {
		unlock := r.Lock("probe")
		unlock()
	}
	r.locks.mu.Lock()
	defer r.locks.mu.Unlock()
	assert.Empty(t, r.locks.entries)
}

func TestRegistry_DueRetries(t *testing.T) {
	r := NewRegistry(nil)
	now := time.Now().UTC()
	past := now.Add(-time.Second)
	future := now.Add(time.Hour)

	due := putContext(r, "due", schema.StateRetrying)
	due.RetryInfo = &schema.RetryInfo{NextRetryAt: &past}

	notDue := putContext(r, "not-due", schema.StateRetrying)
	notDue.RetryInfo = &schema.RetryInfo{NextRetryAt: &future}

	putContext(r, "running", schema.StateRunning)

	noSchedule := putContext(r, "no-schedule", schema.StateRetrying)
	noSchedule.RetryInfo = &schema.RetryInfo{}

	ids := r.DueRetries(now)
	assert.Equal(t, []string{"due"}, ids)
}

func TestRegistry_TerminalBefore(t *testing.T) {
	r := NewRegistry(nil)
	cutoff := time.Now().UTC().Add(-24 * time.Hour)

	old := putContext(r, "old-completed", schema.StateCompleted)
	old.UpdatedAt = cutoff.Add(-time.Hour)

	fresh := putContext(r, "fresh-completed", schema.StateCompleted)
	fresh.UpdatedAt = time.Now().UTC()

	oldRunning := putContext(r, "old-running", schema.StateRunning)
	oldRunning.UpdatedAt = cutoff.Add(-time.Hour)

	ids := r.TerminalBefore(cutoff)
	assert.Equal(t, []string{"old-completed"}, ids)
}

package control

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/gantry/pkg/schema"
)

// keyedMutex provides one mutex per execution id. Entries are reference
// counted and removed once no goroutine holds or waits on them, so probing
// unknown ids does not grow the map forever.
type keyedMutex struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{entries: make(map[string]*lockEntry)}
}

func (k *keyedMutex) lock(key string) *lockEntry {
	k.mu.Lock()
	e := k.entries[key]
	if e == nil {
		e = &lockEntry{}
		k.entries[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return e
}

func (k *keyedMutex) unlock(key string, e *lockEntry) {
	e.mu.Unlock()

	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
	k.mu.Unlock()
}

// Registry is the execution context store: an in-memory table keyed by
// execution id, plus the per-id locks that serialize mutating operations.
// It is constructed once and injected; tests instantiate isolated copies.
//
// Locking discipline: context fields are read or written only while holding
// the per-id lock (Lock/Snapshot). The registry's own mutex guards the map,
// never the contexts.
type Registry struct {
	locks    *keyedMutex
	mu       sync.RWMutex
	contexts map[string]*schema.ExecutionContext
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		locks:    newKeyedMutex(),
		contexts: make(map[string]*schema.ExecutionContext),
		logger:   logger,
	}
}

// Lock acquires the per-execution lock and returns its release func. The
// lock is acquired before any existence check, which is what makes lazy
// get-or-create race-free.
func (r *Registry) Lock(executionID string) func() {
	e := r.locks.lock(executionID)
	return func() { r.locks.unlock(executionID, e) }
}

// Get returns the live context for the id. The caller must hold the
// per-execution lock.
func (r *Registry) Get(executionID string) (*schema.ExecutionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ectx, ok := r.contexts[executionID]
	return ectx, ok
}

// Put registers a context. The caller must hold the per-execution lock.
func (r *Registry) Put(ectx *schema.ExecutionContext) {
	r.mu.Lock()
	r.contexts[ectx.ExecutionID] = ectx
	r.mu.Unlock()
}

// Remove evicts a context. The caller must hold the per-execution lock.
func (r *Registry) Remove(executionID string) {
	r.mu.Lock()
	delete(r.contexts, executionID)
	r.mu.Unlock()
}

// Snapshot returns a deep copy of the context taken under the per-execution
// lock, so concurrent mutations never produce a torn read.
func (r *Registry) Snapshot(executionID string) (*schema.ExecutionContext, bool) {
	unlock := r.Lock(executionID)
	defer unlock()

	ectx, ok := r.Get(executionID)
	if !ok {
		return nil, false
	}
	return ectx.Clone(), true
}

// IDs returns the ids of all tracked executions.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.contexts))
	for id := range r.contexts {
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of tracked executions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// DueRetries returns ids of executions in retrying whose NextRetryAt has
// passed. Each candidate is inspected under its own lock.
func (r *Registry) DueRetries(now time.Time) []string {
	var due []string
	for _, id := range r.IDs() {
		unlock := r.Lock(id)
		ectx, ok := r.Get(id)
		if ok && ectx.EnhancedState == schema.StateRetrying &&
			ectx.RetryInfo != nil && ectx.RetryInfo.NextRetryAt != nil &&
			!ectx.RetryInfo.NextRetryAt.After(now) {
			due = append(due, id)
		}
		unlock()
	}
	return due
}

// TerminalBefore returns ids of executions in a terminal state whose last
// update is older than the cutoff. Used by the janitor to select archive
// candidates.
func (r *Registry) TerminalBefore(cutoff time.Time) []string {
	var stale []string
	for _, id := range r.IDs() {
		unlock := r.Lock(id)
		ectx, ok := r.Get(id)
		if ok && ectx.EnhancedState.IsTerminal() && ectx.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
		unlock()
	}
	return stale
}

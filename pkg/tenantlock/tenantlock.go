package tenantlock

import (
	"sync"
)

// Registry is an in-process guard against running the same job kind twice
// for the same tenant. It is a courtesy lock, not a distributed one: each
// tenant's jobs are expected to run from a single controlling process.
type Registry struct {
	mtx    sync.Mutex
	guards map[key]struct{}
}

type key struct {
	tenantID string
	jobKind  string
}

func NewRegistry() *Registry {
	return &Registry{
		guards: make(map[key]struct{}),
	}
}

// TryAcquire returns false immediately if a run already owns the
// (tenantID, jobKind) pair. There is no blocking and no queueing.
func (r *Registry) TryAcquire(tenantID string, jobKind string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	k := key{tenantID: tenantID, jobKind: jobKind}
	if _, ok := r.guards[k]; ok {
		return false
	}
	r.guards[k] = struct{}{}
	return true
}

// Release removes the guard for the pair. Releasing an absent guard is a no-op.
func (r *Registry) Release(tenantID string, jobKind string) {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	delete(r.guards, key{tenantID: tenantID, jobKind: jobKind})
}

// Held reports whether a run currently owns the pair.
func (r *Registry) Held(tenantID string, jobKind string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	_, ok := r.guards[key{tenantID: tenantID, jobKind: jobKind}]
	return ok
}

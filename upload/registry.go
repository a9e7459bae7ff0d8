package upload

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// Handle is the one-way cancellation flag of an active upload.
type Handle struct {
	cancelled atomic.Bool
}

func (h *Handle) Cancel() {
	h.cancelled.Store(true)
}

func (h *Handle) Cancelled() bool {
	return h.cancelled.Load()
}

// Registry tracks the active uploads of a process by id.
// Entries are created and removed by the Coordinator; other callers may only look up, list and cancel.
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{handles: map[string]*Handle{}}
}

func (r *Registry) register(id string) (*Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[id]; ok {
		return nil, fmt.Errorf("%w: upload %s is already active", ErrInvalidConfiguration, id)
	}
	h := &Handle{}
	r.handles[id] = h
	return h, nil
}

// removeIf deletes the entry only while it still belongs to h, so a finished job
// never removes a newer upload registered under the same id.
func (r *Registry) removeIf(id string, h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.handles[id] == h {
		delete(r.handles, id)
	}
}

// Lookup returns the handle of an active upload.
func (r *Registry) Lookup(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handles[id]
	return h, ok
}

// Cancel signals the upload and removes it from the registry.
// It returns false if no upload with the id is active.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.handles[id]
	if !ok {
		return false
	}
	h.Cancel()
	delete(r.handles, id)
	return true
}

// IDs returns the sorted ids of the active uploads.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.handles))
	for id := range r.handles {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

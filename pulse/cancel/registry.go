// Package cancel tracks the cancel functions of in-flight captures so that a
// single job can be stopped without touching the scheduler or other jobs.
package cancel

import (
	"context"
	"strings"
	"sync"
)

// Registry maps job ids to the cancel function of their running capture.
type Registry struct {
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancels: make(map[string]context.CancelFunc)}
}

// Register stores cancel under jobID, replacing any earlier entry.
// Blank ids and nil functions are ignored.
func (r *Registry) Register(jobID string, cancel context.CancelFunc) {
	if strings.TrimSpace(jobID) == "" || cancel == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

// Unregister drops the entry for jobID without invoking it.
func (r *Registry) Unregister(jobID string) {
	if strings.TrimSpace(jobID) == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, jobID)
}

// Cancel invokes the cancel function registered for jobID. It reports
// whether one was found.
func (r *Registry) Cancel(jobID string) bool {
	if strings.TrimSpace(jobID) == "" {
		return false
	}
	r.mu.Lock()
	cancel, ok := r.cancels[jobID]
	r.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// IsRegistered reports whether a capture is registered under jobID.
func (r *Registry) IsRegistered(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancels[jobID]
	return ok
}

// Len returns the number of registered captures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cancels)
}

package agent

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrWorkerNotFound is returned when an id is not registered.
	ErrWorkerNotFound = errors.New("worker not found")
	// ErrDuplicateWorker is returned when an id is registered twice.
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Registry maps stable worker ids to constructed workers.
type Registry struct {
	workers map[string]Worker
	order   []string
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{workers: make(map[string]Worker)}
}

// Register adds a worker under its id.
func (r *Registry) Register(w Worker) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workers[w.ID()]; ok {
		return fmt.Errorf("register %s: %w", w.ID(), ErrDuplicateWorker)
	}
	r.workers[w.ID()] = w
	r.order = append(r.order, w.ID())
	return nil
}

// Get returns a worker by id.
func (r *Registry) Get(id string) (Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// List returns every worker in registration order.
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id])
	}
	return out
}

// Resolve looks up each id in order. An empty list resolves to every worker.
func (r *Registry) Resolve(ids []string) ([]Worker, error) {
	if len(ids) == 0 {
		return r.List(), nil
	}
	out := make([]Worker, 0, len(ids))
	for _, id := range ids {
		w, ok := r.Get(id)
		if !ok {
			return nil, fmt.Errorf("resolve %s: %w", id, ErrWorkerNotFound)
		}
		out = append(out, w)
	}
	return out, nil
}

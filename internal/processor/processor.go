// Package processor binds task types to the capability that executes them.
// The scheduler dispatches purely through the registry, so a new task kind
// is a new Processor implementation plus one Register call.
package processor

import (
	"context"
	"sync"

	"github.com/voxqueue/voxqueue/internal/task"
)

type Processor interface {
	Type() task.Type
	// Validate rejects configs this processor cannot execute. Called at
	// submission time, before the task is persisted.
	Validate(cfg task.Config) error
	Process(ctx context.Context, t *task.Task) (*task.Result, error)
}

type Registry struct {
	mu    sync.RWMutex
	procs map[task.Type]Processor
}

func NewRegistry() *Registry {
	return &Registry{procs: make(map[task.Type]Processor)}
}

func (r *Registry) Register(p Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs[p.Type()] = p
}

func (r *Registry) Get(t task.Type) (Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.procs[t]
	return p, ok
}

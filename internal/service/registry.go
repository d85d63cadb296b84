package service

import (
	"context"
	"fmt"
	"sync"
)

type unit struct {
	cancel context.CancelCauseFunc
	wake   chan struct{}
}

// Registry tracks the background units running in this process, keyed by job
// or pipeline id. It is the cancel handle reset and the reaper use, and the
// wake channel provider callbacks use to trigger an early poll.
type Registry struct {
	mu    sync.Mutex
	units map[string]*unit
}

func NewRegistry() *Registry {
	return &Registry{units: make(map[string]*unit)}
}

// Start registers id and returns a context cancelled by Cancel, the wake
// channel, and a release func that must be called when the unit ends.
func (r *Registry) Start(parent context.Context, id string) (context.Context, <-chan struct{}, func(), error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.units[id]; ok {
		return nil, nil, nil, fmt.Errorf("unit %s: %w", id, ErrAlreadyRunning)
	}

	ctx, cancel := context.WithCancelCause(parent)
	u := &unit{cancel: cancel, wake: make(chan struct{}, 1)}
	r.units[id] = u

	release := func() {
		r.mu.Lock()
		if r.units[id] == u {
			delete(r.units, id)
		}
		r.mu.Unlock()
		cancel(nil)
	}
	return ctx, u.wake, release, nil
}

// Cancel signals the unit to stop with cause. It reports whether a unit was
// running here.
func (r *Registry) Cancel(id string, cause error) bool {
	r.mu.Lock()
	u, ok := r.units[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	u.cancel(cause)
	return true
}

// Wake asks the unit to poll now. Never blocks.
func (r *Registry) Wake(id string) bool {
	r.mu.Lock()
	u, ok := r.units[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case u.wake <- struct{}{}:
	default:
	}
	return true
}

func (r *Registry) Running(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.units[id]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.units)
}

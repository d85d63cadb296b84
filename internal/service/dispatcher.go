package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/makeasinger/songforge/internal/logger"
)

// Dispatcher starts background units and cancels them.
type Dispatcher interface {
	DispatchJob(ctx context.Context, jobID string) error
	DispatchPipeline(ctx context.Context, pipelineID string) error
	Cancel(ctx context.Context, id string) error
}

// RunFunc is the body of a background unit.
type RunFunc func(ctx context.Context, id string) error

// LocalDispatcher runs every unit as a goroutine of this process.
type LocalDispatcher struct {
	base     context.Context
	registry *Registry
	log      *logger.Logger

	mu          sync.RWMutex
	runJob      RunFunc
	runPipeline RunFunc
	wg          sync.WaitGroup
}

// NewLocalDispatcher runs units under base; cancelling base stops them all.
func NewLocalDispatcher(base context.Context, registry *Registry, log *logger.Logger) *LocalDispatcher {
	return &LocalDispatcher{
		base:     base,
		registry: registry,
		log:      log.With("component", "LocalDispatcher"),
	}
}

// Bind sets the unit bodies. Services and dispatcher reference each other,
// so binding happens after both exist.
func (d *LocalDispatcher) Bind(runJob, runPipeline RunFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.runJob = runJob
	d.runPipeline = runPipeline
}

func (d *LocalDispatcher) DispatchJob(ctx context.Context, jobID string) error {
	return d.spawn("job", jobID, func() RunFunc { return d.runJob })
}

func (d *LocalDispatcher) DispatchPipeline(ctx context.Context, pipelineID string) error {
	return d.spawn("pipeline", pipelineID, func() RunFunc { return d.runPipeline })
}

func (d *LocalDispatcher) spawn(kind, id string, get func() RunFunc) error {
	d.mu.RLock()
	run := get()
	d.mu.RUnlock()
	if run == nil {
		return fmt.Errorf("no %s runner bound", kind)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := protect(func() error { return run(d.base, id) })
		var panicErr *PanicError
		switch {
		case errors.As(err, &panicErr):
			d.log.Error("background unit panicked", "kind", kind, "id", id, "panic", panicErr.Value, "stack", string(panicErr.Stack))
		case err != nil && !errors.Is(err, ErrTerminalState):
			d.log.Warn("background unit ended with error", "kind", kind, "id", id, "error", err)
		}
	}()
	return nil
}

func (d *LocalDispatcher) Cancel(ctx context.Context, id string) error {
	d.registry.Cancel(id, ErrCanceled)
	return nil
}

// Wait blocks until every spawned unit returned.
func (d *LocalDispatcher) Wait() {
	d.wg.Wait()
}

// protect runs fn and turns a panic into a *PanicError.
func protect(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

package events

import (
	"context"
	"sync"
	"time"

	"github.com/makeasinger/songforge/internal/model"
)

const (
	KindJob      = "job"
	KindPipeline = "pipeline"
)

// Event is a change notification for one job or pipeline row.
type Event struct {
	Kind        string          `json:"kind"`
	ID          string          `json:"id"`
	OwnerID     string          `json:"ownerId"`
	Status      model.JobStatus `json:"status"`
	Progress    int             `json:"progress"`
	CurrentStep string          `json:"currentStep,omitempty"`
	Error       string          `json:"error,omitempty"`
	At          time.Time       `json:"at"`
}

// Bus fans change events out to every server instance.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	StartForwarder(ctx context.Context, onEvent func(ev Event)) error
	Close() error
}

// LocalBus delivers events in-process. Used when Redis is not configured
// and in tests.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []func(Event)
}

func NewLocalBus() *LocalBus {
	return &LocalBus{}
}

func (b *LocalBus) Publish(ctx context.Context, ev Event) error {
	b.mu.RLock()
	handlers := append([]func(Event){}, b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
	return nil
}

func (b *LocalBus) StartForwarder(ctx context.Context, onEvent func(ev Event)) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, onEvent)
	b.mu.Unlock()
	return nil
}

func (b *LocalBus) Close() error { return nil }

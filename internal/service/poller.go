package service

import (
	"context"
	"errors"
	"time"

	"github.com/makeasinger/songforge/internal/client"
	"github.com/makeasinger/songforge/internal/logger"
	"github.com/makeasinger/songforge/internal/metrics"
)

// DefaultPollInterval is the spacing between provider status checks.
const DefaultPollInterval = 5 * time.Second

// Poller checks a provider task at a fixed interval until it finishes,
// fails, or the attempt budget is spent.
type Poller struct {
	interval time.Duration
	metrics  *metrics.Metrics
	log      *logger.Logger
}

func NewPoller(interval time.Duration, m *metrics.Metrics, log *logger.Logger) *Poller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Poller{
		interval: interval,
		metrics:  m,
		log:      log.With("component", "Poller"),
	}
}

func (p *Poller) Interval() time.Duration { return p.interval }

// PollSpec describes one polling run.
type PollSpec struct {
	Provider    client.Provider
	Kind        client.TaskKind
	TaskID      string
	MaxAttempts int

	// Wake triggers an immediate poll instead of waiting for the next tick.
	Wake <-chan struct{}

	// OnAttempt runs after every non-terminal attempt. An error aborts the run.
	OnAttempt func(attempt, maxAttempts int) error
}

// Run polls until an artifact is available. The first poll is immediate and
// each call is bounded by the interval, so Run returns within
// MaxAttempts x interval. Transient errors, including a body that does not
// decode, are logged and count as an attempt. An explicit failure or a
// decoded envelope with an unknown shape is terminal.
func (p *Poller) Run(ctx context.Context, spec PollSpec) (*client.Artifact, error) {
	maxAttempts := spec.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	log := p.log.With("provider", spec.Provider.Name(), "kind", spec.Kind, "taskId", spec.TaskID)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, context.Cause(ctx)
			case <-ticker.C:
			case <-spec.Wake:
				log.Debug("poll woken early", "attempt", attempt)
			}
		} else if ctx.Err() != nil {
			return nil, context.Cause(ctx)
		}

		callCtx, cancel := context.WithTimeout(ctx, p.interval)
		res, err := spec.Provider.Poll(callCtx, spec.Kind, spec.TaskID)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil, context.Cause(ctx)
			}
			var envErr *client.EnvelopeError
			if errors.As(err, &envErr) && !envErr.Unreadable() {
				p.metrics.PollAttempt(spec.Provider.Name(), "failed")
				return nil, &ProviderFailureError{Reason: envErr.Error()}
			}
			p.metrics.PollAttempt(spec.Provider.Name(), "error")
			log.Warn("poll failed, will retry", "attempt", attempt, "maxAttempts", maxAttempts, "error", err)
		} else if res == nil {
			p.metrics.PollAttempt(spec.Provider.Name(), "error")
			log.Warn("poll returned no result, will retry", "attempt", attempt, "maxAttempts", maxAttempts)
		} else {
			switch res.Status {
			case client.PollSucceeded:
				p.metrics.PollAttempt(spec.Provider.Name(), "succeeded")
				if res.Artifact == nil {
					return nil, &ProviderFailureError{Reason: "success reported without artifact"}
				}
				return res.Artifact, nil
			case client.PollFailed:
				p.metrics.PollAttempt(spec.Provider.Name(), "failed")
				reason := res.Reason
				if reason == "" {
					reason = "unknown provider error"
				}
				return nil, &ProviderFailureError{Reason: reason}
			default:
				p.metrics.PollAttempt(spec.Provider.Name(), "pending")
			}
		}

		if spec.OnAttempt != nil {
			if err := spec.OnAttempt(attempt, maxAttempts); err != nil {
				return nil, err
			}
		}
	}

	log.Warn("poll budget exhausted", "maxAttempts", maxAttempts)
	return nil, &PollTimeoutError{Attempts: maxAttempts}
}

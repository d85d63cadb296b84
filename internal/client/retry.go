package client

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/makeasinger/songforge/internal/logger"
)

// RetryPolicy bounds SubmitWithRetry.
type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

// DefaultRetryPolicy is three attempts, waiting base*attempt in between.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Base: time.Second}

// linearBackOff waits base, 2*base, 3*base, ...
type linearBackOff struct {
	base    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.base * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

// SubmitWithRetry submits req, retrying any failure with a linearly growing
// delay. Context cancellation and unsupported kinds are not retried.
// Exhaustion returns a *SubmissionError wrapping the last failure.
func SubmitWithRetry(ctx context.Context, p Provider, req *SubmitRequest, policy RetryPolicy, log *logger.Logger) (string, error) {
	if policy.Attempts <= 0 {
		policy.Attempts = DefaultRetryPolicy.Attempts
	}
	if !p.Supports(req.Kind) {
		return "", ErrUnsupportedTask
	}

	attempts := 0
	operation := func() (string, error) {
		attempts++
		taskID, err := p.Submit(ctx, req)
		if err == nil {
			return taskID, nil
		}
		if ctx.Err() != nil || errors.Is(err, ErrUnsupportedTask) || errors.Is(err, ErrNotConfigured) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}

	taskID, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{base: policy.Base}),
		backoff.WithMaxTries(uint(policy.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("provider submit failed, retrying",
				"provider", p.Name(),
				"kind", req.Kind,
				"attempt", attempts,
				"retryIn", next,
				"error", err,
			)
		}),
	)
	if err == nil {
		return taskID, nil
	}

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if errors.Is(err, ErrUnsupportedTask) || errors.Is(err, ErrNotConfigured) {
		return "", err
	}
	return "", &SubmissionError{Provider: p.Name(), Attempts: attempts, Err: err}
}

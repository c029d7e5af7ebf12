package llm

import (
	"context"
	"errors"
	"net"

	"github.com/cenkalti/backoff/v5"

	"github.com/hatcher/agentloop/pkg/logs"
)

const defaultMaxAttempts = 4

// TransientError marks a failure worth retrying: 429s, 5xx, connection
// resets. Backends wrap such errors before returning them.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

func isTransient(err error) bool {
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}

// CompleteWithRetry calls the backend with exponential backoff on
// transient errors. The retry budget lives inside the caller's ctx
// deadline; context errors are never retried.
func CompleteWithRetry(ctx context.Context, backend Backend, req Request, maxAttempts int) (*Response, error) {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	attempt := 0
	op := func() (*Response, error) {
		attempt++
		resp, err := backend.Complete(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		if !isTransient(err) {
			return nil, backoff.Permanent(err)
		}
		logs.CtxWarnf(ctx, "llm call failed (attempt %d/%d), retrying, error: %v", attempt, maxAttempts, err)
		return nil, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
}

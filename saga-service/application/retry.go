package application

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/fedgraph/saga-system/saga-service/domain"
	"github.com/pkg/errors"
)

// RetryPolicy bounds how often and how hard an operation is retried.
// Delays grow exponentially from Base by Factor, capped at Cap.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	Factor      float64
	Cap         time.Duration
}

// DefaultRetryPolicy is used when nothing is configured
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Base:        100 * time.Millisecond,
		Factor:      2.0,
		Cap:         5 * time.Second,
	}
}

func (p RetryPolicy) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Factor
	b.MaxInterval = p.Cap
	return b
}

// interrupted reports whether an operation error came from the run being
// shut down rather than from the subgraph itself. An interrupted saga keeps
// its current status; the recovery scan resumes it from there.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retryOperation runs a subgraph call under the policy. Non-retryable
// operation errors escalate immediately; retryable ones are re-attempted
// until the budget runs out.
func retryOperation(ctx context.Context, policy RetryPolicy, call func() (json.RawMessage, error)) (json.RawMessage, error) {
	return backoff.Retry(ctx, func() (json.RawMessage, error) {
		result, err := call()
		if err != nil && !domain.IsRetryableOperation(err) {
			return nil, backoff.Permanent(err)
		}
		return result, err
	}, backoff.WithBackOff(policy.newBackOff()), backoff.WithMaxTries(uint(policy.MaxAttempts)))
}

// retryPersist runs a store write under the policy. A version conflict is
// final: another worker owns the saga now, so the local attempt aborts.
func retryPersist(ctx context.Context, policy RetryPolicy, persist func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := persist(); err != nil {
			if errors.Is(err, domain.ErrVersionConflict) || errors.Is(err, domain.ErrSagaNotFound) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(policy.newBackOff()), backoff.WithMaxTries(uint(policy.MaxAttempts)))
	return err
}

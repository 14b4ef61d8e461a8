package cache

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// remoteTier wraps a Remote with exponential backoff retry and a circuit
// breaker, so a flapping or down remote store slows a build briefly and then
// gets out of the way instead of stalling every lookup.
type remoteTier struct {
	remote  Remote
	breaker *gobreaker.CircuitBreaker
}

func newRemoteTier(r Remote) *remoteTier {
	return &remoteTier{
		remote: r,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "remote-cache",
			MaxRequests: 3,                // test requests in half-open state
			Timeout:     30 * time.Second, // stay open before testing recovery
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				if err == nil {
					return true
				}
				// A miss is a perfectly healthy answer.
				if errors.Is(err, ErrNotFound) {
					return true
				}
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return true
				}
				return false
			},
		}),
	}
}

func (t *remoteTier) newBackoff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 10 * time.Second
	return backoff.WithContext(bo, ctx)
}

func (t *remoteTier) get(ctx context.Context, addr string) ([]byte, error) {
	var data []byte

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := t.breaker.Execute(func() (interface{}, error) {
			return t.remote.Get(ctx, addr)
		})
		if err != nil {
			// A miss is final, not retryable.
			if errors.Is(err, ErrNotFound) {
				return backoff.Permanent(err)
			}
			// Circuit open: stop hammering the remote.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		data = result.([]byte)
		return nil
	}

	if err := backoff.Retry(operation, t.newBackoff(ctx)); err != nil {
		return nil, err
	}
	return data, nil
}

func (t *remoteTier) put(ctx context.Context, addr string, data []byte) error {
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		_, err := t.breaker.Execute(func() (interface{}, error) {
			return nil, t.remote.Put(ctx, addr, data)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	return backoff.Retry(operation, t.newBackoff(ctx))
}

package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
)

// Policy bounds a retry loop.
type Policy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Jitter          float64
}

// DefaultPolicy is used when a zero Policy is given.
var DefaultPolicy = Policy{
	MaxAttempts:     5,
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     30 * time.Second,
	Jitter:          0.5,
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialInterval == 0 {
		p.InitialInterval = DefaultPolicy.InitialInterval
	}
	if p.MaxInterval == 0 {
		p.MaxInterval = DefaultPolicy.MaxInterval
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultPolicy.Jitter
	}
	return p
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.RandomizationFactor = p.Jitter
	return b
}

// Do runs op until it succeeds, returns a permanent error, or the attempt
// budget is spent. Exhausting the budget escalates the last error to
// permanent. op decides which context its own call runs under.
func Do[T any](ctx context.Context, p Policy, name string, op func() (T, error)) (T, error) {
	p = p.withDefaults()

	attempts := 0
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		v, err := op()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(p.MaxAttempts),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, d time.Duration) {
			log.Debug().Err(err).Str("op", name).Dur("backoff", d).Msg("retrying")
		}),
	)
	if err == nil {
		return res, nil
	}
	var pe *backoff.PermanentError
	if errors.As(err, &pe) {
		err = pe.Unwrap()
	}
	if IsPermanent(err) || ctx.Err() != nil {
		return res, err
	}
	return res, Permanent(fmt.Errorf("%s: gave up after %d attempts: %w", name, attempts, err))
}

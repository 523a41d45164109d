// Package retry polls for a value with a bounded attempt budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type Strategy string

const (
	StrategyNone        Strategy = "none"
	StrategyLinear      Strategy = "linear"
	StrategyExponential Strategy = "exponential"
)

// Unlimited retries until the value appears or the context ends.
const Unlimited = -1

var ErrExhausted = errors.New("retry budget exhausted")

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "", StrategyNone:
		return StrategyNone, nil
	case StrategyLinear, StrategyExponential:
		return Strategy(s), nil
	default:
		return "", fmt.Errorf("unknown retry strategy %q", s)
	}
}

// Policy allows Retries retries after the first attempt, waiting Delay
// between attempts as shaped by Strategy.
type Policy struct {
	Retries  int
	Delay    time.Duration
	Strategy Strategy
	Logger   *slog.Logger
}

var errNotReady = errors.New("value not ready")

// ForValue calls fn until it reports ok. It returns ErrExhausted when the
// budget runs out, or the context error when ctx ends first.
func ForValue[T any](ctx context.Context, p Policy, fn func() (T, bool)) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(0),
	}
	if p.Retries >= 0 {
		opts = append(opts, backoff.WithMaxTries(uint(p.Retries)+1))
	}
	if p.Logger != nil {
		attempt := 0
		opts = append(opts, backoff.WithNotify(func(_ error, next time.Duration) {
			attempt++
			p.Logger.Debug("retrying",
				slog.Int("attempt", attempt),
				slog.Int("retries", p.Retries),
				slog.Duration("delay", next))
		}))
	}

	v, err := backoff.Retry(ctx, func() (T, error) {
		v, ok := fn()
		if !ok {
			return v, errNotReady
		}
		return v, nil
	}, opts...)
	if err == nil {
		return v, nil
	}
	var zero T
	if ctxErr := ctx.Err(); ctxErr != nil {
		return zero, ctxErr
	}
	if p.Logger != nil {
		p.Logger.Warn("max retries reached", slog.Int("retries", p.Retries))
	}
	return zero, ErrExhausted
}

func (p Policy) backOff() backoff.BackOff {
	switch p.Strategy {
	case StrategyLinear:
		return &linearBackOff{step: p.Delay}
	case StrategyExponential:
		b := &backoff.ExponentialBackOff{
			InitialInterval:     p.Delay,
			RandomizationFactor: 1,
			Multiplier:          2,
			MaxInterval:         30 * time.Second,
		}
		b.Reset()
		return b
	default:
		return backoff.NewConstantBackOff(p.Delay)
	}
}

// linearBackOff waits step, 2*step, 3*step, ...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.step
}

func (b *linearBackOff) Reset() { b.n = 0 }

package retry

import (
	"context"
	"errors"
	"math"
	"time"
)

type Kind int

const (
	Retryable Kind = iota
	Permanent
)

func (k Kind) String() string {
	if k == Permanent {
		return "permanent"
	}
	return "retryable"
}

// Result is the outcome of one outbound call or unit of work.
type Result[T any] struct {
	Value T
	Err   error
	Kind  Kind
}

func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

func Fail[T any](kind Kind, err error) Result[T] {
	return Result[T]{Err: err, Kind: kind}
}

func (r Result[T]) OK() bool {
	return r.Err == nil
}

// Policy is a bounded exponential backoff schedule.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Factor      float64
	MaxDelay    time.Duration
}

// Delay returns the wait after the n-th failed attempt: BaseDelay*Factor^(n-1).
func (p Policy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}
	d := float64(p.BaseDelay) * math.Pow(factor, float64(n-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether n failed attempts reach the attempt cap.
func (p Policy) Exhausted(n int) bool {
	return p.MaxAttempts > 0 && n >= p.MaxAttempts
}

// Do runs fn until it succeeds, returns a permanent failure, the policy is
// exhausted, or ctx is done. Attempts are numbered from 1.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) Result[T]) Result[T] {
	var last Result[T]
	for attempt := 1; ; attempt++ {
		last = fn(ctx, attempt)
		if last.OK() || last.Kind == Permanent || p.Exhausted(attempt) {
			return last
		}
		t := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return Fail[T](Permanent, errors.Join(ctx.Err(), last.Err))
		case <-t.C:
		}
	}
}

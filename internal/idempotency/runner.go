package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/retry"
	"github.com/punchamoorthee/walletcore/internal/store"
)

// DefaultWait bounds how long a duplicate waits for an in-flight original.
var DefaultWait = retry.Policy{MaxAttempts: 8, BaseDelay: 25 * time.Millisecond, Factor: 2, MaxDelay: 500 * time.Millisecond}

// Runner executes units of work behind the guard.
type Runner struct {
	Store store.Store
	Guard *Guard
	Wait  retry.Policy
	Log   zerolog.Logger
}

// Work performs the side effect of a claimed operation and returns a
// reference to what it produced.
type Work[T any] func(ctx context.Context, tx store.Tx) (ref string, result T, err error)

// Run executes fn at most once per claim. Replayed reports whether the result
// came from an earlier execution. Once started, the unit of work is not
// interrupted by cancellation of ctx.
func Run[T any](ctx context.Context, r *Runner, c Claim, fn Work[T]) (result T, replayed bool, err error) {
	if err := c.Validate(); err != nil {
		return result, false, err
	}
	ctx = context.WithoutCancel(ctx)

	res := retry.Do(ctx, r.Wait, func(ctx context.Context, attempt int) retry.Result[T] {
		var out T
		replayed = false
		err := r.Store.WithTx(ctx, func(tx store.Tx) error {
			outcome, rec, err := r.Guard.Begin(ctx, tx, c)
			if err != nil {
				return err
			}
			switch outcome {
			case Conflict:
				return domain.ErrIdempotencyConflict
			case InProgress:
				return domain.ErrIdempotencyInProgress
			case Replay:
				replayed = true
				if err := json.Unmarshal(rec.Response, &out); err != nil {
					return fmt.Errorf("decode stored result: %w", err)
				}
				return nil
			}

			ref, value, err := fn(ctx, tx)
			if err != nil {
				return err
			}
			if err := r.Guard.Complete(ctx, tx, c, ref, value); err != nil {
				return err
			}
			out = value
			return nil
		})
		switch {
		case err == nil:
			return retry.Ok(out)
		case errors.Is(err, domain.ErrIdempotencyInProgress):
			return retry.Fail[T](retry.Retryable, err)
		default:
			return retry.Fail[T](retry.Permanent, err)
		}
	})
	if res.OK() {
		return res.Value, replayed, nil
	}

	err = res.Err
	if !errors.Is(err, domain.ErrIdempotencyConflict) && !errors.Is(err, domain.ErrIdempotencyInProgress) {
		code := domain.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		if ferr := r.Guard.Fail(ctx, r.Store, c, code); ferr != nil {
			r.Log.Warn().Err(ferr).Str("caller", c.Caller).Str("key", c.Key).Msg("record failed idempotency key")
		}
	}
	return result, false, err
}

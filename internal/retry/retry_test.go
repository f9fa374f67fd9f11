package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPolicyDelay(t *testing.T) {
	p := Policy{MaxAttempts: 5, BaseDelay: 2 * time.Second, Factor: 2}
	want := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("delay(%d): got %s want %s", i+1, got, w)
		}
	}
	p.MaxDelay = 5 * time.Second
	if got := p.Delay(4); got != 5*time.Second {
		t.Fatalf("capped delay: got %s", got)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Millisecond, Factor: 1}
	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context, attempt int) Result[int] {
		calls++
		if attempt < 3 {
			return Fail[int](Retryable, errors.New("temporary"))
		}
		return Ok(42)
	})
	if !res.OK() || res.Value != 42 {
		t.Fatalf("expected success, got %+v", res)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	p := Policy{MaxAttempts: 10, BaseDelay: time.Millisecond, Factor: 1}
	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context, attempt int) Result[string] {
		calls++
		return Fail[string](Permanent, errors.New("bad request"))
	})
	if res.OK() || calls != 1 {
		t.Fatalf("expected one permanent failure, calls=%d res=%+v", calls, res)
	}
}

func TestDoHonorsAttemptCap(t *testing.T) {
	p := Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, Factor: 2}
	calls := 0
	res := Do(context.Background(), p, func(ctx context.Context, attempt int) Result[struct{}] {
		calls++
		return Fail[struct{}](Retryable, errors.New("down"))
	})
	if res.OK() || calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

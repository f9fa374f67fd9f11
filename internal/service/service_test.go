package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/policy"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

var (
	alice = domain.Actor{ID: "alice", KYCLevel: 1}
	bob   = domain.Actor{ID: "bob", KYCLevel: 1}
	shop  = domain.Actor{ID: "shop", KYCLevel: 1, Merchant: true}
)

type recorder struct {
	mu     sync.Mutex
	events map[string][]string
}

func (r *recorder) Publish(_ context.Context, _ store.WebhookTx, event string, _ any, owners ...string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.events == nil {
		r.events = map[string][]string{}
	}
	r.events[event] = append(r.events[event], owners...)
	return nil
}

type fixture struct {
	svc *Service
	mem *store.Memory
	clk *clock.Fixed
	pub *recorder
	n   int
}

func newFixture(t *testing.T, tweak ...func(*Options)) *fixture {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC))
	opts := Options{
		FeeWalletOwner: "platform:fees",
		TopupEnabled:   true,
		QRExpiry:       15 * time.Minute,
		LinkExpiry:     7 * 24 * time.Hour,
		RequestExpiry:  30 * time.Minute,
	}
	for _, fn := range tweak {
		fn(&opts)
	}
	pub := &recorder{}
	svc, err := New(context.Background(), Deps{
		Store:     mem,
		Ledger:    ledger.New(mem, clk, "SYP"),
		Runner:    &idempotency.Runner{Store: mem, Guard: idempotency.NewGuard(clk), Wait: idempotency.DefaultWait, Log: logger.Nop()},
		Policy:    policy.NewEnforcer(policy.Default(), clk, nil),
		Publisher: pub,
		Clock:     clk,
		Log:       logger.Nop(),
	}, opts)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &fixture{svc: svc, mem: mem, clk: clk, pub: pub}
}

func (f *fixture) key() string {
	f.n++
	return fmt.Sprintf("key-%d", f.n)
}

func (f *fixture) fund(t *testing.T, owner domain.Actor, amount int64) {
	t.Helper()
	if _, err := f.svc.Topup(context.Background(), TopupRequest{Owner: owner, Amount: amount, Key: f.key()}); err != nil {
		t.Fatalf("fund %s: %v", owner.ID, err)
	}
}

func (f *fixture) balance(t *testing.T, owner string) int64 {
	t.Helper()
	w, err := f.svc.WalletOf(context.Background(), owner)
	if err != nil {
		t.Fatalf("wallet %s: %v", owner, err)
	}
	return w.Balance
}

func (f *fixture) reconcile(t *testing.T) {
	t.Helper()
	report, err := f.svc.Ledger().Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.OK() {
		t.Fatalf("ledger out of balance: %+v", report)
	}
}

func TestTransferAndReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 10000)

	req := TransferRequest{Payer: alice, To: "bob", Amount: 2500, Key: "t-1"}
	first, err := f.svc.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if first.Replayed || len(first.Entries) != 2 {
		t.Fatalf("unexpected receipt %+v", first)
	}

	second, err := f.svc.Transfer(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !second.Replayed || second.Transfer.ID != first.Transfer.ID {
		t.Fatalf("replay must return transfer %d, got %+v", first.Transfer.ID, second)
	}
	if got := f.balance(t, "alice"); got != 7500 {
		t.Fatalf("alice balance %d", got)
	}
	if got := f.balance(t, "bob"); got != 2500 {
		t.Fatalf("bob balance %d", got)
	}

	req.Amount = 2600
	if _, err := f.svc.Transfer(ctx, req); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if len(f.pub.events[EventTransferCompleted]) == 0 {
		t.Fatal("transfer event not published")
	}
	f.reconcile(t)
}

func TestConcurrentDuplicateTransfers(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, 5000)

	var wg sync.WaitGroup
	ids := make([]int64, 10)
	errs := make([]error, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec, err := f.svc.Transfer(context.Background(), TransferRequest{Payer: alice, To: "bob", Amount: 100, Key: "same"})
			if err == nil {
				ids[i] = rec.Transfer.ID
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %d: %v", i, errs[i])
		}
		if ids[i] != ids[0] {
			t.Fatalf("call %d saw transfer %d, want %d", i, ids[i], ids[0])
		}
	}
	if got := f.balance(t, "alice"); got != 4900 {
		t.Fatalf("exactly one debit expected, balance %d", got)
	}
}

func TestTransferFailuresLeaveNoTrace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 100)

	req := TransferRequest{Payer: alice, To: "bob", Amount: 500, Key: "k"}
	if _, err := f.svc.Transfer(ctx, req); !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("expected insufficient balance, got %v", err)
	}
	if got := f.balance(t, "alice"); got != 100 {
		t.Fatalf("balance changed to %d", got)
	}

	f.fund(t, alice, 1000)
	rec, err := f.svc.Transfer(ctx, req)
	if err != nil || rec.Replayed {
		t.Fatalf("retry after failure should execute: %+v %v", rec, err)
	}

	cases := []struct {
		name string
		req  TransferRequest
		want error
	}{
		{"zero amount", TransferRequest{Payer: alice, To: "bob", Amount: 0, Key: "z"}, domain.ErrInvalidAmount},
		{"self", TransferRequest{Payer: alice, To: "alice", Amount: 1, Key: "s"}, domain.ErrInvalidRequest},
		{"no key", TransferRequest{Payer: alice, To: "bob", Amount: 1}, domain.ErrInvalidRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := f.svc.Transfer(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
	f.reconcile(t)
}

func TestTransferLimits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	newcomer := domain.Actor{ID: "newcomer", KYCLevel: 0}
	f.fund(t, newcomer, 300_000_000)

	_, err := f.svc.Transfer(ctx, TransferRequest{Payer: newcomer, To: "bob", Amount: 100_000_001, Key: f.key()})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected limit_exceeded, got %v", err)
	}
}

func TestTopupDisabled(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.TopupEnabled = false })
	_, err := f.svc.Topup(context.Background(), TopupRequest{Owner: alice, Amount: 10, Key: "k"})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestGetTransferVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 1000)
	rec, err := f.svc.Transfer(ctx, TransferRequest{Payer: alice, To: "bob", Amount: 10, Key: "k"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if _, err := f.svc.GetTransfer(ctx, "bob", rec.Transfer.ID); err != nil {
		t.Fatalf("receiver should see transfer: %v", err)
	}
	if _, err := f.svc.GetTransfer(ctx, "mallory", rec.Transfer.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("stranger should not see transfer, got %v", err)
	}
}

package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

func TestRequestAcceptIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bob, 5000)

	r, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob", Amount: 1500, Metadata: map[string]string{"for": "dinner"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !r.ExpiresAt.Equal(f.clk.Now().Add(30 * time.Minute)) {
		t.Fatalf("unexpected expiry %v", r.ExpiresAt)
	}

	if _, err := f.svc.AcceptRequest(ctx, AcceptRequestInput{Payer: alice, ID: r.ID}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("requester cannot accept, got %v", err)
	}

	first, err := f.svc.AcceptRequest(ctx, AcceptRequestInput{Payer: bob, ID: r.ID})
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	again, err := f.svc.AcceptRequest(ctx, AcceptRequestInput{Payer: bob, ID: r.ID})
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}
	if !again.Replayed || again.Transfer.ID != first.Transfer.ID {
		t.Fatalf("second accept should replay transfer %d, got %+v", first.Transfer.ID, again)
	}
	if got := f.balance(t, "bob"); got != 3500 {
		t.Fatalf("bob charged more than once, balance %d", got)
	}

	if _, err := f.svc.RejectRequest(ctx, bob, r.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("rejecting an accepted request should fail, got %v", err)
	}
	got, err := f.svc.GetRequest(ctx, "alice", r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RequestAccepted || got.TransferID == nil || *got.TransferID != first.Transfer.ID {
		t.Fatalf("unexpected request %+v", got)
	}
	if _, err := f.svc.GetRequest(ctx, "mallory", r.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("outsider should not see the request, got %v", err)
	}
	if len(f.pub.events[EventRequestAccepted]) != 1 {
		t.Fatalf("expected one accepted event, got %v", f.pub.events)
	}
}

func TestRequestRejectAndCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob", Amount: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.CancelRequest(ctx, bob, r1.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("target cannot cancel, got %v", err)
	}
	rejected, err := f.svc.RejectRequest(ctx, bob, r1.ID)
	if err != nil || rejected.Status != domain.RequestRejected {
		t.Fatalf("reject: %+v %v", rejected, err)
	}

	r2, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob", Amount: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	canceled, err := f.svc.CancelRequest(ctx, alice, r2.ID)
	if err != nil || canceled.Status != domain.RequestCanceled {
		t.Fatalf("cancel: %+v %v", canceled, err)
	}

	if _, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "alice", Amount: 1}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("self request should be invalid, got %v", err)
	}
	if _, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob"}); !errors.Is(err, domain.ErrInvalidAmount) {
		t.Fatalf("zero amount should be invalid, got %v", err)
	}
}

func TestRequestExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, bob, 5000)

	r, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob", Amount: 100})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clk.Advance(31 * time.Minute)

	if _, err := f.svc.AcceptRequest(ctx, AcceptRequestInput{Payer: bob, ID: r.ID}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("expired request should not be payable, got %v", err)
	}
	got, err := f.svc.GetRequest(ctx, "", r.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.RequestExpired {
		t.Fatalf("request should be expired, got %s", got.Status)
	}
	if f.balance(t, "bob") != 5000 {
		t.Fatal("expired request moved money")
	}

	if _, err := f.svc.CreateRequest(ctx, CreateRequestInput{Requester: "alice", Target: "bob", Amount: 100}); err != nil {
		t.Fatalf("create: %v", err)
	}
	f.clk.Advance(time.Hour)
	n, err := f.svc.ExpireDue(ctx)
	if err != nil || n != 1 {
		t.Fatalf("expire due: n=%d err=%v", n, err)
	}
}

func TestCreateRequestWithKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := CreateRequestInput{Requester: "alice", Target: "bob", Amount: 700, Key: "req-1"}

	a, err := f.svc.CreateRequest(ctx, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := f.svc.CreateRequest(ctx, in)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("keyed creation should replay, got %d and %d", a.ID, b.ID)
	}
	in.Amount = 800
	if _, err := f.svc.CreateRequest(ctx, in); !errors.Is(err, domain.ErrIdempotencyConflict) {
		t.Fatalf("changed body should conflict, got %v", err)
	}
	list, err := f.svc.ListRequests(ctx, bob)
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %d %v", len(list), err)
	}
}

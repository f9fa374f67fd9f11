package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

func TestSubscriptionCharges(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 1000)

	sub, err := f.svc.CreateSubscription(ctx, SubscriptionInput{Payer: alice, Merchant: "shop", Amount: 3000})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sub.IntervalDays != DefaultIntervalDays {
		t.Fatalf("expected default interval, got %d", sub.IntervalDays)
	}

	sum, err := f.svc.ProcessDueSubscriptions(ctx, 0)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum != (RunSummary{Skipped: 1}) {
		t.Fatalf("insufficient funds should skip, got %+v", sum)
	}

	f.fund(t, alice, 5000)
	sum, _ = f.svc.ProcessDueSubscriptions(ctx, 0)
	if sum != (RunSummary{Processed: 1}) {
		t.Fatalf("funded subscription should charge, got %+v", sum)
	}
	sum, _ = f.svc.ProcessDueSubscriptions(ctx, 0)
	if sum != (RunSummary{}) {
		t.Fatalf("nothing should be due, got %+v", sum)
	}

	subs, err := f.svc.ListSubscriptions(ctx, shop)
	if err != nil || len(subs) != 1 {
		t.Fatalf("list: %d %v", len(subs), err)
	}
	if want := f.clk.Now().AddDate(0, 0, 30); !subs[0].NextChargeAt.Equal(want) || subs[0].LastTransferID == nil {
		t.Fatalf("next charge should move to %v, got %+v", want, subs[0])
	}
	if got := f.balance(t, "shop"); got != 3000 {
		t.Fatalf("shop balance %d", got)
	}

	f.clk.Advance(30 * 24 * time.Hour)
	if sum, _ = f.svc.ProcessDueSubscriptions(ctx, 0); sum.Processed != 1 {
		t.Fatalf("second period should charge, got %+v", sum)
	}
	if got := f.balance(t, "alice"); got != 0 {
		t.Fatalf("alice balance %d", got)
	}

	if _, err := f.svc.CancelSubscription(ctx, bob, sub.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("outsider cannot cancel, got %v", err)
	}
	for i := 0; i < 2; i++ {
		c, err := f.svc.CancelSubscription(ctx, alice, sub.ID)
		if err != nil || c.Status != domain.SubscriptionCanceled {
			t.Fatalf("cancel: %+v %v", c, err)
		}
	}
	f.clk.Advance(60 * 24 * time.Hour)
	if sum, _ = f.svc.ProcessDueSubscriptions(ctx, 0); sum != (RunSummary{}) {
		t.Fatalf("canceled subscription should not charge, got %+v", sum)
	}
	if len(f.pub.events[EventSubscriptionCharged]) != 4 {
		t.Fatalf("expected two charged events for two owners, got %v", f.pub.events[EventSubscriptionCharged])
	}
	f.reconcile(t)
}

func TestUnderfundedSubscriptionsDoNotBlockOthers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := f.clk.Now().Add(-time.Hour)
	f.fund(t, bob, 100)

	for i := 0; i < 2; i++ {
		if _, err := f.svc.CreateSubscription(ctx, SubscriptionInput{Payer: bob, Merchant: "shop", Amount: 500, StartAt: &start}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	f.fund(t, alice, 1000)
	funded, err := f.svc.CreateSubscription(ctx, SubscriptionInput{Payer: alice, Merchant: "shop", Amount: 700})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	sum, err := f.svc.ProcessDueSubscriptions(ctx, 2)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum != (RunSummary{Processed: 1, Skipped: 2}) {
		t.Fatalf("funded subscription should charge behind underfunded ones, got %+v", sum)
	}
	subs, err := f.svc.ListSubscriptions(ctx, alice)
	if err != nil || len(subs) != 1 || subs[0].ID != funded.ID || subs[0].LastTransferID == nil {
		t.Fatalf("funded subscription not charged: %+v %v", subs, err)
	}
	if got := f.balance(t, "shop"); got != 700 {
		t.Fatalf("shop balance %d", got)
	}
	f.reconcile(t)
}

func TestSubscriptionValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []SubscriptionInput{
		{Payer: alice, Merchant: "shop", Amount: 0},
		{Payer: alice, Merchant: "shop", Amount: 10, IntervalDays: MaxIntervalDays + 1},
		{Payer: alice, Merchant: "alice", Amount: 10},
	}
	for _, in := range cases {
		if _, err := f.svc.CreateSubscription(ctx, in); err == nil {
			t.Fatalf("expected %+v to be rejected", in)
		}
	}
}

func TestInvoiceAutopay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 10000)

	inv, err := f.svc.CreateInvoice(ctx, InvoiceInput{Issuer: "shop", IssuerKind: domain.WalletMerchant, Payer: "alice", Amount: 2000, Reference: "INV-1"})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}

	if sum, _ := f.svc.ProcessDueInvoices(ctx, 0); sum != (RunSummary{}) {
		t.Fatalf("invoice without mandate should not be selected, got %+v", sum)
	}
	if _, err := f.svc.UpsertMandate(ctx, MandateInput{Payer: alice, Issuer: "shop", Autopay: true, MaxAmount: 1000}); err != nil {
		t.Fatalf("mandate: %v", err)
	}
	if sum, _ := f.svc.ProcessDueInvoices(ctx, 0); sum != (RunSummary{}) {
		t.Fatalf("mandate below amount should not be selected, got %+v", sum)
	}
	if _, err := f.svc.UpsertMandate(ctx, MandateInput{Payer: alice, Issuer: "shop", Autopay: true, MaxAmount: 5000}); err != nil {
		t.Fatalf("mandate: %v", err)
	}
	if sum, _ := f.svc.ProcessDueInvoices(ctx, 0); sum != (RunSummary{Processed: 1}) {
		t.Fatalf("covered invoice should be paid, got %+v", sum)
	}

	invoices, err := f.svc.ListInvoices(ctx, alice)
	if err != nil || len(invoices) != 1 {
		t.Fatalf("list: %d %v", len(invoices), err)
	}
	if invoices[0].ID != inv.ID || invoices[0].Status != domain.InvoicePaid || invoices[0].TransferID == nil {
		t.Fatalf("invoice should be paid: %+v", invoices[0])
	}
	if got := f.balance(t, "shop"); got != 2000 {
		t.Fatalf("shop balance %d", got)
	}
	if _, err := f.svc.CancelInvoice(ctx, shop, inv.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("paid invoice cannot be canceled, got %v", err)
	}

	mandates, err := f.svc.ListMandates(ctx, alice)
	if err != nil || len(mandates) != 1 || mandates[0].MaxAmount != 5000 {
		t.Fatalf("mandates: %+v %v", mandates, err)
	}
	if err := f.svc.DeleteMandate(ctx, alice, "shop"); err != nil {
		t.Fatalf("delete mandate: %v", err)
	}
	if err := f.svc.DeleteMandate(ctx, alice, "shop"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
}

func TestPayInvoiceManually(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 1000)
	due := f.clk.Now().Add(7 * 24 * time.Hour)

	inv, err := f.svc.CreateInvoice(ctx, InvoiceInput{Issuer: "bob", Payer: "alice", Amount: 400, DueAt: &due})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, err := f.svc.PayInvoice(ctx, PayInvoiceInput{Payer: shop, ID: inv.ID, Key: f.key()}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("other payer should be forbidden, got %v", err)
	}
	rec, err := f.svc.PayInvoice(ctx, PayInvoiceInput{Payer: alice, ID: inv.ID, Key: f.key()})
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if rec.Transfer.Kind != domain.KindInvoice || rec.Transfer.Amount != 400 {
		t.Fatalf("unexpected transfer %+v", rec.Transfer)
	}
	if _, err := f.svc.PayInvoice(ctx, PayInvoiceInput{Payer: alice, ID: inv.ID, Key: f.key()}); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("paying twice should fail, got %v", err)
	}

	other, err := f.svc.CreateInvoice(ctx, InvoiceInput{Issuer: "bob", Payer: "alice", Amount: 50, DueAt: &due})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, err := f.svc.CancelInvoice(ctx, alice, other.ID); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("payer cannot cancel, got %v", err)
	}
	canceled, err := f.svc.CancelInvoice(ctx, bob, other.ID)
	if err != nil || canceled.Status != domain.InvoiceCanceled {
		t.Fatalf("cancel: %+v %v", canceled, err)
	}
}

func TestAutopayNotStarvedByManualInvoices(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, 5000)
	early := f.clk.Now().Add(-time.Hour)

	for i := 0; i < 3; i++ {
		if _, err := f.svc.CreateInvoice(ctx, InvoiceInput{Issuer: "alice", Payer: "bob", Amount: 100, DueAt: &early}); err != nil {
			t.Fatalf("manual invoice: %v", err)
		}
	}
	inv, err := f.svc.CreateInvoice(ctx, InvoiceInput{Issuer: "shop", IssuerKind: domain.WalletMerchant, Payer: "alice", Amount: 1500})
	if err != nil {
		t.Fatalf("create invoice: %v", err)
	}
	if _, err := f.svc.UpsertMandate(ctx, MandateInput{Payer: alice, Issuer: "shop", Autopay: true, MaxAmount: 2000}); err != nil {
		t.Fatalf("mandate: %v", err)
	}

	sum, err := f.svc.ProcessDueInvoices(ctx, 3)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if sum != (RunSummary{Processed: 1}) {
		t.Fatalf("autopay invoice should be paid past manual ones, got %+v", sum)
	}
	invoices, err := f.svc.ListInvoices(ctx, alice)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, got := range invoices {
		if got.ID == inv.ID && got.Status != domain.InvoicePaid {
			t.Fatalf("autopay invoice should be paid: %+v", got)
		}
	}
	if got := f.balance(t, "shop"); got != 1500 {
		t.Fatalf("shop balance %d", got)
	}
	f.reconcile(t)
}

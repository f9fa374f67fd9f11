package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const (
	DefaultIntervalDays = 30
	MaxIntervalDays     = 365
	DefaultDueBatch     = 100
)

// errNotDue reports an item that stopped being due between listing and
// charging it.
var errNotDue = errors.New("no longer due")

// RunSummary counts the items handled by one scheduler pass.
type RunSummary struct {
	Processed int `json:"processed"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

type SubscriptionInput struct {
	Payer        domain.Actor
	Merchant     string
	Amount       int64
	IntervalDays int
	StartAt      *time.Time
}

// CreateSubscription schedules recurring charges from the payer to the
// merchant. The first charge is due at StartAt or immediately.
func (s *Service) CreateSubscription(ctx context.Context, in SubscriptionInput) (*domain.Subscription, error) {
	if in.IntervalDays == 0 {
		in.IntervalDays = DefaultIntervalDays
	}
	if in.IntervalDays < 1 || in.IntervalDays > MaxIntervalDays {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "interval_days must be within 1..%d", MaxIntervalDays)
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if in.Merchant == "" || in.Merchant == in.Payer.ID {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "a different merchant is required")
	}

	now := s.clock.Now()
	sub := &domain.Subscription{
		PayerID:      in.Payer.ID,
		MerchantID:   in.Merchant,
		Amount:       in.Amount,
		IntervalDays: in.IntervalDays,
		NextChargeAt: now,
		Status:       domain.SubscriptionActive,
		CreatedAt:    now,
	}
	if in.StartAt != nil {
		sub.NextChargeAt = in.StartAt.UTC()
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		// The payer names the merchant, so an existing wallet keeps its kind.
		_, err := tx.WalletByOwner(ctx, in.Merchant)
		if errors.Is(err, domain.ErrNotFound) {
			_, err = s.ledger.EnsureWallet(ctx, tx, in.Merchant, domain.WalletMerchant)
		}
		if err != nil {
			return err
		}
		return tx.InsertSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// CancelSubscription stops future charges. Either party may cancel and
// cancelling again returns the canceled subscription.
func (s *Service) CancelSubscription(ctx context.Context, actor domain.Actor, id int64) (*domain.Subscription, error) {
	var sub *domain.Subscription
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		sub, err = tx.SubscriptionForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if sub.PayerID != actor.ID && sub.MerchantID != actor.ID {
			return domain.Errorf(domain.CodeNotFound, "subscription not found")
		}
		if sub.Status == domain.SubscriptionCanceled {
			return nil
		}
		sub.Status = domain.SubscriptionCanceled
		return tx.UpdateSubscription(ctx, sub)
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *Service) ListSubscriptions(ctx context.Context, owner domain.Actor) ([]domain.Subscription, error) {
	var out []domain.Subscription
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.SubscriptionsFor(ctx, owner.ID)
		return err
	})
	return out, err
}

// ProcessDueSubscriptions charges every due subscription once, reading the
// due set in pages of limit. A charge that fails for lack of funds or limits
// leaves the subscription due for the next pass.
func (s *Service) ProcessDueSubscriptions(ctx context.Context, limit int) (RunSummary, error) {
	var sum RunSummary
	err := s.eachDue(ctx, limit, store.RecurringTx.DueSubscriptions, func(id int64) {
		err := s.chargeSubscription(ctx, id)
		s.tally(&sum, "subscriptions", err)
		if err != nil && isFailure(err) {
			s.log.Error().Err(err).Int64("subscription_id", id).Msg("subscription charge failed")
		}
	})
	if err != nil {
		return sum, fmt.Errorf("list due subscriptions: %w", err)
	}
	return sum, nil
}

type dueLister func(tx store.RecurringTx, ctx context.Context, now time.Time, after store.Due, limit int) ([]store.Due, error)

// eachDue walks the due set as of now with a keyset cursor and calls fn once
// per item. Items left due are behind the cursor, so they never hide the
// items after them.
func (s *Service) eachDue(ctx context.Context, limit int, list dueLister, fn func(id int64)) error {
	if limit <= 0 {
		limit = DefaultDueBatch
	}
	now := s.clock.Now()
	seen := map[int64]bool{}
	var after store.Due
	for {
		var page []store.Due
		err := s.store.WithTx(ctx, func(tx store.Tx) error {
			var err error
			page, err = list(tx, ctx, now, after, limit)
			return err
		})
		if err != nil {
			return err
		}
		for _, d := range page {
			if !seen[d.ID] {
				seen[d.ID] = true
				fn(d.ID)
			}
		}
		if len(page) < limit {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		after = page[len(page)-1]
	}
}

func (s *Service) chargeSubscription(ctx context.Context, id int64) error {
	var period time.Time
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		sub, err := tx.Subscription(ctx, id)
		if err != nil {
			return err
		}
		period = sub.NextChargeAt
		return nil
	})
	if err != nil {
		return err
	}

	c := idempotency.Claim{
		Caller:      SchedulerCaller,
		Key:         fmt.Sprintf("sub-%d-%d", id, period.Unix()),
		Fingerprint: idempotency.FingerprintOf("subscriptions.charge", map[string]any{"id": id, "period": period.Unix()}),
	}
	_, err = s.execute(ctx, domain.KindSubscription, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		sub, err := tx.SubscriptionForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		now := s.clock.Now()
		if sub.Status != domain.SubscriptionActive || !sub.NextChargeAt.Equal(period) || sub.NextChargeAt.After(now) {
			return nil, errNotDue
		}

		from, err := s.ledger.EnsureWallet(ctx, tx, sub.PayerID, domain.WalletUser)
		if err != nil {
			return nil, err
		}
		to, err := tx.WalletByOwner(ctx, sub.MerchantID)
		if err != nil {
			return nil, err
		}
		res, err := s.move(ctx, tx, movement{
			kind:      domain.KindSubscription,
			from:      from,
			to:        to,
			amount:    sub.Amount,
			reference: fmt.Sprintf("subscription:%d", sub.ID),
		})
		if err != nil {
			return nil, err
		}

		sub.NextChargeAt = sub.NextChargeAt.AddDate(0, 0, sub.IntervalDays)
		sub.LastTransferID = &res.Transfer.ID
		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		if err := s.publisher.Publish(ctx, tx, EventSubscriptionCharged, sub, sub.PayerID, sub.MerchantID); err != nil {
			return nil, err
		}
		return res, nil
	})
	return err
}

// tally records the result of one scheduled item.
func (s *Service) tally(sum *RunSummary, job string, err error) {
	switch {
	case err == nil:
		sum.Processed++
		schedulerRuns.WithLabelValues(job, "processed").Inc()
	case isFailure(err):
		sum.Failed++
		schedulerRuns.WithLabelValues(job, "failed").Inc()
	default:
		sum.Skipped++
		schedulerRuns.WithLabelValues(job, "skipped").Inc()
	}
}

// isFailure reports whether err is a failure rather than an item that should
// simply be retried on a later pass.
func isFailure(err error) bool {
	switch {
	case errors.Is(err, errNotDue),
		errors.Is(err, domain.ErrInsufficientBalance),
		errors.Is(err, domain.ErrLimitExceeded),
		errors.Is(err, domain.ErrIdempotencyInProgress),
		errors.Is(err, errNoMandate):
		return false
	}
	return true
}

// Invoices

type InvoiceInput struct {
	Issuer     string
	IssuerKind domain.WalletKind
	Payer      string
	Amount     int64
	DueAt      *time.Time
	Reference  string
}

func (s *Service) CreateInvoice(ctx context.Context, in InvoiceInput) (*domain.Invoice, error) {
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if in.Issuer == "" || in.Payer == "" || in.Issuer == in.Payer {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "issuer and a different payer are required")
	}
	if in.IssuerKind == "" {
		in.IssuerKind = domain.WalletUser
	}
	now := s.clock.Now()
	inv := &domain.Invoice{
		IssuerID:  in.Issuer,
		PayerID:   in.Payer,
		Amount:    in.Amount,
		Currency:  s.ledger.Currency(),
		DueAt:     now,
		Status:    domain.InvoicePending,
		Reference: in.Reference,
		CreatedAt: now,
	}
	if in.DueAt != nil {
		inv.DueAt = in.DueAt.UTC()
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := s.ledger.EnsureWallet(ctx, tx, in.Issuer, in.IssuerKind); err != nil {
			return err
		}
		if err := tx.InsertInvoice(ctx, inv); err != nil {
			return err
		}
		return s.publisher.Publish(ctx, tx, EventInvoiceCreated, inv, inv.PayerID)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

type PayInvoiceInput struct {
	Payer       domain.Actor
	ID          int64
	Key         string
	Fingerprint string
}

func (s *Service) PayInvoice(ctx context.Context, in PayInvoiceInput) (*Receipt, error) {
	c := claimFor(in.Payer.ID, in.Key, in.Fingerprint, "invoices.pay", map[string]any{"id": in.ID})
	return s.execute(ctx, domain.KindInvoice, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		return s.payInvoice(ctx, tx, in.ID, func(inv *domain.Invoice) (movement, error) {
			if inv.PayerID != in.Payer.ID {
				return movement{}, domain.Errorf(domain.CodeForbidden, "invoice is addressed to another payer")
			}
			return movement{limits: true, kycLevel: in.Payer.KYCLevel}, nil
		})
	})
}

// payInvoice locks a pending invoice and pays it. authorize vets the invoice
// and returns the limit settings of the movement.
func (s *Service) payInvoice(ctx context.Context, tx store.Tx, id int64, authorize func(inv *domain.Invoice) (movement, error)) (*domain.TransferResult, error) {
	inv, err := tx.InvoiceForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.Status != domain.InvoicePending {
		return nil, domain.Errorf(domain.CodeInvalidState, "invoice is %s", inv.Status)
	}
	m, err := authorize(inv)
	if err != nil {
		return nil, err
	}

	m.kind = domain.KindInvoice
	m.amount = inv.Amount
	m.reference = fmt.Sprintf("invoice:%d", inv.ID)
	if inv.Reference != "" {
		m.reference = inv.Reference
	}
	if m.from, err = s.ledger.EnsureWallet(ctx, tx, inv.PayerID, domain.WalletUser); err != nil {
		return nil, err
	}
	if m.to, err = tx.WalletByOwner(ctx, inv.IssuerID); err != nil {
		return nil, err
	}
	res, err := s.move(ctx, tx, m)
	if err != nil {
		return nil, err
	}

	inv.Status = domain.InvoicePaid
	inv.TransferID = &res.Transfer.ID
	if err := tx.UpdateInvoice(ctx, inv); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, tx, EventInvoicePaid, inv, inv.IssuerID, inv.PayerID); err != nil {
		return nil, err
	}
	return res, nil
}

// CancelInvoice withdraws a pending invoice. Only the issuer may cancel.
func (s *Service) CancelInvoice(ctx context.Context, actor domain.Actor, id int64) (*domain.Invoice, error) {
	var inv *domain.Invoice
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		inv, err = tx.InvoiceForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if inv.IssuerID != actor.ID {
			return domain.Errorf(domain.CodeForbidden, "only the issuer can cancel an invoice")
		}
		switch inv.Status {
		case domain.InvoiceCanceled:
			return nil
		case domain.InvoicePaid:
			return domain.Errorf(domain.CodeInvalidState, "invoice is paid")
		}
		inv.Status = domain.InvoiceCanceled
		return tx.UpdateInvoice(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Service) ListInvoices(ctx context.Context, owner domain.Actor) ([]domain.Invoice, error) {
	var out []domain.Invoice
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.InvoicesFor(ctx, owner.ID)
		return err
	})
	return out, err
}

var errNoMandate = errors.New("no autopay mandate covers invoice")

// ProcessDueInvoices pays due invoices whose payer granted an autopay
// mandate to the issuer covering the amount. The due set is read in pages
// of limit.
func (s *Service) ProcessDueInvoices(ctx context.Context, limit int) (RunSummary, error) {
	var sum RunSummary
	err := s.eachDue(ctx, limit, store.RecurringTx.DueInvoices, func(id int64) {
		c := idempotency.Claim{
			Caller:      SchedulerCaller,
			Key:         fmt.Sprintf("auto-invoice-%d", id),
			Fingerprint: idempotency.FingerprintOf("invoices.autopay", map[string]any{"id": id}),
		}
		_, err := s.execute(ctx, domain.KindInvoice, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
			return s.payInvoice(ctx, tx, id, func(inv *domain.Invoice) (movement, error) {
				m, err := tx.Mandate(ctx, inv.PayerID, inv.IssuerID)
				if errors.Is(err, domain.ErrNotFound) {
					return movement{}, errNoMandate
				}
				if err != nil {
					return movement{}, err
				}
				if !m.Autopay || inv.Amount > m.MaxAmount {
					return movement{}, errNoMandate
				}
				return movement{}, nil
			})
		})
		s.tally(&sum, "invoices", err)
		if err != nil && isFailure(err) {
			s.log.Error().Err(err).Int64("invoice_id", id).Msg("invoice autopay failed")
		}
	})
	if err != nil {
		return sum, fmt.Errorf("list due invoices: %w", err)
	}
	return sum, nil
}

// Mandates

type MandateInput struct {
	Payer     domain.Actor
	Issuer    string
	Autopay   bool
	MaxAmount int64
}

func (s *Service) UpsertMandate(ctx context.Context, in MandateInput) (*domain.Mandate, error) {
	if in.Issuer == "" || in.Issuer == in.Payer.ID {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "a different issuer is required")
	}
	if in.MaxAmount < 0 {
		return nil, domain.ErrInvalidAmount
	}
	m := &domain.Mandate{
		PayerID:   in.Payer.ID,
		IssuerID:  in.Issuer,
		Autopay:   in.Autopay,
		MaxAmount: in.MaxAmount,
		CreatedAt: s.clock.Now(),
	}
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.UpsertMandate(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Service) ListMandates(ctx context.Context, payer domain.Actor) ([]domain.Mandate, error) {
	var out []domain.Mandate
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.MandatesFor(ctx, payer.ID)
		return err
	})
	return out, err
}

func (s *Service) DeleteMandate(ctx context.Context, payer domain.Actor, issuer string) error {
	return s.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.DeleteMandate(ctx, payer.ID, issuer)
	})
}

package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

var (
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("duplicate key")
	// ErrConflict is returned for serialization failures and deadlocks.
	// The whole unit of work may be retried.
	ErrConflict = errors.New("transaction conflict")
)

// Store runs units of work. Every read and write goes through a Tx.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is one atomic unit of work. Methods suffixed ForUpdate lock the row
// until the unit of work ends.
type Tx interface {
	WalletTx
	LedgerTx
	IdempotencyTx
	CodeTx
	RequestTx
	RefundTx
	RecurringTx
	WebhookTx
}

type WalletTx interface {
	// EnsureWallet returns the owner's wallet, creating it from w when absent.
	EnsureWallet(ctx context.Context, w domain.Wallet) (*domain.Wallet, error)
	WalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error)
	SetWalletKind(ctx context.Context, id int64, kind domain.WalletKind) error
	Wallet(ctx context.Context, id int64) (*domain.Wallet, error)
	// LockWallet takes a row lock. Callers lock in ascending id order.
	LockWallet(ctx context.Context, id int64) (*domain.Wallet, error)
	AdjustBalance(ctx context.Context, walletID, delta int64) error
	ListWallets(ctx context.Context, afterID int64, limit int) ([]domain.Wallet, error)
}

// Due is the position of a scheduled item in due order. The zero value is
// before every item.
type Due struct {
	At time.Time
	ID int64
}

func (d Due) Before(o Due) bool {
	if d.At.Equal(o.At) {
		return d.ID < o.ID
	}
	return d.At.Before(o.At)
}

type Page struct {
	Limit  int
	Offset int
}

type LedgerTx interface {
	InsertTransfer(ctx context.Context, t *domain.Transfer) error
	InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error
	Transfer(ctx context.Context, id int64) (*domain.Transfer, error)
	TransferEntries(ctx context.Context, transferID int64) ([]domain.LedgerEntry, error)
	Statement(ctx context.Context, walletID int64, page Page) ([]domain.StatementLine, error)
	EntrySum(ctx context.Context, walletID int64) (int64, error)
	// OutgoingSince counts and sums debits of walletID since t, optionally
	// restricted to transfer kinds.
	OutgoingSince(ctx context.Context, walletID int64, since time.Time, kinds ...domain.TransferKind) (count int64, total int64, err error)
	ListTransfers(ctx context.Context, afterID int64, limit int) ([]domain.Transfer, error)
}

type IdempotencyTx interface {
	// InsertIdempotency returns ErrDuplicate when (caller, key) exists.
	InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
	IdempotencyRecord(ctx context.Context, caller, key string) (*domain.IdempotencyRecord, error)
	UpdateIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error
	DeleteIdempotencyBefore(ctx context.Context, before time.Time) (int64, error)
}

type CodeTx interface {
	InsertCode(ctx context.Context, c *domain.PaymentCode) error
	CodeForUpdate(ctx context.Context, code string) (*domain.PaymentCode, error)
	UpdateCode(ctx context.Context, c *domain.PaymentCode) error
	CodesByOwner(ctx context.Context, ownerID string) ([]domain.PaymentCode, error)
}

type RequestTx interface {
	InsertRequest(ctx context.Context, r *domain.PaymentRequest) error
	Request(ctx context.Context, id int64) (*domain.PaymentRequest, error)
	RequestForUpdate(ctx context.Context, id int64) (*domain.PaymentRequest, error)
	UpdateRequest(ctx context.Context, r *domain.PaymentRequest) error
	RequestsFor(ctx context.Context, ownerID string) ([]domain.PaymentRequest, error)
	// ExpireRequests moves pending requests past their expiry to expired.
	ExpireRequests(ctx context.Context, now time.Time) (int64, error)
}

type RefundTx interface {
	InsertRefund(ctx context.Context, r *domain.Refund) error
	RefundsFor(ctx context.Context, transferID int64) ([]domain.Refund, error)
}

type RecurringTx interface {
	InsertSubscription(ctx context.Context, s *domain.Subscription) error
	Subscription(ctx context.Context, id int64) (*domain.Subscription, error)
	SubscriptionForUpdate(ctx context.Context, id int64) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, s *domain.Subscription) error
	SubscriptionsFor(ctx context.Context, ownerID string) ([]domain.Subscription, error)
	// DueSubscriptions pages active subscriptions with next_charge_at <= now
	// in (next_charge_at, id) order, starting after the given position.
	DueSubscriptions(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error)

	InsertInvoice(ctx context.Context, inv *domain.Invoice) error
	InvoiceForUpdate(ctx context.Context, id int64) (*domain.Invoice, error)
	UpdateInvoice(ctx context.Context, inv *domain.Invoice) error
	InvoicesFor(ctx context.Context, ownerID string) ([]domain.Invoice, error)
	// DueInvoices pages pending invoices due by now that an autopay mandate
	// covers, in (due_at, id) order, starting after the given position.
	DueInvoices(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error)

	UpsertMandate(ctx context.Context, m *domain.Mandate) error
	Mandate(ctx context.Context, payerID, issuerID string) (*domain.Mandate, error)
	MandatesFor(ctx context.Context, payerID string) ([]domain.Mandate, error)
	DeleteMandate(ctx context.Context, payerID, issuerID string) error
}

type WebhookTx interface {
	InsertEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error
	Endpoint(ctx context.Context, id int64) (*domain.WebhookEndpoint, error)
	EndpointsByOwner(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error)
	UpdateEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error

	InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) error
	Delivery(ctx context.Context, id string) (*domain.WebhookDelivery, error)
	// ClaimDueDeliveries returns pending deliveries due at now and pushes
	// their next attempt to now+lease so concurrent workers skip them.
	ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error)
	// FinishDelivery stores d only if the row is still pending with
	// expectedAttempts attempts. It reports whether the row was updated.
	FinishDelivery(ctx context.Context, d *domain.WebhookDelivery, expectedAttempts int) (bool, error)
	ResetDelivery(ctx context.Context, id string, now time.Time) error
	DeliveriesFor(ctx context.Context, ownerID string, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error)
}

func notFound(what string) error {
	return domain.Errorf(domain.CodeNotFound, "%s not found", what)
}

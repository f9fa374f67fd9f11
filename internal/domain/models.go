package domain

import (
	"encoding/json"
	"time"
)

type WalletKind string

const (
	WalletUser     WalletKind = "user"
	WalletMerchant WalletKind = "merchant"
	WalletFee      WalletKind = "fee"
)

// Wallet holds the cached balance of one owner. Balance must always equal
// the sum of the wallet's ledger entries.
type Wallet struct {
	ID        int64      `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Kind      WalletKind `json:"kind"`
	Currency  string     `json:"currency"`
	Balance   int64      `json:"balance"`
	CreatedAt time.Time  `json:"created_at"`
}

type TransferKind string

const (
	KindTopup        TransferKind = "topup"
	KindP2P          TransferKind = "p2p"
	KindMerchant     TransferKind = "merchant"
	KindLink         TransferKind = "link"
	KindRequest      TransferKind = "request"
	KindRefund       TransferKind = "refund"
	KindSubscription TransferKind = "subscription"
	KindInvoice      TransferKind = "invoice"
	KindFee          TransferKind = "fee"
	KindInternal     TransferKind = "internal"
)

// Transfer represents the intent to move money. A nil FromWalletID is external
// funding, a nil ToWalletID is an external payout.
type Transfer struct {
	ID           int64        `json:"id"`
	FromWalletID *int64       `json:"from_wallet_id,omitempty"`
	ToWalletID   *int64       `json:"to_wallet_id,omitempty"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Kind         TransferKind `json:"kind"`
	Reference    string       `json:"reference,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// LedgerEntry represents one leg of a transfer. Immutable once written.
type LedgerEntry struct {
	ID         int64     `json:"id"`
	TransferID int64     `json:"transfer_id"`
	WalletID   int64     `json:"wallet_id"`
	Amount     int64     `json:"amount"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatementLine is a ledger entry joined with the transfer that produced it.
type StatementLine struct {
	EntryID      int64        `json:"entry_id"`
	TransferID   int64        `json:"transfer_id"`
	Kind         TransferKind `json:"kind"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
	Counterparty string       `json:"counterparty,omitempty"`
	Reference    string       `json:"reference,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// TransferResult is the canonical response for every money movement.
type TransferResult struct {
	Transfer Transfer      `json:"transfer"`
	Entries  []LedgerEntry `json:"entries"`
	Fee      *Transfer     `json:"fee,omitempty"`
}

type IdempotencyStatus string

const (
	IdempotencyInProgress IdempotencyStatus = "in_progress"
	IdempotencyCompleted  IdempotencyStatus = "completed"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

// IdempotencyRecord is unique per (Caller, Key).
type IdempotencyRecord struct {
	Caller      string            `json:"caller"`
	Key         string            `json:"key"`
	Fingerprint string            `json:"fingerprint"`
	Status      IdempotencyStatus `json:"status"`
	ResultRef   string            `json:"result_ref,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	ErrorCode   string            `json:"error_code,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type CodeKind string

const (
	CodeQR   CodeKind = "qr"
	CodeLink CodeKind = "link"
)

type CodeMode string

const (
	CodeDynamic CodeMode = "dynamic"
	CodeStatic  CodeMode = "static"
)

type CodeStatus string

const (
	CodeActive   CodeStatus = "active"
	CodeUsed     CodeStatus = "used"
	CodeExpired  CodeStatus = "expired"
	CodeDisabled CodeStatus = "disabled"
)

// PaymentCode is a QR or link code issued by a merchant or user.
type PaymentCode struct {
	ID         int64      `json:"id"`
	OwnerID    string     `json:"owner_id"`
	WalletID   int64      `json:"wallet_id"`
	Code       string     `json:"code"`
	Kind       CodeKind   `json:"kind"`
	Mode       CodeMode   `json:"mode"`
	Amount     int64      `json:"amount,omitempty"`
	Currency   string     `json:"currency"`
	Status     CodeStatus `json:"status"`
	Note       string     `json:"note,omitempty"`
	TransferID *int64     `json:"transfer_id,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
	RequestRejected RequestStatus = "rejected"
	RequestExpired  RequestStatus = "expired"
	RequestCanceled RequestStatus = "canceled"
)

// PaymentRequest asks TargetID to pay RequesterID.
type PaymentRequest struct {
	ID          int64             `json:"id"`
	RequesterID string            `json:"requester_id"`
	TargetID    string            `json:"target_id"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      RequestStatus     `json:"status"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	TransferID  *int64            `json:"transfer_id,omitempty"`
	ExpiresAt   time.Time         `json:"expires_at"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type Refund struct {
	ID                 int64     `json:"id"`
	OriginalTransferID int64     `json:"original_transfer_id"`
	Amount             int64     `json:"amount"`
	IdempotencyKey     string    `json:"idempotency_key"`
	TransferID         int64     `json:"transfer_id"`
	Reason             string    `json:"reason,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionCanceled SubscriptionStatus = "canceled"
)

type Subscription struct {
	ID             int64              `json:"id"`
	PayerID        string             `json:"payer_id"`
	MerchantID     string             `json:"merchant_id"`
	Amount         int64              `json:"amount"`
	IntervalDays   int                `json:"interval_days"`
	NextChargeAt   time.Time          `json:"next_charge_at"`
	Status         SubscriptionStatus `json:"status"`
	LastTransferID *int64             `json:"last_transfer_id,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
}

type InvoiceStatus string

const (
	InvoicePending  InvoiceStatus = "pending"
	InvoicePaid     InvoiceStatus = "paid"
	InvoiceCanceled InvoiceStatus = "canceled"
)

type Invoice struct {
	ID         int64         `json:"id"`
	IssuerID   string        `json:"issuer_id"`
	PayerID    string        `json:"payer_id"`
	Amount     int64         `json:"amount"`
	Currency   string        `json:"currency"`
	DueAt      time.Time     `json:"due_at"`
	Status     InvoiceStatus `json:"status"`
	Reference  string        `json:"reference,omitempty"`
	TransferID *int64        `json:"transfer_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Mandate is a payer's standing authorization for one issuer.
type Mandate struct {
	ID        int64     `json:"id"`
	PayerID   string    `json:"payer_id"`
	IssuerID  string    `json:"issuer_id"`
	Autopay   bool      `json:"autopay"`
	MaxAmount int64     `json:"max_amount_cents"`
	CreatedAt time.Time `json:"created_at"`
}

type WebhookEndpoint struct {
	ID        int64     `json:"id"`
	OwnerID   string    `json:"owner_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

type WebhookDelivery struct {
	ID            string          `json:"id"`
	EndpointID    int64           `json:"endpoint_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Status        DeliveryStatus  `json:"status"`
	AttemptCount  int             `json:"attempt_count"`
	LastError     string          `json:"last_error,omitempty"`
	NextAttemptAt *time.Time      `json:"next_attempt_at,omitempty"`
	DeliveredAt   *time.Time      `json:"delivered_at,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Actor is the authenticated party on whose behalf an operation runs.
type Actor struct {
	ID       string `json:"id"`
	KYCLevel int    `json:"kyc_level"`
	Merchant bool   `json:"merchant"`
}

// WalletKind returns the kind of wallet the actor transacts from.
func (a Actor) WalletKind() WalletKind {
	if a.Merchant {
		return WalletMerchant
	}
	return WalletUser
}

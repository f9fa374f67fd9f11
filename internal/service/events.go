package service

import (
	"context"

	"github.com/punchamoorthee/walletcore/internal/store"
)

const (
	EventTransferCompleted   = "transfer.completed"
	EventRefundCompleted     = "refund.completed"
	EventRequestCreated      = "request.created"
	EventRequestAccepted     = "request.accepted"
	EventRequestRejected     = "request.rejected"
	EventSubscriptionCharged = "subscription.charged"
	EventInvoiceCreated      = "invoice.created"
	EventInvoicePaid         = "invoice.paid"
)

// Publisher records events for the owners' webhook endpoints inside the unit
// of work that produced them.
type Publisher interface {
	Publish(ctx context.Context, tx store.WebhookTx, event string, payload any, owners ...string) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, store.WebhookTx, string, any, ...string) error {
	return nil
}

package webhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const (
	EventTest            = "webhook.test"
	DefaultDeliveryLimit = 200
)

// Register adds an endpoint for a merchant owner.
func (d *Dispatcher) Register(ctx context.Context, owner domain.Actor, rawURL, secret string) (*domain.WebhookEndpoint, error) {
	if !owner.Merchant {
		return nil, domain.Errorf(domain.CodeForbidden, "webhooks are available to merchants only")
	}
	rawURL, secret = strings.TrimSpace(rawURL), strings.TrimSpace(secret)
	if err := d.checkURL(rawURL); err != nil {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "%v", err)
	}
	if secret == "" {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "secret is required")
	}

	ep := &domain.WebhookEndpoint{
		OwnerID:   owner.ID,
		URL:       rawURL,
		Secret:    secret,
		Active:    true,
		CreatedAt: d.clock.Now(),
	}
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		return tx.InsertEndpoint(ctx, ep)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func (d *Dispatcher) Endpoints(ctx context.Context, owner domain.Actor) ([]domain.WebhookEndpoint, error) {
	var out []domain.WebhookEndpoint
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.EndpointsByOwner(ctx, owner.ID)
		return err
	})
	return out, err
}

func (d *Dispatcher) Deactivate(ctx context.Context, owner domain.Actor, id int64) (*domain.WebhookEndpoint, error) {
	var ep *domain.WebhookEndpoint
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ep, err = d.ownedEndpoint(ctx, tx, owner, id)
		if err != nil || !ep.Active {
			return err
		}
		ep.Active = false
		return tx.UpdateEndpoint(ctx, ep)
	})
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// SendTest queues a test event for every active endpoint of the owner.
func (d *Dispatcher) SendTest(ctx context.Context, owner domain.Actor) ([]string, error) {
	body, err := json.Marshal(Event{Type: EventTest, Data: map[string]string{"user": owner.ID}})
	if err != nil {
		return nil, err
	}
	var ids []string
	err = d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		ids, err = d.outbox.enqueue(ctx, tx, EventTest, body, owner.ID)
		return err
	})
	return ids, err
}

// Deliveries lists the owner's deliveries, newest first, optionally
// filtered by status.
func (d *Dispatcher) Deliveries(ctx context.Context, owner domain.Actor, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error) {
	if limit <= 0 || limit > DefaultDeliveryLimit {
		limit = DefaultDeliveryLimit
	}
	var out []domain.WebhookDelivery
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.DeliveriesFor(ctx, owner.ID, status, limit)
		return err
	})
	return out, err
}

// Requeue resets a delivery to pending with a fresh attempt budget.
func (d *Dispatcher) Requeue(ctx context.Context, owner domain.Actor, id string) (*domain.WebhookDelivery, error) {
	var del *domain.WebhookDelivery
	err := d.store.WithTx(ctx, func(tx store.Tx) error {
		cur, err := tx.Delivery(ctx, id)
		if err != nil {
			return err
		}
		ep, err := tx.Endpoint(ctx, cur.EndpointID)
		if err != nil {
			return err
		}
		if ep.OwnerID != owner.ID {
			return domain.Errorf(domain.CodeForbidden, "delivery belongs to another owner")
		}
		if err := tx.ResetDelivery(ctx, id, d.clock.Now()); err != nil {
			return err
		}
		del, err = tx.Delivery(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return del, nil
}

func (d *Dispatcher) ownedEndpoint(ctx context.Context, tx store.Tx, owner domain.Actor, id int64) (*domain.WebhookEndpoint, error) {
	ep, err := tx.Endpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	if ep.OwnerID != owner.ID {
		return nil, domain.Errorf(domain.CodeNotFound, "webhook endpoint not found")
	}
	return ep, nil
}

package webhook

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

// Event is the JSON body posted to endpoints.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Outbox turns domain events into pending deliveries written in the same
// unit of work as the change they describe.
type Outbox struct {
	clock clock.Clock
}

func NewOutbox(clk clock.Clock) *Outbox {
	return &Outbox{clock: clk}
}

// Publish queues event for every active endpoint of the owners.
func (o *Outbox) Publish(ctx context.Context, tx store.WebhookTx, event string, payload any, owners ...string) error {
	body, err := json.Marshal(Event{Type: event, Data: payload})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	_, err = o.enqueue(ctx, tx, event, body, owners...)
	return err
}

func (o *Outbox) enqueue(ctx context.Context, tx store.WebhookTx, event string, body []byte, owners ...string) ([]string, error) {
	now := o.clock.Now()
	seen := make(map[string]bool, len(owners))
	var ids []string
	for _, owner := range owners {
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true

		endpoints, err := tx.EndpointsByOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		for _, ep := range endpoints {
			if !ep.Active {
				continue
			}
			due := now
			d := &domain.WebhookDelivery{
				ID:            uuid.NewString(),
				EndpointID:    ep.ID,
				EventType:     event,
				Payload:       body,
				Status:        domain.DeliveryPending,
				NextAttemptAt: &due,
				CreatedAt:     now,
			}
			if err := tx.InsertDelivery(ctx, d); err != nil {
				return nil, fmt.Errorf("queue delivery: %w", err)
			}
			deliveriesTotal.WithLabelValues("created").Inc()
			ids = append(ids, d.ID)
		}
	}
	return ids, nil
}

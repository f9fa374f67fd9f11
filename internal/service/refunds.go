package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/store"
)

type RefundInput struct {
	Caller      domain.Actor
	TransferID  int64
	Amount      int64
	Reason      string
	Key         string
	Fingerprint string
}

type RefundReceipt struct {
	Refund   domain.Refund         `json:"refund"`
	Transfer domain.TransferResult `json:"transfer"`
	Replayed bool                  `json:"-"`
}

var refundable = map[domain.TransferKind]bool{
	domain.KindP2P:          true,
	domain.KindMerchant:     true,
	domain.KindLink:         true,
	domain.KindRequest:      true,
	domain.KindSubscription: true,
	domain.KindInvoice:      true,
	domain.KindInternal:     true,
}

// Refund returns money from the receiver of a transfer to its payer. The sum
// of refunds never exceeds the original amount.
func (s *Service) Refund(ctx context.Context, in RefundInput) (*RefundReceipt, error) {
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	c := claimFor(in.Caller.ID, in.Key, in.Fingerprint, "refunds.create", map[string]any{
		"transfer_id": in.TransferID, "amount": in.Amount, "reason": in.Reason,
	})

	out, replayed, err := idempotency.Run(ctx, s.runner, c, func(ctx context.Context, tx store.Tx) (string, RefundReceipt, error) {
		r, err := s.refund(ctx, tx, in)
		if err != nil {
			return "", RefundReceipt{}, err
		}
		return fmt.Sprintf("refund:%d", r.Refund.ID), *r, nil
	})
	observe(domain.KindRefund, replayed, err)
	if err != nil {
		return nil, err
	}
	out.Replayed = replayed
	return &out, nil
}

func (s *Service) refund(ctx context.Context, tx store.Tx, in RefundInput) (*RefundReceipt, error) {
	orig, err := tx.Transfer(ctx, in.TransferID)
	if err != nil {
		return nil, err
	}
	if orig.FromWalletID == nil || orig.ToWalletID == nil || !refundable[orig.Kind] {
		return nil, domain.Errorf(domain.CodeInvalidState, "%s transfers cannot be refunded", orig.Kind)
	}

	locked, err := s.ledger.Lock(ctx, tx, *orig.FromWalletID, *orig.ToWalletID)
	if err != nil {
		return nil, err
	}
	receiver, payer := locked[*orig.ToWalletID], locked[*orig.FromWalletID]
	if receiver.OwnerID != in.Caller.ID {
		return nil, domain.Errorf(domain.CodeForbidden, "only the receiver can refund a transfer")
	}

	previous, err := tx.RefundsFor(ctx, orig.ID)
	if err != nil {
		return nil, err
	}
	var refunded int64
	for _, r := range previous {
		refunded += r.Amount
	}
	remaining := orig.Amount - refunded
	amount := in.Amount
	if amount > remaining {
		return nil, domain.ErrRefundExceeds.WithDetails(map[string]any{
			"original":   orig.Amount,
			"refunded":   refunded,
			"refundable": remaining,
			"requested":  amount,
		})
	}

	res, err := s.move(ctx, tx, movement{
		kind:      domain.KindRefund,
		from:      receiver,
		to:        payer,
		amount:    amount,
		reference: transferRef(orig.ID),
	})
	if err != nil {
		return nil, err
	}

	refund := domain.Refund{
		OriginalTransferID: orig.ID,
		Amount:             amount,
		IdempotencyKey:     in.Key,
		TransferID:         res.Transfer.ID,
		Reason:             in.Reason,
		CreatedAt:          s.clock.Now(),
	}
	if err := tx.InsertRefund(ctx, &refund); err != nil {
		return nil, err
	}
	if err := s.publisher.Publish(ctx, tx, EventRefundCompleted, refund, receiver.OwnerID, payer.OwnerID); err != nil {
		return nil, err
	}
	return &RefundReceipt{Refund: refund, Transfer: *res}, nil
}

// ListRefunds returns the refunds of a transfer visible to viewer.
func (s *Service) ListRefunds(ctx context.Context, viewer string, transferID int64) ([]domain.Refund, error) {
	var out []domain.Refund
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.Transfer(ctx, transferID)
		if err != nil {
			return err
		}
		ok, err := involves(ctx, tx, t, viewer)
		if err != nil {
			return err
		}
		if !ok {
			return domain.Errorf(domain.CodeNotFound, "transfer not found")
		}
		out, err = tx.RefundsFor(ctx, transferID)
		return err
	})
	return out, err
}


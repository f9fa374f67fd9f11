package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/store"
)

type CreateRequestInput struct {
	Requester     string
	RequesterKind domain.WalletKind
	Target        string
	Amount        int64
	Metadata      map[string]string
	// Caller, Key and Fingerprint make creation idempotent when Key is set.
	Caller      string
	Key         string
	Fingerprint string
}

// CreateRequest asks Target to pay Requester. The request expires after the
// configured request expiry.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*domain.PaymentRequest, error) {
	if in.Requester == "" || in.Target == "" {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "requester and target are required")
	}
	if in.Requester == in.Target {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "cannot request money from yourself")
	}
	if in.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if in.RequesterKind == "" {
		in.RequesterKind = domain.WalletUser
	}

	create := func(ctx context.Context, tx store.Tx) (string, domain.PaymentRequest, error) {
		if _, err := s.ledger.EnsureWallet(ctx, tx, in.Requester, in.RequesterKind); err != nil {
			return "", domain.PaymentRequest{}, err
		}
		now := s.clock.Now()
		r := domain.PaymentRequest{
			RequesterID: in.Requester,
			TargetID:    in.Target,
			Amount:      in.Amount,
			Currency:    s.ledger.Currency(),
			Status:      domain.RequestPending,
			Metadata:    in.Metadata,
			ExpiresAt:   now.Add(s.opts.RequestExpiry),
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := tx.InsertRequest(ctx, &r); err != nil {
			return "", domain.PaymentRequest{}, err
		}
		if err := s.publisher.Publish(ctx, tx, EventRequestCreated, r, r.TargetID); err != nil {
			return "", domain.PaymentRequest{}, err
		}
		return fmt.Sprintf("request:%d", r.ID), r, nil
	}

	if in.Key != "" {
		caller := in.Caller
		if caller == "" {
			caller = in.Requester
		}
		c := claimFor(caller, in.Key, in.Fingerprint, "requests.create", map[string]any{
			"requester": in.Requester, "target": in.Target, "amount": in.Amount, "metadata": in.Metadata,
		})
		r, _, err := idempotency.Run(ctx, s.runner, c, create)
		if err != nil {
			return nil, err
		}
		return &r, nil
	}

	var r domain.PaymentRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		_, r, err = create(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

type AcceptRequestInput struct {
	Payer       domain.Actor
	ID          int64
	Key         string
	Fingerprint string
}

// AcceptRequest pays a pending request. Without a key the request id keys
// the operation, so accepting twice yields the same transfer.
func (s *Service) AcceptRequest(ctx context.Context, in AcceptRequestInput) (*Receipt, error) {
	if in.Key == "" {
		in.Key = fmt.Sprintf("accept-%d", in.ID)
	}
	c := claimFor(in.Payer.ID, in.Key, in.Fingerprint, "requests.accept", map[string]any{"id": in.ID})

	rec, err := s.execute(ctx, domain.KindRequest, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		r, err := s.pendingRequest(ctx, tx, in.ID)
		if err != nil {
			return nil, err
		}
		if r.TargetID != in.Payer.ID {
			return nil, domain.Errorf(domain.CodeForbidden, "only the target can accept a request")
		}

		to, err := tx.WalletByOwner(ctx, r.RequesterID)
		if err != nil {
			return nil, err
		}
		if to.Kind == domain.WalletMerchant {
			if err := s.policy.RequireMerchantPay(in.Payer); err != nil {
				return nil, err
			}
		}
		from, err := s.ledger.EnsureWallet(ctx, tx, in.Payer.ID, in.Payer.WalletKind())
		if err != nil {
			return nil, err
		}
		res, err := s.move(ctx, tx, movement{
			kind:      domain.KindRequest,
			from:      from,
			to:        to,
			amount:    r.Amount,
			reference: fmt.Sprintf("request:%d", r.ID),
			limits:    true,
			kycLevel:  in.Payer.KYCLevel,
		})
		if err != nil {
			return nil, err
		}

		r.Status = domain.RequestAccepted
		r.TransferID = &res.Transfer.ID
		r.UpdatedAt = s.clock.Now()
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return nil, err
		}
		if err := s.publisher.Publish(ctx, tx, EventRequestAccepted, r, r.RequesterID); err != nil {
			return nil, err
		}
		return res, nil
	})
	if err != nil {
		s.settleExpired(ctx, err)
		return nil, err
	}
	return rec, nil
}

// pendingRequest locks a request and ensures it can still be answered.
func (s *Service) pendingRequest(ctx context.Context, tx store.Tx, id int64) (*domain.PaymentRequest, error) {
	r, err := tx.RequestForUpdate(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.Status != domain.RequestPending {
		return nil, domain.Errorf(domain.CodeInvalidState, "request is %s", r.Status)
	}
	if !s.clock.Now().Before(r.ExpiresAt) {
		return nil, &expired{
			err: domain.Errorf(domain.CodeInvalidState, "request is %s", domain.RequestExpired),
			persist: func(ctx context.Context, tx store.Tx) error {
				_, err := tx.ExpireRequests(ctx, s.clock.Now())
				return err
			},
		}
	}
	return r, nil
}

// RejectRequest declines a pending request addressed to the actor.
func (s *Service) RejectRequest(ctx context.Context, actor domain.Actor, id int64) (*domain.PaymentRequest, error) {
	return s.answer(ctx, id, func(r *domain.PaymentRequest) error {
		if r.TargetID != actor.ID {
			return domain.Errorf(domain.CodeForbidden, "only the target can reject a request")
		}
		r.Status = domain.RequestRejected
		return nil
	})
}

// CancelRequest withdraws a pending request made by the actor.
func (s *Service) CancelRequest(ctx context.Context, actor domain.Actor, id int64) (*domain.PaymentRequest, error) {
	return s.answer(ctx, id, func(r *domain.PaymentRequest) error {
		if r.RequesterID != actor.ID {
			return domain.Errorf(domain.CodeForbidden, "only the requester can cancel a request")
		}
		r.Status = domain.RequestCanceled
		return nil
	})
}

func (s *Service) answer(ctx context.Context, id int64, apply func(r *domain.PaymentRequest) error) (*domain.PaymentRequest, error) {
	var out *domain.PaymentRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		r, err := s.pendingRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := apply(r); err != nil {
			return err
		}
		r.UpdatedAt = s.clock.Now()
		if err := tx.UpdateRequest(ctx, r); err != nil {
			return err
		}
		if r.Status == domain.RequestRejected {
			if err := s.publisher.Publish(ctx, tx, EventRequestRejected, r, r.RequesterID); err != nil {
				return err
			}
		}
		out = r
		return nil
	})
	if err != nil {
		s.settleExpired(ctx, err)
		return nil, err
	}
	return out, nil
}

// GetRequest returns a request visible to viewer. An empty viewer is an
// internal caller and sees every request.
func (s *Service) GetRequest(ctx context.Context, viewer string, id int64) (*domain.PaymentRequest, error) {
	var r *domain.PaymentRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ExpireRequests(ctx, s.clock.Now()); err != nil {
			return err
		}
		var err error
		r, err = tx.Request(ctx, id)
		if err != nil {
			return err
		}
		if viewer != "" && r.RequesterID != viewer && r.TargetID != viewer {
			return domain.Errorf(domain.CodeNotFound, "payment request not found")
		}
		return nil
	})
	return r, err
}

func (s *Service) ListRequests(ctx context.Context, owner domain.Actor) ([]domain.PaymentRequest, error) {
	var out []domain.PaymentRequest
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		if _, err := tx.ExpireRequests(ctx, s.clock.Now()); err != nil {
			return err
		}
		var err error
		out, err = tx.RequestsFor(ctx, owner.ID)
		return err
	})
	return out, err
}

// ExpireDue moves every pending request past its expiry to expired.
func (s *Service) ExpireDue(ctx context.Context) (int64, error) {
	var n int64
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.ExpireRequests(ctx, s.clock.Now())
		return err
	})
	if err == nil && n > 0 {
		schedulerRuns.WithLabelValues("requests", "expired").Add(float64(n))
	}
	return n, err
}

package service

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletcore/internal/codes"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

type IssueCodeRequest struct {
	Owner  domain.Actor
	Kind   domain.CodeKind
	Amount int64 // zero issues a static code
	Note   string
}

// IssueCode creates a QR or link code paying into the owner's wallet.
// Dynamic codes carry an amount and expire; static codes are reusable.
func (s *Service) IssueCode(ctx context.Context, req IssueCodeRequest) (*domain.PaymentCode, error) {
	var expiry time.Duration
	switch req.Kind {
	case domain.CodeQR:
		if err := s.policy.RequireMerchantQR(req.Owner); err != nil {
			return nil, err
		}
		expiry = s.opts.QRExpiry
	case domain.CodeLink:
		expiry = s.opts.LinkExpiry
	default:
		return nil, domain.Errorf(domain.CodeInvalidRequest, "unknown code kind %q", req.Kind)
	}
	if req.Amount < 0 {
		return nil, domain.ErrInvalidAmount
	}

	value, err := codes.New(req.Kind)
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	pc := &domain.PaymentCode{
		OwnerID:   req.Owner.ID,
		Code:      value,
		Kind:      req.Kind,
		Mode:      domain.CodeStatic,
		Currency:  s.ledger.Currency(),
		Status:    domain.CodeActive,
		Note:      req.Note,
		CreatedAt: now,
	}
	if req.Amount > 0 {
		pc.Mode = domain.CodeDynamic
		pc.Amount = req.Amount
		if expiry > 0 {
			exp := now.Add(expiry)
			pc.ExpiresAt = &exp
		}
	}

	err = s.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := s.ledger.EnsureWallet(ctx, tx, req.Owner.ID, req.Owner.WalletKind())
		if err != nil {
			return err
		}
		pc.WalletID = w.ID
		return tx.InsertCode(ctx, pc)
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

type RedeemRequest struct {
	Payer       domain.Actor
	Code        string
	Amount      int64 // required for static codes
	Key         string
	Fingerprint string
}

// Redeem pays a code. The code row is locked for the whole unit of work so a
// dynamic code is used at most once.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Receipt, error) {
	kind, err := codes.Kind(req.Code)
	if err != nil {
		return nil, err
	}
	transferKind := domain.KindMerchant
	if kind == domain.CodeLink {
		transferKind = domain.KindLink
	}
	c := claimFor(req.Payer.ID, req.Key, req.Fingerprint, "payments.redeem", map[string]any{
		"code": req.Code, "amount": req.Amount,
	})

	rec, err := s.execute(ctx, transferKind, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		return s.redeem(ctx, tx, req, transferKind)
	})
	if err != nil {
		s.settleExpired(ctx, err)
		return nil, err
	}
	return rec, nil
}

func (s *Service) redeem(ctx context.Context, tx store.Tx, req RedeemRequest, kind domain.TransferKind) (*domain.TransferResult, error) {
	pc, err := tx.CodeForUpdate(ctx, req.Code)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeNotFound {
			return nil, domain.ErrCodeInvalid
		}
		return nil, err
	}
	if pc.Status != domain.CodeActive {
		return nil, domain.ErrCodeInvalid.WithDetails(map[string]any{"status": pc.Status})
	}
	if pc.ExpiresAt != nil && !s.clock.Now().Before(*pc.ExpiresAt) {
		id := pc.ID
		return nil, &expired{
			err: domain.ErrCodeInvalid.WithDetails(map[string]any{"status": domain.CodeExpired}),
			persist: func(ctx context.Context, tx store.Tx) error {
				cur, err := tx.CodeForUpdate(ctx, req.Code)
				if err != nil || cur.ID != id || cur.Status != domain.CodeActive {
					return err
				}
				cur.Status = domain.CodeExpired
				return tx.UpdateCode(ctx, cur)
			},
		}
	}
	if pc.OwnerID == req.Payer.ID {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "cannot pay your own code")
	}

	amount := req.Amount
	switch pc.Mode {
	case domain.CodeDynamic:
		if amount != 0 && amount != pc.Amount {
			return nil, domain.Errorf(domain.CodeInvalidAmount, "code requires amount %d", pc.Amount)
		}
		amount = pc.Amount
	default:
		if amount <= 0 {
			return nil, domain.Errorf(domain.CodeInvalidAmount, "amount is required for static codes")
		}
	}

	to, err := tx.Wallet(ctx, pc.WalletID)
	if err != nil {
		return nil, err
	}
	if to.Kind == domain.WalletMerchant {
		if err := s.policy.RequireMerchantPay(req.Payer); err != nil {
			return nil, err
		}
	}
	from, err := s.ledger.EnsureWallet(ctx, tx, req.Payer.ID, req.Payer.WalletKind())
	if err != nil {
		return nil, err
	}

	ref := fmt.Sprintf("code:%d", pc.ID)
	if pc.Note != "" {
		ref = pc.Note
	}
	res, err := s.move(ctx, tx, movement{
		kind:      kind,
		from:      from,
		to:        to,
		amount:    amount,
		reference: ref,
		limits:    true,
		kycLevel:  req.Payer.KYCLevel,
	})
	if err != nil {
		return nil, err
	}

	if pc.Mode == domain.CodeDynamic {
		pc.Status = domain.CodeUsed
		pc.TransferID = &res.Transfer.ID
		if err := tx.UpdateCode(ctx, pc); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// DisableCode stops a code from being redeemed. Disabling twice is a no-op.
func (s *Service) DisableCode(ctx context.Context, owner domain.Actor, code string) (*domain.PaymentCode, error) {
	var pc *domain.PaymentCode
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		pc, err = tx.CodeForUpdate(ctx, code)
		if err != nil {
			return err
		}
		if pc.OwnerID != owner.ID {
			return domain.Errorf(domain.CodeNotFound, "payment code not found")
		}
		switch pc.Status {
		case domain.CodeDisabled:
			return nil
		case domain.CodeActive:
			pc.Status = domain.CodeDisabled
			return tx.UpdateCode(ctx, pc)
		}
		return domain.Errorf(domain.CodeInvalidState, "code is %s", pc.Status)
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (s *Service) ListCodes(ctx context.Context, owner domain.Actor) ([]domain.PaymentCode, error) {
	var out []domain.PaymentCode
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		out, err = tx.CodesByOwner(ctx, owner.ID)
		return err
	})
	return out, err
}

// CPMCode returns the customer-presented code of the actor.
func (s *Service) CPMCode(actor domain.Actor) string {
	return codes.CPM(actor.ID)
}

type CPMRequest struct {
	Merchant domain.Actor
	Code     string
	Amount   int64
	Metadata map[string]string
}

// RequestFromCPM turns a scanned customer code into a payment request from
// the merchant to the customer.
func (s *Service) RequestFromCPM(ctx context.Context, req CPMRequest) (*domain.PaymentRequest, error) {
	if err := s.policy.RequireMerchantQR(req.Merchant); err != nil {
		return nil, err
	}
	customer, err := codes.ParseCPM(req.Code)
	if err != nil {
		return nil, err
	}
	return s.CreateRequest(ctx, CreateRequestInput{
		Requester:     req.Merchant.ID,
		RequesterKind: domain.WalletMerchant,
		Target:        customer,
		Amount:        req.Amount,
		Metadata:      req.Metadata,
	})
}

package service

import (
	"context"
	"io"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/store"
)

type TransferRequest struct {
	Payer       domain.Actor
	To          string
	Amount      int64
	Reference   string
	Key         string
	Fingerprint string
}

// Transfer moves money between two owners. Calls sharing an idempotency key
// produce exactly one transfer.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if req.To == "" {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "recipient is required")
	}
	if req.To == req.Payer.ID {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "cannot transfer to yourself")
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	c := claimFor(req.Payer.ID, req.Key, req.Fingerprint, "wallet.transfer", map[string]any{
		"to": req.To, "amount": req.Amount, "reference": req.Reference,
	})

	return s.execute(ctx, domain.KindP2P, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		from, err := s.ledger.EnsureWallet(ctx, tx, req.Payer.ID, req.Payer.WalletKind())
		if err != nil {
			return nil, err
		}
		to, err := s.ledger.EnsureWallet(ctx, tx, req.To, domain.WalletUser)
		if err != nil {
			return nil, err
		}
		return s.move(ctx, tx, movement{
			kind:      domain.KindP2P,
			from:      from,
			to:        to,
			amount:    req.Amount,
			reference: req.Reference,
			limits:    true,
			kycLevel:  req.Payer.KYCLevel,
		})
	})
}

type TopupRequest struct {
	Owner       domain.Actor
	Amount      int64
	Key         string
	Fingerprint string
}

// Topup credits external funds to the owner's wallet.
func (s *Service) Topup(ctx context.Context, req TopupRequest) (*Receipt, error) {
	if !s.opts.TopupEnabled {
		return nil, domain.Errorf(domain.CodeForbidden, "topup is disabled")
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	c := claimFor(req.Owner.ID, req.Key, req.Fingerprint, "wallet.topup", map[string]any{"amount": req.Amount})

	return s.execute(ctx, domain.KindTopup, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		to, err := s.ledger.EnsureWallet(ctx, tx, req.Owner.ID, req.Owner.WalletKind())
		if err != nil {
			return nil, err
		}
		return s.move(ctx, tx, movement{kind: domain.KindTopup, to: to, amount: req.Amount})
	})
}

// InternalTransferRequest is a transfer initiated by a trusted vertical on
// behalf of From.
type InternalTransferRequest struct {
	Caller      string
	From        string
	To          string
	Amount      int64
	Reference   string
	KYCLevel    int
	Key         string
	Fingerprint string
}

func (s *Service) InternalTransfer(ctx context.Context, req InternalTransferRequest) (*Receipt, error) {
	if req.From == "" || req.To == "" {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "from and to are required")
	}
	if req.From == req.To {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "cannot transfer to yourself")
	}
	if req.Amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	c := claimFor("internal:"+req.Caller, req.Key, req.Fingerprint, "internal.transfer", map[string]any{
		"from": req.From, "to": req.To, "amount": req.Amount, "reference": req.Reference,
	})

	return s.execute(ctx, domain.KindInternal, c, func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error) {
		from, err := tx.WalletByOwner(ctx, req.From)
		if err != nil {
			return nil, err
		}
		to, err := s.ledger.EnsureWallet(ctx, tx, req.To, domain.WalletUser)
		if err != nil {
			return nil, err
		}
		return s.move(ctx, tx, movement{
			kind:      domain.KindInternal,
			from:      from,
			to:        to,
			amount:    req.Amount,
			reference: req.Reference,
			limits:    true,
			kycLevel:  req.KYCLevel,
		})
	})
}

// Wallet returns the actor's wallet, opening it on first access.
func (s *Service) Wallet(ctx context.Context, actor domain.Actor) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = s.ledger.EnsureWallet(ctx, tx, actor.ID, actor.WalletKind())
		return err
	})
	return w, err
}

// WalletOf returns an existing wallet without creating one.
func (s *Service) WalletOf(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	return s.ledger.Wallet(ctx, ownerID)
}

func (s *Service) Statement(ctx context.Context, actor domain.Actor, page store.Page) (*ledger.Statement, error) {
	if _, err := s.Wallet(ctx, actor); err != nil {
		return nil, err
	}
	return s.ledger.Statement(ctx, actor.ID, page)
}

func (s *Service) ExportStatement(ctx context.Context, actor domain.Actor, w io.Writer) error {
	if _, err := s.Wallet(ctx, actor); err != nil {
		return err
	}
	return s.ledger.ExportCSV(ctx, actor.ID, w)
}

// GetTransfer returns a transfer visible to viewer, the owner of either
// side. An empty viewer skips the check.
func (s *Service) GetTransfer(ctx context.Context, viewer string, id int64) (*domain.TransferResult, error) {
	var res *domain.TransferResult
	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.Transfer(ctx, id)
		if err != nil {
			return err
		}
		if viewer != "" {
			ok, err := involves(ctx, tx, t, viewer)
			if err != nil {
				return err
			}
			if !ok {
				return domain.Errorf(domain.CodeNotFound, "transfer not found")
			}
		}
		entries, err := tx.TransferEntries(ctx, id)
		if err != nil {
			return err
		}
		res = &domain.TransferResult{Transfer: *t, Entries: entries}
		return nil
	})
	return res, err
}

func involves(ctx context.Context, tx store.WalletTx, t *domain.Transfer, owner string) (bool, error) {
	for _, id := range []*int64{t.FromWalletID, t.ToWalletID} {
		if id == nil {
			continue
		}
		w, err := tx.Wallet(ctx, *id)
		if err != nil {
			return false, err
		}
		if w.OwnerID == owner {
			return true, nil
		}
	}
	return false, nil
}

package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

// ErrUnbalanced is returned when postings do not match their transfer.
var ErrUnbalanced = errors.New("postings do not balance transfer")

// Posting is one signed movement against a wallet.
type Posting struct {
	WalletID int64
	Amount   int64
}

type Ledger struct {
	store    store.Store
	clock    clock.Clock
	currency string
}

func New(s store.Store, clk clock.Clock, currency string) *Ledger {
	return &Ledger{store: s, clock: clk, currency: currency}
}

func (l *Ledger) Currency() string {
	return l.currency
}

// EnsureWallet returns the owner's wallet, creating an empty one on first use.
// A user wallet created before its owner acted as a merchant, for example by
// receiving a peer transfer, becomes a merchant wallet here.
func (l *Ledger) EnsureWallet(ctx context.Context, tx store.WalletTx, ownerID string, kind domain.WalletKind) (*domain.Wallet, error) {
	if ownerID == "" {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "owner id is required")
	}
	w, err := tx.EnsureWallet(ctx, domain.Wallet{
		OwnerID:   ownerID,
		Kind:      kind,
		Currency:  l.currency,
		CreatedAt: l.clock.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure wallet %s: %w", ownerID, err)
	}
	if w.Kind == domain.WalletUser && kind == domain.WalletMerchant {
		if err := tx.SetWalletKind(ctx, w.ID, kind); err != nil {
			return nil, fmt.Errorf("upgrade wallet %s: %w", ownerID, err)
		}
		w.Kind = kind
	}
	return w, nil
}

// Lock takes row locks on the given wallets in ascending id order so that
// concurrent transfers between the same wallets cannot deadlock.
func (l *Ledger) Lock(ctx context.Context, tx store.WalletTx, ids ...int64) (map[int64]*domain.Wallet, error) {
	ordered := slices.Clone(ids)
	slices.Sort(ordered)
	ordered = slices.Compact(ordered)

	locked := make(map[int64]*domain.Wallet, len(ordered))
	for _, id := range ordered {
		w, err := tx.LockWallet(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("lock wallet %d: %w", id, err)
		}
		locked[id] = w
	}
	return locked, nil
}

// ApplyEntries is the only write path for money. It records t and its
// postings and moves the cached balances, all within tx.
func (l *Ledger) ApplyEntries(ctx context.Context, tx store.Tx, t *domain.Transfer, postings []Posting) ([]domain.LedgerEntry, error) {
	if err := validate(t, postings); err != nil {
		return nil, err
	}
	if t.Currency == "" {
		t.Currency = l.currency
	}
	now := l.clock.Now()
	t.CreatedAt = now

	if err := tx.InsertTransfer(ctx, t); err != nil {
		return nil, err
	}

	entries := make([]domain.LedgerEntry, len(postings))
	for i, p := range postings {
		entries[i] = domain.LedgerEntry{TransferID: t.ID, WalletID: p.WalletID, Amount: p.Amount, CreatedAt: now}
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return nil, err
	}
	for _, p := range postings {
		if err := tx.AdjustBalance(ctx, p.WalletID, p.Amount); err != nil {
			return nil, fmt.Errorf("balance update failed: %w", err)
		}
	}
	return entries, nil
}

// Post derives the postings implied by t and applies them.
func (l *Ledger) Post(ctx context.Context, tx store.Tx, t *domain.Transfer) ([]domain.LedgerEntry, error) {
	var postings []Posting
	if t.FromWalletID != nil {
		postings = append(postings, Posting{WalletID: *t.FromWalletID, Amount: -t.Amount})
	}
	if t.ToWalletID != nil {
		postings = append(postings, Posting{WalletID: *t.ToWalletID, Amount: t.Amount})
	}
	return l.ApplyEntries(ctx, tx, t, postings)
}

func validate(t *domain.Transfer, postings []Posting) error {
	if t.Amount <= 0 {
		return domain.ErrInvalidAmount
	}
	for _, p := range postings {
		if p.Amount == 0 {
			return domain.Errorf(domain.CodeInvalidAmount, "zero ledger entry for wallet %d", p.WalletID)
		}
	}

	switch {
	case t.FromWalletID != nil && t.ToWalletID != nil:
		if *t.FromWalletID == *t.ToWalletID {
			return fmt.Errorf("%w: source and destination wallet are the same", ErrUnbalanced)
		}
		if len(postings) != 2 {
			return fmt.Errorf("%w: two-sided transfer needs 2 postings, got %d", ErrUnbalanced, len(postings))
		}
		var sum int64
		for _, p := range postings {
			sum += p.Amount
			switch p.WalletID {
			case *t.FromWalletID:
				if p.Amount != -t.Amount {
					return fmt.Errorf("%w: debit %d does not match amount %d", ErrUnbalanced, p.Amount, t.Amount)
				}
			case *t.ToWalletID:
				if p.Amount != t.Amount {
					return fmt.Errorf("%w: credit %d does not match amount %d", ErrUnbalanced, p.Amount, t.Amount)
				}
			default:
				return fmt.Errorf("%w: posting to unrelated wallet %d", ErrUnbalanced, p.WalletID)
			}
		}
		if sum != 0 {
			return fmt.Errorf("%w: postings sum to %d", ErrUnbalanced, sum)
		}
	case t.ToWalletID != nil:
		if len(postings) != 1 || postings[0].WalletID != *t.ToWalletID || postings[0].Amount != t.Amount {
			return fmt.Errorf("%w: topup needs a single +amount posting", ErrUnbalanced)
		}
	case t.FromWalletID != nil:
		if len(postings) != 1 || postings[0].WalletID != *t.FromWalletID || postings[0].Amount != -t.Amount {
			return fmt.Errorf("%w: payout needs a single -amount posting", ErrUnbalanced)
		}
	default:
		return fmt.Errorf("%w: transfer has no wallets", ErrUnbalanced)
	}
	return nil
}

// Wallet returns the committed state of the owner's wallet.
func (l *Ledger) Wallet(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	var w *domain.Wallet
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		var err error
		w, err = tx.WalletByOwner(ctx, ownerID)
		return err
	})
	return w, err
}

// TransferWithEntries loads a transfer and its ledger entries.
func (l *Ledger) TransferWithEntries(ctx context.Context, id int64) (*domain.TransferResult, error) {
	var res domain.TransferResult
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		t, err := tx.Transfer(ctx, id)
		if err != nil {
			return err
		}
		entries, err := tx.TransferEntries(ctx, id)
		if err != nil {
			return err
		}
		res = domain.TransferResult{Transfer: *t, Entries: entries}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

package ledger

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const reconcileBatch = 500

type BalanceMismatch struct {
	WalletID  int64  `json:"wallet_id"`
	OwnerID   string `json:"owner_id"`
	Balance   int64  `json:"balance"`
	LedgerSum int64  `json:"ledger_sum"`
}

type TransferIssue struct {
	TransferID int64  `json:"transfer_id"`
	Reason     string `json:"reason"`
}

type Report struct {
	WalletsChecked   int               `json:"wallets_checked"`
	TransfersChecked int               `json:"transfers_checked"`
	Mismatches       []BalanceMismatch `json:"mismatches,omitempty"`
	Issues           []TransferIssue   `json:"issues,omitempty"`
}

func (r Report) OK() bool {
	return len(r.Mismatches) == 0 && len(r.Issues) == 0
}

// Reconcile verifies every wallet balance against its entries and every
// transfer against the one/two entry rule.
func (l *Ledger) Reconcile(ctx context.Context) (*Report, error) {
	var report Report

	var after int64
	for {
		var batch []domain.Wallet
		var mismatches []BalanceMismatch
		err := l.store.WithTx(ctx, func(tx store.Tx) error {
			wallets, err := tx.ListWallets(ctx, after, reconcileBatch)
			if err != nil {
				return err
			}
			batch, mismatches = wallets, nil
			for _, w := range wallets {
				sum, err := tx.EntrySum(ctx, w.ID)
				if err != nil {
					return err
				}
				if sum != w.Balance {
					mismatches = append(mismatches, BalanceMismatch{
						WalletID: w.ID, OwnerID: w.OwnerID, Balance: w.Balance, LedgerSum: sum,
					})
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile wallets: %w", err)
		}
		report.Mismatches = append(report.Mismatches, mismatches...)
		report.WalletsChecked += len(batch)
		if len(batch) < reconcileBatch {
			break
		}
		after = batch[len(batch)-1].ID
	}

	after = 0
	for {
		var batch []domain.Transfer
		var issues []TransferIssue
		err := l.store.WithTx(ctx, func(tx store.Tx) error {
			transfers, err := tx.ListTransfers(ctx, after, reconcileBatch)
			if err != nil {
				return err
			}
			batch, issues = transfers, nil
			for i := range transfers {
				entries, err := tx.TransferEntries(ctx, transfers[i].ID)
				if err != nil {
					return err
				}
				if reason := checkTransfer(&transfers[i], entries); reason != "" {
					issues = append(issues, TransferIssue{TransferID: transfers[i].ID, Reason: reason})
				}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("reconcile transfers: %w", err)
		}
		report.Issues = append(report.Issues, issues...)
		report.TransfersChecked += len(batch)
		if len(batch) < reconcileBatch {
			break
		}
		after = batch[len(batch)-1].ID
	}

	return &report, nil
}

func checkTransfer(t *domain.Transfer, entries []domain.LedgerEntry) string {
	postings := make([]Posting, len(entries))
	for i, e := range entries {
		postings[i] = Posting{WalletID: e.WalletID, Amount: e.Amount}
	}
	if err := validate(t, postings); err != nil {
		return err.Error()
	}
	return ""
}

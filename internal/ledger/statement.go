package ledger

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
	// minorUnitExp converts minor units to major units (cents -> units).
	minorUnitExp = -2
)

type Statement struct {
	Wallet domain.Wallet          `json:"wallet"`
	Lines  []domain.StatementLine `json:"lines"`
	Limit  int                    `json:"limit"`
	Offset int                    `json:"offset"`
}

// Statement returns a page of the owner's entries, newest first.
func (l *Ledger) Statement(ctx context.Context, ownerID string, page store.Page) (*Statement, error) {
	if page.Limit <= 0 {
		page.Limit = DefaultPageSize
	}
	if page.Limit > MaxPageSize {
		page.Limit = MaxPageSize
	}
	if page.Offset < 0 {
		page.Offset = 0
	}

	var st Statement
	err := l.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := tx.WalletByOwner(ctx, ownerID)
		if err != nil {
			return err
		}
		lines, err := tx.Statement(ctx, w.ID, page)
		if err != nil {
			return err
		}
		st = Statement{Wallet: *w, Lines: lines, Limit: page.Limit, Offset: page.Offset}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// ExportCSV writes every entry of the owner's wallet as CSV.
func (l *Ledger) ExportCSV(ctx context.Context, ownerID string, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"entry_id", "transfer_id", "created_at", "kind", "amount_cents", "amount", "currency", "counterparty", "reference"}); err != nil {
		return err
	}

	for offset := 0; ; offset += MaxPageSize {
		st, err := l.Statement(ctx, ownerID, store.Page{Limit: MaxPageSize, Offset: offset})
		if err != nil {
			return err
		}
		for _, line := range st.Lines {
			record := []string{
				strconv.FormatInt(line.EntryID, 10),
				strconv.FormatInt(line.TransferID, 10),
				line.CreatedAt.UTC().Format(time.RFC3339),
				string(line.Kind),
				strconv.FormatInt(line.Amount, 10),
				MajorUnits(line.Amount),
				line.Currency,
				line.Counterparty,
				line.Reference,
			}
			if err := cw.Write(record); err != nil {
				return err
			}
		}
		if len(st.Lines) < MaxPageSize {
			break
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

// MajorUnits renders a minor-unit amount with two decimals.
func MajorUnits(minor int64) string {
	return decimal.New(minor, minorUnitExp).StringFixed(2)
}

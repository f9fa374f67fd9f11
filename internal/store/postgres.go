package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/retry"
)

//go:embed schema.sql
var Schema string

// DefaultTxRetry retries units of work that lost a serialization race.
var DefaultTxRetry = retry.Policy{MaxAttempts: 5, BaseDelay: 10 * time.Millisecond, Factor: 2, MaxDelay: 200 * time.Millisecond}

type Postgres struct {
	Db    *pgxpool.Pool
	retry retry.Policy
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool, retry: DefaultTxRetry}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

// Migrate applies the embedded schema. Statements are idempotent.
func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx runs fn in a RepeatableRead transaction, retrying the whole unit on
// serialization failures and deadlocks.
func (s *Postgres) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	res := retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) retry.Result[struct{}] {
		err := s.runTx(ctx, fn)
		switch {
		case err == nil:
			return retry.Ok(struct{}{})
		case errors.Is(err, ErrConflict):
			return retry.Fail[struct{}](retry.Retryable, err)
		default:
			return retry.Fail[struct{}](retry.Permanent, err)
		}
	})
	return res.Err
}

func (s *Postgres) runTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify(fmt.Errorf("tx commit failed: %w", err))
	}
	return nil
}

// classify maps driver errors onto store sentinels.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		return fmt.Errorf("%w: %s", ErrDuplicate, pgErr.ConstraintName)
	case "40001", "40P01":
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.Message)
	}
	return err
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) queryRowErr(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return notFound(what)
	}
	return classify(err)
}

// Wallets

const walletCols = "id, owner_id, kind, currency, balance, created_at"

func scanWallet(row pgx.Row) (*domain.Wallet, error) {
	var w domain.Wallet
	err := row.Scan(&w.ID, &w.OwnerID, &w.Kind, &w.Currency, &w.Balance, &w.CreatedAt)
	return &w, err
}

func (t *pgTx) EnsureWallet(ctx context.Context, w domain.Wallet) (*domain.Wallet, error) {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO wallets (owner_id, kind, currency, balance, created_at) VALUES ($1, $2, $3, 0, $4) ON CONFLICT (owner_id) DO NOTHING",
		w.OwnerID, w.Kind, w.Currency, w.CreatedAt)
	if err != nil {
		return nil, classify(err)
	}
	return t.WalletByOwner(ctx, w.OwnerID)
}

func (t *pgTx) SetWalletKind(ctx context.Context, id int64, kind domain.WalletKind) error {
	tag, err := t.tx.Exec(ctx, "UPDATE wallets SET kind = $2 WHERE id = $1", id, kind)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() != 1 {
		return notFound("wallet")
	}
	return nil
}

func (t *pgTx) WalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE owner_id = $1", ownerID))
	if err != nil {
		return nil, t.queryRowErr(err, "wallet")
	}
	return w, nil
}

func (t *pgTx) Wallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "wallet")
	}
	return w, nil
}

func (t *pgTx) LockWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	w, err := scanWallet(t.tx.QueryRow(ctx, "SELECT "+walletCols+" FROM wallets WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, t.queryRowErr(err, "wallet")
	}
	return w, nil
}

func (t *pgTx) AdjustBalance(ctx context.Context, walletID, delta int64) error {
	tag, err := t.tx.Exec(ctx, "UPDATE wallets SET balance = balance + $1 WHERE id = $2", delta, walletID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() != 1 {
		return notFound("wallet")
	}
	return nil
}

func (t *pgTx) ListWallets(ctx context.Context, afterID int64, limit int) ([]domain.Wallet, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+walletCols+" FROM wallets WHERE id > $1 ORDER BY id LIMIT $2", afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Wallet, error) {
		w, err := scanWallet(row)
		return *w, err
	})
}

// Ledger

const transferCols = "id, from_wallet_id, to_wallet_id, amount, currency, kind, reference, created_at"

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var tr domain.Transfer
	err := row.Scan(&tr.ID, &tr.FromWalletID, &tr.ToWalletID, &tr.Amount, &tr.Currency, &tr.Kind, &tr.Reference, &tr.CreatedAt)
	return &tr, err
}

func (t *pgTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO transfers (from_wallet_id, to_wallet_id, amount, currency, kind, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		tr.FromWalletID, tr.ToWalletID, tr.Amount, tr.Currency, tr.Kind, tr.Reference, tr.CreatedAt,
	).Scan(&tr.ID)
	if err != nil {
		return fmt.Errorf("transfer insert failed: %w", classify(err))
	}
	return nil
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	for i := range entries {
		e := &entries[i]
		err := t.tx.QueryRow(ctx,
			"INSERT INTO ledger_entries (transfer_id, wallet_id, amount, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
			e.TransferID, e.WalletID, e.Amount, e.CreatedAt,
		).Scan(&e.ID)
		if err != nil {
			return fmt.Errorf("ledger entry failed: %w", classify(err))
		}
	}
	return nil
}

func (t *pgTx) Transfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	tr, err := scanTransfer(t.tx.QueryRow(ctx, "SELECT "+transferCols+" FROM transfers WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "transfer")
	}
	return tr, nil
}

func scanEntry(row pgx.CollectableRow) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	err := row.Scan(&e.ID, &e.TransferID, &e.WalletID, &e.Amount, &e.CreatedAt)
	return e, err
}

func (t *pgTx) TransferEntries(ctx context.Context, transferID int64) ([]domain.LedgerEntry, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, transfer_id, wallet_id, amount, created_at FROM ledger_entries WHERE transfer_id = $1 ORDER BY id",
		transferID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, scanEntry)
}

func (t *pgTx) Statement(ctx context.Context, walletID int64, page Page) ([]domain.StatementLine, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT e.id, e.transfer_id, t.kind, e.amount, t.currency, COALESCE(cp.owner_id, ''), t.reference, e.created_at
		FROM ledger_entries e
		JOIN transfers t ON t.id = e.transfer_id
		LEFT JOIN wallets cp ON cp.id = CASE WHEN e.amount < 0 THEN t.to_wallet_id ELSE t.from_wallet_id END
		WHERE e.wallet_id = $1
		ORDER BY e.id DESC
		LIMIT $2 OFFSET $3`,
		walletID, page.Limit, page.Offset)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.StatementLine, error) {
		var l domain.StatementLine
		err := row.Scan(&l.EntryID, &l.TransferID, &l.Kind, &l.Amount, &l.Currency, &l.Counterparty, &l.Reference, &l.CreatedAt)
		return l, err
	})
}

func (t *pgTx) EntrySum(ctx context.Context, walletID int64) (int64, error) {
	var sum int64
	err := t.tx.QueryRow(ctx, "SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE wallet_id = $1", walletID).Scan(&sum)
	return sum, classify(err)
}

func (t *pgTx) OutgoingSince(ctx context.Context, walletID int64, since time.Time, kinds ...domain.TransferKind) (int64, int64, error) {
	filter := make([]string, 0, len(kinds))
	for _, k := range kinds {
		filter = append(filter, string(k))
	}
	var count, total int64
	err := t.tx.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(-e.amount), 0)
		FROM ledger_entries e
		JOIN transfers t ON t.id = e.transfer_id
		WHERE e.wallet_id = $1 AND e.amount < 0 AND e.created_at >= $2
		  AND (cardinality($3::text[]) = 0 OR t.kind = ANY($3::text[]))`,
		walletID, since, filter,
	).Scan(&count, &total)
	return count, total, classify(err)
}

func (t *pgTx) ListTransfers(ctx context.Context, afterID int64, limit int) ([]domain.Transfer, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+transferCols+" FROM transfers WHERE id > $1 ORDER BY id LIMIT $2", afterID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Transfer, error) {
		tr, err := scanTransfer(row)
		return *tr, err
	})
}

// Idempotency

func (t *pgTx) InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO idempotency_keys (caller, key, fingerprint, status, result_ref, response, error_code, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		rec.Caller, rec.Key, rec.Fingerprint, rec.Status, rec.ResultRef, nullJSON(rec.Response), rec.ErrorCode, rec.CreatedAt, rec.UpdatedAt)
	return classify(err)
}

func (t *pgTx) IdempotencyRecord(ctx context.Context, caller, key string) (*domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var response []byte
	err := t.tx.QueryRow(ctx,
		"SELECT caller, key, fingerprint, status, result_ref, response, error_code, created_at, updated_at FROM idempotency_keys WHERE caller = $1 AND key = $2",
		caller, key,
	).Scan(&rec.Caller, &rec.Key, &rec.Fingerprint, &rec.Status, &rec.ResultRef, &response, &rec.ErrorCode, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, t.queryRowErr(err, "idempotency key")
	}
	rec.Response = response
	return &rec, nil
}

func (t *pgTx) UpdateIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE idempotency_keys SET fingerprint = $3, status = $4, result_ref = $5, response = $6, error_code = $7, updated_at = $8 WHERE caller = $1 AND key = $2",
		rec.Caller, rec.Key, rec.Fingerprint, rec.Status, rec.ResultRef, nullJSON(rec.Response), rec.ErrorCode, rec.UpdatedAt)
	return classify(err)
}

func (t *pgTx) DeleteIdempotencyBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx, "DELETE FROM idempotency_keys WHERE updated_at < $1 AND status <> 'in_progress'", before)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// Payment codes

const codeCols = "id, owner_id, wallet_id, code, kind, mode, amount, currency, status, note, transfer_id, expires_at, created_at"

func scanCode(row pgx.Row) (*domain.PaymentCode, error) {
	var c domain.PaymentCode
	err := row.Scan(&c.ID, &c.OwnerID, &c.WalletID, &c.Code, &c.Kind, &c.Mode, &c.Amount, &c.Currency, &c.Status, &c.Note, &c.TransferID, &c.ExpiresAt, &c.CreatedAt)
	return &c, err
}

func (t *pgTx) InsertCode(ctx context.Context, c *domain.PaymentCode) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO payment_codes (owner_id, wallet_id, code, kind, mode, amount, currency, status, note, expires_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11) RETURNING id",
		c.OwnerID, c.WalletID, c.Code, c.Kind, c.Mode, c.Amount, c.Currency, c.Status, c.Note, c.ExpiresAt, c.CreatedAt,
	).Scan(&c.ID)
	return classify(err)
}

func (t *pgTx) CodeForUpdate(ctx context.Context, code string) (*domain.PaymentCode, error) {
	c, err := scanCode(t.tx.QueryRow(ctx, "SELECT "+codeCols+" FROM payment_codes WHERE code = $1 FOR UPDATE", code))
	if err != nil {
		return nil, t.queryRowErr(err, "payment code")
	}
	return c, nil
}

func (t *pgTx) UpdateCode(ctx context.Context, c *domain.PaymentCode) error {
	_, err := t.tx.Exec(ctx, "UPDATE payment_codes SET status = $2, transfer_id = $3 WHERE id = $1", c.ID, c.Status, c.TransferID)
	return classify(err)
}

func (t *pgTx) CodesByOwner(ctx context.Context, ownerID string) ([]domain.PaymentCode, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+codeCols+" FROM payment_codes WHERE owner_id = $1 ORDER BY id DESC", ownerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PaymentCode, error) {
		c, err := scanCode(row)
		return *c, err
	})
}

// Payment requests

const requestCols = "id, requester_id, target_id, amount, currency, status, metadata, transfer_id, expires_at, created_at, updated_at"

func scanRequest(row pgx.Row) (*domain.PaymentRequest, error) {
	var r domain.PaymentRequest
	var meta []byte
	if err := row.Scan(&r.ID, &r.RequesterID, &r.TargetID, &r.Amount, &r.Currency, &r.Status, &meta, &r.TransferID, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode request metadata: %w", err)
		}
	}
	return &r, nil
}

func (t *pgTx) InsertRequest(ctx context.Context, r *domain.PaymentRequest) error {
	meta, err := marshalMetadata(r.Metadata)
	if err != nil {
		return err
	}
	err = t.tx.QueryRow(ctx,
		"INSERT INTO payment_requests (requester_id, target_id, amount, currency, status, metadata, expires_at, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id",
		r.RequesterID, r.TargetID, r.Amount, r.Currency, r.Status, meta, r.ExpiresAt, r.CreatedAt, r.UpdatedAt,
	).Scan(&r.ID)
	return classify(err)
}

func (t *pgTx) Request(ctx context.Context, id int64) (*domain.PaymentRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, "SELECT "+requestCols+" FROM payment_requests WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "payment request")
	}
	return r, nil
}

func (t *pgTx) RequestForUpdate(ctx context.Context, id int64) (*domain.PaymentRequest, error) {
	r, err := scanRequest(t.tx.QueryRow(ctx, "SELECT "+requestCols+" FROM payment_requests WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, t.queryRowErr(err, "payment request")
	}
	return r, nil
}

func (t *pgTx) UpdateRequest(ctx context.Context, r *domain.PaymentRequest) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE payment_requests SET status = $2, transfer_id = $3, updated_at = $4 WHERE id = $1",
		r.ID, r.Status, r.TransferID, r.UpdatedAt)
	return classify(err)
}

func (t *pgTx) RequestsFor(ctx context.Context, ownerID string) ([]domain.PaymentRequest, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+requestCols+" FROM payment_requests WHERE requester_id = $1 OR target_id = $1 ORDER BY id DESC LIMIT 200",
		ownerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.PaymentRequest, error) {
		r, err := scanRequest(row)
		if err != nil {
			return domain.PaymentRequest{}, err
		}
		return *r, nil
	})
}

func (t *pgTx) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	tag, err := t.tx.Exec(ctx,
		"UPDATE payment_requests SET status = 'expired', updated_at = $1 WHERE status = 'pending' AND expires_at <= $1",
		now)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// Refunds

func (t *pgTx) InsertRefund(ctx context.Context, r *domain.Refund) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO refunds (original_transfer_id, amount, idempotency_key, transfer_id, reason, created_at) VALUES ($1, $2, $3, $4, $5, $6) RETURNING id",
		r.OriginalTransferID, r.Amount, r.IdempotencyKey, r.TransferID, r.Reason, r.CreatedAt,
	).Scan(&r.ID)
	return classify(err)
}

func (t *pgTx) RefundsFor(ctx context.Context, transferID int64) ([]domain.Refund, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, original_transfer_id, amount, idempotency_key, transfer_id, reason, created_at FROM refunds WHERE original_transfer_id = $1 ORDER BY id",
		transferID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Refund, error) {
		var r domain.Refund
		err := row.Scan(&r.ID, &r.OriginalTransferID, &r.Amount, &r.IdempotencyKey, &r.TransferID, &r.Reason, &r.CreatedAt)
		return r, err
	})
}

// Subscriptions, invoices, mandates

const subscriptionCols = "id, payer_id, merchant_id, amount, interval_days, next_charge_at, status, last_transfer_id, created_at"

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(&s.ID, &s.PayerID, &s.MerchantID, &s.Amount, &s.IntervalDays, &s.NextChargeAt, &s.Status, &s.LastTransferID, &s.CreatedAt)
	return &s, err
}

func (t *pgTx) InsertSubscription(ctx context.Context, s *domain.Subscription) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO subscriptions (payer_id, merchant_id, amount, interval_days, next_charge_at, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id",
		s.PayerID, s.MerchantID, s.Amount, s.IntervalDays, s.NextChargeAt, s.Status, s.CreatedAt,
	).Scan(&s.ID)
	return classify(err)
}

func (t *pgTx) Subscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx, "SELECT "+subscriptionCols+" FROM subscriptions WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "subscription")
	}
	return s, nil
}

func (t *pgTx) SubscriptionForUpdate(ctx context.Context, id int64) (*domain.Subscription, error) {
	s, err := scanSubscription(t.tx.QueryRow(ctx, "SELECT "+subscriptionCols+" FROM subscriptions WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, t.queryRowErr(err, "subscription")
	}
	return s, nil
}

func (t *pgTx) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	_, err := t.tx.Exec(ctx,
		"UPDATE subscriptions SET next_charge_at = $2, status = $3, last_transfer_id = $4 WHERE id = $1",
		s.ID, s.NextChargeAt, s.Status, s.LastTransferID)
	return classify(err)
}

func (t *pgTx) SubscriptionsFor(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+subscriptionCols+" FROM subscriptions WHERE payer_id = $1 OR merchant_id = $1 ORDER BY id DESC",
		ownerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Subscription, error) {
		s, err := scanSubscription(row)
		return *s, err
	})
}

func (t *pgTx) DueSubscriptions(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT next_charge_at, id FROM subscriptions
		WHERE status = 'active' AND next_charge_at <= $1 AND (next_charge_at, id) > ($2, $3)
		ORDER BY next_charge_at, id
		LIMIT $4`,
		now, after.At, after.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, scanDue)
}

func scanDue(row pgx.CollectableRow) (Due, error) {
	var d Due
	err := row.Scan(&d.At, &d.ID)
	return d, err
}

const invoiceCols = "id, issuer_id, payer_id, amount, currency, due_at, status, reference, transfer_id, created_at"

func scanInvoice(row pgx.Row) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := row.Scan(&inv.ID, &inv.IssuerID, &inv.PayerID, &inv.Amount, &inv.Currency, &inv.DueAt, &inv.Status, &inv.Reference, &inv.TransferID, &inv.CreatedAt)
	return &inv, err
}

func (t *pgTx) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO invoices (issuer_id, payer_id, amount, currency, due_at, status, reference, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8) RETURNING id",
		inv.IssuerID, inv.PayerID, inv.Amount, inv.Currency, inv.DueAt, inv.Status, inv.Reference, inv.CreatedAt,
	).Scan(&inv.ID)
	return classify(err)
}

func (t *pgTx) InvoiceForUpdate(ctx context.Context, id int64) (*domain.Invoice, error) {
	inv, err := scanInvoice(t.tx.QueryRow(ctx, "SELECT "+invoiceCols+" FROM invoices WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return nil, t.queryRowErr(err, "invoice")
	}
	return inv, nil
}

func (t *pgTx) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	_, err := t.tx.Exec(ctx, "UPDATE invoices SET status = $2, transfer_id = $3 WHERE id = $1", inv.ID, inv.Status, inv.TransferID)
	return classify(err)
}

func (t *pgTx) InvoicesFor(ctx context.Context, ownerID string) ([]domain.Invoice, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+invoiceCols+" FROM invoices WHERE issuer_id = $1 OR payer_id = $1 ORDER BY id DESC",
		ownerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Invoice, error) {
		inv, err := scanInvoice(row)
		return *inv, err
	})
}

func (t *pgTx) DueInvoices(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT i.due_at, i.id FROM invoices i
		JOIN mandates m ON m.payer_id = i.payer_id AND m.issuer_id = i.issuer_id
		WHERE i.status = 'pending' AND i.due_at <= $1
		  AND m.autopay AND i.amount <= m.max_amount
		  AND (i.due_at, i.id) > ($2, $3)
		ORDER BY i.due_at, i.id
		LIMIT $4`,
		now, after.At, after.ID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, scanDue)
}

func (t *pgTx) UpsertMandate(ctx context.Context, m *domain.Mandate) error {
	err := t.tx.QueryRow(ctx, `
		INSERT INTO mandates (payer_id, issuer_id, autopay, max_amount, created_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (payer_id, issuer_id) DO UPDATE SET autopay = EXCLUDED.autopay, max_amount = EXCLUDED.max_amount
		RETURNING id, created_at`,
		m.PayerID, m.IssuerID, m.Autopay, m.MaxAmount, m.CreatedAt,
	).Scan(&m.ID, &m.CreatedAt)
	return classify(err)
}

func scanMandate(row pgx.Row) (*domain.Mandate, error) {
	var m domain.Mandate
	err := row.Scan(&m.ID, &m.PayerID, &m.IssuerID, &m.Autopay, &m.MaxAmount, &m.CreatedAt)
	return &m, err
}

func (t *pgTx) Mandate(ctx context.Context, payerID, issuerID string) (*domain.Mandate, error) {
	m, err := scanMandate(t.tx.QueryRow(ctx,
		"SELECT id, payer_id, issuer_id, autopay, max_amount, created_at FROM mandates WHERE payer_id = $1 AND issuer_id = $2",
		payerID, issuerID))
	if err != nil {
		return nil, t.queryRowErr(err, "mandate")
	}
	return m, nil
}

func (t *pgTx) MandatesFor(ctx context.Context, payerID string) ([]domain.Mandate, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, payer_id, issuer_id, autopay, max_amount, created_at FROM mandates WHERE payer_id = $1 ORDER BY id",
		payerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Mandate, error) {
		m, err := scanMandate(row)
		return *m, err
	})
}

func (t *pgTx) DeleteMandate(ctx context.Context, payerID, issuerID string) error {
	tag, err := t.tx.Exec(ctx, "DELETE FROM mandates WHERE payer_id = $1 AND issuer_id = $2", payerID, issuerID)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("mandate")
	}
	return nil
}

// Webhooks

const endpointCols = "id, owner_id, url, secret, active, created_at"

func scanEndpoint(row pgx.Row) (*domain.WebhookEndpoint, error) {
	var ep domain.WebhookEndpoint
	err := row.Scan(&ep.ID, &ep.OwnerID, &ep.URL, &ep.Secret, &ep.Active, &ep.CreatedAt)
	return &ep, err
}

func (t *pgTx) InsertEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO webhook_endpoints (owner_id, url, secret, active, created_at) VALUES ($1, $2, $3, $4, $5) RETURNING id",
		ep.OwnerID, ep.URL, ep.Secret, ep.Active, ep.CreatedAt,
	).Scan(&ep.ID)
	return classify(err)
}

func (t *pgTx) Endpoint(ctx context.Context, id int64) (*domain.WebhookEndpoint, error) {
	ep, err := scanEndpoint(t.tx.QueryRow(ctx, "SELECT "+endpointCols+" FROM webhook_endpoints WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "webhook endpoint")
	}
	return ep, nil
}

func (t *pgTx) EndpointsByOwner(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	rows, err := t.tx.Query(ctx, "SELECT "+endpointCols+" FROM webhook_endpoints WHERE owner_id = $1 ORDER BY id", ownerID)
	if err != nil {
		return nil, classify(err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WebhookEndpoint, error) {
		ep, err := scanEndpoint(row)
		return *ep, err
	})
}

func (t *pgTx) UpdateEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error {
	_, err := t.tx.Exec(ctx, "UPDATE webhook_endpoints SET url = $2, secret = $3, active = $4 WHERE id = $1", ep.ID, ep.URL, ep.Secret, ep.Active)
	return classify(err)
}

const deliveryCols = "id, endpoint_id, event_type, payload, status, attempt_count, last_error, next_attempt_at, delivered_at, created_at"

func scanDelivery(row pgx.Row) (*domain.WebhookDelivery, error) {
	var d domain.WebhookDelivery
	var payload []byte
	err := row.Scan(&d.ID, &d.EndpointID, &d.EventType, &payload, &d.Status, &d.AttemptCount, &d.LastError, &d.NextAttemptAt, &d.DeliveredAt, &d.CreatedAt)
	d.Payload = payload
	return &d, err
}

func collectDeliveries(rows pgx.Rows) ([]domain.WebhookDelivery, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WebhookDelivery, error) {
		d, err := scanDelivery(row)
		return *d, err
	})
}

func (t *pgTx) InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	_, err := t.tx.Exec(ctx,
		"INSERT INTO webhook_deliveries (id, endpoint_id, event_type, payload, status, attempt_count, last_error, next_attempt_at, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)",
		d.ID, d.EndpointID, d.EventType, []byte(d.Payload), d.Status, d.AttemptCount, d.LastError, d.NextAttemptAt, d.CreatedAt)
	return classify(err)
}

func (t *pgTx) Delivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	d, err := scanDelivery(t.tx.QueryRow(ctx, "SELECT "+deliveryCols+" FROM webhook_deliveries WHERE id = $1", id))
	if err != nil {
		return nil, t.queryRowErr(err, "webhook delivery")
	}
	return d, nil
}

func (t *pgTx) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error) {
	rows, err := t.tx.Query(ctx, `
		UPDATE webhook_deliveries SET next_attempt_at = $2
		WHERE id IN (
			SELECT id FROM webhook_deliveries
			WHERE status = 'pending' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+deliveryCols,
		now, now.Add(lease), limit)
	if err != nil {
		return nil, classify(err)
	}
	return collectDeliveries(rows)
}

func (t *pgTx) FinishDelivery(ctx context.Context, d *domain.WebhookDelivery, expectedAttempts int) (bool, error) {
	tag, err := t.tx.Exec(ctx, `
		UPDATE webhook_deliveries
		SET status = $2, attempt_count = $3, last_error = $4, next_attempt_at = $5, delivered_at = $6
		WHERE id = $1 AND status = 'pending' AND attempt_count = $7`,
		d.ID, d.Status, d.AttemptCount, d.LastError, d.NextAttemptAt, d.DeliveredAt, expectedAttempts)
	if err != nil {
		return false, classify(err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) ResetDelivery(ctx context.Context, id string, now time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE webhook_deliveries SET status = 'pending', attempt_count = 0, last_error = '', next_attempt_at = $2, delivered_at = NULL WHERE id = $1",
		id, now)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("webhook delivery")
	}
	return nil
}

func (t *pgTx) DeliveriesFor(ctx context.Context, ownerID string, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error) {
	rows, err := t.tx.Query(ctx, `
		SELECT d.id, d.endpoint_id, d.event_type, d.payload, d.status, d.attempt_count, d.last_error, d.next_attempt_at, d.delivered_at, d.created_at
		FROM webhook_deliveries d
		JOIN webhook_endpoints ep ON ep.id = d.endpoint_id
		WHERE ep.owner_id = $1 AND ($2 = '' OR d.status = $2)
		ORDER BY d.created_at DESC
		LIMIT $3`,
		ownerID, string(status), limit)
	if err != nil {
		return nil, classify(err)
	}
	return collectDeliveries(rows)
}

func nullJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode request metadata: %w", err)
	}
	return b, nil
}

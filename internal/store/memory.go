package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

// Memory is an in-process Store. Units of work are fully serialized and run
// against a copy of the state that replaces the original only on success.
type Memory struct {
	mu    sync.Mutex
	state *memState
}

type pairKey [2]string

type memState struct {
	seq map[string]int64

	wallets       map[int64]domain.Wallet
	walletByOwner map[string]int64
	transfers     map[int64]domain.Transfer
	entries       []domain.LedgerEntry

	idempotency map[pairKey]domain.IdempotencyRecord

	codes       map[int64]domain.PaymentCode
	codeByValue map[string]int64

	requests map[int64]domain.PaymentRequest
	refunds  []domain.Refund

	subscriptions map[int64]domain.Subscription
	invoices      map[int64]domain.Invoice
	mandates      map[pairKey]domain.Mandate

	endpoints  map[int64]domain.WebhookEndpoint
	deliveries map[string]domain.WebhookDelivery
}

func NewMemory() *Memory {
	return &Memory{state: &memState{
		seq:           map[string]int64{},
		wallets:       map[int64]domain.Wallet{},
		walletByOwner: map[string]int64{},
		transfers:     map[int64]domain.Transfer{},
		idempotency:   map[pairKey]domain.IdempotencyRecord{},
		codes:         map[int64]domain.PaymentCode{},
		codeByValue:   map[string]int64{},
		requests:      map[int64]domain.PaymentRequest{},
		subscriptions: map[int64]domain.Subscription{},
		invoices:      map[int64]domain.Invoice{},
		mandates:      map[pairKey]domain.Mandate{},
		endpoints:     map[int64]domain.WebhookEndpoint{},
		deliveries:    map[string]domain.WebhookDelivery{},
	}}
}

func (m *Memory) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	work := m.state.clone()
	if err := fn(&memTx{s: work}); err != nil {
		return err
	}
	m.state = work
	return nil
}

func (s *memState) clone() *memState {
	return &memState{
		seq:           maps.Clone(s.seq),
		wallets:       maps.Clone(s.wallets),
		walletByOwner: maps.Clone(s.walletByOwner),
		transfers:     maps.Clone(s.transfers),
		entries:       s.entries[:len(s.entries):len(s.entries)],
		idempotency:   maps.Clone(s.idempotency),
		codes:         maps.Clone(s.codes),
		codeByValue:   maps.Clone(s.codeByValue),
		requests:      maps.Clone(s.requests),
		refunds:       s.refunds[:len(s.refunds):len(s.refunds)],
		subscriptions: maps.Clone(s.subscriptions),
		invoices:      maps.Clone(s.invoices),
		mandates:      maps.Clone(s.mandates),
		endpoints:     maps.Clone(s.endpoints),
		deliveries:    maps.Clone(s.deliveries),
	}
}

type memTx struct {
	s *memState
}

func (t *memTx) next(name string) int64 {
	t.s.seq[name]++
	return t.s.seq[name]
}

// Wallets

func (t *memTx) EnsureWallet(ctx context.Context, w domain.Wallet) (*domain.Wallet, error) {
	if id, ok := t.s.walletByOwner[w.OwnerID]; ok {
		existing := t.s.wallets[id]
		return &existing, nil
	}
	w.ID = t.next("wallets")
	w.Balance = 0
	t.s.wallets[w.ID] = w
	t.s.walletByOwner[w.OwnerID] = w.ID
	return &w, nil
}

func (t *memTx) SetWalletKind(ctx context.Context, id int64, kind domain.WalletKind) error {
	w, ok := t.s.wallets[id]
	if !ok {
		return notFound("wallet")
	}
	w.Kind = kind
	t.s.wallets[id] = w
	return nil
}

func (t *memTx) WalletByOwner(ctx context.Context, ownerID string) (*domain.Wallet, error) {
	id, ok := t.s.walletByOwner[ownerID]
	if !ok {
		return nil, notFound("wallet")
	}
	return t.Wallet(ctx, id)
}

func (t *memTx) Wallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	w, ok := t.s.wallets[id]
	if !ok {
		return nil, notFound("wallet")
	}
	return &w, nil
}

func (t *memTx) LockWallet(ctx context.Context, id int64) (*domain.Wallet, error) {
	return t.Wallet(ctx, id)
}

func (t *memTx) AdjustBalance(ctx context.Context, walletID, delta int64) error {
	w, ok := t.s.wallets[walletID]
	if !ok {
		return notFound("wallet")
	}
	w.Balance += delta
	t.s.wallets[walletID] = w
	return nil
}

func (t *memTx) ListWallets(ctx context.Context, afterID int64, limit int) ([]domain.Wallet, error) {
	ids := sortedKeys(t.s.wallets)
	var out []domain.Wallet
	for _, id := range ids {
		if id <= afterID {
			continue
		}
		out = append(out, t.s.wallets[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Ledger

func (t *memTx) InsertTransfer(ctx context.Context, tr *domain.Transfer) error {
	if tr.Amount <= 0 {
		return fmt.Errorf("transfer insert failed: amount must be positive")
	}
	tr.ID = t.next("transfers")
	t.s.transfers[tr.ID] = *tr
	return nil
}

func (t *memTx) InsertEntries(ctx context.Context, entries []domain.LedgerEntry) error {
	for i := range entries {
		if entries[i].Amount == 0 {
			return fmt.Errorf("ledger entry failed: zero amount")
		}
		if _, ok := t.s.transfers[entries[i].TransferID]; !ok {
			return fmt.Errorf("ledger entry failed: unknown transfer %d", entries[i].TransferID)
		}
		entries[i].ID = t.next("ledger_entries")
		t.s.entries = append(t.s.entries, entries[i])
	}
	return nil
}

func (t *memTx) Transfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	tr, ok := t.s.transfers[id]
	if !ok {
		return nil, notFound("transfer")
	}
	return &tr, nil
}

func (t *memTx) TransferEntries(ctx context.Context, transferID int64) ([]domain.LedgerEntry, error) {
	var out []domain.LedgerEntry
	for _, e := range t.s.entries {
		if e.TransferID == transferID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (t *memTx) Statement(ctx context.Context, walletID int64, page Page) ([]domain.StatementLine, error) {
	var lines []domain.StatementLine
	for i := len(t.s.entries) - 1; i >= 0; i-- {
		e := t.s.entries[i]
		if e.WalletID != walletID {
			continue
		}
		tr := t.s.transfers[e.TransferID]
		line := domain.StatementLine{
			EntryID:    e.ID,
			TransferID: e.TransferID,
			Kind:       tr.Kind,
			Amount:     e.Amount,
			Currency:   tr.Currency,
			Reference:  tr.Reference,
			CreatedAt:  e.CreatedAt,
		}
		cp := tr.FromWalletID
		if e.Amount < 0 {
			cp = tr.ToWalletID
		}
		if cp != nil {
			line.Counterparty = t.s.wallets[*cp].OwnerID
		}
		lines = append(lines, line)
	}
	return paginate(lines, page), nil
}

func (t *memTx) EntrySum(ctx context.Context, walletID int64) (int64, error) {
	var sum int64
	for _, e := range t.s.entries {
		if e.WalletID == walletID {
			sum += e.Amount
		}
	}
	return sum, nil
}

func (t *memTx) OutgoingSince(ctx context.Context, walletID int64, since time.Time, kinds ...domain.TransferKind) (int64, int64, error) {
	var count, total int64
	for _, e := range t.s.entries {
		if e.WalletID != walletID || e.Amount >= 0 || e.CreatedAt.Before(since) {
			continue
		}
		if len(kinds) > 0 && !slices.Contains(kinds, t.s.transfers[e.TransferID].Kind) {
			continue
		}
		count++
		total += -e.Amount
	}
	return count, total, nil
}

func (t *memTx) ListTransfers(ctx context.Context, afterID int64, limit int) ([]domain.Transfer, error) {
	var out []domain.Transfer
	for _, id := range sortedKeys(t.s.transfers) {
		if id <= afterID {
			continue
		}
		out = append(out, t.s.transfers[id])
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// Idempotency

func (t *memTx) InsertIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	k := pairKey{rec.Caller, rec.Key}
	if _, ok := t.s.idempotency[k]; ok {
		return fmt.Errorf("%w: idempotency_keys_pkey", ErrDuplicate)
	}
	t.s.idempotency[k] = *rec
	return nil
}

func (t *memTx) IdempotencyRecord(ctx context.Context, caller, key string) (*domain.IdempotencyRecord, error) {
	rec, ok := t.s.idempotency[pairKey{caller, key}]
	if !ok {
		return nil, notFound("idempotency key")
	}
	return &rec, nil
}

func (t *memTx) UpdateIdempotency(ctx context.Context, rec *domain.IdempotencyRecord) error {
	k := pairKey{rec.Caller, rec.Key}
	if _, ok := t.s.idempotency[k]; !ok {
		return notFound("idempotency key")
	}
	t.s.idempotency[k] = *rec
	return nil
}

func (t *memTx) DeleteIdempotencyBefore(ctx context.Context, before time.Time) (int64, error) {
	var n int64
	for k, rec := range t.s.idempotency {
		if rec.Status != domain.IdempotencyInProgress && rec.UpdatedAt.Before(before) {
			delete(t.s.idempotency, k)
			n++
		}
	}
	return n, nil
}

// Payment codes

func (t *memTx) InsertCode(ctx context.Context, c *domain.PaymentCode) error {
	if _, ok := t.s.codeByValue[c.Code]; ok {
		return fmt.Errorf("%w: payment_codes_code_key", ErrDuplicate)
	}
	c.ID = t.next("payment_codes")
	t.s.codes[c.ID] = *c
	t.s.codeByValue[c.Code] = c.ID
	return nil
}

func (t *memTx) CodeForUpdate(ctx context.Context, code string) (*domain.PaymentCode, error) {
	id, ok := t.s.codeByValue[code]
	if !ok {
		return nil, notFound("payment code")
	}
	c := t.s.codes[id]
	return &c, nil
}

func (t *memTx) UpdateCode(ctx context.Context, c *domain.PaymentCode) error {
	cur, ok := t.s.codes[c.ID]
	if !ok {
		return notFound("payment code")
	}
	cur.Status = c.Status
	cur.TransferID = c.TransferID
	t.s.codes[c.ID] = cur
	return nil
}

func (t *memTx) CodesByOwner(ctx context.Context, ownerID string) ([]domain.PaymentCode, error) {
	var out []domain.PaymentCode
	for _, id := range sortedKeysDesc(t.s.codes) {
		if c := t.s.codes[id]; c.OwnerID == ownerID {
			out = append(out, c)
		}
	}
	return out, nil
}

// Payment requests

func (t *memTx) InsertRequest(ctx context.Context, r *domain.PaymentRequest) error {
	r.ID = t.next("payment_requests")
	t.s.requests[r.ID] = *r
	return nil
}

func (t *memTx) Request(ctx context.Context, id int64) (*domain.PaymentRequest, error) {
	r, ok := t.s.requests[id]
	if !ok {
		return nil, notFound("payment request")
	}
	return &r, nil
}

func (t *memTx) RequestForUpdate(ctx context.Context, id int64) (*domain.PaymentRequest, error) {
	return t.Request(ctx, id)
}

func (t *memTx) UpdateRequest(ctx context.Context, r *domain.PaymentRequest) error {
	cur, ok := t.s.requests[r.ID]
	if !ok {
		return notFound("payment request")
	}
	cur.Status = r.Status
	cur.TransferID = r.TransferID
	cur.UpdatedAt = r.UpdatedAt
	t.s.requests[r.ID] = cur
	return nil
}

func (t *memTx) RequestsFor(ctx context.Context, ownerID string) ([]domain.PaymentRequest, error) {
	var out []domain.PaymentRequest
	for _, id := range sortedKeysDesc(t.s.requests) {
		if r := t.s.requests[id]; r.RequesterID == ownerID || r.TargetID == ownerID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (t *memTx) ExpireRequests(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for id, r := range t.s.requests {
		if r.Status == domain.RequestPending && !r.ExpiresAt.After(now) {
			r.Status = domain.RequestExpired
			r.UpdatedAt = now
			t.s.requests[id] = r
			n++
		}
	}
	return n, nil
}

// Refunds

func (t *memTx) InsertRefund(ctx context.Context, r *domain.Refund) error {
	for _, existing := range t.s.refunds {
		if existing.OriginalTransferID == r.OriginalTransferID && existing.IdempotencyKey == r.IdempotencyKey {
			return fmt.Errorf("%w: refunds_original_transfer_id_idempotency_key_key", ErrDuplicate)
		}
	}
	r.ID = t.next("refunds")
	t.s.refunds = append(t.s.refunds, *r)
	return nil
}

func (t *memTx) RefundsFor(ctx context.Context, transferID int64) ([]domain.Refund, error) {
	var out []domain.Refund
	for _, r := range t.s.refunds {
		if r.OriginalTransferID == transferID {
			out = append(out, r)
		}
	}
	return out, nil
}

// Subscriptions, invoices, mandates

func (t *memTx) InsertSubscription(ctx context.Context, s *domain.Subscription) error {
	s.ID = t.next("subscriptions")
	t.s.subscriptions[s.ID] = *s
	return nil
}

func (t *memTx) Subscription(ctx context.Context, id int64) (*domain.Subscription, error) {
	s, ok := t.s.subscriptions[id]
	if !ok {
		return nil, notFound("subscription")
	}
	return &s, nil
}

func (t *memTx) SubscriptionForUpdate(ctx context.Context, id int64) (*domain.Subscription, error) {
	return t.Subscription(ctx, id)
}

func (t *memTx) UpdateSubscription(ctx context.Context, s *domain.Subscription) error {
	cur, ok := t.s.subscriptions[s.ID]
	if !ok {
		return notFound("subscription")
	}
	cur.NextChargeAt = s.NextChargeAt
	cur.Status = s.Status
	cur.LastTransferID = s.LastTransferID
	t.s.subscriptions[s.ID] = cur
	return nil
}

func (t *memTx) SubscriptionsFor(ctx context.Context, ownerID string) ([]domain.Subscription, error) {
	var out []domain.Subscription
	for _, id := range sortedKeysDesc(t.s.subscriptions) {
		if s := t.s.subscriptions[id]; s.PayerID == ownerID || s.MerchantID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTx) DueSubscriptions(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error) {
	var due []Due
	for _, s := range t.s.subscriptions {
		if s.Status == domain.SubscriptionActive && !s.NextChargeAt.After(now) {
			due = append(due, Due{At: s.NextChargeAt, ID: s.ID})
		}
	}
	return duePage(due, after, limit), nil
}

func (t *memTx) InsertInvoice(ctx context.Context, inv *domain.Invoice) error {
	inv.ID = t.next("invoices")
	t.s.invoices[inv.ID] = *inv
	return nil
}

func (t *memTx) InvoiceForUpdate(ctx context.Context, id int64) (*domain.Invoice, error) {
	inv, ok := t.s.invoices[id]
	if !ok {
		return nil, notFound("invoice")
	}
	return &inv, nil
}

func (t *memTx) UpdateInvoice(ctx context.Context, inv *domain.Invoice) error {
	cur, ok := t.s.invoices[inv.ID]
	if !ok {
		return notFound("invoice")
	}
	cur.Status = inv.Status
	cur.TransferID = inv.TransferID
	t.s.invoices[inv.ID] = cur
	return nil
}

func (t *memTx) InvoicesFor(ctx context.Context, ownerID string) ([]domain.Invoice, error) {
	var out []domain.Invoice
	for _, id := range sortedKeysDesc(t.s.invoices) {
		if inv := t.s.invoices[id]; inv.IssuerID == ownerID || inv.PayerID == ownerID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (t *memTx) DueInvoices(ctx context.Context, now time.Time, after Due, limit int) ([]Due, error) {
	var due []Due
	for _, inv := range t.s.invoices {
		if inv.Status != domain.InvoicePending || inv.DueAt.After(now) {
			continue
		}
		m, ok := t.s.mandates[pairKey{inv.PayerID, inv.IssuerID}]
		if !ok || !m.Autopay || inv.Amount > m.MaxAmount {
			continue
		}
		due = append(due, Due{At: inv.DueAt, ID: inv.ID})
	}
	return duePage(due, after, limit), nil
}

func (t *memTx) UpsertMandate(ctx context.Context, m *domain.Mandate) error {
	k := pairKey{m.PayerID, m.IssuerID}
	if cur, ok := t.s.mandates[k]; ok {
		cur.Autopay = m.Autopay
		cur.MaxAmount = m.MaxAmount
		t.s.mandates[k] = cur
		*m = cur
		return nil
	}
	m.ID = t.next("mandates")
	t.s.mandates[k] = *m
	return nil
}

func (t *memTx) Mandate(ctx context.Context, payerID, issuerID string) (*domain.Mandate, error) {
	m, ok := t.s.mandates[pairKey{payerID, issuerID}]
	if !ok {
		return nil, notFound("mandate")
	}
	return &m, nil
}

func (t *memTx) MandatesFor(ctx context.Context, payerID string) ([]domain.Mandate, error) {
	var out []domain.Mandate
	for _, m := range t.s.mandates {
		if m.PayerID == payerID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *memTx) DeleteMandate(ctx context.Context, payerID, issuerID string) error {
	k := pairKey{payerID, issuerID}
	if _, ok := t.s.mandates[k]; !ok {
		return notFound("mandate")
	}
	delete(t.s.mandates, k)
	return nil
}

// Webhooks

func (t *memTx) InsertEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error {
	ep.ID = t.next("webhook_endpoints")
	t.s.endpoints[ep.ID] = *ep
	return nil
}

func (t *memTx) Endpoint(ctx context.Context, id int64) (*domain.WebhookEndpoint, error) {
	ep, ok := t.s.endpoints[id]
	if !ok {
		return nil, notFound("webhook endpoint")
	}
	return &ep, nil
}

func (t *memTx) EndpointsByOwner(ctx context.Context, ownerID string) ([]domain.WebhookEndpoint, error) {
	var out []domain.WebhookEndpoint
	for _, id := range sortedKeys(t.s.endpoints) {
		if ep := t.s.endpoints[id]; ep.OwnerID == ownerID {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (t *memTx) UpdateEndpoint(ctx context.Context, ep *domain.WebhookEndpoint) error {
	if _, ok := t.s.endpoints[ep.ID]; !ok {
		return notFound("webhook endpoint")
	}
	t.s.endpoints[ep.ID] = *ep
	return nil
}

func (t *memTx) InsertDelivery(ctx context.Context, d *domain.WebhookDelivery) error {
	if _, ok := t.s.deliveries[d.ID]; ok {
		return fmt.Errorf("%w: webhook_deliveries_pkey", ErrDuplicate)
	}
	t.s.deliveries[d.ID] = *d
	return nil
}

func (t *memTx) Delivery(ctx context.Context, id string) (*domain.WebhookDelivery, error) {
	d, ok := t.s.deliveries[id]
	if !ok {
		return nil, notFound("webhook delivery")
	}
	return &d, nil
}

func (t *memTx) ClaimDueDeliveries(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]domain.WebhookDelivery, error) {
	var due []domain.WebhookDelivery
	for _, d := range t.s.deliveries {
		if d.Status != domain.DeliveryPending {
			continue
		}
		if d.NextAttemptAt != nil && d.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, d)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	leased := now.Add(lease)
	for i := range due {
		due[i].NextAttemptAt = &leased
		t.s.deliveries[due[i].ID] = due[i]
	}
	return due, nil
}

func (t *memTx) FinishDelivery(ctx context.Context, d *domain.WebhookDelivery, expectedAttempts int) (bool, error) {
	cur, ok := t.s.deliveries[d.ID]
	if !ok || cur.Status != domain.DeliveryPending || cur.AttemptCount != expectedAttempts {
		return false, nil
	}
	cur.Status = d.Status
	cur.AttemptCount = d.AttemptCount
	cur.LastError = d.LastError
	cur.NextAttemptAt = d.NextAttemptAt
	cur.DeliveredAt = d.DeliveredAt
	t.s.deliveries[d.ID] = cur
	return true, nil
}

func (t *memTx) ResetDelivery(ctx context.Context, id string, now time.Time) error {
	d, ok := t.s.deliveries[id]
	if !ok {
		return notFound("webhook delivery")
	}
	d.Status = domain.DeliveryPending
	d.AttemptCount = 0
	d.LastError = ""
	d.NextAttemptAt = &now
	d.DeliveredAt = nil
	t.s.deliveries[id] = d
	return nil
}

func (t *memTx) DeliveriesFor(ctx context.Context, ownerID string, status domain.DeliveryStatus, limit int) ([]domain.WebhookDelivery, error) {
	var out []domain.WebhookDelivery
	for _, d := range t.s.deliveries {
		if t.s.endpoints[d.EndpointID].OwnerID != ownerID {
			continue
		}
		if status != "" && d.Status != status {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortedKeys[V any](m map[int64]V) []int64 {
	keys := make([]int64, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

func sortedKeysDesc[V any](m map[int64]V) []int64 {
	keys := sortedKeys(m)
	slices.Reverse(keys)
	return keys
}

func duePage(due []Due, after Due, limit int) []Due {
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	out := make([]Due, 0, limit)
	for _, d := range due {
		if !after.Before(d) {
			continue
		}
		if len(out) == limit {
			break
		}
		out = append(out, d)
	}
	return out
}

func paginate[T any](items []T, page Page) []T {
	if page.Offset >= len(items) {
		return nil
	}
	items = items[page.Offset:]
	if page.Limit > 0 && len(items) > page.Limit {
		items = items[:page.Limit]
	}
	return items
}

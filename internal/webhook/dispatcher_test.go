package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/retry"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

const testSecret = "whsec_test"

var merchant = domain.Actor{ID: "merchant-1", KYCLevel: 1, Merchant: true}

func newDispatcher(t *testing.T, cfg Config) (*Dispatcher, *store.Memory, *clock.Fixed) {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC))
	cfg.AllowInsecure = true
	return NewDispatcher(mem, clk, cfg, logger.Nop()), mem, clk
}

func publish(t *testing.T, d *Dispatcher, mem *store.Memory, payload any) {
	t.Helper()
	err := mem.WithTx(context.Background(), func(tx store.Tx) error {
		return d.Outbox().Publish(context.Background(), tx, "transfer.completed", payload, merchant.ID, "nobody")
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
}

type received struct {
	header http.Header
	body   []byte
}

func TestRetryThenDeliverWithSignature(t *testing.T) {
	var hits atomic.Int64
	var mu sync.Mutex
	var last received
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		last = received{header: r.Header.Clone(), body: body}
		mu.Unlock()
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d, mem, clk := newDispatcher(t, DefaultConfig())
	ctx := context.Background()
	if _, err := d.Register(ctx, merchant, srv.URL, testSecret); err != nil {
		t.Fatalf("register: %v", err)
	}
	publish(t, d, mem, map[string]int64{"transfer_id": 9})

	st, err := d.ProcessOnce(ctx, 10)
	if err != nil {
		t.Fatalf("first pass: %v", err)
	}
	if st.Claimed != 1 || st.Retrying != 1 {
		t.Fatalf("first pass stats %+v", st)
	}

	// Not due until the 2s backoff elapses.
	if st, _ := d.ProcessOnce(ctx, 10); st.Claimed != 0 {
		t.Fatalf("delivery retried before backoff: %+v", st)
	}
	clk.Advance(2 * time.Second)

	st, err = d.ProcessOnce(ctx, 10)
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if st.Delivered != 1 {
		t.Fatalf("second pass stats %+v", st)
	}
	if hits.Load() != 2 {
		t.Fatalf("expected 2 attempts, got %d", hits.Load())
	}

	deliveries, err := d.Deliveries(ctx, merchant, "", 0)
	if err != nil || len(deliveries) != 1 {
		t.Fatalf("deliveries: %v %+v", err, deliveries)
	}
	del := deliveries[0]
	if del.Status != domain.DeliveryDelivered || del.AttemptCount != 1 || del.DeliveredAt == nil {
		t.Fatalf("unexpected delivery %+v", del)
	}

	mu.Lock()
	defer mu.Unlock()
	ts := last.header.Get(HeaderTimestamp)
	event := last.header.Get(HeaderEvent)
	if event != "transfer.completed" || last.header.Get(HeaderDeliveryID) != del.ID {
		t.Fatalf("unexpected headers %v", last.header)
	}
	if !Verify(testSecret, ts, event, last.body, last.header.Get(HeaderSignature)) {
		t.Fatal("signature does not verify")
	}
	var ev struct {
		Type string           `json:"type"`
		Data map[string]int64 `json:"data"`
	}
	if err := json.Unmarshal(last.body, &ev); err != nil || ev.Type != "transfer.completed" || ev.Data["transfer_id"] != 9 {
		t.Fatalf("unexpected body %s: %v", last.body, err)
	}
}

func TestFailsAfterMaxAttemptsAndDisables(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Backoff = retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, Factor: 2}
	cfg.DisableAfterFails = 3
	d, mem, clk := newDispatcher(t, cfg)
	ctx := context.Background()
	ep, err := d.Register(ctx, merchant, srv.URL, testSecret)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	publish(t, d, mem, "x")

	for _, wait := range []time.Duration{0, time.Second, 2 * time.Second} {
		clk.Advance(wait)
		if _, err := d.ProcessOnce(ctx, 10); err != nil {
			t.Fatalf("pass: %v", err)
		}
	}
	clk.Advance(time.Hour)
	if st, _ := d.ProcessOnce(ctx, 10); st.Claimed != 0 {
		t.Fatalf("failed delivery must not be retried: %+v", st)
	}
	if hits.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", hits.Load())
	}

	failed, _ := d.Deliveries(ctx, merchant, domain.DeliveryFailed, 0)
	if len(failed) != 1 || failed[0].AttemptCount != 3 || failed[0].LastError == "" {
		t.Fatalf("expected one failed delivery, got %+v", failed)
	}
	eps, _ := d.Endpoints(ctx, merchant)
	if len(eps) != 1 || eps[0].ID != ep.ID || eps[0].Active {
		t.Fatalf("endpoint should be disabled: %+v", eps)
	}

	requeued, err := d.Requeue(ctx, merchant, failed[0].ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.DeliveryPending || requeued.AttemptCount != 0 {
		t.Fatalf("unexpected requeued delivery %+v", requeued)
	}
	if _, err := d.Requeue(ctx, domain.Actor{ID: "intruder", Merchant: true}, failed[0].ID); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("requeue by other owner should be forbidden, got %v", err)
	}
}

func TestFinishIsConditional(t *testing.T) {
	d, mem, clk := newDispatcher(t, DefaultConfig())
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()
	if _, err := d.Register(ctx, merchant, srv.URL, testSecret); err != nil {
		t.Fatalf("register: %v", err)
	}
	publish(t, d, mem, "x")

	var claimed []domain.WebhookDelivery
	_ = mem.WithTx(ctx, func(tx store.Tx) error {
		var err error
		claimed, err = tx.ClaimDueDeliveries(ctx, clk.Now(), time.Minute, 10)
		return err
	})
	if len(claimed) != 1 {
		t.Fatalf("expected one claim, got %d", len(claimed))
	}
	// The lease hides the delivery from a concurrent pass.
	if st, _ := d.ProcessOnce(ctx, 10); st.Claimed != 0 {
		t.Fatalf("leased delivery claimed twice: %+v", st)
	}

	status, finished, err := d.attempt(ctx, claimed[0])
	if err != nil || !finished || status != domain.DeliveryDelivered {
		t.Fatalf("first finish: %v %v %v", status, finished, err)
	}
	_, finished, err = d.attempt(ctx, claimed[0])
	if err != nil || finished {
		t.Fatalf("second finish must be rejected: finished=%v err=%v", finished, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	d, _, _ := newDispatcher(t, DefaultConfig())
	ctx := context.Background()
	if _, err := d.Register(ctx, domain.Actor{ID: "u"}, "https://example.com/hook", "s"); domain.CodeOf(err) != domain.CodeForbidden {
		t.Fatalf("non-merchant should be forbidden, got %v", err)
	}
	if _, err := d.Register(ctx, merchant, "ftp://example.com", "s"); domain.CodeOf(err) != domain.CodeInvalidRequest {
		t.Fatalf("bad scheme should be invalid, got %v", err)
	}
	if _, err := d.Register(ctx, merchant, "https://example.com/hook", " "); domain.CodeOf(err) != domain.CodeInvalidRequest {
		t.Fatalf("empty secret should be invalid, got %v", err)
	}
}

func TestSendTestOnlyActiveEndpoints(t *testing.T) {
	d, _, _ := newDispatcher(t, DefaultConfig())
	ctx := context.Background()
	a, _ := d.Register(ctx, merchant, "https://a.example.com", "s1")
	if _, err := d.Register(ctx, merchant, "https://b.example.com", "s2"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := d.Deactivate(ctx, merchant, a.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	ids, err := d.SendTest(ctx, merchant)
	if err != nil || len(ids) != 1 {
		t.Fatalf("send test: %v %v", ids, err)
	}
}

func TestSignKnownVector(t *testing.T) {
	sig := Sign("secret", "1700000000", "webhook.test", []byte(`{"type":"webhook.test"}`))
	if len(sig) != 64 {
		t.Fatalf("expected hex sha256, got %q", sig)
	}
	if Verify("secret", "1700000001", "webhook.test", []byte(`{"type":"webhook.test"}`), sig) {
		t.Fatal("signature must bind the timestamp")
	}
}

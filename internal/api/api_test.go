package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/auth"
	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/hmacauth"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/policy"
	"github.com/punchamoorthee/walletcore/internal/service"
	"github.com/punchamoorthee/walletcore/internal/store"
	"github.com/punchamoorthee/walletcore/internal/webhook"
	"github.com/punchamoorthee/walletcore/pkg/logger"
)

const (
	jwtSecret      = "test-jwt-secret"
	internalSecret = "test-internal-secret"
)

type server struct {
	t      *testing.T
	router http.Handler
	clk    *clock.Fixed
	tokens map[string]string
}

func newServer(t *testing.T) *server {
	t.Helper()
	mem := store.NewMemory()
	clk := clock.NewFixed(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	log := logger.Nop()

	cfg := webhook.DefaultConfig()
	cfg.AllowInsecure = true
	disp := webhook.NewDispatcher(mem, clk, cfg, log)
	svc, err := service.New(context.Background(), service.Deps{
		Store:     mem,
		Ledger:    ledger.New(mem, clk, "SYP"),
		Runner:    &idempotency.Runner{Store: mem, Guard: idempotency.NewGuard(clk), Wait: idempotency.DefaultWait, Log: log},
		Policy:    policy.NewEnforcer(policy.Default(), clk, nil),
		Publisher: disp.Outbox(),
		Clock:     clk,
		Log:       log,
	}, service.Options{
		FeeWalletOwner: "platform:fees",
		MerchantFeeBps: 100,
		TopupEnabled:   true,
		QRExpiry:       15 * time.Minute,
		LinkExpiry:     24 * time.Hour,
		RequestExpiry:  30 * time.Minute,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}

	h := NewHandler(svc, disp, log)
	router := h.Router(
		auth.NewJWTVerifier(jwtSecret, clk),
		hmacauth.NewVerifier(internalSecret, time.Minute, hmacauth.NewMemoryReplayCache(clk), clk),
	)

	s := &server{t: t, router: router, clk: clk, tokens: map[string]string{}}
	for _, a := range []domain.Actor{
		{ID: "alice", KYCLevel: 1},
		{ID: "bob", KYCLevel: 1},
		{ID: "shop", KYCLevel: 1, Merchant: true},
	} {
		tok, err := auth.IssueToken(jwtSecret, a, clk.Now(), time.Hour)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		s.tokens[a.ID] = tok
	}
	return s
}

type response struct {
	code   int
	header http.Header
	body   map[string]any
}

func (r response) errorCode() string {
	e, _ := r.body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

func (s *server) do(method, path, as, key string, body any) response {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			s.t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		req.Header.Set("Authorization", "Bearer "+s.tokens[as])
	}
	if key != "" {
		req.Header.Set(HeaderIdempotencyKey, key)
	}
	return s.serve(req)
}

func (s *server) internal(method, path, key string, body []byte) response {
	s.t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	hmacauth.SignRequest(req, internalSecret, s.clk.Now(), body)
	req.Header.Set(HeaderService, "bus")
	if key != "" {
		req.Header.Set(hmacauth.HeaderIdempotency, key)
	}
	return s.serve(req)
}

func (s *server) serve(req *http.Request) response {
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	out := response{code: rec.Code, header: rec.Header()}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &out.body); err != nil {
			s.t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return out
}

func num(v any) int64 {
	f, _ := v.(float64)
	return int64(f)
}

func TestHealthAndAuth(t *testing.T) {
	s := newServer(t)
	if res := s.do(http.MethodGet, "/health", "", "", nil); res.code != http.StatusOK {
		t.Fatalf("health: %d", res.code)
	}
	res := s.do(http.MethodGet, "/api/v1/wallet", "", "", nil)
	if res.code != http.StatusUnauthorized || res.errorCode() != "unauthorized" {
		t.Fatalf("missing token: %d %v", res.code, res.body)
	}
	res = s.do(http.MethodGet, "/api/v1/wallet", "alice", "", nil)
	if res.code != http.StatusOK || res.body["owner_id"] != "alice" {
		t.Fatalf("wallet: %d %v", res.code, res.body)
	}
	if res.header.Get(HeaderRequestID) == "" {
		t.Fatal("responses should carry a request id")
	}
}

func TestTransferFlow(t *testing.T) {
	s := newServer(t)
	if res := s.do(http.MethodPost, "/api/v1/wallet/topup", "alice", "top-1", map[string]any{"amount_cents": 10000}); res.code != http.StatusCreated {
		t.Fatalf("topup: %d %v", res.code, res.body)
	}

	body := map[string]any{"to": "bob", "amount_cents": 2500}
	if res := s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "", body); res.code != http.StatusBadRequest {
		t.Fatalf("missing key: %d", res.code)
	}
	first := s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "tr-1", body)
	if first.code != http.StatusCreated {
		t.Fatalf("transfer: %d %v", first.code, first.body)
	}
	replay := s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "tr-1", body)
	if replay.code != http.StatusOK || replay.header.Get(HeaderReplayed) != "true" {
		t.Fatalf("replay: %d %v", replay.code, replay.header)
	}
	id := num(first.body["transfer"].(map[string]any)["id"])
	if num(replay.body["transfer"].(map[string]any)["id"]) != id {
		t.Fatal("replay returned a different transfer")
	}

	res := s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "tr-1", map[string]any{"to": "bob", "amount_cents": 2600})
	if res.code != http.StatusConflict || res.errorCode() != "idempotency_conflict" {
		t.Fatalf("conflict: %d %v", res.code, res.body)
	}
	res = s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "tr-2", map[string]any{"to": "bob", "amount_cents": 1_000_000})
	if res.code != http.StatusUnprocessableEntity || res.errorCode() != "insufficient_balance" {
		t.Fatalf("insufficient: %d %v", res.code, res.body)
	}
	res = s.do(http.MethodPost, "/api/v1/wallet/transfer", "alice", "tr-3", map[string]any{"to": "bob"})
	if res.code != http.StatusBadRequest || res.errorCode() != "invalid_request" {
		t.Fatalf("validation: %d %v", res.code, res.body)
	}

	path := "/api/v1/transfers/" + jsonNumber(id)
	if res := s.do(http.MethodGet, path, "bob", "", nil); res.code != http.StatusOK {
		t.Fatalf("get transfer as payee: %d", res.code)
	}
	if res := s.do(http.MethodGet, path, "shop", "", nil); res.code != http.StatusNotFound {
		t.Fatalf("get transfer as outsider: %d", res.code)
	}

	st := s.do(http.MethodGet, "/api/v1/wallet/statement?limit=1", "alice", "", nil)
	if lines, _ := st.body["lines"].([]any); st.code != http.StatusOK || len(lines) != 1 {
		t.Fatalf("statement: %d %v", st.code, st.body)
	}
}

func TestMerchantQRFlow(t *testing.T) {
	s := newServer(t)
	s.do(http.MethodPost, "/api/v1/wallet/topup", "alice", "top-1", map[string]any{"amount_cents": 50000})

	if res := s.do(http.MethodPost, "/api/v1/payments/merchant/qr", "alice", "", map[string]any{"amount_cents": 100}); res.code != http.StatusForbidden {
		t.Fatalf("non-merchant qr: %d", res.code)
	}
	qr := s.do(http.MethodPost, "/api/v1/payments/merchant/qr", "shop", "", map[string]any{"amount_cents": 10000})
	if qr.code != http.StatusCreated {
		t.Fatalf("issue qr: %d %v", qr.code, qr.body)
	}
	code, _ := qr.body["code"].(string)

	if res := s.do(http.MethodPost, "/api/v1/payments/links/pay", "alice", "pay-0", map[string]any{"code": code}); res.code != http.StatusConflict {
		t.Fatalf("qr code on link route: %d", res.code)
	}
	paid := s.do(http.MethodPost, "/api/v1/payments/merchant/pay", "alice", "pay-1", map[string]any{"code": code})
	if paid.code != http.StatusCreated {
		t.Fatalf("pay: %d %v", paid.code, paid.body)
	}
	if fee, _ := paid.body["fee"].(map[string]any); num(fee["amount"]) != 100 {
		t.Fatalf("expected 1%% fee, got %v", paid.body["fee"])
	}
	again := s.do(http.MethodPost, "/api/v1/payments/merchant/pay", "alice", "pay-2", map[string]any{"code": code})
	if again.code != http.StatusConflict || again.errorCode() != "code_invalid" {
		t.Fatalf("second pay: %d %v", again.code, again.body)
	}
	wallet := s.do(http.MethodGet, "/api/v1/wallet", "shop", "", nil)
	if num(wallet.body["balance"]) != 9900 {
		t.Fatalf("merchant net of fee: %v", wallet.body)
	}
}

func TestInternalRequests(t *testing.T) {
	s := newServer(t)
	body := []byte(`{"from_phone":"shop","from_kind":"merchant","to_phone":"alice","amount_cents":1200,"metadata":{"booking_id":"b-1"}}`)

	first := s.internal(http.MethodPost, "/internal/requests", "bus-booking-1", body)
	if first.code != http.StatusOK {
		t.Fatalf("create: %d %v", first.code, first.body)
	}
	second := s.internal(http.MethodPost, "/internal/requests", "bus-booking-1", body)
	if second.code != http.StatusOK || num(second.body["id"]) != num(first.body["id"]) {
		t.Fatalf("keyed retry should return the same request: %v", second.body)
	}
	if res := s.internal(http.MethodPost, "/internal/requests", "bus-booking-2", body); res.code != http.StatusUnauthorized || res.errorCode() != "signature_invalid" {
		t.Fatalf("signature reused with a new key: %d %v", res.code, res.body)
	}

	unkeyed := []byte(`{"from_phone":"shop","to_phone":"bob","amount_cents":5}`)
	if res := s.internal(http.MethodPost, "/internal/requests", "", unkeyed); res.code != http.StatusOK {
		t.Fatalf("unkeyed create: %d %v", res.code, res.body)
	}
	res := s.internal(http.MethodPost, "/internal/requests", "", unkeyed)
	if res.code != http.StatusUnauthorized || res.errorCode() != "signature_invalid" {
		t.Fatalf("replayed signature: %d %v", res.code, res.body)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/requests", bytes.NewReader(body))
	req.Header.Set(hmacauth.HeaderTimestamp, "1")
	req.Header.Set(hmacauth.HeaderSignature, "deadbeef")
	if res := s.serve(req); res.code != http.StatusUnauthorized {
		t.Fatalf("bad signature: %d", res.code)
	}

	s.do(http.MethodPost, "/api/v1/wallet/topup", "alice", "top-1", map[string]any{"amount_cents": 5000})
	id := jsonNumber(num(first.body["id"]))
	accepted := s.do(http.MethodPost, "/api/v1/requests/"+id+"/accept", "alice", "", nil)
	if accepted.code != http.StatusCreated {
		t.Fatalf("accept: %d %v", accepted.code, accepted.body)
	}
	got := s.internal(http.MethodGet, "/internal/requests/"+id, "", nil)
	if got.code != http.StatusOK || got.body["status"] != string(domain.RequestAccepted) {
		t.Fatalf("internal get: %d %v", got.code, got.body)
	}
}

func TestUnknownRoute(t *testing.T) {
	s := newServer(t)
	res := s.do(http.MethodGet, "/nope", "", "", nil)
	if res.code != http.StatusNotFound || res.errorCode() != "not_found" {
		t.Fatalf("unknown route: %d %v", res.code, res.body)
	}
}

func jsonNumber(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

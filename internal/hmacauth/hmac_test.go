package hmacauth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/config"
	"github.com/punchamoorthee/walletcore/internal/domain"
)

const secret = "dev_secret"

func newVerifier() (*Verifier, *clock.Fixed) {
	clk := clock.NewFixed(time.Unix(1_780_000_000, 0))
	return NewVerifier(secret, time.Minute, NewMemoryReplayCache(clk), clk), clk
}

func TestSignIgnoresWhitespace(t *testing.T) {
	a := Sign(secret, "1", []byte(`{"target": "bob",  "amount": 5}`))
	b := Sign(secret, "1", []byte(`{"target":"bob","amount":5}`))
	if a != b {
		t.Fatal("signatures over equivalent JSON should match")
	}
	if c := Sign(secret, "1", []byte(`{"amount":5,"target":"bob"}`)); c == a {
		t.Fatal("key order is part of the signed message")
	}
}

func TestVerify(t *testing.T) {
	v, clk := newVerifier()
	ctx := context.Background()
	body := []byte(`{"a":1}`)
	ts := strconv.FormatInt(clk.Now().Unix(), 10)
	sig := Sign(secret, ts, body)

	if err := v.Verify(ctx, ts, sig, body, ""); err != nil {
		t.Fatalf("valid signature: %v", err)
	}
	if err := v.Verify(ctx, ts, sig, body, ""); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("replay should be rejected, got %v", err)
	}
	if err := v.Verify(ctx, ts, sig, []byte(`{"a":2}`), ""); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("tampered body should fail, got %v", err)
	}

	clk.Advance(2 * time.Minute)
	if err := v.Verify(ctx, ts, sig, body, ""); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("stale timestamp should fail, got %v", err)
	}
	if err := v.Verify(ctx, "", "", body, ""); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("missing headers should fail, got %v", err)
	}
}

func TestSignatureBoundToIdempotencyKey(t *testing.T) {
	v, clk := newVerifier()
	ctx := context.Background()
	body := []byte(`{"target":"bob","amount":10}`)
	ts := strconv.FormatInt(clk.Now().Unix(), 10)
	sig := Sign(secret, ts, body)

	for i := 0; i < 2; i++ {
		if err := v.Verify(ctx, ts, sig, body, "k-1"); err != nil {
			t.Fatalf("retry %d with the same key: %v", i, err)
		}
	}
	for _, key := range []string{"k-2", ""} {
		if err := v.Verify(ctx, ts, sig, body, key); !errors.Is(err, domain.ErrSignatureInvalid) {
			t.Fatalf("signature reused with key %q should be rejected, got %v", key, err)
		}
	}
}

func TestMemoryReplayCacheExpires(t *testing.T) {
	clk := clock.NewFixed(time.Unix(0, 0))
	c := NewMemoryReplayCache(clk)
	ctx := context.Background()
	if ok, _ := c.Claim(ctx, "s", "", time.Second); !ok {
		t.Fatal("first use should be allowed")
	}
	if ok, _ := c.Claim(ctx, "s", "", time.Second); ok {
		t.Fatal("second use should be rejected")
	}
	clk.Advance(time.Second)
	if ok, _ := c.Claim(ctx, "s", "", time.Second); !ok {
		t.Fatal("entry should expire after ttl")
	}
}

func TestMiddleware(t *testing.T) {
	v, clk := newVerifier()
	var got string
	h := v.Middleware(func(w http.ResponseWriter, r *http.Request, err error) {
		http.Error(w, err.Error(), http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		w.WriteHeader(http.StatusNoContent)
	}))

	body := `{"target":"bob","amount":10}`
	send := func(idem string) int {
		req := httptest.NewRequest(http.MethodPost, "/internal/requests", strings.NewReader(body))
		SignRequest(req, secret, clk.Now(), []byte(body))
		if idem != "" {
			req.Header.Set(HeaderIdempotency, idem)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(""); code != http.StatusNoContent || got != body {
		t.Fatalf("signed request: code=%d body=%q", code, got)
	}
	if code := send(""); code != http.StatusUnauthorized {
		t.Fatalf("replayed request should be rejected, got %d", code)
	}
	if code := send("k-1"); code != http.StatusUnauthorized {
		t.Fatalf("used signature cannot be rebound to a key, got %d", code)
	}
	clk.Advance(time.Second)
	for i := 0; i < 2; i++ {
		if code := send("k-1"); code != http.StatusNoContent {
			t.Fatalf("keyed resend %d: got %d", i, code)
		}
	}
	if code := send("k-2"); code != http.StatusUnauthorized {
		t.Fatalf("signature reused with a new key should be rejected, got %d", code)
	}

	req := httptest.NewRequest(http.MethodPost, "/internal/requests", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned request should be rejected, got %d", rec.Code)
	}
}

func TestRedisReplayCache(t *testing.T) {
	addr := os.Getenv("WALLETCORE_TEST_REDIS")
	if addr == "" {
		t.Skip("WALLETCORE_TEST_REDIS not set")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, config.RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer rdb.Close()

	c := NewRedisReplayCache(rdb)
	sig := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	if ok, err := c.Claim(ctx, sig, "k-1", 5*time.Second); err != nil || !ok {
		t.Fatalf("first: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Claim(ctx, sig, "k-1", 5*time.Second); err != nil || !ok {
		t.Fatalf("same key: ok=%v err=%v", ok, err)
	}
	if ok, err := c.Claim(ctx, sig, "k-2", 5*time.Second); err != nil || ok {
		t.Fatalf("new key: ok=%v err=%v", ok, err)
	}
}

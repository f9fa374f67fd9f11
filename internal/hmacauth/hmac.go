// Package hmacauth authenticates service-to-service calls signed with a
// shared secret.
package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
)

const (
	HeaderTimestamp   = "X-Internal-Ts"
	HeaderSignature   = "X-Internal-Sign"
	HeaderIdempotency = "X-Idempotency-Key"

	DefaultWindow = 300 * time.Second
	maxBody       = 1 << 20
)

// compact renders body the way signers serialize it: JSON without
// insignificant whitespace. Non-JSON bodies are signed as they are.
func compact(body []byte) []byte {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return body
	}
	return buf.Bytes()
}

// Sign returns hex HMAC-SHA256(secret, ts + compact(body)).
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write(compact(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the timestamp and signature headers on req for body.
func SignRequest(req *http.Request, secret string, now time.Time, body []byte) {
	ts := strconv.FormatInt(now.Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(secret, ts, body))
}

type Verifier struct {
	secret []byte
	window time.Duration
	cache  ReplayCache
	clock  clock.Clock
}

// NewVerifier builds a verifier accepting timestamps within window of now.
// A nil cache disables replay protection.
func NewVerifier(secret string, window time.Duration, cache ReplayCache, clk clock.Clock) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{secret: []byte(secret), window: window, cache: cache, clock: clk}
}

// Verify checks a signature over body sent with idempotency key. Within the
// window a signature is accepted once, or again only with the key it was
// first used with.
func (v *Verifier) Verify(ctx context.Context, ts, sign string, body []byte, key string) error {
	if ts == "" || sign == "" {
		return domain.Errorf(domain.CodeSignatureInvalid, "missing %s or %s", HeaderTimestamp, HeaderSignature)
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.Errorf(domain.CodeSignatureInvalid, "malformed timestamp")
	}
	skew := v.clock.Now().Sub(time.Unix(secs, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > v.window {
		return domain.Errorf(domain.CodeSignatureInvalid, "timestamp outside %s window", v.window)
	}

	want := Sign(string(v.secret), ts, body)
	if !hmac.Equal([]byte(want), []byte(sign)) {
		return domain.ErrSignatureInvalid
	}

	if v.cache == nil {
		return nil
	}
	ok, err := v.cache.Claim(ctx, sign, key, v.window)
	if err != nil {
		return fmt.Errorf("replay cache: %w", err)
	}
	if !ok {
		return domain.Errorf(domain.CodeSignatureInvalid, "signature already used")
	}
	return nil
}

// VerifyRequest verifies req and leaves its body readable. A keyed request
// may be resent with the same signature and key.
func (v *Verifier) VerifyRequest(req *http.Request) error {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, maxBody))
		if err != nil {
			return domain.Errorf(domain.CodeInvalidRequest, "read body: %v", err)
		}
		req.Body.Close()
		req.Body = io.NopCloser(bytes.NewReader(body))
	}
	return v.Verify(req.Context(), req.Header.Get(HeaderTimestamp), req.Header.Get(HeaderSignature), body, req.Header.Get(HeaderIdempotency))
}

// ErrorWriter renders an authentication failure.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

func (v *Verifier) Middleware(onError ErrorWriter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := v.VerifyRequest(r); err != nil {
				onError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

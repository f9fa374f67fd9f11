package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/store"
)

const MaxKeyLength = 255

var outcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "walletcore",
	Subsystem: "idempotency",
	Name:      "outcomes_total",
	Help:      "Idempotency claims by outcome",
}, []string{"outcome"})

type Outcome int

const (
	New Outcome = iota
	Replay
	Conflict
	InProgress
)

func (o Outcome) String() string {
	switch o {
	case New:
		return "new"
	case Replay:
		return "replay"
	case Conflict:
		return "conflict"
	case InProgress:
		return "in_progress"
	}
	return "unknown"
}

// Claim identifies one logical operation of one caller.
type Claim struct {
	Caller      string
	Key         string
	Fingerprint string
}

func (c Claim) Validate() error {
	if c.Caller == "" {
		return domain.Errorf(domain.CodeInvalidRequest, "idempotency caller is required")
	}
	if strings.TrimSpace(c.Key) == "" {
		return domain.Errorf(domain.CodeInvalidRequest, "Idempotency-Key is required")
	}
	if len(c.Key) > MaxKeyLength {
		return domain.Errorf(domain.CodeInvalidRequest, "Idempotency-Key longer than %d characters", MaxKeyLength)
	}
	return nil
}

// Fingerprint hashes the parts of a request that must match on retry.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{'\n'})
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// FingerprintOf fingerprints an operation issued from code rather than HTTP.
func FingerprintOf(op string, v any) string {
	body, err := json.Marshal(v)
	if err != nil {
		body = []byte(fmt.Sprintf("%+v", v))
	}
	return Fingerprint("CALL", op, body)
}

type Guard struct {
	clock clock.Clock
}

func NewGuard(clk clock.Clock) *Guard {
	return &Guard{clock: clk}
}

// Begin claims c inside tx. A New outcome obliges the caller to Complete the
// claim in the same unit of work or Fail it afterwards.
func (g *Guard) Begin(ctx context.Context, tx store.IdempotencyTx, c Claim) (Outcome, *domain.IdempotencyRecord, error) {
	outcome, rec, err := g.begin(ctx, tx, c)
	if err == nil {
		outcomesTotal.WithLabelValues(outcome.String()).Inc()
	}
	return outcome, rec, err
}

func (g *Guard) begin(ctx context.Context, tx store.IdempotencyTx, c Claim) (Outcome, *domain.IdempotencyRecord, error) {
	now := g.clock.Now()

	rec, err := tx.IdempotencyRecord(ctx, c.Caller, c.Key)
	switch {
	case err == nil:
		if rec.Fingerprint != c.Fingerprint {
			return Conflict, rec, nil
		}
		switch rec.Status {
		case domain.IdempotencyCompleted:
			return Replay, rec, nil
		case domain.IdempotencyInProgress:
			return InProgress, rec, nil
		}
		// A failed attempt produced no side effect and may be re-run.
		rec.Status = domain.IdempotencyInProgress
		rec.ErrorCode = ""
		rec.UpdatedAt = now
		if err := tx.UpdateIdempotency(ctx, rec); err != nil {
			return 0, nil, fmt.Errorf("reclaim idempotency key: %w", err)
		}
		return New, rec, nil
	case !errors.Is(err, domain.ErrNotFound):
		return 0, nil, fmt.Errorf("idempotency query failed: %w", err)
	}

	rec = &domain.IdempotencyRecord{
		Caller:      c.Caller,
		Key:         c.Key,
		Fingerprint: c.Fingerprint,
		Status:      domain.IdempotencyInProgress,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := tx.InsertIdempotency(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return InProgress, nil, nil
		}
		return 0, nil, fmt.Errorf("key reservation failed: %w", err)
	}
	return New, rec, nil
}

// Complete records the produced result on a claim owned by the caller.
func (g *Guard) Complete(ctx context.Context, tx store.IdempotencyTx, c Claim, resultRef string, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode idempotent result: %w", err)
	}
	rec, err := tx.IdempotencyRecord(ctx, c.Caller, c.Key)
	if err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	rec.Status = domain.IdempotencyCompleted
	rec.ResultRef = resultRef
	rec.Response = body
	rec.UpdatedAt = g.clock.Now()
	if err := tx.UpdateIdempotency(ctx, rec); err != nil {
		return fmt.Errorf("idempotency update failed: %w", err)
	}
	return nil
}

// Fail records that the claimed operation ended without a side effect. It runs
// in its own unit of work because the failed one was rolled back.
func (g *Guard) Fail(ctx context.Context, s store.Store, c Claim, code domain.ErrorCode) error {
	return s.WithTx(ctx, func(tx store.Tx) error {
		now := g.clock.Now()
		rec, err := tx.IdempotencyRecord(ctx, c.Caller, c.Key)
		if errors.Is(err, domain.ErrNotFound) {
			return tx.InsertIdempotency(ctx, &domain.IdempotencyRecord{
				Caller:      c.Caller,
				Key:         c.Key,
				Fingerprint: c.Fingerprint,
				Status:      domain.IdempotencyFailed,
				ErrorCode:   string(code),
				CreatedAt:   now,
				UpdatedAt:   now,
			})
		}
		if err != nil {
			return err
		}
		if rec.Status == domain.IdempotencyCompleted || rec.Fingerprint != c.Fingerprint {
			return nil
		}
		rec.Status = domain.IdempotencyFailed
		rec.ErrorCode = string(code)
		rec.UpdatedAt = now
		return tx.UpdateIdempotency(ctx, rec)
	})
}

// Purge deletes settled keys last touched before now-ttl.
func (g *Guard) Purge(ctx context.Context, s store.Store, ttl time.Duration) (int64, error) {
	var n int64
	err := s.WithTx(ctx, func(tx store.Tx) error {
		var err error
		n, err = tx.DeleteIdempotencyBefore(ctx, g.clock.Now().Add(-ttl))
		return err
	})
	return n, err
}

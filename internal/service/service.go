package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
	"github.com/punchamoorthee/walletcore/internal/fees"
	"github.com/punchamoorthee/walletcore/internal/idempotency"
	"github.com/punchamoorthee/walletcore/internal/ledger"
	"github.com/punchamoorthee/walletcore/internal/policy"
	"github.com/punchamoorthee/walletcore/internal/store"
)

// SchedulerCaller scopes idempotency keys of scheduled charges.
const SchedulerCaller = "scheduler"

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Name:      "transfers_total",
		Help:      "Money movements by kind and outcome",
	}, []string{"kind", "outcome"})

	schedulerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "walletcore",
		Subsystem: "scheduler",
		Name:      "items_total",
		Help:      "Recurring items handled by job and result",
	}, []string{"job", "result"})
)

type Options struct {
	FeeWalletOwner string
	MerchantFeeBps int64
	TopupEnabled   bool
	QRExpiry       time.Duration
	LinkExpiry     time.Duration
	RequestExpiry  time.Duration
}

type Deps struct {
	Store     store.Store
	Ledger    *ledger.Ledger
	Runner    *idempotency.Runner
	Policy    *policy.Enforcer
	Publisher Publisher
	Clock     clock.Clock
	Log       zerolog.Logger
}

// Service runs every money movement of the wallet engine.
type Service struct {
	store     store.Store
	ledger    *ledger.Ledger
	runner    *idempotency.Runner
	fees      fees.Calculator
	policy    *policy.Enforcer
	publisher Publisher
	clock     clock.Clock
	log       zerolog.Logger
	opts      Options
}

// New wires the service and ensures the fee wallet exists.
func New(ctx context.Context, d Deps, opts Options) (*Service, error) {
	if d.Publisher == nil {
		d.Publisher = NopPublisher{}
	}
	s := &Service{
		store:     d.Store,
		ledger:    d.Ledger,
		runner:    d.Runner,
		policy:    d.Policy,
		publisher: d.Publisher,
		clock:     d.Clock,
		log:       d.Log,
		opts:      opts,
	}

	err := s.store.WithTx(ctx, func(tx store.Tx) error {
		w, err := s.ledger.EnsureWallet(ctx, tx, opts.FeeWalletOwner, domain.WalletFee)
		if err != nil {
			return err
		}
		s.fees = fees.Calculator{MerchantBps: opts.MerchantFeeBps, WalletID: w.ID}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("fee wallet: %w", err)
	}
	return s, nil
}

func (s *Service) Ledger() *ledger.Ledger {
	return s.ledger
}

func (s *Service) FeeWalletID() int64 {
	return s.fees.WalletID
}

// Receipt is the result of a money movement. Replayed is set when the
// result was produced by an earlier call with the same idempotency key.
type Receipt struct {
	domain.TransferResult
	Replayed bool `json:"-"`
}

func claimFor(caller, key, fingerprint, op string, body any) idempotency.Claim {
	if fingerprint == "" {
		fingerprint = idempotency.FingerprintOf(op, body)
	}
	return idempotency.Claim{Caller: caller, Key: key, Fingerprint: fingerprint}
}

// execute runs fn at most once per claim and records the outcome.
func (s *Service) execute(ctx context.Context, kind domain.TransferKind, c idempotency.Claim, fn func(ctx context.Context, tx store.Tx) (*domain.TransferResult, error)) (*Receipt, error) {
	res, replayed, err := idempotency.Run(ctx, s.runner, c, func(ctx context.Context, tx store.Tx) (string, domain.TransferResult, error) {
		r, err := fn(ctx, tx)
		if err != nil {
			return "", domain.TransferResult{}, err
		}
		return transferRef(r.Transfer.ID), *r, nil
	})
	observe(kind, replayed, err)
	if err != nil {
		return nil, err
	}
	if !replayed {
		s.log.Info().
			Int64("transfer_id", res.Transfer.ID).
			Str("kind", string(kind)).
			Int64("amount", res.Transfer.Amount).
			Str("caller", c.Caller).
			Msg("transfer committed")
	}
	return &Receipt{TransferResult: res, Replayed: replayed}, nil
}

func observe(kind domain.TransferKind, replayed bool, err error) {
	outcome := "ok"
	switch {
	case err != nil:
		outcome = string(domain.CodeOf(err))
		if outcome == "" {
			outcome = "error"
		}
	case replayed:
		outcome = "replay"
	}
	transfersTotal.WithLabelValues(string(kind), outcome).Inc()
}

func transferRef(id int64) string {
	return fmt.Sprintf("transfer:%d", id)
}

// movement is one transfer inside a unit of work.
type movement struct {
	kind      domain.TransferKind
	from      *domain.Wallet
	to        *domain.Wallet
	amount    int64
	reference string
	// limits enables policy checks against the payer at kycLevel.
	limits   bool
	kycLevel int
}

// move executes m within tx: lock, limits, balance check, entries, merchant
// fee and outbox events.
func (s *Service) move(ctx context.Context, tx store.Tx, m movement) (*domain.TransferResult, error) {
	if m.amount <= 0 {
		return nil, domain.ErrInvalidAmount
	}
	if m.from != nil && m.from.ID == m.to.ID {
		return nil, domain.Errorf(domain.CodeInvalidRequest, "cannot transfer to the same wallet")
	}

	toID := m.to.ID
	ids := []int64{toID}
	if m.from != nil {
		ids = append(ids, m.from.ID)
	}
	chargeFee := s.fees.Applies(m.kind, m.to.Kind)
	if chargeFee {
		ids = append(ids, s.fees.WalletID)
	}
	locked, err := s.ledger.Lock(ctx, tx, ids...)
	if err != nil {
		return nil, err
	}

	t := &domain.Transfer{ToWalletID: &toID, Amount: m.amount, Kind: m.kind, Reference: m.reference}
	if m.from != nil {
		fromID := m.from.ID
		if m.limits {
			err := s.policy.Check(ctx, tx, policy.Attempt{
				PayerID:  m.from.OwnerID,
				PayeeID:  m.to.OwnerID,
				WalletID: fromID,
				Amount:   m.amount,
				Kind:     m.kind,
				KYCLevel: m.kycLevel,
			})
			if err != nil {
				return nil, err
			}
		}
		if balance := locked[fromID].Balance; balance < m.amount {
			return nil, domain.ErrInsufficientBalance.WithDetails(map[string]any{
				"balance": balance,
				"amount":  m.amount,
			})
		}
		t.FromWalletID = &fromID
	}

	entries, err := s.ledger.Post(ctx, tx, t)
	if err != nil {
		return nil, err
	}
	res := &domain.TransferResult{Transfer: *t, Entries: entries}

	if chargeFee {
		if fee := s.fees.Fee(m.amount); fee > 0 {
			feeWallet := s.fees.WalletID
			ft := &domain.Transfer{
				FromWalletID: &toID,
				ToWalletID:   &feeWallet,
				Amount:       fee,
				Kind:         domain.KindFee,
				Reference:    transferRef(t.ID),
			}
			if _, err := s.ledger.Post(ctx, tx, ft); err != nil {
				return nil, fmt.Errorf("post fee: %w", err)
			}
			res.Fee = ft
		}
	}

	owners := []string{m.to.OwnerID}
	if m.from != nil {
		owners = append(owners, m.from.OwnerID)
	}
	if err := s.publisher.Publish(ctx, tx, EventTransferCompleted, res, owners...); err != nil {
		return nil, err
	}
	return res, nil
}

// expired marks an error caused by an object found past its expiry. The
// expiry is persisted after the failed unit of work rolls back.
type expired struct {
	err     error
	persist func(ctx context.Context, tx store.Tx) error
}

func (e *expired) Error() string { return e.err.Error() }
func (e *expired) Unwrap() error { return e.err }

// settleExpired persists an expiry observed by a failed unit of work.
func (s *Service) settleExpired(ctx context.Context, err error) {
	var exp *expired
	if !errors.As(err, &exp) {
		return
	}
	if perr := s.store.WithTx(context.WithoutCancel(ctx), func(tx store.Tx) error {
		return exp.persist(ctx, tx)
	}); perr != nil {
		s.log.Warn().Err(perr).Msg("persist expiry")
	}
}

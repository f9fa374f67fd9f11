package policy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
)

type fakeUsage struct {
	count, total int64
}

func (f fakeUsage) OutgoingSince(context.Context, int64, time.Time, ...domain.TransferKind) (int64, int64, error) {
	return f.count, f.total, nil
}

type denyAll struct{}

func (denyAll) Screen(context.Context, Attempt) error { return errors.New("blocked payee") }

func newEnforcer(s Screener) *Enforcer {
	return NewEnforcer(Default(), clock.NewFixed(time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)), s)
}

func TestCheckKYCTiers(t *testing.T) {
	e := newEnforcer(nil)
	ctx := context.Background()

	cases := []struct {
		name   string
		level  int
		amount int64
		usage  fakeUsage
		ok     bool
	}{
		{"L0 within tx cap", 0, 100_000, fakeUsage{}, true},
		{"L0 above tx cap", 0, 100_000_001, fakeUsage{}, false},
		{"L1 above L0 cap", 1, 200_000_000, fakeUsage{}, true},
		{"L0 daily cap reached", 0, 1_000, fakeUsage{total: 499_999_500}, false},
		{"L3 uses highest tier", 3, 500_000_000, fakeUsage{}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := e.Check(ctx, tc.usage, Attempt{WalletID: 1, Amount: tc.amount, Kind: domain.KindMerchant, KYCLevel: tc.level})
			if tc.ok && err != nil {
				t.Fatalf("expected pass, got %v", err)
			}
			if !tc.ok && !errors.Is(err, domain.ErrLimitExceeded) {
				t.Fatalf("expected limit_exceeded, got %v", err)
			}
		})
	}
}

func TestCheckVelocity(t *testing.T) {
	e := newEnforcer(nil)
	ctx := context.Background()

	err := e.Check(ctx, fakeUsage{count: 100}, Attempt{WalletID: 1, Amount: 10, Kind: domain.KindP2P})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("101st p2p transfer in an hour should fail, got %v", err)
	}
	err = e.Check(ctx, fakeUsage{count: 5, total: 9_999_999}, Attempt{WalletID: 1, Amount: 2, Kind: domain.KindP2P})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("p2p hourly volume should fail, got %v", err)
	}
	if err := e.Check(ctx, fakeUsage{count: 150}, Attempt{WalletID: 1, Amount: 10, Kind: domain.KindMerchant}); err != nil {
		t.Fatalf("merchant velocity allows 200 per hour, got %v", err)
	}
	if err := e.Check(ctx, fakeUsage{count: 500}, Attempt{WalletID: 1, Amount: 10, Kind: domain.KindRefund}); err != nil {
		t.Fatalf("refunds carry no velocity limit, got %v", err)
	}
}

func TestScreenerDenies(t *testing.T) {
	e := newEnforcer(denyAll{})
	err := e.Check(context.Background(), fakeUsage{}, Attempt{WalletID: 1, Amount: 10, Kind: domain.KindP2P})
	if !errors.Is(err, domain.ErrLimitExceeded) {
		t.Fatalf("expected screener denial, got %v", err)
	}
}

func TestMerchantGates(t *testing.T) {
	e := newEnforcer(nil)
	if err := e.RequireMerchantPay(domain.Actor{ID: "u", KYCLevel: 0}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("L0 payer should be forbidden, got %v", err)
	}
	if err := e.RequireMerchantQR(domain.Actor{ID: "m", KYCLevel: 2}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("non-merchant should be forbidden, got %v", err)
	}
	if err := e.RequireMerchantQR(domain.Actor{ID: "m", KYCLevel: 1, Merchant: true}); err != nil {
		t.Fatalf("L1 merchant allowed, got %v", err)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	raw := []byte(`
merchant_pay_min_level: 2
kyc:
  - level: 1
    tx_max: 1000
    daily_max: 5000
  - level: 0
    tx_max: 100
    daily_max: 200
velocity:
  p2p:
    window: 30m
    max_count: 3
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	limits, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if limits.MerchantPayMinLevel != 2 || limits.MerchantQRMinLevel != 1 {
		t.Fatalf("unexpected merchant levels %+v", limits)
	}
	if tier := limits.TierFor(0); tier.TxMax != 100 {
		t.Fatalf("tiers should be sorted by level, got %+v", tier)
	}
	if v := limits.Velocity[VelocityP2P]; v.Window != 30*time.Minute || v.MaxCount != 3 {
		t.Fatalf("unexpected velocity %+v", v)
	}
}

func TestLoadRejectsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("kyc: []\n"), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty tiers")
	}
}

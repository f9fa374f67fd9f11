package policy

import (
	"context"
	"fmt"
	"time"

	"github.com/punchamoorthee/walletcore/internal/clock"
	"github.com/punchamoorthee/walletcore/internal/domain"
)

// Attempt describes an outgoing transfer before it is executed.
type Attempt struct {
	PayerID  string
	PayeeID  string
	WalletID int64
	Amount   int64
	Kind     domain.TransferKind
	KYCLevel int
}

// Usage reports historical debits of a wallet. store.Tx satisfies it.
type Usage interface {
	OutgoingSince(ctx context.Context, walletID int64, since time.Time, kinds ...domain.TransferKind) (count int64, total int64, err error)
}

// Screener accepts or denies a transfer attempt. A non-nil error denies it.
type Screener interface {
	Screen(ctx context.Context, a Attempt) error
}

type AllowAll struct{}

func (AllowAll) Screen(context.Context, Attempt) error { return nil }

// counted lists the kinds that consume a payer's daily allowance.
var counted = []domain.TransferKind{
	domain.KindP2P, domain.KindMerchant, domain.KindLink, domain.KindRequest,
	domain.KindSubscription, domain.KindInvoice, domain.KindInternal,
}

var velocityKinds = map[domain.TransferKind]string{
	domain.KindP2P:      VelocityP2P,
	domain.KindInternal: VelocityP2P,
	domain.KindRequest:  VelocityP2P,
	domain.KindMerchant: VelocityMerchant,
	domain.KindLink:     VelocityMerchant,
}

type Enforcer struct {
	limits   Limits
	clock    clock.Clock
	screener Screener
}

func NewEnforcer(limits Limits, clk clock.Clock, screener Screener) *Enforcer {
	if screener == nil {
		screener = AllowAll{}
	}
	return &Enforcer{limits: limits, clock: clk, screener: screener}
}

func (e *Enforcer) Limits() Limits {
	return e.limits
}

// Check applies KYC, velocity and screening rules to a. It must run inside
// the unit of work that performs the transfer, after the payer's wallet lock.
func (e *Enforcer) Check(ctx context.Context, usage Usage, a Attempt) error {
	tier := e.limits.TierFor(a.KYCLevel)
	if tier.TxMax > 0 && a.Amount > tier.TxMax {
		return limitError("per-transaction limit exceeded for KYC level", a, tier.TxMax)
	}

	now := e.clock.Now()
	if tier.DailyMax > 0 {
		dayStart := now.Truncate(24 * time.Hour)
		_, spent, err := usage.OutgoingSince(ctx, a.WalletID, dayStart, counted...)
		if err != nil {
			return fmt.Errorf("daily usage: %w", err)
		}
		if spent+a.Amount > tier.DailyMax {
			return limitError("daily limit exceeded for KYC level", a, tier.DailyMax)
		}
	}

	if group, ok := velocityKinds[a.Kind]; ok {
		if v, ok := e.limits.Velocity[group]; ok && v.Window > 0 {
			kinds := kindsIn(group)
			count, total, err := usage.OutgoingSince(ctx, a.WalletID, now.Add(-v.Window), kinds...)
			if err != nil {
				return fmt.Errorf("velocity usage: %w", err)
			}
			if v.MaxCount > 0 && count+1 > v.MaxCount {
				return limitError("too many transfers in window", a, v.MaxCount)
			}
			if v.MaxAmount > 0 && total+a.Amount > v.MaxAmount {
				return limitError("transfer volume in window exceeded", a, v.MaxAmount)
			}
		}
	}

	if err := e.screener.Screen(ctx, a); err != nil {
		return domain.Errorf(domain.CodeLimitExceeded, "transfer declined: %v", err)
	}
	return nil
}

// RequireMerchantPay gates paying merchants on the payer's KYC level.
func (e *Enforcer) RequireMerchantPay(actor domain.Actor) error {
	if actor.KYCLevel < e.limits.MerchantPayMinLevel {
		return domain.Errorf(domain.CodeForbidden, "KYC level %d required for merchant payments", e.limits.MerchantPayMinLevel)
	}
	return nil
}

// RequireMerchantQR gates issuing merchant codes.
func (e *Enforcer) RequireMerchantQR(actor domain.Actor) error {
	if !actor.Merchant {
		return domain.Errorf(domain.CodeForbidden, "merchant account required")
	}
	if actor.KYCLevel < e.limits.MerchantQRMinLevel {
		return domain.Errorf(domain.CodeForbidden, "KYC level %d required for merchant codes", e.limits.MerchantQRMinLevel)
	}
	return nil
}

func kindsIn(group string) []domain.TransferKind {
	var kinds []domain.TransferKind
	for k, g := range velocityKinds {
		if g == group {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func limitError(msg string, a Attempt, limit int64) error {
	return domain.ErrLimitExceeded.WithDetails(map[string]any{
		"reason": msg,
		"limit":  limit,
		"amount": a.Amount,
		"kind":   string(a.Kind),
	})
}

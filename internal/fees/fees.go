package fees

import "github.com/punchamoorthee/walletcore/internal/domain"

const bpsDenominator = 10000

// ComputeFee returns amount*bps/10000 rounded half up, never more than amount.
func ComputeFee(amount, bps int64) int64 {
	if amount <= 0 || bps <= 0 {
		return 0
	}
	fee := (amount*bps + bpsDenominator/2) / bpsDenominator
	if fee > amount {
		return amount
	}
	return fee
}

// Calculator applies the merchant fee schedule. The fee wallet is resolved
// once at startup from configuration.
type Calculator struct {
	MerchantBps int64
	WalletID    int64
}

// Applies reports whether a payment of kind into a wallet of receiver kind
// carries a merchant fee.
func (c Calculator) Applies(kind domain.TransferKind, receiver domain.WalletKind) bool {
	if c.MerchantBps <= 0 || c.WalletID == 0 || receiver != domain.WalletMerchant {
		return false
	}
	switch kind {
	case domain.KindMerchant, domain.KindLink, domain.KindSubscription, domain.KindInvoice, domain.KindRequest:
		return true
	}
	return false
}

// Fee returns the merchant fee for a gross amount.
func (c Calculator) Fee(gross int64) int64 {
	return ComputeFee(gross, c.MerchantBps)
}

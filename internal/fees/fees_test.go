package fees

import (
	"testing"

	"github.com/punchamoorthee/walletcore/internal/domain"
)

func TestComputeFeeRoundsHalfUp(t *testing.T) {
	cases := []struct {
		amount, bps, want int64
	}{
		{10000, 1000, 1000},
		{10000, 0, 0},
		{5, 1000, 1},
		{4, 1000, 0},
		{15, 1000, 2},
		{25, 1000, 3},
		{199, 250, 5},
		{100, 10000, 100},
		{100, 20000, 100},
		{0, 1000, 0},
		{-10, 1000, 0},
	}
	for _, tc := range cases {
		if got := ComputeFee(tc.amount, tc.bps); got != tc.want {
			t.Fatalf("ComputeFee(%d, %d): got %d want %d", tc.amount, tc.bps, got, tc.want)
		}
	}
}

func TestCalculatorApplies(t *testing.T) {
	c := Calculator{MerchantBps: 150, WalletID: 9}
	if !c.Applies(domain.KindMerchant, domain.WalletMerchant) {
		t.Fatalf("merchant payment to merchant wallet should carry a fee")
	}
	if c.Applies(domain.KindP2P, domain.WalletMerchant) {
		t.Fatalf("p2p transfers are fee free")
	}
	if c.Applies(domain.KindMerchant, domain.WalletUser) {
		t.Fatalf("non merchant receivers are fee free")
	}
	if (Calculator{MerchantBps: 150}).Applies(domain.KindMerchant, domain.WalletMerchant) {
		t.Fatalf("no fee without a configured fee wallet")
	}
}

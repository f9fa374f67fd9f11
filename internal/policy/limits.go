package policy

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Tier caps the outgoing volume of owners at or above Level.
type Tier struct {
	Level    int   `yaml:"level"`
	TxMax    int64 `yaml:"tx_max"`
	DailyMax int64 `yaml:"daily_max"`
}

// Velocity caps the number and volume of transfers in a sliding window.
type Velocity struct {
	Window    time.Duration `yaml:"window"`
	MaxCount  int64         `yaml:"max_count"`
	MaxAmount int64         `yaml:"max_amount"`
}

type Limits struct {
	Tiers               []Tier              `yaml:"kyc"`
	MerchantPayMinLevel int                 `yaml:"merchant_pay_min_level"`
	MerchantQRMinLevel  int                 `yaml:"merchant_qr_min_level"`
	Velocity            map[string]Velocity `yaml:"velocity"`
}

const (
	VelocityP2P      = "p2p"
	VelocityMerchant = "merchant"
)

func Default() Limits {
	return Limits{
		Tiers: []Tier{
			{Level: 0, TxMax: 100_000_000, DailyMax: 500_000_000},
			{Level: 1, TxMax: 500_000_000, DailyMax: 2_000_000_000},
		},
		MerchantPayMinLevel: 1,
		MerchantQRMinLevel:  1,
		Velocity: map[string]Velocity{
			VelocityP2P:      {Window: time.Hour, MaxCount: 100, MaxAmount: 10_000_000},
			VelocityMerchant: {Window: time.Hour, MaxCount: 200},
		},
	}
}

// Load overlays the YAML file at path on the defaults. An empty path
// returns the defaults.
func Load(path string) (Limits, error) {
	limits := Default()
	if path == "" {
		return limits, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Limits{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &limits); err != nil {
		return Limits{}, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	if err := limits.Validate(); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

func (l *Limits) Validate() error {
	if len(l.Tiers) == 0 {
		return fmt.Errorf("policy: at least one kyc tier is required")
	}
	sort.Slice(l.Tiers, func(i, j int) bool { return l.Tiers[i].Level < l.Tiers[j].Level })
	for _, t := range l.Tiers {
		if t.TxMax < 0 || t.DailyMax < 0 {
			return fmt.Errorf("policy: kyc level %d has negative limits", t.Level)
		}
	}
	for name, v := range l.Velocity {
		if v.Window <= 0 && (v.MaxCount > 0 || v.MaxAmount > 0) {
			return fmt.Errorf("policy: velocity %q needs a positive window", name)
		}
	}
	return nil
}

// TierFor returns the highest tier whose level does not exceed level.
func (l Limits) TierFor(level int) Tier {
	tier := l.Tiers[0]
	for _, t := range l.Tiers {
		if t.Level <= level {
			tier = t
		}
	}
	return tier
}

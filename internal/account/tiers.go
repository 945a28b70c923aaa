package account

import "fmt"

// Unlimited marks a tier with no monthly lead allowance cap.
const Unlimited = -1

// TierConfig is the static fee and allowance configuration for one tier.
type TierConfig struct {
	Tier               Tier  `json:"tier"`
	MonthlyLeadCredits int   `json:"monthlyLeadCredits"` // Unlimited = no cap
	LeadFeeCents       int64 `json:"leadFeeCents"`       // charged per lead once credits run out
}

// Catalogue maps tiers to their configuration.
type Catalogue map[Tier]TierConfig

// DefaultCatalogue is the built-in tier table.
var DefaultCatalogue = Catalogue{
	TierFree:       {Tier: TierFree, MonthlyLeadCredits: 3, LeadFeeCents: 1500},
	TierBasic:      {Tier: TierBasic, MonthlyLeadCredits: 20, LeadFeeCents: 1000},
	TierPro:        {Tier: TierPro, MonthlyLeadCredits: Unlimited},
	TierEnterprise: {Tier: TierEnterprise, MonthlyLeadCredits: Unlimited},
}

// Lookup returns the configuration for t, or ErrUnknownTier.
func (c Catalogue) Lookup(t Tier) (TierConfig, error) {
	cfg, ok := c[t]
	if !ok {
		return TierConfig{}, fmt.Errorf("%w: %q", ErrUnknownTier, t)
	}
	return cfg, nil
}

// NeverCharges reports whether leads on this tier are free regardless of usage.
func (tc TierConfig) NeverCharges() bool {
	return tc.MonthlyLeadCredits == Unlimited || tc.LeadFeeCents <= 0
}

// RequiresPayment reports whether a lead claimed after `used` credits must be paid for.
func (tc TierConfig) RequiresPayment(used int) bool {
	if tc.NeverCharges() {
		return false
	}
	return used >= tc.MonthlyLeadCredits
}

// ValidTier returns true if the tier name is recognised by the default catalogue.
func ValidTier(t Tier) bool {
	_, ok := DefaultCatalogue[t]
	return ok
}

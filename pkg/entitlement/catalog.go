package entitlement

import (
	"fmt"
	"strings"
)

// EffectKind is what buying a price grants
type EffectKind string

const (
	KindSingle       EffectKind = "single"
	KindCreditBundle EffectKind = "credit_bundle"
	KindSubscription EffectKind = "subscription"
)

// PriceEffect describes the entitlement a provider price grants
type PriceEffect struct {
	Kind EffectKind `mapstructure:"kind" json:"kind"`

	// Credits is the credit amount granted per unit of a credit bundle
	Credits int `mapstructure:"credits" json:"credits,omitempty"`

	// Tier is the subscription tier granted by a subscription price
	Tier string `mapstructure:"tier" json:"tier,omitempty"`
}

// TierConfig defines the monthly allotment of a subscription tier
type TierConfig struct {
	Name         string `mapstructure:"name" json:"name"`
	MonthlyQuota int    `mapstructure:"monthly_quota" json:"monthly_quota"`
}

// Catalog maps provider price identifiers to entitlement effects.
// Price keys may be price ids or price lookup keys and are matched case-insensitively.
type Catalog struct {
	Prices map[string]PriceEffect
	Tiers  map[string]TierConfig
}

// NewCatalog normalizes keys and validates the catalog
func NewCatalog(prices map[string]PriceEffect, tiers map[string]TierConfig) (*Catalog, error) {
	c := &Catalog{
		Prices: make(map[string]PriceEffect, len(prices)),
		Tiers:  make(map[string]TierConfig, len(tiers)),
	}
	for name, tier := range tiers {
		key := normalizeKey(name)
		if tier.Name == "" {
			tier.Name = key
		}
		c.Tiers[key] = tier
	}
	for id, eff := range prices {
		eff.Kind = EffectKind(normalizeKey(string(eff.Kind)))
		eff.Tier = normalizeKey(eff.Tier)
		c.Prices[normalizeKey(id)] = eff
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks that every price points at a usable effect
func (c *Catalog) Validate() error {
	if len(c.Prices) == 0 {
		return fmt.Errorf("%w: no prices configured", ErrInvalidCatalog)
	}
	for id, eff := range c.Prices {
		switch eff.Kind {
		case KindSingle:
		case KindCreditBundle:
			if eff.Credits <= 0 {
				return fmt.Errorf("%w: price %s grants %d credits", ErrInvalidCatalog, id, eff.Credits)
			}
		case KindSubscription:
			tier, ok := c.Tiers[eff.Tier]
			if !ok {
				return fmt.Errorf("%w: price %s references unknown tier %q", ErrInvalidCatalog, id, eff.Tier)
			}
			if tier.MonthlyQuota < 0 {
				return fmt.Errorf("%w: tier %s has negative quota", ErrInvalidCatalog, eff.Tier)
			}
		default:
			return fmt.Errorf("%w: price %s has unknown kind %q", ErrInvalidCatalog, id, eff.Kind)
		}
	}
	return nil
}

// Lookup returns the effect of the first key that is mapped.
// Callers pass the price id first and the lookup key second.
func (c *Catalog) Lookup(keys ...string) (PriceEffect, bool) {
	for _, k := range keys {
		if k == "" {
			continue
		}
		if eff, ok := c.Prices[normalizeKey(k)]; ok {
			return eff, true
		}
	}
	return PriceEffect{}, false
}

// Has reports whether the price id is mapped directly
func (c *Catalog) Has(priceID string) bool {
	_, ok := c.Prices[normalizeKey(priceID)]
	return ok
}

// Allotment returns the monthly quota of a tier
func (c *Catalog) Allotment(tier string) (int, bool) {
	t, ok := c.Tiers[normalizeKey(tier)]
	if !ok {
		return 0, false
	}
	return t.MonthlyQuota, true
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

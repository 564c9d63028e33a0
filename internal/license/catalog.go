package license

import (
	"fmt"
	"sort"
)

// Entitlement classes issued by the service
const (
	ClassOneDay    = "1day"
	ClassOneWeek   = "1week"
	ClassOneMonth  = "1month"
	ClassThreeMon  = "3months"
	ClassLifetime  = "lifetime"
	ClassBooster   = "booster"
	BoosterScanCap = 10
)

// DefaultLimits is the built-in policy table. Only the booster tier is
// metered; time-based tiers are unlimited.
func DefaultLimits() map[string]int {
	return map[string]int{
		ClassOneDay:   Unlimited,
		ClassOneWeek:  Unlimited,
		ClassOneMonth: Unlimited,
		ClassThreeMon: Unlimited,
		ClassLifetime: Unlimited,
		ClassBooster:  BoosterScanCap,
	}
}

// Catalog resolves an entitlement class to its usage limit. It is immutable
// after construction and safe for concurrent use.
type Catalog struct {
	limits map[string]int
	strict bool
}

// NewCatalog builds a catalog from the default table plus overrides.
// In strict mode classes outside the table are rejected by Resolve.
func NewCatalog(overrides map[string]int, strict bool) (*Catalog, error) {
	limits := DefaultLimits()
	for class, limit := range overrides {
		if class == "" {
			return nil, fmt.Errorf("entitlement override with empty class name")
		}
		if limit < 0 && limit != Unlimited {
			return nil, fmt.Errorf("entitlement %q: limit must be >= 0 or %d, got %d", class, Unlimited, limit)
		}
		limits[class] = limit
	}
	return &Catalog{limits: limits, strict: strict}, nil
}

// LimitFor returns the usage limit for class. Unknown classes are unlimited.
func (c *Catalog) LimitFor(class string) int {
	if limit, ok := c.limits[class]; ok {
		return limit
	}
	return Unlimited
}

// Known reports whether class is in the table.
func (c *Catalog) Known(class string) bool {
	_, ok := c.limits[class]
	return ok
}

// Strict reports whether unknown classes are rejected.
func (c *Catalog) Strict() bool {
	return c.strict
}

// Resolve returns the limit to capture at issuance time.
func (c *Catalog) Resolve(class string) (int, error) {
	if c.strict && !c.Known(class) {
		return 0, fmt.Errorf("%q: %w", class, ErrUnknownEntitlement)
	}
	return c.LimitFor(class), nil
}

// Classes lists the known classes in sorted order.
func (c *Catalog) Classes() []string {
	out := make([]string, 0, len(c.limits))
	for class := range c.limits {
		out = append(out, class)
	}
	sort.Strings(out)
	return out
}

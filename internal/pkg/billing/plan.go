package billing

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PlanType is the enumerated subscription tier.
type PlanType string

const (
	PlanBasic   PlanType = "BASIC"
	PlanPro     PlanType = "PRO"
	PlanPremium PlanType = "PREMIUM"
)

const (
	// TrialPeriod is the length of a free trial.
	TrialPeriod = 14 * 24 * time.Hour
	// BillingPeriod is the length of one paid period.
	BillingPeriod = 30 * 24 * time.Hour
)

// Plan is one entry of the plan catalog.
type Plan struct {
	Type   PlanType
	Title  string
	Price  decimal.Decimal
	Period time.Duration
	Rank   int
}

var catalog = map[PlanType]Plan{
	PlanBasic: {
		Type:   PlanBasic,
		Title:  "Plan Basic",
		Price:  decimal.RequireFromString("4999.00"),
		Period: BillingPeriod,
		Rank:   1,
	},
	PlanPro: {
		Type:   PlanPro,
		Title:  "Plan Pro",
		Price:  decimal.RequireFromString("9999.00"),
		Period: BillingPeriod,
		Rank:   2,
	},
	PlanPremium: {
		Type:   PlanPremium,
		Title:  "Plan Premium",
		Price:  decimal.RequireFromString("19999.00"),
		Period: BillingPeriod,
		Rank:   3,
	},
}

func normalizePlanType(raw string) PlanType {
	return PlanType(strings.ToUpper(strings.TrimSpace(raw)))
}

// LookupPlan resolves a plan by type, ignoring case and surrounding space.
func LookupPlan(raw string) (Plan, error) {
	p, ok := catalog[normalizePlanType(raw)]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %q", ErrUnknownPlan, raw)
	}
	return p, nil
}

// Plans returns the catalog ordered by rank.
func Plans() []Plan {
	out := make([]Plan, 0, len(catalog))
	for _, p := range catalog {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out
}

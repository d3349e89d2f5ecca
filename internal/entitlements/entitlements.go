// Package entitlements holds the plan gate: which features and how many
// resources each subscription plan allows.
package entitlements

import (
	"errors"
	"fmt"
	"strings"
)

// Plan is a subscription tier stored on the profile row.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// ParsePlan normalises a stored plan value. Anything that is not a known
// paid plan reads as free.
func ParsePlan(raw string) Plan {
	if Plan(strings.ToLower(strings.TrimSpace(raw))) == PlanPro {
		return PlanPro
	}
	return PlanFree
}

// Feature is a capability that only some plans unlock.
type Feature string

const (
	FeatureAdvancedCharts  Feature = "advanced_charts"
	FeaturePDFExport       Feature = "pdf_export"
	FeatureTeamManagement  Feature = "team_management"
	FeatureLateOrderAlerts Feature = "late_order_alerts"
)

// Features lists every gated feature in display order.
var Features = []Feature{
	FeatureAdvancedCharts,
	FeaturePDFExport,
	FeatureTeamManagement,
	FeatureLateOrderAlerts,
}

// Resource is something a plan may cap by count.
type Resource string

const (
	ResourceOrders Resource = "orders"
)

// FreeOrderLimit is the number of orders a free workshop may keep.
const FreeOrderLimit = 10

// ErrLimitReached is matched by errors.Is on every *LimitError.
var ErrLimitReached = errors.New("plan limit reached")

// LimitError describes a blocked creation.
type LimitError struct {
	Plan     Plan
	Resource Resource
	Limit    int
	Count    int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s plan allows up to %d %s (currently %d); upgrade to pro to add more",
		e.Plan, e.Limit, e.Resource, e.Count)
}

func (e *LimitError) Unwrap() error {
	return ErrLimitReached
}

// Allows reports whether plan unlocks feature.
func Allows(plan Plan, feature Feature) bool {
	return plan == PlanPro
}

// Limit returns the cap for resource on plan, and false when uncapped.
func Limit(plan Plan, resource Resource) (int, bool) {
	if plan == PlanPro {
		return 0, false
	}
	switch resource {
	case ResourceOrders:
		return FreeOrderLimit, true
	}
	return 0, false
}

// CheckCreate returns a *LimitError when a caller on plan already holds
// count items of resource and may not create another.
func CheckCreate(plan Plan, resource Resource, count int) error {
	limit, capped := Limit(plan, resource)
	if !capped || count < limit {
		return nil
	}
	return &LimitError{Plan: plan, Resource: resource, Limit: limit, Count: count}
}

// ResourceUsage is the per-resource block of a Summary.
type ResourceUsage struct {
	Limit        *int `json:"limit"`
	Used         int  `json:"used"`
	LimitReached bool `json:"limit_reached"`
}

// Summary is the entitlement view served to the front-end.
type Summary struct {
	Plan      Plan                       `json:"plan"`
	Features  map[Feature]bool           `json:"features"`
	Resources map[Resource]ResourceUsage `json:"resources"`
}

// Summarize builds the entitlement view for plan given current usage.
func Summarize(plan Plan, usage map[Resource]int) Summary {
	s := Summary{
		Plan:      plan,
		Features:  make(map[Feature]bool, len(Features)),
		Resources: map[Resource]ResourceUsage{},
	}
	for _, f := range Features {
		s.Features[f] = Allows(plan, f)
	}
	for res, used := range usage {
		u := ResourceUsage{Used: used}
		if limit, capped := Limit(plan, res); capped {
			l := limit
			u.Limit = &l
			u.LimitReached = used >= limit
		}
		s.Resources[res] = u
	}
	return s
}

package quota

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/developingchet/trafficguard/internal/policy"
)

// Plan is a named pair of daily and monthly request limits.
type Plan struct {
	Name         string
	DailyLimit   int64
	MonthlyLimit int64
}

// Validate rejects non-positive limits.
func (p Plan) Validate() error {
	if p.Name == "" {
		return &policy.ConfigError{Field: "plan name", Value: `""`, Reason: "must not be empty"}
	}
	if err := policy.RequirePositive("daily limit of plan "+p.Name, p.DailyLimit); err != nil {
		return err
	}
	return policy.RequirePositive("monthly limit of plan "+p.Name, p.MonthlyLimit)
}

// DefaultPlans returns the stock plan tiers.
func DefaultPlans() []Plan {
	return []Plan{
		{Name: "free", DailyLimit: 100, MonthlyLimit: 2_000},
		{Name: "basic", DailyLimit: 1_000, MonthlyLimit: 25_000},
		{Name: "pro", DailyLimit: 10_000, MonthlyLimit: 250_000},
		{Name: "enterprise", DailyLimit: 100_000, MonthlyLimit: 2_500_000},
	}
}

// ParsePlans parses "name=daily:monthly" entries.
func ParsePlans(entries []string) ([]Plan, error) {
	plans := make([]Plan, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, spec, ok := strings.Cut(e, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("quota plan %q: expected name=daily:monthly", e)
		}
		daily, monthly, ok := strings.Cut(spec, ":")
		if !ok {
			return nil, fmt.Errorf("quota plan %q: expected name=daily:monthly", e)
		}
		d, err := strconv.ParseInt(strings.TrimSpace(daily), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quota plan %q: daily: %w", e, err)
		}
		m, err := strconv.ParseInt(strings.TrimSpace(monthly), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("quota plan %q: monthly: %w", e, err)
		}
		p := Plan{Name: name, DailyLimit: d, MonthlyLimit: m}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("quota plan %q defined twice", name)
		}
		seen[name] = true
		plans = append(plans, p)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Name < plans[j].Name })
	return plans, nil
}

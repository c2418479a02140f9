package ratelimit

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/policy"
)

// Rule is one named sliding-window configuration.
type Rule struct {
	Name     string
	Window   time.Duration
	Max      int
	FailMode policy.FailMode
}

// Validate rejects non-positive windows and thresholds.
func (r Rule) Validate() error {
	if r.Name == "" {
		return &policy.ConfigError{Field: "rule name", Value: `""`, Reason: "must not be empty"}
	}
	if err := policy.RequirePositiveDuration("window of rule "+r.Name, r.Window); err != nil {
		return err
	}
	return policy.RequirePositive("max of rule "+r.Name, r.Max)
}

// DefaultRules mirrors the usual API tiers: general traffic, authentication
// attempts, expensive operations and a per-user hourly ceiling.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "api", Window: 15 * time.Minute, Max: 100, FailMode: policy.FailOpen},
		{Name: "auth", Window: 15 * time.Minute, Max: 5, FailMode: policy.FailOpen},
		{Name: "expensive", Window: time.Hour, Max: 10, FailMode: policy.FailOpen},
		{Name: "per-user-hourly", Window: time.Hour, Max: 1000, FailMode: policy.FailOpen},
	}
}

// ParseRules parses "name=window:max[:open|closed]" entries, e.g.
// "api=1m:100" or "login=15m:5:closed".
func ParseRules(entries []string) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		name, spec, ok := strings.Cut(e, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("rate limit rule %q: expected name=window:max", e)
		}
		parts := strings.Split(spec, ":")
		if len(parts) < 2 || len(parts) > 3 {
			return nil, fmt.Errorf("rate limit rule %q: expected name=window:max[:open|closed]", e)
		}
		window, err := time.ParseDuration(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("rate limit rule %q: window: %w", e, err)
		}
		limit, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("rate limit rule %q: max: %w", e, err)
		}
		mode := policy.FailOpen
		if len(parts) == 3 {
			if mode, err = policy.ParseFailMode(parts[2]); err != nil {
				return nil, fmt.Errorf("rate limit rule %q: %w", e, err)
			}
		}
		r := Rule{Name: name, Window: window, Max: limit, FailMode: mode}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if seen[name] {
			return nil, fmt.Errorf("rate limit rule %q defined twice", name)
		}
		seen[name] = true
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Name < rules[j].Name })
	return rules, nil
}

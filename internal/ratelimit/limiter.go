// Package ratelimit evaluates sliding-window request limits per identity.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

const component = "ratelimit"

// Store is the subset of storage.Store the limiter needs.
type Store interface {
	storage.WindowStore
	storage.MarkerStore
}

// Result is the outcome of evaluating one rule.
type Result struct {
	Rule      string
	Allowed   bool
	Limit     int
	Count     int
	Remaining int
	ResetAt   time.Time
	// Degraded is set when the store failed and Allowed came from the rule's FailMode.
	Degraded bool
}

// Decision aggregates the results of several rules. A request is denied
// when any rule denies it.
type Decision struct {
	Allowed bool
	Results []Result
	// Denied is the first denying result, nil when Allowed.
	Denied *Result
}

// Options tunes a Limiter.
type Options struct {
	Clock func() time.Time
}

// Limiter evaluates named rules against a shared window store.
type Limiter struct {
	store Store
	rules map[string]Rule
	log   zerolog.Logger
	clock func() time.Time
}

// New validates rules and returns a Limiter.
func New(store Store, rules []Rule, log zerolog.Logger, opts Options) (*Limiter, error) {
	l := &Limiter{
		store: store,
		rules: make(map[string]Rule, len(rules)),
		log:   log.With().Str("component", component).Logger(),
		clock: opts.Clock,
	}
	if l.clock == nil {
		l.clock = time.Now
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.FailMode == "" {
			r.FailMode = policy.FailOpen
		}
		l.rules[r.Name] = r
	}
	return l, nil
}

// Rule returns the named rule.
func (l *Limiter) Rule(name string) (Rule, bool) {
	r, ok := l.rules[name]
	return r, ok
}

// Rules returns every configured rule ordered by name.
func (l *Limiter) Rules() []Rule {
	out := make([]Rule, 0, len(l.rules))
	for _, r := range l.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RuleNames returns every configured rule name, sorted.
func (l *Limiter) RuleNames() []string {
	rules := l.Rules()
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name
	}
	return names
}

func (l *Limiter) lookup(name string) (Rule, error) {
	r, ok := l.rules[name]
	if !ok {
		return Rule{}, &policy.ConfigError{Field: "rate limit rule", Value: name, Reason: "not configured"}
	}
	return r, nil
}

func windowKey(rule, id string) string { return "rl:" + rule + ":" + id }

func throttleKey(id string) string { return "throttle:" + id }

// Check records one request for id under the named rule and evaluates it.
// The only error is a ConfigError for an unknown rule; denial is a Result.
func (l *Limiter) Check(ctx context.Context, id, rule string) (Result, error) {
	r, err := l.lookup(rule)
	if err != nil {
		return Result{}, err
	}
	return l.CheckRule(ctx, id, r)
}

// CheckRule evaluates an ad-hoc rule that need not be configured.
func (l *Limiter) CheckRule(ctx context.Context, id string, r Rule) (Result, error) {
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	now := l.clock()
	limit := l.effectiveMax(ctx, id, r)
	res := Result{Rule: r.Name, Limit: limit, ResetAt: now.Add(r.Window)}

	count, err := l.store.RecordAndCount(ctx, windowKey(r.Name, id), storage.Event{At: now}, r.Window, storage.WindowTTL(r.Window))
	if err != nil {
		policy.StoreFailure(l.log, component, "record_and_count", err)
		res.Degraded = true
		res.Allowed = r.FailMode.Allows()
		if res.Allowed {
			res.Remaining = limit
			metrics.RateLimitDecisions.WithLabelValues(r.Name, "fail_open").Inc()
		} else {
			metrics.RateLimitDecisions.WithLabelValues(r.Name, "fail_closed").Inc()
		}
		return res, nil
	}

	res.Count = count
	res.Allowed = count <= limit
	res.Remaining = max(0, limit-count)
	if res.Allowed {
		metrics.RateLimitDecisions.WithLabelValues(r.Name, "allowed").Inc()
	} else {
		metrics.RateLimitDecisions.WithLabelValues(r.Name, "denied").Inc()
		l.log.Debug().Str("identity", id).Str("rule", r.Name).Int("count", count).
			Int("limit", limit).Msg("rate limit exceeded")
	}
	return res, nil
}

// CheckAll evaluates every named rule (all configured rules when names is
// empty). Each rule records the request independently.
func (l *Limiter) CheckAll(ctx context.Context, id string, names ...string) (Decision, error) {
	if len(names) == 0 {
		names = l.RuleNames()
	}
	d := Decision{Allowed: true, Results: make([]Result, 0, len(names))}
	for _, name := range names {
		res, err := l.Check(ctx, id, name)
		if err != nil {
			return Decision{}, err
		}
		d.Results = append(d.Results, res)
		if !res.Allowed && d.Allowed {
			d.Allowed = false
			d.Denied = &d.Results[len(d.Results)-1]
		}
	}
	return d, nil
}

// Peek reports the state of the named rule for id without recording. Allowed
// reflects whether the most recently recorded request fit within the limit.
func (l *Limiter) Peek(ctx context.Context, id, rule string) (Result, error) {
	r, err := l.lookup(rule)
	if err != nil {
		return Result{}, err
	}
	now := l.clock()
	limit := l.effectiveMax(ctx, id, r)
	res := Result{Rule: r.Name, Limit: limit, ResetAt: now.Add(r.Window)}
	count, err := l.store.Count(ctx, windowKey(r.Name, id), r.Window, now)
	if err != nil {
		policy.StoreFailure(l.log, component, "count", err)
		res.Degraded = true
		res.Allowed = r.FailMode.Allows()
		res.Remaining = limit
		return res, nil
	}
	res.Count = count
	res.Allowed = count <= limit
	res.Remaining = max(0, limit-count)
	return res, nil
}

// Reset clears the counters of the named rules for id, or of every rule when
// none are named.
func (l *Limiter) Reset(ctx context.Context, id string, rules ...string) error {
	if len(rules) == 0 {
		rules = l.RuleNames()
	}
	for _, name := range rules {
		if _, err := l.lookup(name); err != nil {
			return err
		}
		if err := l.store.Clear(ctx, windowKey(name, id)); err != nil {
			return fmt.Errorf("reset %s for %s: %w", name, id, err)
		}
	}
	l.log.Info().Str("identity", id).Strs("rules", rules).Msg("rate limit counters reset")
	return nil
}

// Throttle tightens every rule for id to floor(max*factor), minimum 1, until
// ttl elapses. factor must be in (0, 1].
func (l *Limiter) Throttle(ctx context.Context, id string, factor float64, ttl time.Duration) error {
	if factor <= 0 || factor > 1 {
		return &policy.ConfigError{Field: "throttle factor", Value: factor, Reason: "must be in (0, 1]"}
	}
	if err := policy.RequirePositiveDuration("throttle duration", ttl); err != nil {
		return err
	}
	if err := l.store.MarkerSet(ctx, throttleKey(id), strconv.FormatFloat(factor, 'f', -1, 64), ttl); err != nil {
		return fmt.Errorf("throttle %s: %w", id, err)
	}
	l.log.Info().Str("identity", id).Float64("factor", factor).Dur("ttl", ttl).Msg("identity throttled")
	return nil
}

// Unthrottle removes a throttle override. Missing overrides are not an error.
func (l *Limiter) Unthrottle(ctx context.Context, id string) error {
	return l.store.MarkerDelete(ctx, throttleKey(id))
}

// Throttled returns the active throttle factor for id, if any.
func (l *Limiter) Throttled(ctx context.Context, id string) (float64, bool, error) {
	v, ok, err := l.store.MarkerGet(ctx, throttleKey(id))
	if err != nil || !ok {
		return 0, false, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return 0, false, nil
	}
	return f, true, nil
}

// effectiveMax applies any throttle override. A failed lookup leaves the
// configured max in place.
func (l *Limiter) effectiveMax(ctx context.Context, id string, r Rule) int {
	f, ok, err := l.Throttled(ctx, id)
	if err != nil {
		policy.StoreFailure(l.log, component, "throttle_get", err)
		return r.Max
	}
	if !ok {
		return r.Max
	}
	return max(1, int(math.Floor(float64(r.Max)*f)))
}

// Package guard runs the per-request traffic-control pipeline: rate limits
// and block checks first, DDoS and abuse enrichment next, quota last.
package guard

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/abuse"
	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/ddos"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

// Outcome labels a verdict.
type Outcome string

const (
	OutcomeAllowed     Outcome = "allowed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeBlocked     Outcome = "blocked"
	OutcomeChallenge   Outcome = "challenge"
	OutcomeAbuse       Outcome = "abuse"
	OutcomeQuota       Outcome = "quota_exceeded"
	OutcomeNoIdentity  Outcome = "no_identity"
)

// RateLimiter is satisfied by *ratelimit.Limiter.
type RateLimiter interface {
	CheckAll(ctx context.Context, id string, names ...string) (ratelimit.Decision, error)
	RuleNames() []string
}

// AccessController is satisfied by *access.Controller.
type AccessController interface {
	Status(ctx context.Context, id string) access.Status
	Block(ctx context.Context, id, reason string, duration time.Duration, source string) (bool, error)
	RecordFailedAttempt(ctx context.Context, id, reason string) access.AttemptResult
}

// TrafficMonitor is satisfied by *ddos.Monitor.
type TrafficMonitor interface {
	Observe(ctx context.Context, id, endpoint string) ddos.Observation
	ChallengeRequired(ctx context.Context, id string) bool
}

// RiskScorer is satisfied by *abuse.Scorer.
type RiskScorer interface {
	Assess(ctx context.Context, in abuse.Input) abuse.Assessment
}

// QuotaGate is satisfied by *quota.Manager. Consume checks and charges in
// one step.
type QuotaGate interface {
	Consume(ctx context.Context, principal string) quota.Status
}

// Recorder receives one call per evaluated request. Satisfied by
// *lapi_metrics.Reporter.
type Recorder interface {
	RecordBlocked(origin, remediationType string)
	RecordProcessed()
}

// Components are the stages of the pipeline. A nil stage is skipped.
type Components struct {
	Limiter  RateLimiter
	Access   AccessController
	Monitor  TrafficMonitor
	Scorer   RiskScorer
	Quota    QuotaGate
	Recorder Recorder
}

// OriginLocal labels denials decided here rather than by a synced decision.
const OriginLocal = "trafficguard"

// RouteRule applies an extra rate-limit rule to endpoints under Prefix.
type RouteRule struct {
	Prefix string
	Rule   string
}

// ParseRouteRules parses "prefix=rule" entries, e.g. "/login=auth".
func ParseRouteRules(entries []string) ([]RouteRule, error) {
	out := make([]RouteRule, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		prefix, rule, ok := strings.Cut(e, "=")
		prefix, rule = strings.TrimSpace(prefix), strings.TrimSpace(rule)
		if !ok || !strings.HasPrefix(prefix, "/") || rule == "" {
			return nil, fmt.Errorf("route rule %q: expected /prefix=rule", e)
		}
		out = append(out, RouteRule{Prefix: prefix, Rule: rule})
	}
	return out, nil
}

// Config tunes the pipeline.
type Config struct {
	// RateLimitRules are evaluated on every request. Empty means every
	// configured rule except those RouteRules reserve for their routes.
	RateLimitRules []string
	// RouteRules add rules for matching endpoints on top of RateLimitRules.
	RouteRules []RouteRule
	// BlockOnAbuse blocks identities whose assessment says ShouldBlock.
	BlockOnAbuse       bool
	AbuseBlockDuration time.Duration
}

// DefaultConfig blocks abusive identities for an hour.
func DefaultConfig() Config {
	return Config{BlockOnAbuse: true, AbuseBlockDuration: time.Hour}
}

// Request carries the request attributes the pipeline inspects.
type Request struct {
	UserID      string
	APIKey      string
	SourceAddr  string
	Endpoint    string
	Method      string
	PayloadSize int64
	UserAgent   string
}

// Verdict is the pipeline outcome. Denials are values, never errors.
type Verdict struct {
	Outcome  Outcome
	Allowed  bool
	Identity identity.Key
	// Subject is the key every component scoped its state to.
	Subject string
	Reason  string

	// RateLimit is the denying result, or the tightest allowed one.
	RateLimit  *ratelimit.Result
	Block      *storage.BlockRecord
	Traffic    ddos.Observation
	Assessment *abuse.Assessment
	Quota      *quota.Status
	// Degraded is set when any stage fell back to its failure policy.
	Degraded bool
}

// Options tunes a Guard.
type Options struct {
	Clock func() time.Time
}

// Guard evaluates requests.
type Guard struct {
	c     Components
	cfg   Config
	log   zerolog.Logger
	clock func() time.Time
}

// New returns a Guard over the given components.
func New(c Components, cfg Config, log zerolog.Logger, opts Options) *Guard {
	g := &Guard{c: c, cfg: cfg, log: log.With().Str("component", "guard").Logger(), clock: opts.Clock}
	if g.clock == nil {
		g.clock = time.Now
	}
	if len(g.cfg.RateLimitRules) == 0 && c.Limiter != nil {
		g.cfg.RateLimitRules = baseRules(c.Limiter.RuleNames(), g.cfg.RouteRules)
	}
	return g
}

// baseRules is every rule name not claimed by a route rule.
func baseRules(all []string, routes []RouteRule) []string {
	out := make([]string, 0, len(all))
	for _, name := range all {
		if !slices.ContainsFunc(routes, func(rr RouteRule) bool { return rr.Rule == name }) {
			out = append(out, name)
		}
	}
	return out
}

// Subject maps an identity to the key block lists and counters are scoped
// to: the bare canonical address for address identities, "kind:value"
// otherwise.
func Subject(k identity.Key) string {
	if k.Kind == identity.KindAddress {
		return k.Value
	}
	return k.String()
}

// Check runs the full pipeline for one request.
func (g *Guard) Check(ctx context.Context, r Request) (Verdict, error) {
	start := g.clock()
	v, err := g.check(ctx, r)
	metrics.CheckDuration.Observe(g.clock().Sub(start).Seconds())
	if err != nil {
		return v, err
	}
	metrics.RequestsChecked.WithLabelValues(string(v.Outcome)).Inc()
	g.record(v)
	if !v.Allowed {
		g.log.Debug().Str("subject", v.Subject).Str("outcome", string(v.Outcome)).
			Str("endpoint", r.Endpoint).Str("reason", v.Reason).Msg("request denied")
	}
	return v, nil
}

func (g *Guard) check(ctx context.Context, r Request) (Verdict, error) {
	key, err := identity.Derive(identity.Request{UserID: r.UserID, APIKey: r.APIKey, SourceAddr: r.SourceAddr})
	if err != nil {
		return Verdict{Outcome: OutcomeNoIdentity, Reason: err.Error()}, nil
	}
	v := Verdict{Identity: key, Subject: Subject(key)}
	source := identity.Canonical(r.SourceAddr)

	// An empty rule list means "all rules" to the limiter, so a path with no
	// applicable rule skips it.
	if names := g.rulesFor(r.Endpoint); g.c.Limiter != nil && (len(names) > 0 || len(g.cfg.RouteRules) == 0) {
		d, err := g.c.Limiter.CheckAll(ctx, v.Subject, names...)
		if err != nil {
			return Verdict{}, fmt.Errorf("rate limit %s: %w", v.Subject, err)
		}
		for i := range d.Results {
			v.Degraded = v.Degraded || d.Results[i].Degraded
		}
		if !d.Allowed {
			v.RateLimit = d.Denied
			return v.deny(OutcomeRateLimited, "rate limit "+d.Denied.Rule+" exceeded"), nil
		}
		v.RateLimit = tightest(d.Results)
	}

	if g.c.Access != nil {
		for _, id := range subjects(v.Subject, source) {
			st := g.c.Access.Status(ctx, id)
			v.Degraded = v.Degraded || st.Degraded
			if st.Blocked {
				v.Block = st.Record
				return v.deny(OutcomeBlocked, "blocked: "+st.Record.Reason), nil
			}
		}
	}

	if g.c.Monitor != nil {
		obs := g.c.Monitor.Observe(ctx, v.Subject, r.Endpoint)
		v.Traffic = obs
		v.Degraded = v.Degraded || obs.Degraded
		if obs.Attack != nil && obs.Attack.Mitigated && obs.Attack.Action == string(ddos.ActionBlock) {
			return v.deny(OutcomeBlocked, "blocked: traffic anomaly"), nil
		}
		if g.c.Monitor.ChallengeRequired(ctx, v.Subject) {
			return v.deny(OutcomeChallenge, "verification required"), nil
		}
	}

	if g.c.Scorer != nil {
		a := g.c.Scorer.Assess(ctx, abuse.Input{
			Identity:    v.Subject,
			Endpoint:    r.Endpoint,
			Method:      r.Method,
			PayloadSize: r.PayloadSize,
			UserAgent:   r.UserAgent,
		})
		v.Assessment = &a
		v.Degraded = v.Degraded || a.Degraded
		if a.ShouldBlock {
			g.blockAbusive(ctx, v.Subject, a)
			return v.deny(OutcomeAbuse, fmt.Sprintf("risk score %.0f", a.RiskScore)), nil
		}
	}

	if g.c.Quota != nil && key.Billable() {
		st := g.c.Quota.Consume(ctx, v.Subject)
		v.Quota = &st
		v.Degraded = v.Degraded || st.Degraded
		if !st.Available {
			return v.deny(OutcomeQuota, "quota "+string(st.Reason)), nil
		}
	}

	v.Outcome = OutcomeAllowed
	v.Allowed = true
	return v, nil
}

// Remediation names the remediation a denied verdict applies, in CrowdSec
// usage-metrics terms.
func (v Verdict) Remediation() string {
	switch v.Outcome {
	case OutcomeAllowed:
		return ""
	case OutcomeRateLimited:
		return "ratelimit"
	case OutcomeChallenge:
		return "challenge"
	case OutcomeQuota:
		return "quota"
	default:
		return "ban"
	}
}

// Origin names who decided a denial: the block source for block-list hits,
// OriginLocal otherwise.
func (v Verdict) Origin() string {
	if v.Block != nil && v.Block.Source != "" {
		return v.Block.Source
	}
	return OriginLocal
}

func (g *Guard) record(v Verdict) {
	if g.c.Recorder == nil || v.Outcome == OutcomeNoIdentity {
		return
	}
	if v.Allowed {
		g.c.Recorder.RecordProcessed()
		return
	}
	g.c.Recorder.RecordBlocked(v.Origin(), v.Remediation())
}

func (v Verdict) deny(o Outcome, reason string) Verdict {
	v.Outcome = o
	v.Allowed = false
	v.Reason = reason
	return v
}

func (g *Guard) blockAbusive(ctx context.Context, subject string, a abuse.Assessment) {
	if !g.cfg.BlockOnAbuse || g.c.Access == nil {
		return
	}
	names := make([]string, 0, len(a.Findings))
	for _, f := range a.Findings {
		names = append(names, string(f.Signal))
	}
	reason := fmt.Sprintf("abuse score %.0f (%s)", a.RiskScore, strings.Join(names, ","))
	if _, err := g.c.Access.Block(ctx, subject, reason, g.cfg.AbuseBlockDuration, access.SourceAbuse); err != nil {
		g.log.Warn().Err(err).Str("subject", subject).Msg("abuse block not applied")
		return
	}
	g.log.Info().Str("subject", subject).Float64("risk_score", a.RiskScore).Msg("identity blocked for abuse")
}

// ReportFailure records a failed authentication attempt against the source
// address, auto-blocking it once the failure threshold is reached.
func (g *Guard) ReportFailure(ctx context.Context, sourceAddr, reason string) (access.AttemptResult, error) {
	if g.c.Access == nil {
		return access.AttemptResult{}, errors.New("access controller not configured")
	}
	source := identity.Canonical(sourceAddr)
	if source == "" {
		return access.AttemptResult{}, identity.ErrNoIdentity
	}
	return g.c.Access.RecordFailedAttempt(ctx, source, reason), nil
}

// rulesFor returns the base rules plus any route rules matching endpoint.
func (g *Guard) rulesFor(endpoint string) []string {
	if len(g.cfg.RouteRules) == 0 {
		return g.cfg.RateLimitRules
	}
	path, _, _ := strings.Cut(endpoint, "?")
	names := append([]string(nil), g.cfg.RateLimitRules...)
	for _, rr := range g.cfg.RouteRules {
		if strings.HasPrefix(path, rr.Prefix) && !slices.Contains(names, rr.Rule) {
			names = append(names, rr.Rule)
		}
	}
	return names
}

// subjects lists the block-list keys a request is checked against.
func subjects(subject, source string) []string {
	if source == "" || source == subject {
		return []string{subject}
	}
	return []string{source, subject}
}

func tightest(results []ratelimit.Result) *ratelimit.Result {
	var best *ratelimit.Result
	for i := range results {
		if best == nil || results[i].Remaining < best.Remaining {
			best = &results[i]
		}
	}
	return best
}

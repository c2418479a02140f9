// Package abuse aggregates weak behavioural signals into a per-request risk
// score. It only reads window data recorded by other components.
package abuse

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

const component = "abuse"

// Severity grades a finding. Any critical finding forces ShouldBlock.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one triggered signal.
type Finding struct {
	Signal     Signal
	Severity   Severity
	Confidence float64 // 0..1
	Score      float64 // weight * confidence
	Detail     string
}

// Assessment is the ephemeral result of scoring one request.
type Assessment struct {
	Findings    []Finding
	RiskScore   float64
	ShouldBlock bool
	// Degraded is set when window data could not be read and trail-derived
	// signals were skipped.
	Degraded bool
}

// Input is the request metadata the scorer inspects.
type Input struct {
	Identity    string
	Endpoint    string // path, optionally with query string
	Method      string
	PayloadSize int64
	UserAgent   string
}

// TrailReader returns an identity's recent endpoint activity. Implemented by
// ddos.Monitor.
type TrailReader interface {
	Trail(ctx context.Context, id string, window time.Duration) ([]storage.Event, error)
}

// RatePeeker reports rate-limit state without recording. Implemented by
// ratelimit.Limiter.
type RatePeeker interface {
	Peek(ctx context.Context, id, rule string) (ratelimit.Result, error)
}

// Options tunes a Scorer.
type Options struct {
	Clock func() time.Time
}

// Scorer computes risk assessments.
type Scorer struct {
	cfg   Config
	trail TrailReader
	rates RatePeeker
	log   zerolog.Logger
	clock func() time.Time
}

// New validates cfg and returns a Scorer. trail and rates may be nil, which
// disables the signals that depend on them.
func New(cfg Config, trail TrailReader, rates RatePeeker, log zerolog.Logger, opts Options) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	s := &Scorer{
		cfg:   cfg,
		trail: trail,
		rates: rates,
		log:   log.With().Str("component", component).Logger(),
		clock: opts.Clock,
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	return s, nil
}

// Assess scores one request.
func (s *Scorer) Assess(ctx context.Context, in Input) Assessment {
	var a Assessment
	now := s.clock()

	if s.rates != nil {
		s.rateLimitSignal(ctx, in, &a)
	}
	s.payloadSignal(in, &a)
	if s.cfg.InjectionPatterns {
		s.injectionSignal(in, &a)
	}
	s.userAgentSignal(in, &a)

	if s.trail != nil && in.Identity != "" {
		events, err := s.trail.Trail(ctx, in.Identity, s.cfg.trailWindow())
		if err != nil {
			policy.StoreFailure(s.log, component, "trail_events", err)
			a.Degraded = true
		} else {
			s.burstSignal(events, now, &a)
			s.sensitiveSignal(events, now, &a)
			s.regularitySignal(events, &a)
			s.varietySignal(events, now, &a)
		}
	}

	for _, f := range a.Findings {
		a.RiskScore += f.Score
		if f.Severity == SeverityCritical {
			a.ShouldBlock = true
		}
		metrics.AbuseFindings.WithLabelValues(string(f.Signal), string(f.Severity)).Inc()
	}
	if a.RiskScore >= s.cfg.BlockThreshold {
		a.ShouldBlock = true
	}
	metrics.AbuseScore.Observe(a.RiskScore)

	if len(a.Findings) > 0 {
		s.log.Debug().Str("identity", in.Identity).Float64("risk_score", a.RiskScore).
			Int("findings", len(a.Findings)).Bool("should_block", a.ShouldBlock).Msg("risk assessed")
	}
	return a
}

func (s *Scorer) add(a *Assessment, sig Signal, sev Severity, confidence float64, detail string) {
	confidence = math.Max(0, math.Min(1, confidence))
	a.Findings = append(a.Findings, Finding{
		Signal:     sig,
		Severity:   sev,
		Confidence: confidence,
		Score:      s.cfg.Weights[sig] * confidence,
		Detail:     detail,
	})
}

func (s *Scorer) rateLimitSignal(ctx context.Context, in Input, a *Assessment) {
	for _, rule := range s.cfg.RateLimitRules {
		res, err := s.rates.Peek(ctx, in.Identity, rule)
		if err != nil {
			s.log.Debug().Err(err).Str("rule", rule).Msg("rate limit peek skipped")
			continue
		}
		// An exhausted window counts; the request that exhausted it was allowed.
		if res.Degraded || res.Count < res.Limit {
			continue
		}
		sev, conf := SeverityMedium, 0.75
		if !res.Allowed {
			sev, conf = SeverityHigh, 1
		}
		s.add(a, SignalRateLimit, sev, conf, fmt.Sprintf("rule %s: %d requests, limit %d", rule, res.Count, res.Limit))
		return
	}
}

func (s *Scorer) payloadSignal(in Input, a *Assessment) {
	if in.PayloadSize <= s.cfg.MaxPayloadBytes {
		return
	}
	ratio := float64(in.PayloadSize) / float64(s.cfg.MaxPayloadBytes)
	sev := SeverityMedium
	if ratio >= 10 {
		sev = SeverityHigh
	}
	s.add(a, SignalPayload, sev, math.Min(1, ratio-1+0.5), fmt.Sprintf("payload %d bytes exceeds %d", in.PayloadSize, s.cfg.MaxPayloadBytes))
}

func (s *Scorer) injectionSignal(in Input, a *Assessment) {
	subject := decodeForInspection(in.Endpoint) + "\n" + in.UserAgent
	for _, p := range matchInjection(subject) {
		s.add(a, SignalInjection, p.severity, 0.9, p.name)
	}
}

func (s *Scorer) userAgentSignal(in Input, a *Assessment) {
	ua := strings.TrimSpace(in.UserAgent)
	if ua == "" {
		s.add(a, SignalUserAgent, SeverityLow, 0.5, "empty user agent")
		return
	}
	if tool := scannerAgent(ua); tool != "" {
		s.add(a, SignalUserAgent, SeverityMedium, 1, "scanner user agent: "+tool)
	}
}

func since(events []storage.Event, cutoff time.Time) []storage.Event {
	for i, ev := range events {
		if !ev.At.Before(cutoff) {
			return events[i:]
		}
	}
	return nil
}

func (s *Scorer) burstSignal(events []storage.Event, now time.Time, a *Assessment) {
	n := len(since(events, now.Add(-s.cfg.BurstWindow)))
	if n <= s.cfg.BurstThreshold {
		return
	}
	conf := math.Min(1, float64(n)/float64(2*s.cfg.BurstThreshold))
	s.add(a, SignalBurst, SeverityMedium, conf, fmt.Sprintf("%d requests in %s", n, s.cfg.BurstWindow))
}

func (s *Scorer) isSensitive(endpoint string) bool {
	path, _, _ := strings.Cut(endpoint, "?")
	for _, prefix := range s.cfg.SensitiveEndpoints {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (s *Scorer) sensitiveSignal(events []storage.Event, now time.Time, a *Assessment) {
	if len(s.cfg.SensitiveEndpoints) == 0 {
		return
	}
	n := 0
	for _, ev := range since(events, now.Add(-s.cfg.SensitiveWindow)) {
		if s.isSensitive(ev.Tag) {
			n++
		}
	}
	if n <= s.cfg.SensitiveThreshold {
		return
	}
	conf := math.Min(1, float64(n)/float64(2*s.cfg.SensitiveThreshold))
	s.add(a, SignalSensitive, SeverityHigh, conf, fmt.Sprintf("%d sensitive requests in %s", n, s.cfg.SensitiveWindow))
}

func (s *Scorer) regularitySignal(events []storage.Event, a *Assessment) {
	need := s.cfg.RegularitySample + 1
	if len(events) < need {
		return
	}
	recent := events[len(events)-need:]
	intervals := make([]float64, 0, s.cfg.RegularitySample)
	for i := 1; i < len(recent); i++ {
		intervals = append(intervals, recent[i].At.Sub(recent[i-1].At).Seconds())
	}
	mean, sd := meanStdDev(intervals)
	if mean <= 0 {
		return
	}
	cv := sd / mean
	if cv > s.cfg.RegularityMaxCV {
		return
	}
	s.add(a, SignalRegularity, SeverityMedium, 1-cv/s.cfg.RegularityMaxCV*0.5,
		fmt.Sprintf("interval cv %.3f over %d requests (mean %.2fs)", cv, len(intervals), mean))
}

func (s *Scorer) varietySignal(events []storage.Event, now time.Time, a *Assessment) {
	window := since(events, now.Add(-s.cfg.VarietyWindow))
	if len(window) < s.cfg.VarietyMinSample {
		return
	}
	unique := make(map[string]struct{}, len(window))
	for _, ev := range window {
		path, _, _ := strings.Cut(ev.Tag, "?")
		unique[path] = struct{}{}
	}
	ratio := float64(len(unique)) / float64(len(window))
	if ratio <= s.cfg.VarietyRatio {
		return
	}
	s.add(a, SignalVariety, SeverityHigh, ratio,
		fmt.Sprintf("%d distinct endpoints in %d requests", len(unique), len(window)))
}

func meanStdDev(xs []float64) (float64, float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}

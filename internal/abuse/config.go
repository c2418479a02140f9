package abuse

import (
	"time"

	"github.com/developingchet/trafficguard/internal/policy"
)

// Signal names one independently evaluable abuse heuristic.
type Signal string

const (
	SignalRateLimit  Signal = "rate_limit_violation"
	SignalBurst      Signal = "burst"
	SignalPayload    Signal = "oversized_payload"
	SignalSensitive  Signal = "sensitive_endpoint_volume"
	SignalRegularity Signal = "interval_regularity"
	SignalVariety    Signal = "endpoint_variety"
	SignalInjection  Signal = "injection_pattern"
	SignalUserAgent  Signal = "suspicious_user_agent"
)

// Config holds thresholds and weights. Weights are empirical and meant to be tuned.
type Config struct {
	// RateLimitRules are peeked for the rate-limit-violation signal.
	RateLimitRules []string

	BurstWindow    time.Duration
	BurstThreshold int

	MaxPayloadBytes int64

	SensitiveEndpoints []string
	SensitiveWindow    time.Duration
	SensitiveThreshold int

	// RegularitySample is the number of most recent intervals inspected.
	RegularitySample int
	// RegularityMaxCV flags coefficients of variation at or below this value.
	RegularityMaxCV float64

	VarietyWindow    time.Duration
	VarietyRatio     float64
	VarietyMinSample int

	InjectionPatterns bool

	Weights map[Signal]float64
	// BlockThreshold is the aggregate score at which ShouldBlock is set.
	BlockThreshold float64
}

// DefaultWeights returns the stock weight per signal.
func DefaultWeights() map[Signal]float64 {
	return map[Signal]float64{
		SignalRateLimit:  40,
		SignalBurst:      15,
		SignalPayload:    15,
		SignalSensitive:  30,
		SignalRegularity: 10,
		SignalVariety:    25,
		SignalInjection:  50,
		SignalUserAgent:  5,
	}
}

// DefaultConfig returns conservative thresholds.
func DefaultConfig() Config {
	return Config{
		RateLimitRules:     []string{"api"},
		BurstWindow:        10 * time.Second,
		BurstThreshold:     20,
		MaxPayloadBytes:    1 << 20,
		SensitiveEndpoints: []string{"/admin", "/login", "/api/auth", "/api/keys", "/api/users"},
		SensitiveWindow:    time.Hour,
		SensitiveThreshold: 20,
		RegularitySample:   10,
		RegularityMaxCV:    0.1,
		VarietyWindow:      time.Hour,
		VarietyRatio:       0.8,
		VarietyMinSample:   20,
		InjectionPatterns:  true,
		Weights:            DefaultWeights(),
		BlockThreshold:     80,
	}
}

// Validate rejects non-positive windows, thresholds and out-of-range ratios.
func (c Config) Validate() error {
	checks := []error{
		policy.RequirePositiveDuration("abuse burst window", c.BurstWindow),
		policy.RequirePositive("abuse burst threshold", c.BurstThreshold),
		policy.RequirePositive("abuse max payload", c.MaxPayloadBytes),
		policy.RequirePositiveDuration("abuse sensitive window", c.SensitiveWindow),
		policy.RequirePositive("abuse sensitive threshold", c.SensitiveThreshold),
		policy.RequirePositive("abuse regularity sample", c.RegularitySample),
		policy.RequirePositive("abuse regularity max cv", c.RegularityMaxCV),
		policy.RequirePositiveDuration("abuse variety window", c.VarietyWindow),
		policy.RequirePositive("abuse variety min sample", c.VarietyMinSample),
		policy.RequirePositive("abuse block threshold", c.BlockThreshold),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.RegularitySample < 2 {
		return &policy.ConfigError{Field: "abuse regularity sample", Value: c.RegularitySample, Reason: "must be at least 2"}
	}
	if c.VarietyRatio <= 0 || c.VarietyRatio > 1 {
		return &policy.ConfigError{Field: "abuse variety ratio", Value: c.VarietyRatio, Reason: "must be in (0, 1]"}
	}
	for s, w := range c.Weights {
		if w < 0 {
			return &policy.ConfigError{Field: "abuse weight " + string(s), Value: w, Reason: "must not be negative"}
		}
	}
	return nil
}

// trailWindow is the longest horizon any trail-derived signal needs.
func (c Config) trailWindow() time.Duration {
	w := c.BurstWindow
	for _, d := range []time.Duration{c.SensitiveWindow, c.VarietyWindow} {
		if d > w {
			w = d
		}
	}
	return w
}

// Package decision screens CrowdSec decisions before they reach the block list.
package decision

import (
	"net"
	"strings"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/rs/zerolog"
)

// FilterConfig holds the parameters of the screening pipeline.
type FilterConfig struct {
	// AllowedActions defaults to ["ban", "delete"].
	AllowedActions []string

	// ScenarioExclude skips decisions whose scenario contains any substring.
	ScenarioExclude []string

	// AllowedOrigins restricts origins; empty allows all.
	AllowedOrigins []string

	// AllowedScopes defaults to ["ip"]. Block lookups are exact-match per
	// address, so range decisions are only useful with a caller that expands them.
	AllowedScopes []string

	// AllowList drops decisions for statically allow-listed networks.
	AllowList []*net.IPNet

	// MinBanDuration drops shorter bans; zero disables the check.
	MinBanDuration time.Duration

	// KeepPrivate admits private, loopback and link-local addresses.
	KeepPrivate bool
}

// NewFilterConfig returns a FilterConfig with the default action and scope sets.
func NewFilterConfig() FilterConfig {
	return FilterConfig{
		AllowedActions: []string{"ban", "delete"},
		AllowedScopes:  []string{"ip"},
	}
}

// FilterResult is a decision that passed screening.
type FilterResult struct {
	Passed   bool
	Action   string // "ban" or "delete"
	Value    string // canonical IP or CIDR
	Duration time.Duration
	Origin   string
	Scenario string
}

// stage labels for metrics
const (
	stageAction    = "1_action"
	stageScenario  = "2_scenario_exclude"
	stageOrigin    = "3_origin"
	stageScope     = "4_scope"
	stageParse     = "5_parse"
	stagePrivate   = "6_private"
	stageAllowList = "7_allowlist"
	stageMinDur    = "8_min_duration"
	stageDuration  = "9_duration"
)

func filtered(log zerolog.Logger, stage, reason, value string) FilterResult {
	metrics.DecisionsFiltered.WithLabelValues(stage, reason).Inc()
	log.Trace().Str("value", value).Str("reason", reason).Msg("decision filtered")
	return FilterResult{}
}

// Filter runs d through the screening stages in order and reports whether
// it should be applied to the block list.
func Filter(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	if d == nil || d.Type == nil || d.Scope == nil || d.Value == nil {
		return filtered(log, stageParse, "incomplete_decision", "")
	}
	action := strings.ToLower(*d.Type)
	scope := strings.ToLower(*d.Scope)
	value := *d.Value
	var origin, scenario string
	if d.Origin != nil {
		origin = *d.Origin
	}
	if d.Scenario != nil {
		scenario = *d.Scenario
	}

	if !containsCI(cfg.AllowedActions, action) {
		return filtered(log, stageAction, "unsupported_action", value)
	}
	for _, exc := range cfg.ScenarioExclude {
		if exc != "" && strings.Contains(scenario, exc) {
			return filtered(log, stageScenario, "excluded_scenario", value)
		}
	}
	if len(cfg.AllowedOrigins) > 0 && !containsCI(cfg.AllowedOrigins, origin) {
		return filtered(log, stageOrigin, "origin_not_allowed", value)
	}
	if !containsCI(cfg.AllowedScopes, scope) {
		return filtered(log, stageScope, "unsupported_scope", value)
	}

	sanitized, _, err := identity.ParseAndSanitize(value)
	if err != nil {
		log.Warn().Str("value", value).Err(err).Msg("decision has unparseable value")
		return filtered(log, stageParse, "parse_error", value)
	}
	if !cfg.KeepPrivate && identity.IsPrivate(sanitized) {
		return filtered(log, stagePrivate, "private_ip", sanitized)
	}
	if identity.InNetworks(sanitized, cfg.AllowList) {
		return filtered(log, stageAllowList, "allow_listed", sanitized)
	}

	var dur time.Duration
	if d.Duration != nil && *d.Duration != "" {
		if parsed, err := time.ParseDuration(*d.Duration); err == nil {
			dur = parsed
		}
	}
	if action == "ban" && cfg.MinBanDuration > 0 && dur > 0 && dur < cfg.MinBanDuration {
		return filtered(log, stageMinDur, "too_short", sanitized)
	}

	return FilterResult{
		Passed:   true,
		Action:   action,
		Value:    sanitized,
		Duration: dur,
		Origin:   origin,
		Scenario: scenario,
	}
}

// FilterBan screens a decision from the stream's new list. On top of Filter
// it drops decisions without a positive duration, which the block list
// would otherwise store as permanent.
func FilterBan(d *models.Decision, cfg FilterConfig, log zerolog.Logger) FilterResult {
	r := Filter(d, cfg, log)
	if r.Passed && r.Duration <= 0 {
		log.Warn().Str("value", r.Value).Str("scenario", r.Scenario).Msg("ban decision has no usable duration")
		return filtered(log, stageDuration, "invalid_duration", r.Value)
	}
	return r
}

func containsCI(haystack []string, needle string) bool {
	for _, h := range haystack {
		if strings.EqualFold(h, needle) {
			return true
		}
	}
	return false
}

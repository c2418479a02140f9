package decision

import (
	"testing"
	"time"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/rs/zerolog"
)

func strPtr(s string) *string { return &s }

func makeDecision(action, scope, value, scenario, origin, duration string) *models.Decision {
	return &models.Decision{
		Type:     strPtr(action),
		Scope:    strPtr(scope),
		Value:    strPtr(value),
		Scenario: strPtr(scenario),
		Origin:   strPtr(origin),
		Duration: strPtr(duration),
	}
}

func TestFilterStages(t *testing.T) {
	allow, err := identity.ParseNetworks([]string{"203.0.113.0/24"})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func(*FilterConfig)
		d      *models.Decision
		pass   bool
	}{
		{"ban passes", nil, makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "24h"), true},
		{"captcha dropped", nil, makeDecision("captcha", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "24h"), false},
		{"action case-insensitive", nil, makeDecision("BAN", "Ip", "1.2.3.4", "ssh-bf", "crowdsec", "24h"), true},
		{
			"excluded scenario",
			func(c *FilterConfig) { c.ScenarioExclude = []string{"impossible-travel"} },
			makeDecision("ban", "ip", "1.2.3.4", "crowdsecurity/impossible-travel", "crowdsec", "24h"),
			false,
		},
		{
			"origin not allowed",
			func(c *FilterConfig) { c.AllowedOrigins = []string{"crowdsec", "lists"} },
			makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "cscli", "24h"),
			false,
		},
		{
			"origin allowed",
			func(c *FilterConfig) { c.AllowedOrigins = []string{"crowdsec", "lists"} },
			makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "lists", "24h"),
			true,
		},
		{"country scope dropped", nil, makeDecision("ban", "country", "FR", "geoip", "crowdsec", "24h"), false},
		{"range dropped by default", nil, makeDecision("ban", "range", "198.51.100.0/24", "ssh-bf", "crowdsec", "24h"), false},
		{
			"range admitted when configured",
			func(c *FilterConfig) { c.AllowedScopes = []string{"ip", "range"} },
			makeDecision("ban", "range", "198.51.100.0/24", "ssh-bf", "crowdsec", "24h"),
			true,
		},
		{"unparseable value", nil, makeDecision("ban", "ip", "not-an-ip", "ssh-bf", "crowdsec", "24h"), false},
		{"private dropped", nil, makeDecision("ban", "ip", "192.168.1.1", "ssh-bf", "crowdsec", "24h"), false},
		{
			"private kept",
			func(c *FilterConfig) { c.KeepPrivate = true },
			makeDecision("ban", "ip", "10.1.2.3", "ssh-bf", "crowdsec", "24h"),
			true,
		},
		{
			"allow-listed dropped",
			func(c *FilterConfig) { c.AllowList = allow },
			makeDecision("ban", "ip", "203.0.113.5", "ssh-bf", "crowdsec", "24h"),
			false,
		},
		{
			"short ban dropped",
			func(c *FilterConfig) { c.MinBanDuration = 2 * time.Hour },
			makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "30m"),
			false,
		},
		{
			"delete ignores min duration",
			func(c *FilterConfig) { c.MinBanDuration = 24 * time.Hour },
			makeDecision("delete", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "1m"),
			true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewFilterConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			if got := Filter(tt.d, cfg, zerolog.Nop()).Passed; got != tt.pass {
				t.Errorf("Passed = %v, want %v", got, tt.pass)
			}
		})
	}
}

func TestFilterResultFields(t *testing.T) {
	r := Filter(makeDecision("ban", "ip", "::ffff:1.2.3.4", "crowdsecurity/http-probing", "crowdsec", "4h"), NewFilterConfig(), zerolog.Nop())
	if !r.Passed {
		t.Fatal("expected decision to pass")
	}
	if r.Value != "1.2.3.4" {
		t.Errorf("mapped address not collapsed: value=%q", r.Value)
	}
	if r.Duration != 4*time.Hour {
		t.Errorf("Duration = %s", r.Duration)
	}
	if r.Origin != "crowdsec" || r.Scenario != "crowdsecurity/http-probing" {
		t.Errorf("origin/scenario not carried: %q %q", r.Origin, r.Scenario)
	}

	v6 := Filter(makeDecision("ban", "ip", "2001:db9::1", "ssh-bf", "crowdsec", "24h"), NewFilterConfig(), zerolog.Nop())
	if !v6.Passed || v6.Value != "2001:db9::1" {
		t.Errorf("public IPv6 should pass: %+v", v6)
	}
}

func TestFilterNilFields(t *testing.T) {
	cfg := NewFilterConfig()
	d := makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "24h")
	d.Duration, d.Scenario, d.Origin = nil, nil, nil
	if r := Filter(d, cfg, zerolog.Nop()); !r.Passed || r.Duration != 0 {
		t.Errorf("nil optional fields should not block: %+v", r)
	}

	d = makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "24h")
	d.Value = nil
	if Filter(d, cfg, zerolog.Nop()).Passed {
		t.Error("decision without value must be dropped")
	}
	if Filter(nil, cfg, zerolog.Nop()).Passed {
		t.Error("nil decision must be dropped")
	}
}

func TestFilterBanRequiresDuration(t *testing.T) {
	cfg := NewFilterConfig()
	tests := []struct {
		name     string
		duration *string
		pass     bool
	}{
		{"valid duration", strPtr("4h"), true},
		{"missing duration", nil, false},
		{"empty duration", strPtr(""), false},
		{"unparseable duration", strPtr("forever"), false},
		{"zero duration", strPtr("0s"), false},
		{"negative duration", strPtr("-3s"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "")
			d.Duration = tt.duration
			r := FilterBan(d, cfg, zerolog.Nop())
			if r.Passed != tt.pass {
				t.Errorf("Passed = %v, want %v", r.Passed, tt.pass)
			}
			if r.Passed && r.Duration <= 0 {
				t.Errorf("passed ban carries duration %s", r.Duration)
			}
		})
	}
}

func TestFilterKeepsDeletedDecisionWithoutDuration(t *testing.T) {
	d := makeDecision("ban", "ip", "1.2.3.4", "ssh-bf", "crowdsec", "0s")
	if !Filter(d, NewFilterConfig(), zerolog.Nop()).Passed {
		t.Error("deleted decisions are screened without a duration requirement")
	}
}

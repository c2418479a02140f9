package bouncer

import (
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/config"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

// testCfg mirrors the documented defaults without reading the environment.
func testCfg() *config.Config {
	return &config.Config{
		StoreBackend:            storage.BackendMemory,
		RateLimitDefaultRules:   true,
		GuardRules:              []string{"api"},
		GuardRouteRules:         []string{"/login=auth"},
		AccessFailureWindow:     15 * time.Minute,
		AccessFailureThreshold:  5,
		AccessAutoBlockDuration: time.Hour,
		DDoSEnabled:             true,
		DDoSWindow:              time.Minute,
		DDoSThreshold:           1000,
		DDoSAction:              "block",
		DDoSBlockDuration:       time.Hour,
		DDoSThrottleFactor:      0.1,
		DDoSThrottleDuration:    15 * time.Minute,
		DDoSChallengeDuration:   15 * time.Minute,
		DDoSEpisodeBucket:       5 * time.Minute,
		DDoSAttackRetention:     24 * time.Hour,
		DDoSTrailHorizon:        time.Hour,
		QuotaEnabled:            true,
		QuotaFailMode:           "open",
		AbuseEnabled:            true,
		AbuseRateRules:          []string{"api"},
		AbuseBurstWindow:        10 * time.Second,
		AbuseBurstThreshold:     20,
		AbuseMaxPayload:         1 << 20,
		AbuseSensitiveEndpoints: []string{"/admin", "/login"},
		AbuseSensitiveWindow:    time.Hour,
		AbuseSensitiveThreshold: 20,
		AbuseRegularitySample:   10,
		AbuseRegularityMaxCV:    0.1,
		AbuseVarietyWindow:      time.Hour,
		AbuseVarietyRatio:       0.8,
		AbuseVarietyMinSample:   20,
		AbuseInjectionPatterns:  true,
		AbuseBlockThreshold:     80,
		AbuseBlock:              true,
		AbuseBlockDuration:      time.Hour,
		PoolWorkers:             1,
		PoolQueueDepth:          16,
		PoolRetryBase:           time.Millisecond,
		LogLevel:                "info",
		LogFormat:               "json",
		APIAddr:                 "127.0.0.1:0",
		HealthAddr:              "127.0.0.1:0",
		MetricsAddr:             "127.0.0.1:0",
		JanitorInterval:         time.Minute,
	}
}

func newTestCore(t *testing.T, cfg *config.Config, store storage.Store) *Core {
	t.Helper()
	core, err := NewCore(cfg, store, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewCore: %v", err)
	}
	return core
}

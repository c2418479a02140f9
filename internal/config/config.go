package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/abuse"
	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/ddos"
	"github.com/developingchet/trafficguard/internal/decision"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/pool"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// Config holds all application configuration.
type Config struct {
	// Storage
	StoreBackend   string        `koanf:"store_backend"`
	DataDir        string        `koanf:"data_dir"`
	RedisAddr      string        `koanf:"redis_addr"`
	RedisUsername  string        `koanf:"redis_username"`
	RedisPassword  string        `koanf:"redis_password"`
	RedisDB        int           `koanf:"redis_db"`
	RedisKeyPrefix string        `koanf:"redis_key_prefix"`
	RedisPoolSize  int           `koanf:"redis_pool_size"`
	RedisTimeout   time.Duration `koanf:"redis_timeout"`

	// Rate Limiter
	RateLimitRules        []string `koanf:"ratelimit_rules"`
	RateLimitDefaultRules bool     `koanf:"ratelimit_default_rules"`

	// Request pipeline
	GuardRules        []string `koanf:"guard_rules"`
	GuardRouteRules   []string `koanf:"guard_route_rules"`
	TrustForwardedFor bool     `koanf:"trust_forwarded_for"`

	// IP Access Controller
	AccessFailureWindow     time.Duration `koanf:"access_failure_window"`
	AccessFailureThreshold  int           `koanf:"access_failure_threshold"`
	AccessAutoBlockDuration time.Duration `koanf:"access_autoblock_duration"`
	AccessAllowList         []string      `koanf:"access_allowlist"`

	// DDoS Monitor
	DDoSEnabled           bool          `koanf:"ddos_enabled"`
	DDoSWindow            time.Duration `koanf:"ddos_window"`
	DDoSThreshold         int           `koanf:"ddos_threshold"`
	DDoSAction            string        `koanf:"ddos_action"`
	DDoSBlockDuration     time.Duration `koanf:"ddos_block_duration"`
	DDoSThrottleFactor    float64       `koanf:"ddos_throttle_factor"`
	DDoSThrottleDuration  time.Duration `koanf:"ddos_throttle_duration"`
	DDoSChallengeDuration time.Duration `koanf:"ddos_challenge_duration"`
	DDoSEpisodeBucket     time.Duration `koanf:"ddos_episode_bucket"`
	DDoSAttackRetention   time.Duration `koanf:"ddos_attack_retention"`
	DDoSTrailHorizon      time.Duration `koanf:"ddos_trail_horizon"`

	// Quota Manager
	QuotaEnabled  bool     `koanf:"quota_enabled"`
	QuotaPlans    []string `koanf:"quota_plans"`
	QuotaFailMode string   `koanf:"quota_fail_mode"`

	// Abuse Scorer
	AbuseEnabled            bool          `koanf:"abuse_enabled"`
	AbuseRateRules          []string      `koanf:"abuse_rate_rules"`
	AbuseBurstWindow        time.Duration `koanf:"abuse_burst_window"`
	AbuseBurstThreshold     int           `koanf:"abuse_burst_threshold"`
	AbuseMaxPayload         int64         `koanf:"abuse_max_payload"`
	AbuseSensitiveEndpoints []string      `koanf:"abuse_sensitive_endpoints"`
	AbuseSensitiveWindow    time.Duration `koanf:"abuse_sensitive_window"`
	AbuseSensitiveThreshold int           `koanf:"abuse_sensitive_threshold"`
	AbuseRegularitySample   int           `koanf:"abuse_regularity_sample"`
	AbuseRegularityMaxCV    float64       `koanf:"abuse_regularity_max_cv"`
	AbuseVarietyWindow      time.Duration `koanf:"abuse_variety_window"`
	AbuseVarietyRatio       float64       `koanf:"abuse_variety_ratio"`
	AbuseVarietyMinSample   int           `koanf:"abuse_variety_min_sample"`
	AbuseInjectionPatterns  bool          `koanf:"abuse_injection_patterns"`
	AbuseWeights            []string      `koanf:"abuse_weights"`
	AbuseBlockThreshold     float64       `koanf:"abuse_block_threshold"`
	AbuseBlock              bool          `koanf:"abuse_block"`
	AbuseBlockDuration      time.Duration `koanf:"abuse_block_duration"`

	// CrowdSec decision sync
	CrowdSecEnabled         bool          `koanf:"crowdsec_enabled"`
	CrowdSecLAPIURL         string        `koanf:"crowdsec_lapi_url"`
	CrowdSecLAPIKey         string        `koanf:"crowdsec_lapi_key"`
	CrowdSecLAPIVerifyTLS   bool          `koanf:"crowdsec_lapi_verify_tls"`
	CrowdSecOrigins         []string      `koanf:"crowdsec_origins"`
	CrowdSecScenarioExclude []string      `koanf:"crowdsec_scenario_exclude"`
	CrowdSecMinBanDuration  time.Duration `koanf:"crowdsec_min_ban_duration"`
	CrowdSecPollInterval    time.Duration `koanf:"crowdsec_poll_interval"`
	CrowdSecMetricsInterval time.Duration `koanf:"crowdsec_metrics_interval"`

	// Worker Pool
	PoolWorkers    int           `koanf:"pool_workers"`
	PoolQueueDepth int           `koanf:"pool_queue_depth"`
	PoolMaxRetries int           `koanf:"pool_max_retries"`
	PoolRetryBase  time.Duration `koanf:"pool_retry_base"`

	// Operational
	LogLevel        string        `koanf:"log_level"`
	LogFormat       string        `koanf:"log_format"`
	MetricsEnabled  bool          `koanf:"metrics_enabled"`
	MetricsAddr     string        `koanf:"metrics_addr"`
	HealthAddr      string        `koanf:"health_addr"`
	APIAddr         string        `koanf:"api_addr"`
	AdminToken      string        `koanf:"admin_token"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
}

// listKeys are comma-separated values koanf does not split on its own.
var listKeys = []string{
	"ratelimit_rules",
	"guard_rules",
	"guard_route_rules",
	"access_allowlist",
	"quota_plans",
	"abuse_rate_rules",
	"abuse_sensitive_endpoints",
	"abuse_weights",
	"crowdsec_origins",
	"crowdsec_scenario_exclude",
}

// sanitise removes a single layer of matching surrounding quotes from all
// string values. Docker --env-file does not strip shell quoting.
func (c *Config) sanitise() {
	for _, s := range []*string{
		&c.StoreBackend, &c.DataDir, &c.RedisAddr, &c.RedisUsername, &c.RedisPassword, &c.RedisKeyPrefix,
		&c.DDoSAction, &c.QuotaFailMode, &c.CrowdSecLAPIURL, &c.CrowdSecLAPIKey,
		&c.LogLevel, &c.LogFormat, &c.MetricsAddr, &c.HealthAddr, &c.APIAddr, &c.AdminToken,
	} {
		*s = stripEnvQuotes(*s)
	}
	for _, list := range [][]string{
		c.RateLimitRules, c.GuardRules, c.GuardRouteRules, c.AccessAllowList, c.QuotaPlans,
		c.AbuseRateRules, c.AbuseSensitiveEndpoints, c.AbuseWeights, c.CrowdSecOrigins, c.CrowdSecScenarioExclude,
	} {
		for i, s := range list {
			list[i] = stripEnvQuotes(s)
		}
	}
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"store_backend":             storage.BackendBbolt,
		"data_dir":                  "/data",
		"redis_addr":                "localhost:6379",
		"redis_db":                  0,
		"redis_key_prefix":          "trafficguard:",
		"redis_pool_size":           0,
		"redis_timeout":             "3s",
		"ratelimit_default_rules":   true,
		"guard_rules":               "api,per-user-hourly",
		"guard_route_rules":         "/login=auth,/api/auth=auth",
		"trust_forwarded_for":       true,
		"access_failure_window":     "15m",
		"access_failure_threshold":  5,
		"access_autoblock_duration": "1h",
		"ddos_enabled":              true,
		"ddos_window":               "1m",
		"ddos_threshold":            1000,
		"ddos_action":               string(ddos.ActionBlock),
		"ddos_block_duration":       "1h",
		"ddos_throttle_factor":      0.1,
		"ddos_throttle_duration":    "15m",
		"ddos_challenge_duration":   "15m",
		"ddos_episode_bucket":       "5m",
		"ddos_attack_retention":     "168h",
		"ddos_trail_horizon":        "1h",
		"quota_enabled":             true,
		"quota_fail_mode":           string(policy.FailOpen),
		"abuse_enabled":             true,
		"abuse_rate_rules":          "api",
		"abuse_burst_window":        "10s",
		"abuse_burst_threshold":     20,
		"abuse_max_payload":         1 << 20,
		"abuse_sensitive_endpoints": "/admin,/login,/api/auth,/api/keys,/api/users",
		"abuse_sensitive_window":    "1h",
		"abuse_sensitive_threshold": 20,
		"abuse_regularity_sample":   10,
		"abuse_regularity_max_cv":   0.1,
		"abuse_variety_window":      "1h",
		"abuse_variety_ratio":       0.8,
		"abuse_variety_min_sample":  20,
		"abuse_injection_patterns":  true,
		"abuse_block_threshold":     80.0,
		"abuse_block":               true,
		"abuse_block_duration":      "1h",
		"crowdsec_enabled":          false,
		"crowdsec_lapi_url":         "http://crowdsec:8080",
		"crowdsec_lapi_verify_tls":  true,
		"crowdsec_min_ban_duration": "0s",
		"crowdsec_poll_interval":    "30s",
		"crowdsec_metrics_interval": "30m",
		"pool_workers":              4,
		"pool_queue_depth":          4096,
		"pool_max_retries":          3,
		"pool_retry_base":           "1s",
		"log_level":                 "info",
		"log_format":                "json",
		"metrics_enabled":           true,
		"metrics_addr":              ":9090",
		"health_addr":               ":8081",
		"api_addr":                  ":8080",
		"janitor_interval":          "5m",
	}
}

// stripEnvQuotes removes one layer of matching single or double quotes.
// Unpaired or mismatched quotes are left as-is.
func stripEnvQuotes(s string) string {
	if len(s) < 2 {
		return s
	}
	if (s[0] == '\'' && s[len(s)-1] == '\'') ||
		(s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1]
	}
	return s
}

// Load reads configuration from environment variables, applying _FILE
// secret injection, and validates it.
func Load() (*Config, error) {
	// "." as delimiter keeps REDIS_KEY_PREFIX a flat "redis_key_prefix" key.
	k := koanf.New(".")

	if err := k.Load(&rawProvider{data: defaults()}, nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := k.Load(env.Provider("", ".", strings.ToLower), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if err := injectFileSecrets(k); err != nil {
		return nil, fmt.Errorf("inject file secrets: %w", err)
	}

	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	for _, key := range listKeys {
		values := splitCSV(k.String(key))
		switch key {
		case "ratelimit_rules":
			cfg.RateLimitRules = values
		case "guard_rules":
			cfg.GuardRules = values
		case "guard_route_rules":
			cfg.GuardRouteRules = values
		case "access_allowlist":
			cfg.AccessAllowList = values
		case "quota_plans":
			cfg.QuotaPlans = values
		case "abuse_rate_rules":
			cfg.AbuseRateRules = values
		case "abuse_sensitive_endpoints":
			cfg.AbuseSensitiveEndpoints = values
		case "abuse_weights":
			cfg.AbuseWeights = values
		case "crowdsec_origins":
			cfg.CrowdSecOrigins = values
		case "crowdsec_scenario_exclude":
			cfg.CrowdSecScenarioExclude = values
		}
	}

	cfg.sanitise()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks semantic constraints. Errors name the offending env var.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case storage.BackendMemory, storage.BackendBbolt, storage.BackendRedis:
	default:
		return fmt.Errorf("STORE_BACKEND must be memory, bbolt or redis; got %q", c.StoreBackend)
	}
	if c.StoreBackend == storage.BackendBbolt && c.DataDir == "" {
		return fmt.Errorf("DATA_DIR is required for the bbolt backend")
	}
	if c.StoreBackend == storage.BackendRedis && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required for the redis backend")
	}

	rules, err := c.RateLimitRuleSet()
	if err != nil {
		return fmt.Errorf("RATELIMIT_RULES: %w", err)
	}
	known := make(map[string]bool, len(rules))
	for _, r := range rules {
		known[r.Name] = true
	}
	for _, name := range c.GuardRules {
		if !known[name] {
			return fmt.Errorf("GUARD_RULES: unknown rate limit rule %q", name)
		}
	}
	routes, err := guard.ParseRouteRules(c.GuardRouteRules)
	if err != nil {
		return fmt.Errorf("GUARD_ROUTE_RULES: %w", err)
	}
	for _, rr := range routes {
		if !known[rr.Rule] {
			return fmt.Errorf("GUARD_ROUTE_RULES: unknown rate limit rule %q", rr.Rule)
		}
	}

	if _, err := c.AccessConfig(); err != nil {
		return fmt.Errorf("ACCESS_*: %w", err)
	}
	if c.DDoSEnabled {
		if _, err := c.DDoSConfig(); err != nil {
			return fmt.Errorf("DDOS_*: %w", err)
		}
	}
	if c.QuotaEnabled {
		if _, err := c.QuotaConfig(); err != nil {
			return fmt.Errorf("QUOTA_*: %w", err)
		}
	}
	if c.AbuseEnabled {
		ac, err := c.AbuseConfig()
		if err != nil {
			return fmt.Errorf("ABUSE_*: %w", err)
		}
		if err := ac.Validate(); err != nil {
			return fmt.Errorf("ABUSE_*: %w", err)
		}
		for _, name := range ac.RateLimitRules {
			if !known[name] {
				return fmt.Errorf("ABUSE_RATE_RULES: unknown rate limit rule %q", name)
			}
		}
		if c.AbuseBlock && c.AbuseBlockDuration <= 0 {
			return fmt.Errorf("ABUSE_BLOCK_DURATION must be > 0; got %s", c.AbuseBlockDuration)
		}
	}

	if c.CrowdSecEnabled {
		if c.CrowdSecLAPIKey == "" {
			return fmt.Errorf("CROWDSEC_LAPI_KEY is required when CROWDSEC_ENABLED is true")
		}
		if !strings.HasPrefix(c.CrowdSecLAPIURL, "http://") && !strings.HasPrefix(c.CrowdSecLAPIURL, "https://") {
			return fmt.Errorf("CROWDSEC_LAPI_URL must start with http:// or https://; got %q", c.CrowdSecLAPIURL)
		}
		if c.CrowdSecPollInterval <= 0 {
			return fmt.Errorf("CROWDSEC_POLL_INTERVAL must be > 0; got %s", c.CrowdSecPollInterval)
		}
		if c.CrowdSecMetricsInterval < 0 {
			return fmt.Errorf("CROWDSEC_METRICS_INTERVAL must be >= 0; got %s", c.CrowdSecMetricsInterval)
		}
	}

	if c.PoolWorkers < 1 || c.PoolWorkers > 64 {
		return fmt.Errorf("POOL_WORKERS must be 1-64; got %d", c.PoolWorkers)
	}
	if c.PoolQueueDepth < 1 {
		return fmt.Errorf("POOL_QUEUE_DEPTH must be >= 1; got %d", c.PoolQueueDepth)
	}
	if c.PoolMaxRetries < 0 {
		return fmt.Errorf("POOL_MAX_RETRIES must be >= 0; got %d", c.PoolMaxRetries)
	}

	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of trace,debug,info,warn,error,fatal,panic; got %q", c.LogLevel)
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be json or text; got %q", c.LogFormat)
	}
	if c.APIAddr == "" {
		return fmt.Errorf("API_ADDR is required")
	}
	if c.AdminToken != "" && len(c.AdminToken) < 16 {
		return fmt.Errorf("ADMIN_TOKEN must be at least 16 characters")
	}
	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be > 0; got %s", c.JanitorInterval)
	}
	return nil
}

// StorageOptions returns the backend selection for storage.Open.
func (c *Config) StorageOptions() storage.Options {
	return storage.Options{
		Backend: c.StoreBackend,
		DataDir: c.DataDir,
		Redis: storage.RedisOptions{
			Addr:         c.RedisAddr,
			Username:     c.RedisUsername,
			Password:     c.RedisPassword,
			DB:           c.RedisDB,
			KeyPrefix:    c.RedisKeyPrefix,
			PoolSize:     c.RedisPoolSize,
			DialTimeout:  c.RedisTimeout,
			ReadTimeout:  c.RedisTimeout,
			WriteTimeout: c.RedisTimeout,
		},
	}
}

// RateLimitRuleSet returns the stock rules (unless disabled) overridden by
// name with RATELIMIT_RULES entries.
func (c *Config) RateLimitRuleSet() ([]ratelimit.Rule, error) {
	custom, err := ratelimit.ParseRules(c.RateLimitRules)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]ratelimit.Rule)
	if c.RateLimitDefaultRules {
		for _, r := range ratelimit.DefaultRules() {
			byName[r.Name] = r
		}
	}
	for _, r := range custom {
		byName[r.Name] = r
	}
	if len(byName) == 0 {
		return nil, fmt.Errorf("no rate limit rules configured")
	}
	out := make([]ratelimit.Rule, 0, len(byName))
	for _, r := range byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GuardConfig returns the request pipeline settings.
func (c *Config) GuardConfig() (guard.Config, error) {
	routes, err := guard.ParseRouteRules(c.GuardRouteRules)
	if err != nil {
		return guard.Config{}, err
	}
	return guard.Config{
		RateLimitRules:     c.GuardRules,
		RouteRules:         routes,
		BlockOnAbuse:       c.AbuseBlock,
		AbuseBlockDuration: c.AbuseBlockDuration,
	}, nil
}

// AccessConfig returns the IP access controller settings.
func (c *Config) AccessConfig() (access.Config, error) {
	nets, err := identity.ParseNetworks(c.AccessAllowList)
	if err != nil {
		return access.Config{}, fmt.Errorf("ACCESS_ALLOWLIST: %w", err)
	}
	cfg := access.Config{
		FailureWindow:     c.AccessFailureWindow,
		FailureThreshold:  c.AccessFailureThreshold,
		AutoBlockDuration: c.AccessAutoBlockDuration,
		StaticAllow:       nets,
	}
	return cfg, cfg.Validate()
}

// DDoSConfig returns the DDoS monitor settings.
func (c *Config) DDoSConfig() (ddos.Config, error) {
	action, err := ddos.ParseAction(c.DDoSAction)
	if err != nil {
		return ddos.Config{}, err
	}
	cfg := ddos.Config{
		Window:            c.DDoSWindow,
		Threshold:         c.DDoSThreshold,
		Action:            action,
		BlockDuration:     c.DDoSBlockDuration,
		ThrottleFactor:    c.DDoSThrottleFactor,
		ThrottleDuration:  c.DDoSThrottleDuration,
		ChallengeDuration: c.DDoSChallengeDuration,
		EpisodeBucket:     c.DDoSEpisodeBucket,
		AttackRetention:   c.DDoSAttackRetention,
		TrailHorizon:      c.DDoSTrailHorizon,
	}
	return cfg, cfg.Validate()
}

// QuotaConfig returns the plan catalogue; QUOTA_PLANS replaces the stock plans.
func (c *Config) QuotaConfig() (quota.Config, error) {
	mode, err := policy.ParseFailMode(c.QuotaFailMode)
	if err != nil {
		return quota.Config{}, err
	}
	plans := quota.DefaultPlans()
	if len(c.QuotaPlans) > 0 {
		if plans, err = quota.ParsePlans(c.QuotaPlans); err != nil {
			return quota.Config{}, err
		}
	}
	return quota.Config{Plans: plans, FailMode: mode}, nil
}

// AbuseConfig returns the abuse scorer settings. ABUSE_WEIGHTS entries
// ("signal=weight") override individual stock weights.
func (c *Config) AbuseConfig() (abuse.Config, error) {
	weights := abuse.DefaultWeights()
	for _, e := range c.AbuseWeights {
		name, val, ok := strings.Cut(e, "=")
		if !ok {
			return abuse.Config{}, fmt.Errorf("ABUSE_WEIGHTS entry %q: expected signal=weight", e)
		}
		sig := abuse.Signal(strings.TrimSpace(name))
		if _, known := weights[sig]; !known {
			return abuse.Config{}, fmt.Errorf("ABUSE_WEIGHTS: unknown signal %q", sig)
		}
		w, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		if err != nil {
			return abuse.Config{}, fmt.Errorf("ABUSE_WEIGHTS entry %q: %w", e, err)
		}
		weights[sig] = w
	}
	return abuse.Config{
		RateLimitRules:     c.AbuseRateRules,
		BurstWindow:        c.AbuseBurstWindow,
		BurstThreshold:     c.AbuseBurstThreshold,
		MaxPayloadBytes:    c.AbuseMaxPayload,
		SensitiveEndpoints: c.AbuseSensitiveEndpoints,
		SensitiveWindow:    c.AbuseSensitiveWindow,
		SensitiveThreshold: c.AbuseSensitiveThreshold,
		RegularitySample:   c.AbuseRegularitySample,
		RegularityMaxCV:    c.AbuseRegularityMaxCV,
		VarietyWindow:      c.AbuseVarietyWindow,
		VarietyRatio:       c.AbuseVarietyRatio,
		VarietyMinSample:   c.AbuseVarietyMinSample,
		InjectionPatterns:  c.AbuseInjectionPatterns,
		Weights:            weights,
		BlockThreshold:     c.AbuseBlockThreshold,
	}, nil
}

// FilterConfig returns the CrowdSec decision screening settings.
func (c *Config) FilterConfig() (decision.FilterConfig, error) {
	nets, err := identity.ParseNetworks(c.AccessAllowList)
	if err != nil {
		return decision.FilterConfig{}, err
	}
	fc := decision.NewFilterConfig()
	fc.ScenarioExclude = c.CrowdSecScenarioExclude
	fc.AllowedOrigins = c.CrowdSecOrigins
	fc.AllowList = nets
	fc.MinBanDuration = c.CrowdSecMinBanDuration
	return fc, nil
}

// PoolConfig returns the worker pool settings.
func (c *Config) PoolConfig() pool.Config {
	return pool.Config{
		Workers:    c.PoolWorkers,
		QueueDepth: c.PoolQueueDepth,
		MaxRetries: c.PoolMaxRetries,
		RetryBase:  c.PoolRetryBase,
	}
}

var fileSecretKeys = []string{
	"redis_password",
	"crowdsec_lapi_key",
	"admin_token",
}

// injectFileSecrets reads KEY_FILE paths and sets KEY to the trimmed file content.
func injectFileSecrets(k *koanf.Koanf) error {
	for _, key := range fileSecretKeys {
		filePath := k.String(key + "_file")
		if filePath == "" {
			filePath = os.Getenv(strings.ToUpper(key) + "_FILE")
		}
		if filePath == "" {
			continue
		}
		filePath = stripEnvQuotes(filePath)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("reading secret file for %s (%s): %w", key, filePath, err)
		}
		if err := k.Set(key, strings.TrimSpace(string(content))); err != nil {
			return fmt.Errorf("setting %s from file: %w", key, err)
		}
	}
	return nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			result = append(result, p)
		}
	}
	return result
}

// rawProvider implements koanf.Provider for a map[string]interface{}.
type rawProvider struct {
	data map[string]interface{}
}

// Read returns the config map directly (no Parser needed).
func (r *rawProvider) Read() (map[string]interface{}, error) {
	return r.data, nil
}

// ReadBytes is not used; koanf calls Read when no Parser is given.
func (r *rawProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("rawProvider does not support ReadBytes")
}

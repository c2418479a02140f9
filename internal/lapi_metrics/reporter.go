// Package lapi_metrics pushes remediation usage metrics to the CrowdSec LAPI.
package lapi_metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/developingchet/trafficguard/internal/capabilities"
	"github.com/rs/zerolog"
)

const minInterval = 10 * time.Minute

// Reporter counts processed and blocked requests and pushes the counts to
// the LAPI /v1/usage-metrics endpoint on an interval.
type Reporter struct {
	lapiURL     string
	apiKey      string
	version     string
	interval    time.Duration
	startupTime time.Time
	log         zerolog.Logger
	httpClient  *http.Client

	mu        sync.Mutex
	blocked   map[originKey]int64
	processed int64
}

type originKey struct {
	origin          string
	remediationType string
}

// NewReporter returns a Reporter. A non-zero interval below 10m is raised to 10m.
func NewReporter(lapiURL, apiKey, version string, interval time.Duration, log zerolog.Logger) *Reporter {
	if interval > 0 && interval < minInterval {
		log.Warn().Dur("requested", interval).Dur("enforced", minInterval).
			Msg("CROWDSEC_METRICS_INTERVAL below minimum; clamping to 10m")
		interval = minInterval
	}
	return &Reporter{
		lapiURL:     lapiURL,
		apiKey:      apiKey,
		version:     version,
		interval:    interval,
		startupTime: time.Now(),
		log:         log.With().Str("component", "lapi_metrics").Logger(),
		httpClient:  &http.Client{Timeout: 5 * time.Second},
		blocked:     make(map[originKey]int64),
	}
}

// RecordBlocked counts one denied request under origin and remediation type.
func (r *Reporter) RecordBlocked(origin, remediationType string) {
	r.mu.Lock()
	r.blocked[originKey{origin, remediationType}]++
	r.processed++
	r.mu.Unlock()
}

// RecordProcessed counts one allowed request.
func (r *Reporter) RecordProcessed() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// Run pushes on every tick and once more on shutdown. It returns immediately
// when the interval is zero.
func (r *Reporter) Run(ctx context.Context) {
	if r.interval == 0 {
		return
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.push(ctx); err != nil {
				r.log.Warn().Err(err).Msg("usage-metrics push failed")
			}
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.push(shutdownCtx); err != nil {
				r.log.Warn().Err(err).Msg("final usage-metrics push failed")
			}
			return
		}
	}
}

type metricEntry struct {
	Name   string            `json:"name"`
	Value  int64             `json:"value"`
	Unit   string            `json:"unit"`
	Labels map[string]string `json:"labels,omitempty"`
}

type osMeta struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type windowMeta struct {
	WindowSizeSeconds   int64 `json:"window_size_seconds"`
	UtcStartupTimestamp int64 `json:"utc_startup_timestamp"`
	UtcNowTimestamp     int64 `json:"utc_now_timestamp"`
}

type remediationComponent struct {
	Type     string        `json:"type"`
	Version  string        `json:"version"`
	Os       osMeta        `json:"os"`
	Features []string      `json:"features"`
	Meta     windowMeta    `json:"meta"`
	Metrics  []metricEntry `json:"metrics"`
}

type usagePayload struct {
	RemediationComponents []remediationComponent `json:"remediation_components"`
}

// snapshot returns and resets the counters.
func (r *Reporter) snapshot() []metricEntry {
	r.mu.Lock()
	blocked := r.blocked
	processed := r.processed
	r.blocked = make(map[originKey]int64)
	r.processed = 0
	r.mu.Unlock()

	items := make([]metricEntry, 0, len(blocked)+1)
	for key, count := range blocked {
		if count <= 0 {
			continue
		}
		items = append(items, metricEntry{
			Name:  "blocked",
			Value: count,
			Unit:  "request",
			Labels: map[string]string{
				"origin":           key.origin,
				"remediation_type": key.remediationType,
			},
		})
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Labels, items[j].Labels
		if a["origin"] != b["origin"] {
			return a["origin"] < b["origin"]
		}
		return a["remediation_type"] < b["remediation_type"]
	})
	return append(items, metricEntry{Name: "processed", Value: processed, Unit: "request"})
}

func (r *Reporter) push(ctx context.Context) error {
	items := r.snapshot()
	osName, osVersion := detectOS()

	features := make([]string, len(capabilities.Features))
	copy(features, capabilities.Features)

	body, err := json.Marshal(usagePayload{
		RemediationComponents: []remediationComponent{{
			Type:     capabilities.BouncerType,
			Version:  r.version,
			Os:       osMeta{Name: osName, Version: osVersion},
			Features: features,
			Meta: windowMeta{
				WindowSizeSeconds:   int64(r.interval.Seconds()),
				UtcStartupTimestamp: r.startupTime.Unix(),
				UtcNowTimestamp:     time.Now().Unix(),
			},
			Metrics: items,
		}},
	})
	if err != nil {
		return fmt.Errorf("marshal usage-metrics payload: %w", err)
	}

	url := strings.TrimRight(r.lapiURL, "/") + "/v1/usage-metrics"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build usage-metrics request: %w", err)
	}
	req.Header.Set("X-Api-Key", r.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", capabilities.UserAgent(r.version))

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("POST usage-metrics: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		r.log.Warn().Int("status", resp.StatusCode).Str("url", url).Msg("usage-metrics returned non-2xx")
	}
	return nil
}

// detectOS returns runtime.GOOS and VERSION_ID from /etc/os-release, if readable.
func detectOS() (name, version string) {
	name = runtime.GOOS

	f, err := os.Open("/etc/os-release")
	if err != nil {
		return name, ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if val, ok := strings.CutPrefix(scanner.Text(), "VERSION_ID="); ok {
			return name, strings.Trim(val, `"`)
		}
	}
	return name, ""
}

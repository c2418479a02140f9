package metrics_test

import (
	"strings"
	"testing"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var collectors = []struct {
	name string
	c    prometheus.Collector
}{
	{"trafficguard_requests_checked_total", metrics.RequestsChecked},
	{"trafficguard_check_duration_seconds", metrics.CheckDuration},
	{"trafficguard_ratelimit_decisions_total", metrics.RateLimitDecisions},
	{"trafficguard_store_errors_total", metrics.StoreErrors},
	{"trafficguard_blocks_total", metrics.Blocks},
	{"trafficguard_active_blocks", metrics.ActiveBlocks},
	{"trafficguard_attacks_detected_total", metrics.AttacksDetected},
	{"trafficguard_quota_denied_total", metrics.QuotaDenied},
	{"trafficguard_abuse_findings_total", metrics.AbuseFindings},
	{"trafficguard_abuse_risk_score", metrics.AbuseScore},
	{"trafficguard_decisions_processed_total", metrics.DecisionsProcessed},
	{"trafficguard_decisions_filtered_total", metrics.DecisionsFiltered},
	{"trafficguard_jobs_enqueued_total", metrics.JobsEnqueued},
	{"trafficguard_jobs_dropped_total", metrics.JobsDropped},
	{"trafficguard_jobs_processed_total", metrics.JobsProcessed},
	{"trafficguard_worker_queue_depth", metrics.WorkerQueueDepth},
	{"trafficguard_db_size_bytes", metrics.DBSizeBytes},
	{"trafficguard_sweep_duration_seconds", metrics.SweepDuration},
	{"trafficguard_sweep_pruned_total", metrics.SweepPruned},
}

// TestMetricCollectorsLint verifies every package-level collector is non-nil
// and passes Prometheus linting rules.
func TestMetricCollectorsLint(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.name, func(t *testing.T) {
			if tc.c == nil {
				t.Fatal("collector is nil")
			}
			lintErrs, err := testutil.CollectAndLint(tc.c)
			if err != nil {
				t.Errorf("CollectAndLint gather error: %v", err)
			}
			if len(lintErrs) > 0 {
				t.Errorf("prometheus lint errors: %v", lintErrs)
			}
		})
	}
}

// TestMetricNamesAndHelp uses Describe() rather than Gather() so Vec metrics
// with no observations are checked too.
func TestMetricNamesAndHelp(t *testing.T) {
	for _, tc := range collectors {
		t.Run(tc.name, func(t *testing.T) {
			ch := make(chan *prometheus.Desc, 32)
			go func() {
				tc.c.Describe(ch)
				close(ch)
			}()

			found := false
			for d := range ch {
				s := d.String()
				if strings.Contains(s, `"`+tc.name+`"`) {
					found = true
					if strings.Contains(s, `help: ""`) {
						t.Errorf("descriptor for %s has an empty help string", tc.name)
					}
				}
			}
			if !found {
				t.Errorf("no descriptor named %q returned by Describe()", tc.name)
			}
		})
	}
}

func TestStoreErrorsCountsPerComponent(t *testing.T) {
	before := testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("metrics_test", "count"))
	metrics.StoreErrors.WithLabelValues("metrics_test", "count").Inc()
	after := testutil.ToFloat64(metrics.StoreErrors.WithLabelValues("metrics_test", "count"))
	if after-before != 1 {
		t.Errorf("StoreErrors delta = %v, want 1", after-before)
	}
}

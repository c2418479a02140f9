// Package bouncer wires the guard pipeline, the HTTP API, CrowdSec decision
// sync and housekeeping into one long-running process.
package bouncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/crowdsecurity/crowdsec/pkg/models"
	csbouncer "github.com/crowdsecurity/go-cs-bouncer"
	"github.com/developingchet/trafficguard/internal/api"
	"github.com/developingchet/trafficguard/internal/capabilities"
	"github.com/developingchet/trafficguard/internal/config"
	"github.com/developingchet/trafficguard/internal/decision"
	"github.com/developingchet/trafficguard/internal/lapi_metrics"
	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/pool"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// BinaryVersion is set at startup from the -X main.Version ldflags value.
var BinaryVersion = "dev"

// Bouncer owns the process lifecycle.
type Bouncer struct {
	cfg       *config.Config
	core      *Core
	api       *api.Server
	janitor   *Janitor
	pool      *pool.Pool
	filterCfg decision.FilterConfig
	reporter  *lapi_metrics.Reporter
	streamBnc *csbouncer.StreamBouncer
	log       zerolog.Logger
}

// New constructs a fully wired Bouncer over store.
func New(cfg *config.Config, store storage.Store, log zerolog.Logger) (*Bouncer, error) {
	b := &Bouncer{cfg: cfg, log: log}

	var err error
	if cfg.CrowdSecEnabled {
		b.reporter = lapi_metrics.NewReporter(cfg.CrowdSecLAPIURL, cfg.CrowdSecLAPIKey,
			BinaryVersion, cfg.CrowdSecMetricsInterval, log)
		b.core, err = NewCore(cfg, store, b.reporter, log)
	} else {
		b.core, err = NewCore(cfg, store, nil, log)
	}
	if err != nil {
		return nil, err
	}

	deps := api.Deps{Guard: b.core.Guard, Access: b.core.Access, Limiter: b.core.Limiter}
	if b.core.Quota != nil {
		deps.Quota = b.core.Quota
	}
	if b.core.Monitor != nil {
		deps.Monitor = b.core.Monitor
	}
	b.api = api.New(deps, api.Options{
		TrustForwardedFor: cfg.TrustForwardedFor,
		AdminToken:        cfg.AdminToken,
	}, log)

	if cfg.CrowdSecEnabled {
		if b.filterCfg, err = cfg.FilterConfig(); err != nil {
			return nil, fmt.Errorf("filter config: %w", err)
		}
		if b.pool, err = pool.New(cfg.PoolConfig(), makeJobHandler(b.core.Access, log), log); err != nil {
			return nil, fmt.Errorf("create pool: %w", err)
		}

		// StreamBouncer.TickerInterval is a string like "30s"
		skipVerify := !cfg.CrowdSecLAPIVerifyTLS
		b.streamBnc = &csbouncer.StreamBouncer{
			APIKey:              cfg.CrowdSecLAPIKey,
			APIUrl:              cfg.CrowdSecLAPIURL,
			TickerInterval:      cfg.CrowdSecPollInterval.String(),
			InsecureSkipVerify:  &skipVerify,
			UserAgent:           capabilities.UserAgent(BinaryVersion),
			RetryInitialConnect: true,
		}
	}

	b.janitor = NewJanitor(b.core, b.pool, cfg.JanitorInterval, log)
	return b, nil
}

// Core returns the components the bouncer drives.
func (b *Bouncer) Core() *Core {
	return b.core
}

// Run starts all goroutines and blocks until ctx is cancelled or a fatal error occurs.
func (b *Bouncer) Run(ctx context.Context) error {
	if b.streamBnc != nil {
		if err := b.streamBnc.Init(); err != nil {
			return fmt.Errorf("init CrowdSec stream: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return b.api.Serve(gctx, b.cfg.APIAddr)
	})

	g.Go(func() error {
		return b.janitor.Run(gctx)
	})

	if b.streamBnc != nil {
		b.pool.Start(gctx)
		g.Go(func() error {
			return b.processStream(gctx)
		})
	}

	if b.reporter != nil {
		g.Go(func() error {
			b.reporter.Run(gctx)
			return nil
		})
	}

	// Prometheus metrics server
	if b.cfg.MetricsEnabled {
		g.Go(func() error {
			return b.serveMetrics(gctx)
		})
	}

	// Health endpoints
	g.Go(func() error {
		return b.serveHealth(gctx)
	})

	err := g.Wait()
	if b.pool != nil {
		b.pool.Stop()
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// processStream reads decisions from the CrowdSec LAPI and enqueues them.
func (b *Bouncer) processStream(ctx context.Context) error {
	// Run returns when ctx is cancelled
	go b.streamBnc.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case decisions, ok := <-b.streamBnc.Stream:
			if !ok {
				return fmt.Errorf("CrowdSec stream closed")
			}
			b.handleDecisionBlock(decisions)
		}
	}
}

func (b *Bouncer) handleDecisionBlock(decisions *models.DecisionsStreamResponse) {
	source := "stream"

	for _, d := range decisions.New {
		result := decision.FilterBan(d, b.filterCfg, b.log)
		if !result.Passed {
			continue
		}
		metrics.DecisionsProcessed.WithLabelValues("ban", source).Inc()
		b.enqueueJob(pool.Job{
			Action:   pool.ActionBlock,
			Target:   result.Value,
			Duration: result.Duration,
			Origin:   result.Origin,
			Scenario: result.Scenario,
		})
	}

	for _, d := range decisions.Deleted {
		result := decision.Filter(d, b.filterCfg, b.log)
		if !result.Passed {
			continue
		}
		metrics.DecisionsProcessed.WithLabelValues("unban", source).Inc()
		b.enqueueJob(pool.Job{
			Action: pool.ActionUnblock,
			Target: result.Value,
			Origin: result.Origin,
		})
	}
}

func (b *Bouncer) enqueueJob(job pool.Job) {
	if !b.pool.Enqueue(job) {
		b.log.Warn().Str("ip", job.Target).Msg("job dropped: queue full")
	}
}

// serveMetrics runs the Prometheus HTTP server.
func (b *Bouncer) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsHandler())
	srv := &http.Server{
		Addr:    b.cfg.MetricsAddr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	b.log.Info().Str("addr", b.cfg.MetricsAddr).Msg("Prometheus metrics server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}

// healthMux serves liveness and store-backed readiness.
func (b *Bouncer) healthMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := b.core.Store.Ping(r.Context()); err != nil {
			http.Error(w, "not ready: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	return mux
}

// serveHealth runs the health endpoint.
func (b *Bouncer) serveHealth(ctx context.Context) error {
	srv := &http.Server{
		Addr:    b.cfg.HealthAddr,
		Handler: b.healthMux(),
	}
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	b.log.Info().Str("addr", b.cfg.HealthAddr).Msg("health server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}

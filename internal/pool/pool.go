// Package pool applies block-list changes from external feeds on a bounded
// set of workers with inline retry.
package pool

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/rs/zerolog"
)

// Job actions.
const (
	ActionBlock   = "block"
	ActionUnblock = "unblock"
)

// Job is one block-list change.
type Job struct {
	Action   string // ActionBlock or ActionUnblock
	Target   string // canonical IP or CIDR
	Reason   string
	Duration time.Duration // zero = permanent
	Origin   string        // decision origin, e.g. "CAPI", "crowdsec"
	Scenario string
}

// Handler applies a Job. A returned error triggers a retry.
type Handler func(ctx context.Context, job Job) error

// Config holds worker pool settings.
type Config struct {
	Workers    int
	QueueDepth int
	MaxRetries int
	RetryBase  time.Duration
	MaxBackoff time.Duration
}

// Pool runs Handler over queued Jobs.
type Pool struct {
	cfg      Config
	jobs     chan Job
	handler  Handler
	log      zerolog.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New validates cfg and returns an idle Pool.
func New(cfg Config, handler Handler, log zerolog.Logger) (*Pool, error) {
	if cfg.Workers < 1 || cfg.Workers > 64 {
		return nil, fmt.Errorf("POOL_WORKERS must be 1-64, got %d", cfg.Workers)
	}
	if cfg.MaxRetries < 0 {
		return nil, fmt.Errorf("POOL_MAX_RETRIES must be >= 0, got %d", cfg.MaxRetries)
	}
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = 4096
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return &Pool{
		cfg:     cfg,
		jobs:    make(chan Job, cfg.QueueDepth),
		handler: handler,
		log:     log.With().Str("component", "pool").Logger(),
	}, nil
}

// Start launches the workers. They exit when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
}

// Enqueue adds job without blocking. It returns false when the queue is full.
func (p *Pool) Enqueue(job Job) bool {
	select {
	case p.jobs <- job:
		metrics.JobsEnqueued.WithLabelValues(job.Action).Inc()
		metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
		return true
	default:
		metrics.JobsDropped.WithLabelValues("queue_full").Inc()
		p.log.Warn().Str("target", job.Target).Str("action", job.Action).Msg("job dropped: queue full")
		return false
	}
}

// Stop closes the queue and waits for the workers to drain it. Enqueue must
// not be called afterwards.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.jobs) })
	p.wg.Wait()
}

// Depth returns the number of queued jobs.
func (p *Pool) Depth() int {
	return len(p.jobs)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	log := p.log.With().Int("worker_id", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			metrics.WorkerQueueDepth.Set(float64(len(p.jobs)))
			p.run(ctx, job, log)
		}
	}
}

// run retries inline so a failed job is never sent back to a possibly
// closed queue.
func (p *Pool) run(ctx context.Context, job Job, log zerolog.Logger) {
	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := p.backoff(attempt - 1)
			log.Warn().Str("target", job.Target).Int("attempt", attempt).Dur("backoff", wait).Msg("retrying job")
			select {
			case <-ctx.Done():
				metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
				return
			case <-time.After(wait):
			}
		}

		err := p.handler(ctx, job)
		if err == nil {
			metrics.JobsProcessed.WithLabelValues(job.Action, "success").Inc()
			return
		}
		if attempt < p.cfg.MaxRetries {
			metrics.JobsProcessed.WithLabelValues(job.Action, "retried").Inc()
			continue
		}
		metrics.JobsProcessed.WithLabelValues(job.Action, "error").Inc()
		log.Error().Err(err).Str("target", job.Target).Str("action", job.Action).
			Int("max_retries", p.cfg.MaxRetries).Msg("job failed: retries exhausted")
	}
}

func (p *Pool) backoff(retries int) time.Duration {
	d := time.Duration(float64(p.cfg.RetryBase) * math.Pow(2, float64(retries)))
	if d > p.cfg.MaxBackoff || d <= 0 {
		d = p.cfg.MaxBackoff
	}
	return d
}

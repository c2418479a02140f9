package bouncer

import (
	"context"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/pool"
	"github.com/rs/zerolog"
)

// Janitor performs periodic housekeeping: pruning expired state, updating gauges.
type Janitor struct {
	core       *Core
	workerPool *pool.Pool
	interval   time.Duration
	clock      func() time.Time
	log        zerolog.Logger
}

// NewJanitor creates a Janitor. workerPool may be nil.
func NewJanitor(core *Core, workerPool *pool.Pool, interval time.Duration, log zerolog.Logger) *Janitor {
	return &Janitor{
		core:       core,
		workerPool: workerPool,
		interval:   interval,
		clock:      time.Now,
		log:        log.With().Str("component", "janitor").Logger(),
	}
}

// Run executes the janitor loop until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	// Run immediately on start
	j.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *Janitor) tick(ctx context.Context) {
	start := j.clock()

	j.prune(ctx, "blocks", j.core.Access.PruneExpired)
	if j.core.Monitor != nil {
		j.prune(ctx, "attacks", j.core.Monitor.PruneExpired)
	}
	if j.core.Quota != nil {
		j.prune(ctx, "quotas", j.core.Quota.PruneExpired)
	}
	j.prune(ctx, "series", func(ctx context.Context) (int, error) {
		return j.core.Store.PruneExpired(ctx, j.clock())
	})

	if blocks, err := j.core.Access.Blocks(ctx); err != nil {
		j.log.Warn().Err(err).Msg("janitor: list blocks failed")
	} else {
		metrics.ActiveBlocks.Set(float64(len(blocks)))
	}

	size, err := j.core.Store.SizeBytes()
	if err != nil {
		j.log.Warn().Err(err).Msg("janitor: read store size failed")
	} else {
		metrics.DBSizeBytes.Set(float64(size))
	}

	if j.workerPool != nil {
		metrics.WorkerQueueDepth.Set(float64(j.workerPool.Depth()))
	}

	metrics.SweepDuration.Observe(j.clock().Sub(start).Seconds())
	j.log.Debug().Msg("janitor: tick complete")
}

func (j *Janitor) prune(ctx context.Context, kind string, fn func(context.Context) (int, error)) {
	n, err := fn(ctx)
	if err != nil {
		j.log.Warn().Err(err).Str("kind", kind).Msg("janitor: prune failed")
		return
	}
	if n > 0 {
		metrics.SweepPruned.WithLabelValues(kind).Add(float64(n))
		j.log.Info().Int("count", n).Str("kind", kind).Msg("janitor: pruned expired entries")
	}
}

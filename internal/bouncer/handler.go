package bouncer

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/pool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// BlockWriter is the part of access.Controller synced decisions are applied to.
type BlockWriter interface {
	Status(ctx context.Context, id string) access.Status
	Block(ctx context.Context, id, reason string, duration time.Duration, source string) (bool, error)
	Unblock(ctx context.Context, id string) error
}

// makeJobHandler returns a pool.Handler that mirrors CrowdSec decisions into
// the block-list. Only blocks CrowdSec created are lifted by a deletion so
// local and admin blocks survive a decision expiring upstream.
func makeJobHandler(blocks BlockWriter, log zerolog.Logger) pool.Handler {
	return func(ctx context.Context, job pool.Job) error {
		st := blocks.Status(ctx, job.Target)
		if st.Degraded {
			return fmt.Errorf("block status of %s unavailable", job.Target)
		}

		switch job.Action {
		case pool.ActionBlock:
			if st.Blocked && st.Record.Source != access.SourceCrowdSec {
				metrics.JobsDropped.WithLabelValues("already_blocked").Inc()
				log.Debug().Str("ip", job.Target).Str("source", st.Record.Source).Msg("skipping: blocked locally")
				return nil
			}
			reason := "crowdsec"
			if job.Scenario != "" {
				reason += ": " + job.Scenario
			}
			applied, err := blocks.Block(ctx, job.Target, reason, job.Duration, access.SourceCrowdSec)
			if err != nil {
				return err
			}
			if !applied {
				metrics.JobsDropped.WithLabelValues("allow_listed").Inc()
				return nil
			}

		case pool.ActionUnblock:
			if !st.Blocked {
				metrics.JobsDropped.WithLabelValues("not_found").Inc()
				log.Debug().Str("ip", job.Target).Msg("skipping: not in block list")
				return nil
			}
			if st.Record.Source != access.SourceCrowdSec {
				metrics.JobsDropped.WithLabelValues("foreign_block").Inc()
				log.Debug().Str("ip", job.Target).Str("source", st.Record.Source).Msg("skipping: block not owned by crowdsec")
				return nil
			}
			if err := blocks.Unblock(ctx, job.Target); err != nil {
				return err
			}

		default:
			metrics.JobsDropped.WithLabelValues("unknown_action").Inc()
			return nil
		}

		log.Info().Str("action", job.Action).Str("ip", job.Target).Str("origin", job.Origin).
			Str("scenario", job.Scenario).Msg("job applied")
		return nil
	}
}

// metricsHandler returns the Prometheus HTTP handler.
func metricsHandler() http.Handler {
	return promhttp.Handler()
}

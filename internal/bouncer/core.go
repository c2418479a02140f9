package bouncer

import (
	"context"
	"fmt"
	"time"

	"github.com/developingchet/trafficguard/internal/abuse"
	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/config"
	"github.com/developingchet/trafficguard/internal/ddos"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

// Core holds the traffic-control components built over one store. Monitor,
// Scorer and Quota are nil when disabled in the configuration.
type Core struct {
	Store   storage.Store
	Limiter *ratelimit.Limiter
	Access  *access.Controller
	Monitor *ddos.Monitor
	Scorer  *abuse.Scorer
	Quota   *quota.Manager
	Guard   *guard.Guard
}

// NewCore builds every enabled component from cfg. recorder may be nil.
func NewCore(cfg *config.Config, store storage.Store, recorder guard.Recorder, log zerolog.Logger) (*Core, error) {
	rules, err := cfg.RateLimitRuleSet()
	if err != nil {
		return nil, fmt.Errorf("rate limit rules: %w", err)
	}
	c := &Core{Store: store}
	if c.Limiter, err = ratelimit.New(store, rules, log, ratelimit.Options{}); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	ac, err := cfg.AccessConfig()
	if err != nil {
		return nil, err
	}
	if c.Access, err = access.New(store, ac, log, access.Options{}); err != nil {
		return nil, fmt.Errorf("access controller: %w", err)
	}

	comps := guard.Components{Limiter: c.Limiter, Access: c.Access}

	if cfg.DDoSEnabled {
		dc, err := cfg.DDoSConfig()
		if err != nil {
			return nil, err
		}
		if c.Monitor, err = ddos.New(store, dc, c.Access, c.Limiter, log, ddos.Options{}); err != nil {
			return nil, fmt.Errorf("ddos monitor: %w", err)
		}
		comps.Monitor = c.Monitor
	}

	if cfg.AbuseEnabled {
		abc, err := cfg.AbuseConfig()
		if err != nil {
			return nil, err
		}
		// The trail is kept by the monitor; without it only per-request
		// signals fire.
		var trail abuse.TrailReader = noTrail{}
		if c.Monitor != nil {
			trail = c.Monitor
		}
		if c.Scorer, err = abuse.New(abc, trail, c.Limiter, log, abuse.Options{}); err != nil {
			return nil, fmt.Errorf("abuse scorer: %w", err)
		}
		comps.Scorer = c.Scorer
	}

	if cfg.QuotaEnabled {
		qc, err := cfg.QuotaConfig()
		if err != nil {
			return nil, err
		}
		if c.Quota, err = quota.New(store, qc, log, quota.Options{}); err != nil {
			return nil, fmt.Errorf("quota manager: %w", err)
		}
		comps.Quota = c.Quota
	}

	if recorder != nil {
		comps.Recorder = recorder
	}

	gc, err := cfg.GuardConfig()
	if err != nil {
		return nil, err
	}
	c.Guard = guard.New(comps, gc, log, guard.Options{})
	return c, nil
}

// noTrail stands in for the monitor when DDoS detection is disabled.
type noTrail struct{}

func (noTrail) Trail(context.Context, string, time.Duration) ([]storage.Event, error) {
	return nil, nil
}

// Package access maintains the block-list and allow-list and auto-blocks
// identities that accumulate failed attempts.
package access

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

const component = "access"

// Block sources recorded on BlockRecord.Source.
const (
	SourceAdmin    = "admin"
	SourceAuto     = "auto"
	SourceDDoS     = "ddos"
	SourceAbuse    = "abuse"
	SourceCrowdSec = "crowdsec"
)

// Store is the subset of storage.Store the controller needs.
type Store interface {
	storage.BlockStore
	storage.AllowStore
	storage.WindowStore
}

// Config holds the failed-attempt policy and static allow-list.
type Config struct {
	FailureWindow     time.Duration
	FailureThreshold  int
	AutoBlockDuration time.Duration
	// StaticAllow networks are always allow-listed and cannot be removed at runtime.
	StaticAllow []*net.IPNet
}

// DefaultConfig returns five failures in fifteen minutes, blocked for an hour.
func DefaultConfig() Config {
	return Config{
		FailureWindow:     15 * time.Minute,
		FailureThreshold:  5,
		AutoBlockDuration: time.Hour,
	}
}

// Validate rejects non-positive windows and thresholds.
func (c Config) Validate() error {
	if err := policy.RequirePositiveDuration("failure window", c.FailureWindow); err != nil {
		return err
	}
	if err := policy.RequirePositive("failure threshold", c.FailureThreshold); err != nil {
		return err
	}
	return policy.RequirePositiveDuration("auto-block duration", c.AutoBlockDuration)
}

// Options tunes a Controller.
type Options struct {
	Clock func() time.Time
}

// Status is the block state of one identity.
type Status struct {
	Blocked     bool
	AllowListed bool
	Record      *storage.BlockRecord
	// Degraded is set when the store failed and the status defaulted to not blocked.
	Degraded bool
}

// AttemptResult reports the failure count after RecordFailedAttempt.
type AttemptResult struct {
	Failures int
	Blocked  bool
	Degraded bool
}

// Controller is the IP access controller.
type Controller struct {
	store Store
	cfg   Config
	log   zerolog.Logger
	clock func() time.Time
}

// New validates cfg and returns a Controller.
func New(store Store, cfg Config, log zerolog.Logger, opts Options) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Controller{
		store: store,
		cfg:   cfg,
		log:   log.With().Str("component", component).Logger(),
		clock: opts.Clock,
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	return c, nil
}

func failureKey(id string) string { return "fail:" + id }

// IsBlocked reports whether id has an active block. Store failures yield false.
func (c *Controller) IsBlocked(ctx context.Context, id string) bool {
	return c.Status(ctx, id).Blocked
}

// Status resolves the block state of id. An expired block is removed lazily.
// An identity found both blocked and allow-listed is resolved in favour of
// the allow-list and the stale block is deleted.
func (c *Controller) Status(ctx context.Context, id string) Status {
	id = identity.Canonical(id)
	rec, err := c.store.BlockGet(ctx, id)
	if err != nil {
		policy.StoreFailure(c.log, component, "block_get", err)
		return Status{Degraded: true}
	}
	if rec == nil {
		return Status{}
	}
	if rec.Expired(c.clock()) {
		if err := c.store.BlockDelete(ctx, id); err != nil {
			policy.StoreFailure(c.log, component, "block_delete", err)
		}
		return Status{}
	}

	allowed, err := c.isAllowListed(ctx, id)
	if err != nil {
		policy.StoreFailure(c.log, component, "allow_has", err)
		return Status{Degraded: true}
	}
	if allowed {
		c.log.Warn().Str("identity", id).Str("reason", rec.Reason).
			Msg("identity both blocked and allow-listed; allow-list wins, clearing block")
		if err := c.store.BlockDelete(ctx, id); err != nil {
			policy.StoreFailure(c.log, component, "block_delete", err)
		}
		return Status{AllowListed: true}
	}
	return Status{Blocked: true, Record: rec}
}

// Block creates or overwrites the block record for id. duration <= 0 makes
// the block permanent. Returns false without error when id is allow-listed.
func (c *Controller) Block(ctx context.Context, id, reason string, duration time.Duration, source string) (bool, error) {
	id = identity.Canonical(id)
	allowed, err := c.isAllowListed(ctx, id)
	if err != nil {
		policy.StoreFailure(c.log, component, "allow_has", err)
		return false, fmt.Errorf("block %s: %w", id, err)
	}
	if allowed {
		c.log.Info().Str("identity", id).Str("reason", reason).Str("source", source).
			Msg("block skipped: identity is allow-listed")
		return false, nil
	}
	return true, c.put(ctx, id, reason, duration, source, 0)
}

func (c *Controller) put(ctx context.Context, id, reason string, duration time.Duration, source string, attempts int) error {
	now := c.clock()
	rec := storage.BlockRecord{
		Identity:  id,
		Reason:    reason,
		Source:    source,
		BlockedAt: now,
		Attempts:  attempts,
	}
	if duration > 0 {
		rec.ExpiresAt = now.Add(duration)
	}
	if err := c.store.BlockPut(ctx, rec); err != nil {
		policy.StoreFailure(c.log, component, "block_put", err)
		return fmt.Errorf("block %s: %w", id, err)
	}
	metrics.Blocks.WithLabelValues(source).Inc()
	ev := c.log.Info().Str("identity", id).Str("reason", reason).Str("source", source)
	if rec.Permanent() {
		ev.Bool("permanent", true)
	} else {
		ev.Time("expires_at", rec.ExpiresAt)
	}
	ev.Msg("identity blocked")
	return nil
}

// Unblock removes any block for id. Unblocking an unblocked identity is a no-op.
func (c *Controller) Unblock(ctx context.Context, id string) error {
	id = identity.Canonical(id)
	if err := c.store.BlockDelete(ctx, id); err != nil {
		return fmt.Errorf("unblock %s: %w", id, err)
	}
	if err := c.store.Clear(ctx, failureKey(id)); err != nil {
		return fmt.Errorf("unblock %s: clear failures: %w", id, err)
	}
	c.log.Info().Str("identity", id).Msg("identity unblocked")
	return nil
}

// RecordFailedAttempt appends a failure for id. Reaching the threshold within
// the failure window blocks id for the auto-block duration and resets its
// failure series. Store failures are logged and otherwise ignored.
func (c *Controller) RecordFailedAttempt(ctx context.Context, id, reason string) AttemptResult {
	id = identity.Canonical(id)
	now := c.clock()
	n, err := c.store.RecordAndCount(ctx, failureKey(id), storage.Event{At: now, Tag: reason},
		c.cfg.FailureWindow, storage.WindowTTL(c.cfg.FailureWindow))
	if err != nil {
		policy.StoreFailure(c.log, component, "record_failure", err)
		return AttemptResult{Degraded: true}
	}
	res := AttemptResult{Failures: n}
	if n < c.cfg.FailureThreshold {
		return res
	}

	allowed, err := c.isAllowListed(ctx, id)
	if err != nil {
		policy.StoreFailure(c.log, component, "allow_has", err)
		res.Degraded = true
		return res
	}
	if allowed {
		c.log.Info().Str("identity", id).Int("failures", n).Msg("auto-block skipped: identity is allow-listed")
		return res
	}

	blockReason := fmt.Sprintf("%d failed attempts within %s (last: %s)", n, c.cfg.FailureWindow, reason)
	if err := c.put(ctx, id, blockReason, c.cfg.AutoBlockDuration, SourceAuto, n); err != nil {
		res.Degraded = true
		return res
	}
	res.Blocked = true
	if err := c.store.Clear(ctx, failureKey(id)); err != nil {
		policy.StoreFailure(c.log, component, "clear_failures", err)
	}
	return res
}

// Failures returns the failure count for id within the failure window.
func (c *Controller) Failures(ctx context.Context, id string) (int, error) {
	return c.store.Count(ctx, failureKey(identity.Canonical(id)), c.cfg.FailureWindow, c.clock())
}

// Allow adds id to the dynamic allow-list and clears any block or pending
// failures for it.
func (c *Controller) Allow(ctx context.Context, id, note string) error {
	id = identity.Canonical(id)
	if err := c.store.AllowAdd(ctx, storage.AllowEntry{Identity: id, Note: note, AddedAt: c.clock()}); err != nil {
		return fmt.Errorf("allow %s: %w", id, err)
	}
	if err := c.store.BlockDelete(ctx, id); err != nil {
		return fmt.Errorf("allow %s: clear block: %w", id, err)
	}
	if err := c.store.Clear(ctx, failureKey(id)); err != nil {
		return fmt.Errorf("allow %s: clear failures: %w", id, err)
	}
	c.log.Info().Str("identity", id).Str("note", note).Msg("identity allow-listed")
	return nil
}

// Disallow removes id from the dynamic allow-list. Static entries are unaffected.
func (c *Controller) Disallow(ctx context.Context, id string) error {
	id = identity.Canonical(id)
	if err := c.store.AllowRemove(ctx, id); err != nil {
		return fmt.Errorf("disallow %s: %w", id, err)
	}
	c.log.Info().Str("identity", id).Msg("identity removed from allow-list")
	return nil
}

// IsAllowListed reports static or dynamic allow-list membership.
func (c *Controller) IsAllowListed(ctx context.Context, id string) (bool, error) {
	return c.isAllowListed(ctx, identity.Canonical(id))
}

func (c *Controller) isAllowListed(ctx context.Context, id string) (bool, error) {
	if len(c.cfg.StaticAllow) > 0 && identity.InNetworks(id, c.cfg.StaticAllow) {
		return true, nil
	}
	return c.store.AllowHas(ctx, id)
}

// Blocks returns active block records ordered by BlockedAt.
func (c *Controller) Blocks(ctx context.Context) ([]storage.BlockRecord, error) {
	all, err := c.store.BlockList(ctx)
	if err != nil {
		return nil, err
	}
	now := c.clock()
	out := make([]storage.BlockRecord, 0, len(all))
	for _, rec := range all {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockedAt.Equal(out[j].BlockedAt) {
			return out[i].Identity < out[j].Identity
		}
		return out[i].BlockedAt.Before(out[j].BlockedAt)
	})
	return out, nil
}

// AllowList returns dynamic allow-list entries ordered by identity.
func (c *Controller) AllowList(ctx context.Context) ([]storage.AllowEntry, error) {
	all, err := c.store.AllowList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storage.AllowEntry, 0, len(all))
	for _, e := range all {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out, nil
}

// PruneExpired deletes lapsed temporary blocks. Permanent blocks are kept.
func (c *Controller) PruneExpired(ctx context.Context) (int, error) {
	return c.store.PruneExpiredBlocks(ctx, c.clock())
}

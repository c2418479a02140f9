// Package ddos detects per-identity request floods and dispatches a single
// mitigation per attack episode.
package ddos

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const component = "ddos"

// Action is the mitigation applied when an identity exceeds the threshold.
type Action string

const (
	ActionBlock     Action = "block"
	ActionThrottle  Action = "throttle"
	ActionChallenge Action = "challenge"
)

// ParseAction accepts block, throttle or challenge.
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case ActionBlock, ActionThrottle, ActionChallenge:
		return a, nil
	default:
		return "", &policy.ConfigError{Field: "ddos action", Value: s, Reason: "must be block, throttle or challenge"}
	}
}

// Config holds detection and mitigation parameters.
type Config struct {
	Window    time.Duration
	Threshold int
	Action    Action

	BlockDuration     time.Duration
	ThrottleFactor    float64
	ThrottleDuration  time.Duration
	ChallengeDuration time.Duration

	// EpisodeBucket is the coarse time bucket used to deduplicate mitigation.
	EpisodeBucket time.Duration
	// AttackRetention bounds how long attack records are kept.
	AttackRetention time.Duration
	// TrailHorizon is how long the per-identity activity trail is kept for
	// the abuse scorer. Zero disables the trail.
	TrailHorizon time.Duration
}

// DefaultConfig returns a 60s window with a threshold of 1000 requests.
func DefaultConfig() Config {
	return Config{
		Window:            time.Minute,
		Threshold:         1000,
		Action:            ActionBlock,
		BlockDuration:     time.Hour,
		ThrottleFactor:    0.1,
		ThrottleDuration:  15 * time.Minute,
		ChallengeDuration: 15 * time.Minute,
		EpisodeBucket:     5 * time.Minute,
		AttackRetention:   7 * 24 * time.Hour,
		TrailHorizon:      time.Hour,
	}
}

// Validate rejects non-positive windows, thresholds and durations.
func (c Config) Validate() error {
	checks := []error{
		policy.RequirePositiveDuration("ddos window", c.Window),
		policy.RequirePositive("ddos threshold", c.Threshold),
		policy.RequirePositiveDuration("ddos block duration", c.BlockDuration),
		policy.RequirePositiveDuration("ddos throttle duration", c.ThrottleDuration),
		policy.RequirePositiveDuration("ddos challenge duration", c.ChallengeDuration),
		policy.RequirePositiveDuration("ddos episode bucket", c.EpisodeBucket),
		policy.RequirePositiveDuration("ddos attack retention", c.AttackRetention),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if _, err := ParseAction(string(c.Action)); err != nil {
		return err
	}
	if c.ThrottleFactor <= 0 || c.ThrottleFactor > 1 {
		return &policy.ConfigError{Field: "ddos throttle factor", Value: c.ThrottleFactor, Reason: "must be in (0, 1]"}
	}
	if c.TrailHorizon < 0 {
		return &policy.ConfigError{Field: "ddos trail horizon", Value: c.TrailHorizon, Reason: "must not be negative"}
	}
	return nil
}

// Store is the subset of storage.Store the monitor needs.
type Store interface {
	storage.WindowStore
	storage.AttackStore
	storage.MarkerStore
}

// Blocker applies block mitigations. Implemented by access.Controller.
type Blocker interface {
	Block(ctx context.Context, id, reason string, duration time.Duration, source string) (bool, error)
}

// Throttler applies throttle mitigations. Implemented by ratelimit.Limiter.
type Throttler interface {
	Throttle(ctx context.Context, id string, factor float64, ttl time.Duration) error
}

// Options tunes a Monitor.
type Options struct {
	Clock func() time.Time
}

// Observation is the outcome of one Observe call.
type Observation struct {
	Count    int
	Exceeded bool
	// Attack is set only on the call that opened a new episode.
	Attack   *storage.AttackRecord
	Degraded bool
}

// Monitor is the volumetric DDoS detector.
type Monitor struct {
	store     Store
	cfg       Config
	blocker   Blocker
	throttler Throttler
	log       zerolog.Logger
	clock     func() time.Time
}

// New validates cfg and returns a Monitor. blocker and throttler may be nil
// when the configured action does not need them.
func New(store Store, cfg Config, blocker Blocker, throttler Throttler, log zerolog.Logger, opts Options) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Action == ActionBlock && blocker == nil {
		return nil, fmt.Errorf("ddos action %q requires a blocker", cfg.Action)
	}
	if cfg.Action == ActionThrottle && throttler == nil {
		return nil, fmt.Errorf("ddos action %q requires a throttler", cfg.Action)
	}
	m := &Monitor{
		store:     store,
		cfg:       cfg,
		blocker:   blocker,
		throttler: throttler,
		log:       log.With().Str("component", component).Logger(),
		clock:     opts.Clock,
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	return m, nil
}

func volumeKey(id string) string    { return "ddos:" + id }
func challengeKey(id string) string { return "challenge:" + id }

// TrailKey is the window series holding id's endpoint activity trail.
func TrailKey(id string) string { return "trail:" + id }

func episodeKey(id string, bucket time.Time) string {
	return "episode:" + id + ":" + strconv.FormatInt(bucket.Unix(), 10)
}

// Observe records one request from id to endpoint and mitigates when the
// volume over the window exceeds the threshold. Store failures skip detection.
func (m *Monitor) Observe(ctx context.Context, id, endpoint string) Observation {
	now := m.clock()

	if m.cfg.TrailHorizon > 0 {
		ev := storage.Event{At: now, Tag: endpoint}
		if err := m.store.Record(ctx, TrailKey(id), ev, storage.WindowTTL(m.cfg.TrailHorizon)); err != nil {
			policy.StoreFailure(m.log, component, "trail_record", err)
		}
	}

	count, err := m.store.RecordAndCount(ctx, volumeKey(id), storage.Event{At: now}, m.cfg.Window, storage.WindowTTL(m.cfg.Window))
	if err != nil {
		policy.StoreFailure(m.log, component, "record_and_count", err)
		return Observation{Degraded: true}
	}
	obs := Observation{Count: count, Exceeded: count > m.cfg.Threshold}
	if !obs.Exceeded {
		return obs
	}

	bucket := now.Truncate(m.cfg.EpisodeBucket)
	epKey := episodeKey(id, bucket)
	attackID := uuid.NewString()
	claimed, err := m.store.MarkerSetNX(ctx, epKey, attackID, m.cfg.EpisodeBucket)
	if err != nil {
		policy.StoreFailure(m.log, component, "episode_claim", err)
		obs.Degraded = true
		return obs
	}
	if !claimed {
		return obs
	}

	rec := storage.AttackRecord{
		ID:           attackID,
		EpisodeKey:   epKey,
		DetectedAt:   now,
		Identities:   []string{id},
		RequestCount: count,
		Window:       m.cfg.Window,
		Action:       string(m.cfg.Action),
		RetainUntil:  now.Add(m.cfg.AttackRetention),
	}
	if err := m.store.AttackPut(ctx, rec); err != nil {
		policy.StoreFailure(m.log, component, "attack_put", err)
		obs.Degraded = true
	}
	metrics.AttacksDetected.WithLabelValues(rec.Action).Inc()
	m.log.Warn().Str("identity", id).Int("count", count).Int("threshold", m.cfg.Threshold).
		Dur("window", m.cfg.Window).Str("action", rec.Action).Str("attack_id", attackID).
		Msg("traffic anomaly detected")

	applied, err := m.mitigate(ctx, id, count)
	if err != nil {
		m.log.Error().Err(err).Str("identity", id).Str("attack_id", attackID).Msg("mitigation failed")
		obs.Attack = &rec
		return obs
	}
	if !applied {
		m.log.Info().Str("identity", id).Str("attack_id", attackID).Msg("mitigation skipped for allow-listed identity")
		obs.Attack = &rec
		return obs
	}
	rec.Mitigated = true
	if !obs.Degraded {
		if err := m.store.AttackMarkMitigated(ctx, attackID); err != nil {
			policy.StoreFailure(m.log, component, "attack_mark_mitigated", err)
			obs.Degraded = true
		}
	}
	obs.Attack = &rec
	return obs
}

// mitigate applies the configured action. applied is false when the blocker
// refused, e.g. for an allow-listed identity.
func (m *Monitor) mitigate(ctx context.Context, id string, count int) (applied bool, err error) {
	switch m.cfg.Action {
	case ActionBlock:
		reason := fmt.Sprintf("ddos: %d requests in %s exceeds %d", count, m.cfg.Window, m.cfg.Threshold)
		return m.blocker.Block(ctx, id, reason, m.cfg.BlockDuration, "ddos")
	case ActionThrottle:
		err = m.throttler.Throttle(ctx, id, m.cfg.ThrottleFactor, m.cfg.ThrottleDuration)
		return err == nil, err
	case ActionChallenge:
		err = m.store.MarkerSet(ctx, challengeKey(id), strconv.FormatInt(m.clock().Unix(), 10), m.cfg.ChallengeDuration)
		return err == nil, err
	default:
		return false, fmt.Errorf("unknown ddos action %q", m.cfg.Action)
	}
}

// ChallengeRequired reports whether id was flagged for a higher-friction
// verification step. Store failures yield false.
func (m *Monitor) ChallengeRequired(ctx context.Context, id string) bool {
	_, ok, err := m.store.MarkerGet(ctx, challengeKey(id))
	if err != nil {
		policy.StoreFailure(m.log, component, "challenge_get", err)
		return false
	}
	return ok
}

// ClearChallenge removes the challenge flag once a higher layer verified id.
func (m *Monitor) ClearChallenge(ctx context.Context, id string) error {
	return m.store.MarkerDelete(ctx, challengeKey(id))
}

// Trail returns id's activity trail over window, oldest first.
func (m *Monitor) Trail(ctx context.Context, id string, window time.Duration) ([]storage.Event, error) {
	return m.store.Events(ctx, TrailKey(id), window, m.clock())
}

// Volume returns id's request count over the detection window without recording.
func (m *Monitor) Volume(ctx context.Context, id string) (int, error) {
	return m.store.Count(ctx, volumeKey(id), m.cfg.Window, m.clock())
}

// Attacks returns retained attack records ordered by detection time.
func (m *Monitor) Attacks(ctx context.Context) ([]storage.AttackRecord, error) {
	return m.store.AttackList(ctx)
}

// Attack returns one attack record, nil when unknown or past retention.
func (m *Monitor) Attack(ctx context.Context, id string) (*storage.AttackRecord, error) {
	return m.store.AttackGet(ctx, id)
}

// PruneExpired drops attack records past their retention.
func (m *Monitor) PruneExpired(ctx context.Context) (int, error) {
	return m.store.PruneExpiredAttacks(ctx, m.clock())
}

// Reset clears the volume counter and trail for id.
func (m *Monitor) Reset(ctx context.Context, id string) error {
	if err := m.store.Clear(ctx, volumeKey(id)); err != nil {
		return err
	}
	return m.store.Clear(ctx, TrailKey(id))
}

// Package quota gates API principals on daily and monthly usage against the
// limits of their assigned plan.
package quota

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/developingchet/trafficguard/internal/metrics"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
)

const component = "quota"

// usageGrace keeps a closed bucket readable for a while after its boundary.
const usageGrace = 24 * time.Hour

// Reason explains why quota is not available.
type Reason string

const (
	ReasonNone            Reason = ""
	ReasonNoRecord        Reason = "no-record"
	ReasonExpired         Reason = "expired"
	ReasonDailyExceeded   Reason = "daily-exceeded"
	ReasonMonthlyExceeded Reason = "monthly-exceeded"
)

// Store is the subset of storage.Store the manager needs.
type Store interface {
	storage.QuotaStore
	storage.WindowStore
}

// Config holds the plan catalogue and the store failure mode.
type Config struct {
	Plans    []Plan
	FailMode policy.FailMode
}

// Options tunes a Manager.
type Options struct {
	Clock func() time.Time
}

// Status is the result of HasAvailableQuota.
type Status struct {
	Available      bool
	Reason         Reason
	Plan           string
	DailyLimit     int64
	MonthlyLimit   int64
	DailyUsage     int64
	MonthlyUsage   int64
	DailyResetAt   time.Time
	MonthlyResetAt time.Time
	// Degraded is set when the store failed and Available came from the FailMode.
	Degraded bool
}

// Assignment is the input to Assign. Zero limits are taken from the plan.
type Assignment struct {
	Principal    string
	Plan         string
	DailyLimit   int64
	MonthlyLimit int64
	ExpiresAt    time.Time
}

// Manager is the quota manager.
type Manager struct {
	store    Store
	plans    map[string]Plan
	failMode policy.FailMode
	log      zerolog.Logger
	clock    func() time.Time
}

// New validates the plan catalogue and returns a Manager.
func New(store Store, cfg Config, log zerolog.Logger, opts Options) (*Manager, error) {
	m := &Manager{
		store:    store,
		plans:    make(map[string]Plan, len(cfg.Plans)),
		failMode: cfg.FailMode,
		log:      log.With().Str("component", component).Logger(),
		clock:    opts.Clock,
	}
	if m.failMode == "" {
		m.failMode = policy.FailOpen
	}
	if m.clock == nil {
		m.clock = time.Now
	}
	for _, p := range cfg.Plans {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		m.plans[p.Name] = p
	}
	return m, nil
}

// Plans returns the catalogue ordered by name.
func (m *Manager) Plans() []Plan {
	out := make([]Plan, 0, len(m.plans))
	for _, p := range m.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// bucket boundaries are UTC calendar points.
func dayStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func dailyKey(principal string, now time.Time) string {
	return "quota:d:" + principal + ":" + now.UTC().Format("20060102")
}

func monthlyKey(principal string, now time.Time) string {
	return "quota:m:" + principal + ":" + now.UTC().Format("200601")
}

// Assign creates or replaces the quota record for a principal.
func (m *Manager) Assign(ctx context.Context, a Assignment) (storage.QuotaRecord, error) {
	if a.Principal == "" {
		return storage.QuotaRecord{}, &policy.ConfigError{Field: "principal", Value: `""`, Reason: "must not be empty"}
	}
	p := Plan{Name: a.Plan, DailyLimit: a.DailyLimit, MonthlyLimit: a.MonthlyLimit}
	if known, ok := m.plans[a.Plan]; ok {
		if p.DailyLimit == 0 {
			p.DailyLimit = known.DailyLimit
		}
		if p.MonthlyLimit == 0 {
			p.MonthlyLimit = known.MonthlyLimit
		}
	} else if p.DailyLimit == 0 && p.MonthlyLimit == 0 {
		return storage.QuotaRecord{}, &policy.ConfigError{Field: "plan", Value: a.Plan, Reason: "not configured and no explicit limits given"}
	}
	if err := p.Validate(); err != nil {
		return storage.QuotaRecord{}, err
	}

	now := m.clock()
	rec := storage.QuotaRecord{
		Principal:    a.Principal,
		Plan:         p.Name,
		DailyLimit:   p.DailyLimit,
		MonthlyLimit: p.MonthlyLimit,
		AssignedAt:   now,
		LastReset:    dayStart(now),
		ExpiresAt:    a.ExpiresAt,
	}
	if err := m.store.QuotaPut(ctx, rec); err != nil {
		return storage.QuotaRecord{}, fmt.Errorf("assign quota to %s: %w", a.Principal, err)
	}
	m.log.Info().Str("principal", a.Principal).Str("plan", rec.Plan).Int64("daily_limit", rec.DailyLimit).
		Int64("monthly_limit", rec.MonthlyLimit).Msg("quota assigned")
	return rec, nil
}

// Remove revokes a principal's quota record and its current usage counters.
func (m *Manager) Remove(ctx context.Context, principal string) error {
	if err := m.store.QuotaDelete(ctx, principal); err != nil {
		return fmt.Errorf("remove quota of %s: %w", principal, err)
	}
	if err := m.ResetUsage(ctx, principal); err != nil {
		return err
	}
	m.log.Info().Str("principal", principal).Msg("quota removed")
	return nil
}

// Get returns the quota record for principal, nil when none exists.
func (m *Manager) Get(ctx context.Context, principal string) (*storage.QuotaRecord, error) {
	return m.store.QuotaGet(ctx, principal)
}

// List returns every quota record ordered by principal.
func (m *Manager) List(ctx context.Context) ([]storage.QuotaRecord, error) {
	all, err := m.store.QuotaList(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]storage.QuotaRecord, 0, len(all))
	for _, rec := range all {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Principal < out[j].Principal })
	return out, nil
}

// HasAvailableQuota reports whether principal may make another request.
// Missing or expired records fail closed; store failures follow the FailMode.
func (m *Manager) HasAvailableQuota(ctx context.Context, principal string) Status {
	now := m.clock()
	st := Status{
		DailyResetAt:   dayStart(now).AddDate(0, 0, 1),
		MonthlyResetAt: monthStart(now).AddDate(0, 1, 0),
	}

	rec, err := m.store.QuotaGet(ctx, principal)
	if err != nil {
		return m.degraded(st, "quota_get", err)
	}
	if rec == nil {
		return m.deny(st, principal, ReasonNoRecord)
	}
	st.Plan = rec.Plan
	st.DailyLimit = rec.DailyLimit
	st.MonthlyLimit = rec.MonthlyLimit
	if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
		return m.deny(st, principal, ReasonExpired)
	}

	daily, monthly, err := m.usage(ctx, principal, now)
	if err != nil {
		return m.degraded(st, "usage_count", err)
	}
	st.DailyUsage = daily
	st.MonthlyUsage = monthly

	switch {
	case daily >= rec.DailyLimit:
		return m.deny(st, principal, ReasonDailyExceeded)
	case monthly >= rec.MonthlyLimit:
		return m.deny(st, principal, ReasonMonthlyExceeded)
	}
	st.Available = true
	return st
}

// Consume is the gate the request path uses: it checks principal's quota
// and charges one request in a single atomic store step, so concurrent
// callers can never push usage past a limit. A denied request is not
// charged. On store failure the FailMode decides and nothing is charged.
func (m *Manager) Consume(ctx context.Context, principal string) Status {
	now := m.clock()
	st := Status{
		DailyResetAt:   dayStart(now).AddDate(0, 0, 1),
		MonthlyResetAt: monthStart(now).AddDate(0, 1, 0),
	}

	rec, err := m.store.QuotaGet(ctx, principal)
	if err != nil {
		return m.degraded(st, "quota_get", err)
	}
	if rec == nil {
		return m.deny(st, principal, ReasonNoRecord)
	}
	st.Plan = rec.Plan
	st.DailyLimit = rec.DailyLimit
	st.MonthlyLimit = rec.MonthlyLimit
	if !rec.ExpiresAt.IsZero() && !now.Before(rec.ExpiresAt) {
		return m.deny(st, principal, ReasonExpired)
	}

	counts, charged, err := m.store.RecordIfUnder(ctx, storage.Event{At: now},
		storage.Bound{
			Key:    dailyKey(principal, now),
			Window: now.Sub(dayStart(now)) + time.Nanosecond,
			Limit:  int(rec.DailyLimit),
			TTL:    st.DailyResetAt.Sub(now) + usageGrace,
		},
		storage.Bound{
			Key:    monthlyKey(principal, now),
			Window: now.Sub(monthStart(now)) + time.Nanosecond,
			Limit:  int(rec.MonthlyLimit),
			TTL:    st.MonthlyResetAt.Sub(now) + usageGrace,
		},
	)
	if err != nil {
		return m.degraded(st, "consume", err)
	}
	st.DailyUsage = int64(counts[0])
	st.MonthlyUsage = int64(counts[1])
	if !charged {
		if st.DailyUsage >= rec.DailyLimit {
			return m.deny(st, principal, ReasonDailyExceeded)
		}
		return m.deny(st, principal, ReasonMonthlyExceeded)
	}
	st.DailyUsage++
	st.MonthlyUsage++
	st.Available = true
	return st
}

func (m *Manager) deny(st Status, principal string, reason Reason) Status {
	st.Available = false
	st.Reason = reason
	metrics.QuotaDenied.WithLabelValues(string(reason)).Inc()
	m.log.Debug().Str("principal", principal).Str("reason", string(reason)).Msg("quota not available")
	return st
}

func (m *Manager) degraded(st Status, op string, err error) Status {
	policy.StoreFailure(m.log, component, op, err)
	st.Degraded = true
	st.Available = m.failMode.Allows()
	return st
}

// RecordUsage charges one request to principal's current day and month
// without checking the limits. Use Consume on the request path.
func (m *Manager) RecordUsage(ctx context.Context, principal string) error {
	now := m.clock()
	ev := storage.Event{At: now}
	dayEnd := dayStart(now).AddDate(0, 0, 1)
	monthEnd := monthStart(now).AddDate(0, 1, 0)

	if err := m.store.Record(ctx, dailyKey(principal, now), ev, dayEnd.Sub(now)+usageGrace); err != nil {
		policy.StoreFailure(m.log, component, "record_daily", err)
		return fmt.Errorf("record daily usage of %s: %w", principal, err)
	}
	if err := m.store.Record(ctx, monthlyKey(principal, now), ev, monthEnd.Sub(now)+usageGrace); err != nil {
		policy.StoreFailure(m.log, component, "record_monthly", err)
		return fmt.Errorf("record monthly usage of %s: %w", principal, err)
	}
	return nil
}

// Usage returns principal's usage in the current day and month.
func (m *Manager) Usage(ctx context.Context, principal string) (daily, monthly int64, err error) {
	return m.usage(ctx, principal, m.clock())
}

func (m *Manager) usage(ctx context.Context, principal string, now time.Time) (int64, int64, error) {
	// Keys are bucket-scoped, so a window reaching back to the bucket start
	// counts every event in it.
	d, err := m.store.Count(ctx, dailyKey(principal, now), now.Sub(dayStart(now))+time.Nanosecond, now)
	if err != nil {
		return 0, 0, err
	}
	mo, err := m.store.Count(ctx, monthlyKey(principal, now), now.Sub(monthStart(now))+time.Nanosecond, now)
	if err != nil {
		return 0, 0, err
	}
	return int64(d), int64(mo), nil
}

// ResetUsage clears principal's current day and month counters.
func (m *Manager) ResetUsage(ctx context.Context, principal string) error {
	now := m.clock()
	if err := m.store.Clear(ctx, dailyKey(principal, now)); err != nil {
		return fmt.Errorf("reset daily usage of %s: %w", principal, err)
	}
	if err := m.store.Clear(ctx, monthlyKey(principal, now)); err != nil {
		return fmt.Errorf("reset monthly usage of %s: %w", principal, err)
	}
	return nil
}

// PruneExpired removes quota records whose plan has expired.
func (m *Manager) PruneExpired(ctx context.Context) (int, error) {
	all, err := m.store.QuotaList(ctx)
	if err != nil {
		return 0, err
	}
	now := m.clock()
	pruned := 0
	for principal, rec := range all {
		if rec.ExpiresAt.IsZero() || now.Before(rec.ExpiresAt) {
			continue
		}
		if err := m.store.QuotaDelete(ctx, principal); err != nil {
			return pruned, err
		}
		pruned++
	}
	return pruned, nil
}

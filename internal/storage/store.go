package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by mutating operations that target a missing record.
var ErrNotFound = errors.New("record not found")

// Event is one timestamped entry in a sliding-window series.
type Event struct {
	At  time.Time `msgpack:"at"`
	Tag string    `msgpack:"tag,omitempty"` // optional label, e.g. the endpoint of an activity trail
}

// BlockRecord holds metadata about a blocked identity.
type BlockRecord struct {
	Identity  string    `msgpack:"identity"`
	Reason    string    `msgpack:"reason"`
	Source    string    `msgpack:"source"` // "admin", "auto", "ddos", "abuse" or "crowdsec"
	BlockedAt time.Time `msgpack:"blocked_at"`
	ExpiresAt time.Time `msgpack:"expires_at"` // zero = permanent
	Attempts  int       `msgpack:"attempts"`
}

// Permanent reports whether the block never expires on its own.
func (b BlockRecord) Permanent() bool {
	return b.ExpiresAt.IsZero()
}

// Expired reports whether a temporary block has lapsed at now.
func (b BlockRecord) Expired(now time.Time) bool {
	return !b.ExpiresAt.IsZero() && !now.Before(b.ExpiresAt)
}

// AllowEntry is one member of the dynamic allow-list.
type AllowEntry struct {
	Identity string    `msgpack:"identity"`
	Note     string    `msgpack:"note"`
	AddedAt  time.Time `msgpack:"added_at"`
}

// QuotaRecord holds plan limits and metadata for a principal. Usage is never
// stored here; it is derived from bucketed window series.
type QuotaRecord struct {
	Principal    string    `msgpack:"principal"`
	Plan         string    `msgpack:"plan"`
	DailyLimit   int64     `msgpack:"daily_limit"`
	MonthlyLimit int64     `msgpack:"monthly_limit"`
	AssignedAt   time.Time `msgpack:"assigned_at"`
	LastReset    time.Time `msgpack:"last_reset"`
	ExpiresAt    time.Time `msgpack:"expires_at"` // zero = no expiry
}

// AttackRecord describes one detected anomaly episode.
type AttackRecord struct {
	ID           string        `msgpack:"id"`
	EpisodeKey   string        `msgpack:"episode_key"`
	DetectedAt   time.Time     `msgpack:"detected_at"`
	Identities   []string      `msgpack:"identities"`
	RequestCount int           `msgpack:"request_count"`
	Window       time.Duration `msgpack:"window"`
	Action       string        `msgpack:"action"`
	Mitigated    bool          `msgpack:"mitigated"`
	RetainUntil  time.Time     `msgpack:"retain_until"`
}

// WindowStore tracks per-key event timestamps over rolling windows.
// Implementations must make RecordAndCount atomic per key.
type WindowStore interface {
	// Record appends ev to key and refreshes the key's TTL.
	Record(ctx context.Context, key string, ev Event, ttl time.Duration) error
	// RecordAndCount appends ev, drops entries older than ev.At-window and
	// returns the remaining cardinality (ev included) in one atomic step.
	RecordAndCount(ctx context.Context, key string, ev Event, window, ttl time.Duration) (int, error)
	// Count prunes entries older than now-window and returns the remainder.
	Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// Events prunes like Count and returns the remaining events oldest first.
	Events(ctx context.Context, key string, window time.Duration, now time.Time) ([]Event, error)
	// Prune drops entries older than now-window and returns how many were removed.
	Prune(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	// Clear removes the whole series.
	Clear(ctx context.Context, key string) error
	// RecordIfUnder prunes each bound's series to its window and appends ev
	// to all of them only if every series holds fewer than Limit events. The
	// check and the append are one atomic step across all bounds. counts are
	// the pruned cardinalities before the append.
	RecordIfUnder(ctx context.Context, ev Event, bounds ...Bound) (counts []int, recorded bool, err error)
}

// Bound is one capped series for RecordIfUnder.
type Bound struct {
	Key    string
	Window time.Duration
	Limit  int
	TTL    time.Duration
}

// BlockStore persists block records keyed by identity.
type BlockStore interface {
	BlockGet(ctx context.Context, identity string) (*BlockRecord, error)
	BlockPut(ctx context.Context, rec BlockRecord) error
	BlockDelete(ctx context.Context, identity string) error
	BlockList(ctx context.Context) (map[string]BlockRecord, error)
	PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error)
}

// AllowStore persists the dynamic allow-list set.
type AllowStore interface {
	AllowAdd(ctx context.Context, entry AllowEntry) error
	AllowRemove(ctx context.Context, identity string) error
	AllowHas(ctx context.Context, identity string) (bool, error)
	AllowList(ctx context.Context) (map[string]AllowEntry, error)
}

// QuotaStore persists quota records keyed by principal.
type QuotaStore interface {
	QuotaGet(ctx context.Context, principal string) (*QuotaRecord, error)
	QuotaPut(ctx context.Context, rec QuotaRecord) error
	QuotaDelete(ctx context.Context, principal string) error
	QuotaList(ctx context.Context) (map[string]QuotaRecord, error)
}

// AttackStore persists attack records until their RetainUntil time.
type AttackStore interface {
	AttackPut(ctx context.Context, rec AttackRecord) error
	AttackGet(ctx context.Context, id string) (*AttackRecord, error)
	AttackMarkMitigated(ctx context.Context, id string) error
	// AttackList returns retained records ordered by DetectedAt.
	AttackList(ctx context.Context) ([]AttackRecord, error)
	PruneExpiredAttacks(ctx context.Context, now time.Time) (int, error)
}

// MarkerStore holds small self-expiring string values: episode dedup keys,
// challenge flags and throttle overrides.
type MarkerStore interface {
	// MarkerSetNX stores value only if key is absent. Returns true when stored.
	MarkerSetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	MarkerSet(ctx context.Context, key, value string, ttl time.Duration) error
	MarkerGet(ctx context.Context, key string) (string, bool, error)
	MarkerDelete(ctx context.Context, key string) error
}

// Store is the persistence interface for the traffic-control core.
type Store interface {
	WindowStore
	BlockStore
	AllowStore
	QuotaStore
	AttackStore
	MarkerStore

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	// PruneExpired evicts window series and markers whose TTL has passed.
	PruneExpired(ctx context.Context, now time.Time) (int, error)
	SizeBytes() (int64, error)
	Close() error
}

// WindowTTL returns the self-expiry applied to a series tracked over window:
// slightly longer than the window so abandoned keys age out.
func WindowTTL(window time.Duration) time.Duration {
	return window + window/10 + time.Second
}

package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const memoryShards = 64

type memorySeries struct {
	events    []Event
	expiresAt time.Time
}

type memoryShard struct {
	mu     sync.Mutex
	series map[string]*memorySeries
}

type memoryMarker struct {
	value     string
	expiresAt time.Time // zero = no expiry
}

// memoryStore keeps all state in process. Window series are spread over
// independently locked shards so unrelated identities never contend.
type memoryStore struct {
	shards [memoryShards]*memoryShard
	clock  func() time.Time

	mu      sync.RWMutex // guards everything below
	blocks  map[string]BlockRecord
	allow   map[string]AllowEntry
	quotas  map[string]QuotaRecord
	attacks map[string]AttackRecord
	markers map[string]memoryMarker
}

// NewMemoryStore returns an in-process Store for single-instance deployments and tests.
func NewMemoryStore() Store {
	return newMemoryStore(time.Now)
}

func newMemoryStore(clock func() time.Time) *memoryStore {
	s := &memoryStore{
		clock:   clock,
		blocks:  make(map[string]BlockRecord),
		allow:   make(map[string]AllowEntry),
		quotas:  make(map[string]QuotaRecord),
		attacks: make(map[string]AttackRecord),
		markers: make(map[string]memoryMarker),
	}
	for i := range s.shards {
		s.shards[i] = &memoryShard{series: make(map[string]*memorySeries)}
	}
	return s
}

func (s *memoryStore) shard(key string) *memoryShard {
	return s.shards[s.shardIndex(key)]
}

func (s *memoryStore) shardIndex(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % memoryShards)
}

// live returns the series for key, dropping it first if its TTL has passed.
// Caller holds the shard lock.
func (sh *memoryShard) live(key string, now time.Time) *memorySeries {
	ser, ok := sh.series[key]
	if !ok {
		return nil
	}
	if !ser.expiresAt.IsZero() && now.After(ser.expiresAt) {
		delete(sh.series, key)
		return nil
	}
	return ser
}

// ---- Window operations -----------------------------------------------------

func (s *memoryStore) Record(_ context.Context, key string, ev Event, ttl time.Duration) error {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s.appendLocked(sh, key, ev, ttl)
	return nil
}

func (s *memoryStore) appendLocked(sh *memoryShard, key string, ev Event, ttl time.Duration) *memorySeries {
	now := s.clock()
	ser := sh.live(key, now)
	if ser == nil {
		ser = &memorySeries{}
		sh.series[key] = ser
	}
	ser.events = insertEvent(ser.events, ev)
	if ttl > 0 {
		ser.expiresAt = now.Add(ttl)
	}
	return ser
}

func (s *memoryStore) RecordAndCount(_ context.Context, key string, ev Event, window, ttl time.Duration) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ser := s.appendLocked(sh, key, ev, ttl)
	ser.events, _ = pruneEvents(ser.events, ev.At.Add(-window))
	return len(ser.events), nil
}

func (s *memoryStore) RecordIfUnder(_ context.Context, ev Event, bounds ...Bound) ([]int, bool, error) {
	// Lock every involved shard in index order so concurrent multi-key calls
	// cannot deadlock.
	idx := make([]int, 0, len(bounds))
	seen := make(map[int]bool, len(bounds))
	for _, bd := range bounds {
		i := s.shardIndex(bd.Key)
		if !seen[i] {
			seen[i] = true
			idx = append(idx, i)
		}
	}
	sort.Ints(idx)
	for _, i := range idx {
		s.shards[i].mu.Lock()
	}
	defer func() {
		for _, i := range idx {
			s.shards[i].mu.Unlock()
		}
	}()

	now := s.clock()
	counts := make([]int, len(bounds))
	under := true
	for i, bd := range bounds {
		sh := s.shard(bd.Key)
		if ser := sh.live(bd.Key, now); ser != nil {
			ser.events, _ = pruneEvents(ser.events, ev.At.Add(-bd.Window))
			counts[i] = len(ser.events)
		}
		if counts[i] >= bd.Limit {
			under = false
		}
	}
	if !under {
		return counts, false, nil
	}
	for _, bd := range bounds {
		s.appendLocked(s.shard(bd.Key), bd.Key, ev, bd.TTL)
	}
	return counts, true, nil
}

func (s *memoryStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	events, err := s.Events(ctx, key, window, now)
	return len(events), err
}

func (s *memoryStore) Events(_ context.Context, key string, window time.Duration, now time.Time) ([]Event, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ser := sh.live(key, s.clock())
	if ser == nil {
		return nil, nil
	}
	ser.events, _ = pruneEvents(ser.events, now.Add(-window))
	out := make([]Event, len(ser.events))
	copy(out, ser.events)
	return out, nil
}

func (s *memoryStore) Prune(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	sh := s.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	ser := sh.live(key, s.clock())
	if ser == nil {
		return 0, nil
	}
	var removed int
	ser.events, removed = pruneEvents(ser.events, now.Add(-window))
	if len(ser.events) == 0 {
		delete(sh.series, key)
	}
	return removed, nil
}

func (s *memoryStore) Clear(_ context.Context, key string) error {
	sh := s.shard(key)
	sh.mu.Lock()
	delete(sh.series, key)
	sh.mu.Unlock()
	return nil
}

// ---- Blocks ----------------------------------------------------------------

func (s *memoryStore) BlockGet(_ context.Context, identity string) (*BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.blocks[identity]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryStore) BlockPut(_ context.Context, rec BlockRecord) error {
	s.mu.Lock()
	s.blocks[rec.Identity] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) BlockDelete(_ context.Context, identity string) error {
	s.mu.Lock()
	delete(s.blocks, identity)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) BlockList(_ context.Context) (map[string]BlockRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]BlockRecord, len(s.blocks))
	for k, v := range s.blocks {
		out[k] = v
	}
	return out, nil
}

func (s *memoryStore) PruneExpiredBlocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, rec := range s.blocks {
		if rec.Expired(now) {
			delete(s.blocks, id)
			pruned++
		}
	}
	return pruned, nil
}

// ---- Allow-list ------------------------------------------------------------

func (s *memoryStore) AllowAdd(_ context.Context, entry AllowEntry) error {
	s.mu.Lock()
	s.allow[entry.Identity] = entry
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AllowRemove(_ context.Context, identity string) error {
	s.mu.Lock()
	delete(s.allow, identity)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AllowHas(_ context.Context, identity string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.allow[identity]
	return ok, nil
}

func (s *memoryStore) AllowList(_ context.Context) (map[string]AllowEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]AllowEntry, len(s.allow))
	for k, v := range s.allow {
		out[k] = v
	}
	return out, nil
}

// ---- Quotas ----------------------------------------------------------------

func (s *memoryStore) QuotaGet(_ context.Context, principal string) (*QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.quotas[principal]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryStore) QuotaPut(_ context.Context, rec QuotaRecord) error {
	s.mu.Lock()
	s.quotas[rec.Principal] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) QuotaDelete(_ context.Context, principal string) error {
	s.mu.Lock()
	delete(s.quotas, principal)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) QuotaList(_ context.Context) (map[string]QuotaRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]QuotaRecord, len(s.quotas))
	for k, v := range s.quotas {
		out[k] = v
	}
	return out, nil
}

// ---- Attacks ---------------------------------------------------------------

func (s *memoryStore) AttackPut(_ context.Context, rec AttackRecord) error {
	s.mu.Lock()
	s.attacks[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) AttackGet(_ context.Context, id string) (*AttackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.attacks[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *memoryStore) AttackMarkMitigated(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.attacks[id]
	if !ok {
		return ErrNotFound
	}
	rec.Mitigated = true
	s.attacks[id] = rec
	return nil
}

func (s *memoryStore) AttackList(_ context.Context) ([]AttackRecord, error) {
	s.mu.RLock()
	out := make([]AttackRecord, 0, len(s.attacks))
	for _, rec := range s.attacks {
		out = append(out, rec)
	}
	s.mu.RUnlock()
	sortAttacks(out)
	return out, nil
}

func (s *memoryStore) PruneExpiredAttacks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pruned := 0
	for id, rec := range s.attacks {
		if !rec.RetainUntil.IsZero() && !now.Before(rec.RetainUntil) {
			delete(s.attacks, id)
			pruned++
		}
	}
	return pruned, nil
}

// ---- Markers ---------------------------------------------------------------

func (s *memoryStore) MarkerSetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if m, ok := s.markers[key]; ok && (m.expiresAt.IsZero() || now.Before(m.expiresAt)) {
		return false, nil
	}
	s.markers[key] = newMemoryMarker(value, ttl, now)
	return true, nil
}

func (s *memoryStore) MarkerSet(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	s.markers[key] = newMemoryMarker(value, ttl, s.clock())
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) MarkerGet(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.markers[key]
	if !ok || (!m.expiresAt.IsZero() && !s.clock().Before(m.expiresAt)) {
		return "", false, nil
	}
	return m.value, true, nil
}

func (s *memoryStore) MarkerDelete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.markers, key)
	s.mu.Unlock()
	return nil
}

func newMemoryMarker(value string, ttl time.Duration, now time.Time) memoryMarker {
	m := memoryMarker{value: value}
	if ttl > 0 {
		m.expiresAt = now.Add(ttl)
	}
	return m
}

// ---- Utility ---------------------------------------------------------------

func (s *memoryStore) Ping(context.Context) error { return nil }

// PruneExpired drops series and markers whose TTL has passed. It takes one
// shard lock at a time so request-path callers are never held for long.
func (s *memoryStore) PruneExpired(_ context.Context, _ time.Time) (int, error) {
	now := s.clock()
	pruned := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for key, ser := range sh.series {
			if len(ser.events) == 0 || (!ser.expiresAt.IsZero() && now.After(ser.expiresAt)) {
				delete(sh.series, key)
				pruned++
			}
		}
		sh.mu.Unlock()
	}

	s.mu.Lock()
	for key, m := range s.markers {
		if !m.expiresAt.IsZero() && !now.Before(m.expiresAt) {
			delete(s.markers, key)
			pruned++
		}
	}
	s.mu.Unlock()
	return pruned, nil
}

func (s *memoryStore) SizeBytes() (int64, error) { return 0, nil }

func (s *memoryStore) Close() error { return nil }

func sortAttacks(recs []AttackRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].DetectedAt.Equal(recs[j].DetectedAt) {
			return recs[i].ID < recs[j].ID
		}
		return recs[i].DetectedAt.Before(recs[j].DetectedAt)
	})
}

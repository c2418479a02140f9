package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	bolt "go.etcd.io/bbolt"
)

const (
	bucketWindows = "windows"
	bucketBlocks  = "blocks"
	bucketAllow   = "allow"
	bucketQuotas  = "quotas"
	bucketAttacks = "attacks"
	bucketMarkers = "markers"
)

// windowValue is the on-disk form of one series.
type windowValue struct {
	Events    []Event `msgpack:"events"`
	ExpiresAt int64   `msgpack:"expires_at"` // Unix nanoseconds, 0 = never
}

type markerValue struct {
	Value     string `msgpack:"value"`
	ExpiresAt int64  `msgpack:"expires_at"`
}

type bboltStore struct {
	db    *bolt.DB
	clock func() time.Time
}

// NewBboltStore opens (or creates) a bbolt database at dataDir/trafficguard.db.
// bbolt serialises write transactions, which gives every read-modify-write
// below per-key atomicity without extra locking.
func NewBboltStore(dataDir string) (Store, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dataDir, "trafficguard.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bbolt at %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketWindows, bucketBlocks, bucketAllow, bucketQuotas, bucketAttacks, bucketMarkers} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &bboltStore{db: db, clock: time.Now}, nil
}

// ---- Window operations -----------------------------------------------------

func (s *bboltStore) loadWindow(b *bolt.Bucket, key []byte) (*windowValue, error) {
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	var w windowValue
	if err := msgpack.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("unmarshal window %s: %w", key, err)
	}
	if w.ExpiresAt != 0 && s.clock().UnixNano() > w.ExpiresAt {
		return nil, nil
	}
	return &w, nil
}

func putMsgpack(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.Put(key, data)
}

func (s *bboltStore) Record(_ context.Context, key string, ev Event, ttl time.Duration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		_, err := s.appendWindow(tx.Bucket([]byte(bucketWindows)), []byte(key), ev, 0, ttl)
		return err
	})
}

func (s *bboltStore) RecordAndCount(_ context.Context, key string, ev Event, window, ttl time.Duration) (int, error) {
	var count int
	err := s.db.Update(func(tx *bolt.Tx) error {
		n, err := s.appendWindow(tx.Bucket([]byte(bucketWindows)), []byte(key), ev, window, ttl)
		count = n
		return err
	})
	return count, err
}

// appendWindow inserts ev, prunes to window when window > 0 and persists.
func (s *bboltStore) appendWindow(b *bolt.Bucket, key []byte, ev Event, window, ttl time.Duration) (int, error) {
	w, err := s.loadWindow(b, key)
	if err != nil {
		return 0, err
	}
	if w == nil {
		w = &windowValue{}
	}
	w.Events = insertEvent(w.Events, ev)
	if window > 0 {
		w.Events, _ = pruneEvents(w.Events, ev.At.Add(-window))
	}
	if ttl > 0 {
		w.ExpiresAt = s.clock().Add(ttl).UnixNano()
	}
	return len(w.Events), putMsgpack(b, key, w)
}

func (s *bboltStore) RecordIfUnder(_ context.Context, ev Event, bounds ...Bound) ([]int, bool, error) {
	counts := make([]int, len(bounds))
	var recorded bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWindows))
		series := make([]*windowValue, len(bounds))
		under := true
		for i, bd := range bounds {
			w, err := s.loadWindow(b, []byte(bd.Key))
			if err != nil {
				return err
			}
			if w == nil {
				w = &windowValue{}
			}
			w.Events, _ = pruneEvents(w.Events, ev.At.Add(-bd.Window))
			series[i] = w
			counts[i] = len(w.Events)
			if counts[i] >= bd.Limit {
				under = false
			}
		}
		if !under {
			return nil
		}
		for i, bd := range bounds {
			w := series[i]
			w.Events = insertEvent(w.Events, ev)
			if bd.TTL > 0 {
				w.ExpiresAt = s.clock().Add(bd.TTL).UnixNano()
			}
			if err := putMsgpack(b, []byte(bd.Key), w); err != nil {
				return err
			}
		}
		recorded = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return counts, recorded, nil
}

func (s *bboltStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	events, err := s.Events(ctx, key, window, now)
	return len(events), err
}

func (s *bboltStore) Events(_ context.Context, key string, window time.Duration, now time.Time) ([]Event, error) {
	var events []Event
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWindows))
		w, err := s.loadWindow(b, []byte(key))
		if err != nil || w == nil {
			return err
		}
		var removed int
		w.Events, removed = pruneEvents(w.Events, now.Add(-window))
		events = w.Events
		if removed == 0 {
			return nil
		}
		return putMsgpack(b, []byte(key), w)
	})
	return events, err
}

func (s *bboltStore) Prune(_ context.Context, key string, window time.Duration, now time.Time) (int, error) {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketWindows))
		w, err := s.loadWindow(b, []byte(key))
		if err != nil || w == nil {
			return err
		}
		w.Events, removed = pruneEvents(w.Events, now.Add(-window))
		if len(w.Events) == 0 {
			return b.Delete([]byte(key))
		}
		return putMsgpack(b, []byte(key), w)
	})
	return removed, err
}

func (s *bboltStore) Clear(_ context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketWindows)).Delete([]byte(key))
	})
}

// ---- Generic record helpers ------------------------------------------------

func bboltGet[T any](db *bolt.DB, bucket, key string) (*T, error) {
	var rec T
	var found bool
	err := db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return nil
		}
		found = true
		return msgpack.Unmarshal(v, &rec)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &rec, nil
}

func bboltPut(db *bolt.DB, bucket, key string, v interface{}) error {
	return db.Update(func(tx *bolt.Tx) error {
		return putMsgpack(tx.Bucket([]byte(bucket)), []byte(key), v)
	})
}

func bboltDelete(db *bolt.DB, bucket, key string) error {
	return db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

func bboltList[T any](db *bolt.DB, bucket string) (map[string]T, error) {
	result := make(map[string]T)
	err := db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var rec T
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("unmarshal %s/%s: %w", bucket, k, err)
			}
			result[string(k)] = rec
			return nil
		})
	})
	return result, err
}

// bboltPrune deletes every record in bucket for which expired returns true.
// Corrupt entries are skipped rather than failing the sweep.
func bboltPrune[T any](db *bolt.DB, bucket string, expired func(T) bool) (int, error) {
	var pruned int
	err := db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		var toDelete [][]byte
		if err := b.ForEach(func(k, v []byte) error {
			var rec T
			if err := msgpack.Unmarshal(v, &rec); err != nil {
				return nil
			}
			if expired(rec) {
				key := make([]byte, len(k))
				copy(key, k)
				toDelete = append(toDelete, key)
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range toDelete {
			if err := b.Delete(k); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	return pruned, err
}

// ---- Blocks ----------------------------------------------------------------

func (s *bboltStore) BlockGet(_ context.Context, identity string) (*BlockRecord, error) {
	return bboltGet[BlockRecord](s.db, bucketBlocks, identity)
}

func (s *bboltStore) BlockPut(_ context.Context, rec BlockRecord) error {
	return bboltPut(s.db, bucketBlocks, rec.Identity, rec)
}

func (s *bboltStore) BlockDelete(_ context.Context, identity string) error {
	return bboltDelete(s.db, bucketBlocks, identity)
}

func (s *bboltStore) BlockList(_ context.Context) (map[string]BlockRecord, error) {
	return bboltList[BlockRecord](s.db, bucketBlocks)
}

func (s *bboltStore) PruneExpiredBlocks(_ context.Context, now time.Time) (int, error) {
	return bboltPrune(s.db, bucketBlocks, func(rec BlockRecord) bool { return rec.Expired(now) })
}

// ---- Allow-list ------------------------------------------------------------

func (s *bboltStore) AllowAdd(_ context.Context, entry AllowEntry) error {
	return bboltPut(s.db, bucketAllow, entry.Identity, entry)
}

func (s *bboltStore) AllowRemove(_ context.Context, identity string) error {
	return bboltDelete(s.db, bucketAllow, identity)
}

func (s *bboltStore) AllowHas(_ context.Context, identity string) (bool, error) {
	var exists bool
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(bucketAllow)).Get([]byte(identity)) != nil
		return nil
	})
	return exists, err
}

func (s *bboltStore) AllowList(_ context.Context) (map[string]AllowEntry, error) {
	return bboltList[AllowEntry](s.db, bucketAllow)
}

// ---- Quotas ----------------------------------------------------------------

func (s *bboltStore) QuotaGet(_ context.Context, principal string) (*QuotaRecord, error) {
	return bboltGet[QuotaRecord](s.db, bucketQuotas, principal)
}

func (s *bboltStore) QuotaPut(_ context.Context, rec QuotaRecord) error {
	return bboltPut(s.db, bucketQuotas, rec.Principal, rec)
}

func (s *bboltStore) QuotaDelete(_ context.Context, principal string) error {
	return bboltDelete(s.db, bucketQuotas, principal)
}

func (s *bboltStore) QuotaList(_ context.Context) (map[string]QuotaRecord, error) {
	return bboltList[QuotaRecord](s.db, bucketQuotas)
}

// ---- Attacks ---------------------------------------------------------------

func (s *bboltStore) AttackPut(_ context.Context, rec AttackRecord) error {
	return bboltPut(s.db, bucketAttacks, rec.ID, rec)
}

func (s *bboltStore) AttackGet(_ context.Context, id string) (*AttackRecord, error) {
	return bboltGet[AttackRecord](s.db, bucketAttacks, id)
}

func (s *bboltStore) AttackMarkMitigated(_ context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketAttacks))
		raw := b.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		var rec AttackRecord
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal attack %s: %w", id, err)
		}
		rec.Mitigated = true
		return putMsgpack(b, []byte(id), rec)
	})
}

func (s *bboltStore) AttackList(_ context.Context) ([]AttackRecord, error) {
	m, err := bboltList[AttackRecord](s.db, bucketAttacks)
	if err != nil {
		return nil, err
	}
	out := make([]AttackRecord, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sortAttacks(out)
	return out, nil
}

func (s *bboltStore) PruneExpiredAttacks(_ context.Context, now time.Time) (int, error) {
	return bboltPrune(s.db, bucketAttacks, func(rec AttackRecord) bool {
		return !rec.RetainUntil.IsZero() && !now.Before(rec.RetainUntil)
	})
}

// ---- Markers ---------------------------------------------------------------

func (s *bboltStore) MarkerSetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	var stored bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketMarkers))
		if raw := b.Get([]byte(key)); raw != nil {
			var m markerValue
			if err := msgpack.Unmarshal(raw, &m); err == nil && !s.markerExpired(m) {
				return nil
			}
		}
		stored = true
		return putMsgpack(b, []byte(key), s.newMarker(value, ttl))
	})
	return stored, err
}

func (s *bboltStore) MarkerSet(_ context.Context, key, value string, ttl time.Duration) error {
	return bboltPut(s.db, bucketMarkers, key, s.newMarker(value, ttl))
}

func (s *bboltStore) MarkerGet(_ context.Context, key string) (string, bool, error) {
	m, err := bboltGet[markerValue](s.db, bucketMarkers, key)
	if err != nil || m == nil || s.markerExpired(*m) {
		return "", false, err
	}
	return m.Value, true, nil
}

func (s *bboltStore) MarkerDelete(_ context.Context, key string) error {
	return bboltDelete(s.db, bucketMarkers, key)
}

func (s *bboltStore) newMarker(value string, ttl time.Duration) markerValue {
	m := markerValue{Value: value}
	if ttl > 0 {
		m.ExpiresAt = s.clock().Add(ttl).UnixNano()
	}
	return m
}

func (s *bboltStore) markerExpired(m markerValue) bool {
	return m.ExpiresAt != 0 && s.clock().UnixNano() >= m.ExpiresAt
}

// ---- Janitor / utility -----------------------------------------------------

func (s *bboltStore) Ping(context.Context) error {
	return s.db.View(func(*bolt.Tx) error { return nil })
}

func (s *bboltStore) PruneExpired(_ context.Context, _ time.Time) (int, error) {
	windows, err := bboltPrune(s.db, bucketWindows, func(w windowValue) bool {
		return len(w.Events) == 0 || (w.ExpiresAt != 0 && s.clock().UnixNano() > w.ExpiresAt)
	})
	if err != nil {
		return windows, err
	}
	markers, err := bboltPrune(s.db, bucketMarkers, s.markerExpired)
	return windows + markers, err
}

func (s *bboltStore) SizeBytes() (int64, error) {
	info, err := os.Stat(s.db.Path())
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (s *bboltStore) Close() error {
	return s.db.Close()
}

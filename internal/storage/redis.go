package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// RedisOptions configures the shared redis backend.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// redisStore keeps state in redis so every instance observes the same
// counters and blocks. Window series are sorted sets scored by Unix
// microseconds; records are msgpack blobs with native key TTLs.
type redisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects to redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
	}
	return newRedisStoreWithClient(client, opts.KeyPrefix), nil
}

func newRedisStoreWithClient(client *redis.Client, prefix string) *redisStore {
	return &redisStore{client: client, prefix: prefix}
}

func (s *redisStore) key(parts ...string) string {
	return s.prefix + strings.Join(parts, ":")
}

// ---- Window operations -----------------------------------------------------

// eventMember encodes an event as a unique sorted-set member:
// "<unix-nanos>|<uuid>|<tag>".
func eventMember(ev Event) string {
	return strconv.FormatInt(ev.At.UnixNano(), 10) + "|" + uuid.NewString() + "|" + ev.Tag
}

func parseEventMember(member string) (Event, bool) {
	parts := strings.SplitN(member, "|", 3)
	if len(parts) != 3 {
		return Event{}, false
	}
	ns, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Event{}, false
	}
	return Event{At: time.Unix(0, ns), Tag: parts[2]}, true
}

func score(t time.Time) float64 {
	return float64(t.UnixMicro())
}

// exclusiveBelow is the ZREMRANGEBYSCORE max that removes scores < t.
func exclusiveBelow(t time.Time) string {
	return "(" + strconv.FormatInt(t.UnixMicro(), 10)
}

func (s *redisStore) Record(ctx context.Context, key string, ev Event, ttl time.Duration) error {
	k := s.key("win", key)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{Score: score(ev.At), Member: eventMember(ev)})
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		return nil
	})
	return err
}

func (s *redisStore) RecordAndCount(ctx context.Context, key string, ev Event, window, ttl time.Duration) (int, error) {
	k := s.key("win", key)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, k, redis.Z{Score: score(ev.At), Member: eventMember(ev)})
		pipe.ZRemRangeByScore(ctx, k, "-inf", exclusiveBelow(ev.At.Add(-window)))
		card = pipe.ZCard(ctx, k)
		if ttl > 0 {
			pipe.PExpire(ctx, k, ttl)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

// recordIfUnderScript prunes every key, and only when each is below its
// limit appends the member to all of them. ARGV is member, score, then
// (cutoff, limit, ttl_ms) per key. Returns the counts followed by 1 or 0.
var recordIfUnderScript = redis.NewScript(`
local counts = {}
local under = 1
for i = 1, #KEYS do
  local base = 2 + (i - 1) * 3
  redis.call('ZREMRANGEBYSCORE', KEYS[i], '-inf', ARGV[base + 1])
  local c = redis.call('ZCARD', KEYS[i])
  counts[i] = c
  if c >= tonumber(ARGV[base + 2]) then under = 0 end
end
if under == 1 then
  for i = 1, #KEYS do
    local base = 2 + (i - 1) * 3
    redis.call('ZADD', KEYS[i], ARGV[2], ARGV[1])
    local ttl = tonumber(ARGV[base + 3])
    if ttl > 0 then redis.call('PEXPIRE', KEYS[i], ttl) end
  end
end
counts[#KEYS + 1] = under
return counts
`)

func (s *redisStore) RecordIfUnder(ctx context.Context, ev Event, bounds ...Bound) ([]int, bool, error) {
	keys := make([]string, len(bounds))
	args := []interface{}{eventMember(ev), strconv.FormatInt(ev.At.UnixMicro(), 10)}
	for i, bd := range bounds {
		keys[i] = s.key("win", bd.Key)
		args = append(args, exclusiveBelow(ev.At.Add(-bd.Window)), bd.Limit, bd.TTL.Milliseconds())
	}
	vals, err := recordIfUnderScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return nil, false, err
	}
	if len(vals) != len(bounds)+1 {
		return nil, false, fmt.Errorf("record-if-under: unexpected reply of %d values", len(vals))
	}
	counts := make([]int, len(bounds))
	for i := range bounds {
		counts[i] = int(vals[i])
	}
	return counts, vals[len(bounds)] == 1, nil
}

func (s *redisStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	k := s.key("win", key)
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", exclusiveBelow(now.Add(-window)))
		card = pipe.ZCard(ctx, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (s *redisStore) Events(ctx context.Context, key string, window time.Duration, now time.Time) ([]Event, error) {
	k := s.key("win", key)
	var members *redis.StringSliceCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, k, "-inf", exclusiveBelow(now.Add(-window)))
		members = pipe.ZRange(ctx, k, 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	events := make([]Event, 0, len(members.Val()))
	for _, m := range members.Val() {
		if ev, ok := parseEventMember(m); ok {
			events = append(events, ev)
		}
	}
	return events, nil
}

func (s *redisStore) Prune(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	n, err := s.client.ZRemRangeByScore(ctx, s.key("win", key), "-inf", exclusiveBelow(now.Add(-window))).Result()
	return int(n), err
}

func (s *redisStore) Clear(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key("win", key)).Err()
}

// ---- Record helpers --------------------------------------------------------

func redisGet[T any](ctx context.Context, c *redis.Client, key string) (*T, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rec T
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return &rec, nil
}

// redisIndexedPut stores rec under key and adds member to the index set.
func (s *redisStore) redisIndexedPut(ctx context.Context, key, index, member string, rec interface{}, ttl time.Duration) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, ttl)
		pipe.SAdd(ctx, index, member)
		return nil
	})
	return err
}

func (s *redisStore) redisIndexedDelete(ctx context.Context, key, index, member string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, index, member)
		return nil
	})
	return err
}

// redisIndexedList loads every member of index, dropping members whose
// record has expired from redis.
func redisIndexedList[T any](ctx context.Context, s *redisStore, index string, keyOf func(string) string) (map[string]T, error) {
	members, err := s.client.SMembers(ctx, index).Result()
	if err != nil {
		return nil, err
	}
	out := make(map[string]T, len(members))
	for _, m := range members {
		rec, err := redisGet[T](ctx, s.client, keyOf(m))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			_ = s.client.SRem(ctx, index, m).Err()
			continue
		}
		out[m] = *rec
	}
	return out, nil
}

// ---- Blocks ----------------------------------------------------------------

func (s *redisStore) blockKey(identity string) string { return s.key("block", identity) }

func (s *redisStore) BlockGet(ctx context.Context, identity string) (*BlockRecord, error) {
	return redisGet[BlockRecord](ctx, s.client, s.blockKey(identity))
}

// BlockPut stores the record with a native TTL matching ExpiresAt, so
// temporary blocks disappear without a sweep. A record that has already
// lapsed is deleted instead.
func (s *redisStore) BlockPut(ctx context.Context, rec BlockRecord) error {
	var ttl time.Duration
	if !rec.Permanent() {
		ttl = time.Until(rec.ExpiresAt)
		if ttl <= 0 {
			return s.BlockDelete(ctx, rec.Identity)
		}
	}
	return s.redisIndexedPut(ctx, s.blockKey(rec.Identity), s.key("blocks"), rec.Identity, rec, ttl)
}

func (s *redisStore) BlockDelete(ctx context.Context, identity string) error {
	return s.redisIndexedDelete(ctx, s.blockKey(identity), s.key("blocks"), identity)
}

func (s *redisStore) BlockList(ctx context.Context) (map[string]BlockRecord, error) {
	return redisIndexedList[BlockRecord](ctx, s, s.key("blocks"), s.blockKey)
}

func (s *redisStore) PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	blocks, err := s.BlockList(ctx)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for id, rec := range blocks {
		if rec.Expired(now) {
			if err := s.BlockDelete(ctx, id); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// ---- Allow-list ------------------------------------------------------------

func (s *redisStore) allowKey(identity string) string { return s.key("allow", identity) }

func (s *redisStore) AllowAdd(ctx context.Context, entry AllowEntry) error {
	return s.redisIndexedPut(ctx, s.allowKey(entry.Identity), s.key("allowlist"), entry.Identity, entry, 0)
}

func (s *redisStore) AllowRemove(ctx context.Context, identity string) error {
	return s.redisIndexedDelete(ctx, s.allowKey(identity), s.key("allowlist"), identity)
}

func (s *redisStore) AllowHas(ctx context.Context, identity string) (bool, error) {
	return s.client.SIsMember(ctx, s.key("allowlist"), identity).Result()
}

func (s *redisStore) AllowList(ctx context.Context) (map[string]AllowEntry, error) {
	return redisIndexedList[AllowEntry](ctx, s, s.key("allowlist"), s.allowKey)
}

// ---- Quotas ----------------------------------------------------------------

func (s *redisStore) quotaKey(principal string) string { return s.key("quota", principal) }

func (s *redisStore) QuotaGet(ctx context.Context, principal string) (*QuotaRecord, error) {
	return redisGet[QuotaRecord](ctx, s.client, s.quotaKey(principal))
}

func (s *redisStore) QuotaPut(ctx context.Context, rec QuotaRecord) error {
	return s.redisIndexedPut(ctx, s.quotaKey(rec.Principal), s.key("quotas"), rec.Principal, rec, 0)
}

func (s *redisStore) QuotaDelete(ctx context.Context, principal string) error {
	return s.redisIndexedDelete(ctx, s.quotaKey(principal), s.key("quotas"), principal)
}

func (s *redisStore) QuotaList(ctx context.Context) (map[string]QuotaRecord, error) {
	return redisIndexedList[QuotaRecord](ctx, s, s.key("quotas"), s.quotaKey)
}

// ---- Attacks ---------------------------------------------------------------

// Attack records live under attack:{id} with a TTL equal to their retention;
// the attacks index is a sorted set scored by DetectedAt.

func (s *redisStore) attackKey(id string) string { return s.key("attack", id) }

func (s *redisStore) AttackPut(ctx context.Context, rec AttackRecord) error {
	data, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal attack %s: %w", rec.ID, err)
	}
	var ttl time.Duration
	if !rec.RetainUntil.IsZero() {
		ttl = time.Until(rec.RetainUntil)
		if ttl <= 0 {
			return nil
		}
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.attackKey(rec.ID), data, ttl)
		pipe.ZAdd(ctx, s.key("attacks"), redis.Z{Score: score(rec.DetectedAt), Member: rec.ID})
		return nil
	})
	return err
}

func (s *redisStore) AttackGet(ctx context.Context, id string) (*AttackRecord, error) {
	return redisGet[AttackRecord](ctx, s.client, s.attackKey(id))
}

func (s *redisStore) AttackMarkMitigated(ctx context.Context, id string) error {
	k := s.attackKey(id)
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec AttackRecord
		if err := msgpack.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("unmarshal attack %s: %w", id, err)
		}
		rec.Mitigated = true
		data, err := msgpack.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.SetArgs(ctx, k, data, redis.SetArgs{KeepTTL: true})
			return nil
		})
		return err
	}, k)
}

func (s *redisStore) AttackList(ctx context.Context) ([]AttackRecord, error) {
	ids, err := s.client.ZRange(ctx, s.key("attacks"), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]AttackRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.AttackGet(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			out = append(out, *rec)
		}
	}
	sortAttacks(out)
	return out, nil
}

// PruneExpiredAttacks removes index entries whose record has expired.
func (s *redisStore) PruneExpiredAttacks(ctx context.Context, _ time.Time) (int, error) {
	ids, err := s.client.ZRange(ctx, s.key("attacks"), 0, -1).Result()
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, s.attackKey(id)).Result()
		if err != nil {
			return pruned, err
		}
		if n == 0 {
			if err := s.client.ZRem(ctx, s.key("attacks"), id).Err(); err != nil {
				return pruned, err
			}
			pruned++
		}
	}
	return pruned, nil
}

// ---- Markers ---------------------------------------------------------------

func (s *redisStore) MarkerSetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.key("marker", key), value, ttl).Result()
}

func (s *redisStore) MarkerSet(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, s.key("marker", key), value, ttl).Err()
}

func (s *redisStore) MarkerGet(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key("marker", key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (s *redisStore) MarkerDelete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.key("marker", key)).Err()
}

// ---- Utility ---------------------------------------------------------------

func (s *redisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// PruneExpired is a no-op: redis evicts series and markers through key TTLs.
func (s *redisStore) PruneExpired(context.Context, time.Time) (int, error) {
	return 0, nil
}

// SizeBytes reports used_memory from INFO memory.
func (s *redisStore) SizeBytes() (int64, error) {
	info, err := s.client.Info(context.Background(), "memory").Result()
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(info, "\n") {
		if v, ok := strings.CutPrefix(strings.TrimSpace(line), "used_memory:"); ok {
			return strconv.ParseInt(v, 10, 64)
		}
	}
	return 0, nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/developingchet/trafficguard/internal/storage"
)

// FaultyStore wraps a storage.Store and injects errors on demand. Errors set
// with SetError are consumed by the next call to the named method; FailAll
// makes every method fail until cleared. All methods are safe for concurrent use.
type FaultyStore struct {
	inner storage.Store

	mu      sync.Mutex
	errors  map[string]error
	failAll error
	calls   map[string]int
}

// NewFaultyStore wraps inner. A nil inner gets a fresh memory store.
func NewFaultyStore(inner storage.Store) *FaultyStore {
	if inner == nil {
		inner = storage.NewMemoryStore()
	}
	return &FaultyStore{
		inner:  inner,
		errors: make(map[string]error),
		calls:  make(map[string]int),
	}
}

// SetError injects an error to be returned on the next call to the named method.
func (f *FaultyStore) SetError(method string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors[method] = err
}

// FailAll makes every method return err. Pass nil to recover.
func (f *FaultyStore) FailAll(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failAll = err
}

// Calls returns how many times method was invoked, including failed calls.
func (f *FaultyStore) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Inner returns the wrapped store for assertions that bypass injection.
func (f *FaultyStore) Inner() storage.Store { return f.inner }

func (f *FaultyStore) popError(method string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[method]++
	if f.failAll != nil {
		return f.failAll
	}
	err := f.errors[method]
	delete(f.errors, method)
	return err
}

// --- Windows ----------------------------------------------------------------

func (f *FaultyStore) Record(ctx context.Context, key string, ev storage.Event, ttl time.Duration) error {
	if err := f.popError("Record"); err != nil {
		return err
	}
	return f.inner.Record(ctx, key, ev, ttl)
}

func (f *FaultyStore) RecordAndCount(ctx context.Context, key string, ev storage.Event, window, ttl time.Duration) (int, error) {
	if err := f.popError("RecordAndCount"); err != nil {
		return 0, err
	}
	return f.inner.RecordAndCount(ctx, key, ev, window, ttl)
}

func (f *FaultyStore) Count(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	if err := f.popError("Count"); err != nil {
		return 0, err
	}
	return f.inner.Count(ctx, key, window, now)
}

func (f *FaultyStore) Events(ctx context.Context, key string, window time.Duration, now time.Time) ([]storage.Event, error) {
	if err := f.popError("Events"); err != nil {
		return nil, err
	}
	return f.inner.Events(ctx, key, window, now)
}

func (f *FaultyStore) Prune(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	if err := f.popError("Prune"); err != nil {
		return 0, err
	}
	return f.inner.Prune(ctx, key, window, now)
}

func (f *FaultyStore) Clear(ctx context.Context, key string) error {
	if err := f.popError("Clear"); err != nil {
		return err
	}
	return f.inner.Clear(ctx, key)
}

func (f *FaultyStore) RecordIfUnder(ctx context.Context, ev storage.Event, bounds ...storage.Bound) ([]int, bool, error) {
	if err := f.popError("RecordIfUnder"); err != nil {
		return nil, false, err
	}
	return f.inner.RecordIfUnder(ctx, ev, bounds...)
}

// --- Blocks -----------------------------------------------------------------

func (f *FaultyStore) BlockGet(ctx context.Context, identity string) (*storage.BlockRecord, error) {
	if err := f.popError("BlockGet"); err != nil {
		return nil, err
	}
	return f.inner.BlockGet(ctx, identity)
}

func (f *FaultyStore) BlockPut(ctx context.Context, rec storage.BlockRecord) error {
	if err := f.popError("BlockPut"); err != nil {
		return err
	}
	return f.inner.BlockPut(ctx, rec)
}

func (f *FaultyStore) BlockDelete(ctx context.Context, identity string) error {
	if err := f.popError("BlockDelete"); err != nil {
		return err
	}
	return f.inner.BlockDelete(ctx, identity)
}

func (f *FaultyStore) BlockList(ctx context.Context) (map[string]storage.BlockRecord, error) {
	if err := f.popError("BlockList"); err != nil {
		return nil, err
	}
	return f.inner.BlockList(ctx)
}

func (f *FaultyStore) PruneExpiredBlocks(ctx context.Context, now time.Time) (int, error) {
	if err := f.popError("PruneExpiredBlocks"); err != nil {
		return 0, err
	}
	return f.inner.PruneExpiredBlocks(ctx, now)
}

// --- Allow-list -------------------------------------------------------------

func (f *FaultyStore) AllowAdd(ctx context.Context, entry storage.AllowEntry) error {
	if err := f.popError("AllowAdd"); err != nil {
		return err
	}
	return f.inner.AllowAdd(ctx, entry)
}

func (f *FaultyStore) AllowRemove(ctx context.Context, identity string) error {
	if err := f.popError("AllowRemove"); err != nil {
		return err
	}
	return f.inner.AllowRemove(ctx, identity)
}

func (f *FaultyStore) AllowHas(ctx context.Context, identity string) (bool, error) {
	if err := f.popError("AllowHas"); err != nil {
		return false, err
	}
	return f.inner.AllowHas(ctx, identity)
}

func (f *FaultyStore) AllowList(ctx context.Context) (map[string]storage.AllowEntry, error) {
	if err := f.popError("AllowList"); err != nil {
		return nil, err
	}
	return f.inner.AllowList(ctx)
}

// --- Quotas -----------------------------------------------------------------

func (f *FaultyStore) QuotaGet(ctx context.Context, principal string) (*storage.QuotaRecord, error) {
	if err := f.popError("QuotaGet"); err != nil {
		return nil, err
	}
	return f.inner.QuotaGet(ctx, principal)
}

func (f *FaultyStore) QuotaPut(ctx context.Context, rec storage.QuotaRecord) error {
	if err := f.popError("QuotaPut"); err != nil {
		return err
	}
	return f.inner.QuotaPut(ctx, rec)
}

func (f *FaultyStore) QuotaDelete(ctx context.Context, principal string) error {
	if err := f.popError("QuotaDelete"); err != nil {
		return err
	}
	return f.inner.QuotaDelete(ctx, principal)
}

func (f *FaultyStore) QuotaList(ctx context.Context) (map[string]storage.QuotaRecord, error) {
	if err := f.popError("QuotaList"); err != nil {
		return nil, err
	}
	return f.inner.QuotaList(ctx)
}

// --- Attacks ----------------------------------------------------------------

func (f *FaultyStore) AttackPut(ctx context.Context, rec storage.AttackRecord) error {
	if err := f.popError("AttackPut"); err != nil {
		return err
	}
	return f.inner.AttackPut(ctx, rec)
}

func (f *FaultyStore) AttackGet(ctx context.Context, id string) (*storage.AttackRecord, error) {
	if err := f.popError("AttackGet"); err != nil {
		return nil, err
	}
	return f.inner.AttackGet(ctx, id)
}

func (f *FaultyStore) AttackMarkMitigated(ctx context.Context, id string) error {
	if err := f.popError("AttackMarkMitigated"); err != nil {
		return err
	}
	return f.inner.AttackMarkMitigated(ctx, id)
}

func (f *FaultyStore) AttackList(ctx context.Context) ([]storage.AttackRecord, error) {
	if err := f.popError("AttackList"); err != nil {
		return nil, err
	}
	return f.inner.AttackList(ctx)
}

func (f *FaultyStore) PruneExpiredAttacks(ctx context.Context, now time.Time) (int, error) {
	if err := f.popError("PruneExpiredAttacks"); err != nil {
		return 0, err
	}
	return f.inner.PruneExpiredAttacks(ctx, now)
}

// --- Markers ----------------------------------------------------------------

func (f *FaultyStore) MarkerSetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := f.popError("MarkerSetNX"); err != nil {
		return false, err
	}
	return f.inner.MarkerSetNX(ctx, key, value, ttl)
}

func (f *FaultyStore) MarkerSet(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := f.popError("MarkerSet"); err != nil {
		return err
	}
	return f.inner.MarkerSet(ctx, key, value, ttl)
}

func (f *FaultyStore) MarkerGet(ctx context.Context, key string) (string, bool, error) {
	if err := f.popError("MarkerGet"); err != nil {
		return "", false, err
	}
	return f.inner.MarkerGet(ctx, key)
}

func (f *FaultyStore) MarkerDelete(ctx context.Context, key string) error {
	if err := f.popError("MarkerDelete"); err != nil {
		return err
	}
	return f.inner.MarkerDelete(ctx, key)
}

// --- Utility ----------------------------------------------------------------

func (f *FaultyStore) Ping(ctx context.Context) error {
	if err := f.popError("Ping"); err != nil {
		return err
	}
	return f.inner.Ping(ctx)
}

func (f *FaultyStore) PruneExpired(ctx context.Context, now time.Time) (int, error) {
	if err := f.popError("PruneExpired"); err != nil {
		return 0, err
	}
	return f.inner.PruneExpired(ctx, now)
}

func (f *FaultyStore) SizeBytes() (int64, error) {
	if err := f.popError("SizeBytes"); err != nil {
		return 0, err
	}
	return f.inner.SizeBytes()
}

func (f *FaultyStore) Close() error {
	return f.inner.Close()
}

var _ storage.Store = (*FaultyStore)(nil)

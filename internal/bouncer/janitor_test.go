package bouncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/developingchet/trafficguard/internal/testutil"
	"github.com/rs/zerolog"
)

func newJanitorTestStore(t *testing.T) storage.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := storage.NewBboltStore(dir)
	if err != nil {
		t.Fatalf("NewBboltStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJanitor_PrunesExpiredBlocks(t *testing.T) {
	store := newJanitorTestStore(t)
	core := newTestCore(t, testCfg(), store)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	if err := store.BlockPut(ctx, storage.BlockRecord{Identity: "1.2.3.4", Source: access.SourceAuto,
		BlockedAt: past, ExpiresAt: past.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Access.Block(ctx, "5.6.7.8", "fresh", time.Hour, access.SourceAdmin); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(core, nil, time.Minute, zerolog.Nop())
	j.tick(ctx)

	rec, _ := store.BlockGet(ctx, "1.2.3.4")
	if rec != nil {
		t.Error("expired block should have been pruned")
	}
	rec, _ = store.BlockGet(ctx, "5.6.7.8")
	if rec == nil {
		t.Error("fresh block should not be pruned")
	}
}

func TestJanitor_KeepsPermanentBlocks(t *testing.T) {
	store := newJanitorTestStore(t)
	core := newTestCore(t, testCfg(), store)
	ctx := context.Background()

	if _, err := core.Access.Block(ctx, "9.9.9.9", "permanent", 0, access.SourceAdmin); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(core, nil, time.Minute, zerolog.Nop())
	j.tick(ctx)

	if !core.Access.IsBlocked(ctx, "9.9.9.9") {
		t.Error("permanent block should not be pruned")
	}
}

func TestJanitor_PrunesExpiredQuotas(t *testing.T) {
	store := newJanitorTestStore(t)
	core := newTestCore(t, testCfg(), store)
	ctx := context.Background()

	if _, err := core.Quota.Assign(ctx, quota.Assignment{Principal: "user:1", Plan: "free",
		ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if _, err := core.Quota.Assign(ctx, quota.Assignment{Principal: "user:2", Plan: "free"}); err != nil {
		t.Fatal(err)
	}

	j := NewJanitor(core, nil, time.Minute, zerolog.Nop())
	j.tick(ctx)

	if rec, _ := core.Quota.Get(ctx, "user:1"); rec != nil {
		t.Error("expired quota record should have been pruned")
	}
	if rec, _ := core.Quota.Get(ctx, "user:2"); rec == nil {
		t.Error("open-ended quota record should not be pruned")
	}
}

func TestJanitor_PrunesSeries(t *testing.T) {
	store := newJanitorTestStore(t)
	core := newTestCore(t, testCfg(), store)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	if err := store.Record(ctx, "rl:api:1.2.3.4", storage.Event{At: old}, time.Millisecond); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)

	j := NewJanitor(core, nil, time.Minute, zerolog.Nop())
	j.tick(ctx)

	n, err := store.Count(ctx, "rl:api:1.2.3.4", 24*time.Hour, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("expected TTL-expired series to be pruned, %d events left", n)
	}
}

func TestJanitor_SurvivesStoreErrors(t *testing.T) {
	store := testutil.NewFaultyStore(nil)
	core := newTestCore(t, testCfg(), store)
	store.FailAll(errors.New("connection refused"))

	j := NewJanitor(core, nil, time.Minute, zerolog.Nop())
	j.tick(context.Background())

	store.FailAll(nil)
	if store.Calls("SizeBytes") != 1 {
		t.Errorf("expected tick to continue to the size gauge, got %d SizeBytes calls", store.Calls("SizeBytes"))
	}
}

func TestJanitor_RunStopsOnCancel(t *testing.T) {
	core := newTestCore(t, testCfg(), storage.NewMemoryStore())
	j := NewJanitor(core, nil, 10*time.Millisecond, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop after cancel")
	}
}

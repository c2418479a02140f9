package guard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/abuse"
	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/ddos"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/developingchet/trafficguard/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type harnessConfig struct {
	rules []ratelimit.Rule
	ddos  ddos.Config
}

type harness struct {
	guard   *Guard
	limiter *ratelimit.Limiter
	access  *access.Controller
	monitor *ddos.Monitor
	quota   *quota.Manager
	clk     *clock
}

func newHarness(t *testing.T, store storage.Store, mutate ...func(*harnessConfig)) *harness {
	t.Helper()
	hc := harnessConfig{
		rules: []ratelimit.Rule{{Name: "api", Window: time.Minute, Max: 100}},
		ddos:  ddos.DefaultConfig(),
	}
	for _, m := range mutate {
		m(&hc)
	}
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	log := zerolog.Nop()

	lim, err := ratelimit.New(store, hc.rules, log, ratelimit.Options{Clock: clk.Now})
	require.NoError(t, err)
	acc, err := access.New(store, access.DefaultConfig(), log, access.Options{Clock: clk.Now})
	require.NoError(t, err)
	mon, err := ddos.New(store, hc.ddos, acc, lim, log, ddos.Options{Clock: clk.Now})
	require.NoError(t, err)
	scorer, err := abuse.New(abuse.DefaultConfig(), mon, lim, log, abuse.Options{Clock: clk.Now})
	require.NoError(t, err)
	qm, err := quota.New(store, quota.Config{Plans: quota.DefaultPlans()}, log, quota.Options{Clock: clk.Now})
	require.NoError(t, err)

	g := New(Components{Limiter: lim, Access: acc, Monitor: mon, Scorer: scorer, Quota: qm},
		DefaultConfig(), log, Options{Clock: clk.Now})
	return &harness{guard: g, limiter: lim, access: acc, monitor: mon, quota: qm, clk: clk}
}

const ua = "Mozilla/5.0 (Macintosh) Safari/605.1.15"

func addrRequest(addr string) Request {
	return Request{SourceAddr: addr, Endpoint: "/api/items", Method: "GET", UserAgent: ua}
}

func TestAddressRequestAllowed(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	v, err := h.guard.Check(context.Background(), addrRequest("203.0.113.7"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.Equal(t, OutcomeAllowed, v.Outcome)
	assert.Equal(t, "203.0.113.7", v.Subject)
	require.NotNil(t, v.RateLimit)
	assert.Equal(t, 99, v.RateLimit.Remaining)
	assert.Nil(t, v.Quota, "addresses carry no quota")
	assert.False(t, v.Degraded)
}

func TestNoIdentity(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	v, err := h.guard.Check(context.Background(), Request{Endpoint: "/"})
	require.NoError(t, err)
	assert.False(t, v.Allowed)
	assert.Equal(t, OutcomeNoIdentity, v.Outcome)
}

func TestRateLimitDeniesFirst(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), func(c *harnessConfig) {
		c.rules = []ratelimit.Rule{{Name: "api", Window: time.Minute, Max: 3}}
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := h.guard.Check(ctx, addrRequest("198.51.100.1"))
		require.NoError(t, err)
		require.True(t, v.Allowed, "request %d", i+1)
		h.clk.Advance(time.Second)
	}
	v, err := h.guard.Check(ctx, addrRequest("198.51.100.1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, v.Outcome)
	require.NotNil(t, v.RateLimit)
	assert.Equal(t, "api", v.RateLimit.Rule)
	assert.Zero(t, v.RateLimit.Remaining)
}

func TestBlockedSourceDeniesAuthenticatedUser(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	_, err := h.access.Block(ctx, "192.0.2.10", "manual", 0, access.SourceAdmin)
	require.NoError(t, err)

	v, err := h.guard.Check(ctx, Request{UserID: "42", SourceAddr: "192.0.2.10:5123", Endpoint: "/api/items", UserAgent: ua})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, v.Outcome)
	assert.Equal(t, "user:42", v.Subject)
	require.NotNil(t, v.Block)
	assert.Equal(t, "manual", v.Block.Reason)
}

func TestBlockedUserIdentity(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	_, err := h.access.Block(ctx, "user:7", "chargeback", time.Hour, access.SourceAdmin)
	require.NoError(t, err)

	v, err := h.guard.Check(ctx, Request{UserID: "7", SourceAddr: "192.0.2.11", Endpoint: "/", UserAgent: ua})
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, v.Outcome)

	h.clk.Advance(time.Hour)
	_, err = h.quota.Assign(ctx, quota.Assignment{Principal: "user:7", Plan: "free"})
	require.NoError(t, err)
	v, err = h.guard.Check(ctx, Request{UserID: "7", SourceAddr: "192.0.2.11", Endpoint: "/", UserAgent: ua})
	require.NoError(t, err)
	assert.True(t, v.Allowed, "block expired")
}

func TestDDoSBlockMitigation(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), func(c *harnessConfig) {
		c.ddos.Threshold = 3
	})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		v, err := h.guard.Check(ctx, addrRequest("203.0.113.50"))
		require.NoError(t, err)
		require.True(t, v.Allowed)
		h.clk.Advance(time.Second)
	}

	v, err := h.guard.Check(ctx, addrRequest("203.0.113.50"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, v.Outcome)
	require.NotNil(t, v.Traffic.Attack)
	assert.True(t, v.Traffic.Attack.Mitigated)

	h.clk.Advance(time.Second)
	v, err = h.guard.Check(ctx, addrRequest("203.0.113.50"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, v.Outcome)
	require.NotNil(t, v.Block)
	assert.Equal(t, access.SourceDDoS, v.Block.Source)

	attacks, err := h.monitor.Attacks(ctx)
	require.NoError(t, err)
	assert.Len(t, attacks, 1)
}

func TestDDoSOnAllowListedIdentityNotDenied(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), func(c *harnessConfig) {
		c.ddos.Threshold = 3
	})
	ctx := context.Background()
	require.NoError(t, h.access.Allow(ctx, "203.0.113.51", "load test"))

	var attack *storage.AttackRecord
	for i := 0; i < 6; i++ {
		v, err := h.guard.Check(ctx, addrRequest("203.0.113.51"))
		require.NoError(t, err)
		assert.True(t, v.Allowed, "request %d: %s", i, v.Reason)
		if v.Traffic.Attack != nil {
			attack = v.Traffic.Attack
		}
		h.clk.Advance(time.Second)
	}
	require.NotNil(t, attack)
	assert.False(t, attack.Mitigated)
	assert.False(t, h.access.IsBlocked(ctx, "203.0.113.51"))
}

func TestDDoSChallenge(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), func(c *harnessConfig) {
		c.ddos.Threshold = 2
		c.ddos.Action = ddos.ActionChallenge
	})
	ctx := context.Background()
	var v Verdict
	var err error
	for i := 0; i < 3; i++ {
		v, err = h.guard.Check(ctx, addrRequest("203.0.113.60"))
		require.NoError(t, err)
		h.clk.Advance(time.Second)
	}
	assert.Equal(t, OutcomeChallenge, v.Outcome)
	assert.False(t, v.Allowed)
}

func TestAbuseBlocksIdentity(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	r := addrRequest("198.51.100.99")
	r.Endpoint = "/api/items?id=1%20UNION%20SELECT%20password%20FROM%20users"

	v, err := h.guard.Check(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbuse, v.Outcome)
	require.NotNil(t, v.Assessment)
	assert.True(t, v.Assessment.ShouldBlock)

	st := h.access.Status(ctx, "198.51.100.99")
	require.True(t, st.Blocked)
	assert.Equal(t, access.SourceAbuse, st.Record.Source)
}

func TestAbuseOnAllowListedIdentityNotBlocked(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	require.NoError(t, h.access.Allow(ctx, "198.51.100.98", "pentest"))
	r := addrRequest("198.51.100.98")
	r.Endpoint = "/search?q=<script>alert(1)</script>"

	v, err := h.guard.Check(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAbuse, v.Outcome)
	assert.False(t, h.access.IsBlocked(ctx, "198.51.100.98"))
}

func TestQuotaGate(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	req := Request{APIKey: "sk_live_abc", SourceAddr: "192.0.2.20", Endpoint: "/api/items", UserAgent: ua}
	principal := "key:" + identity.HashAPIKey("sk_live_abc")

	v, err := h.guard.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuota, v.Outcome)
	require.NotNil(t, v.Quota)
	assert.Equal(t, quota.ReasonNoRecord, v.Quota.Reason)

	_, err = h.quota.Assign(ctx, quota.Assignment{Principal: principal, Plan: "trial", DailyLimit: 2, MonthlyLimit: 10})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		h.clk.Advance(time.Minute)
		v, err = h.guard.Check(ctx, req)
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	h.clk.Advance(time.Minute)
	v, err = h.guard.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuota, v.Outcome)
	assert.Equal(t, quota.ReasonDailyExceeded, v.Quota.Reason)

	daily, _, err := h.quota.Usage(ctx, principal)
	require.NoError(t, err)
	assert.EqualValues(t, 2, daily, "denied requests are not charged")
}

func TestConcurrentQuotaChecksNeverOvercharge(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	req := Request{APIKey: "sk_live_race", SourceAddr: "192.0.2.21", Endpoint: "/api/items", UserAgent: ua}
	principal := "key:" + identity.HashAPIKey("sk_live_race")
	_, err := h.quota.Assign(ctx, quota.Assignment{Principal: principal, Plan: "trial", DailyLimit: 5, MonthlyLimit: 50})
	require.NoError(t, err)

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := h.guard.Check(ctx, req)
			if err == nil && v.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	daily, _, err := h.quota.Usage(ctx, principal)
	require.NoError(t, err)
	assert.LessOrEqual(t, allowed.Load(), int64(5))
	assert.Equal(t, allowed.Load(), daily, "every allowed request is charged exactly once")
}

func TestStoreOutageFailsOpen(t *testing.T) {
	fs := testutil.NewFaultyStore(nil)
	h := newHarness(t, fs)
	fs.FailAll(errors.New("connection refused"))

	v, err := h.guard.Check(context.Background(), addrRequest("203.0.113.80"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)
	assert.True(t, v.Degraded)
}

func TestReportFailureAutoBlocks(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore())
	ctx := context.Background()
	var res access.AttemptResult
	for i := 0; i < 5; i++ {
		var err error
		res, err = h.guard.ReportFailure(ctx, "203.0.113.90:443", "bad-auth")
		require.NoError(t, err)
		h.clk.Advance(time.Second)
	}
	assert.True(t, res.Blocked)

	v, err := h.guard.Check(ctx, addrRequest("203.0.113.90"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBlocked, v.Outcome)
	assert.Contains(t, v.Reason, "attempts")
}

func TestNilStagesSkipped(t *testing.T) {
	g := New(Components{}, DefaultConfig(), zerolog.Nop(), Options{})
	v, err := g.Check(context.Background(), addrRequest("192.0.2.1"))
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	_, err = g.ReportFailure(context.Background(), "192.0.2.1", "x")
	assert.Error(t, err)
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "10.0.0.1", Subject(identity.Key{Kind: identity.KindAddress, Value: "10.0.0.1"}))
	assert.Equal(t, "user:9", Subject(identity.Key{Kind: identity.KindUser, Value: "9"}))
}

type countingRecorder struct {
	blocked   map[string]int
	processed int
}

func (r *countingRecorder) RecordBlocked(origin, remediation string) {
	if r.blocked == nil {
		r.blocked = map[string]int{}
	}
	r.blocked[origin+"/"+remediation]++
}

func (r *countingRecorder) RecordProcessed() { r.processed++ }

func TestRecorderSeesEveryVerdict(t *testing.T) {
	store := storage.NewMemoryStore()
	h := newHarness(t, store, func(c *harnessConfig) {
		c.rules = []ratelimit.Rule{{Name: "api", Window: time.Minute, Max: 2}}
	})
	rec := &countingRecorder{}
	h.guard.c.Recorder = rec
	ctx := context.Background()

	_, err := h.access.Block(ctx, "192.0.2.77", "crowdsec: ssh-bf", time.Hour, access.SourceCrowdSec)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := h.guard.Check(ctx, addrRequest("192.0.2.76"))
		require.NoError(t, err)
	}
	_, err = h.guard.Check(ctx, addrRequest("192.0.2.77"))
	require.NoError(t, err)
	_, err = h.guard.Check(ctx, Request{})
	require.NoError(t, err)

	assert.Equal(t, 2, rec.processed)
	assert.Equal(t, map[string]int{"trafficguard/ratelimit": 1, "crowdsec/ban": 1}, rec.blocked)
}

func TestRouteRulesApplyToMatchingEndpoints(t *testing.T) {
	h := newHarness(t, storage.NewMemoryStore(), func(c *harnessConfig) {
		c.rules = []ratelimit.Rule{
			{Name: "api", Window: time.Minute, Max: 100},
			{Name: "auth", Window: time.Minute, Max: 2},
		}
	})
	h.guard.cfg.RateLimitRules = []string{"api"}
	h.guard.cfg.RouteRules = []RouteRule{{Prefix: "/login", Rule: "auth"}}
	ctx := context.Background()

	login := addrRequest("203.0.113.120")
	login.Endpoint = "/login?next=/home"
	for i := 0; i < 2; i++ {
		v, err := h.guard.Check(ctx, login)
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	v, err := h.guard.Check(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, v.Outcome)
	assert.Equal(t, "auth", v.RateLimit.Rule)

	v, err = h.guard.Check(ctx, addrRequest("203.0.113.120"))
	require.NoError(t, err)
	assert.True(t, v.Allowed, "auth rule does not apply outside /login")
}

func TestEmptyBaseRulesExcludeRouteRules(t *testing.T) {
	lim, err := ratelimit.New(storage.NewMemoryStore(), []ratelimit.Rule{
		{Name: "api", Window: time.Minute, Max: 100},
		{Name: "auth", Window: 15 * time.Minute, Max: 2},
	}, zerolog.Nop(), ratelimit.Options{})
	require.NoError(t, err)
	g := New(Components{Limiter: lim}, Config{RouteRules: []RouteRule{{Prefix: "/login", Rule: "auth"}}}, zerolog.Nop(), Options{})
	ctx := context.Background()

	assert.Equal(t, []string{"api"}, g.rulesFor("/items"))
	assert.Equal(t, []string{"api", "auth"}, g.rulesFor("/login"))

	for i := 0; i < 5; i++ {
		v, err := g.Check(ctx, addrRequest("203.0.113.121"))
		require.NoError(t, err)
		require.True(t, v.Allowed, "request %d outside /login", i+1)
		assert.Equal(t, "api", v.RateLimit.Rule)
	}

	login := addrRequest("203.0.113.121")
	login.Endpoint = "/login"
	for i := 0; i < 2; i++ {
		v, err := g.Check(ctx, login)
		require.NoError(t, err)
		require.True(t, v.Allowed)
	}
	v, err := g.Check(ctx, login)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, v.Outcome)
	assert.Equal(t, "auth", v.RateLimit.Rule)
}

func TestAllRulesClaimedByRoutes(t *testing.T) {
	lim, err := ratelimit.New(storage.NewMemoryStore(), []ratelimit.Rule{
		{Name: "auth", Window: time.Minute, Max: 1},
	}, zerolog.Nop(), ratelimit.Options{})
	require.NoError(t, err)
	g := New(Components{Limiter: lim}, Config{RouteRules: []RouteRule{{Prefix: "/login", Rule: "auth"}}}, zerolog.Nop(), Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		v, err := g.Check(ctx, addrRequest("203.0.113.122"))
		require.NoError(t, err)
		assert.True(t, v.Allowed, "no rule applies outside /login")
		assert.Nil(t, v.RateLimit)
	}
}

func TestParseRouteRules(t *testing.T) {
	rr, err := ParseRouteRules([]string{"/login=auth", " /export = expensive ", ""})
	require.NoError(t, err)
	assert.Equal(t, []RouteRule{{"/login", "auth"}, {"/export", "expensive"}}, rr)

	_, err = ParseRouteRules([]string{"login=auth"})
	assert.Error(t, err)
	_, err = ParseRouteRules([]string{"/login="})
	assert.Error(t, err)
}

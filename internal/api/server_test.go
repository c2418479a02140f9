package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/developingchet/trafficguard/internal/abuse"
	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/ddos"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/ratelimit"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	adminToken = "test-admin-token-0123456789"
	browserUA  = "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

type fixture struct {
	handler http.Handler
	access  *access.Controller
	quota   *quota.Manager
	monitor *ddos.Monitor
	clk     *clock
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store := storage.NewMemoryStore()
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	log := zerolog.Nop()

	lim, err := ratelimit.New(store, []ratelimit.Rule{{Name: "api", Window: time.Minute, Max: 3}}, log, ratelimit.Options{Clock: clk.Now})
	require.NoError(t, err)
	acc, err := access.New(store, access.DefaultConfig(), log, access.Options{Clock: clk.Now})
	require.NoError(t, err)
	mon, err := ddos.New(store, ddos.DefaultConfig(), acc, lim, log, ddos.Options{Clock: clk.Now})
	require.NoError(t, err)
	scorer, err := abuse.New(abuse.DefaultConfig(), mon, lim, log, abuse.Options{Clock: clk.Now})
	require.NoError(t, err)
	qm, err := quota.New(store, quota.Config{Plans: quota.DefaultPlans()}, log, quota.Options{Clock: clk.Now})
	require.NoError(t, err)
	g := guard.New(guard.Components{Limiter: lim, Access: acc, Monitor: mon, Scorer: scorer, Quota: qm},
		guard.DefaultConfig(), log, guard.Options{Clock: clk.Now})

	opts.Clock = clk.Now
	srv := New(Deps{Guard: g, Access: acc, Quota: qm, Limiter: lim, Monitor: mon}, opts, log)
	return &fixture{handler: srv.Handler(), access: acc, quota: qm, monitor: mon, clk: clk}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *fixture) admin(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+adminToken)
	return f.do(req)
}

func checkReq(source string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/check", nil)
	req.Header.Set("X-Forwarded-For", source+", 10.0.0.1")
	req.Header.Set(HeaderOriginalURI, "/api/items")
	req.Header.Set(HeaderOriginalMethod, http.MethodGet)
	req.Header.Set("User-Agent", browserUA)
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestCheckAllowedSetsRateLimitHeaders(t *testing.T) {
	f := newFixture(t, Options{TrustForwardedFor: true})
	rec := f.do(checkReq("203.0.113.5"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, "allowed", rec.Header().Get(HeaderOutcome))
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	v := decode[verdictView](t, rec)
	assert.True(t, v.Allowed)
	assert.Equal(t, "203.0.113.5", v.Subject)
}

func TestCheckRateLimited(t *testing.T) {
	f := newFixture(t, Options{TrustForwardedFor: true})
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(checkReq("203.0.113.6")).Code)
		f.clk.Advance(time.Second)
	}
	rec := f.do(checkReq("203.0.113.6"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "rate_limited", decode[verdictView](t, rec).Outcome)
}

func TestCheckIgnoresForwardedForWhenUntrusted(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(checkReq("203.0.113.7"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "192.0.2.1", decode[verdictView](t, rec).Subject, "httptest remote address")
}

func TestCheckBlockedSource(t *testing.T) {
	f := newFixture(t, Options{TrustForwardedFor: true})
	_, err := f.access.Block(context.Background(), "203.0.113.8", "manual", time.Hour, access.SourceAdmin)
	require.NoError(t, err)

	rec := f.do(checkReq("203.0.113.8"))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "3600", rec.Header().Get("Retry-After"))
}

func TestCheckJSONQuotaExceeded(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})
	rec := f.admin(http.MethodPut, "/v1/admin/quotas/user:7", `{"plan":"trial","daily_limit":1,"monthly_limit":10}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := `{"user_id":"7","source":"198.51.100.9","endpoint":"/api/items","method":"GET","user_agent":"` + browserUA + `"}`
	first := f.do(httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	v := decode[verdictView](t, first)
	require.NotNil(t, v.Quota)
	assert.Equal(t, int64(1), v.Quota.DailyLimit)

	second := f.do(httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(body)))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "quota_exceeded", decode[verdictView](t, second).Outcome)
	assert.Equal(t, "54000", second.Header().Get("Retry-After"), "until midnight UTC")
}

func TestCheckJSONReportedSource(t *testing.T) {
	body := `{"source":"198.51.100.30","endpoint":"/api/items","user_agent":"` + browserUA + `"}`
	for _, tc := range []struct {
		name    string
		trusted bool
		want    string
	}{
		{"untrusted uses connection address", false, "192.0.2.1"},
		{"trusted proxy reports source", true, "198.51.100.30"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, Options{TrustForwardedFor: tc.trusted})
			rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(body)))
			require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
			assert.Equal(t, tc.want, decode[verdictView](t, rec).Subject)
		})
	}
}

func TestCheckJSONRejectsUnknownFields(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(`{"uid":"7"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckNoIdentity(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodPost, "/v1/check", strings.NewReader(`{"endpoint":"/"}`))
	req.RemoteAddr = ""
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)
}

func TestCheckChallenge(t *testing.T) {
	clk := &clock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	cfg := ddos.DefaultConfig()
	cfg.Threshold = 2
	cfg.Action = ddos.ActionChallenge
	store := storage.NewMemoryStore()
	lim, err := ratelimit.New(store, []ratelimit.Rule{{Name: "api", Window: time.Minute, Max: 100}}, zerolog.Nop(), ratelimit.Options{Clock: clk.Now})
	require.NoError(t, err)
	mon, err := ddos.New(store, cfg, nil, lim, zerolog.Nop(), ddos.Options{Clock: clk.Now})
	require.NoError(t, err)
	g := guard.New(guard.Components{Limiter: lim, Monitor: mon}, guard.DefaultConfig(), zerolog.Nop(), guard.Options{Clock: clk.Now})
	h := New(Deps{Guard: g}, Options{TrustForwardedFor: true, Clock: clk.Now}, zerolog.Nop()).Handler()

	var rec *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		rec = httptest.NewRecorder()
		h.ServeHTTP(rec, checkReq("203.0.113.9"))
	}
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "required", rec.Header().Get(HeaderChallenge))
}

func TestFailuresAutoBlock(t *testing.T) {
	f := newFixture(t, Options{TrustForwardedFor: true})
	var last failureView
	for i := 0; i < access.DefaultConfig().FailureThreshold; i++ {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/failures",
			strings.NewReader(`{"source":"198.51.100.20","reason":"bad password"}`)))
		require.Equal(t, http.StatusOK, rec.Code)
		last = decode[failureView](t, rec)
	}
	assert.True(t, last.Blocked)
	assert.True(t, f.access.IsBlocked(context.Background(), "198.51.100.20"))
}

func TestFailuresDefaultsToCallerAddress(t *testing.T) {
	f := newFixture(t, Options{})
	rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/failures", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	v := decode[failureView](t, rec)
	assert.Equal(t, "192.0.2.1", v.Source)
	assert.Equal(t, 1, v.Failures)
}

func TestFailuresIgnoreReportedSourceWhenUntrusted(t *testing.T) {
	f := newFixture(t, Options{})
	for i := 0; i < access.DefaultConfig().FailureThreshold; i++ {
		rec := f.do(httptest.NewRequest(http.MethodPost, "/v1/failures",
			strings.NewReader(`{"source":"198.51.100.21","reason":"bad password"}`)))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "192.0.2.1", decode[failureView](t, rec).Source)
	}
	assert.False(t, f.access.IsBlocked(context.Background(), "198.51.100.21"))
	assert.True(t, f.access.IsBlocked(context.Background(), "192.0.2.1"))
}

func TestAdminRequiresToken(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/blocks", nil)
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req.Header.Set("Authorization", "Bearer wrong-token")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	assert.Equal(t, http.StatusOK, f.admin(http.MethodGet, "/v1/admin/blocks", "").Code)
}

func TestAdminDisabledWithoutToken(t *testing.T) {
	f := newFixture(t, Options{})
	req := httptest.NewRequest(http.MethodGet, "/v1/admin/blocks", nil)
	req.Header.Set("Authorization", "Bearer anything")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestAdminBlockLifecycle(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})

	rec := f.admin(http.MethodPost, "/v1/admin/blocks", `{"identity":"user:42","reason":"fraud","duration":"2h"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	bv := decode[blockView](t, rec)
	assert.Equal(t, "user:42", bv.Identity)
	assert.Equal(t, access.SourceAdmin, bv.Source)
	require.NotNil(t, bv.ExpiresAt)

	list := decode[[]blockView](t, f.admin(http.MethodGet, "/v1/admin/blocks", ""))
	require.Len(t, list, 1)

	status := decode[map[string]any](t, f.admin(http.MethodGet, "/v1/admin/blocks/user:42", ""))
	assert.Equal(t, true, status["blocked"])

	assert.Equal(t, http.StatusNoContent, f.admin(http.MethodDelete, "/v1/admin/blocks/user:42", "").Code)
	assert.False(t, f.access.IsBlocked(context.Background(), "user:42"))
}

func TestAdminBlockRejectsBadDuration(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})
	rec := f.admin(http.MethodPost, "/v1/admin/blocks", `{"identity":"203.0.113.1","duration":"forever"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAdminAllowListPreventsBlock(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})
	require.Equal(t, http.StatusCreated, f.admin(http.MethodPost, "/v1/admin/allowlist", `{"identity":"::ffff:203.0.113.2","note":"office"}`).Code)

	entries := decode[[]map[string]any](t, f.admin(http.MethodGet, "/v1/admin/allowlist", ""))
	require.Len(t, entries, 1)
	assert.Equal(t, "203.0.113.2", entries[0]["identity"])

	rec := f.admin(http.MethodPost, "/v1/admin/blocks", `{"identity":"203.0.113.2"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	assert.Equal(t, http.StatusNoContent, f.admin(http.MethodDelete, "/v1/admin/allowlist/203.0.113.2", "").Code)
	assert.Equal(t, http.StatusCreated, f.admin(http.MethodPost, "/v1/admin/blocks", `{"identity":"203.0.113.2"}`).Code)
}

func TestAdminQuotaLifecycle(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})

	assert.Equal(t, http.StatusNotFound, f.admin(http.MethodGet, "/v1/admin/quotas/user:9", "").Code)
	assert.Equal(t, http.StatusBadRequest, f.admin(http.MethodPut, "/v1/admin/quotas/user:9", `{"plan":"unknown"}`).Code)

	rec := f.admin(http.MethodPut, "/v1/admin/quotas/user:9", `{"plan":"pro"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	qv := decode[quotaView](t, rec)
	assert.Equal(t, "pro", qv.Plan)
	assert.True(t, qv.Available)

	list := decode[[]map[string]any](t, f.admin(http.MethodGet, "/v1/admin/quotas", ""))
	require.Len(t, list, 1)
	assert.Equal(t, "user:9", list[0]["principal"])

	assert.Equal(t, http.StatusNoContent, f.admin(http.MethodDelete, "/v1/admin/quotas/user:9", "").Code)
	assert.Equal(t, http.StatusNotFound, f.admin(http.MethodGet, "/v1/admin/quotas/user:9", "").Code)
}

func TestAdminResetClearsCounters(t *testing.T) {
	f := newFixture(t, Options{TrustForwardedFor: true, AdminToken: adminToken})
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, f.do(checkReq("203.0.113.30")).Code)
	}
	require.Equal(t, http.StatusTooManyRequests, f.do(checkReq("203.0.113.30")).Code)

	require.Equal(t, http.StatusNoContent, f.admin(http.MethodPost, "/v1/admin/reset/203.0.113.30", "").Code)
	assert.Equal(t, http.StatusOK, f.do(checkReq("203.0.113.30")).Code)
}

func TestAdminAttacks(t *testing.T) {
	f := newFixture(t, Options{AdminToken: adminToken})
	assert.Equal(t, http.StatusNotFound, f.admin(http.MethodGet, "/v1/admin/attacks/missing", "").Code)

	list := decode[[]attackView](t, f.admin(http.MethodGet, "/v1/admin/attacks", ""))
	assert.Empty(t, list)
}

func TestStatusFor(t *testing.T) {
	cases := map[guard.Outcome]int{
		guard.OutcomeAllowed:     http.StatusOK,
		guard.OutcomeRateLimited: http.StatusTooManyRequests,
		guard.OutcomeQuota:       http.StatusTooManyRequests,
		guard.OutcomeBlocked:     http.StatusForbidden,
		guard.OutcomeAbuse:       http.StatusForbidden,
		guard.OutcomeChallenge:   http.StatusUnauthorized,
		guard.OutcomeNoIdentity:  http.StatusBadRequest,
	}
	for o, want := range cases {
		assert.Equal(t, want, statusFor(o), string(o))
	}
}

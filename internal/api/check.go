package api

import (
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/quota"
)

// Headers read from a forward-auth subrequest.
const (
	HeaderUserID         = "X-User-Id"
	HeaderAPIKey         = "X-Api-Key"
	HeaderOriginalURI    = "X-Original-URI"
	HeaderOriginalMethod = "X-Original-Method"
	HeaderOriginalLength = "X-Original-Content-Length"
	HeaderForwardedURI   = "X-Forwarded-Uri"
	HeaderForwardedMeth  = "X-Forwarded-Method"
	HeaderOutcome        = "X-TrafficGuard-Outcome"
	HeaderChallenge      = "X-TrafficGuard-Challenge"
)

// checkRequest is the JSON body of POST /v1/check.
type checkRequest struct {
	UserID      string `json:"user_id"`
	APIKey      string `json:"api_key"`
	Source      string `json:"source"`
	Endpoint    string `json:"endpoint"`
	Method      string `json:"method"`
	PayloadSize int64  `json:"payload_size"`
	UserAgent   string `json:"user_agent"`
}

type verdictView struct {
	Allowed   bool       `json:"allowed"`
	Outcome   string     `json:"outcome"`
	Subject   string     `json:"subject,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	RiskScore *float64   `json:"risk_score,omitempty"`
	Signals   []string   `json:"signals,omitempty"`
	Quota     *quotaView `json:"quota,omitempty"`
	Degraded  bool       `json:"degraded,omitempty"`
}

// handleCheckHeaders serves forward-auth subrequests: the original request
// is described entirely by headers.
func (s *Server) handleCheckHeaders(w http.ResponseWriter, r *http.Request) {
	h := r.Header
	size, _ := strconv.ParseInt(h.Get(HeaderOriginalLength), 10, 64)
	req := guard.Request{
		UserID:      h.Get(HeaderUserID),
		APIKey:      h.Get(HeaderAPIKey),
		SourceAddr:  s.sourceAddr(r),
		Endpoint:    firstNonEmpty(h.Get(HeaderOriginalURI), h.Get(HeaderForwardedURI), r.URL.Query().Get("endpoint")),
		Method:      firstNonEmpty(h.Get(HeaderOriginalMethod), h.Get(HeaderForwardedMeth), http.MethodGet),
		PayloadSize: max(0, size),
		UserAgent:   r.UserAgent(),
	}
	s.check(w, r, req)
}

// handleCheckJSON serves callers that describe the request in a JSON body.
func (s *Server) handleCheckJSON(w http.ResponseWriter, r *http.Request) {
	var body checkRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := guard.Request{
		UserID:      body.UserID,
		APIKey:      body.APIKey,
		SourceAddr:  s.reportedSource(r, body.Source),
		Endpoint:    body.Endpoint,
		Method:      firstNonEmpty(body.Method, http.MethodGet),
		PayloadSize: max(0, body.PayloadSize),
		UserAgent:   body.UserAgent,
	}
	s.check(w, r, req)
}

func (s *Server) check(w http.ResponseWriter, r *http.Request, req guard.Request) {
	v, err := s.deps.Guard.Check(r.Context(), req)
	if err != nil {
		s.log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Msg("check failed")
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	now := s.opts.Clock()
	hdr := w.Header()
	hdr.Set(HeaderOutcome, string(v.Outcome))
	if rl := v.RateLimit; rl != nil {
		hdr.Set("X-RateLimit-Limit", strconv.Itoa(rl.Limit))
		hdr.Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining))
		hdr.Set("X-RateLimit-Reset", strconv.FormatInt(rl.ResetAt.Unix(), 10))
	}
	if wait := retryAfter(v, now); wait > 0 {
		hdr.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
	}
	if v.Outcome == guard.OutcomeChallenge {
		hdr.Set(HeaderChallenge, "required")
	}

	view := verdictView{
		Allowed:  v.Allowed,
		Outcome:  string(v.Outcome),
		Subject:  v.Subject,
		Reason:   v.Reason,
		Degraded: v.Degraded,
	}
	if a := v.Assessment; a != nil && len(a.Findings) > 0 {
		score := a.RiskScore
		view.RiskScore = &score
		for _, f := range a.Findings {
			view.Signals = append(view.Signals, string(f.Signal))
		}
	}
	if v.Quota != nil {
		q := newQuotaView(*v.Quota)
		view.Quota = &q
	}
	writeJSON(w, statusFor(v.Outcome), view)
}

// statusFor maps outcomes onto the codes forward-auth proxies act on.
func statusFor(o guard.Outcome) int {
	switch o {
	case guard.OutcomeAllowed:
		return http.StatusOK
	case guard.OutcomeRateLimited, guard.OutcomeQuota:
		return http.StatusTooManyRequests
	case guard.OutcomeChallenge:
		return http.StatusUnauthorized
	case guard.OutcomeNoIdentity:
		return http.StatusBadRequest
	default:
		return http.StatusForbidden
	}
}

// retryAfter is how long a denied caller should wait, zero when unknown or
// when waiting will not help.
func retryAfter(v guard.Verdict, now time.Time) time.Duration {
	var until time.Time
	switch v.Outcome {
	case guard.OutcomeRateLimited:
		if v.RateLimit != nil {
			until = v.RateLimit.ResetAt
		}
	case guard.OutcomeBlocked:
		if v.Block != nil {
			until = v.Block.ExpiresAt
		}
	case guard.OutcomeQuota:
		if v.Quota != nil {
			switch v.Quota.Reason {
			case quota.ReasonDailyExceeded:
				until = v.Quota.DailyResetAt
			case quota.ReasonMonthlyExceeded:
				until = v.Quota.MonthlyResetAt
			}
		}
	}
	if until.IsZero() || !until.After(now) {
		return 0
	}
	return until.Sub(now)
}

type failureRequest struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

type failureView struct {
	Source   string `json:"source"`
	Failures int    `json:"failures"`
	Blocked  bool   `json:"blocked"`
	Degraded bool   `json:"degraded,omitempty"`
}

// handleFailure records a failed authentication for the caller's address, or
// for the reported source when the caller is a trusted proxy.
func (s *Server) handleFailure(w http.ResponseWriter, r *http.Request) {
	var body failureRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	source := identity.Canonical(s.reportedSource(r, body.Source))
	reason := firstNonEmpty(body.Reason, "authentication failed")
	res, err := s.deps.Guard.ReportFailure(r.Context(), source, reason)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, failureView{Source: source, Failures: res.Failures, Blocked: res.Blocked, Degraded: res.Degraded})
}

func (s *Server) sourceAddr(r *http.Request) string {
	if s.opts.TrustForwardedFor {
		return identity.SourceAddress(r.Header.Get("X-Forwarded-For"), r.RemoteAddr)
	}
	return identity.Canonical(r.RemoteAddr)
}

// reportedSource honours a body-supplied address only behind a trusted proxy.
func (s *Server) reportedSource(r *http.Request, reported string) string {
	if s.opts.TrustForwardedFor && reported != "" {
		return reported
	}
	return s.sourceAddr(r)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

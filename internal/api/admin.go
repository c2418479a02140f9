package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/identity"
	"github.com/developingchet/trafficguard/internal/policy"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/go-chi/chi/v5"
)

type blockView struct {
	Identity  string     `json:"identity"`
	Reason    string     `json:"reason"`
	Source    string     `json:"source"`
	BlockedAt time.Time  `json:"blocked_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	Attempts  int        `json:"attempts,omitempty"`
}

func newBlockView(rec storage.BlockRecord) blockView {
	v := blockView{
		Identity:  rec.Identity,
		Reason:    rec.Reason,
		Source:    rec.Source,
		BlockedAt: rec.BlockedAt,
		Attempts:  rec.Attempts,
	}
	if !rec.Permanent() {
		exp := rec.ExpiresAt
		v.ExpiresAt = &exp
	}
	return v
}

type quotaView struct {
	Available      bool      `json:"available"`
	Reason         string    `json:"reason,omitempty"`
	Plan           string    `json:"plan,omitempty"`
	DailyLimit     int64     `json:"daily_limit"`
	DailyUsage     int64     `json:"daily_usage"`
	DailyResetAt   time.Time `json:"daily_reset_at"`
	MonthlyLimit   int64     `json:"monthly_limit"`
	MonthlyUsage   int64     `json:"monthly_usage"`
	MonthlyResetAt time.Time `json:"monthly_reset_at"`
	Degraded       bool      `json:"degraded,omitempty"`
}

func newQuotaView(st quota.Status) quotaView {
	return quotaView{
		Available:      st.Available,
		Reason:         string(st.Reason),
		Plan:           st.Plan,
		DailyLimit:     st.DailyLimit,
		DailyUsage:     st.DailyUsage,
		DailyResetAt:   st.DailyResetAt,
		MonthlyLimit:   st.MonthlyLimit,
		MonthlyUsage:   st.MonthlyUsage,
		MonthlyResetAt: st.MonthlyResetAt,
		Degraded:       st.Degraded,
	}
}

// subjectParam normalises an identity path parameter ("1.2.3.4",
// "user:42", "key:<digest>") to the key components store state under.
func subjectParam(r *http.Request, name string) string {
	return guard.Subject(identity.Parse(chi.URLParam(r, name)))
}

type blockRequest struct {
	Identity string `json:"identity"`
	Reason   string `json:"reason"`
	// Duration is a Go duration string; empty or "0s" blocks permanently.
	Duration string `json:"duration"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var body blockRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	var dur time.Duration
	if body.Duration != "" {
		d, err := time.ParseDuration(body.Duration)
		if err != nil {
			writeError(w, http.StatusBadRequest, "duration: "+err.Error())
			return
		}
		dur = d
	}
	subject := guard.Subject(identity.Parse(body.Identity))
	applied, err := s.deps.Access.Block(r.Context(), subject, firstNonEmpty(body.Reason, "manual block"), dur, access.SourceAdmin)
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	if !applied {
		writeError(w, http.StatusConflict, "identity is allow-listed")
		return
	}
	st := s.deps.Access.Status(r.Context(), subject)
	if st.Record == nil {
		writeJSON(w, http.StatusCreated, map[string]string{"identity": subject})
		return
	}
	writeJSON(w, http.StatusCreated, newBlockView(*st.Record))
}

func (s *Server) handleBlockStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Access.Status(r.Context(), subjectParam(r, "identity"))
	if !st.Blocked {
		writeJSON(w, http.StatusOK, map[string]any{"blocked": false, "allow_listed": st.AllowListed, "degraded": st.Degraded})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": true, "block": newBlockView(*st.Record)})
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Access.Unblock(r.Context(), subjectParam(r, "identity")); err != nil {
		s.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListBlocks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Access.Blocks(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	out := make([]blockView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newBlockView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

type allowRequest struct {
	Identity string `json:"identity"`
	Note     string `json:"note"`
}

func (s *Server) handleAllow(w http.ResponseWriter, r *http.Request) {
	var body allowRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Identity == "" {
		writeError(w, http.StatusBadRequest, "identity is required")
		return
	}
	subject := guard.Subject(identity.Parse(body.Identity))
	if err := s.deps.Access.Allow(r.Context(), subject, body.Note); err != nil {
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"identity": subject})
}

func (s *Server) handleDisallow(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Access.Disallow(r.Context(), subjectParam(r, "identity")); err != nil {
		s.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAllow(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Access.AllowList(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	type allowView struct {
		Identity string    `json:"identity"`
		Note     string    `json:"note,omitempty"`
		AddedAt  time.Time `json:"added_at"`
	}
	out := make([]allowView, 0, len(entries))
	for _, e := range entries {
		out = append(out, allowView{Identity: e.Identity, Note: e.Note, AddedAt: e.AddedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type quotaRequest struct {
	Plan         string     `json:"plan"`
	DailyLimit   int64      `json:"daily_limit"`
	MonthlyLimit int64      `json:"monthly_limit"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (s *Server) handleAssignQuota(w http.ResponseWriter, r *http.Request) {
	var body quotaRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a := quota.Assignment{
		Principal:    subjectParam(r, "principal"),
		Plan:         body.Plan,
		DailyLimit:   body.DailyLimit,
		MonthlyLimit: body.MonthlyLimit,
	}
	if body.ExpiresAt != nil {
		a.ExpiresAt = *body.ExpiresAt
	}
	if _, err := s.deps.Quota.Assign(r.Context(), a); err != nil {
		if policy.IsConfigError(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.serverError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newQuotaView(s.deps.Quota.HasAvailableQuota(r.Context(), a.Principal)))
}

func (s *Server) handleQuotaStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Quota.HasAvailableQuota(r.Context(), subjectParam(r, "principal"))
	if st.Reason == quota.ReasonNoRecord {
		writeError(w, http.StatusNotFound, "no quota assigned")
		return
	}
	writeJSON(w, http.StatusOK, newQuotaView(st))
}

func (s *Server) handleRemoveQuota(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Quota.Remove(r.Context(), subjectParam(r, "principal")); err != nil {
		s.serverError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListQuotas(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Quota.List(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	type recordView struct {
		Principal    string     `json:"principal"`
		Plan         string     `json:"plan"`
		DailyLimit   int64      `json:"daily_limit"`
		MonthlyLimit int64      `json:"monthly_limit"`
		AssignedAt   time.Time  `json:"assigned_at"`
		ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	}
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		v := recordView{Principal: rec.Principal, Plan: rec.Plan, DailyLimit: rec.DailyLimit,
			MonthlyLimit: rec.MonthlyLimit, AssignedAt: rec.AssignedAt}
		if !rec.ExpiresAt.IsZero() {
			exp := rec.ExpiresAt
			v.ExpiresAt = &exp
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, out)
}

// handleReset clears rate-limit counters, throttles, DDoS volume and any
// pending challenge for one identity.
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	subject := subjectParam(r, "identity")
	ctx := r.Context()
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.Reset(ctx, subject); err != nil {
			s.serverError(w, r, err)
			return
		}
		if err := s.deps.Limiter.Unthrottle(ctx, subject); err != nil {
			s.serverError(w, r, err)
			return
		}
	}
	if s.deps.Monitor != nil {
		if err := s.deps.Monitor.Reset(ctx, subject); err != nil {
			s.serverError(w, r, err)
			return
		}
		if err := s.deps.Monitor.ClearChallenge(ctx, subject); err != nil {
			s.serverError(w, r, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type attackView struct {
	ID           string    `json:"id"`
	DetectedAt   time.Time `json:"detected_at"`
	Identities   []string  `json:"identities"`
	RequestCount int       `json:"request_count"`
	Window       string    `json:"window"`
	Action       string    `json:"action"`
	Mitigated    bool      `json:"mitigated"`
	RetainUntil  time.Time `json:"retain_until"`
}

func newAttackView(rec storage.AttackRecord) attackView {
	return attackView{
		ID:           rec.ID,
		DetectedAt:   rec.DetectedAt,
		Identities:   rec.Identities,
		RequestCount: rec.RequestCount,
		Window:       rec.Window.String(),
		Action:       rec.Action,
		Mitigated:    rec.Mitigated,
		RetainUntil:  rec.RetainUntil,
	}
}

func (s *Server) handleListAttacks(w http.ResponseWriter, r *http.Request) {
	recs, err := s.deps.Monitor.Attacks(r.Context())
	if err != nil {
		s.serverError(w, r, err)
		return
	}
	out := make([]attackView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newAttackView(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAttack(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Monitor.Attack(r.Context(), chi.URLParam(r, "id"))
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.serverError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "attack not found")
		return
	}
	writeJSON(w, http.StatusOK, newAttackView(*rec))
}

func (s *Server) serverError(w http.ResponseWriter, r *http.Request, err error) {
	s.log.Error().Err(err).Str("request_id", RequestIDFrom(r.Context())).Str("path", r.URL.Path).Msg("admin request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

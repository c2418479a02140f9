// Package api exposes the guard pipeline and its administration over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/developingchet/trafficguard/internal/access"
	"github.com/developingchet/trafficguard/internal/guard"
	"github.com/developingchet/trafficguard/internal/quota"
	"github.com/developingchet/trafficguard/internal/storage"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Checker is satisfied by *guard.Guard.
type Checker interface {
	Check(ctx context.Context, r guard.Request) (guard.Verdict, error)
	ReportFailure(ctx context.Context, sourceAddr, reason string) (access.AttemptResult, error)
}

// BlockList is satisfied by *access.Controller.
type BlockList interface {
	Status(ctx context.Context, id string) access.Status
	Block(ctx context.Context, id, reason string, duration time.Duration, source string) (bool, error)
	Unblock(ctx context.Context, id string) error
	Allow(ctx context.Context, id, note string) error
	Disallow(ctx context.Context, id string) error
	Blocks(ctx context.Context) ([]storage.BlockRecord, error)
	AllowList(ctx context.Context) ([]storage.AllowEntry, error)
}

// Quotas is satisfied by *quota.Manager.
type Quotas interface {
	Assign(ctx context.Context, a quota.Assignment) (storage.QuotaRecord, error)
	Remove(ctx context.Context, principal string) error
	HasAvailableQuota(ctx context.Context, principal string) quota.Status
	List(ctx context.Context) ([]storage.QuotaRecord, error)
}

// Counters is satisfied by *ratelimit.Limiter.
type Counters interface {
	Reset(ctx context.Context, id string, rules ...string) error
	Unthrottle(ctx context.Context, id string) error
}

// Attacks is satisfied by *ddos.Monitor.
type Attacks interface {
	Attacks(ctx context.Context) ([]storage.AttackRecord, error)
	Attack(ctx context.Context, id string) (*storage.AttackRecord, error)
	Reset(ctx context.Context, id string) error
	ClearChallenge(ctx context.Context, id string) error
}

// Deps are the components the server drives. Admin routes for a nil
// component are not mounted.
type Deps struct {
	Guard   Checker
	Access  BlockList
	Quota   Quotas
	Limiter Counters
	Monitor Attacks
}

// Options tunes a Server.
type Options struct {
	// TrustForwardedFor takes the client address from X-Forwarded-For and
	// honours the source field of JSON bodies.
	TrustForwardedFor bool
	// AdminToken guards /v1/admin. Admin routes are disabled when empty.
	AdminToken string
	Clock      func() time.Time
}

// Server serves the check and admin endpoints.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	log    zerolog.Logger
}

// New builds the router.
func New(deps Deps, opts Options, log zerolog.Logger) *Server {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Server{
		router: chi.NewRouter(),
		deps:   deps,
		opts:   opts,
		log:    log.With().Str("component", "api").Logger(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestID)
	r.Use(s.requestLog)
	r.Use(middleware.Recoverer)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Route("/v1", func(r chi.Router) {
		r.Get("/check", s.handleCheckHeaders)
		r.Post("/check", s.handleCheckJSON)
		r.Post("/failures", s.handleFailure)

		if s.opts.AdminToken == "" {
			return
		}
		r.Route("/admin", func(r chi.Router) {
			r.Use(bearerAuth(s.opts.AdminToken))
			if s.deps.Access != nil {
				r.Get("/blocks", s.handleListBlocks)
				r.Post("/blocks", s.handleBlock)
				r.Get("/blocks/{identity}", s.handleBlockStatus)
				r.Delete("/blocks/{identity}", s.handleUnblock)
				r.Get("/allowlist", s.handleListAllow)
				r.Post("/allowlist", s.handleAllow)
				r.Delete("/allowlist/{identity}", s.handleDisallow)
			}
			if s.deps.Quota != nil {
				r.Get("/quotas", s.handleListQuotas)
				r.Get("/quotas/{principal}", s.handleQuotaStatus)
				r.Put("/quotas/{principal}", s.handleAssignQuota)
				r.Delete("/quotas/{principal}", s.handleRemoveQuota)
			}
			if s.deps.Limiter != nil || s.deps.Monitor != nil {
				r.Post("/reset/{identity}", s.handleReset)
			}
			if s.deps.Monitor != nil {
				r.Get("/attacks", s.handleListAttacks)
				r.Get("/attacks/{id}", s.handleAttack)
			}
		})
	})
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve listens on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info().Str("addr", addr).Bool("admin", s.opts.AdminToken != "").Msg("API server started")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

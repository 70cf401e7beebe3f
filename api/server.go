/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Requests:   zap request log and request counters
  4. Timeout:    Per-request deadline (when configured)
  5. CORS:       Cross-origin requests for the admin dashboard
  6. Principal:  X-Principal-ID / X-Principal-Role into the request context

ROUTE GROUPS:
  /api/complaints, /api/withdrawals  Intake
  /api/entities/*                    Entity reads and admin decisions
  /api/users/*                       Balance, history, rank, reconcile
  /api/hierarchy/*                   Approval chain
  /api/healthz, /api/metrics         Ops

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/warp/civic-points/approval"
)

// Principal headers set by the identity gateway.
const (
	HeaderPrincipalID   = "X-Principal-ID"
	HeaderPrincipalRole = "X-Principal-Role"
)

// RouterOptions tunes the middleware stack.
type RouterOptions struct {
	AllowedOrigins []string
	RequestTimeout time.Duration
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.logRequests)
	if opts.RequestTimeout > 0 {
		r.Use(middleware.Timeout(opts.RequestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderPrincipalID, HeaderPrincipalRole},
		AllowCredentials: true,
	}))
	r.Use(withPrincipal)

	r.Route("/api", func(r chi.Router) {
		// Intake
		r.Post("/complaints", h.SubmitComplaint)
		r.Post("/withdrawals", h.RequestWithdrawal)

		// Entity routes
		r.Route("/entities", func(r chi.Router) {
			r.Get("/", h.ListEntities)
			r.Get("/{id}", h.GetEntity)
			r.Get("/{id}/ledger", h.GetEntityLedger)
			r.Post("/{id}/transitions", h.Transition)
		})

		// User routes
		r.Route("/users", func(r chi.Router) {
			r.Get("/{id}/balance", h.GetBalance)
			r.Get("/{id}/history", h.GetHistory)
			r.Get("/{id}/rank", h.GetRank)
			r.Post("/{id}/reconcile", h.Reconcile)
		})

		// Hierarchy routes
		r.Route("/hierarchy", func(r chi.Router) {
			r.Get("/{kind}", h.GetHierarchy)
			r.Put("/{kind}", h.SetHierarchy)
		})

		r.Get("/healthz", h.Healthz)
		r.Get("/metrics", h.GetMetrics)
	})

	return r
}

// =============================================================================
// PRINCIPAL
// =============================================================================

type principalKey struct{}

func withPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderPrincipalID))
		if id != "" {
			p := approval.Principal{
				ID:   approval.UserID(id),
				Role: approval.Role(strings.TrimSpace(r.Header.Get(HeaderPrincipalRole))),
			}
			r = r.WithContext(context.WithValue(r.Context(), principalKey{}, p))
		}
		next.ServeHTTP(w, r)
	})
}

// PrincipalFrom returns the caller set by the identity gateway.
func PrincipalFrom(ctx context.Context) (approval.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(approval.Principal)
	return p, ok
}

func requirePrincipal(w http.ResponseWriter, r *http.Request) (approval.Principal, bool) {
	p, ok := PrincipalFrom(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing "+HeaderPrincipalID+" header", nil)
	}
	return p, ok
}

// =============================================================================
// REQUEST LOGGING
// =============================================================================

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		h.Metrics.RecordRequest(route, r.Method, status, duration)
		h.Logger.Info("http request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", duration),
		)
	})
}

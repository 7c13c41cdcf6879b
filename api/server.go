/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Structured request logging (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the planning UI

ROUTE GROUPS:
  /api/policies/*       Policy management
  /api/periods/*        Period lifecycle and validation
  /api/conflicts        Stored conflicts
  /api/trades/*         Shift trades
  /api/planning/*       Planning board proposals and apply
  /api/scenarios/*      Demo scenarios
  /healthz              Liveness

SECURITY NOTE:
  Caller identity comes from gateway headers (caller.go). Never expose this
  router directly to clients.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, log *zap.Logger, allowedOrigins []string) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			HeaderUserID, HeaderTenantID, HeaderRoles, HeaderDeviceID, HeaderGeoLat, HeaderGeoLong,
		},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Policy routes
		r.Route("/policies", func(r chi.Router) {
			r.Get("/", h.GetPolicy)
			r.Put("/", h.SavePolicy)
		})

		// Period routes
		r.Route("/periods", func(r chi.Router) {
			r.Get("/", h.ListPeriods)
			r.Post("/", h.CreatePeriod)
			r.Get("/{id}", h.GetPeriod)
			r.Post("/{id}/publish", h.transitionPeriod(h.Engine.Publish))
			r.Post("/{id}/lock", h.transitionPeriod(h.Engine.Lock))
			r.Post("/{id}/unlock", h.transitionPeriod(h.Engine.Unlock))
			r.Post("/{id}/archive", h.transitionPeriod(h.Engine.Archive))
			r.Post("/{id}/validate", h.ValidatePeriod)
		})

		r.Get("/conflicts", h.ListConflicts)

		// Trade routes
		r.Route("/trades", func(r chi.Router) {
			r.Get("/", h.ListTrades)
			r.Post("/", h.RequestTrade)
			r.Get("/{id}", h.GetTrade)
			r.Post("/{id}/accept", h.AcceptTrade)
			r.Post("/{id}/deny", h.DenyTrade)
			r.Post("/{id}/cancel", h.CancelTrade)
			r.Post("/{id}/apply", h.ApplyTrade)
		})

		// Planning board routes
		r.Route("/planning/boards/{boardId}", func(r chi.Router) {
			r.Post("/proposals", h.Propose)
			r.Post("/items/{itemId}/apply", h.ApplyProposal)
			r.Get("/items/{itemId}/drift", h.ListDriftEvents)
		})

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// RequestLogger logs one structured line per request, at a level chosen by
// the response status.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("ip", clientIP(r)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("user_id", r.Header.Get(HeaderUserID)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
			}

			switch {
			case status >= 500:
				log.Error("request failed", fields...)
			case status >= 400:
				log.Warn("client error", fields...)
			default:
				log.Info("request completed", fields...)
			}
		})
	}
}

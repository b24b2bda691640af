package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/driftsync/driftsync/internal/logger"
	"github.com/driftsync/driftsync/pkg/api/auth"
	"github.com/driftsync/driftsync/pkg/api/handlers"
	apimw "github.com/driftsync/driftsync/pkg/api/middleware"
	"github.com/driftsync/driftsync/pkg/broadcast"
	"github.com/driftsync/driftsync/pkg/registry"
	"github.com/driftsync/driftsync/pkg/replication"
)

// Deps are the collaborators the router exposes over HTTP.
type Deps struct {
	Service     *replication.Service
	Broadcaster *broadcast.Broadcaster
	Registry    *registry.Registry
	JWT         *auth.JWTService

	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// NewRouter creates and configures the chi router with all middleware and
// routes.
//
// Public routes:
//   - GET /health - liveness probe
//   - GET /v1/version - protocol version window
//   - POST /v1/auth/token - device credential exchange
//   - GET /metrics - prometheus scrape endpoint (when configured)
//
// Bearer-authenticated routes:
//   - POST /v1/handshake, /v1/pull, /v1/push - binary sync endpoints
//   - GET /v1/stats - database and broadcaster counters
//   - GET /v1/events - live event stream
func NewRouter(config APIConfig, deps Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack - order matters
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if config.EnableCORS {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: config.CORSAllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Authorization", "Content-Type", "Last-Event-ID"},
		}).Handler)
	}

	syncHandler := handlers.NewSyncHandler(deps.Service, deps.Broadcaster)
	eventsHandler := handlers.NewEventsHandler(deps.Broadcaster)
	authHandler := handlers.NewAuthHandler(deps.Registry, deps.JWT)

	r.Get("/health", handlers.Health)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/version", syncHandler.Version)
		r.Post("/auth/token", authHandler.Token)

		r.Group(func(r chi.Router) {
			if deps.JWT != nil {
				r.Use(apimw.JWTAuth(deps.JWT))
			}

			// The request/response endpoints get a deadline; the event
			// stream must outlive any such timeout.
			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))
				r.Post("/handshake", syncHandler.Handshake)
				r.Post("/pull", syncHandler.Pull)
				r.Post("/push", syncHandler.Push)
				r.Get("/stats", syncHandler.Stats)
			})

			r.Get("/events", eventsHandler.Stream)
		})
	})

	return r
}

// requestLogger logs requests using the internal logger.
//
// It logs:
//   - Request start (DEBUG level): method, path, remote addr
//   - Request completion (INFO level): method, path, status, duration
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		requestID := middleware.GetReqID(r.Context())

		logger.Debug("API request started",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)

		// Wrap response writer to capture status code
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)

		logger.Info("API request completed",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", duration.String(),
		)
	})
}

/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zap request logging, tagged with the request id
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the case-management frontend

ROUTE GROUPS:
  /api/uploads/*        Bulk uploads and their progress
  /api/duplicates/*     Duplicate review, scans and pruning
  /api/clients/*        Interactive enrollment
  /api/enrollments/*    Batch enrollment consolidation
  /api/health           Liveness

SECURITY NOTE:
  No authentication middleware. The fronting application authenticates and
  passes X-User and X-User-Role; see capabilities.go.

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
func NewRouter(h *Handler, allowedOrigins []string, log *zap.Logger) *chi.Mux {
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log.Named("http")))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderUser, HeaderRole},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// Upload routes
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", h.Upload)
			r.Get("/{id}", h.GetUpload)
			r.Get("/{id}/progress", h.GetUploadProgress)
		})

		// Duplicate routes
		r.Route("/duplicates", func(r chi.Router) {
			r.Get("/", h.ListDuplicates)
			r.Post("/scan", h.ScanDuplicates)
			r.Post("/prune", h.PruneDuplicates)
			r.Post("/{id}/merge", h.MergeDuplicate)
			r.Post("/{id}/confirm", h.ConfirmDuplicate)
			r.Post("/{id}/not-duplicate", h.MarkNotDuplicate)
		})

		// Enrollment routes
		r.Post("/clients/{id}/enrollments", h.Enroll)
		r.Post("/enrollments/consolidate", h.ConsolidateEnrollments)
	})

	return r
}

// requestLogger logs one line per request with its status and latency.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.Info("request",
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}

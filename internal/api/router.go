package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/pulsewatch/pulsewatch/internal/config"
	"github.com/pulsewatch/pulsewatch/internal/queue"
	"github.com/pulsewatch/pulsewatch/internal/relay"
	"github.com/pulsewatch/pulsewatch/internal/store"
)

// SecurityHeaders middleware adds essential security headers to all responses.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// NewRouter builds the control-surface router.
func NewRouter(st *store.Store, q *queue.Queue, hub *relay.Hub, cfg *config.Config) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Only trust X-Forwarded-For behind a known reverse proxy;
	// otherwise spoofed headers would bypass per-IP rate limits.
	if cfg.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(SecurityHeaders)

	apiLimiter := NewIPRateLimiter(rate.Limit(100), 200)

	monitorH := NewMonitorHandler(st, q)
	queueH := NewQueueHandler(q)
	apiKeyH := NewAPIKeyHandler(st)

	// Probes and metrics are unauthenticated and unthrottled.
	r.Get("/healthz", Healthz)
	r.Get("/readyz", Readyz(st))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(RateLimitMiddleware(apiLimiter))

		// Key management bootstraps authentication, so it is guarded
		// by the admin secret instead of an API key.
		api.Group(func(admin chi.Router) {
			admin.Use(AdminAuth(cfg.AdminSecret))
			admin.Get("/api-keys", apiKeyH.ListKeys)
			admin.Post("/api-keys", apiKeyH.CreateKey)
			admin.Delete("/api-keys/{id}", apiKeyH.DeleteKey)
		})

		api.Group(func(protected chi.Router) {
			protected.Use(APIKeyAuth(st))

			protected.Get("/monitors", monitorH.List)
			protected.Post("/monitors", monitorH.Create)
			protected.Get("/monitors/{id}", monitorH.Get)
			protected.Put("/monitors/{id}", monitorH.Update)
			protected.Delete("/monitors/{id}", monitorH.Delete)
			protected.Post("/monitors/{id}/pause", monitorH.Pause)
			protected.Post("/monitors/{id}/resume", monitorH.Resume)
			protected.Post("/monitors/{id}/run", monitorH.RunNow)
			protected.Get("/monitors/{id}/checks", monitorH.Checks)
			protected.Get("/monitors/{id}/incidents", monitorH.Incidents)

			protected.Get("/queue/stats", queueH.Stats)
			protected.Get("/queue/health", queueH.Health)

			protected.Get("/stream", Stream(hub))
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

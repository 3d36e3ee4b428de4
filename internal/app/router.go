package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	httpserver "github.com/fairyhunter13/deep-research-backend/internal/adapter/httpserver"
	"github.com/fairyhunter13/deep-research-backend/internal/adapter/observability"
	"github.com/fairyhunter13/deep-research-backend/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice,
// trimming spaces. An empty input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints are rate limited and service-key guarded.
	r.Group(func(wr chi.Router) {
		wr.Use(httpserver.TimeoutMiddleware(30 * time.Second))
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Use(srv.ServiceKeyGuard())
		wr.Post("/v1/conversations/{id}/messages", srv.StartResearchHandler())
		wr.Post("/v1/conversations/{id}/datasets", srv.UploadHandler())
	})
	r.Group(func(rr chi.Router) {
		rr.Use(srv.ServiceKeyGuard())
		rr.With(httpserver.TimeoutMiddleware(30*time.Second)).
			Get("/v1/messages/{id}", srv.MessageHandler())
		// The event stream stays open; no timeout middleware here.
		rr.Get("/v1/conversations/{id}/events", srv.EventsHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	// The otelhttp wrapper opens the server span before RequestID runs,
	// so request logs carry real trace ids when an exporter is set.
	return httpserver.SecurityHeaders(otelhttp.NewHandler(r, "ingress"))
}

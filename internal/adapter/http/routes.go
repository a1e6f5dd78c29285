package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/middleware"
	"github.com/Strob0t/DeskRelay/internal/resilience"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	CORSOrigin string
	// IngestKeyHash is the bcrypt hash guarding POST /api/v1/events.
	// Empty leaves the endpoint unmounted.
	IngestKeyHash string
	// Limiter rate-limits WebSocket upgrades and ingest per client IP.
	// Nil disables the limit.
	Limiter *resilience.Limiter
}

// NewRouter builds the gateway's chi router. ws serves both /ws and
// /ws/{channel}.
func NewRouter(h *Handlers, ws http.HandlerFunc, opts RouterOptions) chi.Router {
	r := chi.NewRouter()

	r.Use(drotel.HTTPMiddleware("deskrelay"))
	r.Use(middleware.RequestID)
	r.Use(Logger)
	r.Use(chimw.Recoverer)
	r.Use(CORS(opts.CORSOrigin))

	limited := func(r chi.Router) chi.Router {
		if opts.Limiter == nil {
			return r
		}
		return r.With(middleware.RateLimit(opts.Limiter))
	}

	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	limited(r).Get("/ws", ws)
	limited(r).Get("/ws/{channel}", ws)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(SecurityHeaders)
		r.Use(chimw.Timeout(30 * time.Second))

		r.Get("/stats", h.Stats)
		if opts.IngestKeyHash != "" {
			limited(r).With(middleware.APIKey(opts.IngestKeyHash)).Post("/events", h.PublishEvent)
		}
	})

	return r
}

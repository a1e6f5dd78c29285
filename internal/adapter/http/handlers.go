package http

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/port/broadcast"
	"github.com/Strob0t/DeskRelay/internal/service"
)

const (
	defaultBodyLimit = 256 << 10
	readinessTimeout = 2 * time.Second
)

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Handlers holds the services the HTTP endpoints call.
type Handlers struct {
	Gateway   *service.Gateway
	Publisher broadcast.Publisher
	// Checks are run by /health/ready, keyed by dependency name.
	Checks    map[string]ReadinessCheck
	BodyLimit int64
	// Connections reports open WebSocket connections for /api/v1/stats.
	Connections func() int
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Health is the liveness check.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

// Ready runs every readiness check concurrently and answers 503 if any fails.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]string, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := h.Checks[name](ctx); err != nil {
				results[i] = "error: " + err.Error()
				return
			}
			results[i] = "ok"
		}()
	}
	wg.Wait()

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(names))}
	status := http.StatusOK
	for i, name := range names {
		resp.Checks[name] = results[i]
		if results[i] != "ok" {
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

type statsResponse struct {
	service.Stats
	Connections int `json:"connections"`
}

// Stats reports session and channel membership counts.
func (h *Handlers) Stats(w http.ResponseWriter, _ *http.Request) {
	resp := statsResponse{Stats: h.Gateway.Stats()}
	if h.Connections != nil {
		resp.Connections = h.Connections()
	}
	writeJSON(w, http.StatusOK, resp)
}

// PublishEvent accepts a domain event from the CRUD backend.
func (h *Handlers) PublishEvent(w http.ResponseWriter, r *http.Request) {
	limit := h.BodyLimit
	if limit <= 0 {
		limit = defaultBodyLimit
	}
	ev, ok := readJSON[channel.Event](w, r, limit)
	if !ok {
		return
	}
	if err := h.Publisher.PublishEvent(r.Context(), ev); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":      "accepted",
		"channel":     ev.Channel,
		"kind":        ev.Kind,
		"resource_id": ev.ResourceID,
	})
}

package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/resource"
	"github.com/Strob0t/DeskRelay/internal/middleware"
	"github.com/Strob0t/DeskRelay/internal/resilience"
	"github.com/Strob0t/DeskRelay/internal/service"
)

type stubVerifier struct{}

func (stubVerifier) Verify(context.Context, string) (identity.Identity, error) {
	return identity.Identity{}, identity.InvalidToken(errors.New("stub"))
}

type stubStore struct{}

func (stubStore) ListAnnouncements(context.Context, resource.AnnouncementScope) ([]resource.Announcement, error) {
	return nil, nil
}
func (stubStore) ListSpaces(context.Context, *resource.Window) ([]resource.Space, error) {
	return nil, nil
}
func (stubStore) ListBookingsByUser(context.Context, int64) ([]resource.Booking, error) {
	return nil, nil
}
func (stubStore) ListBookingsByDepartment(context.Context, int64) ([]resource.Booking, error) {
	return nil, nil
}
func (stubStore) Ping(context.Context) error { return nil }

// mockPublisher records published events and validates them like the
// dispatcher does.
type mockPublisher struct {
	mu     sync.Mutex
	events []channel.Event
}

func (p *mockPublisher) PublishEvent(_ context.Context, ev channel.Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func newGateway() *service.Gateway {
	registry := service.NewRegistry()
	router := service.NewRouter(nil)
	lifecycle := service.NewLifecycle(registry, router, nil)
	auth := service.NewAuthenticator(stubVerifier{}, router, nil)
	queries := service.NewQueries(stubStore{}, resilience.NewBreaker(3, time.Minute), nil, time.Minute, nil)
	return service.NewGateway(registry, router, lifecycle, auth, queries, nil, nil)
}

func newTestServer(t *testing.T, h *Handlers, opts RouterOptions) *httptest.Server {
	t.Helper()
	ws := func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTeapot) }
	srv := httptest.NewServer(NewRouter(h, ws, opts))
	t.Cleanup(srv.Close)
	return srv
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return v
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &Handlers{Gateway: newGateway()}, RouterOptions{})

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if body := decode[healthResponse](t, resp); body.Status != "ok" {
		t.Fatalf("status = %q", body.Status)
	}
}

func TestReady(t *testing.T) {
	tests := []struct {
		name   string
		checks map[string]ReadinessCheck
		code   int
		status string
	}{
		{
			name:   "all ok",
			checks: map[string]ReadinessCheck{"postgres": func(context.Context) error { return nil }},
			code:   http.StatusOK,
			status: "ok",
		},
		{
			name: "one failing",
			checks: map[string]ReadinessCheck{
				"postgres": func(context.Context) error { return nil },
				"nats":     func(context.Context) error { return errors.New("disconnected") },
			},
			code:   http.StatusServiceUnavailable,
			status: "unavailable",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(t, &Handlers{Gateway: newGateway(), Checks: tt.checks}, RouterOptions{})
			resp, err := http.Get(srv.URL + "/health/ready")
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.code {
				t.Fatalf("status code = %d, want %d", resp.StatusCode, tt.code)
			}
			body := decode[healthResponse](t, resp)
			if body.Status != tt.status || len(body.Checks) != len(tt.checks) {
				t.Fatalf("body = %+v", body)
			}
			if v, ok := body.Checks["nats"]; ok && v != "error: disconnected" {
				t.Fatalf("nats check = %q", v)
			}
		})
	}
}

func TestStats(t *testing.T) {
	h := &Handlers{Gateway: newGateway(), Connections: func() int { return 4 }}
	srv := newTestServer(t, h, RouterOptions{})

	resp, err := http.Get(srv.URL + "/api/v1/stats")
	if err != nil {
		t.Fatal(err)
	}
	body := decode[struct {
		Sessions    int            `json:"sessions"`
		Channels    map[string]int `json:"channels"`
		Connections int            `json:"connections"`
	}](t, resp)
	if body.Sessions != 0 || body.Connections != 4 || len(body.Channels) != 3 {
		t.Fatalf("stats = %+v", body)
	}
}

func TestPublishEvent(t *testing.T) {
	hash, err := middleware.HashAPIKey("ingest-key")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		key  string
		body string
		code int
		msg  string
	}{
		{
			name: "accepted",
			key:  "ingest-key",
			body: `{"channel":"spaces","kind":"updated","resource_id":3,"payload":{"id":3}}`,
			code: http.StatusAccepted,
		},
		{
			name: "no key",
			body: `{"channel":"spaces","kind":"updated","resource_id":3,"payload":{"id":3}}`,
			code: http.StatusUnauthorized,
		},
		{
			name: "invalid event",
			key:  "ingest-key",
			body: `{"channel":"bookings","kind":"created","resource_id":3,"payload":{"id":3}}`,
			code: http.StatusBadRequest,
			msg:  "bookings events require audience.user_id",
		},
		{
			name: "malformed body",
			key:  "ingest-key",
			body: `{"channel":`,
			code: http.StatusBadRequest,
			msg:  "invalid request body",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pub := &mockPublisher{}
			srv := newTestServer(t, &Handlers{Gateway: newGateway(), Publisher: pub}, RouterOptions{IngestKeyHash: hash})

			req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/events", strings.NewReader(tt.body))
			req.Header.Set("Content-Type", "application/json")
			if tt.key != "" {
				req.Header.Set("X-API-Key", tt.key)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.code {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.code)
			}
			if tt.msg != "" {
				if got := decode[errorResponse](t, resp); got.Error != tt.msg {
					t.Fatalf("error = %q, want %q", got.Error, tt.msg)
				}
			}
			wantEvents := 0
			if tt.code == http.StatusAccepted {
				wantEvents = 1
			}
			if len(pub.events) != wantEvents {
				t.Fatalf("published %d events, want %d", len(pub.events), wantEvents)
			}
		})
	}
}

func TestPublishEventNotMountedWithoutKey(t *testing.T) {
	srv := newTestServer(t, &Handlers{Gateway: newGateway(), Publisher: &mockPublisher{}}, RouterOptions{})
	resp, err := http.Post(srv.URL+"/api/v1/events", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode == http.StatusAccepted {
		t.Fatal("ingest endpoint reachable without a configured key")
	}
}

func TestWebSocketRoutesRateLimited(t *testing.T) {
	srv := newTestServer(t, &Handlers{Gateway: newGateway()}, RouterOptions{Limiter: resilience.NewLimiter(0.001, 2)})

	codes := make([]int, 0, 3)
	for _, path := range []string{"/ws", "/ws/spaces", "/ws"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		codes = append(codes, resp.StatusCode)
	}
	if codes[0] != http.StatusTeapot || codes[1] != http.StatusTeapot || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v", codes)
	}
}

func TestCORSPreflight(t *testing.T) {
	srv := newTestServer(t, &Handlers{Gateway: newGateway()}, RouterOptions{CORSOrigin: "http://app.local"})

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/stats", http.NoBody)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://app.local" {
		t.Fatalf("allow origin = %q", got)
	}
}

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/resource"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
	"github.com/Strob0t/DeskRelay/internal/resilience"
)

// sent is one frame captured by mockPeer.
type sent struct {
	event   string
	payload any
}

// mockPeer implements session.Peer and records every frame.
type mockPeer struct {
	mu      sync.Mutex
	frames  []sent
	closed  bool
	reason  string
	sendErr error
}

func (p *mockPeer) Send(_ context.Context, event string, payload any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return session.ErrSendFailed
	}
	if p.sendErr != nil {
		return p.sendErr
	}
	p.frames = append(p.frames, sent{event: event, payload: payload})
	return nil
}

func (p *mockPeer) Close(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.reason = reason
}

func (p *mockPeer) all() []sent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]sent, len(p.frames))
	copy(out, p.frames)
	return out
}

// byEvent returns the payloads of every frame named event.
func (p *mockPeer) byEvent(event string) []any {
	var out []any
	for _, f := range p.all() {
		if f.event == event {
			out = append(out, f.payload)
		}
	}
	return out
}

// last returns the most recent frame named event.
func (p *mockPeer) last(t *testing.T, event string) any {
	t.Helper()
	got := p.byEvent(event)
	if len(got) == 0 {
		t.Fatalf("no %q frame sent; frames: %+v", event, p.all())
	}
	return got[len(got)-1]
}

func (p *mockPeer) reset() {
	p.mu.Lock()
	p.frames = nil
	p.mu.Unlock()
}

// mockVerifier implements credential.Verifier from a fixed token table.
type mockVerifier struct {
	tokens map[string]identity.Identity
	err    map[string]error
}

func (v *mockVerifier) Verify(_ context.Context, token string) (identity.Identity, error) {
	if err, ok := v.err[token]; ok {
		return identity.Identity{}, err
	}
	id, ok := v.tokens[token]
	if !ok {
		return identity.Identity{}, identity.InvalidToken(errors.New("signature is invalid"))
	}
	return id, nil
}

// mockStore implements readmodel.Store over in-memory slices.
type mockStore struct {
	mu            sync.Mutex
	announcements []resource.Announcement
	spaces        []resource.Space
	bookings      []resource.Booking
	err           error
	calls         map[string]int
	lastScope     resource.AnnouncementScope
	lastWindow    *resource.Window
	block         chan struct{}
}

func (m *mockStore) record(name string) error {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
	return m.err
}

func (m *mockStore) count(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

func (m *mockStore) ListAnnouncements(_ context.Context, scope resource.AnnouncementScope) ([]resource.Announcement, error) {
	if err := m.record("announcements"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastScope = scope
	var out []resource.Announcement
	for _, a := range m.announcements {
		switch {
		case scope.All, a.DepartmentID == nil:
			out = append(out, a)
		case scope.DepartmentID != nil && *a.DepartmentID == *scope.DepartmentID:
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *mockStore) ListSpaces(_ context.Context, window *resource.Window) ([]resource.Space, error) {
	if err := m.record("spaces"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastWindow = window
	return append([]resource.Space(nil), m.spaces...), nil
}

func (m *mockStore) ListBookingsByUser(_ context.Context, userID int64) ([]resource.Booking, error) {
	if err := m.record("bookings_user"); err != nil {
		return nil, err
	}
	var out []resource.Booking
	for _, b := range m.bookings {
		if b.UserID == userID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockStore) ListBookingsByDepartment(_ context.Context, dept int64) ([]resource.Booking, error) {
	if err := m.record("bookings_dept"); err != nil {
		return nil, err
	}
	var out []resource.Booking
	for _, b := range m.bookings {
		if b.DepartmentID != nil && *b.DepartmentID == dept {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *mockStore) Ping(context.Context) error { return m.err }

// mockCache implements cache.Cache over a map.
type mockCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMockCache() *mockCache { return &mockCache{data: make(map[string][]byte)} }

func (c *mockCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *mockCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *mockCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func deptID(n int64) *int64 { return &n }

// Fixture identities and tokens.
var (
	employeeA = identity.Identity{UserID: 1, Role: identity.RoleEmployee, DepartmentID: deptID(10)}
	employeeC = identity.Identity{UserID: 3, Role: identity.RoleEmployee, DepartmentID: deptID(20)}
	managerB  = identity.Identity{UserID: 2, Role: identity.RoleManager, DepartmentID: deptID(10)}
	adminS    = identity.Identity{UserID: 9, Role: identity.RoleSuperadmin}
)

func newMockVerifier() *mockVerifier {
	return &mockVerifier{
		tokens: map[string]identity.Identity{
			"tok-a": employeeA,
			"tok-b": managerB,
			"tok-c": employeeC,
			"tok-s": adminS,
		},
		err: map[string]error{
			"tok-expired": identity.Expired(errors.New("token is expired")),
		},
	}
}

// harness wires the real services over mocks.
type harness struct {
	registry   *Registry
	router     *Router
	lifecycle  *Lifecycle
	auth       *Authenticator
	queries    *Queries
	dispatcher *Dispatcher
	gateway    *Gateway
	store      *mockStore
	limiter    *resilience.Limiter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: &mockStore{}}
	h.registry = NewRegistry()
	h.router = NewRouter(nil)
	h.lifecycle = NewLifecycle(h.registry, h.router, nil)
	h.auth = NewAuthenticator(newMockVerifier(), h.router, nil)
	h.queries = NewQueries(h.store, resilience.NewBreaker(3, time.Minute), newMockCache(), time.Minute, nil)
	h.dispatcher = NewDispatcher(h.router, 16, nil)
	h.dispatcher.OnDispatch(h.queries.Invalidate)
	h.limiter = resilience.NewLimiter(1000, 1000)
	h.gateway = NewGateway(h.registry, h.router, h.lifecycle, h.auth, h.queries, h.limiter, nil)

	ctx, cancel := context.WithCancel(context.Background())
	h.dispatcher.Start(ctx)
	t.Cleanup(func() {
		h.dispatcher.Close()
		cancel()
	})
	return h
}

// connect opens a session on home and returns it with its peer.
func (h *harness) connect(t *testing.T, home channel.Name) (*session.Session, *mockPeer) {
	t.Helper()
	p := &mockPeer{}
	s, err := h.gateway.Connect(context.Background(), p, home)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return s, p
}

// login connects and authenticates with token.
func (h *harness) login(t *testing.T, home channel.Name, token string) (*session.Session, *mockPeer) {
	t.Helper()
	s, p := h.connect(t, home)
	if _, err := h.auth.Authenticate(context.Background(), s, token); err != nil {
		t.Fatalf("Authenticate(%s): %v", token, err)
	}
	return s, p
}

// frame sends one inbound frame through the gateway.
func (h *harness) frame(s *session.Session, raw string) {
	h.gateway.HandleFrame(context.Background(), s, []byte(raw))
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// settle stops the dispatcher after every queued event has been fanned
// out, so tests can assert on what was not delivered.
func (h *harness) settle() {
	h.dispatcher.Close()
}

package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
)

// ConnectionResponse is the body of the connection_response event.
type ConnectionResponse struct {
	Status string `json:"status"`
	SID    string `json:"sid"`
}

// Lifecycle creates and destroys sessions.
type Lifecycle struct {
	registry *Registry
	router   *Router
	metrics  *drotel.Metrics
	onClose  []func(id string)

	now   func() time.Time
	newID func() string
}

// NewLifecycle creates a Lifecycle. metrics may be nil.
func NewLifecycle(registry *Registry, router *Router, metrics *drotel.Metrics) *Lifecycle {
	return &Lifecycle{
		registry: registry,
		router:   router,
		metrics:  metrics,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// OnDisconnect registers fn to run after a session has been torn down.
// Must be called before the gateway starts serving.
func (l *Lifecycle) OnDisconnect(fn func(id string)) {
	l.onClose = append(l.onClose, fn)
}

// Connect registers a new unauthenticated session for peer and greets it
// with connection_response. home is the channel namespace the transport
// connected on, or empty.
func (l *Lifecycle) Connect(ctx context.Context, peer session.Peer, home channel.Name) (*session.Session, error) {
	if home != "" && !home.Valid() {
		return nil, fmt.Errorf("connect: %w: %q", channel.ErrUnknownChannel, home)
	}

	s := session.New(l.newID(), home, peer, l.now())
	if err := l.registry.Register(s); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if l.metrics != nil {
		l.metrics.SessionsActive.Add(ctx, 1)
	}
	slog.Debug("session connected", "session_id", s.ID(), "home", home)

	if err := s.Send(ctx, EventConnectionResponse, ConnectionResponse{Status: "connected", SID: s.ID()}); err != nil {
		slog.Debug("send failed", "session_id", s.ID(), "event", EventConnectionResponse, "error", err)
	}
	return s, nil
}

// Disconnect tears down the session: it leaves every channel and is removed
// from the registry. Unknown or already disconnected ids are ignored.
func (l *Lifecycle) Disconnect(ctx context.Context, id string) {
	s, ok := l.registry.Get(id)
	if !ok {
		return
	}
	if !s.MarkDisconnected() {
		return
	}
	l.router.RemoveAll(s)
	l.registry.Delete(id)

	if l.metrics != nil {
		l.metrics.SessionsActive.Add(ctx, -1)
	}
	for _, fn := range l.onClose {
		fn(id)
	}
	slog.Debug("session disconnected", "session_id", id, "duration", l.now().Sub(s.ConnectedAt()))
}

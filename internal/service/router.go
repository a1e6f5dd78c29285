package service

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
)

// Predicate decides whether an identity may see an event.
type Predicate func(identity.Identity) bool

// Delivery summarizes one fanout.
type Delivery struct {
	Delivered int
	Dropped   int
	Filtered  int
}

// room is one channel's member set. mu serializes membership changes
// against fanout on that channel only.
type room struct {
	mu      sync.Mutex
	members map[string]*session.Session
}

// Router tracks channel membership and fans events out to members.
type Router struct {
	rooms   map[channel.Name]*room
	metrics *drotel.Metrics
}

// NewRouter creates a Router with one room per channel. metrics may be nil.
func NewRouter(metrics *drotel.Metrics) *Router {
	r := &Router{
		rooms:   make(map[channel.Name]*room),
		metrics: metrics,
	}
	for _, ch := range channel.All() {
		r.rooms[ch] = &room{members: make(map[string]*session.Session)}
	}
	return r
}

// Subscribe adds s to ch. It fails with an Unauthorized AuthError when s is
// not authenticated or its role may not join ch, and reports whether the
// membership is new. Subscribing twice is a no-op.
func (r *Router) Subscribe(s *session.Session, ch channel.Name) (bool, error) {
	rm, ok := r.rooms[ch]
	if !ok {
		return false, channel.ErrUnknownChannel
	}
	id, ok := s.Identity()
	if !ok || !id.Permits(ch) {
		return false, identity.Unauthorized(ch)
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	added, err := s.Join(ch)
	if err != nil {
		return false, err
	}
	rm.members[s.ID()] = s
	return added, nil
}

// Unsubscribe removes s from ch and reports whether it was a member.
func (r *Router) Unsubscribe(s *session.Session, ch channel.Name) bool {
	rm, ok := r.rooms[ch]
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, member := rm.members[s.ID()]
	delete(rm.members, s.ID())
	s.Leave(ch)
	return member
}

// RemoveAll removes s from every channel.
func (r *Router) RemoveAll(s *session.Session) {
	for _, ch := range channel.All() {
		r.Unsubscribe(s, ch)
	}
}

// Members returns the sessions subscribed to ch.
func (r *Router) Members(ch channel.Name) []*session.Session {
	rm, ok := r.rooms[ch]
	if !ok {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*session.Session, 0, len(rm.members))
	for _, s := range rm.members {
		out = append(out, s)
	}
	return out
}

// MemberCount returns the number of sessions subscribed to ch.
func (r *Router) MemberCount(ch channel.Name) int {
	rm, ok := r.rooms[ch]
	if !ok {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Fanout sends event to every authenticated member of ch whose identity
// passes pred. A nil pred admits every member. The channel lock is held for
// the whole pass, so Peer.Send must only enqueue.
func (r *Router) Fanout(ctx context.Context, ch channel.Name, event string, payload any, pred Predicate) Delivery {
	var d Delivery
	rm, ok := r.rooms[ch]
	if !ok {
		return d
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	for _, s := range rm.members {
		id, ok := s.Identity()
		if !ok || (pred != nil && !pred(id)) {
			d.Filtered++
			continue
		}
		if err := s.Send(ctx, event, payload); err != nil {
			d.Dropped++
			if errors.Is(err, session.ErrSendFailed) {
				slog.Debug("delivery dropped", "session_id", s.ID(), "channel", ch, "event", event)
			} else {
				slog.Warn("delivery failed", "session_id", s.ID(), "channel", ch, "event", event, "error", err)
			}
			continue
		}
		d.Delivered++
	}

	if r.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("channel", string(ch)))
		r.metrics.Deliveries.Add(ctx, int64(d.Delivered), attrs)
		if d.Dropped > 0 {
			r.metrics.DeliveriesDropped.Add(ctx, int64(d.Dropped), attrs)
		}
	}
	return d
}

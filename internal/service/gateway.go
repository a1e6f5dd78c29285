package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/resource"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
	"github.com/Strob0t/DeskRelay/internal/logger"
	"github.com/Strob0t/DeskRelay/internal/resilience"
)

// Inbound event names.
const (
	EventAuthenticate     = "authenticate"
	EventGetSpaces        = "get_spaces"
	EventGetBookings      = "get_bookings"
	EventGetAnnouncements = "get_announcements"
	EventSubscribe        = "subscribe"
	EventUnsubscribe      = "unsubscribe"
)

// Outbound response event names.
const (
	EventSpacesData           = "spaces_data"
	EventBookingsData         = "bookings_data"
	EventAnnouncementsInitial = "announcements_initial"
	EventSubscribed           = "subscribed"
	EventUnsubscribed         = "unsubscribed"
)

// Frame is the JSON envelope of every WebSocket message in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ChannelPayload is the body of subscribe, unsubscribe and their replies.
type ChannelPayload struct {
	Channel string `json:"channel"`
}

type tokenPayload struct {
	Token string `json:"token"`
}

type handlerFunc func(ctx context.Context, s *session.Session, data json.RawMessage) error

type route struct {
	handle  handlerFunc
	failure string // message sent when the handler fails unexpectedly
}

// Stats is a point-in-time view of the gateway.
type Stats struct {
	Sessions int                  `json:"sessions"`
	Channels map[channel.Name]int `json:"channels"`
}

// Gateway maps inbound frames onto the session services through a table
// keyed by event name.
type Gateway struct {
	registry  *Registry
	router    *Router
	lifecycle *Lifecycle
	auth      *Authenticator
	queries   *Queries
	limiter   *resilience.Limiter
	metrics   *drotel.Metrics
	routes    map[string]route
}

// NewGateway wires the session services together. limiter and metrics may be nil.
func NewGateway(registry *Registry, router *Router, lifecycle *Lifecycle, auth *Authenticator, queries *Queries, limiter *resilience.Limiter, metrics *drotel.Metrics) *Gateway {
	g := &Gateway{
		registry:  registry,
		router:    router,
		lifecycle: lifecycle,
		auth:      auth,
		queries:   queries,
		limiter:   limiter,
		metrics:   metrics,
	}
	g.routes = map[string]route{
		EventAuthenticate:     {handle: g.handleAuthenticate, failure: "Authentication failed"},
		EventGetSpaces:        {handle: g.handleGetSpaces, failure: "Failed to fetch spaces"},
		EventGetBookings:      {handle: g.handleGetBookings, failure: "Failed to fetch bookings"},
		EventGetAnnouncements: {handle: g.handleGetAnnouncements, failure: "Failed to fetch announcements"},
		EventSubscribe:        {handle: g.handleSubscribe, failure: "Subscribe failed"},
		EventUnsubscribe:      {handle: g.handleUnsubscribe, failure: "Unsubscribe failed"},
	}

	auth.OnAuthenticated(g.pushInitialAnnouncements)
	if limiter != nil {
		lifecycle.OnDisconnect(limiter.Forget)
	}
	return g
}

// Connect registers a new session for peer.
func (g *Gateway) Connect(ctx context.Context, peer session.Peer, home channel.Name) (*session.Session, error) {
	return g.lifecycle.Connect(ctx, peer, home)
}

// Disconnect tears the session down.
func (g *Gateway) Disconnect(ctx context.Context, id string) {
	g.lifecycle.Disconnect(ctx, id)
}

// Authenticate authenticates s with token outside of a frame, as done for
// the ?token= query parameter.
func (g *Gateway) Authenticate(ctx context.Context, s *session.Session, token string) {
	_, _ = g.auth.Authenticate(logger.WithSessionID(ctx, s.ID()), s, token)
}

// HandleFrame decodes one inbound frame and runs its handler. Every failure
// is reported to s as an error event; none is returned to the transport.
func (g *Gateway) HandleFrame(ctx context.Context, s *session.Session, raw []byte) {
	ctx = logger.WithSessionID(ctx, s.ID())

	if g.limiter != nil && !g.limiter.Allow(s.ID()) {
		if g.metrics != nil {
			g.metrics.FramesRateLimited.Add(ctx, 1)
		}
		g.sendError(ctx, s, "rate limit exceeded")
		return
	}

	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil || f.Event == "" {
		g.sendError(ctx, s, "Malformed frame")
		return
	}

	r, ok := g.routes[f.Event]
	if !ok {
		g.sendError(ctx, s, fmt.Sprintf("Unknown event: %s", f.Event))
		return
	}

	if err := r.handle(ctx, s, f.Data); err != nil {
		msg := clientMessage(err, r.failure)
		if msg == r.failure {
			slog.WarnContext(ctx, "frame handler failed", "event", f.Event, "error", err)
		}
		g.sendError(ctx, s, msg)
	}
}

// Stats returns session and membership counts.
func (g *Gateway) Stats() Stats {
	st := Stats{Sessions: g.registry.Count(), Channels: make(map[channel.Name]int)}
	for _, ch := range channel.All() {
		st.Channels[ch] = g.router.MemberCount(ch)
	}
	return st
}

func (g *Gateway) handleAuthenticate(ctx context.Context, s *session.Session, data json.RawMessage) error {
	var p tokenPayload
	if err := decodeData(data, &p); err != nil {
		return err
	}
	// Authenticate reports its own failures to the session.
	_, _ = g.auth.Authenticate(ctx, s, p.Token)
	return nil
}

func (g *Gateway) handleGetSpaces(ctx context.Context, s *session.Session, data json.RawMessage) error {
	if _, err := requireIdentity(s, channel.Spaces); err != nil {
		return err
	}
	var f resource.SpaceFilter
	if err := decodeData(data, &f); err != nil {
		return err
	}
	res, err := g.queries.Spaces(ctx, f)
	if err != nil {
		return err
	}
	return g.reply(ctx, s, EventSpacesData, res)
}

func (g *Gateway) handleGetBookings(ctx context.Context, s *session.Session, data json.RawMessage) error {
	id, err := requireIdentity(s, channel.Bookings)
	if err != nil {
		return err
	}
	var p tokenPayload
	if err := decodeData(data, &p); err != nil {
		return err
	}
	if p.Token != "" {
		tokID, err := g.auth.Verify(ctx, p.Token)
		if err != nil {
			return err
		}
		if tokID.UserID != id.UserID {
			return identity.InvalidToken(errors.New("token belongs to another user"))
		}
	}
	res, err := g.queries.Bookings(ctx, id)
	if err != nil {
		return err
	}
	return g.reply(ctx, s, EventBookingsData, res)
}

func (g *Gateway) handleGetAnnouncements(ctx context.Context, s *session.Session, _ json.RawMessage) error {
	id, err := requireIdentity(s, channel.Announcements)
	if err != nil {
		return err
	}
	res, err := g.queries.Announcements(ctx, id)
	if err != nil {
		return err
	}
	return g.reply(ctx, s, EventAnnouncementsInitial, res)
}

func (g *Gateway) handleSubscribe(ctx context.Context, s *session.Session, data json.RawMessage) error {
	ch, err := decodeChannel(data)
	if err != nil {
		return err
	}
	if _, err := g.router.Subscribe(s, ch); err != nil {
		return err
	}
	return g.reply(ctx, s, EventSubscribed, ChannelPayload{Channel: string(ch)})
}

func (g *Gateway) handleUnsubscribe(ctx context.Context, s *session.Session, data json.RawMessage) error {
	ch, err := decodeChannel(data)
	if err != nil {
		return err
	}
	g.router.Unsubscribe(s, ch)
	return g.reply(ctx, s, EventUnsubscribed, ChannelPayload{Channel: string(ch)})
}

// pushInitialAnnouncements sends the current announcements right after a
// session joined the announcements channel.
func (g *Gateway) pushInitialAnnouncements(ctx context.Context, s *session.Session, id identity.Identity) {
	if !slices.Contains(s.Channels(), channel.Announcements) {
		return
	}
	res, err := g.queries.Announcements(ctx, id)
	if err != nil {
		slog.WarnContext(ctx, "initial announcements failed", "error", err)
		g.sendError(ctx, s, "Failed to fetch announcements")
		return
	}
	_ = g.reply(ctx, s, EventAnnouncementsInitial, res)
}

func (g *Gateway) reply(ctx context.Context, s *session.Session, event string, payload any) error {
	if err := s.Send(ctx, event, payload); err != nil {
		slog.DebugContext(ctx, "send failed", "event", event, "error", err)
	}
	return nil
}

func (g *Gateway) sendError(ctx context.Context, s *session.Session, msg string) {
	_ = g.reply(ctx, s, EventError, ErrorPayload{Message: msg})
}

func requireIdentity(s *session.Session, ch channel.Name) (identity.Identity, error) {
	id, ok := s.Identity()
	if !ok || !id.Permits(ch) {
		return identity.Identity{}, identity.Unauthorized(ch)
	}
	return id, nil
}

// decodeData unmarshals an optional frame body. Absent and null bodies leave
// dst at its zero value.
func decodeData(data json.RawMessage, dst any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.Invalid("Malformed payload")
	}
	return nil
}

func decodeChannel(data json.RawMessage) (channel.Name, error) {
	var p ChannelPayload
	if err := decodeData(data, &p); err != nil {
		return "", err
	}
	ch, err := channel.Parse(p.Channel)
	if err != nil {
		return "", domain.Invalid(fmt.Sprintf("Unknown channel: %s", p.Channel))
	}
	return ch, nil
}

// clientMessage maps err onto the message relayed to the client. Errors
// that carry no client-safe text fall back to failure.
func clientMessage(err error, failure string) string {
	var ae *identity.AuthError
	switch {
	case errors.As(err, &ae):
		return ae.Error()
	case errors.Is(err, domain.ErrValidation):
		return err.Error()
	case errors.Is(err, resilience.ErrCircuitOpen):
		return "Service temporarily unavailable"
	default:
		return failure
	}
}

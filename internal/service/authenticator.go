package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
	"github.com/Strob0t/DeskRelay/internal/port/credential"
)

// Outbound event names.
const (
	EventAuthenticated      = "authenticated"
	EventError              = "error"
	EventConnectionResponse = "connection_response"
)

// AuthenticatedPayload is the body of the authenticated event.
type AuthenticatedPayload struct {
	Message      string         `json:"message"`
	UserID       int64          `json:"user_id"`
	Role         identity.Role  `json:"role"`
	SubscribedTo []channel.Name `json:"subscribed_to"`
}

// ErrorPayload is the body of the error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// AuthHook runs after a session authenticated and joined its channels.
type AuthHook func(ctx context.Context, s *session.Session, id identity.Identity)

// Authenticator binds verified identities to sessions.
type Authenticator struct {
	verifier credential.Verifier
	router   *Router
	metrics  *drotel.Metrics
	hooks    []AuthHook
}

// NewAuthenticator creates an Authenticator. metrics may be nil.
func NewAuthenticator(verifier credential.Verifier, router *Router, metrics *drotel.Metrics) *Authenticator {
	return &Authenticator{verifier: verifier, router: router, metrics: metrics}
}

// OnAuthenticated registers a hook run after every successful authentication.
// Must be called before the gateway starts serving.
func (a *Authenticator) OnAuthenticated(h AuthHook) {
	a.hooks = append(a.hooks, h)
}

// Verify checks token without touching any session.
func (a *Authenticator) Verify(ctx context.Context, token string) (identity.Identity, error) {
	if strings.TrimSpace(token) == "" {
		return identity.Identity{}, identity.TokenRequired()
	}
	id, err := a.verifier.Verify(ctx, token)
	if err != nil {
		var ae *identity.AuthError
		if errors.As(err, &ae) {
			return identity.Identity{}, ae
		}
		return identity.Identity{}, identity.InvalidToken(err)
	}
	if !identity.ValidRoles[id.Role] {
		return identity.Identity{}, identity.InvalidToken(fmt.Errorf("unknown role %q", id.Role))
	}
	return id, nil
}

// Authenticate verifies token and binds the resulting identity to s.
//
// On success the session's previous memberships are replaced by its default
// channels (its home channel, or every channel the role may join when it has
// none) and an authenticated event is sent. On failure the session is
// rejected, loses all memberships and receives an error event; the
// transport stays open.
func (a *Authenticator) Authenticate(ctx context.Context, s *session.Session, token string) (identity.Identity, error) {
	ctx, span := drotel.StartAuthSpan(ctx, s.ID())
	defer span.End()

	id, err := a.Verify(ctx, token)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		a.reject(ctx, s, err)
		return identity.Identity{}, err
	}

	if err := s.Authenticate(id); err != nil {
		return identity.Identity{}, err
	}
	a.router.RemoveAll(s)

	subscribed := make([]channel.Name, 0, len(channel.All()))
	for _, ch := range a.defaultChannels(s, id) {
		if _, err := a.router.Subscribe(s, ch); err != nil {
			slog.Warn("default subscription refused", "session_id", s.ID(), "channel", ch, "error", err)
			continue
		}
		subscribed = append(subscribed, ch)
	}

	span.SetAttributes(
		attribute.Int64("user.id", id.UserID),
		attribute.String("user.role", string(id.Role)),
	)
	slog.Info("session authenticated",
		"session_id", s.ID(), "user_id", id.UserID, "role", id.Role, "channels", subscribed)

	a.send(ctx, s, EventAuthenticated, AuthenticatedPayload{
		Message:      connectedMessage(s.Home()),
		UserID:       id.UserID,
		Role:         id.Role,
		SubscribedTo: subscribed,
	})

	for _, h := range a.hooks {
		h(ctx, s, id)
	}
	return id, nil
}

func (a *Authenticator) reject(ctx context.Context, s *session.Session, cause error) {
	if err := s.Reject(); err != nil {
		return
	}
	a.router.RemoveAll(s)

	if a.metrics != nil {
		a.metrics.AuthFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", authReason(cause))))
	}
	slog.Info("authentication rejected", "session_id", s.ID(), "error", cause)
	a.send(ctx, s, EventError, ErrorPayload{Message: cause.Error()})
}

func (a *Authenticator) defaultChannels(s *session.Session, id identity.Identity) []channel.Name {
	if home := s.Home(); home != "" {
		return []channel.Name{home}
	}
	return id.Channels()
}

func (a *Authenticator) send(ctx context.Context, s *session.Session, event string, payload any) {
	if err := s.Send(ctx, event, payload); err != nil {
		slog.Debug("send failed", "session_id", s.ID(), "event", event, "error", err)
	}
}

func connectedMessage(home channel.Name) string {
	if home == "" {
		return "Connected to all channels"
	}
	return fmt.Sprintf("Connected to %s channel", home)
}

func authReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrExpired):
		return "expired"
	case errors.Is(err, identity.ErrUnauthorized):
		return "unauthorized"
	default:
		return "invalid_token"
	}
}

// Package session models one live transport connection and its
// authorization state.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/identity"
)

// State is the authorization state of a session.
type State string

const (
	StateConnecting    State = "connecting"
	StateAuthenticated State = "authenticated"
	StateRejected      State = "rejected"
	StateDisconnected  State = "disconnected"
)

// ErrSendFailed is returned by a Peer when a frame could not be queued,
// typically because the transport already closed. Callers treat it as a
// dropped delivery, never as a fatal error.
var ErrSendFailed = errors.New("transport send failed")

// ErrClosed is returned when a state transition is attempted on a
// disconnected session.
var ErrClosed = errors.New("session closed")

// Peer is the outbound half of a transport connection.
type Peer interface {
	// Send queues one event frame. It must not block on network I/O.
	Send(ctx context.Context, event string, payload any) error
	// Close terminates the transport with a human-readable reason.
	Close(reason string)
}

// Scoped is implemented by payloads bound to one channel. Transports carry
// the channel in the frame envelope, beside the payload.
type Scoped interface {
	ScopeChannel() channel.Name
}

// Session is one live connection. The registry owns it; channel
// memberships reference it by pointer and are released on disconnect.
type Session struct {
	id          string
	connectedAt time.Time
	home        channel.Name
	peer        Peer

	mu       sync.Mutex
	state    State
	identity *identity.Identity
	channels map[channel.Name]struct{}
}

// New creates a session in the connecting state. home is the namespace the
// transport connected on and may be empty.
func New(id string, home channel.Name, peer Peer, now time.Time) *Session {
	return &Session{
		id:          id,
		connectedAt: now,
		home:        home,
		peer:        peer,
		state:       StateConnecting,
		channels:    make(map[channel.Name]struct{}),
	}
}

func (s *Session) ID() string             { return s.id }
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }
func (s *Session) Home() channel.Name     { return s.home }

// State returns the current authorization state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the bound identity, or false when unauthenticated.
func (s *Session) Identity() (identity.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated || s.identity == nil {
		return identity.Identity{}, false
	}
	return *s.identity, true
}

// Authenticate binds id and moves the session to authenticated.
func (s *Session) Authenticate(id identity.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrClosed
	}
	s.identity = &id
	s.state = StateAuthenticated
	return nil
}

// Reject clears any identity and moves the session to rejected.
func (s *Session) Reject() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return ErrClosed
	}
	s.identity = nil
	s.state = StateRejected
	return nil
}

// MarkDisconnected moves the session to its terminal state. It reports
// false when the session was already disconnected.
func (s *Session) MarkDisconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDisconnected {
		return false
	}
	s.state = StateDisconnected
	s.identity = nil
	return true
}

// Join records membership of ch. It fails when the session is not
// authenticated and reports whether the membership is new.
func (s *Session) Join(ch channel.Name) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticated {
		return false, identity.Unauthorized(ch)
	}
	if _, ok := s.channels[ch]; ok {
		return false, nil
	}
	s.channels[ch] = struct{}{}
	return true, nil
}

// Leave removes membership of ch and reports whether it was present.
func (s *Session) Leave(ch channel.Name) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch]; !ok {
		return false
	}
	delete(s.channels, ch)
	return true
}

// Channels returns the subscribed channels in channel order.
func (s *Session) Channels() []channel.Name {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []channel.Name
	for _, ch := range channel.All() {
		if _, ok := s.channels[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}

// Send forwards an event to the transport. A nil peer or a closed
// transport yields ErrSendFailed.
func (s *Session) Send(ctx context.Context, event string, payload any) error {
	if s.peer == nil {
		return ErrSendFailed
	}
	return s.peer.Send(ctx, event, payload)
}

// Close asks the transport to terminate.
func (s *Session) Close(reason string) {
	if s.peer != nil {
		s.peer.Close(reason)
	}
}

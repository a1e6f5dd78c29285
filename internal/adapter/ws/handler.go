// Package ws implements the WebSocket transport for DeskRelay sessions.
package ws

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/DeskRelay/internal/config"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
)

// Gateway is the session side the hub drives.
type Gateway interface {
	Connect(ctx context.Context, peer session.Peer, home channel.Name) (*session.Session, error)
	Authenticate(ctx context.Context, s *session.Session, token string)
	HandleFrame(ctx context.Context, s *session.Session, raw []byte)
	Disconnect(ctx context.Context, id string)
}

// Options tunes the transport.
type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
	// AllowedOrigins are host patterns accepted for cross-origin upgrades.
	// Empty skips the origin check.
	AllowedOrigins []string
}

// OptionsFrom maps gateway configuration onto transport options.
func OptionsFrom(cfg config.Gateway) Options {
	return Options{
		SendBuffer:      cfg.SendBuffer,
		WriteTimeout:    cfg.WriteTimeout,
		PingInterval:    cfg.PingInterval,
		MaxMessageBytes: cfg.MaxMessageBytes,
		AllowedOrigins:  cfg.AllowedOrigins,
	}
}

// Hub accepts WebSocket connections and tracks them for shutdown.
type Hub struct {
	gw   Gateway
	opts Options

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewHub creates a new WebSocket hub.
func NewHub(gw Gateway, opts Options) *Hub {
	return &Hub{
		gw:    gw,
		opts:  opts,
		conns: make(map[*conn]struct{}),
	}
}

// HandleWS upgrades the request and serves the session until the client
// leaves. Mounted on /ws and /ws/{channel}; the channel path parameter
// selects the session's home channel. A token query parameter
// authenticates right after the upgrade.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	var home channel.Name
	if p := chi.URLParam(r, "channel"); p != "" {
		ch, err := channel.Parse(p)
		if err != nil {
			http.Error(w, "unknown channel", http.StatusNotFound)
			return
		}
		home = ch
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns:     h.opts.AllowedOrigins,
		InsecureSkipVerify: len(h.opts.AllowedOrigins) == 0,
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}
	if h.opts.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.opts.MaxMessageBytes)
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := newConn(ws, h.opts.SendBuffer)
	s, err := h.gw.Connect(ctx, c, home)
	if err != nil {
		slog.Error("session connect failed", "error", err)
		_ = ws.Close(websocket.StatusInternalError, "session unavailable")
		return
	}
	if !h.track(c) {
		h.gw.Disconnect(ctx, s.ID())
		_ = ws.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.untrack(c)

	slog.Info("websocket connected", "session_id", s.ID(), "home", home, "remote", r.RemoteAddr)

	go c.writeLoop(ctx, h.opts.WriteTimeout, h.opts.PingInterval)

	if token := r.URL.Query().Get("token"); token != "" {
		h.gw.Authenticate(ctx, s, token)
	}

	h.readLoop(ctx, c, s)

	h.gw.Disconnect(context.WithoutCancel(ctx), s.ID())
	c.Close("")
	<-c.writerDone
	slog.Info("websocket disconnected", "session_id", s.ID())
}

func (h *Hub) readLoop(ctx context.Context, c *conn, s *session.Session) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == -1 && !errors.Is(err, context.Canceled) {
				slog.Debug("websocket read failed", "session_id", s.ID(), "error", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		h.gw.HandleFrame(ctx, s, data)
	}
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Shutdown closes every connection with StatusGoingAway and waits for the
// sessions to be torn down or ctx to expire. New upgrades are refused.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	conns := h.conns
	h.conns = nil
	h.mu.Unlock()

	for c := range conns {
		c.closeWith(websocket.StatusGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Hub) track(c *conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns == nil {
		return false
	}
	h.conns[c] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Hub) untrack(c *conn) {
	h.mu.Lock()
	if h.conns != nil {
		delete(h.conns, c)
	}
	h.mu.Unlock()
	h.wg.Done()
}

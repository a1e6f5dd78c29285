package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/domain/session"
)

// frame is the outbound envelope. Channel is set for pushes only.
type frame struct {
	Event   string       `json:"event"`
	Channel channel.Name `json:"channel,omitempty"`
	Data    any          `json:"data"`
}

// conn is one WebSocket connection. It implements session.Peer: Send only
// enqueues, and a single writer goroutine drains the queue in order.
type conn struct {
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
	code      websocket.StatusCode
	reason    string

	writerDone chan struct{}
}

func newConn(ws *websocket.Conn, buffer int) *conn {
	if buffer < 1 {
		buffer = 1
	}
	return &conn{
		ws:         ws,
		send:       make(chan []byte, buffer),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// Send queues one event frame. A full queue closes the connection as a
// slow consumer.
func (c *conn) Send(_ context.Context, event string, payload any) error {
	f := frame{Event: event, Data: payload}
	if sc, ok := payload.(session.Scoped); ok {
		f.Channel = sc.ScopeChannel()
	}
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", event, err)
	}

	select {
	case <-c.done:
		return session.ErrSendFailed
	default:
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return session.ErrSendFailed
	default:
		slog.Warn("websocket send buffer full, closing", "event", event, "buffer", cap(c.send))
		c.closeWith(websocket.StatusPolicyViolation, "slow consumer")
		return session.ErrSendFailed
	}
}

// Close terminates the connection. A non-empty reason is reported to the
// client as a policy violation.
func (c *conn) Close(reason string) {
	code := websocket.StatusNormalClosure
	if reason != "" {
		code = websocket.StatusPolicyViolation
	}
	c.closeWith(code, reason)
}

func (c *conn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.code = code
		c.reason = reason
		close(c.done)
	})
}

// writeLoop drains the send queue and pings the client until the
// connection is closed.
func (c *conn) writeLoop(ctx context.Context, writeTimeout, pingInterval time.Duration) {
	defer close(c.writerDone)

	var tick <-chan time.Time
	if pingInterval > 0 {
		t := time.NewTicker(pingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case data := <-c.send:
			if err := c.write(ctx, writeTimeout, data); err != nil {
				slog.Debug("websocket write failed", "error", err)
				c.closeWith(websocket.StatusGoingAway, "write failed")
			}
		case <-tick:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Ping(pctx)
			cancel()
			if err != nil {
				slog.Debug("websocket ping failed", "error", err)
				c.closeWith(websocket.StatusGoingAway, "ping timeout")
			}
		case <-c.done:
			_ = c.ws.Close(c.code, c.reason)
			return
		case <-ctx.Done():
			_ = c.ws.Close(websocket.StatusGoingAway, "")
			return
		}
	}
}

func (c *conn) write(ctx context.Context, timeout time.Duration, data []byte) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

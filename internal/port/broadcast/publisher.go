// Package broadcast defines the port through which domain events enter the
// real-time fan-out path.
package broadcast

import (
	"context"

	"github.com/Strob0t/DeskRelay/internal/domain/channel"
)

// Publisher accepts a domain event for delivery to subscribed sessions.
// Implementations either dispatch in-process or relay through a queue.
type Publisher interface {
	PublishEvent(ctx context.Context, ev channel.Event) error
}

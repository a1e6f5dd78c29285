package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
)

// ErrDispatcherClosed is returned by OnDomainEvent after Close.
var ErrDispatcherClosed = errors.New("dispatcher closed")

// Notification is a created/updated/deleted push. It marshals to Data
// alone, the resource or {id}; the channel reaches the client through the
// frame envelope (session.Scoped).
type Notification struct {
	Channel channel.Name
	Data    json.RawMessage
}

// MarshalJSON implements json.Marshaler.
func (n Notification) MarshalJSON() ([]byte, error) {
	if len(n.Data) == 0 {
		return []byte("null"), nil
	}
	return n.Data, nil
}

// ScopeChannel implements session.Scoped.
func (n Notification) ScopeChannel() channel.Name { return n.Channel }

// Dispatcher turns domain events into channel fanouts. Each channel has its
// own queue and worker, so events of one channel are delivered in the order
// they were accepted and a stalled or failing channel does not hold up the
// others.
type Dispatcher struct {
	router  *Router
	metrics *drotel.Metrics
	queues  map[channel.Name]chan channel.Event

	// visible is swapped in tests.
	visible   func(*channel.Event) Predicate
	listeners []func(channel.Name)

	// mu is held shared by senders while they enqueue and exclusively by
	// Close when it marks the dispatcher closed. An event accepted before
	// closed is set is always drained by its worker.
	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}

	startOnce sync.Once
	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewDispatcher creates a Dispatcher with a queue of buffer events per
// channel. metrics may be nil.
func NewDispatcher(router *Router, buffer int, metrics *drotel.Metrics) *Dispatcher {
	if buffer < 1 {
		buffer = 1
	}
	d := &Dispatcher{
		router:   router,
		metrics:  metrics,
		queues:   make(map[channel.Name]chan channel.Event),
		visible:  Visible,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, ch := range channel.All() {
		d.queues[ch] = make(chan channel.Event, buffer)
	}
	return d
}

// OnDispatch registers fn to run on the channel's worker before each
// fanout. Must be called before Start.
func (d *Dispatcher) OnDispatch(fn func(channel.Name)) {
	d.listeners = append(d.listeners, fn)
}

// Start launches one worker per channel. Cancelling ctx shuts the
// dispatcher down like Close, without waiting for the workers.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		for ch, q := range d.queues {
			d.wg.Add(1)
			go d.work(context.WithoutCancel(ctx), ch, q)
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			select {
			case <-ctx.Done():
				d.shutdown()
			case <-d.done:
			}
		}()
		slog.Info("dispatcher started", "channels", len(d.queues))
	})
}

// OnDomainEvent validates ev and queues it on its channel. It blocks while
// the queue is full until ctx is done.
func (d *Dispatcher) OnDomainEvent(ctx context.Context, ev channel.Event) error {
	if err := ev.Validate(); err != nil {
		if d.metrics != nil {
			d.metrics.EventsRejected.Add(ctx, 1)
		}
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	select {
	case d.queues[ev.Channel] <- ev:
		return nil
	case <-d.stopping:
		return ErrDispatcherClosed
	case <-ctx.Done():
		return fmt.Errorf("enqueue %s event: %w", ev.Channel, ctx.Err())
	}
}

// PublishEvent implements broadcast.Publisher for in-process delivery.
func (d *Dispatcher) PublishEvent(ctx context.Context, ev channel.Event) error {
	return d.OnDomainEvent(ctx, ev)
}

// Close stops the workers after they have drained their queues.
func (d *Dispatcher) Close() {
	d.shutdown()
	d.wg.Wait()
}

func (d *Dispatcher) shutdown() {
	d.closeOnce.Do(func() {
		close(d.stopping)
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()
		close(d.done)
	})
}

// Pending returns the number of queued events on ch.
func (d *Dispatcher) Pending(ch channel.Name) int {
	return len(d.queues[ch])
}

func (d *Dispatcher) work(ctx context.Context, ch channel.Name, q chan channel.Event) {
	defer d.wg.Done()
	for {
		select {
		case ev := <-q:
			d.deliver(ctx, ev)
		case <-d.done:
			for {
				select {
				case ev := <-q:
					d.deliver(ctx, ev)
				default:
					slog.Debug("dispatcher worker stopped", "channel", ch)
					return
				}
			}
		}
	}
}

// deliver fans one event out. A panic is contained to this event.
func (d *Dispatcher) deliver(ctx context.Context, ev channel.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("fanout panic recovered",
				"channel", ev.Channel, "kind", ev.Kind, "resource_id", ev.ResourceID,
				"panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, span := drotel.StartDispatchSpan(ctx, string(ev.Channel), string(ev.Kind), ev.ResourceID)
	defer span.End()
	start := time.Now()

	data, err := ev.WirePayload()
	if err != nil {
		slog.Error("build wire payload", "channel", ev.Channel, "resource_id", ev.ResourceID, "error", err)
		return
	}

	for _, fn := range d.listeners {
		fn(ev.Channel)
	}

	res := d.router.Fanout(ctx, ev.Channel, string(ev.Kind),
		Notification{Channel: ev.Channel, Data: data}, d.visible(&ev))

	span.SetAttributes(
		attribute.Int("fanout.delivered", res.Delivered),
		attribute.Int("fanout.dropped", res.Dropped),
	)
	if d.metrics != nil {
		attrs := metric.WithAttributes(
			attribute.String("channel", string(ev.Channel)),
			attribute.String("kind", string(ev.Kind)),
		)
		d.metrics.EventsDispatched.Add(ctx, 1, attrs)
		d.metrics.FanoutDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	slog.Debug("event dispatched",
		"channel", ev.Channel, "kind", ev.Kind, "resource_id", ev.ResourceID,
		"delivered", res.Delivered, "filtered", res.Filtered, "dropped", res.Dropped)
}

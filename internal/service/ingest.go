package service

import (
	"context"
	"fmt"
	"log/slog"

	drotel "github.com/Strob0t/DeskRelay/internal/adapter/otel"
	"github.com/Strob0t/DeskRelay/internal/domain"
	"github.com/Strob0t/DeskRelay/internal/domain/channel"
	"github.com/Strob0t/DeskRelay/internal/port/messagequeue"
)

// Ingest feeds domain events consumed from the queue into the dispatcher.
type Ingest struct {
	queue      messagequeue.Queue
	dispatcher *Dispatcher
	metrics    *drotel.Metrics
}

// NewIngest creates an Ingest. metrics may be nil.
func NewIngest(queue messagequeue.Queue, dispatcher *Dispatcher, metrics *drotel.Metrics) *Ingest {
	return &Ingest{queue: queue, dispatcher: dispatcher, metrics: metrics}
}

// Start subscribes to every domain-event subject. The returned function
// stops the subscription.
func (i *Ingest) Start(ctx context.Context) (func(), error) {
	stop, err := i.queue.Subscribe(ctx, messagequeue.SubjectAll, i.handle)
	if err != nil {
		return nil, fmt.Errorf("ingest subscribe: %w", err)
	}
	slog.Info("ingest subscribed", "subject", messagequeue.SubjectAll)
	return stop, nil
}

func (i *Ingest) handle(ctx context.Context, subject string, data []byte) error {
	ev, err := messagequeue.Decode(subject, data)
	if err != nil {
		if i.metrics != nil {
			i.metrics.EventsRejected.Add(ctx, 1)
		}
		return fmt.Errorf("%w: %w", domain.ErrValidation, err)
	}
	return i.dispatcher.OnDomainEvent(ctx, ev)
}

// QueuePublisher publishes domain events to the queue so every replica
// dispatches them. It implements broadcast.Publisher.
type QueuePublisher struct {
	queue messagequeue.Queue
}

// NewQueuePublisher creates a QueuePublisher.
func NewQueuePublisher(queue messagequeue.Queue) *QueuePublisher {
	return &QueuePublisher{queue: queue}
}

// PublishEvent validates ev and publishes it on its subject.
func (p *QueuePublisher) PublishEvent(ctx context.Context, ev channel.Event) error {
	subject, data, err := messagequeue.Encode(ev)
	if err != nil {
		return err
	}
	return p.queue.Publish(ctx, subject, data)
}

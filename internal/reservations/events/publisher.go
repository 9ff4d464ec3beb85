package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"chargehold/pkg/kafka"
	"chargehold/pkg/logger"
	"chargehold/pkg/model"
)

const SchemaVersion = "1"

var ErrPublisherClosed = errors.New("event publisher is closed")

// Producer is satisfied by *kafka.Producer.
type Producer interface {
	Publish(ctx context.Context, msg kafka.Message) error
	Close() error
}

// Publisher forwards reservation lifecycle events to Kafka from a single
// background worker. Handle never blocks the caller: when the queue is full
// the event is dropped and logged.
type Publisher struct {
	producer Producer
	source   string
	timeout  time.Duration
	log      *logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan model.Event
	done   chan struct{}
}

func NewPublisher(producer Producer, source string, buffer int, timeout time.Duration, log *logger.Logger) *Publisher {
	p := &Publisher{
		producer: producer,
		source:   source,
		timeout:  timeout,
		log:      log.Component("event_publisher"),
		queue:    make(chan model.Event, buffer),
		done:     make(chan struct{}),
	}
	go p.run()
	return p
}

// Handle queues ev for publishing. It has the signature of a service event listener.
func (p *Publisher) Handle(ev model.Event) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	select {
	case p.queue <- ev:
	default:
		p.log.Warn("Event queue full, dropping event",
			"reservation_id", ev.Reservation.ID,
			"event_type", ev.Type,
		)
	}
}

func (p *Publisher) run() {
	defer close(p.done)
	for ev := range p.queue {
		if err := p.publish(ev); err != nil {
			p.log.Error("Failed to publish reservation event",
				"reservation_id", ev.Reservation.ID,
				"event_type", ev.Type,
				"error", err,
			)
		}
	}
}

func (p *Publisher) publish(ev model.Event) error {
	msg, err := Message(ev, p.source)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	return p.producer.Publish(ctx, msg)
}

// Message builds the Kafka message for ev, keyed by reservation id so every
// event of one reservation lands on the same partition.
func Message(ev model.Event, source string) (kafka.Message, error) {
	return kafka.NewMessage().
		WithKey(ev.Reservation.ID).
		WithValue(ev).
		WithEventType(string(ev.Type)).
		WithSource(source).
		WithSchemaVersion(SchemaVersion).
		WithTimestamp(ev.OccurredAt).
		Build()
}

// Close stops accepting events, drains the queue and closes the producer.
// If ctx ends first the remaining events are abandoned.
func (p *Publisher) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPublisherClosed
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	select {
	case <-p.done:
	case <-ctx.Done():
		p.log.Warn("Event queue not drained before shutdown", "pending", len(p.queue))
	}

	return p.producer.Close()
}

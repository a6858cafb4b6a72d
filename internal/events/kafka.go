package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/salmarket/escrowd/internal/metrics"
)

// MessageWriter is the part of *kafka.Writer the publisher uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher queues events and writes them to a topic from a single
// goroutine. Messages are keyed by order ID so one order's events stay in
// one partition, in order. When the queue is full events are dropped and
// counted rather than blocking the caller.
type KafkaPublisher struct {
	w       MessageWriter
	inbox   chan kafka.Message
	logger  *slog.Logger
	timeout time.Duration

	startOnce sync.Once
	done      chan struct{}

	// mu guards sends on inbox against it being closed.
	mu     sync.RWMutex
	closed bool
}

// NewKafkaWriter builds the writer used in production.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// NewKafkaPublisher wraps w with a queue of size buf.
func NewKafkaPublisher(w MessageWriter, buf int, logger *slog.Logger) *KafkaPublisher {
	if buf <= 0 {
		buf = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		w:       w,
		inbox:   make(chan kafka.Message, buf),
		logger:  logger,
		timeout: 10 * time.Second,
		done:    make(chan struct{}),
	}
}

// Start launches the writer loop. It drains the queue and closes the
// writer once ctx is done or Close is called.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		go p.loop(ctx)
	})
}

func (p *KafkaPublisher) loop(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if err := p.w.Close(); err != nil {
			p.logger.Warn("kafka writer close failed", "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			p.closeInbox()
			for m := range p.inbox {
				p.write(m)
			}
			return
		case m, ok := <-p.inbox:
			if !ok {
				return
			}
			p.write(m)
		}
	}
}

func (p *KafkaPublisher) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "error").Inc()
		p.logger.Warn("kafka publish failed", "key", string(m.Key), "error", err)
		return
	}
	metrics.EventsPublishedTotal.WithLabelValues("kafka", "ok").Inc()
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(_ context.Context, ev Event) {
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	msg := kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "dropped").Inc()
		p.logger.Warn("kafka publisher closed, event dropped", "type", ev.Type, "order_id", ev.OrderID)
		return
	}
	select {
	case p.inbox <- msg:
	default:
		metrics.EventsPublishedTotal.WithLabelValues("kafka", "dropped").Inc()
		p.logger.Warn("kafka queue full, event dropped", "type", ev.Type, "order_id", ev.OrderID)
	}
}

// Close flushes queued events and waits for the writer loop to exit.
func (p *KafkaPublisher) Close() {
	p.Start(context.Background())
	p.closeInbox()
	<-p.done
}

func (p *KafkaPublisher) closeInbox() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
}

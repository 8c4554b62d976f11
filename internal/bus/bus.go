package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/seongjin71/hankook-logistics-agent/internal/metrics"
)

// Handler consumes one decoded message for a topic. Handlers run on the
// topic's consumer goroutine, in registration order.
type Handler func(ctx context.Context, topic string, payload json.RawMessage)

// Message is one bus envelope, also kept in the per-topic diagnostic ring.
type Message struct {
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Backend is a durable append-only log. Consumers only see messages appended
// after they start; history is never replayed.
type Backend interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Consume(ctx context.Context, topic string, deliver func(payload []byte)) error
	Close() error
}

// Bus is a topic-based async publish/subscribe transport. With a Backend it
// appends to a durable log and falls back to bounded in-memory queues when the
// backend is unreachable; without one it runs purely in memory.
type Bus struct {
	backend  Backend
	capacity int
	maxRecent int
	log      *slog.Logger

	mu       sync.Mutex
	handlers map[string][]Handler
	queues   map[string]chan Message
	recent   map[string][]Message

	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Bus.
type Option func(*Bus)

// WithBackend attaches a durable log backend.
func WithBackend(b Backend) Option {
	return func(bus *Bus) { bus.backend = b }
}

// WithQueueCapacity overrides the per-topic in-memory queue size.
func WithQueueCapacity(n int) Option {
	return func(bus *Bus) {
		if n > 0 {
			bus.capacity = n
		}
	}
}

// WithRecentBuffer overrides the diagnostic ring size per topic.
func WithRecentBuffer(n int) Option {
	return func(bus *Bus) {
		if n > 0 {
			bus.maxRecent = n
		}
	}
}

func New(log *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		capacity:  10000,
		maxRecent: 500,
		log:       log,
		handlers:  make(map[string][]Handler),
		queues:    make(map[string]chan Message),
		recent:    make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Durable reports whether the bus was started with a durable backend.
func (b *Bus) Durable() bool { return b.backend != nil }

// Subscribe registers a handler for a topic. Valid before or after Start;
// handlers added after Start only receive messages from topics that already
// had a consumer loop.
func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
	if _, ok := b.queues[topic]; !ok {
		b.queues[topic] = make(chan Message, b.capacity)
	}
}

// Publish marshals v and enqueues it. It never blocks the caller on delivery:
// a full in-memory queue drops its oldest message, and a durable backend
// failure degrades to the in-memory queue without surfacing an error.
func (b *Bus) Publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}

	msg := Message{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()}
	b.remember(msg)
	metrics.EventsPublished.WithLabelValues(topic).Inc()

	if b.backend != nil {
		if err := b.backend.Publish(ctx, topic, payload); err != nil {
			b.log.Warn("durable publish failed, degrading to memory queue",
				"topic", topic, "err", err)
			b.enqueue(msg)
		}
		return nil
	}

	b.enqueue(msg)
	return nil
}

func (b *Bus) remember(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := append(b.recent[msg.Topic], msg)
	if len(ring) > b.maxRecent {
		ring = ring[len(ring)-b.maxRecent:]
	}
	b.recent[msg.Topic] = ring
}

// enqueue applies the drop-oldest overflow policy: the newest message always
// gets in, at the cost of the oldest queued one.
func (b *Bus) enqueue(msg Message) {
	b.mu.Lock()
	q, ok := b.queues[msg.Topic]
	if !ok {
		q = make(chan Message, b.capacity)
		b.queues[msg.Topic] = q
	}
	b.mu.Unlock()

	for {
		select {
		case q <- msg:
			return
		default:
		}
		select {
		case <-q:
			metrics.EventsDropped.WithLabelValues(msg.Topic).Inc()
		default:
		}
	}
}

// Start spins up one consumer loop per subscribed topic. With a durable
// backend each topic also gets a memory-queue loop so degraded messages are
// still delivered.
func (b *Bus) Start(ctx context.Context) {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	ctx, b.cancel = context.WithCancel(ctx)
	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		if b.backend != nil {
			b.wg.Add(1)
			go b.consumeDurable(ctx, topic)
		}
		b.wg.Add(1)
		go b.consumeMemory(ctx, topic)
	}

	mode := "memory"
	if b.backend != nil {
		mode = "durable"
	}
	b.log.Info("event bus started", "topics", len(topics), "mode", mode)
}

// Stop cancels all consumer loops, drains queued work and closes the backend.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.started = false
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	b.wg.Wait()

	if b.backend != nil {
		if err := b.backend.Close(); err != nil {
			b.log.Warn("backend close", "err", err)
		}
	}
	b.log.Info("event bus stopped")
}

func (b *Bus) consumeMemory(ctx context.Context, topic string) {
	defer b.wg.Done()
	b.mu.Lock()
	q := b.queues[topic]
	b.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			// Drain whatever is still queued before exiting.
			for {
				select {
				case msg := <-q:
					b.dispatch(context.Background(), msg)
				default:
					return
				}
			}
		case msg := <-q:
			b.dispatch(ctx, msg)
		}
	}
}

func (b *Bus) consumeDurable(ctx context.Context, topic string) {
	defer b.wg.Done()
	err := b.backend.Consume(ctx, topic, func(payload []byte) {
		b.dispatch(ctx, Message{Topic: topic, Payload: payload, Timestamp: time.Now().UTC()})
	})
	if err != nil && ctx.Err() == nil {
		b.log.Error("durable consumer exited", "topic", topic, "err", err)
	}
}

// dispatch invokes every handler registered for the topic in order. A panic
// in one handler is recovered and logged; the remaining handlers still run.
func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.Lock()
	handlers := make([]Handler, len(b.handlers[msg.Topic]))
	copy(handlers, b.handlers[msg.Topic])
	b.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.HandlerFailures.WithLabelValues(msg.Topic).Inc()
					b.log.Error("handler panic", "topic", msg.Topic, "panic", r)
				}
			}()
			h(ctx, msg.Topic, msg.Payload)
		}()
	}
}

// Recent returns up to n of the latest messages published to a topic.
func (b *Bus) Recent(topic string, n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	ring := b.recent[topic]
	if n <= 0 || n > len(ring) {
		n = len(ring)
	}
	out := make([]Message, n)
	copy(out, ring[len(ring)-n:])
	return out
}

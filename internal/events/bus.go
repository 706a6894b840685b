package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity when the
// configuration does not name one.
const DefaultSubscriberBuffer = 64

// backpressureWarnEvery bounds how often one lagging subscriber can produce
// a backpressure warning.
const backpressureWarnEvery = time.Minute

// Subscription is one bounded consumer of a topic. Events arrive on Events()
// in publish order; when the consumer lags, the oldest buffered event is
// dropped to make room.
type Subscription struct {
	topic   string
	ch      chan Event
	bus     *Bus
	limiter *rate.Limiter

	dropped   int64
	closeOnce sync.Once
}

// Events returns the delivery channel. It is closed by Close and by the
// bus shutting down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped returns how many events were evicted from this subscriber's
// buffer so far.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Close unsubscribes and closes the delivery channel. Safe to call more
// than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus fans events out to topic subscribers. Publishing is serialized by a
// single mutex, which gives every subscriber of a topic the same delivery
// order, and never blocks: a full subscriber buffer loses its oldest entry
// instead of stalling the pipeline.
type Bus struct {
	mu     sync.Mutex
	subs   map[string][]*Subscription
	buffer int
	logger *logrus.Logger
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer capacity.
// Non-positive values fall back to DefaultSubscriberBuffer.
func NewBus(buffer int, logger *logrus.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &Bus{
		subs:   make(map[string][]*Subscription),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe registers a new consumer on a topic. Subscribing to a closed
// bus returns a subscription whose channel is already closed.
func (b *Bus) Subscribe(topic string) *Subscription {
	sub := &Subscription{
		topic:   topic,
		ch:      make(chan Event, b.buffer),
		bus:     b,
		limiter: rate.NewLimiter(rate.Every(backpressureWarnEvery), 1),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeOnce.Do(func() { close(sub.ch) })
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers an event of the given type to every subscriber of the
// topic. Publishing to a closed bus is a no-op.
func (b *Bus) Publish(topic string, typ EventType, payload interface{}) {
	ev := Event{
		Type:      typ,
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		b.deliver(sub, ev)
	}
}

// deliver is called with b.mu held; publishers are serialized, so after an
// eviction the buffered send cannot block.
func (b *Bus) deliver(sub *Subscription, ev Event) {
	select {
	case sub.ch <- ev:
		return
	default:
	}

	select {
	case <-sub.ch:
	default:
	}
	sub.ch <- ev

	total := atomic.AddInt64(&sub.dropped, 1)
	if !sub.limiter.Allow() {
		return
	}
	b.logger.WithFields(logrus.Fields{
		"topic":   sub.topic,
		"dropped": total,
	}).Warn("Subscriber buffer overflow, oldest event dropped")
	b.warnBackpressure(sub.topic, total)
}

// warnBackpressure fans a backpressure_warning out to dashboard subscribers
// with a plain non-blocking send. Overflow on the dashboard itself is only
// logged; the warning never feeds back into its own topic.
func (b *Bus) warnBackpressure(topic string, droppedTotal int64) {
	if topic == TopicDashboard {
		return
	}
	ev := Event{
		Type:      EventBackpressureWarning,
		Topic:     TopicDashboard,
		Timestamp: time.Now().UTC(),
		Payload:   BackpressureWarningPayload{Topic: topic, DroppedTotal: droppedTotal},
	}
	for _, sub := range b.subs[TopicDashboard] {
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (b *Bus) unsubscribe(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.topic]) == 0 {
		delete(b.subs, target.topic)
	}
	target.closeOnce.Do(func() { close(target.ch) })
}

// Close shuts the bus down: all subscriber channels are closed and further
// publishes are dropped. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
	}
	b.subs = make(map[string][]*Subscription)
}

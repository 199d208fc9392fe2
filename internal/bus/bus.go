// Package bus is an in-process publish/subscribe event bus for the
// ProxySharing events exchanged between dispatchers, seat stores and the
// (out of scope) scaler.
package bus

import (
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const defaultBufferSize = 64

// criticalRetry bounds how long Publish will block trying to hand a
// PendingProxyEvent to a subscriber whose buffer is momentarily full.
// Losing that wake-up outright just delays a claim until the dispatcher's
// own poll loop next notices a free seat, but the gatewayhttp relay that
// fans these events out to a remote WebSocket client is routinely a tick
// behind; a short bounded wait lets it catch up instead of swallowing
// the signal.
const criticalRetry = 50 * time.Millisecond

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload any
}

// Event topics. A Dispatcher subscribes with the TopicSeatAvailable
// prefix; topics carry no spec id, so filtering by specId happens in
// the handler.
const (
	TopicPendingProxy  = "proxy.pending"
	TopicSeatAvailable = "seat.available"
	TopicSeatClaimed   = "seat.claimed"
	TopicSeatReleased  = "seat.released"
)

// PendingProxyEvent: dispatcher -> scaler, "I have a waiter."
type PendingProxyEvent struct {
	SpecID  string
	ProxyID string
}

// SeatAvailableEvent: scaler/seat-store -> dispatchers, "a seat just
// appeared; wake waiters." IntendedProxyID is optional: when set, only
// that waiter should be woken; when empty, any waiter on SpecID may be.
type SeatAvailableEvent struct {
	SpecID          string
	IntendedProxyID string
}

// SeatClaimedEvent is published for observability after a successful claim.
type SeatClaimedEvent struct {
	SpecID  string
	ProxyID string
}

// SeatReleasedEvent is published for observability after a seat release.
type SeatReleasedEvent struct {
	SpecID  string
	SeatID  string
	ProxyID string
	Reason  string
}

// Subscription represents an active subscription. Each subscription
// tracks its own drop count and warning watermark: a slow WebSocket
// client falling behind shouldn't make a fast in-process consumer's
// drop history look worse than it is, and vice versa.
type Subscription struct {
	id         int
	prefix     string
	ch         chan Event
	dropped    atomic.Int64
	lastWarned atomic.Int64
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// DroppedCount returns the number of events this specific subscription
// has missed because its buffer was full when Publish tried to deliver.
func (s *Subscription) DroppedCount() int64 {
	return s.dropped.Load()
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
// Delivery is best-effort and unordered relative to any given subscriber's
// other operations: consumers must treat every delivery as
// a hint, not a guarantee, and re-check authoritative state.
type Bus struct {
	mu            sync.RWMutex
	subs          map[int]*Subscription
	nextID        int
	logger        *slog.Logger
	droppedEvents atomic.Int64
}

// New creates a new Bus.
func New() *Bus {
	return NewWithLogger(nil)
}

// NewWithLogger creates a new Bus with an optional logger for observability.
func NewWithLogger(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

type subscribeOptions struct {
	bufferSize int
}

// SubscribeOption customizes a subscription's delivery buffer.
type SubscribeOption func(*subscribeOptions)

// WithBufferSize overrides the default channel buffer for one
// subscription. The event-stream gateway hands this to its WebSocket
// subscriptions, which are bursty and remote; the dispatchers and the
// Telegram notifier subscribe with the default.
func WithBufferSize(n int) SubscribeOption {
	return func(o *subscribeOptions) {
		if n > 0 {
			o.bufferSize = n
		}
	}
}

// Subscribe creates a subscription for events matching the given topic
// prefix. An empty prefix matches all topics. Slow consumers miss events
// once their buffer fills (non-blocking send), except for
// PendingProxyEvent, which gets a bounded retry; see Publish.
func (b *Bus) Subscribe(topicPrefix string, opts ...SubscribeOption) *Subscription {
	cfg := subscribeOptions{bufferSize: defaultBufferSize}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, cfg.bufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers. Most topics are
// delivered non-blocking: a full buffer just drops the event. A
// PendingProxyEvent is retried for up to criticalRetry before being
// dropped, since a lost wake-up costs a waiter a full wait interval of extra
// latency rather than just a missed observability point.
func (b *Bus) Publish(topic string, payload any) {
	event := Event{Topic: topic, Payload: payload}
	retryOnFull := topic == TopicPendingProxy

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix != "" && !strings.HasPrefix(topic, sub.prefix) {
			continue
		}
		if deliver(sub.ch, event, retryOnFull) {
			continue
		}
		b.droppedEvents.Add(1)
		newCount := sub.dropped.Add(1)
		b.maybeLogDropWarning(sub, newCount, topic)
	}
}

func deliver(ch chan<- Event, event Event, retryOnFull bool) bool {
	select {
	case ch <- event:
		return true
	default:
	}
	if !retryOnFull {
		return false
	}
	timer := time.NewTimer(criticalRetry)
	defer timer.Stop()
	select {
	case ch <- event:
		return true
	case <-timer.C:
		return false
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// DroppedEventCount returns the total number of events dropped across all
// subscribers due to full buffers.
func (b *Bus) DroppedEventCount() int64 {
	return b.droppedEvents.Load()
}

// dropThreshold returns the next exponential threshold (1, 10, 100, ...) at or below count.
func dropThreshold(count int64) int64 {
	threshold := int64(1)
	for threshold*10 <= count {
		threshold *= 10
	}
	return threshold
}

// maybeLogDropWarning logs a warning, scoped to the specific subscriber
// falling behind, when that subscriber's dropped-event count crosses an
// exponential threshold. Uses CompareAndSwap on the subscriber's own
// watermark so concurrent publishers to the same slow subscriber don't
// double-log.
func (b *Bus) maybeLogDropWarning(sub *Subscription, newCount int64, topic string) {
	if b.logger == nil {
		return
	}
	threshold := dropThreshold(newCount)
	if newCount != threshold {
		return
	}
	lastWarned := sub.lastWarned.Load()
	if threshold <= lastWarned {
		return
	}
	if sub.lastWarned.CompareAndSwap(lastWarned, threshold) {
		b.logger.Warn("bus_subscriber_dropped_events_reached_threshold",
			slog.Int("subscriber_id", sub.id),
			slog.String("subscriber_prefix", sub.prefix),
			slog.Int64("count", newCount),
			slog.String("topic", topic),
		)
	}
}

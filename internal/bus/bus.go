// Package bus implements the in-process publish/subscribe event bus with
// per-channel latest-value caching and bounded subscriber queues.
//
// Publishers never block on a slow subscriber: when a subscriber queue is
// full, the oldest queued event is dropped to admit the newest. Goroutines
// outside the dispatch domain inject events through a bounded ingress queue
// drained by Run; while the bus is not running those events still update the
// latest-value cache but are dropped for delivery.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// GlobalKey is the conventional key for channels that carry a single
// process-wide value rather than per-entity state.
const GlobalKey = "global"

const (
	defaultQueueSize   = 64
	defaultIngressSize = 256
	dropLogEvery       = 100
)

// Bus is the process-wide event bus. Construct one at startup with New and
// share it by reference; channels are created lazily on first publish or
// subscribe and never destroyed.
type Bus struct {
	logger   *slog.Logger
	queueCap int

	mu    sync.Mutex
	seq   uint64
	cache map[Channel]Event
	subs  map[Channel][]*Subscription

	ingress chan Event
	running atomic.Bool

	dropCount atomic.Uint64
}

// Subscription is a pull-style bounded queue over one channel. The transport
// layer adapts it into a server-push protocol (SSE, websocket). Close is
// idempotent and removes the subscription from fan-out promptly.
type Subscription struct {
	bus     *Bus
	channel Channel
	queue   chan Event
	lastSeq uint64 // guarded by bus.mu
	once    sync.Once
}

// Events returns the subscription's delivery queue. The channel is closed
// when the subscription is closed.
func (s *Subscription) Events() <-chan Event {
	return s.queue
}

// Channel returns the (topic, key) this subscription is attached to.
func (s *Subscription) Channel() Channel {
	return s.channel
}

// Close removes the subscription from fan-out and closes its queue.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.removeSub(s)
		close(s.queue)
	})
}

// New creates a Bus. queueCap bounds each subscriber queue, ingressCap bounds
// the worker-goroutine ingress queue; zero or negative values pick defaults.
func New(queueCap, ingressCap int, logger *slog.Logger) *Bus {
	if queueCap <= 0 {
		queueCap = defaultQueueSize
	}
	if ingressCap <= 0 {
		ingressCap = defaultIngressSize
	}
	return &Bus{
		logger:   logger.With("component", "bus"),
		queueCap: queueCap,
		cache:    make(map[Channel]Event),
		subs:     make(map[Channel][]*Subscription),
		ingress:  make(chan Event, ingressCap),
	}
}

// Run drains the ingress queue and fans out worker-originated events until
// the context is cancelled. At most one Run may be active per bus.
func (b *Bus) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return fmt.Errorf("bus already running")
	}
	defer b.running.Store(false)

	b.logger.Info("bus dispatch loop started",
		"queue_cap", b.queueCap,
		"ingress_cap", cap(b.ingress),
	)

	for {
		select {
		case <-ctx.Done():
			b.logger.Info("bus dispatch loop stopping", "reason", ctx.Err())
			return ctx.Err()
		case ev := <-b.ingress:
			b.mu.Lock()
			b.fanOutLocked(ev)
			b.mu.Unlock()
		}
	}
}

// Publish assigns the next global sequence, updates the channel's latest-value
// cache and fans the event out to all current subscribers. It never blocks on
// a slow subscriber and never returns an error for one.
func (b *Bus) Publish(topic, key string, payload any) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ev := b.nextEventLocked(topic, key, payload)
	b.fanOutLocked(ev)
	return ev
}

// PublishFromWorker injects an event from a goroutine outside the dispatch
// domain. The cache is always updated; delivery is handed to the dispatch
// loop through the ingress queue. The returned bool reports whether the event
// was accepted for delivery — false means the bus is not running or the
// ingress queue is full, and the event exists only in the cache.
func (b *Bus) PublishFromWorker(topic, key string, payload any) (Event, bool) {
	b.mu.Lock()
	ev := b.nextEventLocked(topic, key, payload)
	b.mu.Unlock()

	if !b.running.Load() {
		b.noteDrop(ev.Channel(), "loop_not_running")
		return ev, false
	}

	select {
	case b.ingress <- ev:
		return ev, true
	default:
		b.noteDrop(ev.Channel(), "ingress_full")
		return ev, false
	}
}

// Subscribe attaches a new bounded-queue subscription to (topic, key). If the
// channel has a cached value it is delivered immediately as the first event.
func (b *Bus) Subscribe(topic, key string) *Subscription {
	ch := Channel{Topic: topic, Key: key}

	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:     b,
		channel: ch,
		queue:   make(chan Event, b.queueCap),
	}
	b.subs[ch] = append(b.subs[ch], sub)

	if cached, ok := b.cache[ch]; ok {
		sub.queue <- cached
		sub.lastSeq = cached.Sequence
	}
	return sub
}

// SubscriberCount reports the number of live subscriptions on a channel.
// The producer hub uses it for idle detection.
func (b *Bus) SubscriberCount(topic, key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[Channel{Topic: topic, Key: key}])
}

// LastEvent returns the cached latest value for a channel, if any.
func (b *Bus) LastEvent(topic, key string) (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ev, ok := b.cache[Channel{Topic: topic, Key: key}]
	return ev, ok
}

// nextEventLocked stamps a new event and updates the latest-value cache.
func (b *Bus) nextEventLocked(topic, key string, payload any) Event {
	b.seq++
	ev := Event{
		Topic:     topic,
		Key:       key,
		Sequence:  b.seq,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	b.cache[ev.Channel()] = ev
	return ev
}

// fanOutLocked enqueues the event on every subscriber of its channel. Events
// at or below a subscriber's last delivered sequence are skipped, which keeps
// per-subscription delivery strictly sequence-increasing even when direct and
// ingress-drained publishes interleave.
func (b *Bus) fanOutLocked(ev Event) {
	for _, sub := range b.subs[ev.Channel()] {
		if ev.Sequence <= sub.lastSeq {
			continue
		}
		b.enqueue(sub, ev)
		sub.lastSeq = ev.Sequence
	}
}

// enqueue applies the latest-wins overflow policy: on a full queue the single
// oldest entry is dropped before the new one is admitted.
func (b *Bus) enqueue(sub *Subscription, ev Event) {
	for {
		select {
		case sub.queue <- ev:
			return
		default:
		}
		select {
		case <-sub.queue:
			b.noteDrop(sub.channel, "subscriber_overflow")
		default:
		}
	}
}

func (b *Bus) removeSub(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	lst := b.subs[sub.channel]
	out := lst[:0]
	for _, s := range lst {
		if s != sub {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		delete(b.subs, sub.channel)
	} else {
		b.subs[sub.channel] = out
	}
}

// noteDrop counts best-effort delivery losses; they are never surfaced as
// errors, only as a gap in the stream.
func (b *Bus) noteDrop(ch Channel, reason string) {
	count := b.dropCount.Add(1)
	if count%dropLogEvery == 0 {
		b.logger.Warn("events dropped for delivery",
			"channel", ch.String(),
			"reason", reason,
			"dropped_total", count,
		)
	}
}

// Package hub deduplicates polling work across viewers of the same status
// channel: at most one polling task runs per (topic, key), publishes are
// suppressed when the built payload is unchanged, and a task tears itself
// down once its channel has been idle beyond its TTL.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sessiond/sessiond/internal/bus"
)

// BuildFunc produces the next payload for a polled channel. A failing build
// never terminates the polling loop; the error is converted into an in-band
// {"error": message} payload instead.
type BuildFunc func(ctx context.Context) (any, error)

// entry holds the per-channel poller state. lastSerialized is shared between
// the polling loop and PublishOnce so both suppress unchanged snapshots
// against the same baseline.
type entry struct {
	cancel         context.CancelFunc
	lastSerialized string
	idleSince      time.Time
}

// Hub owns the shared pollers. One instance per process, injected by
// reference wherever a status channel needs a producer.
type Hub struct {
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	entries map[bus.Channel]*entry

	wg sync.WaitGroup
}

func New(b *bus.Bus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:     b,
		logger:  logger.With("component", "hub"),
		entries: make(map[bus.Channel]*entry),
	}
}

// EnsurePolling starts a polling task for (topic, key) unless one is already
// active, in which case the call is a no-op. The task invokes build every
// interval, publishes only when the serialized payload changed, and exits
// once the channel has had zero subscribers for at least idleTTL.
func (h *Hub) EnsurePolling(ctx context.Context, topic, key string, build BuildFunc, interval, idleTTL time.Duration) {
	ch := bus.Channel{Topic: topic, Key: key}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, active := h.entries[ch]; active {
		return
	}

	pollCtx, cancel := context.WithCancel(ctx)
	e := &entry{cancel: cancel}
	h.entries[ch] = e

	h.logger.Info("polling task started",
		"channel", ch.String(),
		"interval", interval,
		"idle_ttl", idleTTL,
	)

	h.wg.Add(1)
	go h.poll(pollCtx, ch, e, build, interval, idleTTL)
}

// PublishOnce runs a single build+publish outside the polling cadence so a
// fresh snapshot exists before a new subscriber's first shared-poller tick.
func (h *Hub) PublishOnce(ctx context.Context, topic, key string, build BuildFunc) {
	ch := bus.Channel{Topic: topic, Key: key}

	payload, serialized := h.buildPayload(ctx, ch, build)

	h.mu.Lock()
	e, active := h.entries[ch]
	if active && e.lastSerialized == serialized {
		h.mu.Unlock()
		return
	}
	if active {
		e.lastSerialized = serialized
	}
	h.mu.Unlock()

	h.bus.Publish(topic, key, payload)
}

// Active reports whether a polling task is registered for the channel.
func (h *Hub) Active(topic, key string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.entries[bus.Channel{Topic: topic, Key: key}]
	return ok
}

// Wait blocks until every polling task has exited. Used on shutdown after
// the parent context is cancelled.
func (h *Hub) Wait() {
	h.wg.Wait()
}

func (h *Hub) poll(ctx context.Context, ch bus.Channel, e *entry, build BuildFunc, interval, idleTTL time.Duration) {
	defer h.wg.Done()
	defer h.deregister(ch)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// First tick immediately; later ticks on the cadence.
	if exit := h.tick(ctx, ch, e, build, idleTTL); exit {
		return
	}
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("polling task cancelled", "channel", ch.String())
			return
		case <-ticker.C:
			if exit := h.tick(ctx, ch, e, build, idleTTL); exit {
				return
			}
		}
	}
}

// tick runs one build+publish cycle and evaluates the idle timer. It returns
// true when the task should exit because the channel stayed idle past its TTL.
func (h *Hub) tick(ctx context.Context, ch bus.Channel, e *entry, build BuildFunc, idleTTL time.Duration) bool {
	payload, serialized := h.buildPayload(ctx, ch, build)

	h.mu.Lock()
	changed := serialized != e.lastSerialized
	if changed {
		e.lastSerialized = serialized
	}

	// A reappearing subscriber resets the idle timer.
	if h.bus.SubscriberCount(ch.Topic, ch.Key) == 0 {
		if e.idleSince.IsZero() {
			e.idleSince = time.Now()
		} else if time.Since(e.idleSince) >= idleTTL {
			h.mu.Unlock()
			h.logger.Info("polling task idle, shutting down",
				"channel", ch.String(),
				"idle_ttl", idleTTL,
			)
			return true
		}
	} else {
		e.idleSince = time.Time{}
	}
	h.mu.Unlock()

	if changed {
		h.bus.Publish(ch.Topic, ch.Key, payload)
	}
	return false
}

// buildPayload invokes build and deterministically serializes the result.
// encoding/json writes map keys in sorted order, so equal payloads always
// serialize identically.
func (h *Hub) buildPayload(ctx context.Context, ch bus.Channel, build BuildFunc) (any, string) {
	payload, err := build(ctx)
	if err != nil {
		h.logger.Warn("payload builder failed",
			"channel", ch.String(),
			"error", err,
		)
		payload = map[string]any{"error": err.Error()}
	}

	data, merr := json.Marshal(payload)
	if merr != nil {
		// Non-serializable payloads still flow to subscribers; change
		// suppression just cannot dedupe them.
		return payload, fmt.Sprintf("unserializable:%d", time.Now().UnixNano())
	}
	return payload, string(data)
}

func (h *Hub) deregister(ch bus.Channel) {
	h.mu.Lock()
	if e, ok := h.entries[ch]; ok {
		e.cancel()
		delete(h.entries, ch)
	}
	h.mu.Unlock()
}

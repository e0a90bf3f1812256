// Package feed bridges external websocket feeds onto the internal bus. Each
// relay dials one upstream endpoint, decodes its frames, and republishes
// them on the "feeds.<name>" topic so local subscribers fan out from one
// upstream connection.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sessiond/sessiond/internal/bus"
)

const (
	// TopicPrefix namespaces relayed feeds on the bus.
	TopicPrefix = "feeds."

	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
	readWait     = 60 * time.Second
)

// Relay mirrors one upstream websocket feed onto the bus.
type Relay struct {
	name   string
	url    string
	bus    *bus.Bus
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewRelay(name, url string, b *bus.Bus, logger *slog.Logger) *Relay {
	return &Relay{
		name:   name,
		url:    url,
		bus:    b,
		logger: logger.With("component", "feed-relay", "feed", name),
	}
}

// Topic returns the bus topic this relay publishes on.
func (r *Relay) Topic() string {
	return TopicPrefix + r.name
}

// Start launches the relay loop. It reconnects with exponential backoff
// until the context is cancelled.
func (r *Relay) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx)
	}()
}

// Wait blocks until the relay loop has exited.
func (r *Relay) Wait() {
	r.wg.Wait()
}

func (r *Relay) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		if err := r.readLoop(ctx); err != nil {
			r.logger.Warn("feed connection lost", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (r *Relay) readLoop(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, r.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	// Unblock ReadMessage when the daemon shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	r.logger.Info("feed connected", "url", r.url)
	topic := r.Topic()

	for {
		conn.SetReadDeadline(time.Now().Add(readWait))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var payload any
		if err := json.Unmarshal(data, &payload); err != nil {
			// Pass opaque frames through as raw text.
			payload = string(data)
		}

		if _, ok := r.bus.PublishFromWorker(topic, bus.GlobalKey, payload); !ok {
			r.logger.Debug("feed frame dropped")
		}
	}
}

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Cross-origin policy is enforced by the CORS middleware.
		return true
	},
}

// StreamWS pushes bus events for one channel over a websocket. The client is
// read-only; inbound frames are consumed solely to detect disconnects.
func (h *Handlers) StreamWS(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "Query parameter 'topic' is required", nil)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = "global"
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := h.Bus.Subscribe(topic, key)
	log := h.Logger.With("topic", topic, "key", key, "remote", conn.RemoteAddr().String())
	log.Debug("websocket stream opened")

	// Reader drains control and data frames so close handshakes are seen.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		sub.Close()
		conn.Close()
		log.Debug("websocket stream closed")
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("websocket write failed", "error", err)
				return
			}
		}
	}
}

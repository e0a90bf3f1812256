package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sessiond/sessiond/internal/bus"
)

// StreamEvents adapts a bus subscription into a server-sent-events stream.
// The cached latest value, when present, arrives as the first frame; after
// that every frame carries a strictly higher sequence as its SSE id.
func (h *Handlers) StreamEvents(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if topic == "" {
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", "Query parameter 'topic' is required", nil)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		key = "global"
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "Streaming unsupported by connection", nil)
		return
	}

	sub := h.Bus.Subscribe(topic, key)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := h.Logger.With("topic", topic, "key", key)
	log.Debug("sse stream opened")

	for {
		select {
		case <-r.Context().Done():
			log.Debug("sse stream closed by client")
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				log.Debug("sse write failed", "error", err)
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev bus.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Topic, data)
	return err
}

package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cloudtether/tether/internal/events"
)

// sseHandler streams bus events to connected clients as server-sent events.
type sseHandler struct {
	bus           *events.Bus
	logger        *slog.Logger
	heartbeatFreq time.Duration
}

func newSSEHandler(bus *events.Bus, logger *slog.Logger) *sseHandler {
	return &sseHandler{
		bus:           bus,
		logger:        logger,
		heartbeatFreq: 30 * time.Second,
	}
}

// ServeHTTP streams events until the client disconnects. Query parameters
// filter the stream: ?types=a,b selects event types, ?session=<id> selects
// one session.
func (h *sseHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	var types []string
	if raw := r.URL.Query().Get("types"); raw != "" {
		types = strings.Split(raw, ",")
	}
	sessionFilter := r.URL.Query().Get("session")

	ch := h.bus.Subscribe(types...)
	defer h.bus.Unsubscribe(ch)

	h.sendComment(w, flusher, "connected")

	heartbeat := time.NewTicker(h.heartbeatFreq)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			h.sendComment(w, flusher, "heartbeat")
		case event, ok := <-ch:
			if !ok {
				return
			}
			if sessionFilter != "" && event.SessionID() != sessionFilter {
				continue
			}
			h.sendEvent(w, flusher, event)
		}
	}
}

func (h *sseHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Warn("marshaling sse event failed", "type", event.EventType(), "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType(), data)
	flusher.Flush()
}

func (h *sseHandler) sendComment(w http.ResponseWriter, flusher http.Flusher, comment string) {
	fmt.Fprintf(w, ": %s\n\n", comment)
	flusher.Flush()
}

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/glassline-ai/mcpscope/internal/model"
)

// HandleEvents handles GET /api/events (SSE).
//
// The subscription is registered before the replay snapshot is taken, so
// no event can fall between the two. Live events already covered by the
// snapshot are skipped by sequence number, which keeps the stream
// non-decreasing with no gaps and no duplicates at the boundary.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle streams are killed after WriteTimeout elapses.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	// Subscribe first, then snapshot. Live events are queued while the
	// snapshot is written; a subscriber that lets the queue fill up is
	// disconnected rather than allowed to stall the hub.
	ch := make(chan model.TimelineEvent, h.streamChannelBuffer)
	overflow := make(chan struct{})
	var overflowOnce sync.Once
	sub := h.hub.Subscribe(func(ev model.TimelineEvent) {
		select {
		case ch <- ev:
		default:
			overflowOnce.Do(func() { close(overflow) })
		}
	})
	defer h.hub.Unsubscribe(sub)

	snapshot := h.hub.Snapshot()
	var tail int64
	for _, ev := range snapshot {
		if err := writeEvent(w, flusher, ev); err != nil {
			return
		}
		tail = ev.Sequence
	}

	heartbeat := time.NewTicker(h.heartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-overflow:
			h.logger.Warn("stream: dropping slow subscriber",
				"request_id", RequestIDFromContext(ctx),
				"queue_depth", h.streamChannelBuffer,
			)
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": heartbeat\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev := <-ch:
			if ev.Sequence <= tail {
				// Already delivered via the snapshot.
				continue
			}
			if err := writeEvent(w, flusher, ev); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, flusher http.Flusher, ev model.TimelineEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event %d: %w", ev.Sequence, err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

const sseHeartbeat = 15 * time.Second

// stream serves compass frames as Server-Sent Events. The latest frame is
// sent first so the needle can be drawn without waiting for a sample.
func (h *handlers) stream(w http.ResponseWriter, r *http.Request) {
	if h.frames == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("frame stream unavailable"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	id, ch := h.frames.Subscribe(8)
	defer h.frames.Unsubscribe(id)

	beat := time.NewTicker(sseHeartbeat)
	defer beat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-beat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case f, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(f)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: frame\ndata: %s\n\n", f.Seq, b); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

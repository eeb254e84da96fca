package main

import (
	"fmt"
	"io"
	"net/http"
	"time"
)

// sseKeepaliveInterval is how often keepalive comments are sent to prevent
// idle proxies from closing the stream.
const sseKeepaliveInterval = 15 * time.Second

// handleEventStream handles GET /events/stream. Each notification becomes an
// SSE message whose event name is the notification type.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeText(w, http.StatusInternalServerError, "Streaming not supported.")
		return
	}

	obs := s.hub.Subscribe("sse")
	defer s.hub.Unsubscribe(obs)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering.
	w.WriteHeader(http.StatusOK)

	writeSSE(w, statusNotification(s.gate.State()))
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-obs.Done():
			return
		case n := <-obs.Notifications():
			writeSSE(w, n)
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ":keepalive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w io.Writer, n Notification) {
	fmt.Fprintf(w, "event: %s\n", n.Type)
	fmt.Fprintf(w, "data: %s\n\n", n.Data)
}

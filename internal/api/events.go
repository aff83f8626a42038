package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/h1v3-io/holdline/internal/fanout"
)

// handleEvents streams fan-out notifications as server-sent events. The
// stream ends when the client goes away or the hub prunes the subscription.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "event stream not enabled"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	sub := s.events.Subscribe()
	defer s.events.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.logger.Debug("event stream opened", "subscription", sub.ID(), "remote", r.RemoteAddr)
	idle := time.NewTimer(s.cfg.Heartbeat)
	defer idle.Stop()

	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("event stream closed by client", "subscription", sub.ID())
			return
		case n, ok := <-sub.C:
			if !ok {
				s.logger.Info("event stream pruned", "subscription", sub.ID())
				return
			}
			if err := writeFrame(w, n); err != nil {
				return
			}
			flusher.Flush()
			idle.Reset(s.cfg.Heartbeat)
		case now := <-idle.C:
			if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {\"time\":%d}\n\n", now.UnixMilli()); err != nil {
				return
			}
			flusher.Flush()
			idle.Reset(s.cfg.Heartbeat)
		}
	}
}

func writeFrame(w http.ResponseWriter, n fanout.Notification) error {
	_, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", n.Seq, n.Event, n.Data)
	return err
}

package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/kmorwood/stevedore/internal/events"
)

// handleEvents streams lifecycle events over Server-Sent Events. A client
// reconnecting with Last-Event-ID gets the buffered events it missed before
// joining the live feed.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			lastID = n
		}
	}

	// Subscribe before replaying the snapshot so nothing published in
	// between is lost; duplicates are filtered by ID below.
	ch, cancel := s.events.Subscribe()
	defer cancel()

	for _, ev := range s.events.SnapshotSince(lastID) {
		writeSSE(w, ev)
		lastID = ev.ID
	}
	flusher.Flush()

	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			writeSSE(w, ev)
			lastID = ev.ID
			flusher.Flush()
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, ev events.Event) {
	fmt.Fprintf(w, "id: %d\n", ev.ID)
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", ev.Data)
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dev-friendly, secure via proxy in prod
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEventsWS handles GET /api/v1/runs/{id}/events: the websocket
// event feed. ?types= narrows by event type, ?last_event_id= replays the
// backlog past that sequence (0 replays everything still in the ring).
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.runs.Status(r.Context(), runID); err != nil {
		s.serviceError(w, err)
		return
	}

	typeFilter := parseTypeFilter(r)
	lastID, replay := parseLastEventID(r)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ch := s.events.Subscribe(runID, 256)
	defer s.events.Unsubscribe(runID, ch)

	if replay {
		for _, ev := range s.events.ReplaySince(runID, lastID) {
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	// Reader pump (discard client messages)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Writer pump
	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

// handleEventsSSE handles GET /api/v1/runs/{id}/stream: the same feed
// over Server-Sent Events for clients that cannot hold a websocket.
func (s *Server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, err := s.runs.Status(r.Context(), runID); err != nil {
		s.serviceError(w, err)
		return
	}

	typeFilter := parseTypeFilter(r)

	// Last-Event-ID header wins over the query param.
	lastID, replay := parseLastEventID(r)
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastID = n
			replay = true
		}
	}

	// CORS (dev-friendly)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := s.events.Subscribe(runID, 256)
	defer s.events.Unsubscribe(runID, ch)

	// Initial comment establishes the stream
	fmt.Fprintf(w, ": connected to run %s\n\n", runID)
	flusher.Flush()

	if replay {
		for _, ev := range s.events.ReplaySince(runID, lastID) {
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev.Seq, ev.Type, ev.Marshal())
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("SSE client disconnected", zap.String("run_id", runID))
			return
		case ev := <-ch:
			if skipEvent(typeFilter, ev.Type) {
				continue
			}
			writeSSE(w, ev.Seq, ev.Type, ev.Marshal())
			flusher.Flush()
		case <-hb.C:
			// Heartbeat keeps connections alive through proxies
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, seq uint64, typ string, data []byte) {
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	if typ != "" {
		fmt.Fprintf(w, "event: %s\n", typ)
	}
	fmt.Fprintf(w, "data: %s\n\n", string(data))
}

func parseTypeFilter(r *http.Request) map[string]struct{} {
	filter := map[string]struct{}{}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				filter[t] = struct{}{}
			}
		}
	}
	return filter
}

// parseLastEventID reports whether the caller asked for replay at all;
// last_event_id=0 means the whole ring.
func parseLastEventID(r *http.Request) (uint64, bool) {
	q := r.URL.Query().Get("last_event_id")
	if q == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(q, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func skipEvent(filter map[string]struct{}, typ string) bool {
	if len(filter) == 0 {
		return false
	}
	_, ok := filter[typ]
	return !ok
}

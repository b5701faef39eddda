package server

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"labdash/internal/broadcast"
)

const (
	// writeWait bounds a single websocket write.
	writeWait = 10 * time.Second
	// pongWait is how long a silent client is kept before being dropped.
	pongWait = 60 * time.Second
	// pingPeriod must be shorter than pongWait.
	pingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served on the operator's own machine or trusted
	// LAN; there is no cross-origin story to enforce.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRunEvents streams a run's log events over a websocket. A subscriber
// joining mid-run first receives the buffered backlog; the stream always
// ends with the terminal marker followed by a normal close. Unknown run ids
// are rejected with 404 before the upgrade.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	events, cancelSub, err := s.hub.Subscribe(runID)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancelSub()
		s.logger.Warn("websocket upgrade failed", "run_id", runID, "error", err)
		return
	}

	s.logger.Debug("log stream attached",
		"run_id", runID,
		"remote_addr", r.RemoteAddr,
	)

	go s.streamEvents(conn, runID, events, cancelSub)
}

// streamEvents pumps hub events to one websocket client. A disconnecting or
// stalled viewer only detaches itself; the run and other viewers are
// unaffected.
func (s *Server) streamEvents(conn *websocket.Conn, runID string, events <-chan broadcast.Event, cancelSub func()) {
	defer func() {
		cancelSub()
		conn.Close()
		s.logger.Debug("log stream detached", "run_id", runID)
	}()

	// Reader side: clients send nothing meaningful, but reading is required
	// to process pong frames and to notice the peer going away.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Terminal marker already delivered; close cleanly so the
				// client can tell "stream complete" from a dropped socket.
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-clientGone:
			return
		}
	}
}

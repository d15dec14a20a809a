package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/interviewkit/scribe/internal/notify"
)

const (
	wsWriteWait    = 10 * time.Second
	wsPongWait     = 120 * time.Second
	wsPingInterval = 45 * time.Second
)

// handleSessionEvents streams a session's event feed over a websocket. The
// retained history is replayed first so a subscriber who connects mid-session
// still sees how it got here; the stream then follows live events until the
// client goes away or the session is released.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	id := sessionIDParam(r)
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return
	}
	if _, err := s.coord.GetSession(id); err != nil {
		s.respondPipelineError(w, err)
		return
	}

	replay, events, cancel := s.coord.SubscribeWithReplay(id)
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		cancel()
		return
	}
	defer conn.Close()
	defer cancel()

	if s.metrics != nil {
		s.metrics.ObserveSessionEvent("ws_connected")
		defer s.metrics.ObserveSessionEvent("ws_disconnected")
	}

	ctx, cancelCtx := context.WithCancel(r.Context())
	defer cancelCtx()

	// The reader exists only to process control frames and notice the peer
	// going away; clients have nothing to say on this stream.
	go func() {
		defer cancelCtx()
		conn.SetReadLimit(1 << 20)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, ev := range replay {
		if err := s.writeEvent(conn, ev); err != nil {
			return
		}
	}

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				// Session released; say goodbye properly.
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session released"))
				return
			}
			if err := s.writeEvent(conn, ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev notify.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(ev); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ObserveWSMessage("outbound", string(ev.Type))
	}
	return nil
}

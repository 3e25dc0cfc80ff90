package httpapi

import (
	"context"
	"net/http"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const eventWriteTimeout = 5 * time.Second

// handleEventStream pushes store change events to a websocket client until
// either side goes away. Incoming messages are ignored.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request, correlationID string) {
	events, unsubscribe := s.store.Subscribe(s.cfg.EventBuffer)
	defer unsubscribe()

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "event stream aborted")

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "store closed")
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

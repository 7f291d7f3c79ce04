package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
)

const eventWriteTimeout = 5 * time.Second

// handleEvents streams confirmation events over a WebSocket so operator
// UIs can prompt for decisions as soon as a call is elevated. The stream
// is write-only; client messages are discarded.
func (s *Server) handleEvents() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// The stream outlives the server write timeout.
		_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket accept failed", "error", err)
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusInternalError, "unexpected close")
		}()

		events, cancel := s.gw.broker.Subscribe()
		defer cancel()

		ctx := conn.CloseRead(r.Context())
		s.logger.Debug("event stream opened", "remote_addr", r.RemoteAddr)

		for {
			select {
			case ev, ok := <-events:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "confirmation broker closed")
					return
				}
				ev.Confirmation = s.gw.scrubConfirmation(ev.Confirmation)
				data, err := json.Marshal(ev)
				if err != nil {
					s.logger.Error("encode event", "error", err)
					continue
				}
				wctx, wcancel := context.WithTimeout(ctx, eventWriteTimeout)
				err = conn.Write(wctx, websocket.MessageText, data)
				wcancel()
				if err != nil {
					s.logger.Debug("event stream closed", "remote_addr", r.RemoteAddr, "error", err)
					return
				}
			case <-s.stopping:
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

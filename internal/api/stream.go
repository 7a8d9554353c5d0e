package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingEvery    = 30 * time.Second
)

// handleQuoteStream upgrades to a WebSocket and pushes every quote for the
// requested symbol as a JSON message. The subscription happens before the
// upgrade so resolution failures still produce a normal error envelope.
func (s *Server) handleQuoteStream(c *gin.Context) {
	userID, ok := s.requireUser(c, "")
	if !ok {
		return
	}
	symbol := c.Query("symbol")
	if symbol == "" {
		s.writeError(c, http.StatusBadRequest, "symbol query parameter is required", nil)
		return
	}
	k, err := s.gw.SubscribeQuotes(c.Request.Context(), s.caller(c, userID), symbol)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written its own response.
		s.log.Warn("websocket upgrade failed",
			zap.String("reqId", c.GetString(ctxRequestID)),
			zap.Error(err))
		return
	}
	defer ws.Close()

	ch := s.gw.WatchQuotes(k)
	defer s.gw.UnwatchQuotes(k, ch)

	// Reader goroutine: the client never sends data, but reading is how we
	// learn about close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if q, ok := s.gw.LastQuote(k); ok {
		ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
		if err := ws.WriteJSON(q); err != nil {
			return
		}
	}

	ping := time.NewTicker(streamPingEvery)
	defer ping.Stop()
	for {
		select {
		case q := <-ch:
			ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(q); err != nil {
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteTimeout)); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

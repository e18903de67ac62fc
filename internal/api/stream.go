// ABOUTME: Websocket stream of conversation and presence events for one tenant
// ABOUTME: A write loop forwards broadcaster events and pings; a read loop detects disconnects

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/2389/handoff-gateway/internal/notify"
	"github.com/2389/handoff-gateway/internal/routing"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
	pongWait   = 2 * pingPeriod
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// stream upgrades to a websocket and forwards every event of the caller's tenant.
// Unscoped callers pick a tenant with ?tenant=.
func (s *Server) stream(c echo.Context) error {
	if s.broadcaster == nil {
		return c.JSON(http.StatusNotImplemented, errorBody{Error: "event stream is not configured", Code: routing.CodeInternal})
	}
	tenantID := tenantOf(c)
	if tenantID == "" {
		tenantID = c.QueryParam("tenant")
	}
	if tenantID == "" {
		return badRequest(c, "tenant is required")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return nil
	}
	defer ws.Close()

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()
	events, subID := s.broadcaster.Subscribe(ctx, tenantID)
	s.logger.Info("stream opened", "tenant_id", tenantID, "sub_id", subID, "subject", identity(c).Subject)

	go readLoop(ws, cancel)
	s.writeLoop(ctx, ws, events)

	s.logger.Info("stream closed", "tenant_id", tenantID, "sub_id", subID)
	return nil
}

// readLoop discards client frames and cancels once the peer goes away.
func readLoop(ws *websocket.Conn, cancel context.CancelFunc) {
	defer cancel()
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeLoop(ctx context.Context, ws *websocket.Conn, events <-chan notify.Event) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
				return
			}
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

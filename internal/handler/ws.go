package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Доступ ограничивается CORS-слоем gin, сам апгрейд принимает всех
	CheckOrigin: func(r *http.Request) bool { return true },
}

// sessionEvents отдает события конвейера и плеера сессии по WebSocket.
// Соединение живет, пока жив клиент и сессия; входящие сообщения игнорируются.
func (h *CreatorHandler) sessionEvents(c *gin.Context) {
	s := h.session(c)
	if s == nil {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed",
			zap.String("session_id", s.ID),
			zap.Error(err),
		)
		return
	}

	events, unsubscribe := s.Subscribe()
	defer unsubscribe()
	defer conn.Close()

	h.logger.Info("WebSocket client connected", zap.String("session_id", s.ID))

	// Читатель нужен только для обработки close и pong
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
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

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				// Сессия удалена или истекла
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WebSocket write failed, closing",
					zap.String("session_id", s.ID),
					zap.Error(err),
				)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

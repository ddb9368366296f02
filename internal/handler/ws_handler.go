package handler

import (
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"

	"github.com/yourusername/linkbio-api/internal/websocket"
)

// WSHandler открывает канал push-уведомлений для сессии
type WSHandler struct {
	hub      *websocket.Hub
	upgrader gorillaws.Upgrader
}

// NewWSHandler создает обработчик. Соединения принимаются только с allowedOrigins.
func NewWSHandler(hub *websocket.Hub, allowedOrigins []string) *WSHandler {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = struct{}{}
	}
	return &WSHandler{
		hub: hub,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					// Не браузерный клиент: аутентификация все равно по сессионной куке
					return true
				}
				if _, ok := allowed[origin]; ok {
					return true
				}
				log.Printf("[WSHandler] Отклонен Origin: %s", origin)
				return false
			},
		},
	}
}

// HandleConnection апгрейдит соединение сессии. Аноним сюда не доходит: /ws под Gatekeeper.
func (h *WSHandler) HandleConnection(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade уже ответил клиенту
		log.Printf("[WSHandler] Ошибка апгрейда для UserID=%d: %v", session.UserID, err)
		return
	}

	client := h.hub.ServeClient(conn, session.UserID)
	log.Printf("[WSHandler] Клиент %s подключен (UserID=%d)", client.ID, session.UserID)
}

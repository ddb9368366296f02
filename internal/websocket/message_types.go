package websocket

import "time"

// Типы событий, отправляемых пользователю
const (
	// ACCOUNTS_UPDATED - набор привязанных провайдеров изменился, UI должен перечитать список
	ACCOUNTS_UPDATED = "ACCOUNTS_UPDATED"

	// SESSION_REVOKED - сессия отозвана (бан, смена роли); клиент должен перезагрузить страницу
	SESSION_REVOKED = "SESSION_REVOKED"
)

// Event - сообщение клиенту
type Event struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

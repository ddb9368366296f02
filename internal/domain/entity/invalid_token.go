package entity

import (
	"time"
)

// InvalidToken - момент, до которого (включительно) все сессии пользователя отозваны
type InvalidToken struct {
	UserID           uint      `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	InvalidationTime time.Time `gorm:"not null;index" json:"invalidation_time"`
}

// TableName задает имя таблицы для GORM
func (InvalidToken) TableName() string {
	return "invalid_tokens"
}

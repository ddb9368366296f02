package entity

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
)

var handlePattern = regexp.MustCompile(`^[a-z0-9_]{3,30}$`)

// User представляет владельца страницы. Статус бана и роль хранятся на привязках (Account).
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null;default:''" json:"name"`
	Email     string    `gorm:"size:100;not null;default:''" json:"email"`
	Image     string    `gorm:"size:255;not null;default:''" json:"image"`
	Handle    *string   `gorm:"size:30;uniqueIndex" json:"handle,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName определяет имя таблицы для GORM
func (User) TableName() string {
	return "users"
}

// HasHandle возвращает false, пока пользователь не прошел онбординг
func (u *User) HasHandle() bool {
	return u.Handle != nil && *u.Handle != ""
}

// BeforeSave нормализует handle перед сохранением
func (u *User) BeforeSave(tx *gorm.DB) error {
	if u.Handle == nil {
		return nil
	}
	normalized := NormalizeHandle(*u.Handle)
	if normalized == "" {
		u.Handle = nil
		return nil
	}
	u.Handle = &normalized
	return nil
}

// NormalizeHandle приводит handle к каноническому виду (нижний регистр, без пробелов и '@')
func NormalizeHandle(handle string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(handle), "@"))
}

// ValidateHandle проверяет уже нормализованный handle
func ValidateHandle(handle string) error {
	if !handlePattern.MatchString(handle) {
		return fmt.Errorf("handle must be 3-30 characters of a-z, 0-9 or '_'")
	}
	return nil
}

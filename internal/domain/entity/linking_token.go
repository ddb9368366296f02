package entity

import "time"

// LinkingToken bridges the re-authentication leg and the new provider handshake.
// Only the SHA-256 digest of the token value is stored. SubjectID stays nil until
// the target provider handshake has returned a verified identity.
type LinkingToken struct {
	ID        uint      `gorm:"primaryKey"`
	TokenHash string    `gorm:"size:64;not null;uniqueIndex"`
	UserID    uint      `gorm:"not null;index"`
	Provider  string    `gorm:"size:20;not null"`
	SubjectID *string   `gorm:"size:255"`
	Email     string    `gorm:"size:100;not null;default:''"`
	ExpiresAt time.Time `gorm:"not null;index"`
	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (LinkingToken) TableName() string {
	return "linking_tokens"
}

// IsExpired проверяет срок действия токена относительно now
func (t *LinkingToken) IsExpired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// IsBound reports whether the target provider handshake has already completed.
func (t *LinkingToken) IsBound() bool {
	return t.SubjectID != nil && *t.SubjectID != ""
}

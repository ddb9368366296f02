package repository

import (
	"context"
	"time"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// InvalidTokenRepository хранит моменты отзыва сессий пользователей между рестартами
type InvalidTokenRepository interface {
	// AddInvalidToken сохраняет момент отзыва; более ранний момент не затирает поздний
	AddInvalidToken(ctx context.Context, userID uint, invalidationTime time.Time) error

	// GetAllInvalidTokens возвращает все записи
	GetAllInvalidTokens(ctx context.Context) ([]entity.InvalidToken, error)

	// CleanupOldInvalidTokens удаляет записи старше cutoffTime
	CleanupOldInvalidTokens(ctx context.Context, cutoffTime time.Time) error
}

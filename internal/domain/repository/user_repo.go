package repository

import (
	"context"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// UserRepository определяет методы для работы с пользователями
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*entity.User, error)
	GetByHandle(ctx context.Context, handle string) (*entity.User, error)
	// UpdateHandle возвращает apperrors.ErrConflict, если handle уже занят
	UpdateHandle(ctx context.Context, userID uint, handle string) error
}

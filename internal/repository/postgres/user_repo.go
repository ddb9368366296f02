package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

// UserRepo реализует repository.UserRepository
type UserRepo struct {
	db *gorm.DB
}

// NewUserRepo создает новый репозиторий пользователей
func NewUserRepo(db *gorm.DB) *UserRepo {
	return &UserRepo{db: db}
}

// GetByID возвращает пользователя по ID
func (r *UserRepo) GetByID(ctx context.Context, id uint) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).First(&user, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user %d: %w", id, err)
	}
	return &user, nil
}

// GetByHandle возвращает пользователя по публичному handle
func (r *UserRepo) GetByHandle(ctx context.Context, handle string) (*entity.User, error) {
	var user entity.User
	err := r.db.WithContext(ctx).Where("handle = ?", entity.NormalizeHandle(handle)).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user by handle: %w", err)
	}
	return &user, nil
}

// UpdateHandle назначает handle пользователю
func (r *UserRepo) UpdateHandle(ctx context.Context, userID uint, handle string) error {
	result := r.db.WithContext(ctx).
		Model(&entity.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"handle":     entity.NormalizeHandle(handle),
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		if isUniqueViolation(result.Error) {
			return fmt.Errorf("%w: handle %q is taken", apperrors.ErrConflict, handle)
		}
		return fmt.Errorf("failed to update handle of user %d: %w", userID, result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

const liveTokenScope = "token_hash = ? AND user_id = ? AND provider = ? AND expires_at > ?"

// LinkingTokenRepo реализует repository.LinkingTokenRepository
type LinkingTokenRepo struct {
	db *gorm.DB
}

func NewLinkingTokenRepo(db *gorm.DB) *LinkingTokenRepo {
	return &LinkingTokenRepo{db: db}
}

func (r *LinkingTokenRepo) Create(ctx context.Context, token *entity.LinkingToken) error {
	if err := r.db.WithContext(ctx).Create(token).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: linking token hash collision", apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create linking token: %w", err)
	}
	return nil
}

func (r *LinkingTokenRepo) GetLive(ctx context.Context, tokenHash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error) {
	var token entity.LinkingToken
	err := r.db.WithContext(ctx).
		Where(liveTokenScope, tokenHash, userID, provider, now).
		First(&token).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get linking token: %w", err)
	}
	return &token, nil
}

// BindSubject - условный UPDATE: срабатывает только для живого и еще не привязанного токена
func (r *LinkingTokenRepo) BindSubject(ctx context.Context, tokenHash string, userID uint, provider, subjectID, email string, now time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&entity.LinkingToken{}).
		Where(liveTokenScope+" AND subject_id IS NULL", tokenHash, userID, provider, now).
		Updates(map[string]interface{}{"subject_id": subjectID, "email": email})
	if result.Error != nil {
		return fmt.Errorf("failed to bind linking token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

// Consume - один DELETE ... RETURNING; Postgres гарантирует, что строку удалит только один из конкурентов
func (r *LinkingTokenRepo) Consume(ctx context.Context, tokenHash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error) {
	var deleted []entity.LinkingToken
	result := r.db.WithContext(ctx).
		Clauses(clause.Returning{}).
		Where(liveTokenScope, tokenHash, userID, provider, now).
		Delete(&deleted)
	if result.Error != nil {
		return nil, fmt.Errorf("failed to consume linking token: %w", result.Error)
	}
	if result.RowsAffected == 0 || len(deleted) == 0 {
		return nil, apperrors.ErrNotFound
	}
	return &deleted[0], nil
}

// DeleteExpired удаляет истекшие токены, возвращает количество удаленных
func (r *LinkingTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result := r.db.WithContext(ctx).Where("expires_at <= ?", now).Delete(&entity.LinkingToken{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to delete expired linking tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

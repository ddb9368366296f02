package postgres

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// InvalidTokenRepo реализует repository.InvalidTokenRepository
type InvalidTokenRepo struct {
	db *gorm.DB
}

// NewInvalidTokenRepo создает новый репозиторий отозванных сессий
func NewInvalidTokenRepo(db *gorm.DB) *InvalidTokenRepo {
	return &InvalidTokenRepo{db: db}
}

// AddInvalidToken делает upsert по user_id. GREATEST не дает сдвинуть момент отзыва назад,
// если два инстанса пишут почти одновременно.
func (r *InvalidTokenRepo) AddInvalidToken(ctx context.Context, userID uint, invalidationTime time.Time) error {
	record := entity.InvalidToken{UserID: userID, InvalidationTime: invalidationTime.UTC()}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"invalidation_time": gorm.Expr("GREATEST(invalid_tokens.invalidation_time, EXCLUDED.invalidation_time)"),
		}),
	}).Create(&record).Error
	if err != nil {
		return err
	}
	log.Printf("[InvalidTokenRepo] Отзыв сессий сохранен для пользователя ID=%d", userID)
	return nil
}

// GetAllInvalidTokens возвращает все записи об отозванных сессиях
func (r *InvalidTokenRepo) GetAllInvalidTokens(ctx context.Context) ([]entity.InvalidToken, error) {
	var tokens []entity.InvalidToken
	if err := r.db.WithContext(ctx).Find(&tokens).Error; err != nil {
		return nil, err
	}
	return tokens, nil
}

// CleanupOldInvalidTokens удаляет записи, токены того времени уже истекли сами
func (r *InvalidTokenRepo) CleanupOldInvalidTokens(ctx context.Context, cutoffTime time.Time) error {
	result := r.db.WithContext(ctx).Where("invalidation_time < ?", cutoffTime).Delete(&entity.InvalidToken{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		log.Printf("[InvalidTokenRepo] Удалено %d устаревших записей", result.RowsAffected)
	}
	return nil
}

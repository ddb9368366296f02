package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

const userProviderConstraint = "idx_accounts_user_provider"

// AccountRepo реализует repository.AccountRepository
type AccountRepo struct {
	db *gorm.DB
}

// NewAccountRepo создает новый репозиторий привязок
func NewAccountRepo(db *gorm.DB) *AccountRepo {
	return &AccountRepo{db: db}
}

// ListByUser возвращает привязки пользователя в порядке создания
func (r *AccountRepo) ListByUser(ctx context.Context, userID uint) ([]entity.Account, error) {
	var accounts []entity.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC, id ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts for user %d: %w", userID, err)
	}
	return accounts, nil
}

func (r *AccountRepo) GetByProviderSubject(ctx context.Context, provider, subjectID string) (*entity.Account, error) {
	var account entity.Account
	err := r.db.WithContext(ctx).
		Where("provider = ? AND subject_id = ?", provider, subjectID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by provider/subject: %w", err)
	}
	return &account, nil
}

func (r *AccountRepo) GetByUserAndProvider(ctx context.Context, userID uint, provider string) (*entity.Account, error) {
	var account entity.Account
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account by user/provider: %w", err)
	}
	return &account, nil
}

// CreateWithUser создает пользователя и первую привязку в одной транзакции
func (r *AccountRepo) CreateWithUser(ctx context.Context, user *entity.User, account *entity.Account) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(user).Error; err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}

		account.UserID = user.ID
		if account.Role == "" {
			account.Role = entity.RoleUser
		}
		if err := tx.Create(account).Error; err != nil {
			if isUniqueViolation(err) {
				// параллельный первый вход с той же identity
				return repository.ErrIdentityBoundElsewhere
			}
			return fmt.Errorf("failed to create account: %w", err)
		}
		return nil
	})
}

// Create привязывает новую identity к существующему пользователю.
// Строки пользователя блокируются на время транзакции, чтобы не гоняться с Delete.
func (r *AccountRepo) Create(ctx context.Context, account *entity.Account) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []entity.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", account.UserID).
			Order("id").
			Find(&existing).Error; err != nil {
			return fmt.Errorf("failed to lock accounts of user %d: %w", account.UserID, err)
		}
		if len(existing) == 0 {
			return apperrors.ErrNotFound
		}

		var bound entity.Account
		err := tx.Where("provider = ? AND subject_id = ?", account.Provider, account.SubjectID).First(&bound).Error
		switch {
		case err == nil:
			if bound.UserID == account.UserID {
				return repository.ErrIdentityAlreadyLinked
			}
			return repository.ErrIdentityBoundElsewhere
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("failed to check identity binding: %w", err)
		}

		for _, a := range existing {
			if a.Provider == account.Provider {
				return repository.ErrProviderAlreadyLinked
			}
		}

		// бан и роль глобальны для пользователя
		account.Banned = entity.AnyBanned(existing)
		account.Role = entity.HighestRole(existing)

		if err := tx.Create(account).Error; err != nil {
			if isUniqueViolation(err) {
				if violatedConstraint(err) == userProviderConstraint {
					return repository.ErrProviderAlreadyLinked
				}
				return repository.ErrIdentityBoundElsewhere
			}
			return fmt.Errorf("failed to create account: %w", err)
		}
		return nil
	})
}

// Delete удаляет привязку, если она принадлежит userID и не является последней.
// Проверка количества и удаление выполняются под блокировкой строк пользователя.
func (r *AccountRepo) Delete(ctx context.Context, accountID, userID uint) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var accounts []entity.Account
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			Find(&accounts).Error; err != nil {
			return fmt.Errorf("failed to lock accounts of user %d: %w", userID, err)
		}

		owned := false
		for _, a := range accounts {
			if a.ID == accountID {
				owned = true
				break
			}
		}
		if !owned {
			return apperrors.ErrNotFound
		}
		if len(accounts) <= 1 {
			return repository.ErrLastAccount
		}

		result := tx.Where("id = ? AND user_id = ?", accountID, userID).Delete(&entity.Account{})
		if result.Error != nil {
			return fmt.Errorf("failed to delete account %d: %w", accountID, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// SetBanFlagForUser обновляет флаг бана на всех привязках пользователя
func (r *AccountRepo) SetBanFlagForUser(ctx context.Context, userID uint, banned bool) error {
	return r.updateAllForUser(ctx, userID, map[string]interface{}{"banned": banned})
}

// SetRoleForUser обновляет роль на всех привязках пользователя
func (r *AccountRepo) SetRoleForUser(ctx context.Context, userID uint, role string) error {
	if !entity.IsValidRole(role) {
		return fmt.Errorf("%w: unknown role %q", apperrors.ErrValidation, role)
	}
	return r.updateAllForUser(ctx, userID, map[string]interface{}{"role": role})
}

func (r *AccountRepo) updateAllForUser(ctx context.Context, userID uint, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&entity.Account{}).Where("user_id = ?", userID).Updates(updates)
		if result.Error != nil {
			return fmt.Errorf("failed to update accounts of user %d: %w", userID, result.Error)
		}
		if result.RowsAffected == 0 {
			return apperrors.ErrNotFound
		}
		return nil
	})
}

// ListAll возвращает привязки всех пользователей с пагинацией
func (r *AccountRepo) ListAll(ctx context.Context, limit, offset int) ([]entity.Account, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&entity.Account{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count accounts: %w", err)
	}

	var accounts []entity.Account
	err := r.db.WithContext(ctx).
		Order("user_id ASC, id ASC").
		Limit(limit).
		Offset(offset).
		Find(&accounts).Error
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list accounts: %w", err)
	}
	return accounts, total, nil
}

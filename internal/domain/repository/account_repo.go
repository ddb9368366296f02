package repository

import (
	"context"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// AccountRepository stores identity bindings of users.
type AccountRepository interface {
	ListByUser(ctx context.Context, userID uint) ([]entity.Account, error)
	GetByProviderSubject(ctx context.Context, provider, subjectID string) (*entity.Account, error)
	GetByUserAndProvider(ctx context.Context, userID uint, provider string) (*entity.Account, error)

	// CreateWithUser создает пользователя и его первую привязку в одной транзакции.
	CreateWithUser(ctx context.Context, user *entity.User, account *entity.Account) error

	// Create attaches one more identity to an existing user. The new row inherits the
	// user's current ban/role. Returns ErrIdentityBoundElsewhere or ErrIdentityAlreadyLinked
	// when the (provider, subject) pair is taken.
	Create(ctx context.Context, account *entity.Account) error

	// Delete removes an account owned by userID. Returns ErrLastAccount when it is the
	// only remaining binding and apperrors.ErrNotFound when userID does not own it.
	Delete(ctx context.Context, accountID, userID uint) error

	// SetBanFlagForUser и SetRoleForUser обновляют все строки пользователя одной транзакцией.
	SetBanFlagForUser(ctx context.Context, userID uint, banned bool) error
	SetRoleForUser(ctx context.Context, userID uint, role string) error

	// ListAll возвращает привязки всех пользователей с пагинацией и общим количеством
	ListAll(ctx context.Context, limit, offset int) ([]entity.Account, int64, error)
}

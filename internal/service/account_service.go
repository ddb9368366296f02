package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

// AccountService выполняет вход через внешнего провайдера
type AccountService struct {
	accounts repository.AccountRepository
}

func NewAccountService(accounts repository.AccountRepository) *AccountService {
	return &AccountService{accounts: accounts}
}

// SignIn находит пользователя по (provider, subject) или создает User вместе с первой
// привязкой. Возвращает ID пользователя и признак создания.
func (s *AccountService) SignIn(ctx context.Context, identity *ProviderIdentity) (uint, bool, error) {
	if identity == nil || identity.Provider == "" || identity.SubjectID == "" {
		return 0, false, fmt.Errorf("%w: provider identity is incomplete", ErrInvalidRequest)
	}

	existing, err := s.accounts.GetByProviderSubject(ctx, identity.Provider, identity.SubjectID)
	if err == nil {
		return existing.UserID, false, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		log.Printf("[AccountService] Ошибка поиска привязки %s: %v", identity.Provider, err)
		return 0, false, fmt.Errorf("%w: sign in", ErrLinkInternal)
	}

	user := &entity.User{
		Name:  identity.Name,
		Email: identity.Email,
		Image: identity.AvatarURL,
	}
	account := &entity.Account{
		Provider:  identity.Provider,
		SubjectID: identity.SubjectID,
		Email:     identity.Email,
		Role:      entity.RoleUser,
	}
	if err := s.accounts.CreateWithUser(ctx, user, account); err != nil {
		// Параллельный первый вход той же личностью
		if errors.Is(err, repository.ErrIdentityBoundElsewhere) || errors.Is(err, apperrors.ErrConflict) {
			if again, getErr := s.accounts.GetByProviderSubject(ctx, identity.Provider, identity.SubjectID); getErr == nil {
				return again.UserID, false, nil
			}
		}
		log.Printf("[AccountService] Ошибка создания пользователя (%s): %v", identity.Provider, err)
		return 0, false, fmt.Errorf("%w: sign in", ErrLinkInternal)
	}

	log.Printf("[AccountService] Создан пользователь ID=%d через %s", user.ID, identity.Provider)
	return user.ID, true, nil
}

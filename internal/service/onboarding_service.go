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

// OnboardingService назначает пользователю публичный handle
type OnboardingService struct {
	users repository.UserRepository
	state StateInvalidator
}

func NewOnboardingService(users repository.UserRepository, state StateInvalidator) *OnboardingService {
	return &OnboardingService{users: users, state: state}
}

// SetHandle нормализует, проверяет и сохраняет handle. Возвращает сохраненное значение.
func (s *OnboardingService) SetHandle(ctx context.Context, userID uint, handle string) (string, error) {
	if userID == 0 {
		return "", ErrLinkUnauthorized
	}
	normalized := entity.NormalizeHandle(handle)
	if err := entity.ValidateHandle(normalized); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}

	if err := s.users.UpdateHandle(ctx, userID, normalized); err != nil {
		switch {
		case errors.Is(err, apperrors.ErrConflict):
			return "", ErrHandleTaken
		case errors.Is(err, apperrors.ErrNotFound):
			return "", ErrLinkUnauthorized
		}
		log.Printf("[OnboardingService] Ошибка сохранения handle userID=%d: %v", userID, err)
		return "", fmt.Errorf("%w: set handle", ErrLinkInternal)
	}

	if s.state != nil {
		s.state.Invalidate(ctx, userID)
	}
	return normalized, nil
}

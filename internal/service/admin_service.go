package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/internal/websocket"
)

const exportBatchSize = 500

// SessionRevoker инвалидирует выданные сессионные токены пользователя на всех инстансах
type SessionRevoker interface {
	InvalidateTokensForUser(ctx context.Context, userID uint) error
}

// AdminService меняет бан и роль пользователя целиком, по всем его привязкам
type AdminService struct {
	accounts repository.AccountRepository
	state    StateInvalidator
	revoker  SessionRevoker
	notifier UserNotifier
}

func NewAdminService(
	accounts repository.AccountRepository,
	state StateInvalidator,
	revoker SessionRevoker,
	notifier UserNotifier,
) *AdminService {
	return &AdminService{accounts: accounts, state: state, revoker: revoker, notifier: notifier}
}

// SetBan выставляет флаг бана на все привязки пользователя
func (s *AdminService) SetBan(ctx context.Context, actor *entity.Session, userID uint, banned bool) error {
	if !actor.IsAdmin() {
		return apperrors.ErrForbidden
	}
	if userID == 0 {
		return fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if userID == actor.UserID {
		return fmt.Errorf("%w: cannot change own ban flag", apperrors.ErrForbidden)
	}
	if err := s.guardTarget(ctx, actor, userID); err != nil {
		return err
	}

	if err := s.accounts.SetBanFlagForUser(ctx, userID, banned); err != nil {
		return s.mapStoreErr("SetBan", err)
	}
	log.Printf("[AdminService] userID=%d banned=%t (actor=%d)", userID, banned, actor.UserID)
	s.revoke(ctx, userID)
	return nil
}

// SetRole выставляет роль на все привязки пользователя. super_admin выдает только super_admin.
func (s *AdminService) SetRole(ctx context.Context, actor *entity.Session, userID uint, role string) error {
	if !actor.IsAdmin() {
		return apperrors.ErrForbidden
	}
	if userID == 0 || !entity.IsValidRole(role) {
		return fmt.Errorf("%w: valid user id and role are required", ErrInvalidRequest)
	}
	if role == entity.RoleSuperAdmin && actor.Role != entity.RoleSuperAdmin {
		return fmt.Errorf("%w: only super_admin may grant super_admin", apperrors.ErrForbidden)
	}
	if err := s.guardTarget(ctx, actor, userID); err != nil {
		return err
	}

	if err := s.accounts.SetRoleForUser(ctx, userID, role); err != nil {
		return s.mapStoreErr("SetRole", err)
	}
	log.Printf("[AdminService] userID=%d role=%s (actor=%d)", userID, role, actor.UserID)
	s.revoke(ctx, userID)
	return nil
}

// guardTarget не дает admin менять пользователей с ролью super_admin
func (s *AdminService) guardTarget(ctx context.Context, actor *entity.Session, userID uint) error {
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return s.mapStoreErr("guardTarget", err)
	}
	if len(accounts) == 0 {
		return apperrors.ErrNotFound
	}
	if entity.HighestRole(accounts) == entity.RoleSuperAdmin && actor.Role != entity.RoleSuperAdmin {
		return fmt.Errorf("%w: target is super_admin", apperrors.ErrForbidden)
	}
	return nil
}

func (s *AdminService) revoke(ctx context.Context, userID uint) {
	if s.state != nil {
		s.state.Invalidate(ctx, userID)
	}
	if s.revoker != nil {
		if err := s.revoker.InvalidateTokensForUser(ctx, userID); err != nil {
			log.Printf("[AdminService] Ошибка инвалидации токенов userID=%d: %v", userID, err)
		}
	}
	if s.notifier != nil {
		if err := s.notifier.NotifyUser(userID, websocket.SESSION_REVOKED, nil); err != nil {
			log.Printf("[AdminService] Ошибка уведомления userID=%d: %v", userID, err)
		}
	}
}

// ExportAccounts отдает все привязки пачками в fn
func (s *AdminService) ExportAccounts(ctx context.Context, fn func(batch []entity.Account) error) (int64, error) {
	var offset int
	var written int64
	for {
		batch, total, err := s.accounts.ListAll(ctx, exportBatchSize, offset)
		if err != nil {
			return written, s.mapStoreErr("ExportAccounts", err)
		}
		if len(batch) == 0 {
			return written, nil
		}
		if err := fn(batch); err != nil {
			return written, err
		}
		written += int64(len(batch))
		offset += len(batch)
		if int64(offset) >= total {
			return written, nil
		}
	}
}

func (s *AdminService) mapStoreErr(op string, err error) error {
	if errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.ErrNotFound
	}
	log.Printf("[AdminService] %s: %v", op, err)
	return fmt.Errorf("%w: %s", ErrLinkInternal, op)
}

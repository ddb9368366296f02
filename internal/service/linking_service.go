package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	"github.com/yourusername/linkbio-api/internal/metrics"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/internal/websocket"
)

const notifyTimeout = 10 * time.Second

// ProviderRegistry - список провайдеров, доступных для привязки
type ProviderRegistry interface {
	Supports(name string) bool
	Names() []string
}

// UserNotifier доставляет события в открытые вкладки пользователя
type UserNotifier interface {
	NotifyUser(userID uint, eventType string, data interface{}) error
}

// StateInvalidator сбрасывает закешированный снимок сессии
type StateInvalidator interface {
	Invalidate(ctx context.Context, userID uint)
}

// LinkingService проводит привязку нового провайдера:
// re-auth текущим провайдером -> выдача токена -> рукопожатие с новым провайдером ->
// погашение токена -> создание Account. Ошибки хранилищ не выходят наружу сырыми.
type LinkingService struct {
	accounts     repository.AccountRepository
	tokens       *TokenStore
	providers    ProviderRegistry
	state        StateInvalidator
	notifier     UserNotifier
	mailer       EmailService
	metrics      metrics.Recorder
	settingsPath string
}

// NewLinkingService создает оркестратор привязки
func NewLinkingService(
	accounts repository.AccountRepository,
	tokens *TokenStore,
	providers ProviderRegistry,
	state StateInvalidator,
	notifier UserNotifier,
	mailer EmailService,
	recorder metrics.Recorder,
	settingsPath string,
) *LinkingService {
	if mailer == nil {
		mailer = &NoopEmailService{}
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	if settingsPath == "" {
		settingsPath = "/settings/accounts"
	}
	return &LinkingService{
		accounts:     accounts,
		tokens:       tokens,
		providers:    providers,
		state:        state,
		notifier:     notifier,
		mailer:       mailer,
		metrics:      recorder,
		settingsPath: settingsPath,
	}
}

// SettingsPath - страница, на которую возвращаются ноги привязки
func (s *LinkingService) SettingsPath() string {
	return s.settingsPath
}

func (s *LinkingService) normalizeProvider(provider string) (string, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return "", fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}
	if !s.providers.Supports(provider) {
		return "", ErrProviderNotSupported
	}
	return provider, nil
}

// StartLink (UNLINKED -> REAUTH_IN_PROGRESS) возвращает путь re-auth через провайдера,
// которым пользователь уже входит. Рукопожатие с новым провайдером здесь не начинается.
func (s *LinkingService) StartLink(ctx context.Context, session *entity.Session, provider string) (string, error) {
	if session == nil || session.UserID == 0 {
		return "", ErrLinkUnauthorized
	}
	provider, err := s.normalizeProvider(provider)
	if err != nil {
		return "", err
	}

	accounts, err := s.accounts.ListByUser(ctx, session.UserID)
	if err != nil {
		return "", s.internal("StartLink", err)
	}
	if len(accounts) == 0 {
		return "", ErrLinkUnauthorized
	}

	reauthProvider := ""
	for _, a := range accounts {
		if a.Provider == provider {
			return "", ErrAlreadyLinked
		}
		if a.Provider == session.Provider {
			reauthProvider = a.Provider
		}
	}
	// Аккаунт, которым выполнен вход, мог быть отвязан в другой вкладке
	if reauthProvider == "" {
		reauthProvider = accounts[0].Provider
	}

	q := url.Values{}
	q.Set("mode", "reauth")
	q.Set("linkProvider", provider)
	q.Set("callbackUrl", s.settingsPath)
	return "/auth/signin/" + url.PathEscape(reauthProvider) + "?" + q.Encode(), nil
}

// CompleteReauth (REAUTH_IN_PROGRESS -> REAUTH_DONE) проверяет, что подтвержденная
// личность принадлежит пользователю сессии, и выдает токен для linkProvider.
func (s *LinkingService) CompleteReauth(ctx context.Context, userID uint, identity *ProviderIdentity, linkProvider string) (string, error) {
	if userID == 0 || identity == nil || identity.SubjectID == "" {
		return "", ErrLinkUnauthorized
	}
	linkProvider, err := s.normalizeProvider(linkProvider)
	if err != nil {
		return "", err
	}

	owner, err := s.accounts.GetByProviderSubject(ctx, identity.Provider, identity.SubjectID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			log.Printf("[LinkingService] Re-auth личностью, не привязанной к userID=%d (provider=%s)", userID, identity.Provider)
			return "", ErrLinkUnauthorized
		}
		return "", s.internal("CompleteReauth", err)
	}
	if owner.UserID != userID {
		log.Printf("[LinkingService] Re-auth личностью другого пользователя: session userID=%d, owner userID=%d", userID, owner.UserID)
		return "", ErrLinkUnauthorized
	}

	if _, err := s.accounts.GetByUserAndProvider(ctx, userID, linkProvider); err == nil {
		return "", ErrAlreadyLinked
	} else if !errors.Is(err, apperrors.ErrNotFound) {
		return "", s.internal("CompleteReauth", err)
	}

	token, err := s.tokens.Issue(ctx, userID, linkProvider)
	if err != nil {
		return "", s.internal("CompleteReauth", err)
	}
	s.metrics.RecordTokenIssued(linkProvider)
	log.Printf("[LinkingService] Выдан токен привязки userID=%d provider=%s", userID, linkProvider)
	return token, nil
}

// BeginHandshake (REAUTH_DONE -> PROVIDER_HANDSHAKE_IN_PROGRESS) проверяет, что токен
// жив для (userID, provider). Токен не гасится.
func (s *LinkingService) BeginHandshake(ctx context.Context, userID uint, provider, token string) error {
	if userID == 0 {
		return ErrLinkUnauthorized
	}
	provider, err := s.normalizeProvider(provider)
	if err != nil {
		return err
	}
	if _, err := s.tokens.Peek(ctx, token, userID, provider); err != nil {
		if IsTokenMiss(err) {
			return ErrLinkTokenInvalid
		}
		return s.internal("BeginHandshake", err)
	}
	return nil
}

// BindHandshake записывает в токен личность, которую вернул новый провайдер
func (s *LinkingService) BindHandshake(ctx context.Context, userID uint, token string, identity *ProviderIdentity) error {
	if userID == 0 {
		return ErrLinkUnauthorized
	}
	if identity == nil || identity.SubjectID == "" {
		return fmt.Errorf("%w: provider identity is missing", ErrInvalidRequest)
	}
	if err := s.tokens.Bind(ctx, token, userID, identity.Provider, identity.SubjectID, identity.Email); err != nil {
		if IsTokenMiss(err) {
			return ErrLinkTokenInvalid
		}
		return s.internal("BindHandshake", err)
	}
	return nil
}

// ProcessLink (PROVIDER_HANDSHAKE_IN_PROGRESS -> LINKED) гасит токен и только после
// этого создает Account. provider может быть пустым: тогда он определяется по токену.
func (s *LinkingService) ProcessLink(ctx context.Context, userID uint, token, provider string) (*entity.Account, error) {
	if userID == 0 {
		return nil, ErrLinkUnauthorized
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}

	live, err := s.findLiveToken(ctx, userID, token, provider)
	if err != nil {
		s.metrics.RecordLinkOutcome(provider, "failed")
		return nil, err
	}
	provider = live.Provider
	if !live.IsBound() {
		// рукопожатие с провайдером не завершено
		s.metrics.RecordLinkOutcome(provider, "failed")
		return nil, ErrLinkTokenInvalid
	}

	consumed, err := s.tokens.Consume(ctx, token, userID, provider)
	if err != nil {
		s.metrics.RecordLinkOutcome(provider, "failed")
		if IsTokenMiss(err) {
			return nil, ErrLinkTokenInvalid
		}
		return nil, s.internal("ProcessLink", err)
	}
	if !consumed.IsBound() {
		s.metrics.RecordLinkOutcome(provider, "failed")
		return nil, ErrLinkTokenInvalid
	}

	account := &entity.Account{
		UserID:    userID,
		Provider:  provider,
		SubjectID: *consumed.SubjectID,
		Email:     consumed.Email,
	}
	if err := s.accounts.Create(ctx, account); err != nil {
		switch {
		case errors.Is(err, repository.ErrIdentityBoundElsewhere):
			s.metrics.RecordLinkOutcome(provider, "identity_linked_elsewhere")
			log.Printf("[LinkingService] Личность %s уже привязана к другому пользователю (userID=%d)", provider, userID)
			return nil, ErrIdentityLinkedElsewhere
		case errors.Is(err, repository.ErrIdentityAlreadyLinked), errors.Is(err, repository.ErrProviderAlreadyLinked):
			s.metrics.RecordLinkOutcome(provider, "already_linked")
			return nil, ErrAlreadyLinked
		case errors.Is(err, apperrors.ErrNotFound):
			// у пользователя не осталось привязок
			s.metrics.RecordLinkOutcome(provider, "failed")
			return nil, ErrLinkUnauthorized
		}
		s.metrics.RecordLinkOutcome(provider, "failed")
		return nil, s.internal("ProcessLink", err)
	}

	s.metrics.RecordLinkOutcome(provider, "linked")
	log.Printf("[LinkingService] Привязан провайдер %s к userID=%d (account=%d)", provider, userID, account.ID)
	s.afterChange(ctx, userID, provider, "linked", account.ID)
	return account, nil
}

func (s *LinkingService) findLiveToken(ctx context.Context, userID uint, token, provider string) (*entity.LinkingToken, error) {
	candidates := []string{}
	if strings.TrimSpace(provider) != "" {
		p, err := s.normalizeProvider(provider)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, p)
	} else {
		candidates = s.providers.Names()
	}

	for _, p := range candidates {
		row, err := s.tokens.Peek(ctx, token, userID, p)
		if err == nil {
			return row, nil
		}
		if !IsTokenMiss(err) {
			return nil, s.internal("ProcessLink", err)
		}
	}
	return nil, ErrLinkTokenInvalid
}

// Unlink удаляет привязку провайдера. Последнюю привязку удалить нельзя.
func (s *LinkingService) Unlink(ctx context.Context, userID uint, provider string) error {
	if userID == 0 {
		return ErrLinkUnauthorized
	}
	provider = strings.ToLower(strings.TrimSpace(provider))
	if provider == "" {
		return fmt.Errorf("%w: provider is required", ErrInvalidRequest)
	}

	account, err := s.accounts.GetByUserAndProvider(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.metrics.RecordUnlink(provider, "not_linked")
			return ErrAccountNotLinked
		}
		return s.internal("Unlink", err)
	}

	if err := s.accounts.Delete(ctx, account.ID, userID); err != nil {
		switch {
		case errors.Is(err, repository.ErrLastAccount):
			s.metrics.RecordUnlink(provider, "last_account")
			return ErrLastAccount
		case errors.Is(err, apperrors.ErrNotFound):
			s.metrics.RecordUnlink(provider, "not_linked")
			return ErrAccountNotLinked
		}
		return s.internal("Unlink", err)
	}

	s.metrics.RecordUnlink(provider, "removed")
	log.Printf("[LinkingService] Отвязан провайдер %s от userID=%d", provider, userID)
	s.afterChange(ctx, userID, provider, "unlinked", account.ID)
	return nil
}

// ListLinked возвращает привязки пользователя
func (s *LinkingService) ListLinked(ctx context.Context, userID uint) ([]entity.Account, error) {
	if userID == 0 {
		return nil, ErrLinkUnauthorized
	}
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, s.internal("ListLinked", err)
	}
	return accounts, nil
}

// LinkedProviders возвращает имена привязанных провайдеров
func (s *LinkingService) LinkedProviders(ctx context.Context, userID uint) ([]string, error) {
	accounts, err := s.ListLinked(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		names = append(names, a.Provider)
	}
	return names, nil
}

// PurgeExpiredTokens удаляет просроченные токены; вызывается фоновым циклом
func (s *LinkingService) PurgeExpiredTokens(ctx context.Context) (int64, error) {
	n, err := s.tokens.Cleanup(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.RecordTokensPurged(n)
	return n, nil
}

// afterChange сбрасывает снимок сессии, уведомляет вкладки и отправляет письмо.
// Ошибки здесь только логируются: привязка уже сохранена.
func (s *LinkingService) afterChange(ctx context.Context, userID uint, provider, change string, accountID uint) {
	if s.state != nil {
		s.state.Invalidate(ctx, userID)
	}
	if s.notifier != nil {
		payload := map[string]string{"provider": provider, "change": change}
		if err := s.notifier.NotifyUser(userID, websocket.ACCOUNTS_UPDATED, payload); err != nil {
			log.Printf("[LinkingService] Ошибка уведомления userID=%d: %v", userID, err)
		}
	}

	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		log.Printf("[LinkingService] Не удалось получить адреса для уведомления userID=%d: %v", userID, err)
		return
	}
	mailCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
	defer cancel()
	idempotencyKey := fmt.Sprintf("%s-%d-%d", change, userID, accountID)
	for _, to := range notificationRecipients(accounts) {
		var sendErr error
		if change == "linked" {
			sendErr = s.mailer.SendAccountLinked(mailCtx, to, provider, idempotencyKey)
		} else {
			sendErr = s.mailer.SendAccountUnlinked(mailCtx, to, provider, idempotencyKey)
		}
		if sendErr != nil {
			log.Printf("[LinkingService] Ошибка отправки письма userID=%d: %v", userID, sendErr)
		}
	}
}

func notificationRecipients(accounts []entity.Account) []string {
	seen := make(map[string]struct{}, len(accounts))
	out := make([]string, 0, len(accounts))
	for _, a := range accounts {
		email := strings.ToLower(strings.TrimSpace(a.Email))
		if email == "" {
			continue
		}
		if _, ok := seen[email]; ok {
			continue
		}
		seen[email] = struct{}{}
		out = append(out, email)
	}
	return out
}

func (s *LinkingService) internal(op string, err error) error {
	log.Printf("[LinkingService] %s: ошибка хранилища: %v", op, err)
	return fmt.Errorf("%w: %s", ErrLinkInternal, op)
}

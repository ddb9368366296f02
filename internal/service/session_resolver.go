package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/pkg/auth"
)

const sessionStateKeyPrefix = "session:state:"

// SessionState - актуальные флаги пользователя, кешируемые в Redis
type SessionState struct {
	Exists    bool   `json:"exists"`
	Banned    bool   `json:"banned"`
	Role      string `json:"role"`
	HasHandle bool   `json:"has_handle"`
}

// SessionResolver превращает запрос в *entity.Session (nil - аноним).
//
// В режиме fresh бан, роль и наличие handle берутся из снимка состояния (Redis, TTL
// session.state_cache_ttl_seconds), а не из JWT. Админские изменения удаляют снимок,
// поэтому задержка бана ограничена временем доставки pub/sub. В режиме token флаги
// берутся из JWT и могут отставать до истечения токена.
type SessionResolver struct {
	jwt      *auth.JWTService
	cookies  *auth.CookieManager
	users    repository.UserRepository
	accounts repository.AccountRepository
	cache    repository.CacheRepository
	mode     string
	stateTTL time.Duration
}

// NewSessionResolver создает резолвер
func NewSessionResolver(
	jwtService *auth.JWTService,
	cookies *auth.CookieManager,
	users repository.UserRepository,
	accounts repository.AccountRepository,
	cache repository.CacheRepository,
	mode string,
	stateTTL time.Duration,
) *SessionResolver {
	if mode != config.BanCheckToken {
		mode = config.BanCheckFresh
	}
	if mode == config.BanCheckToken {
		log.Printf("[SessionResolver] ban_check_mode=token: бан и роль берутся из токена и могут отставать до %v", jwtService.Lifetime())
	}
	return &SessionResolver{
		jwt:      jwtService,
		cookies:  cookies,
		users:    users,
		accounts: accounts,
		cache:    cache,
		mode:     mode,
		stateTTL: stateTTL,
	}
}

// Resolve возвращает сессию запроса. Отсутствующий или недействительный токен дает (nil, nil);
// ошибка возвращается только при сбое хранилищ.
func (s *SessionResolver) Resolve(r *http.Request) (*entity.Session, error) {
	raw, err := s.cookies.Read(r)
	if err != nil {
		return nil, nil
	}

	ctx := r.Context()
	claims, err := s.jwt.ParseToken(ctx, raw)
	if errors.Is(err, auth.ErrTokenInvalidated) {
		return s.resolveRevoked(ctx, claims)
	}
	if err != nil {
		return nil, nil
	}

	if s.mode == config.BanCheckToken {
		return claims.Session(), nil
	}

	state, err := s.State(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !state.Exists {
		return nil, nil
	}
	return &entity.Session{
		UserID:    claims.UserID,
		Provider:  claims.Provider,
		HasHandle: state.HasHandle,
		Banned:    state.Banned,
		Role:      state.Role,
	}, nil
}

// resolveRevoked обрабатывает отозванный токен. Бан отзывает сессии, но забаненный
// пользователь должен видеть страницу бана, а не вход: для него возвращается
// сессия с Banned=true. Остальные отозванные токены дают анонима.
func (s *SessionResolver) resolveRevoked(ctx context.Context, claims *auth.SessionClaims) (*entity.Session, error) {
	if claims == nil {
		return nil, nil
	}
	state, err := s.State(ctx, claims.UserID)
	if err != nil {
		return nil, err
	}
	if !state.Exists || !state.Banned {
		return nil, nil
	}
	return &entity.Session{
		UserID:    claims.UserID,
		Provider:  claims.Provider,
		HasHandle: state.HasHandle,
		Banned:    true,
		Role:      state.Role,
	}, nil
}

// State возвращает снимок состояния пользователя из кеша или хранилищ
func (s *SessionResolver) State(ctx context.Context, userID uint) (*SessionState, error) {
	key := sessionStateKey(userID)

	var cached SessionState
	err := s.cache.GetJSON(ctx, key, &cached)
	if err == nil {
		return &cached, nil
	}
	if !errors.Is(err, apperrors.ErrNotFound) {
		log.Printf("[SessionResolver] Кеш недоступен для userID=%d, читаем из БД: %v", userID, err)
	}

	state, err := s.loadState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.cache.SetJSON(ctx, key, state, s.stateTTL); err != nil {
		log.Printf("[SessionResolver] Не удалось сохранить снимок для userID=%d: %v", userID, err)
	}
	return state, nil
}

func (s *SessionResolver) loadState(ctx context.Context, userID uint) (*SessionState, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return &SessionState{}, nil
		}
		return nil, fmt.Errorf("load user %d: %w", userID, err)
	}
	accounts, err := s.accounts.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load accounts of user %d: %w", userID, err)
	}
	if len(accounts) == 0 {
		return &SessionState{}, nil
	}
	return &SessionState{
		Exists:    true,
		Banned:    entity.AnyBanned(accounts),
		Role:      entity.HighestRole(accounts),
		HasHandle: user.HasHandle(),
	}, nil
}

// Invalidate удаляет снимок состояния пользователя
func (s *SessionResolver) Invalidate(ctx context.Context, userID uint) {
	if err := s.cache.Delete(ctx, sessionStateKey(userID)); err != nil {
		log.Printf("[SessionResolver] Ошибка удаления снимка для userID=%d: %v", userID, err)
	}
}

// Issue собирает свежую сессию из хранилищ, подписывает ее и ставит cookie
func (s *SessionResolver) Issue(ctx context.Context, w http.ResponseWriter, userID uint, provider string) (*entity.Session, error) {
	s.Invalidate(ctx, userID)
	state, err := s.loadState(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !state.Exists {
		return nil, apperrors.ErrNotFound
	}

	session := &entity.Session{
		UserID:    userID,
		Provider:  provider,
		HasHandle: state.HasHandle,
		Banned:    state.Banned,
		Role:      state.Role,
	}
	token, expiresAt, err := s.jwt.GenerateSessionToken(session)
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}
	s.cookies.Set(w, token, expiresAt)
	return session, nil
}

// SignOut очищает cookie сессии
func (s *SessionResolver) SignOut(w http.ResponseWriter) {
	s.cookies.Clear(w)
}

func sessionStateKey(userID uint) string {
	return fmt.Sprintf("%s%d", sessionStateKeyPrefix, userID)
}

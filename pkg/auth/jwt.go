package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	"github.com/yourusername/linkbio-api/internal/websocket"
)

const tokenIssuer = "linkbio-api"

// Ошибки разбора сессионного токена
var (
	ErrTokenMalformed   = errors.New("token is malformed")
	ErrTokenExpired     = errors.New("token is expired")
	ErrTokenInvalid     = errors.New("token validation failed")
	ErrTokenInvalidated = errors.New("token has been invalidated")
)

// SessionClaims - снимок сессии внутри JWT
type SessionClaims struct {
	UserID    uint   `json:"user_id"`
	Provider  string `json:"provider"`
	HasHandle bool   `json:"has_handle"`
	Banned    bool   `json:"banned"`
	Role      string `json:"role"`
	// IssuedAtNano - момент выдачи с точностью до наносекунд; iat округляется до секунды
	IssuedAtNano int64 `json:"iat_ns,omitempty"`
	jwt.RegisteredClaims
}

// issuedAt возвращает момент выдачи и признак того, что он известен точнее секунды
func (c *SessionClaims) issuedAt() (time.Time, bool) {
	if c.IssuedAtNano != 0 {
		return time.Unix(0, c.IssuedAtNano), true
	}
	if c.IssuedAt != nil {
		return c.IssuedAt.Time, false
	}
	return time.Time{}, false
}

// revokedBy сообщает, выдан ли токен до инвалидации at. Для токенов без iat_ns
// сравнение идет по целым секундам, иначе токен той же секунды, выданный после
// инвалидации, был бы отклонен.
func (c *SessionClaims) revokedBy(at time.Time) bool {
	issued, precise := c.issuedAt()
	if issued.IsZero() {
		return true
	}
	if precise {
		return !issued.After(at)
	}
	return issued.Before(at.Truncate(time.Second))
}

// Session возвращает сессию из claims
func (c *SessionClaims) Session() *entity.Session {
	return &entity.Session{
		UserID:    c.UserID,
		Provider:  c.Provider,
		HasHandle: c.HasHandle,
		Banned:    c.Banned,
		Role:      c.Role,
	}
}

// JWTService выдает и проверяет сессионные токены и ведет список инвалидаций пользователей
type JWTService struct {
	signingKey []byte
	lifetime   time.Duration
	retention  time.Duration

	// Черный список: токены, выданные не позже этого времени, недействительны
	invalidatedUsers map[uint]time.Time
	mu               sync.RWMutex

	// Постоянное хранилище инвалидаций; nil - только память и pub/sub
	store repository.InvalidTokenRepository

	pubSubProvider      websocket.PubSubProvider
	invalidationChannel string
	appCtx              context.Context
	now                 func() time.Time
}

// NewJWTService создает сервис. Горутины подписки и очистки живут, пока жив appCtx.
func NewJWTService(
	signingKey []byte,
	lifetime time.Duration,
	retention time.Duration,
	pubSubProvider websocket.PubSubProvider,
	invalidationChannel string,
	appCtx context.Context,
) (*JWTService, error) {
	if len(signingKey) < 32 {
		return nil, fmt.Errorf("JWT signing key must be at least 32 bytes")
	}
	if pubSubProvider == nil {
		return nil, fmt.Errorf("PubSubProvider is required for JWTService")
	}
	if appCtx == nil {
		return nil, fmt.Errorf("appCtx is required for JWTService")
	}
	if lifetime <= 0 {
		lifetime = 24 * time.Hour
	}
	if retention < lifetime {
		retention = lifetime
	}
	if invalidationChannel == "" {
		invalidationChannel = "session_invalidation"
	}

	s := &JWTService{
		signingKey:          signingKey,
		lifetime:            lifetime,
		retention:           retention,
		invalidatedUsers:    make(map[uint]time.Time),
		pubSubProvider:      pubSubProvider,
		invalidationChannel: invalidationChannel,
		appCtx:              appCtx,
		now:                 time.Now,
	}

	go s.listenForInvalidationEvents()
	go s.runCleanupRoutine(time.Hour)

	return s, nil
}

// AttachStore подключает таблицу invalid_tokens и загружает из нее действующие записи,
// чтобы перезапущенный инстанс продолжал отклонять отозванные сессии
func (s *JWTService) AttachStore(ctx context.Context, store repository.InvalidTokenRepository) error {
	tokens, err := store.GetAllInvalidTokens(ctx)
	if err != nil {
		return fmt.Errorf("failed to load invalidated users: %w", err)
	}
	cutoff := s.now().Add(-s.retention)
	loaded := 0
	for _, t := range tokens {
		if t.InvalidationTime.Before(cutoff) {
			continue
		}
		s.RecordInvalidation(t.UserID, t.InvalidationTime)
		loaded++
	}

	s.mu.Lock()
	s.store = store
	s.mu.Unlock()
	log.Printf("[JWTService] Загружено %d инвалидаций из хранилища", loaded)
	return nil
}

// Lifetime возвращает время жизни выдаваемых токенов
func (s *JWTService) Lifetime() time.Duration {
	return s.lifetime
}

// GenerateSessionToken подписывает снимок сессии. Возвращает токен и время истечения.
func (s *JWTService) GenerateSessionToken(session *entity.Session) (string, time.Time, error) {
	if session == nil || session.UserID == 0 {
		return "", time.Time{}, errors.New("session with user id is required")
	}
	now := s.now()
	expiresAt := now.Add(s.lifetime)

	claims := &SessionClaims{
		UserID:       session.UserID,
		Provider:     session.Provider,
		HasHandle:    session.HasHandle,
		Banned:       session.Banned,
		Role:         session.Role,
		IssuedAtNano: now.UnixNano(),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    tokenIssuer,
			Subject:   strconv.FormatUint(uint64(session.UserID), 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingKey)
	if err != nil {
		log.Printf("[JWT] Ошибка генерации токена для пользователя ID=%d: %v", session.UserID, err)
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ParseToken проверяет подпись, срок и инвалидацию.
// Для инвалидированного токена вместе с ErrTokenInvalidated возвращаются его claims:
// подпись проверена, и вызывающий может узнать, чей это токен.
func (s *JWTService) ParseToken(ctx context.Context, tokenString string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		var ve *jwt.ValidationError
		if errors.As(err, &ve) {
			switch {
			case ve.Errors&jwt.ValidationErrorMalformed != 0:
				return nil, ErrTokenMalformed
			case ve.Errors&jwt.ValidationErrorExpired != 0:
				return nil, ErrTokenExpired
			}
		}
		return nil, ErrTokenInvalid
	}
	if !token.Valid || claims.UserID == 0 || claims.Issuer != tokenIssuer {
		return nil, ErrTokenInvalid
	}

	s.mu.RLock()
	invalidatedAt, exists := s.invalidatedUsers[claims.UserID]
	s.mu.RUnlock()
	if exists && claims.revokedBy(invalidatedAt) {
		issued, _ := claims.issuedAt()
		log.Printf("[JWT] Токен инвалидирован для пользователя ID=%d, выдан в %v, инвалидация %v",
			claims.UserID, issued, invalidatedAt)
		return claims, ErrTokenInvalidated
	}

	return claims, nil
}

// InvalidateTokensForUser делает все ранее выданные токены пользователя недействительными
// на этом инстансе и публикует событие для остальных.
func (s *JWTService) InvalidateTokensForUser(ctx context.Context, userID uint) error {
	now := s.now()
	s.RecordInvalidation(userID, now)

	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store != nil {
		if err := store.AddInvalidToken(ctx, userID, now); err != nil {
			// Память и pub/sub уже обновлены; запись понадобится только после рестарта
			log.Printf("[JWT] Ошибка сохранения инвалидации для userID %d: %v", userID, err)
		}
	}

	eventBytes, err := json.Marshal(invalidationEvent{UserID: userID, InvalidatedAtNano: now.UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if err := s.pubSubProvider.Publish(s.invalidationChannel, eventBytes); err != nil {
		log.Printf("[JWT] Ошибка публикации события инвалидации для userID %d: %v", userID, err)
		return err
	}
	log.Printf("[JWT] Токены инвалидированы для пользователя ID=%d в %v", userID, now)
	return nil
}

// RecordInvalidation сохраняет время инвалидации, не сдвигая его назад
func (s *JWTService) RecordInvalidation(userID uint, at time.Time) {
	if userID == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.invalidatedUsers[userID]; !ok || at.After(prev) {
		s.invalidatedUsers[userID] = at
	}
}

// CleanupInvalidatedUsers удаляет записи старше retention: токены того времени уже истекли
func (s *JWTService) CleanupInvalidatedUsers() int {
	cutoff := s.now().Add(-s.retention)
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0
	for userID, at := range s.invalidatedUsers {
		if at.Before(cutoff) {
			delete(s.invalidatedUsers, userID)
			cleaned++
		}
	}
	return cleaned
}

type invalidationEvent struct {
	UserID            uint  `json:"user_id"`
	InvalidatedAtNano int64 `json:"invalidated_at_ns"`
}

func (s *JWTService) listenForInvalidationEvents() {
	messages, err := s.pubSubProvider.Subscribe(s.appCtx, s.invalidationChannel)
	if err != nil {
		log.Printf("[JWTService] Ошибка подписки на канал %s: %v", s.invalidationChannel, err)
		return
	}

	for {
		select {
		case <-s.appCtx.Done():
			return
		case msgBytes, ok := <-messages:
			if !ok {
				log.Printf("[JWTService] Канал %s закрыт", s.invalidationChannel)
				return
			}
			var event invalidationEvent
			if err := json.Unmarshal(msgBytes, &event); err != nil {
				log.Printf("[JWTService] Некорректное событие инвалидации: %v", err)
				continue
			}
			s.RecordInvalidation(event.UserID, time.Unix(0, event.InvalidatedAtNano))
		}
	}
}

func (s *JWTService) runCleanupRoutine(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.CleanupInvalidatedUsers(); n > 0 {
				log.Printf("[JWTService] Cleaned up %d stale invalidation entries", n)
			}
			s.cleanupStore()
		case <-s.appCtx.Done():
			return
		}
	}
}

func (s *JWTService) cleanupStore() {
	s.mu.RLock()
	store := s.store
	s.mu.RUnlock()
	if store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.appCtx, 30*time.Second)
	defer cancel()
	if err := store.CleanupOldInvalidTokens(ctx, s.now().Add(-s.retention)); err != nil {
		log.Printf("[JWTService] Ошибка очистки invalid_tokens: %v", err)
	}
}

package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/domain/repository"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

// tokenBytes - энтропия токена привязки (256 бит)
const tokenBytes = 32

// TokenStore выдает и погашает одноразовые токены привязки. В базе хранится только
// SHA-256 от значения, само значение уходит клиенту один раз.
type TokenStore struct {
	repo repository.LinkingTokenRepository
	ttl  time.Duration
	now  func() time.Time
}

// NewTokenStore создает хранилище с заданным TTL токена
func NewTokenStore(repo repository.LinkingTokenRepository, ttl time.Duration) *TokenStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &TokenStore{repo: repo, ttl: ttl, now: time.Now}
}

// TTL возвращает время жизни выдаваемых токенов
func (s *TokenStore) TTL() time.Duration {
	return s.ttl
}

// HashToken возвращает hex SHA-256, под которым токен хранится
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func generateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Issue создает токен для (userID, provider) со сроком now+ttl
func (s *TokenStore) Issue(ctx context.Context, userID uint, provider string) (string, error) {
	if userID == 0 || provider == "" {
		return "", fmt.Errorf("%w: user and provider are required", apperrors.ErrValidation)
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := s.now()
	row := &entity.LinkingToken{
		TokenHash: HashToken(token),
		UserID:    userID,
		Provider:  provider,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.repo.Create(ctx, row); err != nil {
		return "", err
	}
	return token, nil
}

// Peek проверяет, что токен жив для (userID, provider), не погашая его.
// Возвращает apperrors.ErrNotFound для отсутствующего, просроченного или чужого токена.
func (s *TokenStore) Peek(ctx context.Context, token string, userID uint, provider string) (*entity.LinkingToken, error) {
	if token == "" {
		return nil, apperrors.ErrNotFound
	}
	return s.repo.GetLive(ctx, HashToken(token), userID, provider, s.now())
}

// Bind записывает проверенную провайдером личность в живой токен
func (s *TokenStore) Bind(ctx context.Context, token string, userID uint, provider, subjectID, email string) error {
	if token == "" || subjectID == "" {
		return apperrors.ErrNotFound
	}
	return s.repo.BindSubject(ctx, HashToken(token), userID, provider, subjectID, email, s.now())
}

// Consume атомарно удаляет токен. Успех возможен ровно один раз; отсутствующий,
// просроченный или выданный другому (userID, provider) токен дает apperrors.ErrNotFound.
func (s *TokenStore) Consume(ctx context.Context, token string, userID uint, provider string) (*entity.LinkingToken, error) {
	if token == "" {
		return nil, apperrors.ErrNotFound
	}
	row, err := s.repo.Consume(ctx, HashToken(token), userID, provider, s.now())
	if err != nil {
		return nil, err
	}
	// Строка могла истечь между проверкой в запросе и чтением часов здесь
	if row.IsExpired(s.now()) {
		return nil, apperrors.ErrNotFound
	}
	return row, nil
}

// Cleanup удаляет просроченные токены
func (s *TokenStore) Cleanup(ctx context.Context) (int64, error) {
	return s.repo.DeleteExpired(ctx, s.now())
}

// IsTokenMiss сообщает, что ошибка означает отсутствие живого токена
func IsTokenMiss(err error) bool {
	return errors.Is(err, apperrors.ErrNotFound)
}

package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
)

// ============================================================================
// Моки репозиториев
// ============================================================================

// MockAccountRepository реализует repository.AccountRepository
type MockAccountRepository struct {
	mock.Mock
}

func (m *MockAccountRepository) ListByUser(ctx context.Context, userID uint) ([]entity.Account, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	if fn, ok := args.Get(0).(func(context.Context, uint) []entity.Account); ok {
		return fn(ctx, userID), args.Error(1)
	}
	return args.Get(0).([]entity.Account), args.Error(1)
}

func (m *MockAccountRepository) GetByProviderSubject(ctx context.Context, provider, subjectID string) (*entity.Account, error) {
	args := m.Called(ctx, provider, subjectID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Account), args.Error(1)
}

func (m *MockAccountRepository) GetByUserAndProvider(ctx context.Context, userID uint, provider string) (*entity.Account, error) {
	args := m.Called(ctx, userID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Account), args.Error(1)
}

func (m *MockAccountRepository) CreateWithUser(ctx context.Context, user *entity.User, account *entity.Account) error {
	args := m.Called(ctx, user, account)
	return args.Error(0)
}

func (m *MockAccountRepository) Create(ctx context.Context, account *entity.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockAccountRepository) Delete(ctx context.Context, accountID, userID uint) error {
	args := m.Called(ctx, accountID, userID)
	return args.Error(0)
}

func (m *MockAccountRepository) SetBanFlagForUser(ctx context.Context, userID uint, banned bool) error {
	args := m.Called(ctx, userID, banned)
	return args.Error(0)
}

func (m *MockAccountRepository) SetRoleForUser(ctx context.Context, userID uint, role string) error {
	args := m.Called(ctx, userID, role)
	return args.Error(0)
}

func (m *MockAccountRepository) ListAll(ctx context.Context, limit, offset int) ([]entity.Account, int64, error) {
	args := m.Called(ctx, limit, offset)
	if args.Get(0) == nil {
		return nil, 0, args.Error(2)
	}
	return args.Get(0).([]entity.Account), args.Get(1).(int64), args.Error(2)
}

// MockUserRepository реализует repository.UserRepository
type MockUserRepository struct {
	mock.Mock
}

func (m *MockUserRepository) GetByID(ctx context.Context, id uint) (*entity.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.User), args.Error(1)
}

func (m *MockUserRepository) GetByHandle(ctx context.Context, handle string) (*entity.User, error) {
	args := m.Called(ctx, handle)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.User), args.Error(1)
}

func (m *MockUserRepository) UpdateHandle(ctx context.Context, userID uint, handle string) error {
	args := m.Called(ctx, userID, handle)
	return args.Error(0)
}

// MockCacheRepository реализует repository.CacheRepository
type MockCacheRepository struct {
	mock.Mock
}

func (m *MockCacheRepository) SetJSON(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	args := m.Called(ctx, key, value, expiration)
	return args.Error(0)
}

func (m *MockCacheRepository) GetJSON(ctx context.Context, key string, dest interface{}) error {
	args := m.Called(ctx, key, dest)
	if fill, ok := args.Get(0).(func(interface{})); ok {
		fill(dest)
		return nil
	}
	return args.Error(1)
}

func (m *MockCacheRepository) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

// MockEmailService реализует EmailService
type MockEmailService struct {
	mock.Mock
}

func (m *MockEmailService) SendAccountLinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	args := m.Called(ctx, toEmail, provider, idempotencyKey)
	return args.Error(0)
}

func (m *MockEmailService) SendAccountUnlinked(ctx context.Context, toEmail, provider, idempotencyKey string) error {
	args := m.Called(ctx, toEmail, provider, idempotencyKey)
	return args.Error(0)
}

// ============================================================================
// In-memory реализации
// ============================================================================

// memTokenRepo - LinkingTokenRepository в памяти с теми же условиями выборки, что и SQL
type memTokenRepo struct {
	mu   sync.Mutex
	rows map[string]entity.LinkingToken
}

func newMemTokenRepo() *memTokenRepo {
	return &memTokenRepo{rows: make(map[string]entity.LinkingToken)}
}

func (r *memTokenRepo) live(hash string, userID uint, provider string, now time.Time) (entity.LinkingToken, bool) {
	row, ok := r.rows[hash]
	if !ok || row.UserID != userID || row.Provider != provider || !row.ExpiresAt.After(now) {
		return entity.LinkingToken{}, false
	}
	return row, true
}

func (r *memTokenRepo) Create(ctx context.Context, token *entity.LinkingToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rows[token.TokenHash]; exists {
		return apperrors.ErrConflict
	}
	token.ID = uint(len(r.rows) + 1)
	r.rows[token.TokenHash] = *token
	return nil
}

func (r *memTokenRepo) GetLive(ctx context.Context, hash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.live(hash, userID, provider, now)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &row, nil
}

func (r *memTokenRepo) BindSubject(ctx context.Context, hash string, userID uint, provider, subjectID, email string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.live(hash, userID, provider, now)
	if !ok || row.SubjectID != nil {
		return apperrors.ErrNotFound
	}
	row.SubjectID = &subjectID
	row.Email = email
	r.rows[hash] = row
	return nil
}

func (r *memTokenRepo) Consume(ctx context.Context, hash string, userID uint, provider string, now time.Time) (*entity.LinkingToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.live(hash, userID, provider, now)
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	delete(r.rows, hash)
	return &row, nil
}

func (r *memTokenRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for hash, row := range r.rows {
		if !row.ExpiresAt.After(now) {
			delete(r.rows, hash)
			n++
		}
	}
	return n, nil
}

func (r *memTokenRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// staticRegistry - ProviderRegistry с фиксированным набором
type staticRegistry map[string]bool

func (r staticRegistry) Supports(name string) bool { return r[name] }

func (r staticRegistry) Names() []string {
	names := make([]string, 0, len(r))
	for name := range r {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

type notification struct {
	UserID    uint
	EventType string
}

// recordingNotifier запоминает события вместо доставки в WebSocket
type recordingNotifier struct {
	mu     sync.Mutex
	events []notification
}

func (n *recordingNotifier) NotifyUser(userID uint, eventType string, data interface{}) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{UserID: userID, EventType: eventType})
	return nil
}

// recordingInvalidator запоминает сброшенные снимки
type recordingInvalidator struct {
	mu    sync.Mutex
	users []uint
}

func (i *recordingInvalidator) Invalidate(ctx context.Context, userID uint) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.users = append(i.users, userID)
}

// recordingRevoker запоминает инвалидации токенов
type recordingRevoker struct {
	users []uint
}

func (r *recordingRevoker) InvalidateTokensForUser(ctx context.Context, userID uint) error {
	r.users = append(r.users, userID)
	return nil
}

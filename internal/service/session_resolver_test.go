package service

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/linkbio-api/internal/config"
	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/gatekeeper"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/internal/websocket"
	"github.com/yourusername/linkbio-api/pkg/auth"
)

type resolverFixture struct {
	resolver *SessionResolver
	jwt      *auth.JWTService
	cookies  *auth.CookieManager
	users    *MockUserRepository
	accounts *MockAccountRepository
	cache    *MockCacheRepository
}

func newResolverFixture(t *testing.T, mode string) *resolverFixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	key, err := auth.DeriveKey("resolver-test-secret-resolver-test-secret", auth.PurposeSessionJWT, 32)
	require.NoError(t, err)
	jwtService, err := auth.NewJWTService(key, time.Hour, 0, &websocket.NoOpPubSub{}, "session_invalidation", ctx)
	require.NoError(t, err)

	f := &resolverFixture{
		jwt:      jwtService,
		cookies:  auth.NewCookieManager("linkbio_session", false),
		users:    new(MockUserRepository),
		accounts: new(MockAccountRepository),
		cache:    new(MockCacheRepository),
	}
	f.resolver = NewSessionResolver(f.jwt, f.cookies, f.users, f.accounts, f.cache, mode, 30*time.Second)
	return f
}

// requestWithSession возвращает запрос с подписанной кукой для session
func (f *resolverFixture) requestWithSession(t *testing.T, session *entity.Session) *http.Request {
	t.Helper()
	token, expiresAt, err := f.jwt.GenerateSessionToken(session)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	f.cookies.Set(rec, token, expiresAt)

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	for _, c := range rec.Result().Cookies() {
		req.AddCookie(c)
	}
	return req
}

func handle(s string) *string { return &s }

func TestSessionResolver_Anonymous(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)

	session, err := f.resolver.Resolve(httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NoError(t, err)
	assert.Nil(t, session)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: "linkbio_session", Value: "not-a-jwt"})
	session, err = f.resolver.Resolve(req)
	assert.NoError(t, err, "bad credential is anonymous, not a failure")
	assert.Nil(t, session)
}

func TestSessionResolver_FreshModeLoadsState(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "github", HasHandle: false})

	f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(nil, apperrors.ErrNotFound)
	f.users.On("GetByID", mock.Anything, uint(5)).Return(&entity.User{ID: 5, Handle: handle("alice")}, nil)
	f.accounts.On("ListByUser", mock.Anything, uint(5)).Return([]entity.Account{
		{ID: 1, UserID: 5, Provider: "github", Role: entity.RoleAdmin},
		{ID: 2, UserID: 5, Provider: "google", Role: entity.RoleAdmin, Banned: true},
	}, nil)
	f.cache.On("SetJSON", mock.Anything, "session:state:5", mock.MatchedBy(func(s *SessionState) bool {
		return s.Exists && s.Banned && s.HasHandle && s.Role == entity.RoleAdmin
	}), 30*time.Second).Return(nil)

	session, err := f.resolver.Resolve(req)
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, uint(5), session.UserID)
	assert.Equal(t, "github", session.Provider)
	assert.True(t, session.Banned, "ban comes from the store, not the token")
	assert.True(t, session.HasHandle)
	assert.Equal(t, entity.RoleAdmin, session.Role)
	f.cache.AssertExpectations(t)
}

func TestSessionResolver_FreshModeUsesCachedState(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "github", HasHandle: true})

	f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(func(dest interface{}) {
		*dest.(*SessionState) = SessionState{Exists: true, Banned: true, Role: entity.RoleUser, HasHandle: true}
	}, nil)

	session, err := f.resolver.Resolve(req)
	require.NoError(t, err)
	assert.True(t, session.Banned)
	f.users.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
}

func TestSessionResolver_DeletedUserIsAnonymous(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	req := f.requestWithSession(t, &entity.Session{UserID: 9, Provider: "github"})

	f.cache.On("GetJSON", mock.Anything, "session:state:9", mock.Anything).Return(nil, apperrors.ErrNotFound)
	f.users.On("GetByID", mock.Anything, uint(9)).Return(nil, apperrors.ErrNotFound)
	f.cache.On("SetJSON", mock.Anything, "session:state:9", mock.Anything, mock.Anything).Return(nil)

	session, err := f.resolver.Resolve(req)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestSessionResolver_StoreFailureIsError(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "github"})

	f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(nil, errors.New("redis: connection refused"))
	f.users.On("GetByID", mock.Anything, uint(5)).Return(nil, errors.New("db down"))

	session, err := f.resolver.Resolve(req)
	assert.Error(t, err)
	assert.Nil(t, session)
}

func TestSessionResolver_TokenModeTrustsClaims(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckToken)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "google", HasHandle: true, Role: entity.RoleUser})

	session, err := f.resolver.Resolve(req)
	require.NoError(t, err)
	assert.Equal(t, &entity.Session{UserID: 5, Provider: "google", HasHandle: true, Role: entity.RoleUser}, session)
	f.cache.AssertNotCalled(t, "GetJSON", mock.Anything, mock.Anything, mock.Anything)
}

func TestSessionResolver_InvalidatedTokenIsAnonymous(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckToken)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "google"})

	f.jwt.RecordInvalidation(5, time.Now().Add(time.Minute))
	f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(func(dest interface{}) {
		*dest.(*SessionState) = SessionState{Exists: true, Role: entity.RoleUser, HasHandle: true}
	}, nil)

	session, err := f.resolver.Resolve(req)
	assert.NoError(t, err)
	assert.Nil(t, session)
}

func TestSessionResolver_RevokedBannedUserGetsBannedSession(t *testing.T) {
	for _, mode := range []string{config.BanCheckFresh, config.BanCheckToken} {
		t.Run(mode, func(t *testing.T) {
			f := newResolverFixture(t, mode)
			req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "google", HasHandle: true, Role: entity.RoleUser})

			f.jwt.RecordInvalidation(5, time.Now().Add(time.Minute))
			f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(nil, apperrors.ErrNotFound)
			f.users.On("GetByID", mock.Anything, uint(5)).Return(&entity.User{ID: 5, Handle: handle("alice")}, nil)
			f.accounts.On("ListByUser", mock.Anything, uint(5)).Return([]entity.Account{
				{ID: 1, UserID: 5, Provider: "google", Role: entity.RoleUser, Banned: true},
			}, nil)
			f.cache.On("SetJSON", mock.Anything, "session:state:5", mock.Anything, mock.Anything).Return(nil)

			session, err := f.resolver.Resolve(req)
			require.NoError(t, err)
			require.NotNil(t, session)
			assert.True(t, session.Banned)
			assert.Equal(t, uint(5), session.UserID)
		})
	}
}

func TestSessionResolver_BanThroughAdminLeadsToBannedNotice(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	req := f.requestWithSession(t, &entity.Session{UserID: 5, Provider: "github", HasHandle: true, Role: entity.RoleUser})

	banned := false
	currentAccounts := func() []entity.Account {
		return []entity.Account{{ID: 1, UserID: 5, Provider: "github", Role: entity.RoleUser, Banned: banned}}
	}
	f.accounts.On("ListByUser", mock.Anything, uint(5)).Return(func(ctx context.Context, userID uint) []entity.Account {
		return currentAccounts()
	}, nil)
	f.accounts.On("SetBanFlagForUser", mock.Anything, uint(5), true).Run(func(args mock.Arguments) {
		banned = true
	}).Return(nil)
	f.users.On("GetByID", mock.Anything, uint(5)).Return(&entity.User{ID: 5, Handle: handle("alice")}, nil)
	f.cache.On("Delete", mock.Anything, []string{"session:state:5"}).Return(nil)
	f.cache.On("GetJSON", mock.Anything, "session:state:5", mock.Anything).Return(nil, apperrors.ErrNotFound)
	f.cache.On("SetJSON", mock.Anything, "session:state:5", mock.Anything, mock.Anything).Return(nil)

	admin := NewAdminService(f.accounts, f.resolver, f.jwt, &recordingNotifier{})
	require.NoError(t, admin.SetBan(context.Background(), adminActor, 5, true))

	session, err := f.resolver.Resolve(req)
	require.NoError(t, err)
	require.NotNil(t, session, "banned user must not become anonymous")
	assert.True(t, session.Banned)

	rules := gatekeeper.RulesFromConfig(config.GatekeeperConfig{
		ProtectedPrefixes: []string{"/dashboard", "/settings"},
		LoginPaths:        []string{"/login"},
		LandingPath:       "/dashboard",
		LoginPath:         "/login",
		OnboardingPath:    "/onboarding",
		BannedPath:        "/banned",
		SignOutPath:       "/auth/signout",
	})
	decision := rules.Decide(gatekeeper.Request{Path: "/dashboard"}, session)
	assert.Equal(t, gatekeeper.OutcomeBanned, decision.Outcome)
	assert.Equal(t, "/banned", decision.Target)
}

func TestSessionResolver_IssueSetsCookie(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	f.cache.On("Delete", mock.Anything, []string{"session:state:5"}).Return(nil)
	f.users.On("GetByID", mock.Anything, uint(5)).Return(&entity.User{ID: 5, Handle: handle("alice")}, nil)
	f.accounts.On("ListByUser", mock.Anything, uint(5)).Return([]entity.Account{{ID: 1, UserID: 5, Provider: "github", Role: entity.RoleUser}}, nil)

	rec := httptest.NewRecorder()
	session, err := f.resolver.Issue(context.Background(), rec, 5, "github")
	require.NoError(t, err)
	assert.True(t, session.HasHandle)

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "linkbio_session", cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	claims, err := f.jwt.ParseToken(context.Background(), cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, uint(5), claims.UserID)
	assert.True(t, claims.HasHandle)
}

func TestSessionResolver_IssueForUnknownUser(t *testing.T) {
	f := newResolverFixture(t, config.BanCheckFresh)
	f.cache.On("Delete", mock.Anything, []string{"session:state:5"}).Return(nil)
	f.users.On("GetByID", mock.Anything, uint(5)).Return(nil, apperrors.ErrNotFound)

	_, err := f.resolver.Issue(context.Background(), httptest.NewRecorder(), 5, "github")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/middleware"
	"github.com/yourusername/linkbio-api/internal/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestGinContext создает *gin.Context для тестов с JSON body
func newTestGinContext(method, path string, body interface{}) (*gin.Context, *httptest.ResponseRecorder) {
	w := httptest.NewRecorder()

	var req *http.Request
	if body != nil {
		bodyBytes, _ := json.Marshal(body)
		req, _ = http.NewRequest(method, path, bytes.NewReader(bodyBytes))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req, _ = http.NewRequest(method, path, nil)
	}

	c, _ := gin.CreateTestContext(w)
	c.Request = req
	return c, w
}

// withSession кладет сессию в контекст так же, как Gatekeeper
func withSession(c *gin.Context, session *entity.Session) {
	c.Set(middleware.ContextSessionKey, session)
	c.Set(middleware.ContextUserIDKey, session.UserID)
}

// parseJSONResponse парсит JSON ответ из *httptest.ResponseRecorder
func parseJSONResponse(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	require.NoError(t, err, "Response body should be valid JSON: %s", w.Body.String())
	return resp
}

func redirectQuery(t *testing.T, w *httptest.ResponseRecorder) (*url.URL, url.Values) {
	t.Helper()
	require.Equal(t, http.StatusFound, w.Code, "body: %s", w.Body.String())
	loc, err := url.Parse(w.Header().Get("Location"))
	require.NoError(t, err)
	return loc, loc.Query()
}

// ===== Mocks =====

type MockLinkingService struct {
	mock.Mock
}

func (m *MockLinkingService) StartLink(ctx context.Context, session *entity.Session, provider string) (string, error) {
	args := m.Called(ctx, session, provider)
	return args.String(0), args.Error(1)
}

func (m *MockLinkingService) ProcessLink(ctx context.Context, userID uint, token, provider string) (*entity.Account, error) {
	args := m.Called(ctx, userID, token, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Account), args.Error(1)
}

func (m *MockLinkingService) Unlink(ctx context.Context, userID uint, provider string) error {
	args := m.Called(ctx, userID, provider)
	return args.Error(0)
}

func (m *MockLinkingService) ListLinked(ctx context.Context, userID uint) ([]entity.Account, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]entity.Account), args.Error(1)
}

func (m *MockLinkingService) LinkedProviders(ctx context.Context, userID uint) ([]string, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockLinkingService) SettingsPath() string {
	return "/settings/accounts"
}

func (m *MockLinkingService) CompleteReauth(ctx context.Context, userID uint, identity *service.ProviderIdentity, linkProvider string) (string, error) {
	args := m.Called(ctx, userID, identity, linkProvider)
	return args.String(0), args.Error(1)
}

func (m *MockLinkingService) BeginHandshake(ctx context.Context, userID uint, provider, token string) error {
	args := m.Called(ctx, userID, provider, token)
	return args.Error(0)
}

func (m *MockLinkingService) BindHandshake(ctx context.Context, userID uint, token string, identity *service.ProviderIdentity) error {
	args := m.Called(ctx, userID, token, identity)
	return args.Error(0)
}

type MockSessionIssuer struct {
	mock.Mock
}

func (m *MockSessionIssuer) Issue(ctx context.Context, w http.ResponseWriter, userID uint, provider string) (*entity.Session, error) {
	args := m.Called(ctx, w, userID, provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*entity.Session), args.Error(1)
}

func (m *MockSessionIssuer) SignOut(w http.ResponseWriter) {
	m.Called(w)
}

type MockSignIn struct {
	mock.Mock
}

func (m *MockSignIn) SignIn(ctx context.Context, identity *service.ProviderIdentity) (uint, bool, error) {
	args := m.Called(ctx, identity)
	return args.Get(0).(uint), args.Bool(1), args.Error(2)
}

type MockOnboarding struct {
	mock.Mock
}

func (m *MockOnboarding) SetHandle(ctx context.Context, userID uint, handle string) (string, error) {
	args := m.Called(ctx, userID, handle)
	return args.String(0), args.Error(1)
}

type MockAdmin struct {
	mock.Mock
}

func (m *MockAdmin) SetBan(ctx context.Context, actor *entity.Session, userID uint, banned bool) error {
	return m.Called(ctx, actor, userID, banned).Error(0)
}

func (m *MockAdmin) SetRole(ctx context.Context, actor *entity.Session, userID uint, role string) error {
	return m.Called(ctx, actor, userID, role).Error(0)
}

func (m *MockAdmin) ExportAccounts(ctx context.Context, fn func(batch []entity.Account) error) (int64, error) {
	args := m.Called(ctx, fn)
	var written int64
	if batches, ok := args.Get(0).([][]entity.Account); ok {
		for _, b := range batches {
			if err := fn(b); err != nil {
				return written, err
			}
			written += int64(len(b))
		}
	}
	return written, args.Error(1)
}

// fakeGateway подставляет провайдера: AuthCodeURL возвращает state в query
type fakeGateway struct {
	supported   map[string]bool
	identity    *service.ProviderIdentity
	exchangeErr error
	codes       []string
}

func (g *fakeGateway) Supports(name string) bool {
	return g.supported[name]
}

func (g *fakeGateway) AuthCodeURL(name, state string) (string, error) {
	if !g.supported[name] {
		return "", service.ErrProviderNotSupported
	}
	return "https://" + name + ".example/authorize?" + url.Values{"state": {state}}.Encode(), nil
}

func (g *fakeGateway) Exchange(ctx context.Context, name, code string) (*service.ProviderIdentity, error) {
	g.codes = append(g.codes, code)
	if g.exchangeErr != nil {
		return nil, g.exchangeErr
	}
	return g.identity, nil
}

func (g *fakeGateway) Names() []string {
	names := make([]string, 0, len(g.supported))
	for n := range g.supported {
		names = append(names, n)
	}
	return names
}

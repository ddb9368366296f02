package service

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/yourusername/linkbio-api/internal/config"
)

// fakeProviderServer отвечает как token и userinfo эндпоинты провайдера
func fakeProviderServer(t *testing.T, userInfo map[string]interface{}) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		if r.Form.Get("code") != "good-code" {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"bad_verification_code"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-123","token_type":"bearer"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer at-123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(userInfo)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func registerFake(p *OAuthProviders, name string, srv *httptest.Server) {
	p.Register(name, &oauth2.Config{
		ClientID:     "client",
		ClientSecret: "secret",
		Endpoint: oauth2.Endpoint{
			AuthURL:   srv.URL + "/authorize",
			TokenURL:  srv.URL + "/token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
		RedirectURL: "http://localhost/auth/callback/" + name,
	}, srv.URL+"/user")
}

func TestNewOAuthProviders_RegistersConfigured(t *testing.T) {
	p := NewOAuthProviders(config.OAuthConfig{
		GitHub: config.OAuthProviderConfig{ClientID: "gh", ClientSecret: "s"},
	}, "https://linkb.io/")

	assert.True(t, p.Supports("github"))
	assert.False(t, p.Supports("google"))
	assert.Equal(t, []string{"github"}, p.Names())

	authURL, err := p.AuthCodeURL("github", "state-1")
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	assert.Equal(t, "state-1", u.Query().Get("state"))
	assert.Equal(t, "https://linkb.io/auth/callback/github", u.Query().Get("redirect_uri"))

	_, err = p.AuthCodeURL("google", "state-1")
	assert.ErrorIs(t, err, ErrProviderNotSupported)
}

func TestOAuthProviders_ExchangeGitHubStyle(t *testing.T) {
	srv := fakeProviderServer(t, map[string]interface{}{
		"id": 583231, "login": "octocat", "email": "Octo@GitHub.com", "avatar_url": "https://avatars/1",
	})
	p := NewOAuthProviders(config.OAuthConfig{}, "")
	registerFake(p, "github", srv)

	identity, err := p.Exchange(context.Background(), "github", "good-code")
	require.NoError(t, err)
	assert.Equal(t, &ProviderIdentity{
		Provider:  "github",
		SubjectID: "583231",
		Email:     "octo@github.com",
		Name:      "octocat",
		AvatarURL: "https://avatars/1",
	}, identity)
}

func TestOAuthProviders_ExchangeOIDCStyle(t *testing.T) {
	srv := fakeProviderServer(t, map[string]interface{}{
		"sub": "1122334455", "email": "user@gmail.com", "name": "User", "picture": "https://pic",
	})
	p := NewOAuthProviders(config.OAuthConfig{}, "")
	registerFake(p, "google", srv)

	identity, err := p.Exchange(context.Background(), "google", "good-code")
	require.NoError(t, err)
	assert.Equal(t, "1122334455", identity.SubjectID)
	assert.Equal(t, "User", identity.Name)
	assert.Equal(t, "https://pic", identity.AvatarURL)
}

func TestOAuthProviders_ExchangeFailures(t *testing.T) {
	srv := fakeProviderServer(t, map[string]interface{}{"email": "nosubject@example.com"})
	p := NewOAuthProviders(config.OAuthConfig{}, "")
	registerFake(p, "google", srv)

	_, err := p.Exchange(context.Background(), "google", "bad-code")
	assert.Error(t, err)

	_, err = p.Exchange(context.Background(), "google", "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = p.Exchange(context.Background(), "google", "good-code")
	assert.ErrorContains(t, err, "no subject")

	_, err = p.Exchange(context.Background(), "gitlab", "good-code")
	assert.ErrorIs(t, err, ErrProviderNotSupported)
}

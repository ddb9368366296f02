package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"

	"github.com/yourusername/linkbio-api/internal/config"
)

const (
	ProviderGitHub = "github"
	ProviderGoogle = "google"

	githubUserInfoURL = "https://api.github.com/user"
	googleUserInfoURL = "https://www.googleapis.com/oauth2/v3/userinfo"
)

// ProviderIdentity - личность, подтвержденная провайдером после обмена кода
type ProviderIdentity struct {
	Provider  string
	SubjectID string
	Email     string
	Name      string
	AvatarURL string
}

type oauthProvider struct {
	config      *oauth2.Config
	userInfoURL string
}

// OAuthProviders - реестр внешних провайдеров на x/oauth2
type OAuthProviders struct {
	providers  map[string]*oauthProvider
	httpClient *http.Client
}

// NewOAuthProviders регистрирует провайдеров, для которых задан client_id
func NewOAuthProviders(cfg config.OAuthConfig, publicURL string) *OAuthProviders {
	p := &OAuthProviders{
		providers:  make(map[string]*oauthProvider),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	base := strings.TrimRight(publicURL, "/")

	if cfg.GitHub.ClientID != "" {
		p.Register(ProviderGitHub, &oauth2.Config{
			ClientID:     cfg.GitHub.ClientID,
			ClientSecret: cfg.GitHub.ClientSecret,
			Endpoint:     github.Endpoint,
			RedirectURL:  base + "/auth/callback/" + ProviderGitHub,
			Scopes:       []string{"read:user", "user:email"},
		}, githubUserInfoURL)
	}
	if cfg.Google.ClientID != "" {
		p.Register(ProviderGoogle, &oauth2.Config{
			ClientID:     cfg.Google.ClientID,
			ClientSecret: cfg.Google.ClientSecret,
			Endpoint:     google.Endpoint,
			RedirectURL:  base + "/auth/callback/" + ProviderGoogle,
			Scopes:       []string{"openid", "email", "profile"},
		}, googleUserInfoURL)
	}
	return p
}

// Register добавляет или заменяет провайдера
func (p *OAuthProviders) Register(name string, conf *oauth2.Config, userInfoURL string) {
	p.providers[strings.ToLower(name)] = &oauthProvider{config: conf, userInfoURL: userInfoURL}
}

func (p *OAuthProviders) Supports(name string) bool {
	_, ok := p.providers[name]
	return ok
}

// Names возвращает зарегистрированных провайдеров по алфавиту
func (p *OAuthProviders) Names() []string {
	names := make([]string, 0, len(p.providers))
	for name := range p.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuthCodeURL возвращает адрес начала рукопожатия
func (p *OAuthProviders) AuthCodeURL(name, state string) (string, error) {
	prov, ok := p.providers[name]
	if !ok {
		return "", ErrProviderNotSupported
	}
	return prov.config.AuthCodeURL(state), nil
}

// Exchange меняет код на токен и читает личность пользователя
func (p *OAuthProviders) Exchange(ctx context.Context, name, code string) (*ProviderIdentity, error) {
	prov, ok := p.providers[name]
	if !ok {
		return nil, ErrProviderNotSupported
	}
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is missing", ErrInvalidRequest)
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, p.httpClient)
	token, err := prov.config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange code with %s: %w", name, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, prov.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create user info request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	token.SetAuthHeader(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("user info request to %s: %w", name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read user info: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("user info from %s failed with status %d", name, resp.StatusCode)
	}

	identity, err := parseUserInfo(name, body)
	if err != nil {
		return nil, err
	}
	identity.Provider = name
	return identity, nil
}

// parseUserInfo понимает форматы GitHub (числовой id) и OIDC (sub)
func parseUserInfo(name string, body []byte) (*ProviderIdentity, error) {
	var raw struct {
		Sub       string      `json:"sub"`
		ID        json.Number `json:"id"`
		Login     string      `json:"login"`
		Email     string      `json:"email"`
		Name      string      `json:"name"`
		Picture   string      `json:"picture"`
		AvatarURL string      `json:"avatar_url"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("parse user info from %s: %w", name, err)
	}

	subject := raw.Sub
	if subject == "" {
		subject = raw.ID.String()
	}
	if subject == "" {
		return nil, fmt.Errorf("user info from %s has no subject", name)
	}

	displayName := raw.Name
	if displayName == "" {
		displayName = raw.Login
	}
	avatar := raw.Picture
	if avatar == "" {
		avatar = raw.AvatarURL
	}
	return &ProviderIdentity{
		SubjectID: subject,
		Email:     strings.ToLower(strings.TrimSpace(raw.Email)),
		Name:      displayName,
		AvatarURL: avatar,
	}, nil
}

package auth

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// ErrNoCredential означает, что запрос не несет сессионного токена
var ErrNoCredential = errors.New("no session credential")

// CookieManager пишет и читает сессионную куку
type CookieManager struct {
	name   string
	secure bool
}

func NewCookieManager(name string, secure bool) *CookieManager {
	if name == "" {
		name = "linkbio_session"
	}
	return &CookieManager{name: name, secure: secure}
}

// Set устанавливает HttpOnly куку до expiresAt
func (m *CookieManager) Set(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
		MaxAge:   int(time.Until(expiresAt).Seconds()),
	})
}

// Clear удаляет сессионную куку
func (m *CookieManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     m.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// Read достает токен из куки, а при ее отсутствии из заголовка Authorization: Bearer
func (m *CookieManager) Read(r *http.Request) (string, error) {
	if cookie, err := r.Cookie(m.name); err == nil && cookie.Value != "" {
		return cookie.Value, nil
	}
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", ErrNoCredential
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || strings.TrimSpace(parts[1]) == "" {
		return "", ErrNoCredential
	}
	return strings.TrimSpace(parts[1]), nil
}

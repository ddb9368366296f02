package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/gatekeeper"
	"github.com/yourusername/linkbio-api/internal/handler/helper"
	"github.com/yourusername/linkbio-api/internal/linkflow"
	"github.com/yourusername/linkbio-api/internal/middleware"
	"github.com/yourusername/linkbio-api/internal/service"
	"github.com/yourusername/linkbio-api/pkg/auth"
)

// Режимы рукопожатия, сохраняемые в куке состояния
const (
	modeSignIn = "signin"
	modeReauth = "reauth"
	modeLink   = "link"
)

const (
	oauthStateCookie = "linkbio_oauth_state"
	oauthStateMaxAge = 300 // 5 минут на возврат от провайдера
)

// Ключи значений в куке состояния
const (
	stateKeyState        = "state"
	stateKeyMode         = "mode"
	stateKeyProvider     = "provider"
	stateKeyLinkProvider = "link_provider"
	stateKeyCallback     = "callback"
	stateKeyToken        = "token"
	stateKeyUserID       = "user_id"
)

// OAuthGateway выполняет рукопожатие с внешним провайдером
type OAuthGateway interface {
	Supports(name string) bool
	AuthCodeURL(name, state string) (string, error)
	Exchange(ctx context.Context, name, code string) (*service.ProviderIdentity, error)
}

// SignInAPI находит или создает пользователя по личности провайдера
type SignInAPI interface {
	SignIn(ctx context.Context, identity *service.ProviderIdentity) (uint, bool, error)
}

// LinkLegAPI шаги привязки, выполняемые на возврате от провайдера
type LinkLegAPI interface {
	SettingsPath() string
	CompleteReauth(ctx context.Context, userID uint, identity *service.ProviderIdentity, linkProvider string) (string, error)
	BeginHandshake(ctx context.Context, userID uint, provider, token string) error
	BindHandshake(ctx context.Context, userID uint, token string, identity *service.ProviderIdentity) error
}

// SessionIssuer выдает и снимает сессионную куку
type SessionIssuer interface {
	Issue(ctx context.Context, w http.ResponseWriter, userID uint, provider string) (*entity.Session, error)
	SignOut(w http.ResponseWriter)
}

// OAuthHandler обрабатывает вход через провайдеров и оба плеча привязки
type OAuthHandler struct {
	providers   OAuthGateway
	accounts    SignInAPI
	linking     LinkLegAPI
	sessions    SessionIssuer
	store       sessions.Store
	landingPath string
	loginPath   string
}

// NewStateStore создает хранилище подписанной и зашифрованной куки состояния.
// Ключи выводятся из секрета сессии, поэтому отдельной настройки не требуется.
func NewStateStore(secret string, secure bool) (*sessions.CookieStore, error) {
	hashKey, err := auth.DeriveKey(secret, auth.PurposeStateHash, 32)
	if err != nil {
		return nil, err
	}
	blockKey, err := auth.DeriveKey(secret, auth.PurposeStateEncrypt, 32)
	if err != nil {
		return nil, err
	}
	store := sessions.NewCookieStore(hashKey, blockKey)
	store.Options = &sessions.Options{
		Path:     "/auth",
		MaxAge:   oauthStateMaxAge,
		HttpOnly: true,
		Secure:   secure,
		// Lax: провайдер возвращает браузер top-level GET редиректом
		SameSite: http.SameSiteLaxMode,
	}
	store.MaxAge(oauthStateMaxAge)
	return store, nil
}

// NewOAuthHandler создает обработчик входа
func NewOAuthHandler(
	providers OAuthGateway,
	accounts SignInAPI,
	linking LinkLegAPI,
	sessionIssuer SessionIssuer,
	store sessions.Store,
	landingPath, loginPath string,
) *OAuthHandler {
	return &OAuthHandler{
		providers:   providers,
		accounts:    accounts,
		linking:     linking,
		sessions:    sessionIssuer,
		store:       store,
		landingPath: landingPath,
		loginPath:   loginPath,
	}
}

// SignIn начинает рукопожатие: mode=signin для обычного входа, mode=reauth для
// повторного входа перед привязкой linkProvider
func (h *OAuthHandler) SignIn(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))
	if !h.providers.Supports(provider) {
		h.redirectLoginError(c, service.ErrProviderNotSupported.Error())
		return
	}

	mode := c.DefaultQuery("mode", modeSignIn)
	values := map[string]interface{}{
		stateKeyMode:     mode,
		stateKeyProvider: provider,
	}

	switch mode {
	case modeSignIn:
		values[stateKeyCallback] = helper.SanitizeCallback(c.Query(gatekeeper.CallbackParam), h.landingPath)
	case modeReauth:
		session := middleware.SessionFrom(c)
		if session == nil {
			h.redirectLoginError(c, service.ErrLinkUnauthorized.Error())
			return
		}
		linkProvider := strings.ToLower(strings.TrimSpace(c.Query(linkflow.ParamLinkProvider)))
		callback := helper.SanitizeCallback(c.Query(gatekeeper.CallbackParam), h.linking.SettingsPath())
		if !h.providers.Supports(linkProvider) {
			h.redirectWithParams(c, callback, map[string]string{
				linkflow.ParamError:        service.ErrProviderNotSupported.Error(),
				linkflow.ParamLinkProvider: linkProvider,
			})
			return
		}
		values[stateKeyLinkProvider] = linkProvider
		values[stateKeyCallback] = callback
		values[stateKeyUserID] = session.UserID
	default:
		h.redirectLoginError(c, service.ErrInvalidRequest.Error())
		return
	}

	h.startHandshake(c, provider, values)
}

// LinkHandshake (REAUTH_DONE -> PROVIDER_HANDSHAKE_IN_PROGRESS) проверяет, что токен
// жив для (пользователь, провайдер), не погашая его, и уводит браузер к провайдеру
func (h *OAuthHandler) LinkHandshake(c *gin.Context) {
	settings := h.linking.SettingsPath()
	session := middleware.SessionFrom(c)
	if session == nil {
		h.redirectLoginError(c, service.ErrLinkUnauthorized.Error())
		return
	}

	provider := strings.ToLower(c.Param("provider"))
	token := strings.TrimSpace(c.Query(linkflow.ParamToken))
	if err := h.linking.BeginHandshake(c.Request.Context(), session.UserID, provider, token); err != nil {
		h.redirectWithParams(c, settings, map[string]string{
			linkflow.ParamError:        errorType(err),
			linkflow.ParamLinkProvider: provider,
		})
		return
	}

	h.startHandshake(c, provider, map[string]interface{}{
		stateKeyMode:         modeLink,
		stateKeyProvider:     provider,
		stateKeyLinkProvider: provider,
		stateKeyCallback:     settings,
		stateKeyToken:        token,
		stateKeyUserID:       session.UserID,
	})
}

// Callback завершает рукопожатие согласно режиму из куки состояния
func (h *OAuthHandler) Callback(c *gin.Context) {
	provider := strings.ToLower(c.Param("provider"))

	state, err := h.store.Get(c.Request, oauthStateCookie)
	if err != nil {
		log.Printf("[OAuthHandler] Не удалось прочитать куку состояния: %v", err)
	}
	if state == nil || state.IsNew {
		h.redirectLoginError(c, "oauth_state_invalid")
		return
	}
	values := state.Values
	// Кука одноразовая: удаляем до любых проверок
	state.Options.MaxAge = -1
	if err := state.Save(c.Request, c.Writer); err != nil {
		log.Printf("[OAuthHandler] Не удалось удалить куку состояния: %v", err)
	}

	mode, _ := values[stateKeyMode].(string)
	expectedState, _ := values[stateKeyState].(string)
	expectedProvider, _ := values[stateKeyProvider].(string)
	callback, _ := values[stateKeyCallback].(string)
	linkProvider, _ := values[stateKeyLinkProvider].(string)
	stateUserID, _ := values[stateKeyUserID].(uint)

	fail := func(reason string) {
		if mode == modeSignIn || callback == "" {
			h.redirectLoginError(c, reason)
			return
		}
		h.redirectWithParams(c, callback, map[string]string{
			linkflow.ParamError:        reason,
			linkflow.ParamLinkProvider: linkProvider,
		})
	}

	if expectedState == "" || c.Query("state") != expectedState || provider != expectedProvider {
		log.Printf("[OAuthHandler] Несовпадение state или провайдера на callback %s (mode=%s)", provider, mode)
		fail("oauth_state_invalid")
		return
	}
	if providerErr := c.Query("error"); providerErr != "" {
		log.Printf("[OAuthHandler] Провайдер %s вернул ошибку: %s", provider, providerErr)
		fail("oauth_denied")
		return
	}
	code := c.Query("code")
	if code == "" {
		fail(service.ErrInvalidRequest.Error())
		return
	}

	ctx := c.Request.Context()
	identity, err := h.providers.Exchange(ctx, provider, code)
	if err != nil {
		log.Printf("[OAuthHandler] Ошибка обмена кода у %s: %v", provider, err)
		fail("oauth_exchange_failed")
		return
	}

	switch mode {
	case modeSignIn:
		h.completeSignIn(c, identity, callback)
	case modeReauth, modeLink:
		session := middleware.SessionFrom(c)
		if session == nil || session.UserID != stateUserID {
			fail(service.ErrLinkUnauthorized.Error())
			return
		}
		if mode == modeReauth {
			h.completeReauth(c, session.UserID, identity, linkProvider, callback, fail)
		} else {
			token, _ := values[stateKeyToken].(string)
			h.completeLink(c, session.UserID, identity, token, callback, fail)
		}
	default:
		fail(service.ErrInvalidRequest.Error())
	}
}

// SignOut снимает сессионную куку
func (h *OAuthHandler) SignOut(c *gin.Context) {
	h.sessions.SignOut(c.Writer)
	c.Redirect(http.StatusFound, "/")
}

func (h *OAuthHandler) completeSignIn(c *gin.Context, identity *service.ProviderIdentity, callback string) {
	ctx := c.Request.Context()
	userID, created, err := h.accounts.SignIn(ctx, identity)
	if err != nil {
		log.Printf("[OAuthHandler] Ошибка входа через %s: %v", identity.Provider, err)
		h.redirectLoginError(c, service.ErrLinkInternal.Error())
		return
	}
	if _, err := h.sessions.Issue(ctx, c.Writer, userID, identity.Provider); err != nil {
		log.Printf("[OAuthHandler] Не удалось выдать сессию UserID=%d: %v", userID, err)
		h.redirectLoginError(c, service.ErrLinkInternal.Error())
		return
	}
	if created {
		log.Printf("[OAuthHandler] Новый пользователь UserID=%d через %s", userID, identity.Provider)
	}
	if callback == "" {
		callback = h.landingPath
	}
	c.Redirect(http.StatusFound, callback)
}

// completeReauth (REAUTH_IN_PROGRESS -> REAUTH_DONE)
func (h *OAuthHandler) completeReauth(c *gin.Context, userID uint, identity *service.ProviderIdentity, linkProvider, callback string, fail func(string)) {
	ctx := c.Request.Context()
	token, err := h.linking.CompleteReauth(ctx, userID, identity, linkProvider)
	if err != nil {
		fail(errorType(err))
		return
	}
	// Повторный вход освежает сессионную куку
	if _, err := h.sessions.Issue(ctx, c.Writer, userID, identity.Provider); err != nil {
		log.Printf("[OAuthHandler] Не удалось обновить сессию после re-auth UserID=%d: %v", userID, err)
	}
	h.redirectWithParams(c, callback, map[string]string{
		linkflow.ParamAction:       linkflow.ActionReauth,
		linkflow.ParamToken:        token,
		linkflow.ParamLinkProvider: linkProvider,
	})
}

// completeLink (PROVIDER_HANDSHAKE_IN_PROGRESS -> PROVIDER_HANDSHAKE_DONE)
func (h *OAuthHandler) completeLink(c *gin.Context, userID uint, identity *service.ProviderIdentity, token, callback string, fail func(string)) {
	if err := h.linking.BindHandshake(c.Request.Context(), userID, token, identity); err != nil {
		fail(errorType(err))
		return
	}
	h.redirectWithParams(c, callback, map[string]string{
		linkflow.ParamAction:       linkflow.ActionComplete,
		linkflow.ParamToken:        token,
		linkflow.ParamLinkProvider: identity.Provider,
	})
}

func (h *OAuthHandler) startHandshake(c *gin.Context, provider string, values map[string]interface{}) {
	stateValue := uuid.NewString()
	authURL, err := h.providers.AuthCodeURL(provider, stateValue)
	if err != nil {
		h.redirectLoginError(c, errorType(err))
		return
	}

	state, err := h.store.New(c.Request, oauthStateCookie)
	if err != nil && state == nil {
		log.Printf("[OAuthHandler] Не удалось создать куку состояния: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "error_type": service.ErrLinkInternal.Error()})
		return
	}
	for k, v := range values {
		state.Values[k] = v
	}
	state.Values[stateKeyState] = stateValue
	if err := state.Save(c.Request, c.Writer); err != nil {
		log.Printf("[OAuthHandler] Не удалось сохранить куку состояния: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error", "error_type": service.ErrLinkInternal.Error()})
		return
	}
	c.Redirect(http.StatusFound, authURL)
}

func (h *OAuthHandler) redirectLoginError(c *gin.Context, reason string) {
	target := h.loginPath + "?" + url.Values{linkflow.ParamError: {reason}}.Encode()
	c.Redirect(http.StatusFound, target)
}

func (h *OAuthHandler) redirectWithParams(c *gin.Context, target string, params map[string]string) {
	dest, err := linkflow.WithParams(target, params)
	if err != nil {
		dest = h.landingPath
	}
	c.Redirect(http.StatusFound, dest)
}

// errorType извлекает error_type из ошибки сервиса привязки
func errorType(err error) string {
	known := []error{
		service.ErrInvalidRequest,
		service.ErrLinkUnauthorized,
		service.ErrLinkTokenInvalid,
		service.ErrIdentityLinkedElsewhere,
		service.ErrAlreadyLinked,
		service.ErrProviderNotSupported,
		service.ErrAccountNotLinked,
	}
	for _, k := range known {
		if errors.Is(err, k) {
			return k.Error()
		}
	}
	return service.ErrLinkInternal.Error()
}

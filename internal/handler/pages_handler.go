package handler

import (
	"net/http"
	"net/url"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linkbio-api/internal/gatekeeper"
	"github.com/yourusername/linkbio-api/internal/handler/dto"
	"github.com/yourusername/linkbio-api/internal/handler/helper"
	"github.com/yourusername/linkbio-api/internal/middleware"
)

// PagePaths - адреса страниц, на которые ведут редиректы gatekeeper
type PagePaths struct {
	Landing       string
	SignOut       string
	Settings      string
	OnboardingAPI string
}

// PagesHandler отдает JSON-описания страниц входа, онбординга, бана и стартовой страницы.
// Gatekeeper уже применил правила доступа к этим путям.
type PagesHandler struct {
	providers ProviderLister
	paths     PagePaths
}

// NewPagesHandler создает обработчик страниц
func NewPagesHandler(providers ProviderLister, paths PagePaths) *PagesHandler {
	return &PagesHandler{providers: providers, paths: paths}
}

// Login перечисляет провайдеров; callbackUrl переносится в адрес входа
func (h *PagesHandler) Login(c *gin.Context) {
	callback := helper.SanitizeCallback(c.Query(gatekeeper.CallbackParam), h.paths.Landing)
	resp := dto.LoginPageResponse{
		CallbackURL: callback,
		Error:       c.Query("error"),
		Providers:   []dto.SignInOption{},
	}
	if h.providers != nil {
		for _, name := range h.providers.Names() {
			resp.Providers = append(resp.Providers, dto.SignInOption{
				Provider: name,
				SignInURL: "/auth/signin/" + url.PathEscape(name) + "?" +
					url.Values{gatekeeper.CallbackParam: {callback}}.Encode(),
			})
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Onboarding сообщает, нужно ли еще выбрать handle
func (h *PagesHandler) Onboarding(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}
	resp := dto.OnboardingPageResponse{
		HandleRequired: !session.HasHandle,
		SubmitURL:      h.paths.OnboardingAPI,
	}
	if session.HasHandle {
		resp.RedirectURL = h.paths.Landing
	}
	c.JSON(http.StatusOK, resp)
}

// Banned отдает уведомление о блокировке. Не забаненных отправляет на стартовую страницу.
func (h *PagesHandler) Banned(c *gin.Context) {
	session := middleware.SessionFrom(c)
	if session == nil || !session.Banned {
		c.Redirect(http.StatusFound, h.paths.Landing)
		return
	}
	c.JSON(http.StatusForbidden, dto.BannedPageResponse{
		Error:     "Your account is suspended",
		ErrorType: "banned",
		SignOut:   h.paths.SignOut,
	})
}

// Landing - стартовая страница после входа
func (h *PagesHandler) Landing(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, dto.LandingPageResponse{
		UserID:      session.UserID,
		Provider:    session.Provider,
		Role:        session.Role,
		SettingsURL: h.paths.Settings,
	})
}

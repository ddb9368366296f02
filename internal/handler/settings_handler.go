package handler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linkbio-api/internal/handler/dto"
	"github.com/yourusername/linkbio-api/internal/linkflow"
	"github.com/yourusername/linkbio-api/internal/service"
)

// ProviderLister перечисляет настроенных провайдеров
type ProviderLister interface {
	Names() []string
}

// SettingsHandler ведет страницу /settings/accounts по шагам linkflow
type SettingsHandler struct {
	linking    LinkingAPI
	providers  ProviderLister
	quiescence time.Duration
}

// NewSettingsHandler создает обработчик страницы настроек
func NewSettingsHandler(linking LinkingAPI, providers ProviderLister, quiescence time.Duration) *SettingsHandler {
	return &SettingsHandler{linking: linking, providers: providers, quiescence: quiescence}
}

// AccountsPage возвращает следующий шаг привязки для текущего URL.
// clean_url всегда без параметров привязки: браузер заменяет им адрес сразу,
// чтобы перезагрузка или "назад" не запускали шаг повторно.
func (h *SettingsHandler) AccountsPage(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	params := linkflow.ParseParams(c.Request.URL.Query())
	step := linkflow.Next(params, h.quiescence)
	resp := dto.SettingsFlowResponse{
		Step:     string(step.Kind),
		Provider: step.Provider,
		Message:  step.Message,
		CleanURL: cleanRequestURL(c.Request.URL),
	}

	switch step.Kind {
	case linkflow.StepStartHandshake:
		resp.HandshakeURL = "/auth/link/" + url.PathEscape(step.Provider) + "?" +
			url.Values{linkflow.ParamToken: {step.Token}}.Encode()
		resp.DelayMs = step.Delay.Milliseconds()
	case linkflow.StepComplete:
		result := linkflow.Complete(ctx, &sessionLinkAPI{
			linking:  h.linking,
			userID:   session.UserID,
			provider: step.Provider,
		}, step.Token, step.Provider)
		resp.Outcome = string(result.Outcome)
		resp.Message = result.Message
	case linkflow.StepFail:
		resp.Outcome = string(linkflow.OutcomeFailed)
		if params.Error == service.ErrIdentityLinkedElsewhere.Error() {
			resp.Message = linkflow.MsgIdentityTaken
		}
	}

	accounts, err := h.linking.ListLinked(ctx, session.UserID)
	if err != nil {
		handleLinkError(c, err)
		return
	}
	resp.Accounts = dto.NewLinkedAccounts(accounts)
	if h.providers != nil {
		resp.Available = h.providers.Names()
	}

	c.JSON(http.StatusOK, resp)
}

func cleanRequestURL(u *url.URL) string {
	clean := linkflow.Strip(u)
	return clean.RequestURI()
}

// sessionLinkAPI связывает linkflow.LinkAPI с пользователем сессии
type sessionLinkAPI struct {
	linking  LinkingAPI
	userID   uint
	provider string
}

func (a *sessionLinkAPI) ProcessLink(ctx context.Context, token string) error {
	_, err := a.linking.ProcessLink(ctx, a.userID, token, a.provider)
	if errors.Is(err, service.ErrIdentityLinkedElsewhere) {
		return fmt.Errorf("%w: %v", linkflow.ErrIdentityTaken, err)
	}
	if err != nil {
		log.Printf("[SettingsHandler] Привязка %s для UserID=%d не завершена: %v", a.provider, a.userID, err)
	}
	return err
}

func (a *sessionLinkAPI) LinkedProviders(ctx context.Context) ([]string, error) {
	return a.linking.LinkedProviders(ctx, a.userID)
}

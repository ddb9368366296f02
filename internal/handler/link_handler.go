package handler

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
	"github.com/yourusername/linkbio-api/internal/handler/dto"
	"github.com/yourusername/linkbio-api/internal/middleware"
	apperrors "github.com/yourusername/linkbio-api/internal/pkg/errors"
	"github.com/yourusername/linkbio-api/internal/service"
)

// LinkingAPI операции привязки, доступные обработчикам
type LinkingAPI interface {
	StartLink(ctx context.Context, session *entity.Session, provider string) (string, error)
	ProcessLink(ctx context.Context, userID uint, token, provider string) (*entity.Account, error)
	Unlink(ctx context.Context, userID uint, provider string) error
	ListLinked(ctx context.Context, userID uint) ([]entity.Account, error)
	LinkedProviders(ctx context.Context, userID uint) ([]string, error)
}

// LinkHandler обрабатывает API привязки аккаунтов
type LinkHandler struct {
	linking LinkingAPI
}

// NewLinkHandler создает новый обработчик привязок
func NewLinkHandler(linking LinkingAPI) *LinkHandler {
	return &LinkHandler{linking: linking}
}

// GetLinkedAccounts возвращает привязки текущего пользователя
func (h *LinkHandler) GetLinkedAccounts(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	accounts, err := h.linking.ListLinked(c.Request.Context(), session.UserID)
	if err != nil {
		handleLinkError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.NewLinkedAccounts(accounts))
}

// StartLink начинает привязку нового провайдера: возвращает адрес повторного входа
func (h *LinkHandler) StartLink(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.StartLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": service.ErrInvalidRequest.Error()})
		return
	}

	redirectURL, err := h.linking.StartLink(c.Request.Context(), session, req.Provider)
	if err != nil {
		handleLinkError(c, err)
		return
	}
	c.JSON(http.StatusOK, dto.StartLinkResponse{RedirectURL: redirectURL})
}

// ProcessLink погашает токен и создает привязку
func (h *LinkHandler) ProcessLink(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.ProcessLinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": service.ErrInvalidRequest.Error()})
		return
	}

	ctx := c.Request.Context()
	if _, err := h.linking.ProcessLink(ctx, session.UserID, strings.TrimSpace(req.Token), req.Provider); err != nil {
		handleLinkError(c, err)
		return
	}

	accounts, err := h.linking.ListLinked(ctx, session.UserID)
	if err != nil {
		// Привязка уже создана, список вернем при следующем запросе
		log.Printf("[LinkHandler] Не удалось получить привязки после ProcessLink для UserID=%d: %v", session.UserID, err)
		accounts = nil
	}
	c.JSON(http.StatusOK, dto.LinkedAccountsResponse{
		Message:  "Account linked successfully.",
		Accounts: dto.NewLinkedAccounts(accounts),
	})
}

// UnlinkAccount отвязывает провайдера из query-параметра provider
func (h *LinkHandler) UnlinkAccount(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	provider := c.Query("provider")
	ctx := c.Request.Context()
	if err := h.linking.Unlink(ctx, session.UserID, provider); err != nil {
		handleLinkError(c, err)
		return
	}

	accounts, err := h.linking.ListLinked(ctx, session.UserID)
	if err != nil {
		log.Printf("[LinkHandler] Не удалось получить привязки после Unlink для UserID=%d: %v", session.UserID, err)
		accounts = nil
	}
	c.JSON(http.StatusOK, dto.LinkedAccountsResponse{
		Message:  "Account unlinked.",
		Accounts: dto.NewLinkedAccounts(accounts),
	})
}

// requireSession достает сессию из контекста или отвечает 401.
// Gatekeeper уже отсек анонимов на защищенных путях, это страховка для API вне префиксов.
func requireSession(c *gin.Context) (*entity.Session, bool) {
	session := middleware.SessionFrom(c)
	if session == nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized", "error_type": service.ErrLinkUnauthorized.Error()})
		return nil, false
	}
	return session, true
}

// handleLinkError преобразует ошибки сервисов в HTTP-ответ {error, error_type}.
// Ошибки токена не раскрывают причину: истек, уже погашен или не совпал по области.
func handleLinkError(c *gin.Context, err error) {
	var status int
	var message string
	var errorType string

	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, apperrors.ErrValidation):
		status, message, errorType = http.StatusBadRequest, "Invalid request", service.ErrInvalidRequest.Error()
	case errors.Is(err, service.ErrProviderNotSupported):
		status, message, errorType = http.StatusBadRequest, "Provider is not supported", service.ErrProviderNotSupported.Error()
	case errors.Is(err, service.ErrLinkTokenInvalid):
		status, message, errorType = http.StatusBadRequest, "Failed to complete account linking. Please start again.", service.ErrLinkTokenInvalid.Error()
	case errors.Is(err, service.ErrLastAccount):
		status, message, errorType = http.StatusBadRequest, "At least one sign-in method must remain linked.", service.ErrLastAccount.Error()
	case errors.Is(err, service.ErrLinkUnauthorized), errors.Is(err, apperrors.ErrUnauthorized):
		status, message, errorType = http.StatusUnauthorized, "Unauthorized", service.ErrLinkUnauthorized.Error()
	case errors.Is(err, apperrors.ErrForbidden):
		status, message, errorType = http.StatusForbidden, "Forbidden", "forbidden"
	case errors.Is(err, service.ErrAccountNotLinked):
		status, message, errorType = http.StatusNotFound, "This provider is not linked to your account", service.ErrAccountNotLinked.Error()
	case errors.Is(err, apperrors.ErrNotFound):
		status, message, errorType = http.StatusNotFound, "Not found", "not_found"
	case errors.Is(err, service.ErrIdentityLinkedElsewhere):
		status, message, errorType = http.StatusConflict, "This identity is already linked to a different user.", service.ErrIdentityLinkedElsewhere.Error()
	case errors.Is(err, service.ErrAlreadyLinked):
		status, message, errorType = http.StatusConflict, "This provider is already linked to your account.", service.ErrAlreadyLinked.Error()
	case errors.Is(err, service.ErrHandleTaken):
		status, message, errorType = http.StatusConflict, "This handle is already taken", service.ErrHandleTaken.Error()
	default:
		log.Printf("[LinkHandler] Внутренняя ошибка на %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		status, message, errorType = http.StatusInternalServerError, "Internal server error", service.ErrLinkInternal.Error()
	}

	c.JSON(status, gin.H{"error": message, "error_type": errorType})
}

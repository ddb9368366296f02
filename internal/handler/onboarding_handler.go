package handler

import (
	"context"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/linkbio-api/internal/handler/dto"
	"github.com/yourusername/linkbio-api/internal/service"
)

// HandleSetter назначает handle пользователю
type HandleSetter interface {
	SetHandle(ctx context.Context, userID uint, handle string) (string, error)
}

// OnboardingHandler обрабатывает выбор handle после первого входа
type OnboardingHandler struct {
	onboarding  HandleSetter
	sessions    SessionIssuer
	landingPath string
}

// NewOnboardingHandler создает обработчик онбординга
func NewOnboardingHandler(onboarding HandleSetter, sessionIssuer SessionIssuer, landingPath string) *OnboardingHandler {
	return &OnboardingHandler{onboarding: onboarding, sessions: sessionIssuer, landingPath: landingPath}
}

// SetHandle сохраняет handle и перевыпускает сессионную куку с has_handle=true
func (h *OnboardingHandler) SetHandle(c *gin.Context) {
	session, ok := requireSession(c)
	if !ok {
		return
	}

	var req dto.OnboardingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request data", "error_type": service.ErrInvalidRequest.Error()})
		return
	}

	ctx := c.Request.Context()
	handle, err := h.onboarding.SetHandle(ctx, session.UserID, req.Handle)
	if err != nil {
		handleLinkError(c, err)
		return
	}

	if _, err := h.sessions.Issue(ctx, c.Writer, session.UserID, session.Provider); err != nil {
		// Handle сохранен; в fresh-режиме Gatekeeper увидит его по снимку состояния
		log.Printf("[OnboardingHandler] Не удалось перевыпустить сессию UserID=%d: %v", session.UserID, err)
	}

	c.JSON(http.StatusOK, gin.H{"handle": handle, "redirect_url": h.landingPath})
}

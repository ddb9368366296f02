package dto

import (
	"time"

	"github.com/yourusername/linkbio-api/internal/domain/entity"
)

// LinkedAccountDTO представляет привязанного провайдера в ответе клиенту
type LinkedAccountDTO struct {
	Provider string    `json:"provider"`
	Email    string    `json:"email,omitempty"`
	LinkedAt time.Time `json:"linked_at"` // Момент привязки
}

// StartLinkRequest тело POST /api/link/start
type StartLinkRequest struct {
	Provider string `json:"provider" binding:"required"`
}

// StartLinkResponse содержит адрес, на который браузер уходит для повторного входа
type StartLinkResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// ProcessLinkRequest тело POST /api/process-link. Provider необязателен.
type ProcessLinkRequest struct {
	Token    string `json:"token" binding:"required"`
	Provider string `json:"provider"`
}

// LinkedAccountsResponse ответ после изменения набора привязок
type LinkedAccountsResponse struct {
	Message  string             `json:"message,omitempty"`
	Accounts []LinkedAccountDTO `json:"accounts"`
}

// OnboardingRequest тело POST /api/onboarding
type OnboardingRequest struct {
	Handle string `json:"handle" binding:"required"`
}

// SetBanRequest тело PUT /api/admin/users/:id/ban
type SetBanRequest struct {
	Banned *bool `json:"banned" binding:"required"`
}

// SetRoleRequest тело PUT /api/admin/users/:id/role
type SetRoleRequest struct {
	Role string `json:"role" binding:"required"`
}

// SettingsFlowResponse описывает следующий шаг страницы /settings/accounts
type SettingsFlowResponse struct {
	Step         string             `json:"step"`
	Provider     string             `json:"provider,omitempty"`
	HandshakeURL string             `json:"handshake_url,omitempty"`
	DelayMs      int64              `json:"delay_ms,omitempty"`
	Outcome      string             `json:"outcome,omitempty"`
	Message      string             `json:"message,omitempty"`
	CleanURL     string             `json:"clean_url"`
	Accounts     []LinkedAccountDTO `json:"accounts"`
	Available    []string           `json:"available_providers,omitempty"`
}

// NewLinkedAccounts преобразует привязки в DTO. Пустой список сериализуется как [].
func NewLinkedAccounts(accounts []entity.Account) []LinkedAccountDTO {
	out := make([]LinkedAccountDTO, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, LinkedAccountDTO{
			Provider: a.Provider,
			Email:    a.Email,
			LinkedAt: a.CreatedAt,
		})
	}
	return out
}

// SignInOption - кнопка входа через провайдера
type SignInOption struct {
	Provider  string `json:"provider"`
	SignInURL string `json:"signin_url"`
}

// LoginPageResponse описывает страницу входа
type LoginPageResponse struct {
	CallbackURL string         `json:"callback_url"`
	Error       string         `json:"error,omitempty"`
	Providers   []SignInOption `json:"providers"`
}

// OnboardingPageResponse описывает шаг выбора handle
type OnboardingPageResponse struct {
	HandleRequired bool   `json:"handle_required"`
	SubmitURL      string `json:"submit_url"`
	RedirectURL    string `json:"redirect_url,omitempty"`
}

// BannedPageResponse - уведомление о блокировке
type BannedPageResponse struct {
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`
	SignOut   string `json:"signout_url"`
}

// LandingPageResponse - сводка сессии на стартовой странице
type LandingPageResponse struct {
	UserID      uint   `json:"user_id"`
	Provider    string `json:"provider"`
	Role        string `json:"role"`
	SettingsURL string `json:"settings_url"`
}

package service

import "errors"

// Ошибки привязки аккаунтов. Текст ошибки совпадает с error_type в ответе API.
var (
	ErrInvalidRequest          = errors.New("invalid_request")
	ErrLinkUnauthorized        = errors.New("unauthorized")
	ErrLinkTokenInvalid        = errors.New("link_token_invalid")
	ErrIdentityLinkedElsewhere = errors.New("identity_linked_elsewhere")
	ErrLastAccount             = errors.New("last_account")
	ErrAccountNotLinked        = errors.New("account_not_linked")
	ErrProviderNotSupported    = errors.New("provider_not_supported")
	ErrAlreadyLinked           = errors.New("already_linked")
	ErrHandleTaken             = errors.New("handle_taken")
	ErrLinkInternal            = errors.New("internal_error")
)

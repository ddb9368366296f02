package repository

import "errors"

// Ошибки хранилища привязок, которые сервисы маппят в таксономию API.
var (
	ErrIdentityBoundElsewhere = errors.New("identity is bound to another user")
	ErrIdentityAlreadyLinked  = errors.New("identity is already linked to this user")
	ErrProviderAlreadyLinked  = errors.New("user already has an account for this provider")
	ErrLastAccount            = errors.New("cannot remove the last account of a user")
)

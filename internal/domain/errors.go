// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates that caller-supplied input failed validation.
var ErrValidation = errors.New("validation failed")

// Pipeline-level failure kinds. These terminate processing of a single inbound
// event; tool-level failures are never expressed with these.
var (
	// ErrUnknownTenant indicates the routing key does not resolve to a tenant.
	ErrUnknownTenant = errors.New("unknown tenant")

	// ErrBotDisabled indicates the bot for the routing key is inactive.
	ErrBotDisabled = errors.New("bot disabled")

	// ErrQuotaBlocked indicates the tenant is over its billing quota.
	ErrQuotaBlocked = errors.New("quota blocked")

	// ErrProvider indicates the language-model provider failed unrecoverably.
	ErrProvider = errors.New("provider error")

	// ErrDeliveryFailed indicates the answer could not be delivered to the end user.
	ErrDeliveryFailed = errors.New("delivery failed")
)

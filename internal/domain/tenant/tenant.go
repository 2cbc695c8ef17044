// Package tenant defines the tenant (organization) domain model: the billing
// and isolation boundary that owns one or more bots.
package tenant

import "time"

// Default replies used when a tenant has not configured its own.
const (
	DefaultFallbackMessage = "Sorry, I could not find an answer right now. A team member will follow up."
	DefaultErrorMessage    = "Sorry, something went wrong on our side. Please try again in a moment."
)

// Tenant represents an isolated tenant in the system.
type Tenant struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	Active              bool      `json:"active"`
	MonthlyMessageLimit int64     `json:"monthly_message_limit"` // 0 = unlimited
	MonthlyTokenLimit   int64     `json:"monthly_token_limit"`   // 0 = unlimited
	FallbackMessage     string    `json:"fallback_message,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	QuotaMessage        string    `json:"quota_message,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// Fallback returns the reply used when the reasoning loop hits its iteration cap.
func (t *Tenant) Fallback() string {
	if t.FallbackMessage != "" {
		return t.FallbackMessage
	}
	return DefaultFallbackMessage
}

// ErrorFallback returns the reply used when the provider fails unrecoverably.
func (t *Tenant) ErrorFallback() string {
	if t.ErrorMessage != "" {
		return t.ErrorMessage
	}
	return DefaultErrorMessage
}

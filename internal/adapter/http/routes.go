package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Strob0t/ReplyForge/internal/config"
	"github.com/Strob0t/ReplyForge/internal/middleware"
)

// RouteOptions carries the optional surfaces mounted next to the API.
type RouteOptions struct {
	Webhook     config.Webhook
	Credentials func() (token, secret string)   // overrides Webhook when set
	Idempotency func(http.Handler) http.Handler // nil disables idempotency keys
	WS          http.HandlerFunc                // nil disables the live feed
	MCP         http.Handler                    // nil disables MCP
}

// MountRoutes registers all routes on the given chi router.
func MountRoutes(r chi.Router, h *Handlers, opts RouteOptions) {
	r.Get("/health", h.Health)

	if opts.WS != nil {
		r.Get("/ws", opts.WS)
	}
	if opts.MCP != nil {
		r.Handle("/mcp", opts.MCP)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": h.Version})
		})

		// Intake (token or HMAC guarded)
		intakeAuth := middleware.IntakeAuth(opts.Webhook.IntakeToken, opts.Webhook.IntakeSecret)
		if opts.Credentials != nil {
			intakeAuth = middleware.IntakeAuthFunc(opts.Credentials)
		}
		r.With(intakeAuth).Post("/inbound", h.SubmitInbound)

		// Events
		r.Get("/events/{externalId}", h.GetEvent)

		// Tenants
		r.Get("/tenants/{id}/usage", h.GetUsage)
		r.Get("/tenants/{id}/alerts", h.ListAlerts)

		// Operator actions
		r.Route("/admin", func(r chi.Router) {
			if opts.Idempotency != nil {
				r.Use(opts.Idempotency)
			}
			r.Post("/quota/reset", h.ResetQuotas)
		})
	})
}

package http

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/inbound"
	"github.com/Strob0t/ReplyForge/internal/domain/toolexec"
	"github.com/Strob0t/ReplyForge/internal/domain/usage"
	"github.com/Strob0t/ReplyForge/internal/service"
)

const (
	maxInboundBodySize = 256 << 10 // 256 KB
	defaultAlertLimit  = 50
	maxAlertLimit      = 200
	healthCheckTimeout = 2 * time.Second
)

// HealthCheck probes one dependency; a nil error means healthy.
type HealthCheck func(ctx context.Context) error

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	Intake    *service.IntakeService
	Admission *service.AdmissionService
	Quota     *service.QuotaService
	Alerts    *service.AlertService
	Checks    map[string]HealthCheck
	Version   string
}

// SubmitInbound handles POST /api/v1/inbound. The message is queued for the
// pipeline and acknowledged without waiting for an answer.
func (h *Handlers) SubmitInbound(w http.ResponseWriter, r *http.Request) {
	msg, ok := readJSON[inbound.Message](w, r, maxInboundBodySize)
	if !ok {
		return
	}
	receipt, err := h.Intake.Submit(r.Context(), &msg)
	if err != nil {
		writeDomainError(w, err, "inbound message rejected")
		return
	}
	writeJSON(w, http.StatusAccepted, receipt)
}

// eventDetail is an inbound event with the tool calls made while answering it.
type eventDetail struct {
	*inbound.Event
	ToolExecutions []toolexec.Execution `json:"tool_executions"`
}

// GetEvent handles GET /api/v1/events/{externalId}
func (h *Handlers) GetEvent(w http.ResponseWriter, r *http.Request) {
	ev, err := h.Admission.Lookup(r.Context(), urlParam(r, "externalId"))
	if err != nil {
		writeDomainError(w, err, "event not found")
		return
	}
	execs, err := h.Admission.ToolExecutions(r.Context(), ev.ID)
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if execs == nil {
		execs = []toolexec.Execution{}
	}
	writeJSON(w, http.StatusOK, eventDetail{Event: ev, ToolExecutions: execs})
}

// GetUsage handles GET /api/v1/tenants/{id}/usage
func (h *Handlers) GetUsage(w http.ResponseWriter, r *http.Request) {
	handleGet(h.Quota.Usage, "tenant not found")(w, r)
}

// ListAlerts handles GET /api/v1/tenants/{id}/alerts?limit=N
func (h *Handlers) ListAlerts(w http.ResponseWriter, r *http.Request) {
	handleListByParam(h.Alerts.List, defaultAlertLimit, maxAlertLimit, "tenant not found")(w, r)
}

type quotaResetResponse struct {
	Resets []usage.Reset `json:"resets"`
}

// ResetQuotas handles POST /api/v1/admin/quota/reset. It rolls every elapsed
// billing window, the same job the scheduler runs.
func (h *Handlers) ResetQuotas(w http.ResponseWriter, r *http.Request) {
	resets, err := h.Quota.ResetElapsedWindows(r.Context())
	if err != nil {
		writeInternalError(w, err)
		return
	}
	if resets == nil {
		resets = []usage.Reset{}
	}
	writeJSON(w, http.StatusOK, quotaResetResponse{Resets: resets})
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

// Health handles GET /health. Every check runs with a short deadline and any
// failure reports 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	names := make([]string, 0, len(h.Checks))
	for name := range h.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := healthResponse{Status: "ok", Version: h.Version, Checks: make(map[string]string, len(names))}
	for _, name := range names {
		if err := h.Checks[name](ctx); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

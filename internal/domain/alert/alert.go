// Package alert defines append-only operational alerts.
package alert

import "time"

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityInfo:     0,
	SeverityWarning:  1,
	SeverityError:    2,
	SeverityCritical: 3,
}

// ParseSeverity returns the severity named s, or ok=false for an unknown name.
func ParseSeverity(s string) (sev Severity, ok bool) {
	sev = Severity(s)
	_, ok = severityRank[sev]
	return sev, ok
}

// AtLeast reports whether s is as severe as min. Unknown severities rank as info.
func (s Severity) AtLeast(minimum Severity) bool {
	return severityRank[s] >= severityRank[minimum]
}

// Alert types raised by the pipeline.
const (
	TypeQuotaWarning    = "quota.warning"
	TypeQuotaExceeded   = "quota.exceeded"
	TypeQuotaReset      = "quota.reset"
	TypeProviderFailure = "provider.failure"
	TypeDeliveryFailure = "delivery.failure"
	TypePipelineFailure = "pipeline.failure"
)

// Alert is an append-only operational record.
type Alert struct {
	ID        string         `json:"id"`
	TenantID  string         `json:"tenant_id"`
	Severity  Severity       `json:"severity"`
	Type      string         `json:"type"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

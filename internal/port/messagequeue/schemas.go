package messagequeue

import "encoding/json"

// InboundReceivedPayload is the schema for inbound.received messages. It is
// the intake DTO plus the time the transport edge accepted it.
type InboundReceivedPayload struct {
	RoutingKey        string `json:"routing_key"`
	SenderID          string `json:"sender_id"`
	SenderDisplayName string `json:"sender_display_name,omitempty"`
	MessageBody       string `json:"message_body"`
	ExternalMessageID string `json:"external_message_id"`
	AcceptedAt        string `json:"accepted_at"`
	RequestID         string `json:"request_id,omitempty"`
}

// ScriptRunPayload is the schema for scripts.run.{id} requests.
type ScriptRunPayload struct {
	ScriptID  string `json:"script_id"`
	Arguments any    `json:"arguments"`
}

// ScriptResultPayload is the schema for scripts.run.{id} replies.
type ScriptResultPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// PipelineCompletedPayload is published after an event reached a terminal status.
type PipelineCompletedPayload struct {
	EventID    string `json:"event_id"`
	ExternalID string `json:"external_id"`
	TenantID   string `json:"tenant_id,omitempty"`
	Status     string `json:"status"`
	Outcome    string `json:"outcome"`
}

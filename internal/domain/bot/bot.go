// Package bot defines the tenant-scoped conversational agent configuration.
package bot

import (
	"github.com/Strob0t/ReplyForge/internal/domain/tool"
)

// DisabledReason explains why a bot is inactive.
type DisabledReason string

const (
	DisabledNone     DisabledReason = ""
	DisabledQuota    DisabledReason = "quota"
	DisabledOperator DisabledReason = "operator"
)

// Bot is read-only to the pipeline; the admin surface owns its lifecycle.
type Bot struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RoutingKey     string         `json:"routing_key"`
	Name           string         `json:"name"`
	SystemPrompt   string         `json:"system_prompt"`
	Persona        string         `json:"persona,omitempty"`
	Provider       string         `json:"provider"`
	Model          string         `json:"model"`
	Temperature    float64        `json:"temperature"`
	MaxTokens      int            `json:"max_tokens"`
	Channel        string         `json:"channel"`
	Tools          []tool.Binding `json:"tools,omitempty"`
	Active         bool           `json:"active"`
	DisabledReason DisabledReason `json:"disabled_reason,omitempty"`
}

// Tool returns the enabled binding with the given name.
func (b *Bot) Tool(name string) (tool.Binding, bool) {
	for i := range b.Tools {
		if b.Tools[i].Name == name {
			return b.Tools[i], true
		}
	}
	return tool.Binding{}, false
}

// Instructions joins the system prompt and persona into one system message.
func (b *Bot) Instructions() string {
	if b.Persona == "" {
		return b.SystemPrompt
	}
	if b.SystemPrompt == "" {
		return b.Persona
	}
	return b.SystemPrompt + "\n\n" + b.Persona
}

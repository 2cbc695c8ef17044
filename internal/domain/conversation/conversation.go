// Package conversation defines persisted chat history messages.
package conversation

import (
	"time"

	"github.com/Strob0t/ReplyForge/internal/domain/tool"
)

// Role of a message in a transcript.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single message in a contact's history. Rows are only created
// after the reply was delivered.
type Message struct {
	ID         string      `json:"id"`
	ContactID  string      `json:"contact_id"`
	BotID      string      `json:"bot_id"`
	EventID    string      `json:"event_id,omitempty"`
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []tool.Call `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

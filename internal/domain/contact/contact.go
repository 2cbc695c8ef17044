// Package contact defines end-user identities scoped to a bot.
package contact

import "time"

// Mode decides whether the bot answers or a human operator has taken over.
type Mode string

const (
	ModeAutomated Mode = "automated"
	ModeHuman     Mode = "human"
)

// Contact is one end user talking to one bot.
type Contact struct {
	ID          string    `json:"id"`
	BotID       string    `json:"bot_id"`
	SenderID    string    `json:"sender_id"`
	DisplayName string    `json:"display_name,omitempty"`
	Mode        Mode      `json:"mode"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HumanTakeover reports whether an operator is handling this contact.
func (c *Contact) HumanTakeover() bool { return c.Mode == ModeHuman }

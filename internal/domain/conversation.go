package domain

import "time"

// Role is the author of a transcript turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is a single transcript turn.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Transcript is an ordered list of turns, oldest first.
type Transcript []Message

// Window returns the last n turns in their original order.
// A non-positive n returns the whole transcript.
func (t Transcript) Window(n int) Transcript {
	if n <= 0 || len(t) <= n {
		return t
	}
	return t[len(t)-n:]
}

// Conversation is the persisted transcript for an identity inside a vault.
type Conversation struct {
	Identity  string     `json:"identity"`
	VaultID   string     `json:"vault_id"`
	Messages  Transcript `json:"messages"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Package agent implements the conversational guardian that chat
// messages are relayed to.
package agent

import (
	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// ChatRequest is one turn handed to the agent.
type ChatRequest struct {
	Identity string
	VaultID  string
	Vault    *domain.Vault
	// Messages is the active window, oldest first. The last entry is the
	// user's new message.
	Messages domain.Transcript
}

// LastUserMessage returns the content of the newest user turn.
func (r ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == domain.RoleUser {
			return r.Messages[i].Content
		}
	}
	return ""
}

// ChatChunk is an incremental piece of the reply.
type ChatChunk struct {
	Content string `json:"content"`
}

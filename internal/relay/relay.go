// Package relay forwards the active transcript window to the agent and
// streams its reply back to the caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clusterprotocol/vault-guardian/internal/agent"
	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// DefaultWindow is the number of trailing turns sent to the agent.
const DefaultWindow = 4

// Agent streams a reply for a window.
type Agent interface {
	Chat(ctx context.Context, req agent.ChatRequest) iter.Seq2[*agent.ChatChunk, error]
}

// EmitFunc receives each chunk as soon as the agent produces it.
type EmitFunc func(chunk string) error

// Request identifies the conversation being continued.
type Request struct {
	Identity string
	VaultID  string
	Vault    *domain.Vault
	// Transcript is the full conversation including the new user turn.
	Transcript domain.Transcript
}

// Relay sends transcript windows to an agent.
type Relay struct {
	agent  Agent
	window int
}

// New creates a relay. A non-positive window uses DefaultWindow.
func New(a Agent, window int) *Relay {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Relay{agent: a, window: window}
}

// Window returns the configured window size.
func (r *Relay) Window() int { return r.window }

// Send forwards the window to the agent, emits every chunk, and returns the
// transcript with the accumulated reply appended as one assistant turn.
// Agent failures are reported as domain.ErrUpstreamUnavailable; errors from
// emit and context cancellation are returned as is.
func (r *Relay) Send(ctx context.Context, req Request, emit EmitFunc) (domain.Transcript, domain.Message, error) {
	chatReq := agent.ChatRequest{
		Identity: req.Identity,
		VaultID:  req.VaultID,
		Vault:    req.Vault,
		Messages: req.Transcript.Window(r.window),
	}

	var reply strings.Builder
	for chunk, err := range r.agent.Chat(ctx, chatReq) {
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
				return req.Transcript, domain.Message{}, ctxErr
			}
			return req.Transcript, domain.Message{}, fmt.Errorf("%w: %w", domain.ErrUpstreamUnavailable, err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		reply.WriteString(chunk.Content)
		if emit != nil {
			if err := emit(chunk.Content); err != nil {
				return req.Transcript, domain.Message{}, fmt.Errorf("emit chunk: %w", err)
			}
		}
	}

	if reply.Len() == 0 {
		return req.Transcript, domain.Message{}, fmt.Errorf("%w: empty reply", domain.ErrUpstreamUnavailable)
	}

	msg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   reply.String(),
		CreatedAt: time.Now().UTC(),
	}
	out := make(domain.Transcript, 0, len(req.Transcript)+1)
	out = append(out, req.Transcript...)
	out = append(out, msg)
	return out, msg, nil
}

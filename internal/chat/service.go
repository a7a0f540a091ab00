// Package chat charges a credit per message, relays it to the guardian
// and persists the conversation.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clusterprotocol/vault-guardian/internal/agent"
	"github.com/clusterprotocol/vault-guardian/internal/domain"
	"github.com/clusterprotocol/vault-guardian/internal/metrics"
	"github.com/clusterprotocol/vault-guardian/internal/relay"
)

// ConnectivityMessage is appended when the agent could not be reached.
const ConnectivityMessage = "I'm having trouble connecting right now. Please try again in a moment."

// MaxMessageLength bounds a single user message.
const MaxMessageLength = 4000

var (
	// ErrEmptyMessage is returned for a blank message. No credit is spent.
	ErrEmptyMessage = errors.New("message is required")
	// ErrMessageTooLong is returned for messages over MaxMessageLength. No credit is spent.
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

// Spender is the slice of the credit ledger chat needs.
type Spender interface {
	Spend(ctx context.Context, id string, amount int) (int, error)
}

// Conversations loads and stores transcripts and vaults.
type Conversations interface {
	GetVault(ctx context.Context, id string) (*domain.Vault, error)
	GetConversation(ctx context.Context, identity, vaultID string) (*domain.Conversation, error)
	PutConversation(ctx context.Context, conv *domain.Conversation) error
}

// Result is what a send produced.
type Result struct {
	Reply   domain.Message    `json:"reply"`
	Window  domain.Transcript `json:"window"`
	Balance int               `json:"balance"`
	// Degraded is set when Reply is the synthetic connectivity message.
	Degraded bool `json:"degraded"`
}

// Service orchestrates spend, relay and persistence.
type Service struct {
	ledger Spender
	relay  *relay.Relay
	convs  Conversations
	log    agent.ConversationLogger
	logger *slog.Logger
}

// NewService creates a chat service.
func NewService(ledger Spender, r *relay.Relay, convs Conversations, log agent.ConversationLogger, logger *slog.Logger) *Service {
	if log == nil {
		log = agent.NoopConversationLogger()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, relay: r, convs: convs, log: log, logger: logger}
}

// Window returns the number of turns the relay forwards.
func (s *Service) Window() int { return s.relay.Window() }

// Transcript returns the persisted conversation, or an empty one.
func (s *Service) Transcript(ctx context.Context, identity, vaultID string) (*domain.Conversation, error) {
	vaultID = domain.NormalizeVaultID(vaultID)
	conv, err := s.convs.GetConversation(ctx, identity, vaultID)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		conv = &domain.Conversation{Identity: domain.NormalizeIdentity(identity), VaultID: vaultID}
	}
	return conv, nil
}

func (s *Service) vault(ctx context.Context, vaultID string) (*domain.Vault, error) {
	v, err := s.convs.GetVault(ctx, vaultID)
	if err != nil {
		return nil, fmt.Errorf("load vault: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("vault %q: %w", vaultID, domain.ErrNotFound)
	}
	return v, nil
}

// Send spends one credit and relays content to the guardian, calling emit
// for every reply chunk.
//
// An insufficient balance returns domain.ErrInsufficientCredits before the
// agent is contacted and leaves the transcript untouched. When the agent
// fails the credit is not refunded: the synthetic ConnectivityMessage is
// persisted and returned in a Degraded result together with an error
// wrapping domain.ErrUpstreamUnavailable.
func (s *Service) Send(ctx context.Context, identity, vaultID, content string, emit relay.EmitFunc) (*Result, error) {
	identity = domain.NormalizeIdentity(identity)
	if identity == "" {
		return nil, domain.ErrUnauthenticated
	}
	vaultID = domain.NormalizeVaultID(vaultID)
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if len(content) > MaxMessageLength {
		return nil, ErrMessageTooLong
	}

	vault, err := s.vault(ctx, vaultID)
	if err != nil {
		return nil, err
	}

	balance, err := s.ledger.Spend(ctx, identity, 1)
	if err != nil {
		return nil, err
	}

	conv, err := s.Transcript(ctx, identity, vaultID)
	if err != nil {
		return nil, err
	}
	userMsg := domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleUser,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	transcript := append(conv.Messages, userMsg)
	s.logEvent(identity, vaultID, "inbound", "chat_user_message", content, map[string]any{"balance": balance})

	start := time.Now()
	out, reply, relayErr := s.relay.Send(ctx, relay.Request{
		Identity:   identity,
		VaultID:    vaultID,
		Vault:      vault,
		Transcript: transcript,
	}, emit)
	metrics.ObserveChatDuration(start)

	// The transcript is saved even if the client went away mid-stream.
	persistCtx := context.WithoutCancel(ctx)

	if relayErr != nil {
		if !errors.Is(relayErr, domain.ErrUpstreamUnavailable) {
			metrics.ChatReplies.WithLabelValues("aborted").Inc()
			conv.Messages = transcript
			if err := s.persist(persistCtx, conv); err != nil {
				s.logger.Warn("failed to persist aborted conversation", "identity", identity, "vault_id", vaultID, "error", err)
			}
			return nil, relayErr
		}

		metrics.ChatReplies.WithLabelValues("upstream_error").Inc()
		s.logger.Warn("agent unavailable, no refund issued", "identity", identity, "vault_id", vaultID, "error", relayErr)
		reply = domain.Message{
			ID:        uuid.NewString(),
			Role:      domain.RoleAssistant,
			Content:   ConnectivityMessage,
			CreatedAt: time.Now().UTC(),
		}
		conv.Messages = append(transcript, reply)
		if err := s.persist(persistCtx, conv); err != nil {
			return nil, err
		}
		s.logEvent(identity, vaultID, "outbound", "chat_connectivity_error", reply.Content, map[string]any{"error": relayErr.Error()})
		return &Result{
			Reply:    reply,
			Window:   conv.Messages.Window(s.relay.Window()),
			Balance:  balance,
			Degraded: true,
		}, relayErr
	}

	metrics.ChatReplies.WithLabelValues("ok").Inc()
	conv.Messages = out
	if err := s.persist(persistCtx, conv); err != nil {
		return nil, err
	}
	s.logEvent(identity, vaultID, "outbound", "chat_assistant_message", reply.Content, nil)

	return &Result{
		Reply:   reply,
		Window:  out.Window(s.relay.Window()),
		Balance: balance,
	}, nil
}

// AppendAssistant adds a system-authored assistant turn, used for purchase receipts.
func (s *Service) AppendAssistant(ctx context.Context, identity, vaultID, content string) (*domain.Conversation, error) {
	conv, err := s.Transcript(ctx, identity, vaultID)
	if err != nil {
		return nil, err
	}
	conv.Messages = append(conv.Messages, domain.Message{
		ID:        uuid.NewString(),
		Role:      domain.RoleAssistant,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	if err := s.persist(ctx, conv); err != nil {
		return nil, err
	}
	s.logEvent(conv.Identity, conv.VaultID, "outbound", "chat_system_notice", content, nil)
	return conv, nil
}

func (s *Service) persist(ctx context.Context, conv *domain.Conversation) error {
	if err := s.convs.PutConversation(ctx, conv); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *Service) logEvent(identity, vaultID, direction, eventType, content string, meta map[string]any) {
	s.log.Log(agent.ConversationLogEvent{
		UserID:     identity,
		SessionID:  vaultID,
		Channel:    "chat",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: content,
		Meta:       meta,
	})
}

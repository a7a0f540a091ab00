// Package community hands out the Telegram group link for the community task.
package community

import (
	"context"
	"log/slog"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

// InviteLinker exports a chat's primary invite link. *tgbotapi.BotAPI satisfies it.
type InviteLinker interface {
	GetInviteLink(config tgbotapi.ChatInviteLinkConfig) (string, error)
}

// Marker records that the user was sent to the group.
type Marker interface {
	MarkCommunityJoined(ctx context.Context, id string) (*domain.TaskState, error)
}

// Service resolves the invite link and marks the task. Joining is never
// verified against Telegram.
type Service struct {
	bot      InviteLinker
	chatID   int64
	fallback string
	ttl      time.Duration
	tasks    Marker
	logger   *slog.Logger

	mu        sync.Mutex
	cached    string
	fetchedAt time.Time
}

// NewService creates a service. A nil bot always uses fallback.
func NewService(bot InviteLinker, chatID int64, fallback string, tasks Marker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		bot:      bot,
		chatID:   chatID,
		fallback: fallback,
		ttl:      time.Hour,
		tasks:    tasks,
		logger:   logger,
	}
}

// InviteLink returns the current group link.
func (s *Service) InviteLink() string {
	if s.bot == nil || s.chatID == 0 {
		return s.fallback
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" && time.Since(s.fetchedAt) < s.ttl {
		return s.cached
	}

	link, err := s.bot.GetInviteLink(tgbotapi.ChatInviteLinkConfig{
		ChatConfig: tgbotapi.ChatConfig{ChatID: s.chatID},
	})
	if err != nil || link == "" {
		s.logger.Warn("telegram invite link lookup failed, using static link", "chat_id", s.chatID, "error", err)
		if s.cached != "" {
			return s.cached
		}
		return s.fallback
	}

	s.cached = link
	s.fetchedAt = time.Now()
	return link
}

// Join marks the community task for id and returns the link to open.
func (s *Service) Join(ctx context.Context, id string) (string, *domain.TaskState, error) {
	link := s.InviteLink()
	st, err := s.tasks.MarkCommunityJoined(ctx, id)
	if err != nil {
		return "", nil, err
	}
	return link, st, nil
}

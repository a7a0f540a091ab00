package community

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

type mockBot struct {
	link  string
	err   error
	calls int
	chat  int64
}

func (m *mockBot) GetInviteLink(c tgbotapi.ChatInviteLinkConfig) (string, error) {
	m.calls++
	m.chat = c.ChatID
	return m.link, m.err
}

type fakeMarker struct{ ids []string }

func (f *fakeMarker) MarkCommunityJoined(_ context.Context, id string) (*domain.TaskState, error) {
	f.ids = append(f.ids, id)
	return &domain.TaskState{Identity: id, CommunityJoined: true}, nil
}

func TestInviteLinkIsCached(t *testing.T) {
	bot := &mockBot{link: "https://t.me/+abc"}
	s := NewService(bot, -100123, "https://t.me/static", &fakeMarker{}, nil)

	assert.Equal(t, "https://t.me/+abc", s.InviteLink())
	assert.Equal(t, "https://t.me/+abc", s.InviteLink())
	assert.Equal(t, 1, bot.calls)
	assert.Equal(t, int64(-100123), bot.chat)
}

func TestInviteLinkFallsBack(t *testing.T) {
	s := NewService(&mockBot{err: errors.New("forbidden")}, -1, "https://t.me/static", &fakeMarker{}, nil)
	assert.Equal(t, "https://t.me/static", s.InviteLink())

	s = NewService(nil, 0, "https://t.me/static", &fakeMarker{}, nil)
	assert.Equal(t, "https://t.me/static", s.InviteLink())
}

func TestJoinAlwaysMarks(t *testing.T) {
	marker := &fakeMarker{}
	s := NewService(nil, 0, "https://t.me/static", marker, nil)

	link, st, err := s.Join(context.Background(), "anon_1")
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/static", link)
	assert.True(t, st.CommunityJoined)
	assert.Equal(t, []string{"anon_1"}, marker.ids)
}

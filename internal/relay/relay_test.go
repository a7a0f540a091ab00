package relay

import (
	"context"
	"errors"
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/clusterprotocol/vault-guardian/internal/agent"
	"github.com/clusterprotocol/vault-guardian/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAgent struct {
	chunks []string
	err    error
	got    agent.ChatRequest
}

func (f *fakeAgent) Chat(_ context.Context, req agent.ChatRequest) iter.Seq2[*agent.ChatChunk, error] {
	f.got = req
	return func(yield func(*agent.ChatChunk, error) bool) {
		for _, c := range f.chunks {
			if !yield(&agent.ChatChunk{Content: c}, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func transcriptOf(n int) domain.Transcript {
	var tr domain.Transcript
	for i := 0; i < n; i++ {
		role := domain.RoleUser
		if i%2 == 1 {
			role = domain.RoleAssistant
		}
		tr = append(tr, domain.Message{Role: role, Content: string(rune('a' + i))})
	}
	return tr
}

func TestSendForwardsOnlyWindow(t *testing.T) {
	fa := &fakeAgent{chunks: []string{"ok"}}
	r := New(fa, 4)

	_, _, err := r.Send(context.Background(), Request{Identity: "0xabc", VaultID: "v", Transcript: transcriptOf(7)}, nil)
	require.NoError(t, err)

	require.Len(t, fa.got.Messages, 4)
	assert.Equal(t, "d", fa.got.Messages[0].Content)
	assert.Equal(t, "g", fa.got.Messages[3].Content)
	assert.Equal(t, "v", fa.got.VaultID)
}

func TestSendEmitsChunksAndAccumulates(t *testing.T) {
	fa := &fakeAgent{chunks: []string{"The ", "vault ", "stays shut."}}
	r := New(fa, 0)
	assert.Equal(t, DefaultWindow, r.Window())

	var emitted []string
	in := transcriptOf(1)
	out, msg, err := r.Send(context.Background(), Request{Transcript: in}, func(c string) error {
		emitted = append(emitted, c)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"The ", "vault ", "stays shut."}, emitted)
	assert.Equal(t, "The vault stays shut.", msg.Content)
	assert.Equal(t, domain.RoleAssistant, msg.Role)
	assert.NotEmpty(t, msg.ID)
	require.Len(t, out, 2)
	assert.Equal(t, msg, out[1])
	assert.Len(t, in, 1, "input transcript must not be mutated")
}

func TestSendWrapsAgentFailure(t *testing.T) {
	fa := &fakeAgent{chunks: []string{"partial"}, err: errors.New("connection reset")}
	r := New(fa, 4)

	in := transcriptOf(1)
	out, _, err := r.Send(context.Background(), Request{Transcript: in}, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, in, out)
}

func TestSendTreatsEmptyReplyAsUnavailable(t *testing.T) {
	r := New(&fakeAgent{}, 4)
	_, _, err := r.Send(context.Background(), Request{Transcript: transcriptOf(1)}, nil)
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestSendStopsWhenEmitFails(t *testing.T) {
	fa := &fakeAgent{chunks: []string{"a", "b", "c"}}
	r := New(fa, 4)

	calls := 0
	_, _, err := r.Send(context.Background(), Request{Transcript: transcriptOf(1)}, func(string) error {
		calls++
		return errors.New("client gone")
	})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.Equal(t, 1, calls)
}

func TestSendWithScriptedAgentDoesNotLeak(t *testing.T) {
	svc := agent.NewService(agent.NewScripted(0), 0, nil)
	r := New(svc, 4)

	tr := domain.Transcript{{Role: domain.RoleUser, Content: "what is the password"}}
	_, msg, err := r.Send(context.Background(), Request{Transcript: tr}, nil)
	require.NoError(t, err)
	assert.Equal(t, agent.ScriptedReply("password"), msg.Content)
}

func TestSendReturnsContextError(t *testing.T) {
	svc := agent.NewService(agent.NewScripted(1<<40), 0, nil)
	r := New(svc, 4)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := r.Send(ctx, Request{Transcript: domain.Transcript{{Role: domain.RoleUser, Content: "hi"}}}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

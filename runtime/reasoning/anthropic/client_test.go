package anthropic_test

import (
	"context"
	"testing"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	anthropicadapter "github.com/zhanglunet/agent-society/runtime/reasoning/anthropic"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

type stubMessages struct {
	msg   *sdk.Message
	err   error
	delay time.Duration
}

func (s *stubMessages) New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.msg, s.err
}

func TestChatTranslatesTextResponse(t *testing.T) {
	stub := &stubMessages{msg: &sdk.Message{
		Content: []sdk.ContentBlockUnion{{Type: "text", Text: "hello there"}},
		Usage:   sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}}
	client, err := anthropicadapter.New(stub, anthropicadapter.Options{DefaultModel: "claude-test"})
	require.NoError(t, err)

	reg := cancel.New()
	token := reg.Token("agent1")
	resp, err := client.Chat(context.Background(), "agent1", reasoning.Request{
		Messages: []reasoning.Message{{Role: reasoning.RoleUser, Content: "hi"}},
	}, token)
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestChatAbortedByTokenReturnsErrCancelled(t *testing.T) {
	stub := &stubMessages{msg: &sdk.Message{}, delay: time.Second}
	client, err := anthropicadapter.New(stub, anthropicadapter.Options{DefaultModel: "claude-test"})
	require.NoError(t, err)

	reg := cancel.New()
	token := reg.Token("agent1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Abort("agent1", "test abort")
	}()

	_, err = client.Chat(context.Background(), "agent1", reasoning.Request{
		Messages: []reasoning.Message{{Role: reasoning.RoleUser, Content: "hi"}},
	}, token)
	require.ErrorIs(t, err, reasoning.ErrCancelled)
}

func TestChatRejectsAlreadyCancelledToken(t *testing.T) {
	stub := &stubMessages{msg: &sdk.Message{}}
	client, err := anthropicadapter.New(stub, anthropicadapter.Options{DefaultModel: "claude-test"})
	require.NoError(t, err)

	reg := cancel.New()
	token := reg.Token("agent1")
	reg.Abort("agent1", "pre-cancel")

	_, err = client.Chat(context.Background(), "agent1", reasoning.Request{
		Messages: []reasoning.Message{{Role: reasoning.RoleUser, Content: "hi"}},
	}, token)
	require.ErrorIs(t, err, reasoning.ErrCancelled)
}

package openai_test

import (
	"context"
	"testing"
	"time"

	gopenai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	openaiadapter "github.com/zhanglunet/agent-society/runtime/reasoning/openai"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

type stubChat struct {
	resp  gopenai.ChatCompletionResponse
	err   error
	delay time.Duration
}

func (s *stubChat) CreateChatCompletion(ctx context.Context, req gopenai.ChatCompletionRequest) (gopenai.ChatCompletionResponse, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return gopenai.ChatCompletionResponse{}, ctx.Err()
		}
	}
	return s.resp, s.err
}

func TestChatTranslatesResponse(t *testing.T) {
	stub := &stubChat{resp: gopenai.ChatCompletionResponse{
		Choices: []gopenai.ChatCompletionChoice{{Message: gopenai.ChatCompletionMessage{Content: "hi there"}}},
		Usage:   gopenai.Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5},
	}}
	client, err := openaiadapter.New(openaiadapter.Options{Client: stub, DefaultModel: "gpt-test"})
	require.NoError(t, err)

	reg := cancel.New()
	resp, err := client.Chat(context.Background(), "agent1", reasoning.Request{
		Messages: []reasoning.Message{{Role: reasoning.RoleUser, Content: "hi"}},
	}, reg.Token("agent1"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, 5, resp.Usage.TotalTokens)
}

func TestChatAbortedByToken(t *testing.T) {
	stub := &stubChat{delay: time.Second}
	client, err := openaiadapter.New(openaiadapter.Options{Client: stub, DefaultModel: "gpt-test"})
	require.NoError(t, err)

	reg := cancel.New()
	token := reg.Token("agent1")
	go func() {
		time.Sleep(20 * time.Millisecond)
		reg.Abort("agent1", "test")
	}()

	_, err = client.Chat(context.Background(), "agent1", reasoning.Request{
		Messages: []reasoning.Message{{Role: reasoning.RoleUser, Content: "hi"}},
	}, token)
	require.ErrorIs(t, err, reasoning.ErrCancelled)
}

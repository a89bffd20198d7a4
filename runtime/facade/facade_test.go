package facade_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/facade"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

type stubService struct{}

func (stubService) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	return reasoning.Response{Content: "hi"}, nil
}
func (stubService) Abort(agentID string) {}

type router struct{ svc reasoning.Service }

func (r router) ServiceFor(roleID string) reasoning.Service { return r.svc }
func (r router) Default() reasoning.Service                 { return r.svc }

func TestSubmitBeforeServeFails(t *testing.T) {
	rt := facade.New(facade.Adapters{Router: router{svc: stubService{}}}, lifecycle.DefaultConfig(), nil, nil)
	_, err := rt.SubmitToAgent(ids.AgentID("a1"), envelope.TextPayload{Text: "x"}, ids.TaskID("t1"))
	require.ErrorIs(t, err, facade.ErrNotServing)
}

func TestEndToEndSimpleReply(t *testing.T) {
	rt := facade.New(facade.Adapters{Router: router{svc: stubService{}}}, lifecycle.DefaultConfig(), nil, nil)
	rt.RegisterRole(lifecycle.Role{ID: "default", Name: "default", SystemPrompt: "you are an agent"})
	rt.Serve()

	agent, err := rt.RegisterAgent(context.Background(), "default", ids.Root, "")
	require.NoError(t, err)

	_, err = rt.SubmitToAgent(agent.ID, envelope.TextPayload{Text: "hello"}, ids.TaskID("t1"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		env, ok := rt.Bus.ReceiveNext(string(ids.User))
		if ok {
			assert.Equal(t, "hi", env.Payload.(envelope.TextPayload).Text)
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	result := rt.Shutdown(context.Background())
	assert.True(t, result.OK)
}

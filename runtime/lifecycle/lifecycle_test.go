package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/compaction"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/tools"
)

// blockingService never returns until its context is cancelled, modeling an
// agent parked in waiting_llm.
type blockingService struct{}

func (blockingService) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	select {
	case <-ctx.Done():
		return reasoning.Response{}, ctx.Err()
	case <-token.Done():
		return reasoning.Response{}, reasoning.ErrCancelled
	}
}

func (blockingService) Abort(agentID string) {}

type singleServiceRouter struct{ svc reasoning.Service }

func (r singleServiceRouter) ServiceFor(roleID string) reasoning.Service { return r.svc }
func (r singleServiceRouter) Default() reasoning.Service                { return r.svc }

func newManager(t *testing.T) *lifecycle.Manager {
	t.Helper()
	b := bus.New(nil)
	store := conversation.New(nil)
	cancelReg := cancel.New()
	toolReg := tools.NewRegistry()
	router := singleServiceRouter{svc: blockingService{}}
	compactor := compaction.New(store, router.Default(), nil, nil)
	cfg := lifecycle.DefaultConfig()
	m := lifecycle.New(b, store, compactor, toolReg, cancelReg, router, cfg, nil, nil)
	b.IsKnownRecipient = m.CheckRecipient
	m.RegisterRole(lifecycle.Role{ID: "default", Name: "default", SystemPrompt: "you are an agent"})
	return m
}

func TestSpawnRejectsUnknownParent(t *testing.T) {
	m := newManager(t)
	_, err := m.Spawn(context.Background(), "default", ids.AgentID("ghost"), "")
	require.ErrorIs(t, err, lifecycle.ErrParentNotFound)
}

func TestSpawnRejectsUnknownRole(t *testing.T) {
	m := newManager(t)
	_, err := m.Spawn(context.Background(), "ghost-role", ids.Root, "")
	require.ErrorIs(t, err, lifecycle.ErrRoleNotFound)
}

func TestSpawnTerminateRoundTrip(t *testing.T) {
	m := newManager(t)
	before := m.AgentCount()
	agent, err := m.Spawn(context.Background(), "default", ids.Root, "")
	require.NoError(t, err)
	require.Equal(t, before+1, m.AgentCount())

	_, err = m.ForceTerminateAgent(agent.ID)
	require.NoError(t, err)
	assert.Equal(t, before, m.AgentCount())
}

func TestForceTerminateRefusesSentinels(t *testing.T) {
	m := newManager(t)
	_, err := m.ForceTerminateAgent(ids.Root)
	require.ErrorIs(t, err, lifecycle.ErrRefusedSentinel)
	_, err = m.ForceTerminateAgent(ids.User)
	require.ErrorIs(t, err, lifecycle.ErrRefusedSentinel)
}

// TestCascadeStopDoesNotStopParent is scenario S3.
func TestCascadeStopDoesNotStopParent(t *testing.T) {
	m := newManager(t)
	parent, err := m.Spawn(context.Background(), "default", ids.Root, "")
	require.NoError(t, err)
	c1, err := m.Spawn(context.Background(), "default", parent.ID, "")
	require.NoError(t, err)
	c2, err := m.Spawn(context.Background(), "default", parent.ID, "")
	require.NoError(t, err)

	// No message is sent: wait until c1 reports a status, with its loop idle.
	require.Eventually(t, func() bool {
		s1, _ := m.AgentStatus(c1.ID)
		return s1 != ""
	}, time.Second, 5*time.Millisecond)

	stopped := m.CascadeStopAgents(parent.ID)
	assert.ElementsMatch(t, []ids.AgentID{c1.ID, c2.ID}, stopped)

	s1, ok1 := m.AgentStatus(c1.ID)
	require.True(t, ok1)
	assert.Equal(t, "stopped", string(s1))

	sp, okp := m.AgentStatus(parent.ID)
	require.True(t, okp)
	assert.NotEqual(t, "stopped", string(sp))
}

func TestTerminationCompletenessIncludesDescendants(t *testing.T) {
	m := newManager(t)
	parent, err := m.Spawn(context.Background(), "default", ids.Root, "")
	require.NoError(t, err)
	child, err := m.Spawn(context.Background(), "default", parent.ID, "")
	require.NoError(t, err)

	terminated, err := m.ForceTerminateAgent(parent.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ids.AgentID{child.ID, parent.ID}, terminated)

	_, ok := m.AgentStatus(parent.ID)
	assert.False(t, ok)
	_, ok = m.AgentStatus(child.ID)
	assert.False(t, ok)
}

func TestShutdownReturnsOK(t *testing.T) {
	m := newManager(t)
	_, err := m.Spawn(context.Background(), "default", ids.Root, "")
	require.NoError(t, err)

	result := m.Shutdown(context.Background())
	assert.True(t, result.OK)
	assert.Equal(t, 0, result.ActiveAgents)
	assert.True(t, m.IsShuttingDown())
}

func TestSpawnRejectedAfterShutdown(t *testing.T) {
	m := newManager(t)
	m.Shutdown(context.Background())
	_, err := m.Spawn(context.Background(), "default", ids.Root, "")
	require.ErrorIs(t, err, lifecycle.ErrShuttingDown)
}

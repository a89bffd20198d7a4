package tools_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/tools"
)

func TestExecuteUnknownTool(t *testing.T) {
	r := tools.NewRegistry()
	_, err := r.Execute(context.Background(), "ghost", nil, tools.ExecContext{})
	require.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestRegisterAndExecute(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(tools.Spec{Name: "echo", Description: "echoes its input"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) {
		return args, nil
	})

	result, err := r.Execute(context.Background(), "echo", "hello", tools.ExecContext{AgentID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, "hello", result)
}

func TestExecuteSurfacesHandlerError(t *testing.T) {
	r := tools.NewRegistry()
	wantErr := errors.New("boom")
	r.Register(tools.Spec{Name: "fails"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) {
		return nil, wantErr
	})
	_, err := r.Execute(context.Background(), "fails", nil, tools.ExecContext{})
	require.ErrorIs(t, err, wantErr)
}

func TestDeregisterRemovesTool(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(tools.Spec{Name: "x"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) { return nil, nil })
	r.Deregister("x")
	_, err := r.Execute(context.Background(), "x", nil, tools.ExecContext{})
	require.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestListToolsReturnsAllSpecs(t *testing.T) {
	r := tools.NewRegistry()
	r.Register(tools.Spec{Name: "a"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) { return nil, nil })
	r.Register(tools.Spec{Name: "b"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) { return nil, nil })
	specs := r.ListTools()
	assert.Len(t, specs, 2)
}

func TestExecContextCarriesToken(t *testing.T) {
	reg := cancel.New()
	r := tools.NewRegistry()
	var seen cancel.Token
	r.Register(tools.Spec{Name: "x"}, func(ctx context.Context, ectx tools.ExecContext, args any) (any, error) {
		seen = ectx.Token
		return nil, nil
	})
	tok := reg.Token("a1")
	_, err := r.Execute(context.Background(), "x", nil, tools.ExecContext{AgentID: "a1", Token: tok})
	require.NoError(t, err)
	assert.Equal(t, tok.AgentID(), seen.AgentID())
}

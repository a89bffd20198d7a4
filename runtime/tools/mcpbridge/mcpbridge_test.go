package mcpbridge_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/mcp"
	"github.com/zhanglunet/agent-society/runtime/tools"
	"github.com/zhanglunet/agent-society/runtime/tools/mcpbridge"
)

type stubCaller struct {
	gotReq mcp.CallRequest
	result json.RawMessage
	err    error
}

func (s *stubCaller) CallTool(ctx context.Context, req mcp.CallRequest) (mcp.CallResponse, error) {
	s.gotReq = req
	if s.err != nil {
		return mcp.CallResponse{}, s.err
	}
	return mcp.CallResponse{Result: s.result}, nil
}

func TestRegisterDispatchesThroughCaller(t *testing.T) {
	reg := tools.NewRegistry()
	caller := &stubCaller{result: json.RawMessage(`{"ok":true}`)}

	mcpbridge.Register(reg, caller, "search", "lookup", "looks things up", nil)

	out, err := reg.Execute(context.Background(), "search.lookup", map[string]any{"q": "go"}, tools.ExecContext{})
	require.NoError(t, err)
	assert.Equal(t, "search", caller.gotReq.Suite)
	assert.Equal(t, "lookup", caller.gotReq.Tool)
	assert.Equal(t, map[string]any{"ok": true}, out)
}

func TestRegisterPropagatesCallerError(t *testing.T) {
	reg := tools.NewRegistry()
	caller := &stubCaller{err: &mcp.Error{Code: mcp.JSONRPCInternalError, Message: "boom"}}

	mcpbridge.Register(reg, caller, "search", "lookup", "", nil)

	_, err := reg.Execute(context.Background(), "search.lookup", nil, tools.ExecContext{})
	assert.Error(t, err)
}

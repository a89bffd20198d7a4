// Package mcpbridge adapts an MCP (Model Context Protocol) Caller into the
// tool dispatch registry (C7), so a role's tool list can include tools
// actually implemented by a remote MCP server rather than only
// in-process Go handlers.
package mcpbridge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/zhanglunet/agent-society/runtime/mcp"
	"github.com/zhanglunet/agent-society/runtime/tools"
)

// Register adds one MCP-backed tool to reg: invoking it marshals args to
// JSON, calls caller.CallTool against suite/toolName, and unmarshals the
// result back into a generic any for the turn engine to feed back to the
// model.
func Register(reg *tools.Registry, caller mcp.Caller, suite, toolName, description string, argsSchema any) {
	spec := tools.Spec{
		Name:        fmt.Sprintf("%s.%s", suite, toolName),
		Description: description,
		ArgsSchema:  argsSchema,
	}
	reg.Register(spec, handlerFor(caller, suite, toolName))
}

func handlerFor(caller mcp.Caller, suite, toolName string) tools.Handler {
	return func(ctx context.Context, _ tools.ExecContext, args any) (any, error) {
		payload, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: marshal args for %s.%s: %w", suite, toolName, err)
		}
		resp, err := caller.CallTool(ctx, mcp.CallRequest{Suite: suite, Tool: toolName, Payload: payload})
		if err != nil {
			return nil, fmt.Errorf("mcpbridge: call %s.%s: %w", suite, toolName, err)
		}
		var result any
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, fmt.Errorf("mcpbridge: unmarshal result for %s.%s: %w", suite, toolName, err)
			}
		}
		return result, nil
	}
}

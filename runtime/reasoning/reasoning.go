// Package reasoning defines the reasoning-service adapter contract (C6):
// the single abstraction the turn engine and the compaction engine use to
// call out to a model provider, independent of which provider backs it.
package reasoning

import (
	"context"
	"errors"

	"github.com/zhanglunet/agent-society/runtime/cancel"
)

// Role is the role of one message in a reasoning request.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry in a Request's transcript.
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID   string
	Name string
	Args any
}

// ToolSpec describes one callable tool available to the model, carrying a
// JSON-schema argument spec (an arbitrary JSON value understood by the
// provider adapter, e.g. from github.com/santhosh-tekuri/jsonschema/v6).
type ToolSpec struct {
	Name        string
	Description string
	ArgsSchema  any
}

// Usage records token accounting returned by the provider.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request is a single reasoning-service call.
type Request struct {
	Model       string
	Messages    []Message
	Tools       []ToolSpec
	Temperature *float64
	MaxTokens   int
}

// Response is the result of a successful, non-cancelled call.
type Response struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
	Reasoning string
}

// ErrCancelled is returned when the call's token was cancelled mid-flight;
// the adapter must release its in-flight HTTP stream before returning it.
var ErrCancelled = errors.New("llm_call_aborted")

// Service is the C6 contract. Implementations must support at most one
// in-flight call per agentID: Abort releases whatever call is currently
// holding that agent's handle. Concurrent calls for distinct agents are
// expected and must not serialize against one another.
type Service interface {
	Chat(ctx context.Context, agentID string, req Request, token cancel.Token) (Response, error)
	Abort(agentID string)
}

// Router resolves which Service backs a given role, so different roles can
// be pinned to different providers/models (e.g. a cheap model for
// summarization, a stronger one for the root agent).
type Router interface {
	ServiceFor(roleID string) Service
	Default() Service
}

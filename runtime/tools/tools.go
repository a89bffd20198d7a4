// Package tools implements the tool dispatch registry (C7): a name-keyed
// set of callable tools with JSON-schema argument specs, dispatched through
// a uniform Execute contract regardless of whether the tool is a platform
// tool (implemented by lifecycle/facade) or an externally registered module.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zhanglunet/agent-society/runtime/cancel"
)

// Spec describes one callable tool, including a JSON-schema argument spec —
// an arbitrary value passed through to the reasoning service. The registry
// does not validate call arguments against it.
type Spec struct {
	Name        string
	Description string
	ArgsSchema  any
}

// ExecContext carries the information a tool needs beyond its raw
// arguments: which agent and task it runs on behalf of, the message that
// triggered the current turn, and its cancellation token. Tools honor
// Token cooperatively; long-running tools should select on Token.Done().
type ExecContext struct {
	AgentID   string
	TaskID    string
	MessageID string
	Token     cancel.Token
}

// Handler executes one tool call and returns a JSON-serializable result, or
// an error (which the turn engine records as an {"error": message} tool
// result and feeds back into the conversation rather than propagating).
type Handler func(ctx context.Context, ectx ExecContext, args any) (any, error)

// ErrUnknownTool is returned by Execute when no tool with that name is
// registered.
var ErrUnknownTool = errors.New("unknown_tool")

// Registry is the C7 tool dispatch registry. The zero value is not usable
// (its maps are nil); construct with NewRegistry.
type Registry struct {
	mu       sync.RWMutex
	specs    map[string]Spec
	handlers map[string]Handler
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		specs:    make(map[string]Spec),
		handlers: make(map[string]Handler),
	}
}

// Register adds or replaces a tool. Re-registering an existing name
// overwrites its spec and handler, letting a module upgrade a tool in
// place (e.g. set_system_prompt_appendix reconfiguring behavior).
func (r *Registry) Register(spec Spec, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Name] = spec
	r.handlers[spec.Name] = handler
}

// Deregister removes a tool, if present.
func (r *Registry) Deregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.specs, name)
	delete(r.handlers, name)
}

// ListTools returns every registered tool's spec. Order is unspecified.
func (r *Registry) ListTools() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.specs))
	for _, s := range r.specs {
		out = append(out, s)
	}
	return out
}

// Execute dispatches a tool call by name. Tools are cooperative: handlers
// receive ectx.Token and are expected to check it at their own suspension
// points; Execute itself does not preempt a running handler.
func (r *Registry) Execute(ctx context.Context, name string, args any, ectx ExecContext) (any, error) {
	r.mu.RLock()
	handler, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	return handler(ctx, ectx, args)
}

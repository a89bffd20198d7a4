// Package facade implements the runtime facade (C10): the single entry
// point external callers (an HTTP façade, a CLI, module loaders) use to
// submit messages, perform lifecycle operations, and inspect runtime state.
// It owns startup order (adapters → bus → registry → restore → serve) and
// shutdown order (stop accepting → drain → terminate → close adapters).
package facade

import (
	"context"
	"errors"
	"sync"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/compaction"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/persist"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
	"github.com/zhanglunet/agent-society/runtime/tools"
)

// ErrNotServing is returned by submission calls made before Serve or after
// Shutdown.
var ErrNotServing = errors.New("runtime_not_serving")

// Runtime composes C1–C9 into one facade. Construct with New, call Serve to
// begin accepting submissions, and Shutdown to drain and stop.
type Runtime struct {
	mu      sync.RWMutex
	serving bool

	Bus       *bus.Bus
	Store     *conversation.Store
	Compactor *compaction.Engine
	Tools     *tools.Registry
	Cancel    *cancel.Registry
	Lifecycle *lifecycle.Manager

	logger      telemetry.Logger
	adapterClose func(context.Context) error
}

// Adapters groups the external collaborators constructed before the bus;
// Shutdown calls Closer to close them.
type Adapters struct {
	Router reasoning.Router
	// Persist, if set, is wired as both the bus's persistence observer
	// (appendLog) and the conversation store's sink (snapshotConversation).
	Persist   persist.Port
	Observers []bus.Observer // additional bus observers (e.g. a Pulse fan-out)
	Closer    func(context.Context) error // closes persistence/observer connections; may be nil
	// Tracer, if set, opens a span per turn, per LLM call, and per tool call.
	// Nil disables tracing (the turn loop falls back to a noop tracer).
	Tracer telemetry.Tracer
}

// New wires C1–C9 together. cfg.Turn.Compaction.ContextLimit must be set by
// the caller before spawning agents that should ever trigger compression.
func New(adapters Adapters, cfg lifecycle.Config, logger telemetry.Logger, metrics telemetry.Metrics) *Runtime {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	b := bus.New(logger)
	store := conversation.New(nil)
	cancelReg := cancel.New()
	toolReg := tools.NewRegistry()
	compactor := compaction.New(store, adapters.Router.Default(), logger, metrics)
	mgr := lifecycle.NewWithTracer(b, store, compactor, toolReg, cancelReg, adapters.Router, cfg, logger, metrics, adapters.Tracer)
	b.IsKnownRecipient = mgr.CheckRecipient

	if adapters.Persist != nil {
		bridge := persist.NewBridge(context.Background(), adapters.Persist, logger)
		b.AddObserver(bridge)
		store.SetSink(persist.NewConversationSink(context.Background(), adapters.Persist, store, logger))
	}
	for _, o := range adapters.Observers {
		b.AddObserver(o)
	}

	return &Runtime{
		Bus:          b,
		Store:        store,
		Compactor:    compactor,
		Tools:        toolReg,
		Cancel:       cancelReg,
		Lifecycle:    mgr,
		logger:       logger,
		adapterClose: adapters.Closer,
	}
}

// RegisterRole exposes role registration before Serve (roles are immutable
// once agents may reference them).
func (r *Runtime) RegisterRole(role lifecycle.Role) {
	r.Lifecycle.RegisterRole(role)
}

// RegisterObserver registers a global bus observer (persistence, UI fan-out).
func (r *Runtime) RegisterObserver(o bus.Observer) {
	r.Bus.AddObserver(o)
}

// ToolRegistration pairs a tool spec with its handler, for batch
// registration of an external module's tools.
type ToolRegistration struct {
	Spec    tools.Spec
	Handler tools.Handler
}

// RegisterToolModule registers a batch of tools from an external module.
func (r *Runtime) RegisterToolModule(registrations []ToolRegistration) {
	for _, reg := range registrations {
		r.Tools.Register(reg.Spec, reg.Handler)
	}
}

// Restore replays persisted agents before Serve begins accepting traffic.
func (r *Runtime) Restore(ctx context.Context, entries []lifecycle.RestoreEntry) {
	r.Lifecycle.Restore(ctx, entries)
}

// Serve marks the runtime ready to accept submissions. Startup order up to
// this point is: adapters constructed by the caller → New (bus, registry) →
// Restore → Serve.
func (r *Runtime) Serve() {
	r.mu.Lock()
	r.serving = true
	r.mu.Unlock()
}

// SubmitToAgent delivers payload to agentID as a new envelope from the user
// sink, returning the stamped envelope or an error if the runtime is not
// serving or the recipient is unknown/terminating.
func (r *Runtime) SubmitToAgent(agentID ids.AgentID, payload any, taskID ids.TaskID) (envelope.Envelope, error) {
	r.mu.RLock()
	serving := r.serving
	r.mu.RUnlock()
	if !serving {
		return envelope.Envelope{}, ErrNotServing
	}
	return r.Bus.Send(envelope.Envelope{
		From:    string(ids.User),
		To:      string(agentID),
		TaskID:  string(taskID),
		Kind:    envelope.KindText,
		Payload: payload,
	})
}

// RegisterAgent exposes Spawn under the facade's naming (spec: registerAgent).
func (r *Runtime) RegisterAgent(ctx context.Context, roleID ids.RoleID, parentID ids.AgentID, appendix string) (lifecycle.Agent, error) {
	return r.Lifecycle.Spawn(ctx, roleID, parentID, appendix)
}

// AbortAgentLlmCall exposes C9's abort operation.
func (r *Runtime) AbortAgentLlmCall(agentID ids.AgentID) (bool, bool) {
	return r.Lifecycle.AbortAgentLlmCall(agentID)
}

// CascadeStopAgents exposes C9's cascade-stop operation.
func (r *Runtime) CascadeStopAgents(rootID ids.AgentID) []ids.AgentID {
	return r.Lifecycle.CascadeStopAgents(rootID)
}

// TerminateAgent exposes C9's force-terminate operation.
func (r *Runtime) TerminateAgent(agentID ids.AgentID) ([]ids.AgentID, error) {
	return r.Lifecycle.ForceTerminateAgent(agentID)
}

// QueueDepth reports an agent's pending inbox depth.
func (r *Runtime) QueueDepth(agentID ids.AgentID) int {
	return r.Bus.QueueDepth(string(agentID))
}

// AgentStatus reports an agent's current status.
func (r *Runtime) AgentStatus(agentID ids.AgentID) (string, bool) {
	status, ok := r.Lifecycle.AgentStatus(agentID)
	return string(status), ok
}

// Shutdown stops accepting new submissions, drains active agents, and
// terminates the runtime. Adapters.Closer (if set at New) is invoked last,
// after the lifecycle manager reports shutdown complete.
func (r *Runtime) Shutdown(ctx context.Context) lifecycle.ShutdownResult {
	r.mu.Lock()
	r.serving = false
	r.mu.Unlock()

	result := r.Lifecycle.Shutdown(ctx)

	if r.adapterClose != nil {
		if err := r.adapterClose(ctx); err != nil {
			r.logger.Error(ctx, "error closing adapters during shutdown", "error", err)
		}
	}
	return result
}

// Package persist defines the persistence port (§6): appendLog and
// snapshotConversation, the two operations an external collaborator must
// implement for the runtime to survive a restart. It also provides the glue
// that wires a Port into the bus (as an Observer) and the conversation store
// (as a Sink), so the turn engine and lifecycle manager never depend on a
// concrete storage backend.
package persist

import (
	"context"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
)

// Port is the persistence port: appendLog is called for every envelope the
// bus observes, snapshotConversation whenever an agent's conversation history
// changes. Implementations must not block the caller for long; the bridge
// below does not fan these out asynchronously itself, so slow backends should
// queue internally.
type Port interface {
	AppendLog(ctx context.Context, agentID string, env envelope.Envelope) error
	SnapshotConversation(ctx context.Context, agentID string, records []conversation.ConversationRecord) error
}

// Bridge adapts a Port to bus.Observer so it can be registered with the bus;
// conversation snapshots go through ConversationSink instead.
type Bridge struct {
	port   Port
	ctx    context.Context
	logger telemetry.Logger
}

// NewBridge constructs a Bridge. ctx bounds every write issued by the bridge;
// callers typically pass a long-lived background context and rely on the
// backend's own per-call timeouts.
func NewBridge(ctx context.Context, port Port, logger telemetry.Logger) *Bridge {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Bridge{port: port, ctx: ctx, logger: logger}
}

// OnEnvelope implements bus.Observer.
func (b *Bridge) OnEnvelope(env envelope.Envelope) {
	if err := b.port.AppendLog(b.ctx, env.To, env); err != nil {
		b.logger.Error(b.ctx, "persistence append_log failed", "agentId", env.To, "error", err)
	}
}

// Bridge does not implement conversation.Sink: an AppendEvent alone does not
// carry the full record list, so snapshots are written by ConversationSink,
// which has access to the owning Store (see NewConversationSink).
var _ bus.Observer = (*Bridge)(nil)

// ConversationSink adapts a Port + conversation.Store pair into a
// conversation.Sink: every append or replace triggers a fresh snapshot write.
type ConversationSink struct {
	port   Port
	store  *conversation.Store
	ctx    context.Context
	logger telemetry.Logger
}

// NewConversationSink constructs a ConversationSink that reads from store.
// Attach it to that same store with conversation.Store.SetSink.
func NewConversationSink(ctx context.Context, port Port, store *conversation.Store, logger telemetry.Logger) *ConversationSink {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &ConversationSink{port: port, store: store, ctx: ctx, logger: logger}
}

// OnAppend implements conversation.Sink.
func (s *ConversationSink) OnAppend(ev conversation.AppendEvent) {
	s.snapshot(ev.AgentID)
}

// OnReplace implements conversation.Sink.
func (s *ConversationSink) OnReplace(ev conversation.ReplaceEvent) {
	s.snapshot(ev.AgentID)
}

func (s *ConversationSink) snapshot(agentID string) {
	records := s.store.Snapshot(agentID)
	if err := s.port.SnapshotConversation(s.ctx, agentID, records); err != nil {
		s.logger.Error(s.ctx, "persistence snapshot_conversation failed", "agentId", agentID, "error", err)
	}
}

var _ conversation.Sink = (*ConversationSink)(nil)

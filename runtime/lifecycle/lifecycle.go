// Package lifecycle implements the lifecycle manager (C9): the agent
// registry, parent/child graph, spawn/restore/abort/cascade-stop/terminate
// operations, and graceful shutdown. It is the only component that mutates
// the global agent table, and the only caller permitted to start or stop a
// turn.Loop.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/compaction"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
	"github.com/zhanglunet/agent-society/runtime/tools"
	"github.com/zhanglunet/agent-society/runtime/turn"
)

// Failure modes returned by Spawn.
var (
	ErrParentNotFound = errors.New("parent_not_found")
	ErrRoleNotFound   = errors.New("role_not_found")
	ErrShuttingDown   = errors.New("shutting_down")
	ErrAgentNotFound  = errors.New("agent_not_found")
	ErrRefusedSentinel = errors.New("cannot_terminate_sentinel_agent")
)

// Role is a named prompt/capability template; multiple agents may share one.
type Role struct {
	ID           ids.RoleID
	Name         string
	SystemPrompt string
	Model        string // request model; empty lets the selected service use its own default model
}

// Agent is a live instance of a Role, tracked by the lifecycle manager.
type Agent struct {
	ID       ids.AgentID
	RoleID   ids.RoleID
	ParentID ids.AgentID
	Status   turn.Status
	SpawnedAt time.Time
}

type agentEntry struct {
	agent  Agent
	loop   *turn.Loop
	mu     sync.Mutex // serializes C9 ops on this agent with its own turn loop
}

// Config tunes lifecycle-wide behavior.
type Config struct {
	Turn              turn.Config
	ShutdownTimeout   time.Duration
	// MaxSteps caps the total turn-loop steps any one submission (TaskID)
	// may take across every agent it fans out to. <=0 disables the check.
	MaxSteps int
}

// DefaultConfig returns spec defaults: 20000 max tool rounds, 0.85/10
// compaction defaults (caller must still set ContextLimit), 30s shutdown,
// 200 max steps per submission.
func DefaultConfig() Config {
	return Config{
		Turn: turn.Config{
			MaxToolRounds: 20000,
			Compaction:    compaction.DefaultConfig(0),
		},
		ShutdownTimeout: 30 * time.Second,
		MaxSteps:        200,
	}
}

// Manager implements C9. Construct with New; it passes itself to every turn
// loop as the StatusSink. Its CheckRecipient method is not registered with
// the bus here; the owner assigns it to bus.IsKnownRecipient.
type Manager struct {
	mu       sync.Mutex // the single lifecycle mutex guarding global tables
	agents   map[ids.AgentID]*agentEntry
	roles    map[ids.RoleID]Role
	children map[ids.AgentID][]ids.AgentID

	shuttingDown bool

	bus       *bus.Bus
	store     *conversation.Store
	compactor *compaction.Engine
	toolReg   *tools.Registry
	cancelReg *cancel.Registry
	router    reasoning.Router
	cfg       Config
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer
	steps     *StepCounter
}

// New constructs a Manager wired to the shared collaborators. The facade
// assigns the Manager's CheckRecipient to the bus at construction time (see
// runtime/facade).
func New(b *bus.Bus, store *conversation.Store, compactor *compaction.Engine, toolReg *tools.Registry, cancelReg *cancel.Registry, router reasoning.Router, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics) *Manager {
	return NewWithTracer(b, store, compactor, toolReg, cancelReg, router, cfg, logger, metrics, nil)
}

// NewWithTracer is New plus an optional tracer for per-turn/per-tool-call
// spans. A nil tracer disables tracing (the turn loop falls back to a noop).
func NewWithTracer(b *bus.Bus, store *conversation.Store, compactor *compaction.Engine, toolReg *tools.Registry, cancelReg *cancel.Registry, router reasoning.Router, cfg Config, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Manager {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	return &Manager{
		agents:   make(map[ids.AgentID]*agentEntry),
		roles:    make(map[ids.RoleID]Role),
		children: make(map[ids.AgentID][]ids.AgentID),
		bus:      b,
		store:    store,
		compactor: compactor,
		toolReg:  toolReg,
		cancelReg: cancelReg,
		router:   router,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		steps:    NewStepCounter(cfg.MaxSteps),
	}
}

// RegisterRole adds a role template, looked up by Spawn.
func (m *Manager) RegisterRole(role Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
}

// CheckRecipient implements bus.RecipientChecker: the user sink is handled
// by the bus itself, so this only answers for agent ids.
func (m *Manager) CheckRecipient(agentID string) bus.RecipientStatus {
	m.mu.Lock()
	e, ok := m.agents[ids.AgentID(agentID)]
	m.mu.Unlock()
	if !ok {
		return bus.RecipientStatus{Known: false}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return bus.RecipientStatus{Known: true, Terminating: e.agent.Status == turn.StatusTerminating}
}

// SetStatus implements turn.StatusSink.
func (m *Manager) SetStatus(agentID string, status turn.Status) {
	m.mu.Lock()
	e, ok := m.agents[ids.AgentID(agentID)]
	m.mu.Unlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.agent.Status = status
	e.mu.Unlock()
}

// Spawn creates a new agent instance of roleID under parentAgentID,
// materializes its conversation and inbox, and starts its turn loop.
func (m *Manager) Spawn(ctx context.Context, roleID ids.RoleID, parentAgentID ids.AgentID, appendix string) (Agent, error) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return Agent{}, ErrShuttingDown
	}
	if parentAgentID != ids.Root {
		if _, ok := m.agents[parentAgentID]; !ok {
			m.mu.Unlock()
			return Agent{}, ErrParentNotFound
		}
	}
	if parentAgentID == ids.User {
		m.mu.Unlock()
		return Agent{}, ErrParentNotFound
	}
	role, ok := m.roles[roleID]
	if !ok {
		m.mu.Unlock()
		return Agent{}, ErrRoleNotFound
	}

	agentID := ids.NewAgentID()
	agent := Agent{ID: agentID, RoleID: roleID, ParentID: parentAgentID, Status: turn.StatusIdle, SpawnedAt: time.Now()}
	entry := &agentEntry{agent: agent}
	m.agents[agentID] = entry
	m.children[parentAgentID] = append(m.children[parentAgentID], agentID)
	m.mu.Unlock()

	prompt := role.SystemPrompt
	if appendix != "" {
		prompt = prompt + "\n\n" + appendix
	}
	m.store.Seed(string(agentID), prompt, time.Now())
	m.bus.EnsureInbox(string(agentID))

	service := m.router.Default()
	if role.Name != "" {
		if s := m.router.ServiceFor(role.Name); s != nil {
			service = s
		}
	}

	deps := turn.Deps{
		Bus:            m.bus,
		Store:          m.store,
		Compactor:      m.compactor,
		Tools:          m.toolReg,
		CancelRegistry: m.cancelReg,
		Status:         m,
		Steps:          m.steps,
		Logger:         m.logger,
		Metrics:        m.metrics,
		Tracer:         m.tracer,
	}
	loop := turn.NewLoop(string(agentID), service, role.Model, m.cfg.Turn, deps)

	m.mu.Lock()
	entry.loop = loop
	m.mu.Unlock()

	loop.Start(context.Background())

	m.logger.Info(ctx, "agent spawned", "agentId", agentID, "roleId", roleID, "parentId", parentAgentID)
	m.metrics.IncCounter("agents_spawned_total", 1)
	return agent, nil
}

// Restore reinstantiates agents from persisted state on startup, placing
// each in idle without replaying any in-flight messages — those are
// considered lost by design. Each snapshot carries the agent's id, role,
// parent and spawn time; Restore does not load conversations, so the caller
// replays each history into the store (e.g. with Store.ReplaceAll).
func (m *Manager) Restore(ctx context.Context, snapshots []RestoreEntry) {
	for _, s := range snapshots {
		m.mu.Lock()
		agent := Agent{ID: s.AgentID, RoleID: s.RoleID, ParentID: s.ParentID, Status: turn.StatusIdle, SpawnedAt: s.SpawnedAt}
		entry := &agentEntry{agent: agent}
		m.agents[s.AgentID] = entry
		m.children[s.ParentID] = append(m.children[s.ParentID], s.AgentID)
		m.mu.Unlock()

		m.bus.EnsureInbox(string(s.AgentID))

		service := m.router.Default()
		role, ok := m.roles[s.RoleID]
		model := ""
		if ok {
			model = role.Model
			if s2 := m.router.ServiceFor(role.Name); s2 != nil {
				service = s2
			}
		}
		deps := turn.Deps{
			Bus: m.bus, Store: m.store, Compactor: m.compactor, Tools: m.toolReg,
			CancelRegistry: m.cancelReg, Status: m, Steps: m.steps, Logger: m.logger, Metrics: m.metrics,
			Tracer: m.tracer,
		}
		loop := turn.NewLoop(string(s.AgentID), service, model, m.cfg.Turn, deps)
		m.mu.Lock()
		entry.loop = loop
		m.mu.Unlock()
		loop.Start(context.Background())
	}
	m.logger.Info(ctx, "lifecycle restore complete", "agentCount", len(snapshots))
}

// RestoreEntry is one persisted agent replayed by Restore.
type RestoreEntry struct {
	AgentID   ids.AgentID
	RoleID    ids.RoleID
	ParentID  ids.AgentID
	SpawnedAt time.Time
}

// AbortAgentLlmCall increments the agent's epoch, aborts any in-flight
// reasoning call, and leaves the inbox intact — the agent answers again to
// its next message without losing conversation history.
func (m *Manager) AbortAgentLlmCall(agentID ids.AgentID) (ok bool, aborted bool) {
	m.mu.Lock()
	_, exists := m.agents[agentID]
	m.mu.Unlock()
	if !exists {
		return false, false
	}
	m.cancelReg.Abort(string(agentID), "abort_agent_llm_call")
	return true, true
}

// descendantsLocked computes the BFS descendant set of rootID over the parent
// graph, excluding rootID itself. Caller must hold m.mu.
func (m *Manager) descendantsLocked(rootID ids.AgentID) []ids.AgentID {
	var out []ids.AgentID
	queue := append([]ids.AgentID(nil), m.children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		out = append(out, id)
		queue = append(queue, m.children[id]...)
	}
	return out
}

// CascadeStopAgents raises cancellation on every descendant of rootID,
// clears their inboxes, and sets their status to stopped. rootID itself is
// not stopped. Returns the set of stopped ids.
func (m *Manager) CascadeStopAgents(rootID ids.AgentID) []ids.AgentID {
	m.mu.Lock()
	descendants := m.descendantsLocked(rootID)
	m.mu.Unlock()

	for _, id := range descendants {
		m.mu.Lock()
		entry, ok := m.agents[id]
		m.mu.Unlock()
		if !ok {
			continue
		}
		entry.mu.Lock()
		entry.agent.Status = turn.StatusStopping
		entry.mu.Unlock()

		m.cancelReg.Abort(string(id), "cascade_stop")
		m.bus.ClearQueue(string(id))

		entry.mu.Lock()
		entry.agent.Status = turn.StatusStopped
		entry.mu.Unlock()
	}
	m.logger.Info(context.Background(), "cascade stop complete", "rootId", rootID, "stoppedCount", len(descendants))
	return descendants
}

// ForceTerminateAgent stops and deletes agentID and its entire descendant
// subtree, deepest first. Refuses root and user.
func (m *Manager) ForceTerminateAgent(agentID ids.AgentID) ([]ids.AgentID, error) {
	if agentID == ids.Root || agentID == ids.User {
		return nil, ErrRefusedSentinel
	}

	m.mu.Lock()
	if _, ok := m.agents[agentID]; !ok {
		m.mu.Unlock()
		return nil, ErrAgentNotFound
	}
	descendants := m.descendantsLocked(agentID)
	m.mu.Unlock()

	for _, id := range append(descendants, agentID) {
		m.mu.Lock()
		if entry, ok := m.agents[id]; ok {
			entry.mu.Lock()
			entry.agent.Status = turn.StatusTerminating
			entry.mu.Unlock()
		}
		m.mu.Unlock()
	}

	// Stop the whole subtree (deepest-first order doesn't matter for
	// cancellation, only for final deletion below).
	m.CascadeStopAgents(agentID)
	m.cancelReg.Abort(string(agentID), "force_terminate")
	m.bus.ClearQueue(string(agentID))

	all := append(descendants, agentID)
	// Delete deepest first: descendants were BFS-ordered shallow-to-deep, so
	// reverse before deleting; agentID itself is last regardless.
	for i := len(descendants) - 1; i >= 0; i-- {
		m.deleteAgent(descendants[i])
	}
	m.deleteAgent(agentID)

	m.logger.Info(context.Background(), "agent terminated", "agentId", agentID, "descendantCount", len(descendants))
	m.metrics.IncCounter("agents_terminated_total", float64(len(all)))
	return all, nil
}

func (m *Manager) deleteAgent(agentID ids.AgentID) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	parent := entry.agent.ParentID
	delete(m.agents, agentID)
	siblings := m.children[parent]
	for i, id := range siblings {
		if id == agentID {
			m.children[parent] = append(siblings[:i], siblings[i+1:]...)
			break
		}
	}
	delete(m.children, agentID)
	m.mu.Unlock()

	if entry.loop != nil {
		entry.loop.Stop()
	}
	m.bus.RemoveInbox(string(agentID))
	m.store.Drop(string(agentID))
	m.cancelReg.Clear(string(agentID))
}

// AgentStatus reports agentID's current status and whether it exists.
func (m *Manager) AgentStatus(agentID ids.AgentID) (turn.Status, bool) {
	m.mu.Lock()
	entry, ok := m.agents[agentID]
	m.mu.Unlock()
	if !ok {
		return "", false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.agent.Status, true
}

// AgentCount reports the number of live agents, for diagnostics and tests.
func (m *Manager) AgentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.agents)
}

// ShutdownResult is returned by Shutdown.
type ShutdownResult struct {
	OK              bool
	PendingMessages int
	ActiveAgents    int
	ShutdownDuration time.Duration
}

// Shutdown raises the global shuttingDown flag (rejecting new spawns and,
// via the facade, new submissions), waits up to cfg.ShutdownTimeout for
// every agent to reach idle, then raises cancellation on all agents and
// awaits loop exit.
func (m *Manager) Shutdown(ctx context.Context) ShutdownResult {
	start := time.Now()
	m.mu.Lock()
	m.shuttingDown = true
	agentIDs := make([]ids.AgentID, 0, len(m.agents))
	for id := range m.agents {
		agentIDs = append(agentIDs, id)
	}
	m.mu.Unlock()

	deadline := time.Now().Add(m.cfg.ShutdownTimeout)
	for time.Now().Before(deadline) {
		if m.countActive(agentIDs) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	pending := 0
	for _, id := range agentIDs {
		pending += m.bus.QueueDepth(string(id))
		m.cancelReg.Abort(string(id), "shutdown")
	}

	m.mu.Lock()
	for _, id := range agentIDs {
		if entry, ok := m.agents[id]; ok && entry.loop != nil {
			entry.loop.Stop()
		}
	}
	m.mu.Unlock()

	for _, id := range agentIDs {
		m.mu.Lock()
		entry, ok := m.agents[id]
		m.mu.Unlock()
		if !ok || entry.loop == nil {
			continue
		}
		select {
		case <-entry.loop.Wait():
		case <-time.After(2 * time.Second):
		}
	}

	active := m.countActive(agentIDs)
	return ShutdownResult{
		OK:              true,
		PendingMessages: pending,
		ActiveAgents:    active,
		ShutdownDuration: time.Since(start),
	}
}

func (m *Manager) countActive(agentIDs []ids.AgentID) int {
	active := 0
	for _, id := range agentIDs {
		status, ok := m.AgentStatus(id)
		if ok && status != turn.StatusIdle && status != turn.StatusStopped {
			active++
		}
	}
	return active
}

// IsShuttingDown reports whether Shutdown has been called.
func (m *Manager) IsShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

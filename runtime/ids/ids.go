// Package ids defines the strong, opaque identifier types shared across the
// runtime core: agents, roles, tasks, and messages. Values are UUID-backed
// strings; the sentinel agent identifiers Root and User are reserved and
// never generated.
package ids

import "github.com/google/uuid"

// AgentID identifies a live agent instance. Two sentinel values are reserved:
// Root (the top-level reasoning agent) and User (the human-endpoint sink).
type AgentID string

// RoleID identifies a role template.
type RoleID string

// TaskID groups related envelopes and turns under a single logical task.
type TaskID string

// MessageID identifies an individual envelope.
type MessageID string

const (
	// Root is the sentinel AgentID of the top-level reasoning agent. Root has
	// no parent and is never returned by Spawn.
	Root AgentID = "root"
	// User is the sentinel AgentID of the human-endpoint sink. User has no
	// parent, is never spawned, and always exists as a send/receive target.
	User AgentID = "user"
)

// IsSentinel reports whether id names one of the two reserved agents that
// exist outside the spawn/terminate lifecycle.
func (id AgentID) IsSentinel() bool {
	return id == Root || id == User
}

// NewAgentID generates a fresh, globally unique AgentID.
func NewAgentID() AgentID {
	return AgentID(uuid.NewString())
}

// NewRoleID generates a fresh, globally unique RoleID.
func NewRoleID() RoleID {
	return RoleID(uuid.NewString())
}

// NewTaskID generates a fresh, globally unique TaskID.
func NewTaskID() TaskID {
	return TaskID(uuid.NewString())
}

// NewMessageID generates a fresh, globally unique MessageID.
func NewMessageID() MessageID {
	return MessageID(uuid.NewString())
}

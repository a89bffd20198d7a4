// Package file implements the persist.Port (§6) against the plain-file
// layout §6 specifies verbatim: per-agent ndjson message logs, per-agent JSON
// conversation snapshots, and a JSON role/agent graph for restore. This is
// the runtime's default, dependency-free persistence backend; runtime/persist/mongo
// provides a database-backed alternative for multi-process deployments.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
)

// Store implements persist.Port against <runtimeDir>/{messages,conversations,org.json}.
type Store struct {
	mu         sync.Mutex
	runtimeDir string
	logHandles map[string]*os.File
}

// New prepares the directory layout under runtimeDir, creating it if
// necessary.
func New(runtimeDir string) (*Store, error) {
	if runtimeDir == "" {
		return nil, errors.New("file: runtimeDir is required")
	}
	for _, sub := range []string{"messages", "conversations"} {
		if err := os.MkdirAll(filepath.Join(runtimeDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("file: create %s dir: %w", sub, err)
		}
	}
	return &Store{runtimeDir: runtimeDir, logHandles: make(map[string]*os.File)}, nil
}

// Close releases all open message-log file handles.
func (s *Store) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for agentID, f := range s.logHandles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.logHandles, agentID)
	}
	return firstErr
}

// AppendLog implements persist.Port by appending env as one JSON line to
// <runtimeDir>/messages/<agentId>.ndjson.
func (s *Store) AppendLog(_ context.Context, agentID string, env envelope.Envelope) error {
	f, err := s.logFile(agentID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("file: marshal envelope: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("file: append log for %s: %w", agentID, err)
	}
	return nil
}

func (s *Store) logFile(agentID string) (*os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f, ok := s.logHandles[agentID]; ok {
		return f, nil
	}
	path := filepath.Join(s.runtimeDir, "messages", agentID+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("file: open log for %s: %w", agentID, err)
	}
	s.logHandles[agentID] = f
	return f, nil
}

// SnapshotConversation implements persist.Port by overwriting
// <runtimeDir>/conversations/<agentId>.json with the current record list.
func (s *Store) SnapshotConversation(_ context.Context, agentID string, records []conversation.ConversationRecord) error {
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("file: marshal conversation snapshot: %w", err)
	}
	path := filepath.Join(s.runtimeDir, "conversations", agentID+".json")
	return writeAtomic(path, data)
}

// orgGraph is the persisted shape of org.json: the full agent/role
// population, reloadable into lifecycle.RestoreEntry values at startup.
type orgGraph struct {
	Agents []orgAgent `json:"agents"`
}

type orgAgent struct {
	AgentID   ids.AgentID `json:"agentId"`
	RoleID    ids.RoleID  `json:"roleId"`
	ParentID  ids.AgentID `json:"parentId"`
	SpawnedAt string      `json:"spawnedAt"`
}

// SaveOrgGraph overwrites org.json with the given agent population. The
// lifecycle manager does not call it; nothing in the runtime rewrites
// org.json when the population changes.
func (s *Store) SaveOrgGraph(agents []lifecycle.RestoreEntry) error {
	graph := orgGraph{Agents: make([]orgAgent, 0, len(agents))}
	for _, a := range agents {
		graph.Agents = append(graph.Agents, orgAgent{
			AgentID:   a.AgentID,
			RoleID:    a.RoleID,
			ParentID:  a.ParentID,
			SpawnedAt: a.SpawnedAt.UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	data, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return fmt.Errorf("file: marshal org graph: %w", err)
	}
	return writeAtomic(filepath.Join(s.runtimeDir, "org.json"), data)
}

// LoadOrgGraph reads org.json, returning an empty slice (not an error) when
// the file does not yet exist — the first run of a fresh runtimeDir.
func (s *Store) LoadOrgGraph() ([]lifecycle.RestoreEntry, error) {
	path := filepath.Join(s.runtimeDir, "org.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read org graph: %w", err)
	}
	var graph orgGraph
	if err := json.Unmarshal(data, &graph); err != nil {
		return nil, fmt.Errorf("file: unmarshal org graph: %w", err)
	}
	out := make([]lifecycle.RestoreEntry, 0, len(graph.Agents))
	for _, a := range graph.Agents {
		entry := lifecycle.RestoreEntry{AgentID: a.AgentID, RoleID: a.RoleID, ParentID: a.ParentID}
		if t, err := parseTime(a.SpawnedAt); err == nil {
			entry.SpawnedAt = t
		}
		out = append(out, entry)
	}
	return out, nil
}

// LoadConversation reads a persisted conversation snapshot for agentID,
// returning nil (not an error) when none exists yet.
func (s *Store) LoadConversation(agentID string) ([]conversation.ConversationRecord, error) {
	path := filepath.Join(s.runtimeDir, "conversations", agentID+".json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("file: read conversation snapshot for %s: %w", agentID, err)
	}
	var records []conversation.ConversationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("file: unmarshal conversation snapshot for %s: %w", agentID, err)
	}
	return records, nil
}

func parseTime(s string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05.000Z", s)
}

// writeAtomic writes data to a temp file in the same directory then renames
// it over path, so a reader never observes a partially-written snapshot.
func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("file: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("file: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

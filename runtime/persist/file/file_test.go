package file_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/lifecycle"
	"github.com/zhanglunet/agent-society/runtime/persist/file"
)

func TestAppendLogWritesNdjsonLines(t *testing.T) {
	store, err := file.New(t.TempDir())
	require.NoError(t, err)

	env := envelope.Envelope{ID: "e1", From: "user", To: "agent1", Kind: envelope.KindText, Payload: envelope.TextPayload{Text: "hi"}}
	require.NoError(t, store.AppendLog(context.Background(), "agent1", env))
	require.NoError(t, store.AppendLog(context.Background(), "agent1", env))
	require.NoError(t, store.Close(context.Background()))
}

func TestSnapshotAndLoadConversationRoundTrips(t *testing.T) {
	store, err := file.New(t.TempDir())
	require.NoError(t, err)

	records := []conversation.ConversationRecord{
		{Role: conversation.RoleSystem, Content: "sys", CreatedAt: time.Now()},
		{Role: conversation.RoleUser, Content: "hello", CreatedAt: time.Now()},
	}
	require.NoError(t, store.SnapshotConversation(context.Background(), "agent1", records))

	loaded, err := store.LoadConversation("agent1")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "hello", loaded[1].Content)
}

func TestLoadConversationMissingReturnsNilNoError(t *testing.T) {
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	loaded, err := store.LoadConversation("ghost")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestOrgGraphRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := file.New(dir)
	require.NoError(t, err)

	entries := []lifecycle.RestoreEntry{
		{AgentID: ids.AgentID("a1"), RoleID: ids.RoleID("default"), ParentID: ids.Root, SpawnedAt: time.Now()},
	}
	require.NoError(t, store.SaveOrgGraph(entries))

	loaded, err := store.LoadOrgGraph()
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, ids.AgentID("a1"), loaded[0].AgentID)
	assert.FileExists(t, filepath.Join(dir, "org.json"))
}

func TestLoadOrgGraphMissingReturnsEmptyNoError(t *testing.T) {
	store, err := file.New(t.TempDir())
	require.NoError(t, err)
	loaded, err := store.LoadOrgGraph()
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

package conversation_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhanglunet/agent-society/runtime/conversation"
)

func TestSeedIsIdempotent(t *testing.T) {
	s := conversation.New(nil)
	s.Seed("a1", "you are a helpful agent", time.Now())
	s.Seed("a1", "a different prompt", time.Now())

	snap := s.Snapshot("a1")
	require.Len(t, snap, 1)
	assert.Equal(t, conversation.RoleSystem, snap[0].Role)
	assert.Equal(t, "you are a helpful agent", snap[0].Content)
}

func TestAppendEstimatesTokensWhenAbsent(t *testing.T) {
	s := conversation.New(nil)
	rec := s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleUser, Content: "hello there"})
	assert.True(t, rec.CountIsEstimate)
	assert.Greater(t, rec.TokenCount, 0)
}

func TestAppendPreservesAuthoritativeCount(t *testing.T) {
	s := conversation.New(nil)
	rec := s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleAssistant, Content: "done", TokenCount: 42})
	assert.False(t, rec.CountIsEstimate)
	assert.Equal(t, 42, rec.TokenCount)
}

func TestTokenTotalSumsAllRecords(t *testing.T) {
	s := conversation.New(nil)
	s.Seed("a1", "sys", time.Now())
	s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleUser, Content: "x", TokenCount: 5})
	s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleAssistant, Content: "y", TokenCount: 7})
	assert.Equal(t, 5+7+conversation.EstimateTokens("sys"), s.TokenTotal("a1"))
}

func TestReplaceAllOverwritesHistory(t *testing.T) {
	s := conversation.New(nil)
	s.Seed("a1", "sys", time.Now())
	s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleUser, Content: "x"})
	require.Equal(t, 2, s.Len("a1"))

	s.ReplaceAll("a1", []conversation.ConversationRecord{
		{Role: conversation.RoleSystem, Content: "sys"},
		{Role: conversation.RoleAssistant, Content: "summary", IsCompressed: true},
	})
	snap := s.Snapshot("a1")
	require.Len(t, snap, 2)
	assert.True(t, snap[1].IsCompressed)
}

// TestLockAtomicReadModifyWrite covers the compaction engine's usage
// pattern: read-then-conditionally-replace without a second snapshot copy.
func TestLockAtomicReadModifyWrite(t *testing.T) {
	s := conversation.New(nil)
	s.Seed("a1", "sys", time.Now())
	for i := 0; i < 15; i++ {
		s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleUser, Content: "x"})
	}

	var kept int
	s.Lock("a1", func(current []conversation.ConversationRecord) []conversation.ConversationRecord {
		kept = len(current)
		return nil // no-op replace
	})
	assert.Equal(t, 16, kept)
	assert.Equal(t, 16, s.Len("a1"))
}

type recordingSink struct {
	appends  []conversation.AppendEvent
	replaces []conversation.ReplaceEvent
}

func (r *recordingSink) OnAppend(e conversation.AppendEvent)   { r.appends = append(r.appends, e) }
func (r *recordingSink) OnReplace(e conversation.ReplaceEvent) { r.replaces = append(r.replaces, e) }

func TestSinkNotifiedOnAppendAndReplace(t *testing.T) {
	sink := &recordingSink{}
	s := conversation.New(sink)
	s.Seed("a1", "sys", time.Now())
	s.Append("a1", conversation.ConversationRecord{Role: conversation.RoleUser, Content: "x"})
	require.Len(t, sink.appends, 2)

	s.ReplaceAll("a1", []conversation.ConversationRecord{{Role: conversation.RoleSystem, Content: "sys"}})
	require.Len(t, sink.replaces, 1)
	assert.Equal(t, "a1", sink.replaces[0].AgentID)
}

func TestDropRemovesHistory(t *testing.T) {
	s := conversation.New(nil)
	s.Seed("a1", "sys", time.Now())
	s.Drop("a1")
	assert.Equal(t, 0, s.Len("a1"))
}

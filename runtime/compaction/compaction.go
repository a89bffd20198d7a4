// Package compaction implements the auto-compression engine (C5): it reads
// token totals from the conversation store, and when an agent's history
// grows past its context budget, summarizes everything but the system turn
// and a recent window into a single assistant record.
//
// Compression must never run concurrently with itself or with a turn's
// append on the same agent; Engine relies on conversation.Store.Lock to get
// that serialization for free rather than taking a second mutex.
package compaction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
)

// Config tunes when and how compression runs. Zero-value Config is invalid;
// use DefaultConfig.
type Config struct {
	// Threshold is the tokenTotal/contextLimit ratio that triggers compression.
	Threshold float64
	// KeepRecentCount is the number of most-recent records preserved verbatim.
	KeepRecentCount int
	// ContextLimit is the model's context window, in tokens.
	ContextLimit int
	// Timeout bounds the summarization call.
	Timeout time.Duration
	// SummaryModel, if non-empty, names the model the summarization call
	// should request; empty lets the reasoning service pick a default.
	SummaryModel string
	// SummaryMaxTokens caps the summarization response length; zero lets the
	// reasoning service pick a default.
	SummaryMaxTokens int
}

// DefaultConfig returns the spec's stated defaults: threshold 0.85, keep the
// most recent 10 records, 60s timeout.
func DefaultConfig(contextLimit int) Config {
	return Config{
		Threshold:       0.85,
		KeepRecentCount: 10,
		ContextLimit:    contextLimit,
		Timeout:         60 * time.Second,
	}
}

const summaryPromptTemplate = `Summarize the conversation transcript below into a single concise paragraph.
Preserve concrete facts, decisions, open questions, and anything a continuation of this conversation would need.
Do not editorialize or add commentary outside the summary itself.

Transcript:
%s`

// Engine is the C5 auto-compression engine, bound to one reasoning service
// (typically the same router used by the turn engine, so the summarization
// call shares rate limits with ordinary turns).
type Engine struct {
	store   *conversation.Store
	service reasoning.Service
	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// New constructs a compaction Engine over store, using service for the
// summarization call itself.
func New(store *conversation.Store, service reasoning.Service, logger telemetry.Logger, metrics telemetry.Metrics) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	return &Engine{store: store, service: service, logger: logger, metrics: metrics}
}

// MaybeCompress checks agentID's trigger condition and, if met, compresses
// its history in place. It is safe to call at the top of every turn
// iteration; when the condition isn't met it returns immediately without
// touching the store's lock.
func (e *Engine) MaybeCompress(ctx context.Context, agentID string, cfg Config, token cancel.Token) {
	total := e.store.TokenTotal(agentID)
	length := e.store.Len(agentID)
	minLength := 1 + cfg.KeepRecentCount + 1

	if cfg.ContextLimit <= 0 || float64(total)/float64(cfg.ContextLimit) < cfg.Threshold {
		return
	}
	if length <= minLength {
		return
	}

	e.logger.Info(ctx, "auto-compression triggered", "agentId", agentID, "tokenTotal", total, "contextLimit", cfg.ContextLimit, "length", length)
	e.metrics.IncCounter("compaction_triggered_total", 1, "agentId", agentID)

	var summary conversation.ConversationRecord
	var built bool

	e.store.Lock(agentID, func(current []conversation.ConversationRecord) []conversation.ConversationRecord {
		if len(current) <= minLength {
			return nil
		}
		toCompress := current[1 : len(current)-cfg.KeepRecentCount]
		if len(toCompress) == 0 {
			return nil
		}

		rec, ok := e.summarize(ctx, agentID, toCompress, cfg, token)
		if !ok {
			return nil
		}
		summary = rec
		built = true

		out := make([]conversation.ConversationRecord, 0, 1+1+cfg.KeepRecentCount)
		out = append(out, current[0])
		out = append(out, rec)
		out = append(out, current[len(current)-cfg.KeepRecentCount:]...)
		return out
	})

	if built {
		e.logger.Info(ctx, "auto-compression succeeded", "agentId", agentID, "summaryTokens", summary.TokenCount)
		e.metrics.IncCounter("compaction_succeeded_total", 1, "agentId", agentID)
	} else {
		e.logger.Info(ctx, "auto-compression no-op", "agentId", agentID)
		e.metrics.IncCounter("compaction_noop_total", 1, "agentId", agentID)
	}
}

// summarize calls the reasoning service to compress toCompress into a
// single record. On timeout, service error, or empty output, it logs and
// returns ok=false — the caller must leave the history untouched.
func (e *Engine) summarize(ctx context.Context, agentID string, toCompress []conversation.ConversationRecord, cfg Config, token cancel.Token) (conversation.ConversationRecord, bool) {
	callCtx, cancelFn := context.WithTimeout(ctx, cfg.Timeout)
	defer cancelFn()

	transcript := formatTranscript(toCompress)
	temperature := 0.0
	req := reasoning.Request{
		Model:       cfg.SummaryModel,
		Temperature: &temperature,
		MaxTokens:   cfg.SummaryMaxTokens,
		Messages: []reasoning.Message{
			{Role: reasoning.RoleUser, Content: fmt.Sprintf(summaryPromptTemplate, transcript)},
		},
	}

	resp, err := e.service.Chat(callCtx, agentID, req, token)
	if err != nil {
		e.logger.Warn(ctx, "auto-compression call failed", "agentId", agentID, "error", err)
		return conversation.ConversationRecord{}, false
	}
	if strings.TrimSpace(resp.Content) == "" {
		e.logger.Warn(ctx, "auto-compression call returned empty summary", "agentId", agentID)
		return conversation.ConversationRecord{}, false
	}

	content := "[compressed summary]\n" + resp.Content
	tokenCount := resp.Usage.TotalTokens
	if tokenCount == 0 {
		tokenCount = conversation.EstimateTokens(content)
	}
	return conversation.ConversationRecord{
		Role:         conversation.RoleAssistant,
		Content:      content,
		TokenCount:   tokenCount,
		IsCompressed: true,
		CreatedAt:    time.Now(),
	}, true
}

func formatTranscript(records []conversation.ConversationRecord) string {
	var sb strings.Builder
	for _, r := range records {
		fmt.Fprintf(&sb, "[%s] %s\n", r.Role, r.Content)
		for _, tc := range r.ToolCalls {
			fmt.Fprintf(&sb, "  tool_call %s(%s) -> %v\n", tc.Name, tc.ID, tc.Args)
		}
	}
	return sb.String()
}

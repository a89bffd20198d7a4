// Package turn implements the per-agent turn engine (C8): exactly one
// cooperatively scheduled loop per live agent, dequeuing envelopes,
// appending to the conversation store, calling the reasoning service, and
// dispatching tool calls until a final reply is ready.
package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/codes"

	"github.com/zhanglunet/agent-society/runtime/bus"
	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/compaction"
	"github.com/zhanglunet/agent-society/runtime/conversation"
	"github.com/zhanglunet/agent-society/runtime/envelope"
	"github.com/zhanglunet/agent-society/runtime/errs"
	"github.com/zhanglunet/agent-society/runtime/ids"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
	"github.com/zhanglunet/agent-society/runtime/telemetry"
	"github.com/zhanglunet/agent-society/runtime/tools"
)

// Status is the externally observable lifecycle state of one agent's turn
// loop. The loop is the sole writer; C9 lifecycle operations may only set
// Stopping/Stopped/Terminating, atomically with raising a cancellation.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusProcessing  Status = "processing"
	StatusWaitingLLM  Status = "waiting_llm"
	StatusStopping    Status = "stopping"
	StatusStopped     Status = "stopped"
	StatusTerminating Status = "terminating"
)

// StatusSink receives status transitions as the loop's sole writer computes
// them. The lifecycle manager implements this to keep its agent table
// current without the turn package importing it back.
type StatusSink interface {
	SetStatus(agentID string, status Status)
}

// StepTracker enforces the global maxSteps ceiling on total turns per
// submission (tracked by TaskID, since one submission may fan out across
// several spawned agents sharing a task). Increment returns the new count
// and whether the ceiling was exceeded. A nil StepTracker disables the check.
type StepTracker interface {
	Increment(taskID string) (count int, exceeded bool)
}

// Config tunes one agent's turn loop.
type Config struct {
	MaxToolRounds int
	Compaction    compaction.Config
}

// Deps are the shared collaborators every turn loop dispatches through.
// The lifecycle manager builds one Deps per loop from the same shared
// collaborators, so every agent dispatches through the same instances.
type Deps struct {
	Bus            *bus.Bus
	Store          *conversation.Store
	Compactor      *compaction.Engine
	Tools          *tools.Registry
	CancelRegistry *cancel.Registry
	Status         StatusSink
	Steps          StepTracker
	Logger         telemetry.Logger
	Metrics        telemetry.Metrics
	Tracer         telemetry.Tracer
}

// Loop is one agent's turn engine: exactly one instance is ever running per
// live agent. Construct with NewLoop and start with Start.
type Loop struct {
	agentID string
	service reasoning.Service
	model   string
	cfg     Config
	deps    Deps

	cancelRun context.CancelFunc
	stopped   chan struct{}
}

// NewLoop constructs a turn loop for agentID, bound to the reasoning
// service that will handle its chat calls (resolved by the lifecycle
// manager's per-role routing policy at spawn time).
func NewLoop(agentID string, service reasoning.Service, model string, cfg Config, deps Deps) *Loop {
	if deps.Logger == nil {
		deps.Logger = telemetry.NewNoopLogger()
	}
	if deps.Metrics == nil {
		deps.Metrics = telemetry.NewNoopMetrics()
	}
	if deps.Tracer == nil {
		deps.Tracer = telemetry.NewNoopTracer()
	}
	return &Loop{
		agentID: agentID,
		service: service,
		model:   model,
		cfg:     cfg,
		deps:    deps,
		stopped: make(chan struct{}),
	}
}

// Start begins the loop's goroutine. ctx bounds the loop's entire
// lifetime: cancelling ctx (e.g. on process shutdown) causes the loop to
// exit after its current AwaitNext or turn completes.
func (l *Loop) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.cancelRun = cancel
	go l.run(runCtx)
}

// Stop requests the loop exit; it does not wait for exit. Callers that need
// to observe exit should select on Wait().
func (l *Loop) Stop() {
	if l.cancelRun != nil {
		l.cancelRun()
	}
}

// Wait returns a channel closed once the loop's goroutine has returned.
func (l *Loop) Wait() <-chan struct{} { return l.stopped }

func (l *Loop) run(ctx context.Context) {
	defer close(l.stopped)
	for {
		if ctx.Err() != nil {
			return
		}
		token := l.deps.CancelRegistry.Token(l.agentID)
		env, err := l.deps.Bus.AwaitNext(ctx, l.agentID, token)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, bus.ErrCancelled) {
				// Cancelled with no in-flight call to abort (e.g. abortAgentLlmCall
				// fired while idle, or cascadeStopAgents touched us). Acknowledge by
				// looping back to re-bind a fresh token and keep waiting.
				continue
			}
			return
		}
		l.processTurn(ctx, env)
	}
}

func (l *Loop) processTurn(ctx context.Context, env envelope.Envelope) {
	ctx, span := l.deps.Tracer.Start(ctx, "turn.process")
	defer span.End()

	l.deps.Status.SetStatus(l.agentID, StatusProcessing)
	defer l.deps.Status.SetStatus(l.agentID, StatusIdle)

	if l.deps.Steps != nil {
		if _, exceeded := l.deps.Steps.Increment(env.TaskID); exceeded {
			l.emitError(ctx, env, errs.MaxToolRoundsExceeded, "global step ceiling exceeded", nil)
			return
		}
	}

	text := textOf(env.Payload)
	l.deps.Store.Append(l.agentID, conversation.ConversationRecord{
		Role:    conversation.RoleUser,
		Content: text,
	})

	rounds := 0
	for {
		token := l.deps.CancelRegistry.Token(l.agentID)

		l.deps.Compactor.MaybeCompress(ctx, l.agentID, l.cfg.Compaction, token)

		if token.IsCancelled() {
			l.emitAbort(ctx, env)
			return
		}

		l.deps.Status.SetStatus(l.agentID, StatusWaitingLLM)
		llmCtx, llmSpan := l.deps.Tracer.Start(ctx, "turn.llm_call")
		resp, callErr := l.service.Chat(llmCtx, l.agentID, l.buildRequest(), token)
		if callErr != nil {
			llmSpan.RecordError(callErr)
			llmSpan.SetStatus(codes.Error, callErr.Error())
		}
		llmSpan.End()
		l.deps.Status.SetStatus(l.agentID, StatusProcessing)

		if token.IsCancelled() || errors.Is(callErr, reasoning.ErrCancelled) {
			l.emitAbort(ctx, env)
			return
		}
		if callErr != nil {
			l.emitError(ctx, env, errs.LLMCallFailed, callErr.Error(), callErr)
			return
		}

		if len(resp.ToolCalls) == 0 {
			l.deps.Store.Append(l.agentID, conversation.ConversationRecord{
				Role:       conversation.RoleAssistant,
				Content:    resp.Content,
				TokenCount: resp.Usage.TotalTokens,
			})
			l.emitReply(ctx, env, resp.Content)
			return
		}

		l.deps.Store.Append(l.agentID, conversation.ConversationRecord{
			Role:       conversation.RoleAssistant,
			ToolCalls:  toConversationToolCalls(resp.ToolCalls),
			TokenCount: resp.Usage.TotalTokens,
		})

		rounds++
		if rounds > l.cfg.MaxToolRounds {
			l.emitError(ctx, env, errs.MaxToolRoundsExceeded, "tool round ceiling exceeded", nil)
			return
		}

		cancelledMidRound := false
		for _, tc := range resp.ToolCalls {
			if token.IsCancelled() {
				cancelledMidRound = true
				break
			}
			toolCtx, toolSpan := l.deps.Tracer.Start(ctx, "turn.tool_call")
			toolSpan.AddEvent("tool", "name", tc.Name)
			result, execErr := l.deps.Tools.Execute(toolCtx, tc.Name, tc.Args, tools.ExecContext{
				AgentID:   l.agentID,
				TaskID:    env.TaskID,
				MessageID: env.ID,
				Token:     token,
			})

			var content string
			var usage *envelope.Usage
			if execErr != nil {
				toolSpan.RecordError(execErr)
				toolSpan.SetStatus(codes.Error, execErr.Error())
				l.deps.Logger.Warn(ctx, "tool execution failed", "agentId", l.agentID, "tool", tc.Name, "error", execErr)
				content = fmt.Sprintf(`{"error":%q}`, execErr.Error())
			} else {
				content = serialize(result)
			}
			l.deps.Store.Append(l.agentID, conversation.ConversationRecord{
				Role:       conversation.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
			})
			l.publishToolObservation(env, tc, result, execErr, usage)
			toolSpan.End()
		}
		if cancelledMidRound {
			l.emitAbort(ctx, env)
			return
		}
	}
}

func (l *Loop) buildRequest() reasoning.Request {
	snap := l.deps.Store.Snapshot(l.agentID)
	messages := make([]reasoning.Message, 0, len(snap))
	for _, rec := range snap {
		messages = append(messages, reasoning.Message{
			Role:       reasoning.Role(rec.Role),
			Content:    rec.Content,
			ToolCalls:  toReasoningToolCalls(rec.ToolCalls),
			ToolCallID: rec.ToolCallID,
		})
	}
	specs := l.deps.Tools.ListTools()
	toolSpecs := make([]reasoning.ToolSpec, 0, len(specs))
	for _, s := range specs {
		toolSpecs = append(toolSpecs, reasoning.ToolSpec{Name: s.Name, Description: s.Description, ArgsSchema: s.ArgsSchema})
	}
	return reasoning.Request{Model: l.model, Messages: messages, Tools: toolSpecs}
}

func (l *Loop) emitReply(ctx context.Context, trigger envelope.Envelope, text string) {
	l.send(ctx, trigger, envelope.Envelope{
		From:    l.agentID,
		To:      trigger.From,
		TaskID:  trigger.TaskID,
		Kind:    envelope.KindText,
		Payload: envelope.TextPayload{Text: text},
	})
}

func (l *Loop) emitAbort(ctx context.Context, trigger envelope.Envelope) {
	l.send(ctx, trigger, envelope.Envelope{
		From:   l.agentID,
		To:     trigger.From,
		TaskID: trigger.TaskID,
		Kind:   envelope.KindAbort,
		Payload: envelope.AbortPayload{
			Kind:    "abort",
			Message: "turn cancelled",
		},
	})
}

func (l *Loop) emitError(ctx context.Context, trigger envelope.Envelope, kind errs.Kind, message string, cause error) {
	l.deps.Logger.Error(ctx, "turn error", "agentId", l.agentID, "errorType", string(kind), "message", message, "error", cause)
	original := ""
	if cause != nil {
		original = cause.Error()
	}
	l.send(ctx, trigger, envelope.Envelope{
		From:   l.agentID,
		To:     trigger.From,
		TaskID: trigger.TaskID,
		Kind:   envelope.KindError,
		Payload: envelope.ErrorPayload{
			Kind:          "error",
			ErrorType:     string(kind),
			Message:       message,
			AgentID:       l.agentID,
			OriginalError: original,
		},
	})
}

// send routes a reply to trigger.From. There is no fallback route: if the bus
// rejects the reply, a reply addressed to the user sink is dropped silently
// and a reply to any other terminated/unknown originator is dropped with a
// log, per the open-question resolution recorded in DESIGN.md.
func (l *Loop) send(ctx context.Context, trigger envelope.Envelope, reply envelope.Envelope) {
	_, err := l.deps.Bus.Send(reply)
	if err == nil {
		return
	}
	if trigger.From == string(ids.User) {
		return
	}
	l.deps.Logger.Warn(ctx, "dropping reply to unreachable originator", "agentId", l.agentID, "to", reply.To, "error", err)
}

func (l *Loop) publishToolObservation(trigger envelope.Envelope, tc reasoning.ToolCall, result any, execErr error, usage *envelope.Usage) {
	var errStr any
	if execErr != nil {
		errStr = execErr.Error()
	} else {
		errStr = result
	}
	obs := envelope.Envelope{
		From:   l.agentID,
		To:     string(ids.User),
		TaskID: trigger.TaskID,
		Kind:   envelope.KindToolCall,
		Payload: envelope.ToolCallPayload{
			ToolName: tc.Name,
			Args:     tc.Args,
			Result:   errStr,
			Usage:    usage,
		},
	}
	l.deps.Bus.Publish(obs)
}

func textOf(payload any) string {
	switch p := payload.(type) {
	case envelope.TextPayload:
		return p.Text
	case string:
		return p
	default:
		return fmt.Sprintf("%v", p)
	}
}

func toReasoningToolCalls(tcs []conversation.ToolCall) []reasoning.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]reasoning.ToolCall, len(tcs))
	for i, tc := range tcs {
		out[i] = reasoning.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}
	}
	return out
}

func toConversationToolCalls(tcs []reasoning.ToolCall) []conversation.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]conversation.ToolCall, len(tcs))
	for i, tc := range tcs {
		out[i] = conversation.ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args}
	}
	return out
}

func serialize(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

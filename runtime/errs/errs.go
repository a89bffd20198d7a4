// Package errs defines the closed error taxonomy surfaced by the turn
// engine in error reply payloads (spec §7). Every kind is a sentinel
// comparable via errors.Is; callers attach a message and cause via New.
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the eight closed error categories the turn engine can
// surface. No other kind is ever produced by this runtime.
type Kind string

const (
	// LLMCallFailed is a network or adapter failure calling the reasoning
	// service. The turn engine does not retry the call: the first failure is
	// surfaced at once as an error reply to the originator.
	LLMCallFailed Kind = "llm_call_failed"
	// LLMCallAborted means the agent's epoch was raised mid-call (user stop,
	// cascade). Never retried; surfaced as an abort, not an error.
	LLMCallAborted Kind = "llm_call_aborted"
	// ContextLimitExceeded means the request still exceeds the adapter's
	// token budget after at least one compression attempt.
	ContextLimitExceeded Kind = "context_limit_exceeded"
	// MaxToolRoundsExceeded means the inner tool-dispatch loop guard tripped.
	MaxToolRoundsExceeded Kind = "max_tool_rounds_exceeded"
	// AgentMessageProcessingFailed is an unexpected error in the turn loop
	// itself, not attributable to a specific call.
	AgentMessageProcessingFailed Kind = "agent_message_processing_failed"
	// ToolExecutionFailed means the tool dispatch registry returned an error
	// executing a specific tool call.
	ToolExecutionFailed Kind = "tool_execution_failed"
	// UnknownRecipient means the bus rejected a send to an unregistered
	// AgentID. Never raised to the sender's turn loop; logged and dropped.
	UnknownRecipient Kind = "unknown_recipient"
	// RecipientTerminating means the bus rejected a send to a recipient
	// mid-termination. Never raised to the sender's turn loop; logged and
	// dropped.
	RecipientTerminating Kind = "recipient_terminating"
)

// Error wraps a Kind with a user-facing message and optional underlying
// cause, matching the error envelope payload shape in spec §6.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, errs.New(errs.LLMCallFailed, "", nil)) or, more simply,
// compare against the Kind sentinels defined below.
func (e *Error) Is(target error) bool {
	var k *Error
	if errors.As(target, &k) {
		return e.Kind == k.Kind
	}
	return false
}

// New constructs an Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Sentinel kinds for errors.Is comparisons, e.g.
// errors.Is(err, errs.ErrLLMCallAborted).
var (
	ErrLLMCallFailed              = &Error{Kind: LLMCallFailed}
	ErrLLMCallAborted             = &Error{Kind: LLMCallAborted}
	ErrContextLimitExceeded       = &Error{Kind: ContextLimitExceeded}
	ErrMaxToolRoundsExceeded      = &Error{Kind: MaxToolRoundsExceeded}
	ErrAgentMessageProcessingFail = &Error{Kind: AgentMessageProcessingFailed}
	ErrToolExecutionFailed        = &Error{Kind: ToolExecutionFailed}
	ErrUnknownRecipient           = &Error{Kind: UnknownRecipient}
	ErrRecipientTerminating       = &Error{Kind: RecipientTerminating}
)

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, reporting ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Package envelope defines the immutable message envelope exchanged between
// agents (C1). Envelopes are stamped by the bus on enqueue and never mutated
// afterward; producing a modified envelope means constructing a new one.
package envelope

import "time"

// Kind discriminates the envelope payload shape.
type Kind string

const (
	// KindText carries a plain {text} payload between a user/agent and its peer.
	KindText Kind = "text"
	// KindToolCall carries a tool-call observation {toolName, args, result, usage}.
	KindToolCall Kind = "tool_call"
	// KindError carries an error notification.
	KindError Kind = "error"
	// KindAbort carries an abort notification (cancellation, not failure).
	KindAbort Kind = "abort"
	// KindSystem carries a system-originated control message.
	KindSystem Kind = "system"
)

// Priority controls queue-jump behavior within a single recipient's inbox.
// High-priority envelopes are dequeued ahead of all normal-priority
// envelopes but preserve FIFO order relative to each other.
type Priority string

const (
	// PriorityNormal is the default priority band.
	PriorityNormal Priority = "normal"
	// PriorityHigh jumps ahead of all PriorityNormal envelopes in the same inbox.
	PriorityHigh Priority = "high"
)

// Usage records token accounting returned by a reasoning-service call,
// attached to tool-call observation payloads and assistant turns alike.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

// TextPayload is the payload shape for KindText envelopes.
type TextPayload struct {
	Text string `json:"text"`
}

// ToolCallPayload is the payload shape for KindToolCall observation envelopes.
type ToolCallPayload struct {
	ToolName string `json:"toolName"`
	Args     any    `json:"args"`
	Result   any    `json:"result"`
	Usage    *Usage `json:"usage,omitempty"`
}

// ErrorPayload is the payload shape for KindError envelopes.
type ErrorPayload struct {
	Kind          string         `json:"kind"`
	ErrorType     string         `json:"errorType"`
	Message       string         `json:"message"`
	ErrorName     string         `json:"errorName,omitempty"`
	OriginalError string         `json:"originalError,omitempty"`
	AgentID       string         `json:"agentId,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	Extra         map[string]any `json:"extra,omitempty"`
}

// AbortPayload is the payload shape for KindAbort envelopes.
type AbortPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// AttachmentType identifies the kind of content an Attachment references.
type AttachmentType string

const (
	// AttachmentImage references image content.
	AttachmentImage AttachmentType = "image"
	// AttachmentFile references arbitrary file content.
	AttachmentFile AttachmentType = "file"
)

// Attachment is a reference to out-of-band content living in the workspace or
// artifact filesystem (out of scope here; referenced, never embedded).
//
// Ref follows one of two forms: "workspace:<relativePath>" or "artifact:<id>".
type Attachment struct {
	Ref      string         `json:"artifactRef"`
	Type     AttachmentType `json:"type"`
	Filename string         `json:"filename"`
}

// Envelope is the immutable unit of communication between two agents (or an
// agent and the user sink). Callers supply a partial Envelope to the bus,
// which stamps ID and CreatedAt when absent; see bus.Bus.Send.
type Envelope struct {
	ID                 string     `json:"id"`
	From               string     `json:"from"`
	To                 string     `json:"to"`
	TaskID             string     `json:"taskId"`
	Payload            any        `json:"payload"`
	Kind               Kind       `json:"kind"`
	CreatedAt          time.Time  `json:"createdAt"`
	ScheduledDeliveryAt *time.Time `json:"scheduledDeliveryAt,omitempty"`
	Priority           Priority   `json:"priority"`
	Attachments        []Attachment `json:"attachments,omitempty"`
}

// WithPriority returns a copy of the envelope with its priority overridden.
// Since envelopes are immutable once enqueued, this is only meaningful before
// the envelope is handed to the bus.
func (e Envelope) WithPriority(p Priority) Envelope {
	e.Priority = p
	return e
}

// IsScheduled reports whether the envelope carries a future release time.
func (e Envelope) IsScheduled(now time.Time) bool {
	return e.ScheduledDeliveryAt != nil && e.ScheduledDeliveryAt.After(now)
}

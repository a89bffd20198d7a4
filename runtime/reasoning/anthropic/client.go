// Package anthropic implements the reasoning.Service contract (C6) on top of
// the Anthropic Claude Messages API using github.com/anthropics/anthropic-sdk-go.
// It translates runtime reasoning.Request/Response values into Anthropic
// message params and back, and honors mid-flight cancellation by racing the
// call's cancel.Token against the Messages.New call.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

// MessagesClient captures the subset of the Anthropic SDK client used by the
// adapter, so tests can substitute a stub for *sdk.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Options configures the adapter's defaults for requests that do not specify
// their own model or token limits.
type Options struct {
	// DefaultModel is used when Request.Model is empty.
	DefaultModel string
	// MaxTokens is the completion cap used when Request.MaxTokens is zero.
	MaxTokens int
}

// Client implements reasoning.Service on top of Anthropic Claude Messages.
type Client struct {
	msg          MessagesClient
	defaultModel string
	maxTokens    int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Client from an Anthropic Messages client and options.
func New(msg MessagesClient, opts Options) (*Client, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("anthropic: default model is required")
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Client{
		msg:          msg,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		cancels:      make(map[string]context.CancelFunc),
	}, nil
}

// NewFromAPIKey constructs a Client using the default Anthropic HTTP
// transport, authenticated with apiKey.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// NewFromAPIKeyAndBaseURL is NewFromAPIKey for a non-default endpoint, e.g.
// an Anthropic-compatible gateway or proxy.
func NewFromAPIKeyAndBaseURL(apiKey, baseURL, defaultModel string) (*Client, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey), option.WithBaseURL(baseURL))
	return New(&ac.Messages, Options{DefaultModel: defaultModel})
}

// Chat issues one Messages.New call, racing the provider round-trip against
// token's cancellation channel so an AbortAgentLlmCall interrupts the HTTP
// request rather than waiting out its deadline.
func (c *Client) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	if token.IsCancelled() {
		return reasoning.Response{}, reasoning.ErrCancelled
	}

	callCtx, cancelFn := context.WithCancel(ctx)
	c.registerCancel(agentID, cancelFn)
	defer c.clearCancel(agentID, cancelFn)

	params, err := c.buildParams(req)
	if err != nil {
		cancelFn()
		return reasoning.Response{}, err
	}

	type result struct {
		msg *sdk.Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := c.msg.New(callCtx, params)
		done <- result{msg, err}
	}()

	select {
	case <-token.Done():
		cancelFn()
		<-done
		return reasoning.Response{}, reasoning.ErrCancelled
	case r := <-done:
		if r.err != nil {
			if errors.Is(callCtx.Err(), context.Canceled) {
				return reasoning.Response{}, reasoning.ErrCancelled
			}
			return reasoning.Response{}, fmt.Errorf("anthropic: messages.new: %w", r.err)
		}
		return translateResponse(r.msg), nil
	}
}

// Abort cancels agentID's in-flight HTTP call, if any. It is a best-effort
// companion to the cancel.Token race in Chat: a call that has not yet reached
// the select (still building params) is caught by the token check on entry.
func (c *Client) Abort(agentID string) {
	c.mu.Lock()
	cancelFn := c.cancels[agentID]
	c.mu.Unlock()
	if cancelFn != nil {
		cancelFn()
	}
}

func (c *Client) registerCancel(agentID string, fn context.CancelFunc) {
	c.mu.Lock()
	c.cancels[agentID] = fn
	c.mu.Unlock()
}

func (c *Client) clearCancel(agentID string, fn context.CancelFunc) {
	c.mu.Lock()
	if c.cancels[agentID] != nil {
		delete(c.cancels, agentID)
	}
	c.mu.Unlock()
	fn()
}

func (c *Client) buildParams(req reasoning.Request) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, system, err := encodeMessages(req.Messages)
	if err != nil {
		return sdk.MessageNewParams{}, err
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := encodeTools(req.Tools)
		if err != nil {
			return sdk.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

func encodeMessages(msgs []reasoning.Message) ([]sdk.MessageParam, string, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))
	var system string
	for _, m := range msgs {
		switch m.Role {
		case reasoning.RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
		case reasoning.RoleUser:
			out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(m.Content)))
		case reasoning.RoleAssistant:
			blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, sdk.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, tc.Args, tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, sdk.NewAssistantMessage(blocks...))
		case reasoning.RoleTool:
			content, err := toolResultContent(m.Content)
			if err != nil {
				return nil, "", err
			}
			out = append(out, sdk.NewUserMessage(sdk.NewToolResultBlock(m.ToolCallID, content, false)))
		default:
			return nil, "", fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, "", errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, system, nil
}

func toolResultContent(content string) (string, error) {
	return content, nil
}

func encodeTools(specs []reasoning.ToolSpec) ([]sdk.ToolUnionParam, error) {
	out := make([]sdk.ToolUnionParam, 0, len(specs))
	for _, spec := range specs {
		schema, err := toolInputSchema(spec.ArgsSchema)
		if err != nil {
			return nil, fmt.Errorf("anthropic: tool %q schema: %w", spec.Name, err)
		}
		u := sdk.ToolUnionParamOfTool(schema, spec.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(spec.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(schema any) (sdk.ToolInputSchemaParam, error) {
	if schema == nil {
		return sdk.ToolInputSchemaParam{}, nil
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}

func translateResponse(msg *sdk.Message) reasoning.Response {
	var resp reasoning.Response
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, reasoning.ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		case "thinking":
			resp.Reasoning += block.Thinking
		}
	}
	resp.Usage = reasoning.Usage{
		PromptTokens:     int(msg.Usage.InputTokens),
		CompletionTokens: int(msg.Usage.OutputTokens),
		TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}

// Package openai implements the reasoning.Service contract (C6) on top of
// the OpenAI-compatible Chat Completions API using
// github.com/sashabaranov/go-openai. It exists to let roles route to a
// cheaper or locally-hosted OpenAI-compatible endpoint (summarization,
// low-stakes subagents) alongside an Anthropic-backed default.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	openai "github.com/sashabaranov/go-openai"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

// ChatClient captures the subset of the go-openai client used by the
// adapter, so tests can substitute a stub.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Options configures the adapter's defaults.
type Options struct {
	Client       ChatClient
	DefaultModel string
}

// Client implements reasoning.Service via OpenAI Chat Completions.
type Client struct {
	chat  ChatClient
	model string

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Client from the given options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai: client is required")
	}
	model := strings.TrimSpace(opts.DefaultModel)
	if model == "" {
		return nil, errors.New("openai: default model is required")
	}
	return &Client{chat: opts.Client, model: model, cancels: make(map[string]context.CancelFunc)}, nil
}

// NewFromAPIKey constructs a Client using the default go-openai HTTP client.
func NewFromAPIKey(apiKey, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	return New(Options{Client: openai.NewClient(apiKey), DefaultModel: defaultModel})
}

// NewFromAPIKeyAndBaseURL is NewFromAPIKey for an OpenAI-compatible endpoint
// other than the public OpenAI API (e.g. a self-hosted or gateway deployment).
func NewFromAPIKeyAndBaseURL(apiKey, baseURL, defaultModel string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("openai: api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return New(Options{Client: openai.NewClientWithConfig(cfg), DefaultModel: defaultModel})
}

// Chat issues one chat completion, racing it against token's cancellation.
func (c *Client) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	if token.IsCancelled() {
		return reasoning.Response{}, reasoning.ErrCancelled
	}

	callCtx, cancelFn := context.WithCancel(ctx)
	c.registerCancel(agentID, cancelFn)
	defer c.clearCancel(agentID, cancelFn)

	request, err := c.buildRequest(req)
	if err != nil {
		cancelFn()
		return reasoning.Response{}, err
	}

	type result struct {
		resp openai.ChatCompletionResponse
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := c.chat.CreateChatCompletion(callCtx, request)
		done <- result{resp, err}
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
			return reasoning.Response{}, fmt.Errorf("openai: chat completion: %w", r.err)
		}
		return translateResponse(r.resp), nil
	}
}

// Abort cancels agentID's in-flight call, if any.
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

func (c *Client) buildRequest(req reasoning.Request) (openai.ChatCompletionRequest, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, encodeMessage(m))
	}
	tools, err := encodeTools(req.Tools)
	if err != nil {
		return openai.ChatCompletionRequest{}, err
	}
	request := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
		Tools:     tools,
	}
	if req.Temperature != nil {
		request.Temperature = float32(*req.Temperature)
	}
	return request, nil
}

func encodeMessage(m reasoning.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		args, _ := json.Marshal(tc.Args)
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: string(args),
			},
		})
	}
	return out
}

func encodeTools(specs []reasoning.ToolSpec) ([]openai.Tool, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		params, err := json.Marshal(spec.ArgsSchema)
		if err != nil {
			return nil, fmt.Errorf("openai: marshal tool %q schema: %w", spec.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return tools, nil
}

func translateResponse(resp openai.ChatCompletionResponse) reasoning.Response {
	var out reasoning.Response
	if len(resp.Choices) > 0 {
		choice := resp.Choices[0].Message
		out.Content = choice.Content
		for _, call := range choice.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, reasoning.ToolCall{
				ID:   call.ID,
				Name: call.Function.Name,
				Args: parseToolArguments(call.Function.Arguments),
			})
		}
	}
	out.Usage = reasoning.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	return out
}

func parseToolArguments(raw string) any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var payload any
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return map[string]any{"raw": raw}
	}
	return payload
}

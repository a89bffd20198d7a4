// Package bedrock implements the reasoning.Service contract (C6) on top of
// the AWS Bedrock Converse API using github.com/aws/aws-sdk-go-v2/service/bedrockruntime.
// It lets a role be pinned to a Bedrock-hosted model (e.g. for data residency
// or cost reasons) alongside Anthropic- or OpenAI-backed roles.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/zhanglunet/agent-society/runtime/cancel"
	"github.com/zhanglunet/agent-society/runtime/reasoning"
)

// RuntimeClient captures the subset of the AWS Bedrock runtime client used by
// the adapter, matched by *bedrockruntime.Client.
type RuntimeClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// Options configures the adapter's defaults.
type Options struct {
	DefaultModel string
	MaxTokens    int
}

// Client implements reasoning.Service on top of AWS Bedrock Converse.
type Client struct {
	runtime      RuntimeClient
	defaultModel string
	maxTokens    int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// New builds a Client from a Bedrock runtime client and options.
func New(runtime RuntimeClient, opts Options) (*Client, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("bedrock: default model is required")
	}
	return &Client{
		runtime:      runtime,
		defaultModel: opts.DefaultModel,
		maxTokens:    opts.MaxTokens,
		cancels:      make(map[string]context.CancelFunc),
	}, nil
}

// NewFromDefaultConfig builds a Client using the standard AWS SDK default
// credential/region resolution chain (environment, shared config, instance
// role).
func NewFromDefaultConfig(ctx context.Context, defaultModel string) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	return New(bedrockruntime.NewFromConfig(awsCfg), Options{DefaultModel: defaultModel})
}

// Chat issues one Converse call, racing the provider round-trip against
// token's cancellation channel.
func (c *Client) Chat(ctx context.Context, agentID string, req reasoning.Request, token cancel.Token) (reasoning.Response, error) {
	if token.IsCancelled() {
		return reasoning.Response{}, reasoning.ErrCancelled
	}

	callCtx, cancelFn := context.WithCancel(ctx)
	c.registerCancel(agentID, cancelFn)
	defer c.clearCancel(agentID, cancelFn)

	input, err := c.buildInput(req)
	if err != nil {
		cancelFn()
		return reasoning.Response{}, err
	}

	type result struct {
		out *bedrockruntime.ConverseOutput
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := c.runtime.Converse(callCtx, input)
		done <- result{out, err}
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
			return reasoning.Response{}, fmt.Errorf("bedrock: converse: %w", r.err)
		}
		return translateResponse(r.out), nil
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

func (c *Client) buildInput(req reasoning.Request) (*bedrockruntime.ConverseInput, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	messages, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	if maxTokens > 0 || req.Temperature != nil {
		cfg := &brtypes.InferenceConfiguration{}
		if maxTokens > 0 {
			cfg.MaxTokens = aws.Int32(int32(maxTokens))
		}
		if req.Temperature != nil {
			cfg.Temperature = aws.Float32(float32(*req.Temperature))
		}
		input.InferenceConfig = cfg
	}
	if len(req.Tools) > 0 {
		toolCfg, err := encodeTools(req.Tools)
		if err != nil {
			return nil, err
		}
		input.ToolConfig = toolCfg
	}
	return input, nil
}

func encodeMessages(msgs []reasoning.Message) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	var system []brtypes.SystemContentBlock
	for _, m := range msgs {
		switch m.Role {
		case reasoning.RoleSystem:
			system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Content})
		case reasoning.RoleUser:
			out = append(out, brtypes.Message{
				Role:    brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
			})
		case reasoning.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, 1+len(m.ToolCalls))
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     toDocument(tc.Args),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: blocks})
		case reasoning.RoleTool:
			out = append(out, brtypes.Message{
				Role: brtypes.ConversationRoleUser,
				Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
					ToolUseId: aws.String(m.ToolCallID),
					Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
				}}},
			})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, system, nil
}

func encodeTools(specs []reasoning.ToolSpec) (*brtypes.ToolConfiguration, error) {
	tools := make([]brtypes.Tool, 0, len(specs))
	for _, spec := range specs {
		tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(spec.Name),
			Description: aws.String(spec.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(spec.ArgsSchema)},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: tools}, nil
}

func toDocument(v any) document.Interface {
	return document.NewLazyDocument(&v)
}

func translateResponse(out *bedrockruntime.ConverseOutput) reasoning.Response {
	var resp reasoning.Response
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch b := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Content += b.Value
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, reasoning.ToolCall{
					ID:   aws.ToString(b.Value.ToolUseId),
					Name: aws.ToString(b.Value.Name),
					Args: decodeDocument(b.Value.Input),
				})
			}
		}
	}
	if out.Usage != nil {
		resp.Usage = reasoning.Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp
}

func decodeDocument(doc document.Interface) any {
	if doc == nil {
		return nil
	}
	var raw json.RawMessage
	if err := doc.UnmarshalSmithyDocument(&raw); err != nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return v
}

// Package bedrock provides a model.Client implementation backed by the AWS
// Bedrock Converse API. It translates crewflow requests into Converse and
// ConverseStream calls using github.com/aws/aws-sdk-go-v2 and maps the
// replies (text, reasoning, tool use, usage) back into model structures.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	smithy "github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type (
	// RuntimeClient is the subset of the Bedrock runtime used by the adapter.
	// Wrap a *bedrockruntime.Client with NewRuntime.
	RuntimeClient interface {
		Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
		ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error)
	}

	// StreamOutput is satisfied by *bedrockruntime.ConverseStreamOutput.
	StreamOutput interface {
		GetStream() *bedrockruntime.ConverseStreamEventStream
	}

	// Options configures the adapter.
	Options struct {
		// DefaultModel is the model or inference profile identifier used when
		// model.Request.Model is empty. Required.
		DefaultModel string
		// MaxTokens is used when a request does not set MaxTokens. Zero lets
		// Bedrock apply the model default.
		MaxTokens int
		// Temperature is used when a request does not set Temperature.
		Temperature float32
		// ThinkingBudget enables extended thinking on Claude models when a
		// request asks for it. Zero disables thinking.
		ThinkingBudget int
	}

	// Config selects the AWS region and endpoint of NewFromConfig.
	// Credentials come from the default AWS chain (environment, shared
	// config, instance role).
	Config struct {
		Region string
		// BaseURL overrides the Bedrock runtime endpoint.
		BaseURL string
	}

	// Client implements model.Client on top of Bedrock Converse.
	Client struct {
		runtime      RuntimeClient
		defaultModel string
		maxTok       int
		temp         float32
		think        int
	}

	runtimeAdapter struct {
		*bedrockruntime.Client
	}

	// request is an encoded Converse request plus the tool name mapping
	// needed to decode the reply.
	request struct {
		modelID    string
		messages   []brtypes.Message
		system     []brtypes.SystemContentBlock
		toolConfig *brtypes.ToolConfiguration
		inference  *brtypes.InferenceConfiguration
		fields     document.Interface
		toolNames  map[string]string
	}
)

const providerName = "bedrock"

// NewRuntime adapts the AWS client to RuntimeClient.
func NewRuntime(c *bedrockruntime.Client) RuntimeClient {
	return runtimeAdapter{Client: c}
}

// ConverseStream implements RuntimeClient.
func (r runtimeAdapter) ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (StreamOutput, error) {
	out, err := r.Client.ConverseStream(ctx, params, optFns...)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// New builds a Bedrock-backed model client.
func New(rt RuntimeClient, opts Options) (*Client, error) {
	if rt == nil {
		return nil, errors.New("bedrock runtime client is required")
	}
	if opts.DefaultModel == "" {
		return nil, errors.New("default model identifier is required")
	}
	if opts.ThinkingBudget > 0 && opts.ThinkingBudget < 1024 {
		return nil, fmt.Errorf("bedrock: thinking budget %d must be >= 1024", opts.ThinkingBudget)
	}
	return &Client{
		runtime:      rt,
		defaultModel: opts.DefaultModel,
		maxTok:       opts.MaxTokens,
		temp:         opts.Temperature,
		think:        opts.ThinkingBudget,
	}, nil
}

// NewFromConfig loads the default AWS configuration for cfg.Region and
// returns a client using it.
func NewFromConfig(ctx context.Context, cfg Config, opts Options) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load aws config: %w", err)
	}
	rt := bedrockruntime.NewFromConfig(awsCfg, func(o *bedrockruntime.Options) {
		if cfg.BaseURL != "" {
			o.BaseEndpoint = aws.String(cfg.BaseURL)
		}
	})
	return New(NewRuntime(rt), opts)
}

// Complete issues a Converse request.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	r, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:                      aws.String(r.modelID),
		Messages:                     r.messages,
		System:                       r.system,
		ToolConfig:                   r.toolConfig,
		InferenceConfig:              r.inference,
		AdditionalModelRequestFields: r.fields,
	})
	if err != nil {
		return nil, model.NewOracleError(providerName, "converse", classify(err))
	}
	return translateResponse(out, r.toolNames)
}

// Stream issues a ConverseStream request and adapts its events into
// model.Chunks.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	r, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	out, err := c.runtime.ConverseStream(ctx, &bedrockruntime.ConverseStreamInput{
		ModelId:                      aws.String(r.modelID),
		Messages:                     r.messages,
		System:                       r.system,
		ToolConfig:                   r.toolConfig,
		InferenceConfig:              r.inference,
		AdditionalModelRequestFields: r.fields,
	})
	if err != nil {
		return nil, model.NewOracleError(providerName, "converse_stream", classify(err))
	}
	es := out.GetStream()
	if es == nil {
		return nil, model.NewOracleError(providerName, "converse_stream", errors.New("stream output missing event stream"))
	}
	return newStreamer(ctx, es, r.toolNames), nil
}

func (c *Client) prepare(req *model.Request) (*request, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, errors.New("bedrock: messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.defaultModel
	}
	toolConfig, canonical, sanitized, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}
	messages, err := encodeMessages(req.Messages, sanitized)
	if err != nil {
		return nil, err
	}
	if toolConfig == nil && hasToolBlocks(messages) {
		return nil, errors.New("bedrock: messages contain tool use but the request has no tools")
	}
	r := &request{
		modelID:    modelID,
		messages:   messages,
		toolConfig: toolConfig,
		toolNames:  canonical,
	}
	system := req.System
	if rf := req.ResponseFormat; rf != nil {
		system += fmt.Sprintf("\n\nRespond only with a JSON object matching this JSON schema:\n%s", rf.Schema)
	}
	if system != "" {
		r.system = []brtypes.SystemContentBlock{&brtypes.SystemContentBlockMemberText{Value: system}}
	}
	r.inference = c.inferenceConfig(req)
	if req.Thinking && c.think > 0 {
		fields := map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": c.think},
		}
		r.fields = document.NewLazyDocument(&fields)
	}
	return r, nil
}

func (c *Client) inferenceConfig(req *model.Request) *brtypes.InferenceConfiguration {
	tokens := req.MaxTokens
	if tokens <= 0 {
		tokens = c.maxTok
	}
	temp := req.Temperature
	if temp <= 0 {
		temp = c.temp
	}
	if tokens <= 0 && temp <= 0 {
		return nil
	}
	var cfg brtypes.InferenceConfiguration
	if tokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(tokens)) //nolint:gosec // bounded by model limits
	}
	// Claude rejects a custom temperature when thinking is enabled.
	if temp > 0 && !(req.Thinking && c.think > 0) {
		cfg.Temperature = aws.Float32(temp)
	}
	return &cfg
}

// encodeMessages converts the prompt into Converse messages. Consecutive tool
// results are grouped into one user message as Bedrock requires.
func encodeMessages(msgs []model.Message, toolNames map[string]string) ([]brtypes.Message, error) {
	out := make([]brtypes.Message, 0, len(msgs))
	appendBlocks := func(role brtypes.ConversationRole, blocks ...brtypes.ContentBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, brtypes.Message{Role: role, Content: blocks})
	}
	for _, m := range msgs {
		switch m.Role {
		case model.RoleUser:
			if m.Content == "" {
				continue
			}
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberText{Value: m.Content})
		case model.RoleAssistant:
			blocks := make([]brtypes.ContentBlock, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, &brtypes.ContentBlockMemberText{Value: m.Content})
			}
			for _, call := range m.ToolCalls {
				name, ok := toolNames[call.Name]
				if !ok {
					name = SanitizeToolName(call.Name)
				}
				blocks = append(blocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(call.ID),
					Name:      aws.String(name),
					Input:     toDocument(call.Arguments),
				}})
			}
			if len(blocks) == 0 {
				continue
			}
			appendBlocks(brtypes.ConversationRoleAssistant, blocks...)
		case model.RoleTool:
			appendBlocks(brtypes.ConversationRoleUser, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.ToolCallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}})
		case model.RoleSystem:
			return nil, errors.New("bedrock: system prompts go in Request.System")
		default:
			return nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return out, nil
}

// encodeTools builds the tool configuration. It returns the maps from
// sanitized to canonical names and back.
func encodeTools(defs []model.ToolDefinition) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	canonical := make(map[string]string, len(defs))
	sanitized := make(map[string]string, len(defs))
	list := make([]brtypes.Tool, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		name := SanitizeToolName(def.Name)
		if prev, ok := canonical[name]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, name, prev)
		}
		canonical[name] = def.Name
		sanitized[def.Name] = name
		schema := def.InputSchema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		var decoded map[string]any
		if err := json.Unmarshal(schema, &decoded); err != nil {
			return nil, nil, nil, fmt.Errorf("bedrock: tool %q schema: %w", def.Name, err)
		}
		spec := brtypes.ToolSpecification{
			Name:        aws.String(name),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(decoded)},
		}
		if def.Description != "" {
			spec.Description = aws.String(def.Description)
		}
		list = append(list, &brtypes.ToolMemberToolSpec{Value: spec})
	}
	if len(list) == 0 {
		return nil, nil, nil, nil
	}
	return &brtypes.ToolConfiguration{Tools: list}, canonical, sanitized, nil
}

func hasToolBlocks(msgs []brtypes.Message) bool {
	for _, m := range msgs {
		for _, b := range m.Content {
			switch b.(type) {
			case *brtypes.ContentBlockMemberToolUse, *brtypes.ContentBlockMemberToolResult:
				return true
			}
		}
	}
	return false
}

func toDocument(raw json.RawMessage) document.Interface {
	var v any = map[string]any{}
	if len(raw) > 0 {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil && decoded != nil {
			v = decoded
		}
	}
	return document.NewLazyDocument(v)
}

func translateResponse(out *bedrockruntime.ConverseOutput, toolNames map[string]string) (*model.Response, error) {
	if out == nil {
		return nil, model.NewOracleError(providerName, "decode", errors.New("response is nil"))
	}
	resp := &model.Response{StopReason: string(out.StopReason)}
	if msg, ok := out.Output.(*brtypes.ConverseOutputMemberMessage); ok {
		for _, block := range msg.Value.Content {
			switch v := block.(type) {
			case *brtypes.ContentBlockMemberText:
				resp.Text += v.Value
			case *brtypes.ContentBlockMemberReasoningContent:
				if text, ok := v.Value.(*brtypes.ReasoningContentBlockMemberReasoningText); ok && text.Value.Text != nil {
					resp.Reasoning += *text.Value.Text
				}
			case *brtypes.ContentBlockMemberToolUse:
				resp.ToolCalls = append(resp.ToolCalls, model.ToolCall{
					ID:        aws.ToString(v.Value.ToolUseId),
					Name:      canonicalName(toolNames, aws.ToString(v.Value.Name)),
					Arguments: decodeDocument(v.Value.Input),
				})
			}
		}
	}
	if u := out.Usage; u != nil {
		resp.Usage = model.TokenUsage{
			InputTokens:  int(aws.ToInt32(u.InputTokens)),
			OutputTokens: int(aws.ToInt32(u.OutputTokens)),
			TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
		}
	}
	return resp, nil
}

// canonicalName maps a provider tool name back to the requested one. Unknown
// names are returned unchanged so the tool set reports them.
func canonicalName(toolNames map[string]string, name string) string {
	name = strings.TrimPrefix(name, "$FUNCTIONS.")
	if c, ok := toolNames[name]; ok {
		return c
	}
	return name
}

func decodeDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	data, err := doc.MarshalSmithyDocument()
	if err != nil || len(data) == 0 {
		return json.RawMessage("{}")
	}
	return json.RawMessage(data)
}

// classify marks throttling errors with model.ErrRateLimited.
func classify(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
		}
	}
	var respErr *smithyhttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return err
}

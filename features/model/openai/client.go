// Package openai provides a model.Client implementation backed by the OpenAI
// Chat Completions API and compatible endpoints. It translates crewflow
// requests into ChatCompletion calls using github.com/sashabaranov/go-openai
// and maps replies, including streamed reasoning_content, back to model
// structures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (
		*openai.ChatCompletionStream, error)
}

// Options configures the OpenAI adapter.
type Options struct {
	Client       ChatClient
	DefaultModel string
	// ReasoningEffort is sent when a request asks for thinking and the model
	// supports it ("low", "medium" or "high").
	ReasoningEffort string
}

// Config describes a client built from credentials.
type Config struct {
	APIKey string
	// BaseURL selects an OpenAI-compatible endpoint. Empty uses OpenAI.
	BaseURL         string
	Model           string
	ReasoningEffort string
	// HTTPClient overrides the HTTP client.
	HTTPClient *http.Client
}

// Client implements model.Client via the OpenAI Chat Completions API.
type Client struct {
	chat   ChatClient
	model  string
	effort string
}

type streamer struct {
	stream *openai.ChatCompletionStream
	calls  map[int]*model.ToolCall
	args   map[int][]byte
	queue  []model.Chunk
	done   bool
}

// New builds an OpenAI-backed model client from the provided options.
func New(opts Options) (*Client, error) {
	if opts.Client == nil {
		return nil, errors.New("openai client is required")
	}
	modelID := opts.DefaultModel
	if modelID == "" {
		return nil, errors.New("default model is required")
	}
	return &Client{chat: opts.Client, model: modelID, effort: opts.ReasoningEffort}, nil
}

// NewFromConfig constructs a client using the go-openai HTTP client.
func NewFromConfig(cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	if cfg.HTTPClient != nil {
		oc.HTTPClient = cfg.HTTPClient
	}
	return New(Options{
		Client:          openai.NewClientWithConfig(oc),
		DefaultModel:    cfg.Model,
		ReasoningEffort: cfg.ReasoningEffort,
	})
}

// Complete renders a chat completion using the configured OpenAI client.
func (c *Client) Complete(ctx context.Context, req *model.Request) (*model.Response, error) {
	request, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	response, err := c.chat.CreateChatCompletion(ctx, request)
	if err != nil {
		return nil, model.NewOracleError("openai", "complete", classify(err))
	}
	return translateResponse(response), nil
}

// Stream starts a streamed chat completion.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Streamer, error) {
	request, err := c.prepare(req)
	if err != nil {
		return nil, err
	}
	request.Stream = true
	request.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	st, err := c.chat.CreateChatCompletionStream(ctx, request)
	if err != nil {
		return nil, model.NewOracleError("openai", "stream", classify(err))
	}
	return &streamer{stream: st, calls: make(map[int]*model.ToolCall), args: make(map[int][]byte)}, nil
}

func (c *Client) prepare(req *model.Request) (openai.ChatCompletionRequest, error) {
	if req == nil || len(req.Messages) == 0 {
		return openai.ChatCompletionRequest{}, errors.New("messages are required")
	}
	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, call := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   call.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      call.Name,
					Arguments: string(call.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}
	request := openai.ChatCompletionRequest{
		Model:       modelID,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Tools:       encodeTools(req.Tools),
	}
	if rf := req.ResponseFormat; rf != nil {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   rf.Name,
				Schema: rf.Schema,
				Strict: true,
			},
		}
	}
	if req.Thinking && c.effort != "" {
		request.ReasoningEffort = c.effort
	}
	return request, nil
}

func encodeTools(defs []model.ToolDefinition) []openai.Tool {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.InputSchema,
			},
		})
	}
	return tools
}

func translateResponse(resp openai.ChatCompletionResponse) *model.Response {
	out := &model.Response{
		Usage: model.TokenUsage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
	}
	for _, choice := range resp.Choices {
		msg := choice.Message
		out.Text += msg.Content
		out.Reasoning += msg.ReasoningContent
		for _, call := range msg.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, model.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: arguments(call.Function.Arguments),
			})
		}
	}
	if len(resp.Choices) > 0 {
		out.StopReason = string(resp.Choices[0].FinishReason)
	}
	return out
}

// Recv implements model.Streamer. Tool call fragments are accumulated and
// delivered as complete calls once the provider finishes the reply.
func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.queue) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		resp, err := s.stream.Recv()
		if errors.Is(err, io.EOF) {
			s.done = true
			s.flushCalls()
			continue
		}
		if err != nil {
			return model.Chunk{}, model.NewOracleError("openai", "stream", classify(err))
		}
		s.push(resp)
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, nil
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}

func (s *streamer) push(resp openai.ChatCompletionStreamResponse) {
	for _, choice := range resp.Choices {
		d := choice.Delta
		if d.ReasoningContent != "" {
			s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeThinking, Thinking: d.ReasoningContent})
		}
		if d.Content != "" {
			s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeText, Text: d.Content})
		}
		for _, tc := range d.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := s.calls[idx]
			if !ok {
				call = &model.ToolCall{}
				s.calls[idx] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			s.args[idx] = append(s.args[idx], tc.Function.Arguments...)
		}
		if choice.FinishReason != "" {
			s.flushCalls()
			s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeStop, StopReason: string(choice.FinishReason)})
		}
	}
	if u := resp.Usage; u != nil {
		s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeUsage, Usage: &model.TokenUsage{
			InputTokens:  u.PromptTokens,
			OutputTokens: u.CompletionTokens,
			TotalTokens:  u.TotalTokens,
		}})
	}
}

// flushCalls queues the accumulated tool calls in index order.
func (s *streamer) flushCalls() {
	idx := make([]int, 0, len(s.calls))
	for i := range s.calls {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	for _, i := range idx {
		call := *s.calls[i]
		call.Arguments = arguments(string(s.args[i]))
		s.queue = append(s.queue, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &call})
	}
	clear(s.calls)
	clear(s.args)
}

func arguments(raw string) []byte {
	if raw == "" {
		return []byte("{}")
	}
	return []byte(raw)
}

// classify marks throttling errors with model.ErrRateLimited.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", model.ErrRateLimited, err)
	}
	return err
}

// Package model defines the decision oracle contract used by stage executors.
// It provides a provider-agnostic abstraction over chat completion APIs so
// executors can ask a language model for replies and routing decisions without
// coupling to a specific SDK. Provider adapters live under features/model.
package model

import (
	"context"
	"encoding/json"
	"errors"
)

type (
	// Client defines the contract executors use to invoke the oracle.
	// Implementations wrap provider SDKs and translate Request/Response to
	// provider formats. Clients must be safe for concurrent use: the same
	// client serves every run of the process.
	Client interface {
		// Complete sends a request and returns the full reply.
		Complete(ctx context.Context, req *Request) (*Response, error)

		// Stream sends a request and returns a Streamer yielding incremental
		// chunks. Providers that do not support streaming return
		// ErrStreamingUnsupported. Callers must Close the returned Streamer.
		Stream(ctx context.Context, req *Request) (Streamer, error)
	}

	// Streamer delivers incremental model output. Successive calls to Recv
	// return chunks until io.EOF.
	Streamer interface {
		// Recv returns the next chunk from the stream.
		Recv() (Chunk, error)
		// Close releases the stream.
		Close() error
	}

	// Role is the role of a message sent to the oracle.
	Role string

	// Message is a single entry of the prompt sent to the oracle.
	Message struct {
		// Role is the author of the message.
		Role Role
		// Name optionally labels the author (e.g. the stage that produced it).
		Name string
		// Content is the message text.
		Content string
		// ToolCalls lists tool invocations requested by an assistant message.
		ToolCalls []ToolCall
		// ToolCallID links a RoleTool message to the call it answers.
		ToolCallID string
	}

	// ToolDefinition describes a tool the oracle may call.
	ToolDefinition struct {
		// Name is the tool identifier.
		Name string
		// Description explains the tool to the model.
		Description string
		// InputSchema is the JSON schema of the tool input.
		InputSchema json.RawMessage
	}

	// ToolCall is a tool invocation requested by the oracle.
	ToolCall struct {
		// ID is the provider-assigned call identifier.
		ID string
		// Name is the tool name.
		Name string
		// Arguments is the JSON-encoded tool input.
		Arguments json.RawMessage
	}

	// ResponseFormat constrains the reply to JSON matching Schema.
	ResponseFormat struct {
		// Name identifies the schema for providers that require one.
		Name string
		// Schema is the JSON schema the reply must satisfy.
		Schema json.RawMessage
	}

	// Request captures the normalized parameters of an oracle invocation.
	Request struct {
		// Model overrides the client's default model identifier.
		Model string
		// System is the system prompt.
		System string
		// Messages is the ordered prompt history.
		Messages []Message
		// Tools lists the tools the oracle may call.
		Tools []ToolDefinition
		// ResponseFormat requests structured output when set.
		ResponseFormat *ResponseFormat
		// Temperature controls sampling. Zero uses the client default.
		Temperature float32
		// MaxTokens caps the reply length. Zero uses the client default.
		MaxTokens int
		// Thinking asks providers that support it to produce reasoning output.
		Thinking bool
	}

	// TokenUsage reports token consumption.
	TokenUsage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Response is a complete oracle reply.
	Response struct {
		// Text is the reply content.
		Text string
		// Reasoning is the out-of-band reasoning content, when the provider
		// exposes it.
		Reasoning string
		// ToolCalls lists tool invocations requested by the oracle.
		ToolCalls []ToolCall
		// Usage reports token usage when available.
		Usage TokenUsage
		// StopReason is the provider stop reason.
		StopReason string
	}

	// ChunkType classifies streaming chunks.
	ChunkType string

	// Chunk is an incremental piece of a streamed reply.
	Chunk struct {
		Type       ChunkType
		Text       string
		Thinking   string
		ToolCall   *ToolCall
		Usage      *TokenUsage
		StopReason string
	}
)

const (
	// RoleSystem marks system prompts.
	RoleSystem Role = "system"
	// RoleUser marks user input.
	RoleUser Role = "user"
	// RoleAssistant marks model replies.
	RoleAssistant Role = "assistant"
	// RoleTool marks tool results.
	RoleTool Role = "tool"
)

const (
	// ChunkTypeText carries reply text.
	ChunkTypeText ChunkType = "text"
	// ChunkTypeThinking carries reasoning content.
	ChunkTypeThinking ChunkType = "thinking"
	// ChunkTypeToolCall carries a complete tool call.
	ChunkTypeToolCall ChunkType = "tool_call"
	// ChunkTypeUsage carries token usage.
	ChunkTypeUsage ChunkType = "usage"
	// ChunkTypeStop marks the end of the reply.
	ChunkTypeStop ChunkType = "stop"
)

var (
	// ErrStreamingUnsupported indicates that the client does not support
	// streaming. Collect falls back to Complete.
	ErrStreamingUnsupported = errors.New("model: streaming not supported")
	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("model: rate limited")
)

// Package modeltest provides a scripted model.Client for tests.
package modeltest

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type (
	// Reply scripts one oracle call.
	Reply struct {
		// Tokens are streamed in order as text chunks.
		Tokens []string
		// Reasoning is streamed as one thinking chunk before the tokens.
		Reasoning string
		// ToolCalls are returned after the tokens.
		ToolCalls []model.ToolCall
		// Err fails the call.
		Err error
	}

	// Client replays scripted replies in order, one per Complete or Stream
	// call, and records the requests it received. Calls beyond the script fail.
	Client struct {
		mu       sync.Mutex
		replies  []Reply
		requests []*model.Request
		noStream bool
	}

	streamer struct {
		chunks []model.Chunk
		pos    int
		closed bool
	}
)

// ErrScriptExhausted is returned when more calls are made than scripted.
var ErrScriptExhausted = errors.New("modeltest: no scripted reply left")

// New returns a Client replaying replies.
func New(replies ...Reply) *Client {
	return &Client{replies: replies}
}

// Text is shorthand for a reply made of the given tokens.
func Text(tokens ...string) Reply {
	return Reply{Tokens: tokens}
}

// WithoutStreaming makes Stream return model.ErrStreamingUnsupported.
func (c *Client) WithoutStreaming() *Client {
	c.noStream = true
	return c
}

// Requests returns the requests received so far.
func (c *Client) Requests() []*model.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*model.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns the number of calls received.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

// Complete implements model.Client.
func (c *Client) Complete(_ context.Context, req *model.Request) (*model.Response, error) {
	r, err := c.next(req)
	if err != nil {
		return nil, err
	}
	return &model.Response{
		Text:      strings.Join(r.Tokens, ""),
		Reasoning: r.Reasoning,
		ToolCalls: r.ToolCalls,
	}, nil
}

// Stream implements model.Client.
func (c *Client) Stream(_ context.Context, req *model.Request) (model.Streamer, error) {
	if c.noStream {
		return nil, model.ErrStreamingUnsupported
	}
	r, err := c.next(req)
	if err != nil {
		return nil, err
	}
	var chunks []model.Chunk
	if r.Reasoning != "" {
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeThinking, Thinking: r.Reasoning})
	}
	for _, tok := range r.Tokens {
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeText, Text: tok})
	}
	for i := range r.ToolCalls {
		call := r.ToolCalls[i]
		chunks = append(chunks, model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &call})
	}
	chunks = append(chunks, model.Chunk{Type: model.ChunkTypeStop, StopReason: "stop"})
	return &streamer{chunks: chunks}, nil
}

func (c *Client) next(req *model.Request) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	if len(c.replies) == 0 {
		return Reply{}, ErrScriptExhausted
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	if r.Err != nil {
		return Reply{}, r.Err
	}
	return r, nil
}

func (s *streamer) Recv() (model.Chunk, error) {
	if s.closed || s.pos >= len(s.chunks) {
		return model.Chunk{}, io.EOF
	}
	ch := s.chunks[s.pos]
	s.pos++
	return ch, nil
}

func (s *streamer) Close() error {
	s.closed = true
	return nil
}

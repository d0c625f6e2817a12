package model

import (
	"context"
	"errors"
	"io"
	"strings"
)

// Collect streams req through c and returns the aggregated reply. onChunk, when
// not nil, observes every text and thinking chunk as it arrives; an error it
// returns aborts the collection and is returned as is. When the client does
// not support streaming, Collect falls back to Complete and reports the full
// reply as a single text chunk.
//
// Errors raised by the client are returned as OracleError.
func Collect(ctx context.Context, c Client, req *Request, onChunk func(Chunk) error) (*Response, error) {
	st, err := c.Stream(ctx, req)
	if errors.Is(err, ErrStreamingUnsupported) {
		resp, err := c.Complete(ctx, req)
		if err != nil {
			return nil, NewOracleError("", "complete", err)
		}
		if onChunk != nil {
			if resp.Reasoning != "" {
				if err := onChunk(Chunk{Type: ChunkTypeThinking, Thinking: resp.Reasoning}); err != nil {
					return nil, err
				}
			}
			if resp.Text != "" {
				if err := onChunk(Chunk{Type: ChunkTypeText, Text: resp.Text}); err != nil {
					return nil, err
				}
			}
		}
		return resp, nil
	}
	if err != nil {
		return nil, NewOracleError("", "stream", err)
	}
	defer func() { _ = st.Close() }()

	var (
		text      strings.Builder
		reasoning strings.Builder
		resp      Response
	)
	for {
		chunk, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, NewOracleError("", "stream", err)
		}
		switch chunk.Type {
		case ChunkTypeText:
			text.WriteString(chunk.Text)
		case ChunkTypeThinking:
			reasoning.WriteString(chunk.Thinking)
		case ChunkTypeToolCall:
			if chunk.ToolCall != nil {
				resp.ToolCalls = append(resp.ToolCalls, *chunk.ToolCall)
			}
		case ChunkTypeUsage:
			if chunk.Usage != nil {
				resp.Usage = *chunk.Usage
			}
		case ChunkTypeStop:
			resp.StopReason = chunk.StopReason
		}
		if onChunk != nil && (chunk.Type == ChunkTypeText || chunk.Type == ChunkTypeThinking) {
			if err := onChunk(chunk); err != nil {
				return nil, err
			}
		}
	}
	resp.Text = text.String()
	resp.Reasoning = reasoning.String()
	return &resp, nil
}

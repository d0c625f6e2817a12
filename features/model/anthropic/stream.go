package anthropic

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type (
	// streamer adapts an Anthropic Messages stream to model.Streamer. Events
	// are decoded on demand in the caller's goroutine.
	streamer struct {
		stream    *ssestream.Stream[sdk.MessageStreamEventUnion]
		processor *chunkProcessor
		queue     []model.Chunk
		done      bool
	}

	// chunkProcessor converts Anthropic streaming events into model.Chunks.
	chunkProcessor struct {
		emit       func(model.Chunk)
		toolBlocks map[int]*toolBuffer
		stopReason string
	}

	toolBuffer struct {
		name      string
		id        string
		fragments []string
	}
)

func newStreamer(stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamer {
	s := &streamer{stream: stream}
	s.processor = newChunkProcessor(func(c model.Chunk) { s.queue = append(s.queue, c) })
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	for len(s.queue) == 0 {
		if s.done {
			return model.Chunk{}, io.EOF
		}
		if !s.stream.Next() {
			s.done = true
			if err := s.stream.Err(); err != nil {
				return model.Chunk{}, model.NewOracleError("anthropic", "stream", classify(err))
			}
			continue
		}
		if err := s.processor.Handle(s.stream.Current()); err != nil {
			s.done = true
			return model.Chunk{}, model.NewOracleError("anthropic", "stream", err)
		}
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, nil
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	return s.stream.Close()
}

func newChunkProcessor(emit func(model.Chunk)) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolBlocks: make(map[int]*toolBuffer)}
}

// Handle processes one stream event.
func (p *chunkProcessor) Handle(event sdk.MessageStreamEventUnion) error {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		p.toolBlocks = make(map[int]*toolBuffer)
		p.stopReason = ""
	case sdk.ContentBlockStartEvent:
		toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock)
		if !ok {
			return nil
		}
		if toolUse.ID == "" {
			return fmt.Errorf("anthropic stream: tool use block missing id")
		}
		if toolUse.Name == "" {
			return fmt.Errorf("anthropic stream: tool use block %q missing name", toolUse.ID)
		}
		p.toolBlocks[int(ev.Index)] = &toolBuffer{id: toolUse.ID, name: toolUse.Name}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: delta.Thinking})
			}
		case sdk.InputJSONDelta:
			if tb := p.toolBlocks[int(ev.Index)]; tb != nil && delta.PartialJSON != "" {
				tb.fragments = append(tb.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			p.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: decodeToolPayload(strings.Join(tb.fragments, "")),
			}})
		}
	case sdk.MessageDeltaEvent:
		p.stopReason = string(ev.Delta.StopReason)
		usage := model.TokenUsage{
			InputTokens:  int(ev.Usage.InputTokens),
			OutputTokens: int(ev.Usage.OutputTokens),
			TotalTokens:  int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
	case sdk.MessageStopEvent:
		p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: p.stopReason})
		p.toolBlocks = make(map[int]*toolBuffer)
	}
	return nil
}

func decodeToolPayload(raw string) json.RawMessage {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = "{}"
	}
	return json.RawMessage(trimmed)
}

package bedrock

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type (
	// streamer adapts a ConverseStream event stream to model.Streamer. A
	// goroutine reads the event stream and feeds chunks to Recv.
	streamer struct {
		ctx    context.Context
		cancel context.CancelFunc
		stream *bedrockruntime.ConverseStreamEventStream
		chunks chan model.Chunk

		mu     sync.Mutex
		errSet bool
		err    error
	}

	// chunkProcessor converts ConverseStream events into model.Chunks.
	chunkProcessor struct {
		emit       func(model.Chunk) error
		toolNames  map[string]string
		toolBlocks map[int]*toolBuffer
	}

	toolBuffer struct {
		name      string
		id        string
		fragments []string
	}
)

func newStreamer(ctx context.Context, es *bedrockruntime.ConverseStreamEventStream, toolNames map[string]string) *streamer {
	cctx, cancel := context.WithCancel(ctx)
	s := &streamer{
		ctx:    cctx,
		cancel: cancel,
		stream: es,
		chunks: make(chan model.Chunk, 32),
	}
	go s.run(newChunkProcessor(s.emit, toolNames))
	return s
}

// Recv implements model.Streamer.
func (s *streamer) Recv() (model.Chunk, error) {
	select {
	case chunk, ok := <-s.chunks:
		if ok {
			return chunk, nil
		}
		if err := s.finalErr(); err != nil {
			return model.Chunk{}, err
		}
		return model.Chunk{}, io.EOF
	case <-s.ctx.Done():
		s.setErr(s.ctx.Err())
		return model.Chunk{}, s.ctx.Err()
	}
}

// Close implements model.Streamer.
func (s *streamer) Close() error {
	s.cancel()
	return s.stream.Close()
}

func (s *streamer) run(p *chunkProcessor) {
	defer close(s.chunks)
	defer func() { _ = s.stream.Close() }()
	events := s.stream.Events()
	for {
		select {
		case <-s.ctx.Done():
			s.setErr(s.ctx.Err())
			return
		case event, ok := <-events:
			if !ok {
				if err := s.stream.Err(); err != nil {
					s.setErr(model.NewOracleError(providerName, "converse_stream", classify(err)))
				}
				return
			}
			if err := p.Handle(event); err != nil {
				s.setErr(err)
				return
			}
		}
	}
}

func (s *streamer) emit(c model.Chunk) error {
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	case s.chunks <- c:
		return nil
	}
}

// setErr records the first terminal error.
func (s *streamer) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errSet {
		return
	}
	s.errSet = true
	s.err = err
}

func (s *streamer) finalErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func newChunkProcessor(emit func(model.Chunk) error, toolNames map[string]string) *chunkProcessor {
	return &chunkProcessor{emit: emit, toolNames: toolNames, toolBlocks: make(map[int]*toolBuffer)}
}

// Handle processes one stream event.
func (p *chunkProcessor) Handle(event brtypes.ConverseStreamOutput) error {
	switch ev := event.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		p.toolBlocks = make(map[int]*toolBuffer)
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if toolUse, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
			p.toolBlocks[idx] = &toolBuffer{
				name: canonicalName(p.toolNames, aws.ToString(toolUse.Value.Name)),
				id:   aws.ToString(toolUse.Value.ToolUseId),
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		switch delta := ev.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if delta.Value != "" {
				return p.emit(model.Chunk{Type: model.ChunkTypeText, Text: delta.Value})
			}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			if text, ok := delta.Value.(*brtypes.ReasoningContentBlockDeltaMemberText); ok && text.Value != "" {
				return p.emit(model.Chunk{Type: model.ChunkTypeThinking, Thinking: text.Value})
			}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			if tb := p.toolBlocks[idx]; tb != nil && delta.Value.Input != nil {
				tb.fragments = append(tb.fragments, *delta.Value.Input)
			}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx, err := contentIndex(ev.Value.ContentBlockIndex)
		if err != nil {
			return err
		}
		if tb := p.toolBlocks[idx]; tb != nil {
			delete(p.toolBlocks, idx)
			return p.emit(model.Chunk{Type: model.ChunkTypeToolCall, ToolCall: &model.ToolCall{
				ID:        tb.id,
				Name:      tb.name,
				Arguments: []byte(tb.input()),
			}})
		}
	case *brtypes.ConverseStreamOutputMemberMessageStop:
		p.toolBlocks = make(map[int]*toolBuffer)
		return p.emit(model.Chunk{Type: model.ChunkTypeStop, StopReason: string(ev.Value.StopReason)})
	case *brtypes.ConverseStreamOutputMemberMetadata:
		if u := ev.Value.Usage; u != nil {
			usage := model.TokenUsage{
				InputTokens:  int(aws.ToInt32(u.InputTokens)),
				OutputTokens: int(aws.ToInt32(u.OutputTokens)),
				TotalTokens:  int(aws.ToInt32(u.TotalTokens)),
			}
			return p.emit(model.Chunk{Type: model.ChunkTypeUsage, Usage: &usage})
		}
	}
	return nil
}

func (tb *toolBuffer) input() string {
	joined := strings.TrimSpace(strings.Join(tb.fragments, ""))
	if joined == "" {
		return "{}"
	}
	return joined
}

func contentIndex(idx *int32) (int, error) {
	if idx == nil {
		return 0, errors.New("bedrock: content block index missing")
	}
	if *idx < 0 {
		return 0, fmt.Errorf("bedrock: invalid content block index %d", *idx)
	}
	return int(*idx), nil
}

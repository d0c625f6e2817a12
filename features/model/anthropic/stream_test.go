package anthropic

import (
	"context"
	"errors"
	"io"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

// testDecoder feeds a fixed sequence of events to the ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.err != nil {
		return false
	}
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

func event(typ, data string) ssestream.Event {
	return ssestream.Event{Type: typ, Data: []byte(data)}
}

func TestStreamer_TextThinkingAndToolCall(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("message_start", `{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"claude"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"hmm"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"hel"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}`),
		event("content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"t1","name":"bash_tool","input":{}}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"cmd\":"}}`),
		event("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"\"ls\"}"}}`),
		event("content_block_stop", `{"type":"content_block_stop","index":2}`),
		event("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":7}}`),
		event("message_stop", `{"type":"message_stop"}`),
	}}
	stub := &stubMessagesClient{stream: ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil)}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	var streamed []string
	resp, err := model.Collect(context.Background(), cl, userRequest("list files"), func(c model.Chunk) error {
		streamed = append(streamed, c.Text+c.Thinking)
		return nil
	})
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(streamed) != 3 || streamed[0] != "hmm" || streamed[1] != "hel" || streamed[2] != "lo" {
		t.Fatalf("unexpected streamed chunks %q", streamed)
	}
	if resp.Text != "hello" || resp.Reasoning != "hmm" {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "bash_tool" || string(resp.ToolCalls[0].Arguments) != `{"cmd":"ls"}` {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.StopReason != "tool_use" || resp.Usage.OutputTokens != 7 {
		t.Fatalf("unexpected stop %q usage %+v", resp.StopReason, resp.Usage)
	}
}

func TestStreamer_MalformedToolBlock(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		event("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"partial"}}`),
		event("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"","name":"bash_tool","input":{}}}`),
	}}
	s := newStreamer(ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	c, err := s.Recv()
	if err != nil || c.Text != "partial" {
		t.Fatalf("unexpected first chunk %+v, %v", c, err)
	}
	if _, err := s.Recv(); !errors.Is(err, model.ErrOracle) {
		t.Fatalf("expected oracle error, got %v", err)
	}
	if _, err := s.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF after failure, got %v", err)
	}
}

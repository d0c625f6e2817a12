package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/crewflow/crewflow/runtime/agent/model"
)

type stubMessagesClient struct {
	lastParams sdk.MessageNewParams
	resp       *sdk.Message
	err        error

	stream *ssestream.Stream[sdk.MessageStreamEventUnion]
}

func (s *stubMessagesClient) New(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) (*sdk.Message, error) {
	s.lastParams = body
	return s.resp, s.err
}

func (s *stubMessagesClient) NewStreaming(_ context.Context, body sdk.MessageNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion] {
	s.lastParams = body
	if s.stream == nil {
		s.stream = ssestream.NewStream[sdk.MessageStreamEventUnion](&testDecoder{}, nil)
	}
	return s.stream
}

func userRequest(text string) *model.Request {
	return &model.Request{
		System:   "you are the planner",
		Messages: []model.Message{{Role: model.RoleUser, Content: text}},
	}
}

func TestComplete_TextAndThinking(t *testing.T) {
	stub := &stubMessagesClient{}
	cl, err := New(stub, Options{DefaultModel: "claude-sonnet-4-5", MaxTokens: 4096, ThinkingBudget: 2048})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub.resp = &sdk.Message{
		Content: []sdk.ContentBlockUnion{
			{Type: "thinking", Thinking: "let me see"},
			{Type: "text", Text: "world"},
		},
		StopReason: sdk.StopReasonEndTurn,
		Usage:      sdk.Usage{InputTokens: 10, OutputTokens: 5},
	}

	req := userRequest("hello")
	req.Thinking = true
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Text != "world" || resp.Reasoning != "let me see" {
		t.Fatalf("unexpected reply %+v", resp)
	}
	if resp.StopReason != string(sdk.StopReasonEndTurn) {
		t.Fatalf("unexpected stop reason %q", resp.StopReason)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", resp.Usage)
	}
	p := stub.lastParams
	if p.MaxTokens != 4096 || string(p.Model) != "claude-sonnet-4-5" {
		t.Fatalf("unexpected params: max=%d model=%s", p.MaxTokens, p.Model)
	}
	if len(p.System) != 1 || p.System[0].Text != "you are the planner" {
		t.Fatalf("unexpected system %+v", p.System)
	}
	if p.Thinking.OfEnabled == nil || p.Thinking.OfEnabled.BudgetTokens != 2048 {
		t.Fatalf("expected thinking to be enabled")
	}
}

func TestComplete_ToolUse(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{
		{Type: "tool_use", ID: "t1", Name: "web_search", Input: json.RawMessage(`{"query":"go"}`)},
	}}}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := userRequest("find go")
	req.Tools = []model.ToolDefinition{{
		Name:        "web_search",
		Description: "Search the web",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}}}`),
	}}
	resp, err := cl.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "web_search" || resp.ToolCalls[0].ID != "t1" {
		t.Fatalf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if string(resp.ToolCalls[0].Arguments) != `{"query":"go"}` {
		t.Fatalf("unexpected arguments %s", resp.ToolCalls[0].Arguments)
	}
	if len(stub.lastParams.Tools) != 1 {
		t.Fatalf("expected one tool, got %d", len(stub.lastParams.Tools))
	}
	if props := stub.lastParams.Tools[0].OfTool.InputSchema.ExtraFields["properties"]; props == nil {
		t.Fatalf("schema properties were dropped")
	}
}

func TestComplete_ResponseFormatInSystem(t *testing.T) {
	stub := &stubMessagesClient{resp: &sdk.Message{Content: []sdk.ContentBlockUnion{{Type: "text", Text: `{"next":"FINISH"}`}}}}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	req := userRequest("route")
	req.ResponseFormat = &model.ResponseFormat{Name: "router", Schema: json.RawMessage(`{"required":["next"]}`)}
	if _, err := cl.Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !strings.Contains(stub.lastParams.System[0].Text, `{"required":["next"]}`) {
		t.Fatalf("schema missing from system prompt: %q", stub.lastParams.System[0].Text)
	}
}

func TestComplete_Errors(t *testing.T) {
	boom := errors.New("boom")
	stub := &stubMessagesClient{err: boom}
	cl, err := New(stub, Options{DefaultModel: "claude"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = cl.Complete(context.Background(), userRequest("hi"))
	if !errors.Is(err, model.ErrOracle) || !errors.Is(err, boom) {
		t.Fatalf("expected oracle error wrapping boom, got %v", err)
	}
	if _, err := cl.Complete(context.Background(), &model.Request{}); err == nil {
		t.Fatalf("expected error for empty request")
	}
	if _, err := New(stub, Options{DefaultModel: "claude", MaxTokens: 1000, ThinkingBudget: 2000}); err == nil {
		t.Fatalf("expected error for thinking budget above max tokens")
	}
	if _, err := New(nil, Options{DefaultModel: "claude"}); err == nil {
		t.Fatalf("expected error for nil client")
	}
}

func TestEncodeMessages(t *testing.T) {
	msgs, err := encodeMessages([]model.Message{
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleAssistant, ToolCalls: []model.ToolCall{{ID: "c1", Name: "crawl_tool", Arguments: json.RawMessage(`{"url":"x"}`)}}},
		{Role: model.RoleTool, ToolCallID: "c1", Content: "page"},
	})
	if err != nil {
		t.Fatalf("encodeMessages: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[1].Role != sdk.MessageParamRoleAssistant || msgs[2].Role != sdk.MessageParamRoleUser {
		t.Fatalf("unexpected roles %s %s", msgs[1].Role, msgs[2].Role)
	}
	if _, err := encodeMessages([]model.Message{{Role: model.RoleSystem, Content: "x"}}); err == nil {
		t.Fatalf("expected error for system role")
	}
}

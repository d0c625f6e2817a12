package openai_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	openaimodel "github.com/crewflow/crewflow/features/model/openai"
	"github.com/crewflow/crewflow/runtime/agent/model"
)

// fakeAPI serves /chat/completions and records the last request body.
type fakeAPI struct {
	captured map[string]any
	status   int
	reply    string
	chunks   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = json.Unmarshal(body, &f.captured)
	if f.status != 0 {
		w.WriteHeader(f.status)
		_, _ = fmt.Fprint(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
		return
	}
	if f.chunks == nil {
		w.Header().Set("Content-Type", "application/json")
		_, _ = fmt.Fprint(w, f.reply)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	for _, c := range f.chunks {
		_, _ = fmt.Fprintf(w, "data: %s\n\n", c)
	}
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
}

func newClient(t *testing.T, api *fakeAPI) *openaimodel.Client {
	t.Helper()
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	c, err := openaimodel.NewFromConfig(openaimodel.Config{
		APIKey:          "test",
		BaseURL:         srv.URL,
		Model:           "gpt-4o",
		ReasoningEffort: "high",
	})
	require.NoError(t, err)
	return c
}

func TestClientComplete(t *testing.T) {
	api := &fakeAPI{reply: `{
		"choices":[{"finish_reason":"stop","message":{"role":"assistant","content":"hi there",
			"tool_calls":[{"id":"c1","type":"function","function":{"name":"lookup","arguments":"{\"query\":\"docs\"}"}}]}}],
		"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`}
	client := newClient(t, api)

	resp, err := client.Complete(context.Background(), &model.Request{
		System:   "be brief",
		Messages: []model.Message{{Role: model.RoleUser, Name: "coder", Content: "ping"}},
		Tools: []model.ToolDefinition{{
			Name:        "lookup",
			Description: "Search",
			InputSchema: json.RawMessage(`{"type":"object"}`),
		}},
		ResponseFormat: &model.ResponseFormat{Name: "router", Schema: json.RawMessage(`{"type":"object"}`)},
		Thinking:       true,
	})
	require.NoError(t, err)
	require.Equal(t, "hi there", resp.Text)
	require.Equal(t, "lookup", resp.ToolCalls[0].Name)
	require.JSONEq(t, `{"query":"docs"}`, string(resp.ToolCalls[0].Arguments))
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, 15, resp.Usage.TotalTokens)

	req := api.captured
	require.Equal(t, "gpt-4o", req["model"])
	require.Equal(t, "high", req["reasoning_effort"])
	msgs := req["messages"].([]any)
	require.Len(t, msgs, 2)
	require.Equal(t, "system", msgs[0].(map[string]any)["role"])
	require.Equal(t, "coder", msgs[1].(map[string]any)["name"])
	format := req["response_format"].(map[string]any)
	require.Equal(t, "json_schema", format["type"])
	require.Len(t, req["tools"], 1)
}

func TestClientStream(t *testing.T) {
	api := &fakeAPI{chunks: []string{
		`{"choices":[{"index":0,"delta":{"reasoning_content":"thinking"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
		`{"choices":[{"index":0,"delta":{"content":"lo"}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"c1","type":"function","function":{"name":"search","arguments":"{\"q\":"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"\"go\"}"}}]}}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	}}
	client := newClient(t, api)

	var tokens []string
	resp, err := model.Collect(context.Background(), client, &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	}, func(c model.Chunk) error {
		tokens = append(tokens, c.Text+c.Thinking)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"thinking", "Hel", "lo"}, tokens)
	require.Equal(t, "Hello", resp.Text)
	require.Equal(t, "thinking", resp.Reasoning)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "c1", resp.ToolCalls[0].ID)
	require.JSONEq(t, `{"q":"go"}`, string(resp.ToolCalls[0].Arguments))
	require.Equal(t, "stop", resp.StopReason)
	require.Equal(t, true, api.captured["stream"])
}

func TestClientRateLimited(t *testing.T) {
	client := newClient(t, &fakeAPI{status: http.StatusTooManyRequests})
	_, err := client.Complete(context.Background(), &model.Request{
		Messages: []model.Message{{Role: model.RoleUser, Content: "hi"}},
	})
	require.ErrorIs(t, err, model.ErrOracle)
	require.ErrorIs(t, err, model.ErrRateLimited)
}

func TestClientValidation(t *testing.T) {
	_, err := openaimodel.New(openaimodel.Options{})
	require.Error(t, err)
	_, err = openaimodel.NewFromConfig(openaimodel.Config{Model: "m"})
	require.Error(t, err)

	client := newClient(t, &fakeAPI{})
	_, err = client.Complete(context.Background(), &model.Request{})
	require.Error(t, err)
}

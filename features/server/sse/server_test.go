package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/executor"
	"github.com/crewflow/crewflow/runtime/agent/model"
	"github.com/crewflow/crewflow/runtime/agent/model/modeltest"
	"github.com/crewflow/crewflow/runtime/agent/prompts"
	"github.com/crewflow/crewflow/runtime/agent/run"
	runloginmem "github.com/crewflow/crewflow/runtime/agent/runlog/inmem"
	"github.com/crewflow/crewflow/runtime/agent/runtime"
	"github.com/crewflow/crewflow/runtime/agent/stage"
	"github.com/crewflow/crewflow/runtime/agent/stream"
	"github.com/crewflow/crewflow/runtime/agent/tools"
)

type frame struct {
	event string
	data  string
}

func newRuntime(t *testing.T, basic *modeltest.Client, opts ...runtime.Option) *runtime.Runtime {
	t.Helper()
	lib, err := prompts.Default()
	require.NoError(t, err)
	nop := tools.CapabilityFunc(func(context.Context, []run.Message, tools.Tracer) (string, error) {
		return "done", nil
	})
	team, err := executor.NewTeam(stage.DefaultRegistry(), executor.TeamConfig{
		Oracles: model.NewRegistry(map[model.Strength]model.Factory{
			model.StrengthBasic: func(context.Context) (model.Client, error) { return basic, nil },
		}),
		Prompts: lib,
		Capabilities: map[stage.Stage]tools.Capability{
			stage.Researcher: nop,
			stage.Coder:      nop,
			stage.Browser:    nop,
		},
	})
	require.NoError(t, err)
	rt, err := runtime.New(append([]runtime.Option{runtime.WithExecutors(team)}, opts...)...)
	require.NoError(t, err)
	return rt
}

func newServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	srv, err := New(opts)
	require.NoError(t, err)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return ts
}

func readFrames(t *testing.T, body io.Reader) []frame {
	t.Helper()
	var (
		frames []frame
		cur    frame
	)
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			cur.event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			cur.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			frames = append(frames, cur)
			cur = frame{}
		}
	}
	require.NoError(t, sc.Err())
	return frames
}

func postChat(t *testing.T, ts *httptest.Server, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(ts.URL+"/api/chat/stream", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestChatStreamsGreeting(t *testing.T) {
	basic := modeltest.New(modeltest.Text("He", "llo, how can I help?"))
	ts := newServer(t, Options{Runner: newRuntime(t, basic)})

	resp := postChat(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	require.NotEmpty(t, resp.Header.Get("X-Run-ID"))

	var text strings.Builder
	for _, f := range readFrames(t, resp.Body) {
		require.NotEqual(t, "error", f.event)
		if f.event != string(stream.EventMessage) {
			continue
		}
		var p stream.MessagePayload
		require.NoError(t, json.Unmarshal([]byte(f.data), &p))
		text.WriteString(p.Delta.Content)
	}
	require.Equal(t, "Hello, how can I help?", text.String())
}

func TestChatHandoffEndsWithWorkflowEnd(t *testing.T) {
	basic := modeltest.New(
		modeltest.Text("handoff_to_planner()"),
		modeltest.Text(`{"steps":[]}`),
		modeltest.Text(`{"next":"FINISH"}`),
	)
	ts := newServer(t, Options{Runner: newRuntime(t, basic)})

	resp := postChat(t, ts, `{"messages":[{"role":"user","content":[{"type":"text","text":"plan <a> trip"}]}],"deep_thinking_mode":false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readFrames(t, resp.Body)
	require.NotEmpty(t, frames)
	var starts []frame
	for _, f := range frames {
		if f.event == string(stream.EventWorkflowStart) {
			starts = append(starts, f)
		}
	}
	require.Len(t, starts, 1)
	require.Contains(t, starts[0].data, "plan <a> trip", "payloads are not HTML escaped")
	last := frames[len(frames)-1]
	require.Equal(t, string(stream.EventWorkflowEnd), last.event)
	var end stream.WorkflowEndPayload
	require.NoError(t, json.Unmarshal([]byte(last.data), &end))
	require.Equal(t, resp.Header.Get("X-Run-ID"), end.WorkflowID)
}

func TestChatRejectsEmptyInput(t *testing.T) {
	basic := modeltest.New()
	ts := newServer(t, Options{Runner: newRuntime(t, basic)})

	resp := postChat(t, ts, `{"messages":[]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "Input could not be empty", body["detail"])
	require.Zero(t, basic.Calls())

	resp = postChat(t, ts, `{"messages":[{"role":"robot","content":"x"}]}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postChat(t, ts, `not json`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatWritesErrorFrame(t *testing.T) {
	basic := modeltest.New(modeltest.Text("handoff_to_planner"), modeltest.Reply{Err: io.ErrUnexpectedEOF})
	ts := newServer(t, Options{Runner: newRuntime(t, basic)})

	resp := postChat(t, ts, `{"messages":[{"role":"user","content":"plan"}]}`)
	frames := readFrames(t, resp.Body)
	last := frames[len(frames)-1]
	require.Equal(t, "error", last.event)
	require.Contains(t, last.data, "unexpected EOF")
}

func TestRunRecordAndEvents(t *testing.T) {
	basic := modeltest.New(modeltest.Text("Hello"))
	ts := newServer(t, Options{Runner: newRuntime(t, basic, runtime.WithRunEventStore(runloginmem.New()))})

	resp := postChat(t, ts, `{"messages":[{"role":"user","content":"hi"}]}`)
	frames := readFrames(t, resp.Body)
	runID := resp.Header.Get("X-Run-ID")

	rec, err := http.Get(ts.URL + "/api/runs/" + runID)
	require.NoError(t, err)
	defer rec.Body.Close()
	require.Equal(t, http.StatusOK, rec.StatusCode)
	var view recordView
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&view))
	require.Equal(t, runID, view.RunID)
	require.Equal(t, string(run.StatusCompleted), view.Status)

	evs, err := http.Get(ts.URL + "/api/runs/" + runID + "/events?limit=1000")
	require.NoError(t, err)
	defer evs.Body.Close()
	require.Equal(t, http.StatusOK, evs.StatusCode)
	var page pageView
	require.NoError(t, json.NewDecoder(evs.Body).Decode(&page))
	require.Len(t, page.Events, len(frames))
	for i, e := range page.Events {
		require.Equal(t, frames[i].event, e.Type)
		require.JSONEq(t, frames[i].data, string(e.Payload))
	}

	missing, err := http.Get(ts.URL + "/api/runs/unknown")
	require.NoError(t, err)
	defer missing.Body.Close()
	require.Equal(t, http.StatusNotFound, missing.StatusCode)

	bad, err := http.Get(ts.URL + "/api/runs/" + runID + "/events?limit=0")
	require.NoError(t, err)
	defer bad.Body.Close()
	require.Equal(t, http.StatusBadRequest, bad.StatusCode)
}

func TestEventsWithoutStore(t *testing.T) {
	ts := newServer(t, Options{Runner: newRuntime(t, modeltest.New())})
	resp, err := http.Get(ts.URL + "/api/runs/r1/events")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFollowRun(t *testing.T) {
	live := make(chan stream.Event, 3)
	errs := make(chan error)
	payload := stream.MessagePayload{MessageID: "m", Delta: stream.MessageDelta{Content: "hey"}}
	live <- stream.NewBase(stream.EventMessage, "r9", payload)
	live <- stream.NewBase(stream.EventWorkflowEnd, "r9", stream.WorkflowEndPayload{WorkflowID: "r9"})
	followed := make(chan string, 1)
	canceled := make(chan struct{})
	follow := func(_ context.Context, runID string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
		followed <- runID
		return live, errs, func() { close(canceled) }, nil
	}
	ts := newServer(t, Options{Runner: newRuntime(t, modeltest.New()), Follow: follow})

	resp, err := http.Get(ts.URL + "/api/runs/r9/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	frames := readFrames(t, resp.Body)
	require.Equal(t, []frame{
		{event: "message", data: `{"message_id":"m","delta":{"content":"hey"}}`},
		{event: "end_of_workflow", data: `{"workflow_id":"r9","messages":null}`},
	}, frames)
	require.Equal(t, "r9", <-followed)
	select {
	case <-canceled:
	case <-time.After(time.Second):
		require.FailNow(t, "subscription not canceled")
	}
}

func TestFollowRunErrors(t *testing.T) {
	ts := newServer(t, Options{Runner: newRuntime(t, modeltest.New())})
	resp, err := http.Get(ts.URL + "/api/runs/r1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	follow := func(context.Context, string) (<-chan stream.Event, <-chan error, context.CancelFunc, error) {
		return nil, nil, nil, errors.New("redis down")
	}
	ts = newServer(t, Options{Runner: newRuntime(t, modeltest.New()), Follow: follow})
	resp, err = http.Get(ts.URL + "/api/runs/r1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	ts := newServer(t, Options{Runner: newRuntime(t, modeltest.New())})
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNewRequiresRunner(t *testing.T) {
	_, err := New(Options{})
	require.EqualError(t, err, "runner is required")
}

func TestContentDecoding(t *testing.T) {
	var c content
	require.NoError(t, json.Unmarshal([]byte(`"plain"`), &c))
	require.Equal(t, content("plain"), c)
	require.NoError(t, json.Unmarshal([]byte(`[{"type":"text","text":"a"},{"type":"image","image_url":"u"},{"type":"text","text":"b"}]`), &c))
	require.Equal(t, content("a\nb"), c)
	require.Error(t, json.Unmarshal([]byte(`42`), &c))
}

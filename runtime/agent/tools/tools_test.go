package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/toolerrors"
)

type recordedCall struct {
	kind   string
	tool   string
	id     string
	result string
	err    error
}

type recordingTracer struct {
	NopTracer
	calls []recordedCall
}

func (r *recordingTracer) ToolStart(_ context.Context, tool, id string, _ json.RawMessage) error {
	r.calls = append(r.calls, recordedCall{kind: "start", tool: tool, id: id})
	return nil
}

func (r *recordingTracer) ToolEnd(_ context.Context, tool, id, result string, _ time.Duration, err error) error {
	r.calls = append(r.calls, recordedCall{kind: "end", tool: tool, id: id, result: result, err: err})
	return nil
}

var echoSchema = json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)

func echoTool() Tool {
	return NewFunc(Spec{Name: "echo", Description: "echo text", Schema: echoSchema},
		func(_ context.Context, input json.RawMessage) (string, error) {
			var in struct{ Text string }
			if err := json.Unmarshal(input, &in); err != nil {
				return "", err
			}
			return in.Text, nil
		})
}

func TestInstrumentBracketsCall(t *testing.T) {
	tr := &recordingTracer{}
	out, err := Instrument(echoTool(), tr).Call(context.Background(), json.RawMessage(`{"text":"hi"}`))
	require.NoError(t, err)
	require.Equal(t, "hi", out)
	require.Len(t, tr.calls, 2)
	require.Equal(t, "start", tr.calls[0].kind)
	require.Equal(t, "end", tr.calls[1].kind)
	require.Equal(t, tr.calls[0].id, tr.calls[1].id)
	require.NotEmpty(t, tr.calls[0].id)
	require.Equal(t, "hi", tr.calls[1].result)
}

func TestInstrumentConvertsFailures(t *testing.T) {
	tr := &recordingTracer{}
	failing := NewFunc(Spec{Name: "bash"}, func(context.Context, json.RawMessage) (string, error) {
		return "", errors.New("exit status 1")
	})
	_, err := Instrument(failing, tr).Call(context.Background(), nil)
	var te *toolerrors.ToolError
	require.ErrorAs(t, err, &te)
	require.Equal(t, "bash", te.Tool)
	require.Len(t, tr.calls, 2)
	require.Equal(t, "Error: tool bash failed: exit status 1", tr.calls[1].result)
	require.Error(t, tr.calls[1].err)
}

func TestSetValidatesInput(t *testing.T) {
	set, err := NewSet(echoTool())
	require.NoError(t, err)
	require.Equal(t, []string{"echo"}, set.Names())

	tr := &recordingTracer{}
	_, err = set.Call(context.Background(), tr, "echo", json.RawMessage(`{"other":1}`))
	require.True(t, toolerrors.Is(err))
	require.Empty(t, tr.calls, "invalid input must not reach the tool")

	out, err := set.Call(context.Background(), tr, "echo", json.RawMessage(`{"text":"ok"}`))
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}

func TestSetUnknownTool(t *testing.T) {
	set, err := NewSet()
	require.NoError(t, err)
	_, err = set.Call(context.Background(), NopTracer{}, "nope", nil)
	require.True(t, toolerrors.Is(err))
}

func TestNewSetRejectsDuplicates(t *testing.T) {
	_, err := NewSet(echoTool(), echoTool())
	require.Error(t, err)
}

func TestDefinitions(t *testing.T) {
	set, err := NewSet(echoTool())
	require.NoError(t, err)
	defs := set.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "echo", defs[0].Name)
	require.JSONEq(t, string(echoSchema), string(defs[0].InputSchema))
}

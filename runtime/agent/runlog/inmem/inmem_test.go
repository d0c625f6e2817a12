package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/runlog"
	"github.com/crewflow/crewflow/runtime/agent/stream"
)

func TestStoreAppendAndList(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		err := s.Append(ctx, &runlog.Event{
			RunID:     "run-1",
			Type:      stream.EventMessage,
			Payload:   []byte(`{}`),
			Timestamp: time.Unix(int64(i+1), 0).UTC(),
		})
		require.NoError(t, err)
	}

	page1, err := s.List(ctx, "run-1", "", 2)
	require.NoError(t, err)
	require.Len(t, page1.Events, 2)
	require.Equal(t, "1", page1.Events[0].ID)
	require.Equal(t, "2", page1.Events[1].ID)
	require.Equal(t, "2", page1.NextCursor)

	page2, err := s.List(ctx, "run-1", page1.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page2.Events, 1)
	require.Equal(t, "3", page2.Events[0].ID)
	require.Empty(t, page2.NextCursor)

	empty, err := s.List(ctx, "run-2", "", 2)
	require.NoError(t, err)
	require.Empty(t, empty.Events)
}

func TestStoreListValidation(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()

	_, err := s.List(ctx, "", "", 10)
	require.Error(t, err)

	_, err = s.List(ctx, "run-1", "", 0)
	require.Error(t, err)

	_, err = s.List(ctx, "run-1", "not-an-int", 10)
	require.Error(t, err)

	_, err = s.List(ctx, "run-1", "-3", 10)
	require.Error(t, err)

	require.Error(t, s.Append(ctx, &runlog.Event{}))
}

func TestSinkRecordsClientEvents(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	sink := runlog.NewSink(s)

	payload := stream.AgentPayload{AgentName: "planner", AgentID: "run-1_planner_2"}
	require.NoError(t, sink.Send(ctx, stream.AgentStart{
		Base: stream.NewBase(stream.EventAgentStart, "run-1", payload),
		Data: payload,
	}))
	require.NoError(t, sink.Close(ctx))

	page, err := s.List(ctx, "run-1", "", 10)
	require.NoError(t, err)
	require.Len(t, page.Events, 1)
	require.Equal(t, stream.EventAgentStart, page.Events[0].Type)
	require.JSONEq(t, `{"agent_name":"planner","agent_id":"run-1_planner_2"}`, string(page.Events[0].Payload))
	require.False(t, page.Events[0].Timestamp.IsZero())
}

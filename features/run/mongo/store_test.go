package mongo

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/crewflow/crewflow/runtime/agent/run"
)

type fakeClient struct {
	upserted []run.Record
	records  map[string]run.Record
	pingErr  error
}

func (f *fakeClient) Name() string               { return "fake" }
func (f *fakeClient) Ping(context.Context) error { return f.pingErr }
func (f *fakeClient) UpsertRun(_ context.Context, r run.Record) error {
	f.upserted = append(f.upserted, r)
	return nil
}

func (f *fakeClient) LoadRun(_ context.Context, runID string) (run.Record, error) {
	return f.records[runID], nil
}

func TestNewStoreRequiresClient(t *testing.T) {
	_, err := NewStore(nil)
	require.EqualError(t, err, "client is required")
}

func TestUpsertDelegatesToClient(t *testing.T) {
	cli := &fakeClient{}
	store, err := NewStore(cli)
	require.NoError(t, err)
	rec := run.Record{RunID: "run", Status: run.StatusRunning}
	require.NoError(t, store.Upsert(context.Background(), rec))
	require.Equal(t, []run.Record{rec}, cli.upserted)
}

func TestLoadDelegatesToClient(t *testing.T) {
	expected := run.Record{RunID: "run", Status: run.StatusCompleted, Steps: 4}
	cli := &fakeClient{records: map[string]run.Record{"run": expected}}
	store, err := NewStore(cli)
	require.NoError(t, err)
	actual, err := store.Load(context.Background(), "run")
	require.NoError(t, err)
	require.Equal(t, expected, actual)
}

func TestStorePings(t *testing.T) {
	cli := &fakeClient{pingErr: errors.New("down")}
	store, err := NewStore(cli)
	require.NoError(t, err)
	require.Equal(t, "fake", store.Name())
	require.EqualError(t, store.Ping(context.Background()), "down")
}

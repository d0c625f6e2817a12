package mongo

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
)

func TestEnsureIndexes(t *testing.T) {
	fc := newFakeCollection()
	err := ensureIndexes(context.Background(), fc)
	require.NoError(t, err)
	require.True(t, fc.indexCreated)
}

func TestUpsertAndLoad(t *testing.T) {
	client := mustNewTestClient()
	start := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	client.now = func() time.Time { return start }
	rec := run.Record{
		RunID:  "run-1",
		Status: run.StatusRunning,
		Stage:  stage.Planner,
		Steps:  2,
		Labels: map[string]string{"org": "demo"},
	}
	require.NoError(t, client.UpsertRun(context.Background(), rec))

	stored, err := client.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", stored.RunID)
	require.Equal(t, run.StatusRunning, stored.Status)
	require.Equal(t, stage.Planner, stored.Stage)
	require.Equal(t, 2, stored.Steps)
	require.Equal(t, start, stored.StartedAt)
	require.Equal(t, "demo", stored.Labels["org"])

	client.now = func() time.Time { return start.Add(time.Minute) }
	rec.Status = run.StatusFailed
	rec.Error = "planner: boom"
	require.NoError(t, client.UpsertRun(context.Background(), rec))
	updated, err := client.LoadRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, run.StatusFailed, updated.Status)
	require.Equal(t, "planner: boom", updated.Error)
	require.Equal(t, start, updated.StartedAt, "start time is kept")
	require.Equal(t, start.Add(time.Minute), updated.UpdatedAt)
}

func TestUpsertValidation(t *testing.T) {
	client := mustNewTestClient()
	err := client.UpsertRun(context.Background(), run.Record{Status: run.StatusPending})
	require.EqualError(t, err, "run id is required")
}

func TestLoadMissingReturnsZero(t *testing.T) {
	client := mustNewTestClient()
	rec, err := client.LoadRun(context.Background(), "missing")
	require.NoError(t, err)
	require.Equal(t, run.Record{}, rec)
}

func TestLoadRequiresID(t *testing.T) {
	client := mustNewTestClient()
	_, err := client.LoadRun(context.Background(), "")
	require.EqualError(t, err, "run id is required")
}

func mustNewTestClient() *client {
	fc := newFakeCollection()
	cl, err := newClientWithCollection(nil, fc, time.Second)
	if err != nil {
		panic(err)
	}
	return cl
}

type fakeCollection struct {
	mu           sync.Mutex
	indexCreated bool
	docs         map[string]runDocument
}

func newFakeCollection() *fakeCollection {
	return &fakeCollection{docs: make(map[string]runDocument)}
}

func (c *fakeCollection) FindOne(_ context.Context, filter any, _ ...options.Lister[options.FindOneOptions]) singleResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, ok := c.docs[runID]
	if !ok {
		return fakeSingleResult{err: mongodriver.ErrNoDocuments}
	}
	copyDoc := doc
	return fakeSingleResult{doc: &copyDoc}
}

func (c *fakeCollection) UpdateOne(_ context.Context, filter any, update any,
	_ ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	runID := filter.(bson.M)["run_id"].(string)
	doc, exists := c.docs[runID]
	doc.RunID = runID
	up := update.(bson.M)
	if set, ok := up["$set"].(bson.M); ok {
		applySet(&doc, set)
	}
	if soi, ok := up["$setOnInsert"].(bson.M); ok && !exists {
		applySet(&doc, soi)
	}
	c.docs[runID] = doc
	return &mongodriver.UpdateResult{MatchedCount: 1}, nil
}

func applySet(doc *runDocument, set bson.M) {
	for k, v := range set {
		switch k {
		case "status":
			doc.Status = v.(string)
		case "stage":
			doc.Stage = v.(string)
		case "steps":
			doc.Steps = v.(int)
		case "started_at":
			doc.StartedAt = v.(time.Time)
		case "updated_at":
			doc.UpdatedAt = v.(time.Time)
		case "error":
			doc.Error = v.(string)
		case "labels":
			doc.Labels, _ = v.(map[string]string)
		}
	}
}

func (c *fakeCollection) Indexes() indexView {
	return fakeIndexView{parent: &c.indexCreated}
}

type fakeIndexView struct {
	parent *bool
}

func (v fakeIndexView) CreateOne(_ context.Context, model mongodriver.IndexModel,
	_ ...options.Lister[options.CreateIndexesOptions]) (string, error) {
	if len(model.Keys.(bson.D)) == 0 {
		return "", errors.New("missing keys")
	}
	*v.parent = true
	return "run_id_idx", nil
}

type fakeSingleResult struct {
	doc *runDocument
	err error
}

func (r fakeSingleResult) Decode(val any) error {
	if r.err != nil {
		return r.err
	}
	target, ok := val.(*runDocument)
	if !ok {
		return errors.New("unsupported target")
	}
	*target = *r.doc
	return nil
}

// Package mongo hosts the MongoDB client used by the run record store.
package mongo

import (
	"context"
	"errors"
	"maps"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"goa.design/clue/health"

	"github.com/crewflow/crewflow/runtime/agent/run"
	"github.com/crewflow/crewflow/runtime/agent/stage"
)

const (
	defaultRunsCollection = "crewflow_runs"
	defaultOpTimeout      = 5 * time.Second
	runClientName         = "run-mongo"
)

// Client exposes Mongo-backed operations for run records.
type Client interface {
	health.Pinger

	UpsertRun(ctx context.Context, record run.Record) error
	LoadRun(ctx context.Context, runID string) (run.Record, error)
}

// Options configures the Mongo run client.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type client struct {
	mongo   *mongodriver.Client
	coll    collection
	timeout time.Duration
	now     func() time.Time
}

// New returns a Client backed by MongoDB. It creates a unique index on run_id.
func New(opts Options) (Client, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	collection := opts.Collection
	if collection == "" {
		collection = defaultRunsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	mcoll := opts.Client.Database(opts.Database).Collection(collection)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	wrapper := mongoCollection{coll: mcoll}
	if err := ensureIndexes(ctx, wrapper); err != nil {
		return nil, err
	}
	return newClientWithCollection(opts.Client, wrapper, timeout)
}

func (c *client) Name() string {
	return runClientName
}

func (c *client) Ping(ctx context.Context) error {
	return c.mongo.Ping(ctx, readpref.Primary())
}

// UpsertRun writes the record. A zero StartedAt keeps the start time of an
// existing document and defaults to now on insert.
func (c *client) UpsertRun(ctx context.Context, record run.Record) error {
	if record.RunID == "" {
		return errors.New("run id is required")
	}
	now := c.now().UTC()
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
	set := bson.M{
		"status":     string(record.Status),
		"stage":      string(record.Stage),
		"steps":      record.Steps,
		"updated_at": record.UpdatedAt.UTC(),
		"error":      record.Error,
		"labels":     maps.Clone(record.Labels),
	}
	update := bson.M{"$set": set}
	if record.StartedAt.IsZero() {
		update["$setOnInsert"] = bson.M{"started_at": now}
	} else {
		set["started_at"] = record.StartedAt.UTC()
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": record.RunID}
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

// LoadRun returns the record of runID, or a zero record when the run is
// unknown.
func (c *client) LoadRun(ctx context.Context, runID string) (run.Record, error) {
	if runID == "" {
		return run.Record{}, errors.New("run id is required")
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"run_id": runID}
	var doc runDocument
	if err := c.coll.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return run.Record{}, nil
		}
		return run.Record{}, err
	}
	return doc.toRecord(), nil
}

func (c *client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

type runDocument struct {
	RunID     string            `bson:"run_id"`
	Status    string            `bson:"status"`
	Stage     string            `bson:"stage"`
	Steps     int               `bson:"steps"`
	StartedAt time.Time         `bson:"started_at"`
	UpdatedAt time.Time         `bson:"updated_at"`
	Error     string            `bson:"error,omitempty"`
	Labels    map[string]string `bson:"labels,omitempty"`
}

func (doc runDocument) toRecord() run.Record {
	return run.Record{
		RunID:     doc.RunID,
		Status:    run.Status(doc.Status),
		Stage:     stage.Stage(doc.Stage),
		Steps:     doc.Steps,
		StartedAt: doc.StartedAt,
		UpdatedAt: doc.UpdatedAt,
		Error:     doc.Error,
		Labels:    maps.Clone(doc.Labels),
	}
}

func ensureIndexes(ctx context.Context, coll collection) error {
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "run_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := coll.Indexes().CreateOne(ctx, index)
	return err
}

func newClientWithCollection(mongoClient *mongodriver.Client, coll collection, timeout time.Duration) (*client, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	return &client{
		mongo:   mongoClient,
		coll:    coll,
		timeout: timeout,
		now:     time.Now,
	}, nil
}

type collection interface {
	FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult
	UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error)
	Indexes() indexView
}

type indexView interface {
	CreateOne(ctx context.Context, model mongodriver.IndexModel, opts ...options.Lister[options.CreateIndexesOptions]) (string, error)
}

type singleResult interface {
	Decode(val any) error
}

type mongoCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCollection) FindOne(ctx context.Context, filter any, opts ...options.Lister[options.FindOneOptions]) singleResult {
	return c.coll.FindOne(ctx, filter, opts...)
}

func (c mongoCollection) UpdateOne(ctx context.Context, filter any, update any, opts ...options.Lister[options.UpdateOneOptions]) (*mongodriver.UpdateResult, error) {
	return c.coll.UpdateOne(ctx, filter, update, opts...)
}

func (c mongoCollection) Indexes() indexView {
	return c.coll.Indexes()
}

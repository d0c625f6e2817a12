package mongo

import (
	"context"
	"errors"

	mongoc "github.com/crewflow/crewflow/features/run/mongo/clients/mongo"
	"github.com/crewflow/crewflow/runtime/agent/run"
)

// Store implements run.Store by delegating to the Mongo client.
type Store struct {
	client mongoc.Client
}

// NewStore builds a Store using the provided client.
func NewStore(client mongoc.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Upsert stores the provided run record.
func (s *Store) Upsert(ctx context.Context, record run.Record) error {
	return s.client.UpsertRun(ctx, record)
}

// Load retrieves a run record from storage.
func (s *Store) Load(ctx context.Context, runID string) (run.Record, error) {
	return s.client.LoadRun(ctx, runID)
}

// Name implements health.Pinger.
func (s *Store) Name() string { return s.client.Name() }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx) }

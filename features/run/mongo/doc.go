// Package mongo persists crewflow run records in MongoDB. Build the low-level
// client via features/run/mongo/clients/mongo and pass it to NewStore, then
// hand the store to runtime.WithRunStore.
package mongo

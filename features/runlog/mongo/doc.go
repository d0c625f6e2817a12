// Package mongo stores the crewflow run event log in MongoDB.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store. Events are kept one document per client event and
// paged by ObjectID, so the cursor of a page is the hex ID of its last event.
package mongo

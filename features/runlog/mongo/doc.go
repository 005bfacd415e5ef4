// Package mongo provides MongoDB-backed storage for the run event archive.
//
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a runlog.Store that keeps stream records beyond the capped redis
// stream.
package mongo

// Package kv defines the store-agnostic contract between runtime packages
// and key-value clients. Runtime packages declare the narrow method sets
// they consume; this package owns only what those interfaces share: the
// missing-key sentinel and the stream entry shape.
package kv

import "errors"

// ErrNotFound reports a key, member, or stream entry that does not exist.
// Client implementations wrap this sentinel so callers can match it with
// errors.Is without importing a concrete driver.
var ErrNotFound = errors.New("kv: not found")

// StreamEntry is one record read from an append-only stream.
type StreamEntry struct {
	ID     string
	Values map[string]string
}

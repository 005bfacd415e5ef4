package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "github.com/weaveline/loom/features/runlog/mongo/clients/mongo"
	"github.com/weaveline/loom/runtime/runlog"
)

// Store implements runlog.Store by delegating to the Mongo client.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed run event archive using the provided client.
func NewStore(client clientsmongo.Client) (*Store, error) {
	if client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: client}, nil
}

// Append implements runlog.Store.
func (s *Store) Append(ctx context.Context, ev runlog.Event) error {
	return s.client.Append(ctx, ev)
}

// List implements runlog.Store.
func (s *Store) List(ctx context.Context, runID string, afterSeq int64, limit int) ([]runlog.Event, error) {
	return s.client.List(ctx, runID, afterSeq, limit)
}

// Purge implements runlog.Store.
func (s *Store) Purge(ctx context.Context, olderThan time.Time) (int64, error) {
	return s.client.Purge(ctx, olderThan)
}

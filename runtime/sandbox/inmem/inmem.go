// Package inmem provides an in-memory sandbox resource store for testing
// and local development. Production deployments use features/store/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weaveline/loom/runtime/sandbox"
)

// Resources implements sandbox.Store in memory. All operations are
// thread-safe; claim picks the oldest pooled row so expiry stays FIFO.
type Resources struct {
	mu      sync.RWMutex
	records map[string]sandbox.Resource
}

// NewResources constructs an empty resource store.
func NewResources() *Resources {
	return &Resources{records: make(map[string]sandbox.Resource)}
}

// Insert adds a resource row. Returns sandbox.ErrDuplicate if the id
// exists.
func (s *Resources) Insert(_ context.Context, r sandbox.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return sandbox.ErrDuplicate
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.records[r.ID] = r
	return nil
}

// Get retrieves a resource row, or sandbox.ErrNotFound.
func (s *Resources) Get(_ context.Context, id string) (sandbox.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return sandbox.Resource{}, sandbox.ErrNotFound
	}
	return r, nil
}

// ClaimPooled hands the oldest pooled row to the given owner, or
// sandbox.ErrPoolEmpty. The transition happens under the store lock so two
// claimers never receive the same row.
func (s *Resources) ClaimPooled(_ context.Context, accountID, projectID string) (sandbox.Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		oldest sandbox.Resource
		found  bool
	)
	for _, r := range s.records {
		if r.Status != sandbox.StatusPooled {
			continue
		}
		if !found || r.CreatedAt.Before(oldest.CreatedAt) ||
			(r.CreatedAt.Equal(oldest.CreatedAt) && r.ID < oldest.ID) {
			oldest = r
			found = true
		}
	}
	if !found {
		return sandbox.Resource{}, sandbox.ErrPoolEmpty
	}
	now := time.Now()
	oldest.Status = sandbox.StatusActive
	oldest.AccountID = accountID
	oldest.ProjectID = projectID
	oldest.ClaimedAt = now
	oldest.UpdatedAt = now
	s.records[oldest.ID] = oldest
	return oldest, nil
}

// SetStatus updates a row's lifecycle state.
func (s *Resources) SetStatus(_ context.Context, id string, status sandbox.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return sandbox.ErrNotFound
	}
	r.Status = status
	r.UpdatedAt = time.Now()
	s.records[id] = r
	return nil
}

// CountByStatus reports how many rows sit in the given status.
func (s *Resources) CountByStatus(_ context.Context, status sandbox.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, r := range s.records {
		if r.Status == status {
			n++
		}
	}
	return n, nil
}

// ListByStatus returns up to limit rows in the given status, oldest first.
func (s *Resources) ListByStatus(_ context.Context, status sandbox.Status, limit int) ([]sandbox.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []sandbox.Resource
	for _, r := range s.records {
		if r.Status == status {
			rows = append(rows, r)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].CreatedAt.Equal(rows[j].CreatedAt) {
			return rows[i].ID < rows[j].ID
		}
		return rows[i].CreatedAt.Before(rows[j].CreatedAt)
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

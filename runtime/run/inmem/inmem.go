// Package inmem provides in-memory implementations of the run store
// contracts for testing and local development. All stores hold records in
// maps with no persistence across process restarts. Use them in unit tests
// or prototyping; production deployments use features/store/postgres.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/weaveline/loom/runtime/run"
)

type (
	// Runs implements run.RunStore in memory with no durability. All
	// operations are safe for concurrent use. Records are copied on read
	// and write; callers never share memory with the store.
	Runs struct {
		mu      sync.RWMutex
		records map[string]run.Run
	}

	// Threads implements run.ThreadStore in memory.
	Threads struct {
		mu      sync.RWMutex
		records map[string]run.Thread
	}

	// Messages implements run.MessageStore in memory. Sequence numbers are
	// assigned per thread at insert time.
	Messages struct {
		mu      sync.RWMutex
		records map[string]run.Message
		// byThread preserves insert order per thread.
		byThread map[string][]string
		nextSeq  map[string]int64
	}

	// Projects implements run.ProjectStore in memory.
	Projects struct {
		mu      sync.RWMutex
		records map[string]run.Project
	}
)

// NewRuns constructs an empty run store.
func NewRuns() *Runs {
	return &Runs{records: make(map[string]run.Run)}
}

// Create inserts a new run row. Returns run.ErrDuplicate if the id exists.
func (s *Runs) Create(_ context.Context, r run.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.ID]; ok {
		return run.ErrDuplicate
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.UpdatedAt = r.CreatedAt
	s.records[r.ID] = r
	return nil
}

// Get retrieves a run row, or run.ErrNotFound.
func (s *Runs) Get(_ context.Context, id string) (run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return run.Run{}, run.ErrNotFound
	}
	return r, nil
}

// SetStatus transitions the run status, enforcing terminal monotonicity.
func (s *Runs) SetStatus(_ context.Context, id string, status run.Status, terminationReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	if !run.ValidTransition(r.Status, status) {
		return run.ErrInvalidTransition
	}
	r.Status = status
	if terminationReason != "" {
		r.TerminationReason = terminationReason
	}
	if status == run.StatusRunning && r.StartTime.IsZero() {
		r.StartTime = time.Now()
	}
	r.UpdatedAt = time.Now()
	s.records[id] = r
	return nil
}

// SetOwner records the lease owner on the row.
func (s *Runs) SetOwner(_ context.Context, id, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	r.Owner = owner
	r.UpdatedAt = time.Now()
	s.records[id] = r
	return nil
}

// ListByStatus returns up to limit runs in the given status, oldest first.
func (s *Runs) ListByStatus(_ context.Context, status run.Status, limit int) ([]run.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []run.Run
	for _, r := range s.records {
		if r.Status == status {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset clears all stored records. Useful in tests for isolation.
func (s *Runs) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Run)
}

// NewThreads constructs an empty thread store.
func NewThreads() *Threads {
	return &Threads{records: make(map[string]run.Thread)}
}

// Create inserts a new thread row.
func (s *Threads) Create(_ context.Context, t run.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[t.ID]; ok {
		return run.ErrDuplicate
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}
	t.UpdatedAt = t.CreatedAt
	s.records[t.ID] = t
	return nil
}

// Get retrieves a thread row, or run.ErrNotFound.
func (s *Threads) Get(_ context.Context, id string) (run.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.records[id]
	if !ok {
		return run.Thread{}, run.ErrNotFound
	}
	return t, nil
}

// SetCacheState updates the prompt cache rebuild flag and layout hash.
func (s *Threads) SetCacheState(_ context.Context, id string, rebuild bool, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	t.CacheRebuild = rebuild
	t.CacheHash = hash
	t.UpdatedAt = time.Now()
	s.records[id] = t
	return nil
}

// SetHasImages records that the thread contains image content.
func (s *Threads) SetHasImages(_ context.Context, id string, hasImages bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	t.HasImages = hasImages
	t.UpdatedAt = time.Now()
	s.records[id] = t
	return nil
}

// NewMessages constructs an empty message store.
func NewMessages() *Messages {
	return &Messages{
		records:  make(map[string]run.Message),
		byThread: make(map[string][]string),
		nextSeq:  make(map[string]int64),
	}
}

// Insert appends a message to its thread, assigning the next sequence
// number. The store keeps its own copy; the caller's message receives
// the assigned Seq.
func (s *Messages) Insert(_ context.Context, m *run.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[m.ID]; ok {
		return run.ErrDuplicate
	}
	s.nextSeq[m.ThreadID]++
	m.Seq = s.nextSeq[m.ThreadID]
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	copied := *m
	copied.ToolCalls = cloneCalls(m.ToolCalls)
	copied.Metadata = cloneMetadata(m.Metadata)
	s.records[m.ID] = copied
	s.byThread[m.ThreadID] = append(s.byThread[m.ThreadID], m.ID)
	return nil
}

// InsertBatch inserts the messages atomically under one lock hold. A
// duplicate id anywhere in the batch leaves the store untouched.
func (s *Messages) InsertBatch(_ context.Context, ms []*run.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		if _, ok := s.records[m.ID]; ok {
			return run.ErrDuplicate
		}
		if _, ok := seen[m.ID]; ok {
			return run.ErrDuplicate
		}
		seen[m.ID] = struct{}{}
	}
	for _, m := range ms {
		s.nextSeq[m.ThreadID]++
		m.Seq = s.nextSeq[m.ThreadID]
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now()
		}
		copied := *m
		copied.ToolCalls = cloneCalls(m.ToolCalls)
		copied.Metadata = cloneMetadata(m.Metadata)
		s.records[m.ID] = copied
		s.byThread[m.ThreadID] = append(s.byThread[m.ThreadID], m.ID)
	}
	return nil
}

// Get retrieves a message, or run.ErrNotFound.
func (s *Messages) Get(_ context.Context, id string) (run.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.records[id]
	if !ok {
		return run.Message{}, run.ErrNotFound
	}
	return cloneMessage(m), nil
}

// List returns all messages of a thread ordered by Seq, including omitted
// ones.
func (s *Messages) List(_ context.Context, threadID string) ([]run.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	out := make([]run.Message, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneMessage(s.records[id]))
	}
	return out, nil
}

// LastOfType returns the most recent message of the given type, or
// run.ErrNotFound.
func (s *Messages) LastOfType(_ context.Context, threadID string, typ run.MessageType) (run.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	for i := len(ids) - 1; i >= 0; i-- {
		if m := s.records[ids[i]]; m.Type == typ {
			return cloneMessage(m), nil
		}
	}
	return run.Message{}, run.ErrNotFound
}

// MarkOmitted flips the omitted flag on the given messages. Unknown ids are
// skipped.
func (s *Messages) MarkOmitted(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if m, ok := s.records[id]; ok {
			m.Omitted = true
			s.records[id] = m
		}
	}
	return nil
}

// UpdateToolCalls rewrites the tool call list of an assistant message.
func (s *Messages) UpdateToolCalls(_ context.Context, id string, calls []run.ToolCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	m.ToolCalls = cloneCalls(calls)
	s.records[id] = m
	return nil
}

// Delete removes a message. Used only by saga compensation.
func (s *Messages) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	delete(s.records, id)
	ids := s.byThread[m.ThreadID]
	for i, mid := range ids {
		if mid == id {
			s.byThread[m.ThreadID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Reset clears all stored messages. Useful in tests for isolation.
func (s *Messages) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]run.Message)
	s.byThread = make(map[string][]string)
	s.nextSeq = make(map[string]int64)
}

// NewProjects constructs an empty project store.
func NewProjects() *Projects {
	return &Projects{records: make(map[string]run.Project)}
}

// Create inserts a new project row.
func (s *Projects) Create(_ context.Context, p run.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[p.ID]; ok {
		return run.ErrDuplicate
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	s.records[p.ID] = p
	return nil
}

// Get retrieves a project row, or run.ErrNotFound.
func (s *Projects) Get(_ context.Context, id string) (run.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.records[id]
	if !ok {
		return run.Project{}, run.ErrNotFound
	}
	return p, nil
}

// SetResource links the project to a sandbox resource row.
func (s *Projects) SetResource(_ context.Context, id, resourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.records[id]
	if !ok {
		return run.ErrNotFound
	}
	p.ResourceID = resourceID
	s.records[id] = p
	return nil
}

func cloneMessage(m run.Message) run.Message {
	m.ToolCalls = cloneCalls(m.ToolCalls)
	m.Metadata = cloneMetadata(m.Metadata)
	return m
}

func cloneCalls(src []run.ToolCall) []run.ToolCall {
	if len(src) == 0 {
		return nil
	}
	dst := make([]run.ToolCall, len(src))
	copy(dst, src)
	return dst
}

func cloneMetadata(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

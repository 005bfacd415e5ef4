package buffer

import (
	"sync"
	"time"
)

// RunState is the per-run buffer entry: identity, a FIFO write queue, and
// the activity counters the cleanup rules read.
type RunState struct {
	runID     string
	threadID  string
	accountID string
	startTime time.Time

	mu           sync.Mutex
	queue        []*PendingWrite
	lastActivity time.Time
	active       bool
	reason       string
}

// NewRunState constructs the buffer entry for a run.
func NewRunState(runID, threadID, accountID string, now time.Time) *RunState {
	return &RunState{
		runID:        runID,
		threadID:     threadID,
		accountID:    accountID,
		startTime:    now,
		lastActivity: now,
		active:       true,
	}
}

// RunID returns the run identifier.
func (s *RunState) RunID() string { return s.runID }

// ThreadID returns the owning thread identifier.
func (s *RunState) ThreadID() string { return s.threadID }

// AccountID returns the billed account identifier.
func (s *RunState) AccountID() string { return s.accountID }

// Pending returns the queued write count.
func (s *RunState) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Age is the time since the run entered the buffer.
func (s *RunState) Age(now time.Time) time.Duration { return now.Sub(s.startTime) }

// IdleFor is the time since the last enqueue or terminal transition.
func (s *RunState) IdleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastActivity)
}

// Terminal reports whether the run reached a terminal state.
func (s *RunState) Terminal() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.active
}

// TerminationReason returns the captured terminal reason, if any.
func (s *RunState) TerminationReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// MarkTerminal flags the run as finished with the given reason. The first
// reason wins.
func (s *RunState) MarkTerminal(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		if s.reason == "" {
			s.reason = reason
		}
	}
}

// Touch refreshes the activity timestamp without enqueuing.
func (s *RunState) Touch(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = now
}

func (s *RunState) push(w *PendingWrite, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, w)
	s.lastActivity = now
}

// peek returns the queue head without removing it.
func (s *RunState) peek() (*PendingWrite, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	return s.queue[0], true
}

// popHead removes w iff it is still the queue head. The guard keeps a
// concurrent flush of the same run from dropping someone else's write.
func (s *RunState) popHead(w *PendingWrite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) > 0 && s.queue[0] == w {
		s.queue = s.queue[1:]
	}
}

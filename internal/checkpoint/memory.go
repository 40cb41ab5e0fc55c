package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides an in-memory implementation of Store.
// Checkpoints are held encoded so callers never share memory with the log.
// Useful for testing and development. Not durable.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][][]byte
	log     []logEntry
	now     func() time.Time
}

type logEntry struct {
	ThreadID string `json:"thread_id"`
	Sequence uint64 `json:"sequence"`
	Title    string `json:"title,omitempty"`
}

// NewMemoryStore creates a new in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][][]byte),
		now:     time.Now,
	}
}

// Commit appends state as the next checkpoint of the thread.
func (s *MemoryStore) Commit(ctx context.Context, threadID string, state State) (string, error) {
	if err := validateThreadID(threadID); err != nil {
		return "", writeFailed(err)
	}
	if err := ctx.Err(); err != nil {
		return "", writeFailed(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records := s.threads[threadID]
	var prev *State
	if n := len(records); n > 0 {
		last, err := decodeCheckpoint(records[n-1])
		if err != nil {
			return "", writeFailed(err)
		}
		prev = &last.State
	}
	if err := CheckAppend(prev, state); err != nil {
		return "", writeFailed(err)
	}

	ckpt := Checkpoint{
		ID:        uuid.NewString(),
		ThreadID:  threadID,
		Sequence:  uint64(len(records)) + 1,
		State:     state,
		CreatedAt: s.now().UTC(),
	}
	data, err := encodeCheckpoint(ckpt)
	if err != nil {
		return "", writeFailed(err)
	}

	s.threads[threadID] = append(records, data)
	s.log = append(s.log, logEntry{ThreadID: threadID, Sequence: ckpt.Sequence, Title: state.Metadata.Title})
	return ckpt.ID, nil
}

// Latest returns the newest checkpoint of the thread.
func (s *MemoryStore) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.threads[threadID]
	if len(records) == 0 {
		return Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return decodeCheckpoint(records[len(records)-1])
}

// Get returns the checkpoint at sequence.
func (s *MemoryStore) Get(ctx context.Context, threadID string, sequence uint64) (Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.threads[threadID]
	if sequence == 0 || sequence > uint64(len(records)) {
		return Checkpoint{}, fmt.Errorf("%w: thread %s sequence %d", ErrNotFound, threadID, sequence)
	}
	return decodeCheckpoint(records[sequence-1])
}

// History returns every checkpoint of the thread in sequence order.
func (s *MemoryStore) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.threads[threadID]
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	out := make([]Checkpoint, 0, len(records))
	for _, data := range records {
		ckpt, err := decodeCheckpoint(data)
		if err != nil {
			return nil, err
		}
		out = append(out, ckpt)
	}
	return out, nil
}

// ListThreads returns thread IDs, most recently committed first.
func (s *MemoryStore) ListThreads(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.threads))
	ids := make([]string, 0, len(s.threads))
	for i := len(s.log) - 1; i >= 0; i-- {
		entry := s.log[i]
		if seen[entry.ThreadID] {
			continue
		}
		seen[entry.ThreadID] = true
		ids = append(ids, entry.ThreadID)
	}
	return ids, nil
}

// ListThreadsWithTitles returns titled threads, most recently committed first.
func (s *MemoryStore) ListThreadsWithTitles(ctx context.Context) ([]ThreadTitle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return titledThreads(func(yield func(logEntry) bool) {
		for i := len(s.log) - 1; i >= 0; i-- {
			if !yield(s.log[i]) {
				return
			}
		}
	}), nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Count returns the number of threads (useful for testing).
func (s *MemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

// titledThreads walks log entries newest first. The first entry seen for a thread is its
// latest checkpoint, so its title decides whether the thread is listed.
func titledThreads(newestFirst func(yield func(logEntry) bool)) []ThreadTitle {
	seen := make(map[string]bool)
	var out []ThreadTitle
	newestFirst(func(entry logEntry) bool {
		if seen[entry.ThreadID] {
			return true
		}
		seen[entry.ThreadID] = true
		if entry.Title != "" {
			out = append(out, ThreadTitle{ThreadID: entry.ThreadID, Title: entry.Title})
		}
		return true
	})
	if out == nil {
		out = []ThreadTitle{}
	}
	return out
}

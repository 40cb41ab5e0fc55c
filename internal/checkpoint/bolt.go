package checkpoint

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	threadsBucket = []byte("threads")
	logBucket     = []byte("log")
)

// BoltStore persists checkpoints in a single bbolt file.
//
// Layout: the threads bucket holds one sub-bucket per thread keyed by big-endian sequence,
// and the log bucket records every commit in global order for newest-first listings.
// bbolt serializes writers, so commits to one thread never interleave.
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(threadsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(logBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init checkpoint buckets: %w", err)
	}
	return &BoltStore{db: db, now: time.Now}, nil
}

// Commit appends state as the next checkpoint of the thread.
func (s *BoltStore) Commit(ctx context.Context, threadID string, state State) (string, error) {
	if err := validateThreadID(threadID); err != nil {
		return "", writeFailed(err)
	}
	if err := ctx.Err(); err != nil {
		return "", writeFailed(err)
	}

	var id string
	err := s.db.Update(func(tx *bolt.Tx) error {
		threads, err := tx.Bucket(threadsBucket).CreateBucketIfNotExists([]byte(threadID))
		if err != nil {
			return err
		}

		var prev *State
		seq := uint64(1)
		if k, v := threads.Cursor().Last(); k != nil {
			last, err := decodeCheckpoint(v)
			if err != nil {
				return err
			}
			prev = &last.State
			seq = last.Sequence + 1
		}
		if err := CheckAppend(prev, state); err != nil {
			return err
		}

		ckpt := Checkpoint{
			ID:        uuid.NewString(),
			ThreadID:  threadID,
			Sequence:  seq,
			State:     state,
			CreatedAt: s.now().UTC(),
		}
		data, err := encodeCheckpoint(ckpt)
		if err != nil {
			return err
		}
		if err := threads.Put(itob(seq), data); err != nil {
			return err
		}

		log := tx.Bucket(logBucket)
		n, err := log.NextSequence()
		if err != nil {
			return err
		}
		entry, err := json.Marshal(logEntry{ThreadID: threadID, Sequence: seq, Title: state.Metadata.Title})
		if err != nil {
			return err
		}
		if err := log.Put(itob(n), entry); err != nil {
			return err
		}
		id = ckpt.ID
		return nil
	})
	if err != nil {
		return "", writeFailed(err)
	}
	return id, nil
}

// Latest returns the newest checkpoint of the thread.
func (s *BoltStore) Latest(ctx context.Context, threadID string) (Checkpoint, error) {
	var out Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := threadBucket(tx, threadID)
		if b == nil {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		var err error
		out, err = decodeCheckpoint(v)
		return err
	})
	return out, err
}

// Get returns the checkpoint at sequence.
func (s *BoltStore) Get(ctx context.Context, threadID string, sequence uint64) (Checkpoint, error) {
	var out Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := threadBucket(tx, threadID)
		if b == nil {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		v := b.Get(itob(sequence))
		if v == nil {
			return fmt.Errorf("%w: thread %s sequence %d", ErrNotFound, threadID, sequence)
		}
		var err error
		out, err = decodeCheckpoint(v)
		return err
	})
	return out, err
}

// History returns every checkpoint of the thread in sequence order.
func (s *BoltStore) History(ctx context.Context, threadID string) ([]Checkpoint, error) {
	var out []Checkpoint
	err := s.db.View(func(tx *bolt.Tx) error {
		b := threadBucket(tx, threadID)
		if b == nil {
			return fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return b.ForEach(func(_, v []byte) error {
			ckpt, err := decodeCheckpoint(v)
			if err != nil {
				return err
			}
			out = append(out, ckpt)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	return out, nil
}

// ListThreads returns thread IDs, most recently committed first.
func (s *BoltStore) ListThreads(ctx context.Context) ([]string, error) {
	ids := []string{}
	seen := make(map[string]bool)
	err := s.walkLog(func(entry logEntry) bool {
		if !seen[entry.ThreadID] {
			seen[entry.ThreadID] = true
			ids = append(ids, entry.ThreadID)
		}
		return true
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ListThreadsWithTitles returns titled threads, most recently committed first.
func (s *BoltStore) ListThreadsWithTitles(ctx context.Context) ([]ThreadTitle, error) {
	var entries []logEntry
	if err := s.walkLog(func(entry logEntry) bool {
		entries = append(entries, entry)
		return true
	}); err != nil {
		return nil, err
	}
	return titledThreads(func(yield func(logEntry) bool) {
		for _, entry := range entries {
			if !yield(entry) {
				return
			}
		}
	}), nil
}

// Close closes the bbolt file.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// walkLog visits log entries newest first until fn returns false.
func (s *BoltStore) walkLog(fn func(logEntry) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(logBucket).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var entry logEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return fmt.Errorf("decode log entry: %w", err)
			}
			if !fn(entry) {
				return nil
			}
		}
		return nil
	})
}

func threadBucket(tx *bolt.Tx, threadID string) *bolt.Bucket {
	if threadID == "" {
		return nil
	}
	return tx.Bucket(threadsBucket).Bucket([]byte(threadID))
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

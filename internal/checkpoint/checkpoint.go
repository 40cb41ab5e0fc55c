// Package checkpoint implements the append-only, thread-keyed conversation log.
//
// Every committed turn is stored as a full snapshot keyed by (thread ID, sequence). Nothing is
// ever overwritten or deleted; the current state of a thread is its highest sequence.
package checkpoint

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/darkostanimirovic/chatgraph/providers"
)

var (
	// ErrNotFound is returned when a thread or checkpoint doesn't exist.
	ErrNotFound = errors.New("chatgraph: checkpoint not found")
	// ErrWriteFailed wraps every commit failure.
	ErrWriteFailed = errors.New("chatgraph: checkpoint write failed")
	// ErrHistoryRewritten is returned when a commit drops or changes already committed messages.
	ErrHistoryRewritten = errors.New("chatgraph: message history is append-only")
	// ErrTitleOverwritten is returned when a commit changes or clears an existing title.
	ErrTitleOverwritten = errors.New("chatgraph: thread title is write-once")
	// ErrEmptyThreadID is returned for an empty thread ID.
	ErrEmptyThreadID = errors.New("chatgraph: thread id is required")
)

// Store persists conversation checkpoints.
type Store interface {
	// Commit appends state as the next checkpoint of the thread and returns its ID.
	Commit(ctx context.Context, threadID string, state State) (string, error)

	// Latest returns the checkpoint with the highest sequence for the thread.
	Latest(ctx context.Context, threadID string) (Checkpoint, error)

	// Get returns the checkpoint at the given sequence.
	Get(ctx context.Context, threadID string, sequence uint64) (Checkpoint, error)

	// History returns every checkpoint of the thread ordered by sequence.
	History(ctx context.Context, threadID string) ([]Checkpoint, error)

	// ListThreads returns each known thread ID once, most recently committed first.
	ListThreads(ctx context.Context) ([]string, error)

	// ListThreadsWithTitles returns threads whose latest checkpoint has a title,
	// most recently committed first.
	ListThreadsWithTitles(ctx context.Context) ([]ThreadTitle, error)

	// Close releases the underlying resources.
	Close() error
}

// Metadata holds thread-level attributes.
type Metadata struct {
	Title string `json:"title,omitempty"`
}

// State is the full conversation state of a thread at one point in time.
type State struct {
	Messages []providers.Message `json:"messages"`
	Metadata Metadata            `json:"metadata"`
}

// Clone returns a copy that shares no slices with s.
func (s State) Clone() State {
	out := State{Metadata: s.Metadata}
	if s.Messages != nil {
		out.Messages = make([]providers.Message, len(s.Messages))
		copy(out.Messages, s.Messages)
	}
	return out
}

// FirstUserMessage returns the content of the first non-empty user message.
func (s State) FirstUserMessage() (string, bool) {
	for _, msg := range s.Messages {
		if msg.Role == providers.RoleUser && strings.TrimSpace(msg.Content) != "" {
			return msg.Content, true
		}
	}
	return "", false
}

// Checkpoint is an immutable snapshot of a thread.
type Checkpoint struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	Sequence  uint64    `json:"sequence"`
	State     State     `json:"state"`
	CreatedAt time.Time `json:"created_at"`
}

// ThreadTitle pairs a thread with its generated title.
type ThreadTitle struct {
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

// CheckAppend verifies that next is a valid successor of prev: every committed message is kept
// unchanged and in order, and an existing title is preserved. A nil prev accepts any state.
func CheckAppend(prev *State, next State) error {
	if prev == nil {
		return nil
	}
	if len(next.Messages) < len(prev.Messages) {
		return fmt.Errorf("%w: %d committed messages, got %d", ErrHistoryRewritten, len(prev.Messages), len(next.Messages))
	}
	for i := range prev.Messages {
		same, err := sameMessage(prev.Messages[i], next.Messages[i])
		if err != nil {
			return err
		}
		if !same {
			return fmt.Errorf("%w: message %d differs", ErrHistoryRewritten, i)
		}
	}
	if prev.Metadata.Title != "" && next.Metadata.Title != prev.Metadata.Title {
		return fmt.Errorf("%w: %q", ErrTitleOverwritten, prev.Metadata.Title)
	}
	return nil
}

// sameMessage compares canonical encodings so that values that went through a JSON round trip
// (numbers become float64) compare equal to their originals.
func sameMessage(a, b providers.Message) (bool, error) {
	ab, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode message: %w", err)
	}
	return bytes.Equal(ab, bb), nil
}

func validateThreadID(threadID string) error {
	if strings.TrimSpace(threadID) == "" {
		return ErrEmptyThreadID
	}
	return nil
}

func writeFailed(err error) error {
	if errors.Is(err, ErrWriteFailed) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrWriteFailed, err)
}

func encodeCheckpoint(c Checkpoint) ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	return data, nil
}

func decodeCheckpoint(data []byte) (Checkpoint, error) {
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return c, nil
}

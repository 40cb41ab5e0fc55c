// Package storetest provides a conformance suite shared by every checkpoint.Store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/darkostanimirovic/chatgraph/internal/checkpoint"
	"github.com/darkostanimirovic/chatgraph/providers"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) checkpoint.Store

// Run exercises the store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s checkpoint.Store)
	}{
		{"CommitAndLatest", testCommitAndLatest},
		{"LatestNotFound", testLatestNotFound},
		{"SequenceAndHistory", testSequenceAndHistory},
		{"RejectsRewrittenHistory", testRejectsRewrittenHistory},
		{"TitleWriteOnce", testTitleWriteOnce},
		{"ListThreads", testListThreads},
		{"ListThreadsWithTitles", testListThreadsWithTitles},
		{"EmptyThreadID", testEmptyThreadID},
		{"ReturnedStateIsIsolated", testReturnedStateIsIsolated},
		{"ConcurrentThreads", testConcurrentThreads},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func turn(prev checkpoint.State, user, reply string) checkpoint.State {
	next := prev.Clone()
	next.Messages = append(next.Messages,
		providers.UserMessage(user),
		providers.AssistantMessage(reply, nil),
	)
	return next
}

func mustCommit(t *testing.T, s checkpoint.Store, threadID string, state checkpoint.State) string {
	t.Helper()
	id, err := s.Commit(context.Background(), threadID, state)
	if err != nil {
		t.Fatalf("Commit(%s) failed: %v", threadID, err)
	}
	if id == "" {
		t.Fatalf("Commit(%s) returned empty id", threadID)
	}
	return id
}

func testCommitAndLatest(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	state := checkpoint.State{Messages: []providers.Message{
		providers.UserMessage("What is 2+2?"),
		providers.AssistantMessage("", []providers.ToolCall{{ID: "call_1", Name: "calculator", Arguments: map[string]any{"expression": "2+2"}}}),
		providers.ToolResultMessage("call_1", "calculator", `{"expression":"2+2","result":"4"}`),
		providers.AssistantMessage("2+2 = 4", nil),
	}}
	id := mustCommit(t, s, "t1", state)

	got, err := s.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.ID != id {
		t.Errorf("expected checkpoint id %s, got %s", id, got.ID)
	}
	if got.ThreadID != "t1" || got.Sequence != 1 {
		t.Errorf("unexpected key (%s, %d)", got.ThreadID, got.Sequence)
	}
	if got.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
	if diff := cmp.Diff(state, got.State); diff != "" {
		t.Errorf("state mismatch (-want +got):\n%s", diff)
	}
}

func testLatestNotFound(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	if _, err := s.Latest(ctx, "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Latest, got %v", err)
	}
	if _, err := s.Get(ctx, "missing", 1); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound from Get, got %v", err)
	}
	if _, err := s.History(ctx, "missing"); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound from History, got %v", err)
	}
}

func testSequenceAndHistory(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	first := turn(checkpoint.State{}, "hi", "hello")
	second := turn(first, "how are you?", "fine")
	second.Metadata.Title = "Greetings"
	third := turn(second, "bye", "goodbye")
	third.Metadata.Title = "Greetings"

	for _, st := range []checkpoint.State{first, second, third} {
		mustCommit(t, s, "t1", st)
	}

	history, err := s.History(ctx, "t1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 checkpoints, got %d", len(history))
	}
	for i, ckpt := range history {
		if ckpt.Sequence != uint64(i+1) {
			t.Errorf("checkpoint %d: expected sequence %d, got %d", i, i+1, ckpt.Sequence)
		}
	}
	if got := len(history[2].State.Messages); got != 6 {
		t.Errorf("expected 6 messages in latest, got %d", got)
	}

	mid, err := s.Get(ctx, "t1", 2)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if diff := cmp.Diff(second, mid.State); diff != "" {
		t.Errorf("checkpoint 2 mismatch (-want +got):\n%s", diff)
	}
	if _, err := s.Get(ctx, "t1", 4); !errors.Is(err, checkpoint.ErrNotFound) {
		t.Errorf("expected ErrNotFound past the end, got %v", err)
	}
}

func testRejectsRewrittenHistory(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	first := turn(checkpoint.State{}, "hi", "hello")
	mustCommit(t, s, "t1", first)

	truncated := checkpoint.State{Messages: first.Messages[:1]}
	_, err := s.Commit(ctx, "t1", truncated)
	if !errors.Is(err, checkpoint.ErrWriteFailed) || !errors.Is(err, checkpoint.ErrHistoryRewritten) {
		t.Errorf("expected write failure for truncated history, got %v", err)
	}

	edited := turn(checkpoint.State{}, "hi there", "hello")
	if _, err := s.Commit(ctx, "t1", edited); !errors.Is(err, checkpoint.ErrHistoryRewritten) {
		t.Errorf("expected write failure for edited history, got %v", err)
	}

	latest, err := s.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Sequence != 1 {
		t.Errorf("rejected commits must not advance the sequence, got %d", latest.Sequence)
	}
}

func testTitleWriteOnce(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	first := turn(checkpoint.State{}, "hi", "hello")
	first.Metadata.Title = "Friendly Greeting"
	mustCommit(t, s, "t1", first)

	renamed := turn(first, "again", "hello again")
	renamed.Metadata.Title = "Another Title"
	if _, err := s.Commit(ctx, "t1", renamed); !errors.Is(err, checkpoint.ErrTitleOverwritten) {
		t.Errorf("expected ErrTitleOverwritten for rename, got %v", err)
	}

	cleared := turn(first, "again", "hello again")
	cleared.Metadata.Title = ""
	if _, err := s.Commit(ctx, "t1", cleared); !errors.Is(err, checkpoint.ErrTitleOverwritten) {
		t.Errorf("expected ErrTitleOverwritten for clear, got %v", err)
	}

	kept := turn(first, "again", "hello again")
	mustCommit(t, s, "t1", kept)
}

func testListThreads(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	ids, err := s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no threads, got %v", ids)
	}

	a := turn(checkpoint.State{}, "a", "A")
	b := turn(checkpoint.State{}, "b", "B")
	mustCommit(t, s, "a", a)
	mustCommit(t, s, "b", b)
	mustCommit(t, s, "a", turn(a, "a2", "A2"))

	ids, err = s.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b"}, ids); diff != "" {
		t.Errorf("threads mismatch (-want +got):\n%s", diff)
	}
}

func testListThreadsWithTitles(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	titled := func(user, title string) checkpoint.State {
		st := turn(checkpoint.State{}, user, "ok")
		st.Metadata.Title = title
		return st
	}

	old := titled("one", "First Thread")
	mustCommit(t, s, "one", old)
	mustCommit(t, s, "untitled", turn(checkpoint.State{}, "two", "ok"))
	mustCommit(t, s, "three", titled("three", "Third Thread"))
	mustCommit(t, s, "one", turn(old, "more", "ok"))

	got, err := s.ListThreadsWithTitles(ctx)
	if err != nil {
		t.Fatalf("ListThreadsWithTitles failed: %v", err)
	}
	want := []checkpoint.ThreadTitle{
		{ThreadID: "one", Title: "First Thread"},
		{ThreadID: "three", Title: "Third Thread"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("titles mismatch (-want +got):\n%s", diff)
	}
}

func testEmptyThreadID(t *testing.T, s checkpoint.Store) {
	_, err := s.Commit(context.Background(), "", turn(checkpoint.State{}, "hi", "hello"))
	if !errors.Is(err, checkpoint.ErrEmptyThreadID) {
		t.Errorf("expected ErrEmptyThreadID, got %v", err)
	}
}

func testReturnedStateIsIsolated(t *testing.T, s checkpoint.Store) {
	ctx := context.Background()
	state := turn(checkpoint.State{}, "hi", "hello")
	mustCommit(t, s, "t1", state)
	state.Messages[0].Content = "changed after commit"

	got, err := s.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if got.State.Messages[0].Content != "hi" {
		t.Fatalf("store shares memory with committed state: %q", got.State.Messages[0].Content)
	}
	got.State.Messages[0].Content = "changed after load"

	again, err := s.Latest(ctx, "t1")
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if again.State.Messages[0].Content != "hi" {
		t.Errorf("store shares memory with loaded state: %q", again.State.Messages[0].Content)
	}
}

func testConcurrentThreads(t *testing.T, s checkpoint.Store) {
	const turns = 5
	threads := []string{"left", "right"}

	var wg sync.WaitGroup
	errs := make(chan error, len(threads))
	for _, id := range threads {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			state := checkpoint.State{}
			for i := 0; i < turns; i++ {
				state = turn(state, fmt.Sprintf("%s-%d", id, i), "ok")
				if _, err := s.Commit(context.Background(), id, state); err != nil {
					errs <- fmt.Errorf("%s turn %d: %w", id, i, err)
					return
				}
			}
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	for _, id := range threads {
		latest, err := s.Latest(context.Background(), id)
		if err != nil {
			t.Fatalf("Latest(%s) failed: %v", id, err)
		}
		if latest.Sequence != turns {
			t.Errorf("%s: expected sequence %d, got %d", id, turns, latest.Sequence)
		}
		for _, msg := range latest.State.Messages {
			if msg.Role == providers.RoleUser && msg.Content[:len(id)] != id {
				t.Errorf("%s: found message from another thread: %q", id, msg.Content)
			}
		}
	}
}

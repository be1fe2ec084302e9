package stream

import (
	"errors"
	"testing"
	"time"

	"github.com/strandhq/strand/internal/store"
)

func newStreamingMessage(t *testing.T, st *store.Store) *store.Message {
	t.Helper()
	conv, err := st.CreateConversation("")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := st.AppendMessage(conv.ID, store.RoleAssistant, "", store.StatusStreaming)
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

func TestCoordinatorSnapshotGating(t *testing.T) {
	st := setupTestStore(t)
	msg := newStreamingMessage(t, st)

	clock := time.Unix(1000, 0)
	c := newCoordinator(st, msg.ID, time.Second, nil)
	c.now = func() time.Time { return clock }
	c.lastSnapshot = clock

	c.append("a")
	got, _ := st.GetMessage(msg.ID)
	if got.Content != "" {
		t.Fatalf("snapshot written before interval elapsed: %q", got.Content)
	}

	clock = clock.Add(500 * time.Millisecond)
	c.append("b")
	got, _ = st.GetMessage(msg.ID)
	if got.Content != "" {
		t.Fatalf("snapshot written at half interval: %q", got.Content)
	}

	clock = clock.Add(600 * time.Millisecond)
	c.append("c")
	got, _ = st.GetMessage(msg.ID)
	if got.Content != "abc" {
		t.Fatalf("snapshot after interval = %q, want %q", got.Content, "abc")
	}
	if got.Status != store.StatusStreaming {
		t.Fatalf("snapshot must not change status, got %q", got.Status)
	}

	// Next token is gated again.
	c.append("d")
	got, _ = st.GetMessage(msg.ID)
	if got.Content != "abc" {
		t.Fatalf("gate did not reset: %q", got.Content)
	}

	if c.text() != "abcd" {
		t.Fatalf("buffer = %q", c.text())
	}
}

func TestCoordinatorFinalizeExactlyOnce(t *testing.T) {
	st := setupTestStore(t)
	msg := newStreamingMessage(t, st)

	c := newCoordinator(st, msg.ID, time.Second, nil)
	c.append("final text")

	if err := c.finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	got, _ := st.GetMessage(msg.ID)
	if got.Status != store.StatusComplete || got.Content != "final text" {
		t.Fatalf("unexpected terminal state: %+v", got)
	}

	// Second terminal call is a no-op, including the discard variant.
	if err := c.finalize(); err != nil {
		t.Fatalf("repeat finalize: %v", err)
	}
	if err := c.discard(); err != nil {
		t.Fatalf("discard after finalize: %v", err)
	}
	if _, err := st.GetMessage(msg.ID); err != nil {
		t.Fatalf("message should survive discard-after-finalize: %v", err)
	}
}

func TestCoordinatorDiscard(t *testing.T) {
	st := setupTestStore(t)
	msg := newStreamingMessage(t, st)

	c := newCoordinator(st, msg.ID, time.Second, nil)
	c.append("abandoned")

	if err := c.discard(); err != nil {
		t.Fatalf("discard: %v", err)
	}
	if _, err := st.GetMessage(msg.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}

	// Deferred finalize must not resurrect or fail.
	if err := c.finalize(); err != nil {
		t.Fatalf("finalize after discard: %v", err)
	}
}

func TestCoordinatorTerminalWriteAfterConversationDelete(t *testing.T) {
	st := setupTestStore(t)
	msg := newStreamingMessage(t, st)

	c := newCoordinator(st, msg.ID, time.Second, nil)
	c.append("half an answer")

	// The conversation is deleted while the attempt is still unwinding;
	// the terminal write has nothing left to commit and must stay quiet.
	if err := st.DeleteConversation(msg.ConversationID); err != nil {
		t.Fatal(err)
	}
	if err := c.finalize(); err != nil {
		t.Fatalf("finalize after conversation delete: %v", err)
	}
}

func TestCoordinatorDiscardAfterConversationDelete(t *testing.T) {
	st := setupTestStore(t)
	msg := newStreamingMessage(t, st)

	c := newCoordinator(st, msg.ID, time.Second, nil)
	c.append("half an answer")

	if err := st.DeleteConversation(msg.ConversationID); err != nil {
		t.Fatal(err)
	}
	if err := c.discard(); err != nil {
		t.Fatalf("discard after conversation delete: %v", err)
	}
}

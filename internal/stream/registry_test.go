package stream

import "testing"

func TestRegistryStopSignalsOnce(t *testing.T) {
	r := NewRegistry()

	calls := 0
	r.Put("conv-1", "msg-1", func() { calls++ })

	if id, ok := r.Active("conv-1"); !ok || id != "msg-1" {
		t.Fatalf("Active = %q, %v", id, ok)
	}

	if !r.Stop("conv-1") {
		t.Fatal("first Stop should signal")
	}
	if calls != 1 {
		t.Fatalf("cancel called %d times", calls)
	}
	if r.Stop("conv-1") {
		t.Fatal("second Stop should be a no-op")
	}
	if calls != 1 {
		t.Fatalf("cancel called %d times after repeat", calls)
	}
}

func TestRegistryStopUnknownConversation(t *testing.T) {
	r := NewRegistry()
	if r.Stop("nope") {
		t.Fatal("Stop on unknown conversation should report false")
	}
}

func TestRegistryRemoveWithoutSignal(t *testing.T) {
	r := NewRegistry()

	called := false
	r.Put("conv-1", "msg-1", func() { called = true })
	r.Remove("conv-1", "msg-1")

	if called {
		t.Fatal("Remove must not invoke cancel")
	}
	if r.Stop("conv-1") {
		t.Fatal("Stop after Remove should be a no-op")
	}
}

func TestRegistryRemoveOnlyOwnAttempt(t *testing.T) {
	r := NewRegistry()

	// Attempt A is stopped, and before its cleanup runs a replacement
	// attempt B registers for the same conversation.
	r.Put("conv-1", "m-a", func() {})
	r.Stop("conv-1")

	cancelled := false
	r.Put("conv-1", "m-b", func() { cancelled = true })
	r.Remove("conv-1", "m-a")

	if id, ok := r.Active("conv-1"); !ok || id != "m-b" {
		t.Fatalf("replacement entry lost: %q, %v", id, ok)
	}
	if !r.Stop("conv-1") {
		t.Fatal("replacement attempt must stay stoppable")
	}
	if !cancelled {
		t.Fatal("replacement cancel did not fire")
	}
}

func TestRegistryStopAll(t *testing.T) {
	r := NewRegistry()

	var cancelled []string
	r.Put("a", "m1", func() { cancelled = append(cancelled, "a") })
	r.Put("b", "m2", func() { cancelled = append(cancelled, "b") })

	r.StopAll()

	if len(cancelled) != 2 {
		t.Fatalf("cancelled %v", cancelled)
	}
	if r.Len() != 0 {
		t.Fatalf("registry not drained: %d", r.Len())
	}
}

func TestRegistryPutReplaces(t *testing.T) {
	r := NewRegistry()

	firstCancelled := false
	r.Put("conv-1", "m1", func() { firstCancelled = true })
	r.Put("conv-1", "m2", func() {})

	if id, _ := r.Active("conv-1"); id != "m2" {
		t.Fatalf("Active = %q, want m2", id)
	}
	r.Stop("conv-1")
	if firstCancelled {
		t.Fatal("replaced entry's cancel must not fire")
	}
}

package history

import (
	"testing"

	"github.com/strandhq/strand/internal/store"
)

func msg(role, content string) store.Message {
	return store.Message{Role: role, Content: content, Status: store.StatusComplete}
}

func TestBuildTurns(t *testing.T) {
	tests := []struct {
		name string
		msgs []store.Message
		want []Turn
	}{
		{
			name: "empty history",
			msgs: nil,
			want: nil,
		},
		{
			name: "single exchange",
			msgs: []store.Message{
				msg(store.RoleUser, "hi"),
				msg(store.RoleAssistant, "hello"),
			},
			want: []Turn{{Question: "hi", Answer: "hello"}},
		},
		{
			name: "trailing live query excluded",
			msgs: []store.Message{
				msg(store.RoleUser, "hi"),
				msg(store.RoleAssistant, "hello"),
				msg(store.RoleUser, "and now?"),
			},
			want: []Turn{{Question: "hi", Answer: "hello"}},
		},
		{
			name: "consecutive user messages joined",
			msgs: []store.Message{
				msg(store.RoleUser, "first"),
				msg(store.RoleUser, "second"),
				msg(store.RoleAssistant, "combined answer"),
			},
			want: []Turn{{Question: "first\nsecond", Answer: "combined answer"}},
		},
		{
			name: "orphaned assistant dropped",
			msgs: []store.Message{
				msg(store.RoleAssistant, "answer without question"),
				msg(store.RoleUser, "real question"),
				msg(store.RoleAssistant, "real answer"),
			},
			want: []Turn{{Question: "real question", Answer: "real answer"}},
		},
		{
			name: "gap in the middle",
			msgs: []store.Message{
				msg(store.RoleUser, "q1"),
				msg(store.RoleAssistant, "a1"),
				msg(store.RoleUser, "q2 whose answer was deleted"),
				msg(store.RoleUser, "q3"),
				msg(store.RoleAssistant, "a3"),
			},
			want: []Turn{
				{Question: "q1", Answer: "a1"},
				{Question: "q2 whose answer was deleted\nq3", Answer: "a3"},
			},
		},
		{
			name: "only a pending question",
			msgs: []store.Message{
				msg(store.RoleUser, "hello?"),
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildTurns(tt.msgs)
			if len(got) != len(tt.want) {
				t.Fatalf("got %d turns, want %d: %+v", len(got), len(tt.want), got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("turn %d = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBuildTurnsNeverEmptyQuestion(t *testing.T) {
	// Arbitrary deletion patterns must never produce a pair with an
	// empty question, and pair count must equal the number of locally
	// complete user→assistant exchanges.
	histories := [][]store.Message{
		{msg(store.RoleAssistant, "a"), msg(store.RoleAssistant, "b")},
		{msg(store.RoleUser, "q"), msg(store.RoleUser, "q2")},
		{msg(store.RoleAssistant, "a"), msg(store.RoleUser, "q"), msg(store.RoleAssistant, "b"), msg(store.RoleAssistant, "c")},
	}

	for i, h := range histories {
		for _, turn := range BuildTurns(h) {
			if turn.Question == "" {
				t.Errorf("history %d: emitted empty question", i)
			}
		}
	}
}

func TestBuildTurnsIdempotent(t *testing.T) {
	msgs := []store.Message{
		msg(store.RoleUser, "q1"),
		msg(store.RoleAssistant, "a1"),
		msg(store.RoleUser, "q2"),
	}

	first := BuildTurns(msgs)
	second := BuildTurns(msgs)
	if len(first) != len(second) {
		t.Fatalf("non-deterministic output: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("turn %d differs between runs", i)
		}
	}
}

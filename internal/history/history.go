// Package history converts stored message lists into the turn-pair
// structure the remote completion engine replays as context.
package history

import (
	"strings"

	"github.com/strandhq/strand/internal/store"
)

// Turn is one completed (question, answer) exchange.
type Turn struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// BuildTurns folds an ordered message list (oldest first) into completed
// turn pairs. The caller excludes any message currently being generated.
//
// Deletions leave gaps the fold has to tolerate:
//   - consecutive user messages (their assistant replies were deleted)
//     are joined into one question, newline-separated;
//   - an assistant message with no preceding user question (its question
//     was deleted) is dropped;
//   - a trailing question with no answer — the live query — is excluded.
//
// The function is pure: same input, same output, input order preserved.
func BuildTurns(msgs []store.Message) []Turn {
	var turns []Turn
	var pending []string

	for _, m := range msgs {
		switch m.Role {
		case store.RoleUser:
			pending = append(pending, m.Content)
		case store.RoleAssistant:
			if len(pending) == 0 {
				// Orphaned answer; its question was deleted.
				continue
			}
			turns = append(turns, Turn{
				Question: strings.Join(pending, "\n"),
				Answer:   m.Content,
			})
			pending = nil
		}
	}

	return turns
}

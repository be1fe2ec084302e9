package stream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/strandhq/strand/internal/engine"
	"github.com/strandhq/strand/internal/events"
	"github.com/strandhq/strand/internal/store"
)

const (
	titleTimeout   = 30 * time.Second
	titleMaxLength = 80
)

const titlePrompt = `Write a short title for the conversation below. At most six words, no quotes, no trailing punctuation. Reply with the title only.

Question: %s

Answer: %s`

// generateTitle synthesizes a conversation title from its first
// exchange via a one-shot completion on an ephemeral thread. Strictly
// best-effort: any failure is logged and an empty title returned, and
// the ephemeral thread is always torn down.
func (m *Manager) generateTitle(conv *store.Conversation, agentID, question, answer string) string {
	ctx, cancel := context.WithTimeout(context.Background(), titleTimeout)
	defer cancel()

	text, ephemeral, err := m.engine.Complete(ctx, engine.Request{
		Query:   fmt.Sprintf(titlePrompt, clip(question, 2000), clip(answer, 2000)),
		AgentID: agentID,
	})
	if ephemeral != "" {
		if derr := m.engine.DeleteThread(ctx, agentID, ephemeral); derr != nil {
			m.logger.Debug("ephemeral thread teardown failed", "thread", ephemeral, "error", derr)
		}
	}
	if err != nil {
		m.logger.Warn("title synthesis failed", "conversation_id", conv.ID, "error", err)
		return ""
	}

	title := cleanTitle(text)
	if title == "" {
		return ""
	}

	if err := m.store.SetTitle(conv.ID, title); err != nil {
		m.logger.Warn("title persist failed", "conversation_id", conv.ID, "error", err)
		return ""
	}

	m.logger.Info("title generated", "conversation_id", conv.ID, "title", title)
	m.bus.Publish(events.Event{
		Source: events.SourceStream,
		Kind:   events.KindTitleGenerated,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"title":           title,
		},
	})
	return title
}

// cleanTitle strips the decorations models like to add.
func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimSuffix(s, ".")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	if len(s) > titleMaxLength {
		s = strings.TrimSpace(s[:titleMaxLength])
	}
	return s
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

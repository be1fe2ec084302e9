// Package thread maintains the invariant that a conversation's remote
// thread handle always corresponds to a linear, gap-free history.
//
// The remote engine treats a thread as append-only: any mutation of
// earlier history (edit, deletion, regeneration) invalidates the
// handle. The rebase engine discards the old handle, mints a fresh one,
// and lets the next generation replay the corrected local history under
// it. Remote teardown is strictly best-effort — a leaked remote thread
// costs nothing, while blocking a user-visible edit on remote cleanup
// is unacceptable.
package thread

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/strandhq/strand/internal/engine"
	"github.com/strandhq/strand/internal/events"
	"github.com/strandhq/strand/internal/store"
)

// teardownTimeout bounds best-effort remote cleanup calls.
const teardownTimeout = 10 * time.Second

// Teardowner deletes remote threads. Satisfied by *engine.Client.
type Teardowner interface {
	DeleteThread(ctx context.Context, agentID, threadID string) error
}

// Rebaser rewrites a conversation's remote thread handle after
// destructive history mutations.
type Rebaser struct {
	store  *store.Store
	engine Teardowner
	bus    *events.Bus
	logger *slog.Logger
}

// NewRebaser creates a rebase engine.
func NewRebaser(st *store.Store, eng Teardowner, bus *events.Bus, logger *slog.Logger) *Rebaser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rebaser{
		store:  st,
		engine: eng,
		bus:    bus,
		logger: logger.With("component", "rebase"),
	}
}

// rebase tears down the conversation's current handle (best-effort) and
// persists a freshly minted one. Returns the new handle.
func (r *Rebaser) rebase(ctx context.Context, conv *store.Conversation) (string, error) {
	r.teardown(ctx, conv)

	newID := engine.MintThread()
	if err := r.store.SetThread(conv.ID, newID); err != nil {
		return "", fmt.Errorf("persist new thread: %w", err)
	}

	r.logger.Info("thread rebased",
		"conversation_id", conv.ID,
		"old_thread", conv.ThreadID,
		"new_thread", newID,
	)
	r.bus.Publish(events.Event{
		Source: events.SourceRebase,
		Kind:   events.KindThreadRebased,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"old_thread":      conv.ThreadID,
			"new_thread":      newID,
		},
	})
	return newID, nil
}

// teardown requests remote deletion of the conversation's current
// handle, if any. Failures are logged and published, never returned.
func (r *Rebaser) teardown(ctx context.Context, conv *store.Conversation) {
	if conv.ThreadID == "" {
		return
	}

	tctx, cancel := context.WithTimeout(ctx, teardownTimeout)
	defer cancel()

	if err := r.engine.DeleteThread(tctx, conv.AgentID, conv.ThreadID); err != nil {
		r.logger.Warn("remote thread teardown failed",
			"conversation_id", conv.ID,
			"thread", conv.ThreadID,
			"error", err,
		)
		r.bus.Publish(events.Event{
			Source: events.SourceRebase,
			Kind:   events.KindTeardownFailed,
			Data: map[string]any{
				"conversation_id": conv.ID,
				"thread":          conv.ThreadID,
				"error":           err.Error(),
			},
		})
	}
}

// TruncateFrom deletes every message with seq >= fromSeq and rebases
// the thread handle. Used by regeneration. Returns the conversation
// with its new handle.
func (r *Rebaser) TruncateFrom(ctx context.Context, conversationID string, fromSeq int) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}

	if err := r.store.DeleteFromSeq(conversationID, fromSeq); err != nil {
		return nil, err
	}

	newID, err := r.rebase(ctx, conv)
	if err != nil {
		return nil, err
	}
	conv.ThreadID = newID
	return conv, nil
}

// EditMessage rewrites a message's text, drops everything after it, and
// rebases the thread handle. The edited message becomes the tail of the
// corrected history.
func (r *Rebaser) EditMessage(ctx context.Context, messageID, content string) (*store.Conversation, error) {
	msg, err := r.store.GetMessage(messageID)
	if err != nil {
		return nil, err
	}

	if err := r.store.UpdateContent(messageID, content); err != nil {
		return nil, err
	}
	if err := r.store.DeleteFromSeq(msg.ConversationID, msg.Seq+1); err != nil {
		return nil, err
	}

	conv, err := r.store.GetConversation(msg.ConversationID)
	if err != nil {
		return nil, err
	}
	newID, err := r.rebase(ctx, conv)
	if err != nil {
		return nil, err
	}
	conv.ThreadID = newID
	return conv, nil
}

// DeleteMessage removes a single message. Deleting a non-trailing
// message breaks linearity and triggers a rebase; deleting the last
// message leaves the remote thread consistent, so the handle is kept.
func (r *Rebaser) DeleteMessage(ctx context.Context, messageID string) error {
	msg, err := r.store.GetMessage(messageID)
	if err != nil {
		return err
	}

	msgs, err := r.store.Messages(msg.ConversationID)
	if err != nil {
		return err
	}
	trailing := len(msgs) > 0 && msgs[len(msgs)-1].ID == messageID

	if err := r.store.DeleteMessage(messageID); err != nil {
		return err
	}

	if trailing {
		return nil
	}

	conv, err := r.store.GetConversation(msg.ConversationID)
	if err != nil {
		return err
	}
	if _, err := r.rebase(ctx, conv); err != nil {
		return err
	}
	return nil
}

// Fork copies history up to and including atMessageID into a brand-new
// conversation with no thread handle (minted lazily on its first
// generation). The source conversation's thread is explicitly left
// alone — it must remain usable.
func (r *Rebaser) Fork(ctx context.Context, conversationID, atMessageID string) (*store.Conversation, error) {
	msg, err := r.store.GetMessage(atMessageID)
	if err != nil {
		return nil, err
	}
	if msg.ConversationID != conversationID {
		return nil, store.ErrNotFound
	}

	return r.store.ForkConversation(conversationID, msg.Seq)
}

// SwitchAgent points a conversation at a different agent. The current
// handle belongs to the old agent's thread namespace, so a rebase
// replaces it; local history is kept and replays under the new agent.
func (r *Rebaser) SwitchAgent(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if conv.AgentID == agentID {
		return conv, nil
	}

	if err := r.store.SetAgent(conversationID, agentID); err != nil {
		return nil, err
	}

	if conv.ThreadID == "" {
		// Nothing to rebase yet; the first generation mints the handle.
		conv.AgentID = agentID
		return conv, nil
	}

	newID, err := r.rebase(ctx, conv)
	if err != nil {
		return nil, err
	}
	conv.AgentID = agentID
	conv.ThreadID = newID
	return conv, nil
}

// DeleteConversation removes a conversation and its messages, tearing
// down its remote thread best-effort first.
func (r *Rebaser) DeleteConversation(ctx context.Context, conversationID string) error {
	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return err
	}

	r.teardown(ctx, conv)
	return r.store.DeleteConversation(conversationID)
}

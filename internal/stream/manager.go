// Package stream drives generation attempts: it feeds the remote
// engine, persists partial and final output durably, relays events to
// the live client, and tracks in-flight attempts so they can be
// stopped.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/strandhq/strand/internal/config"
	"github.com/strandhq/strand/internal/engine"
	"github.com/strandhq/strand/internal/events"
	"github.com/strandhq/strand/internal/history"
	"github.com/strandhq/strand/internal/store"
	"github.com/strandhq/strand/internal/thread"
)

// Engine is the slice of the completion client the manager needs.
// Satisfied by *engine.Client.
type Engine interface {
	Stream(ctx context.Context, req engine.Request, cb engine.EventCallback) error
	Complete(ctx context.Context, req engine.Request) (text, threadID string, err error)
	DeleteThread(ctx context.Context, agentID, threadID string) error
}

// Attempt outcomes, as published on the event bus.
const (
	outcomeCompleted = "completed"
	outcomeStopped   = "stopped"
	outcomeError     = "error"
)

// ErrBusy is returned when a conversation already has a generation in
// flight.
var ErrBusy = errors.New("conversation has an active generation")

// ErrNoQuery is returned by Regenerate when truncation leaves no
// trailing user question to answer.
var ErrNoQuery = errors.New("no user message to regenerate from")

// Manager orchestrates one full generation attempt per call: resolve
// the thread handle, rebuild context, drive the engine, coordinate
// persistence, and deliver events.
type Manager struct {
	store        *store.Store
	engine       Engine
	registry     *Registry
	rebaser      *thread.Rebaser
	bus          *events.Bus
	cfg          config.StreamConfig
	defaultAgent string
	logger       *slog.Logger
}

// NewManager wires a stream manager. bus may be nil.
func NewManager(st *store.Store, eng Engine, reg *Registry, rb *thread.Rebaser, bus *events.Bus, cfg config.StreamConfig, defaultAgent string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:        st,
		engine:       eng,
		registry:     reg,
		rebaser:      rb,
		bus:          bus,
		cfg:          cfg,
		defaultAgent: defaultAgent,
		logger:       logger.With("component", "stream"),
	}
}

// Send runs a generation attempt for a new user query. It blocks until
// the attempt reaches its terminal outcome, delivering events to sink
// along the way. ctx covers only the setup phase; the generation itself
// deliberately detaches from it so a client disconnect never aborts
// persistence.
func (m *Manager) Send(ctx context.Context, conversationID, query string, sink Sink) error {
	conv, err := m.store.GetConversation(conversationID)
	if err != nil {
		return err
	}
	if _, busy := m.registry.Active(conversationID); busy {
		return ErrBusy
	}
	agentID := m.agentFor(conv)

	// Prior history, captured before this exchange's rows exist.
	msgs, err := m.store.Messages(conversationID)
	if err != nil {
		return err
	}
	turns := history.BuildTurns(msgs)

	threadID := conv.ThreadID
	if threadID == "" {
		// First generation for this conversation: mint lazily.
		threadID = engine.MintThread()
		if err := m.store.SetThread(conversationID, threadID); err != nil {
			return fmt.Errorf("persist thread: %w", err)
		}
	}

	userMsg, err := m.store.AppendMessage(conversationID, store.RoleUser, query, store.StatusComplete)
	if err != nil {
		return err
	}

	asst, err := m.store.AppendMessage(conversationID, store.RoleAssistant, "", store.StatusStreaming)
	if errors.Is(err, store.ErrStreamingConflict) {
		// Lost the race to a concurrent attempt. Take the just-written
		// user row back out so the rejected send leaves no trace.
		if derr := m.store.DeleteMessage(userMsg.ID); derr != nil {
			m.logger.Warn("rejected send cleanup failed", "message_id", userMsg.ID, "error", derr)
		}
		return ErrBusy
	}
	if err != nil {
		return err
	}

	m.deliver(sink, DeliveryEvent{
		UserMessageID:      userMsg.ID,
		AssistantMessageID: asst.ID,
	})

	m.runAttempt(conv, agentID, threadID, query, turns, asst.ID, sink)
	return nil
}

// Regenerate truncates history from the given message onward, rebases
// the remote thread, and re-answers the trailing user question. The
// event stream matches Send's, minus the fresh user message id.
func (m *Manager) Regenerate(ctx context.Context, conversationID, fromMessageID string, sink Sink) error {
	msg, err := m.store.GetMessage(fromMessageID)
	if err != nil {
		return err
	}
	if msg.ConversationID != conversationID {
		return store.ErrNotFound
	}
	if _, busy := m.registry.Active(conversationID); busy {
		return ErrBusy
	}

	// Regenerating from an assistant message discards it and everything
	// after; regenerating from a user message keeps it as the question
	// to re-answer.
	fromSeq := msg.Seq
	if msg.Role == store.RoleUser {
		fromSeq = msg.Seq + 1
	}

	conv, err := m.rebaser.TruncateFrom(ctx, conversationID, fromSeq)
	if err != nil {
		return err
	}
	agentID := m.agentFor(conv)

	msgs, err := m.store.Messages(conversationID)
	if err != nil {
		return err
	}

	// The trailing user block becomes the live query, mirroring how the
	// reconstructor would have joined it.
	var tail []store.Message
	for i := len(msgs) - 1; i >= 0 && msgs[i].Role == store.RoleUser; i-- {
		tail = append([]store.Message{msgs[i]}, tail...)
	}
	if len(tail) == 0 {
		return ErrNoQuery
	}
	query := tail[0].Content
	for _, t := range tail[1:] {
		query += "\n" + t.Content
	}

	turns := history.BuildTurns(msgs)

	asst, err := m.store.AppendMessage(conversationID, store.RoleAssistant, "", store.StatusStreaming)
	if errors.Is(err, store.ErrStreamingConflict) {
		return ErrBusy
	}
	if err != nil {
		return err
	}

	m.deliver(sink, DeliveryEvent{AssistantMessageID: asst.ID})

	m.runAttempt(conv, agentID, conv.ThreadID, query, turns, asst.ID, sink)
	return nil
}

// Stop signals the active attempt for a conversation, if any. Always
// safe to call; returns whether an attempt was actually signaled.
func (m *Manager) Stop(conversationID string) bool {
	active := m.registry.Stop(conversationID)
	m.bus.Publish(events.Event{
		Source: events.SourceAPI,
		Kind:   events.KindStopRequested,
		Data:   map[string]any{"conversation_id": conversationID, "active": active},
	})
	return active
}

// StopAll cancels every in-flight attempt. Each coordinator still runs
// its terminal write before the call chain unwinds.
func (m *Manager) StopAll() {
	m.registry.StopAll()
}

func (m *Manager) agentFor(conv *store.Conversation) string {
	if conv.AgentID != "" {
		return conv.AgentID
	}
	return m.defaultAgent
}

// deliver pushes an event to the live client. Failure means the client
// is gone; the generation does not care.
func (m *Manager) deliver(sink Sink, ev DeliveryEvent) {
	if sink == nil {
		return
	}
	if err := sink.Send(ev); err != nil {
		m.logger.Debug("client delivery failed", "error", err)
	}
}

// runAttempt drives one generation attempt to its terminal outcome.
// The attempt runs under its own cancelable context, registered so a
// stop request can reach it; it does not inherit the HTTP request
// context.
func (m *Manager) runAttempt(conv *store.Conversation, agentID, threadID, query string, turns []history.Turn, messageID string, sink Sink) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.registry.Put(conv.ID, messageID, cancel)
	defer m.registry.Remove(conv.ID, messageID)

	coord := newCoordinator(m.store, messageID, m.cfg.SnapshotInterval(), m.logger)

	// Safety net: whatever happens below, the message leaves streaming
	// status exactly once.
	defer func() {
		if err := coord.finalize(); err != nil {
			m.logger.Error("terminal write failed", "message_id", messageID, "error", err)
		}
	}()

	m.logger.Info("generation started",
		"conversation_id", conv.ID,
		"message_id", messageID,
		"agent", agentID,
		"past_turns", len(turns),
	)
	m.bus.Publish(events.Event{
		Source: events.SourceStream,
		Kind:   events.KindGenerationStart,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"message_id":      messageID,
			"agent_id":        agentID,
		},
	})

	streamErr := m.engine.Stream(ctx, engine.Request{
		Query:     query,
		History:   turns,
		ThreadID:  threadID,
		AgentID:   agentID,
		PastTurns: len(turns),
	}, func(e engine.Event) {
		switch e.Kind {
		case engine.KindStatus:
			m.deliver(sink, DeliveryEvent{Thinking: e.Text})
		case engine.KindToken:
			coord.append(e.Text)
			m.deliver(sink, DeliveryEvent{Delta: e.Text})
		}
	})

	outcome := outcomeCompleted
	switch {
	case streamErr == nil:
		if err := coord.finalize(); err != nil {
			m.logger.Error("terminal write failed", "message_id", messageID, "error", err)
		}

	case errors.Is(streamErr, context.Canceled):
		outcome = outcomeStopped
		if m.cfg.KeepPartialOnStop {
			if err := coord.finalize(); err != nil {
				m.logger.Error("terminal write failed", "message_id", messageID, "error", err)
			}
		} else {
			// Product policy: an intentionally abandoned answer is not
			// worth keeping.
			if err := coord.discard(); err != nil {
				m.logger.Error("discard failed", "message_id", messageID, "error", err)
			}
		}

	default:
		// Transport failure: the partial text is still committed so the
		// message is never left dangling in streaming status.
		outcome = outcomeError
		if err := coord.finalize(); err != nil {
			m.logger.Error("terminal write failed", "message_id", messageID, "error", err)
		}
		m.logger.Error("generation failed",
			"conversation_id", conv.ID,
			"message_id", messageID,
			"error", streamErr,
		)
	}

	m.bus.Publish(events.Event{
		Source: events.SourceStream,
		Kind:   events.KindGenerationComplete,
		Data: map[string]any{
			"conversation_id": conv.ID,
			"message_id":      messageID,
			"outcome":         outcome,
			"chars":           len(coord.text()),
		},
	})

	switch outcome {
	case outcomeCompleted:
		ev := DeliveryEvent{Done: true, MessageID: messageID}
		if conv.Title == "" && !m.cfg.DisableTitles {
			ev.GeneratedTitle = m.generateTitle(conv, agentID, query, coord.text())
		}
		m.deliver(sink, ev)
	case outcomeStopped:
		m.deliver(sink, DeliveryEvent{Done: true, MessageID: messageID})
	case outcomeError:
		m.deliver(sink, DeliveryEvent{Error: streamErr.Error()})
	}

	m.logger.Info("generation finished",
		"conversation_id", conv.ID,
		"message_id", messageID,
		"outcome", outcome,
		"chars", len(coord.text()),
	)
}

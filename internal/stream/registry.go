package stream

import (
	"context"
	"sync"
)

// Registry is the process-wide table of active generation attempts,
// keyed by conversation ID. It exists so an explicit stop request can
// reach the in-flight attempt. All access is synchronized; a stop
// arriving after natural completion is a harmless no-op.
//
// The registry is plain injected state — construct one in main and
// pass it to the Manager and the API server.
type Registry struct {
	mu     sync.Mutex
	active map[string]*attempt
}

type attempt struct {
	messageID string
	cancel    context.CancelFunc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{active: make(map[string]*attempt)}
}

// Put records an active attempt for a conversation, replacing any
// previous entry. messageID is the streaming assistant message.
func (r *Registry) Put(conversationID, messageID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active[conversationID] = &attempt{messageID: messageID, cancel: cancel}
}

// Remove drops the entry for a conversation without signaling it, but
// only while the entry still belongs to the given attempt. Called when
// an attempt reaches its terminal outcome; a stopped attempt's late
// cleanup must not take out a replacement that started in the window
// between the stop and the unwind.
func (r *Registry) Remove(conversationID, messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.active[conversationID]; ok && a.messageID == messageID {
		delete(r.active, conversationID)
	}
}

// Stop signals the active attempt for a conversation and removes its
// entry. Returns false if no attempt was active (idempotent no-op).
func (r *Registry) Stop(conversationID string) bool {
	r.mu.Lock()
	a, ok := r.active[conversationID]
	if ok {
		delete(r.active, conversationID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	a.cancel()
	return true
}

// StopAll signals every active attempt. Used during shutdown so each
// coordinator runs its terminal write before the process exits.
func (r *Registry) StopAll() {
	r.mu.Lock()
	attempts := make([]*attempt, 0, len(r.active))
	for id, a := range r.active {
		attempts = append(attempts, a)
		delete(r.active, id)
	}
	r.mu.Unlock()

	for _, a := range attempts {
		a.cancel()
	}
}

// Active returns the streaming message ID for a conversation's active
// attempt, if any.
func (r *Registry) Active(conversationID string) (messageID string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.active[conversationID]
	if !ok {
		return "", false
	}
	return a.messageID, true
}

// Len returns the number of active attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

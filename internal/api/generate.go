package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/strandhq/strand/internal/store"
	"github.com/strandhq/strand/internal/stream"
)

// sseWriteDeadline is pushed forward after every event so a healthy
// stream never times out while an abandoned socket still gets reaped.
const sseWriteDeadline = 120 * time.Second

// sseSink writes delivery events to an SSE response. Write failures
// are returned to the manager, which treats them as "client gone" and
// keeps generating.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func (s *sseSink) Send(ev stream.DeliveryEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	s.rc.SetWriteDeadline(time.Now().Add(sseWriteDeadline))
	return nil
}

// startSSE switches the response into event-stream mode. After this
// point errors can only be reported in-band.
func (s *Server) startSSE(w http.ResponseWriter) (*sseSink, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	rc := http.NewResponseController(w)
	rc.SetWriteDeadline(time.Now().Add(sseWriteDeadline))
	return &sseSink{w: w, flusher: flusher, rc: rc}, true
}

// finishSSE emits the stream terminator. The client treats everything
// before it as protocol events.
func (s *Server) finishSSE(sink *sseSink) {
	fmt.Fprintf(sink.w, "data: [DONE]\n\n")
	sink.flusher.Flush()
}

type sendRequest struct {
	Message string `json:"message"`
}

// handleSend runs a generation attempt for a new user message,
// streaming the delivery protocol back as SSE. The attempt itself is
// detached from the request context: if the client drops, generation
// and persistence carry on and the client recovers via polling.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	// Preflight before committing to an SSE response.
	if _, err := s.store.GetConversation(id); err != nil {
		s.storeError(w, err, "get conversation")
		return
	}

	sink, ok := s.startSSE(w)
	if !ok {
		return
	}

	if err := s.manager.Send(r.Context(), id, req.Message, sink); err != nil {
		s.sendSetupError(sink, err)
	}
	s.finishSSE(sink)
}

type regenerateRequest struct {
	MessageID string `json:"message_id"`
}

// handleRegenerate rewinds the conversation to the given message and
// streams a fresh answer for the question that preceded it.
func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req regenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MessageID == "" {
		s.errorResponse(w, http.StatusBadRequest, "message_id is required")
		return
	}

	if _, err := s.store.GetConversation(id); err != nil {
		s.storeError(w, err, "get conversation")
		return
	}

	sink, ok := s.startSSE(w)
	if !ok {
		return
	}

	if err := s.manager.Regenerate(r.Context(), id, req.MessageID, sink); err != nil {
		s.sendSetupError(sink, err)
	}
	s.finishSSE(sink)
}

// sendSetupError reports a pre-stream failure in-band, since the SSE
// headers have already been written.
func (s *Server) sendSetupError(sink *sseSink, err error) {
	var msg string
	switch {
	case errors.Is(err, stream.ErrBusy):
		msg = "a generation is already running for this conversation"
	case errors.Is(err, stream.ErrNoQuery):
		msg = "no user message to regenerate from"
	case errors.Is(err, store.ErrNotFound):
		msg = "not found"
	default:
		s.logger.Error("generation setup failed", "error", err)
		msg = "generation failed to start"
	}
	sink.Send(stream.DeliveryEvent{Error: msg})
}

// handleStop cancels the active generation for a conversation, if any.
// Always returns 200; stopping an idle conversation is a no-op.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	stopped := s.manager.Stop(id)

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":  "ok",
		"stopped": stopped,
	}, s.logger)
}

package api

import (
	"encoding/json"
	"net/http"
)

type conversationCreateRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

func (s *Server) handleConversationCreate(w http.ResponseWriter, r *http.Request) {
	var req conversationCreateRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.errorResponse(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	conv, err := s.store.CreateConversation(req.AgentID)
	if err != nil {
		s.storeError(w, err, "create conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	convs, err := s.store.ListConversations()
	if err != nil {
		s.storeError(w, err, "list conversations")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"count":         len(convs),
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	conv, err := s.store.GetConversation(id)
	if err != nil {
		s.storeError(w, err, "get conversation")
		return
	}
	msgs, err := s.store.Messages(id)
	if err != nil {
		s.storeError(w, err, "get messages")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversation": conv,
		"messages":     msgs,
	}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// Any in-flight generation must unwind before its rows vanish.
	s.manager.Stop(id)

	if err := s.rebaser.DeleteConversation(r.Context(), id); err != nil {
		s.storeError(w, err, "delete conversation")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type conversationTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleConversationTitle(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req conversationTitleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Title == "" {
		s.errorResponse(w, http.StatusBadRequest, "title is required")
		return
	}

	if _, err := s.store.GetConversation(id); err != nil {
		s.storeError(w, err, "get conversation")
		return
	}
	if err := s.store.SetTitle(id, req.Title); err != nil {
		s.storeError(w, err, "set title")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok", "title": req.Title}, s.logger)
}

type conversationAgentRequest struct {
	AgentID string `json:"agent_id"`
}

// handleConversationAgent switches the agent a conversation talks to.
// The existing thread handle belongs to the old agent, so it is
// rebased away; local history is untouched and replays under the new
// agent on the next generation.
func (s *Server) handleConversationAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req conversationAgentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		s.errorResponse(w, http.StatusBadRequest, "agent_id is required")
		return
	}

	conv, err := s.rebaser.SwitchAgent(r.Context(), id, req.AgentID)
	if err != nil {
		s.storeError(w, err, "switch agent")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

type conversationForkRequest struct {
	MessageID string `json:"message_id"`
}

func (s *Server) handleConversationFork(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req conversationForkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MessageID == "" {
		s.errorResponse(w, http.StatusBadRequest, "message_id is required")
		return
	}

	fork, err := s.rebaser.Fork(r.Context(), id, req.MessageID)
	if err != nil {
		s.storeError(w, err, "fork conversation")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, fork, s.logger)
}

type messageEditRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleMessageEdit(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req messageEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" {
		s.errorResponse(w, http.StatusBadRequest, "content is required")
		return
	}

	conv, err := s.rebaser.EditMessage(r.Context(), id, req.Content)
	if err != nil {
		s.storeError(w, err, "edit message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":       "ok",
		"conversation": conv,
	}, s.logger)
}

func (s *Server) handleMessageDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := s.rebaser.DeleteMessage(r.Context(), id); err != nil {
		s.storeError(w, err, "delete message")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMessageStatus is the polling fallback for clients that lost
// (or never had) the live SSE stream. The content field carries the
// latest persisted snapshot while status is "streaming", and the full
// text once "complete". A client that sees no change across several
// polls of a streaming message can assume the attempt died with the
// process and give up.
func (s *Server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	msg, err := s.store.GetMessage(id)
	if err != nil {
		s.storeError(w, err, "get message")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"id":      msg.ID,
		"status":  msg.Status,
		"content": msg.Content,
	}, s.logger)
}

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"deepchat.exe.dev/db"
)

// completionSaveAttempts bounds re-read-and-retry when a concurrent
// completion on the same chat wins the version race. The provider is called
// exactly once regardless.
const completionSaveAttempts = 3

// handleCreateChat handles POST /api/chat/create. It takes no body and
// returns the created chat so callers can select it without a refetch.
func (s *Server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	chat, err := s.db.CreateChat(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to create chat", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.publishChatListUpdate(userID, ChatListUpdate{Type: "update", Chat: chat})

	writeJSON(w, http.StatusOK, envelope{Success: true, Message: "Chat created", Data: chat})
}

// handleListChats handles GET /api/chat/list. Chats come back most recently
// updated first.
func (s *Server) handleListChats(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	chats, err := s.db.ListChats(r.Context(), userID)
	if err != nil {
		s.logger.Error("Failed to list chats", "userID", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeData(w, chats)
}

// RenameRequest is the body of POST /api/chat/rename.
type RenameRequest struct {
	ChatID string `json:"chatId"`
	Name   string `json:"name"`
}

func (s *Server) handleRenameChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	var req RenameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	name := strings.TrimSpace(req.Name)
	if req.ChatID == "" || name == "" {
		writeError(w, http.StatusBadRequest, "chatId and name are required")
		return
	}

	err := s.db.RenameChat(r.Context(), userID, req.ChatID, name)
	if errors.Is(err, db.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to rename chat", "chatID", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.notifyChatUpdated(r.Context(), userID, req.ChatID)

	writeMessage(w, "Chat renamed")
}

// DeleteRequest is the body of POST /api/chat/delete.
type DeleteRequest struct {
	ChatID string `json:"chatId"`
}

func (s *Server) handleDeleteChat(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ChatID == "" {
		writeError(w, http.StatusBadRequest, "chatId is required")
		return
	}

	err := s.db.DeleteChat(r.Context(), userID, req.ChatID)
	if errors.Is(err, db.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete chat", "chatID", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.publishChatListUpdate(userID, ChatListUpdate{Type: "delete", ChatID: req.ChatID})

	writeMessage(w, "Chat deleted")
}

// CompletionRequest is the body of POST /api/chat/ai.
type CompletionRequest struct {
	ChatID string `json:"chatId"`
	Prompt string `json:"prompt"`
}

// handleCompletion appends the caller's prompt to an owned chat, performs a
// single-turn provider round trip, appends the assistant reply, and persists
// both in one versioned document save. Only the assistant message is
// returned; the caller already holds the user message locally.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	var req CompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}
	if req.ChatID == "" || req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "chatId and prompt are required")
		return
	}

	ctx := r.Context()

	// Resolve first so a bad chat ID never reaches the provider.
	chat, err := s.db.GetChat(ctx, userID, req.ChatID)
	if errors.Is(err, db.ErrChatNotFound) {
		writeError(w, http.StatusNotFound, "Chat not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to get chat", "chatID", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	userMessage := db.Message{
		Role:      db.RoleUser,
		Content:   req.Prompt,
		Timestamp: time.Now().UTC(),
	}

	// Single attempt, no retry. The request carries only the current prompt.
	completionCtx, cancel := context.WithTimeout(ctx, s.completionTimeout)
	defer cancel()
	reply, err := s.llm.Complete(completionCtx, req.Prompt)
	if err != nil {
		s.logger.Error("Completion provider failed", "chatID", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Completion failed: %v", err))
		return
	}

	assistantMessage := db.Message{
		Role:      db.RoleAssistant,
		Content:   reply,
		Timestamp: time.Now().UTC(),
	}

	// One whole-document save for both messages. A version conflict means a
	// concurrent completion landed between our read and write; re-read and
	// re-append so neither side's messages are lost.
	for attempt := 0; ; attempt++ {
		transcript := make([]db.Message, 0, len(chat.Messages)+2)
		transcript = append(transcript, chat.Messages...)
		transcript = append(transcript, userMessage, assistantMessage)

		err = s.db.SaveMessages(ctx, userID, req.ChatID, chat.Version, transcript)
		if err == nil {
			break
		}
		if errors.Is(err, db.ErrChatNotFound) {
			writeError(w, http.StatusNotFound, "Chat not found")
			return
		}
		if errors.Is(err, db.ErrVersionConflict) && attempt < completionSaveAttempts-1 {
			chat, err = s.db.GetChat(ctx, userID, req.ChatID)
			if errors.Is(err, db.ErrChatNotFound) {
				writeError(w, http.StatusNotFound, "Chat not found")
				return
			}
			if err != nil {
				s.logger.Error("Failed to re-read chat after version conflict", "chatID", req.ChatID, "error", err)
				writeError(w, http.StatusInternalServerError, "Internal server error")
				return
			}
			continue
		}
		s.logger.Error("Failed to save messages", "chatID", req.ChatID, "error", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.notifyChatUpdated(ctx, userID, req.ChatID)

	writeData(w, assistantMessage)
}

// notifyChatUpdated re-reads the chat and publishes a list update carrying
// its fresh updated_at. Best effort; failures are logged, not surfaced.
func (s *Server) notifyChatUpdated(ctx context.Context, userID, chatID string) {
	chat, err := s.db.GetChat(context.WithoutCancel(ctx), userID, chatID)
	if err != nil {
		s.logger.Warn("Failed to load chat for list update", "chatID", chatID, "error", err)
		return
	}
	s.publishChatListUpdate(userID, ChatListUpdate{Type: "update", Chat: chat})
}

// handleStream handles GET /api/chat/stream: an SSE feed of the caller's
// chat-list updates.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	userID := s.userID(r)
	if userID == "" {
		writeUnauthenticated(w)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	next := s.updates.Subscribe(r.Context())
	for {
		update, cont := next()
		if !cont {
			return
		}
		if update.userID != userID {
			continue
		}
		data, err := json.Marshal(update)
		if err != nil {
			s.logger.Error("Failed to marshal list update", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}
}

// handleHealth handles GET /healthz.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeMessage(w, "ok")
}

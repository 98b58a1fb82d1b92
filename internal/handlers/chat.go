package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

type sendRequest struct {
	Content     string              `json:"content"`
	Model       string              `json:"model,omitempty"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	ClientID    string              `json:"client_id,omitempty"`
}

type createChatRequest struct {
	ID             string `json:"id,omitempty"`
	Title          string `json:"title,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
	Model          string `json:"model,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// HandleListChats returns the conversation summaries, most recently active first.
func (m *Main) HandleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := m.store.Chats(r.Context())
	if err != nil {
		m.logger.Error("Failed to get chats", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get chats")
		return
	}
	if chats == nil {
		chats = []models.ConversationSummary{}
	}
	writeJSON(w, http.StatusOK, chats)
}

// HandleCreateChat creates a conversation. When the request carries an initial message it is stored and the
// assistant starts answering it right away.
func (m *Main) HandleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req createChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	initial := strings.TrimSpace(req.InitialMessage)
	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = models.TitleFromMessage(initial)
	}

	now := time.Now().UTC()
	chatID, err := m.store.AddChat(r.Context(), models.ConversationSummary{
		ID:            req.ID,
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
		ModelUsed:     req.Model,
	})
	if err != nil {
		m.logger.Error("Failed to add chat", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	if initial != "" {
		if _, _, err := m.addTurn(r.Context(), chatID, sendRequest{Content: initial, Model: req.Model}); err != nil {
			m.logger.Error("Failed to add initial message",
				slog.String("chatID", chatID),
				slog.String(errLoggerKey, err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to add initial message")
			return
		}
	}

	chat, err := m.store.Chat(r.Context(), chatID)
	if err != nil {
		m.logger.Error("Failed to get chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get chat")
		return
	}
	writeJSON(w, http.StatusCreated, chat)
}

// HandleHistory returns the ordered messages of a conversation.
func (m *Main) HandleHistory(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("id")
	msgs, err := m.store.Messages(r.Context(), chatID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeError(w, http.StatusNotFound, "chat not found")
			return
		}
		m.logger.Error("Failed to get messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to get messages")
		return
	}
	if msgs == nil {
		msgs = []models.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// HandleSend stores a user message and an assistant placeholder, starts generating the reply, and streams it
// back as server-sent events when the client accepts them. A conversation that does not exist yet is created
// with a title taken from the message. Clients that do not accept an event stream get the stored user
// message and poll the history for the reply.
func (m *Main) HandleSend(w http.ResponseWriter, r *http.Request) {
	user := userFrom(r.Context())
	chatID := r.PathValue("id")

	if !m.allow(user.ID) {
		m.metrics.RateLimited()
		m.logger.Warn("Rate limit exceeded", slog.String("user", user.ID))
		writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && len(req.Attachments) == 0 {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := m.ensureChat(r.Context(), chatID, req); err != nil {
		m.logger.Error("Failed to ensure chat",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create chat")
		return
	}

	userMsg, reply, err := m.addTurn(r.Context(), chatID, req)
	if err != nil {
		m.logger.Error("Failed to add messages",
			slog.String("chatID", chatID),
			slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to add message")
		return
	}

	if !acceptsEventStream(r) {
		writeJSON(w, http.StatusCreated, userMsg)
		return
	}
	m.stream(w, r, userMsg, reply)
}

func (m *Main) ensureChat(ctx context.Context, chatID string, req sendRequest) error {
	_, err := m.store.Chat(ctx, chatID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	now := time.Now().UTC()
	_, err = m.store.AddChat(ctx, models.ConversationSummary{
		ID:            chatID,
		Title:         models.TitleFromMessage(req.Content),
		CreatedAt:     now,
		LastMessageAt: now,
		ModelUsed:     req.Model,
	})
	if err != nil {
		return fmt.Errorf("failed to add chat: %w", err)
	}
	m.logger.Info("Created chat on first send", slog.String("chatID", chatID))
	return nil
}

// addTurn stores the user message and the assistant placeholder, then starts generating the reply.
func (m *Main) addTurn(ctx context.Context, chatID string, req sendRequest) (models.Message, models.Message, error) {
	now := time.Now().UTC()
	userMsg := models.Message{
		Role:        models.RoleUser,
		Content:     req.Content,
		CreatedAt:   now,
		Attachments: req.Attachments,
		ClientID:    req.ClientID,
	}
	id, err := m.store.AddMessage(ctx, chatID, userMsg)
	if err != nil {
		return models.Message{}, models.Message{}, fmt.Errorf("failed to add user message: %w", err)
	}
	userMsg.ID = id
	userMsg.ConversationID = chatID

	reply := models.Message{
		Role:      models.RoleAssistant,
		CreatedAt: now,
		Status:    models.StatusThinking,
	}
	id, err = m.store.AddMessage(ctx, chatID, reply)
	if err != nil {
		return models.Message{}, models.Message{}, fmt.Errorf("failed to add assistant message: %w", err)
	}
	reply.ID = id
	reply.ConversationID = chatID

	m.wg.Go(func() {
		m.generate(chatID, reply)
	})

	return userMsg, reply, nil
}

func acceptsEventStream(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/event-stream")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

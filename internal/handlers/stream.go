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
	"github.com/tmaxmax/go-sse"
)

// ReasonAssistantMissing is the reason of the error event sent when the reply vanished from the store.
const ReasonAssistantMissing = "assistant-message-missing"

// GenerationFailedContent replaces the reply of a generation that failed before producing any text.
const GenerationFailedContent = "Sorry, I couldn't generate a response. Please try again."

// Stream ends, as counted in metrics.
const (
	streamCompleted    = "completed"
	streamTimeout      = "timeout"
	streamError        = "error"
	streamDisconnected = "disconnected"
)

// stream writes the turn to the client: the connected echo first, then the reply as it is stored by the
// generation, polled every pollInterval, until it reaches a terminal status or maxStreamWait runs out.
func (m *Main) stream(w http.ResponseWriter, r *http.Request, userMsg, reply models.Message) {
	logger := m.logger.With(
		slog.String("chatID", userMsg.ConversationID),
		slog.String("messageID", reply.ID))

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		logger.Error("Failed to upgrade connection", slog.String(errLoggerKey, err.Error()))
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	send := func(ev models.StreamEvent) bool {
		if err := m.writeEvent(sess, ev); err != nil {
			logger.Debug("Failed to write event",
				slog.String("type", string(ev.Type)),
				slog.String(errLoggerKey, err.Error()))
			m.metrics.Stream(streamDisconnected)
			return false
		}
		return true
	}

	if !send(models.StreamEvent{
		Type:             models.EventConnected,
		UserMessage:      &userMsg,
		AssistantMessage: &reply,
	}) {
		return
	}

	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(m.maxStreamWait)
	defer deadline.Stop()

	sent := ""
	for {
		select {
		case <-r.Context().Done():
			m.metrics.Stream(streamDisconnected)
			return
		case <-deadline.C:
			if send(models.StreamEvent{Type: models.EventTimeout}) {
				m.metrics.Stream(streamTimeout)
			}
			logger.Warn("Stream timed out", slog.Duration("after", m.maxStreamWait))
			return
		case <-ticker.C:
		}

		cur, err := m.store.Message(r.Context(), userMsg.ConversationID, reply.ID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				if send(models.StreamEvent{Type: models.EventError, Reason: ReasonAssistantMissing}) {
					m.metrics.Stream(streamError)
				}
				return
			}
			logger.Error("Failed to get assistant message", slog.String(errLoggerKey, err.Error()))
			continue
		}

		if cur.Content != sent && !cur.Status.Terminal() {
			delta := cur.Content
			if strings.HasPrefix(cur.Content, sent) {
				delta = cur.Content[len(sent):]
			}
			if !send(models.StreamEvent{
				Type:         models.EventContentDelta,
				MessageID:    cur.ID,
				DeltaContent: delta,
				TotalContent: cur.Content,
				Status:       models.StatusProcessing,
			}) {
				return
			}
			sent = cur.Content
		}

		if cur.Status.Terminal() {
			if send(models.StreamEvent{
				Type:      models.EventCompletion,
				MessageID: cur.ID,
				Content:   cur.Content,
				Status:    cur.Status,
			}) {
				m.metrics.Stream(streamCompleted)
			}
			return
		}
	}
}

func (m *Main) writeEvent(sess *sse.Session, ev models.StreamEvent) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &sse.Message{}
	msg.AppendData(string(b))
	if err := sess.Send(msg); err != nil {
		return err
	}
	if err := sess.Flush(); err != nil {
		return err
	}
	m.metrics.Event(string(ev.Type))
	return nil
}

// generate asks the LLM for the reply and stores every chunk in the assistant message, so that both the
// stream loop and history readers see it grow.
func (m *Main) generate(chatID string, reply models.Message) {
	logger := m.logger.With(
		slog.String("chatID", chatID),
		slog.String("messageID", reply.ID))
	ctx := m.genCtx
	// The final state must be recorded even when shutdown cancelled the generation.
	saveCtx := context.WithoutCancel(ctx)

	history, err := m.store.Messages(ctx, chatID)
	if err != nil {
		logger.Error("Failed to get messages", slog.String(errLoggerKey, err.Error()))
		m.finishGeneration(saveCtx, logger, chatID, reply, err)
		return
	}

	var sb strings.Builder
	for chunk, err := range m.llm.Chat(ctx, promptFor(history, reply.ID)) {
		if err != nil {
			logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			reply.Content = sb.String()
			m.finishGeneration(saveCtx, logger, chatID, reply, err)
			return
		}

		sb.WriteString(chunk)
		reply.Content = sb.String()
		reply.Status = models.StatusProcessing
		if err := m.store.UpdateMessage(ctx, chatID, reply); err != nil {
			logger.Error("Failed to update message", slog.String(errLoggerKey, err.Error()))
			m.finishGeneration(saveCtx, logger, chatID, reply, err)
			return
		}
	}

	m.finishGeneration(saveCtx, logger, chatID, reply, ctx.Err())
}

func (m *Main) finishGeneration(
	ctx context.Context,
	logger *slog.Logger,
	chatID string,
	reply models.Message,
	cause error,
) {
	reply.Status = models.StatusComplete
	if cause != nil {
		reply.Status = models.StatusError
		if reply.Content == "" {
			reply.Content = GenerationFailedContent
		}
	}

	if err := m.store.UpdateMessage(ctx, chatID, reply); err != nil {
		logger.Error("Failed to store final message", slog.String(errLoggerKey, err.Error()))
		return
	}
	m.metrics.Generation(string(reply.Status))
	logger.Debug("Generation finished",
		slog.String("status", string(reply.Status)),
		slog.Int("length", len(reply.Content)))
}

// promptFor returns the history up to the reply being generated, without failed or empty assistant turns.
func promptFor(history []models.Message, replyID string) []models.Message {
	prompt := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.ID == replyID {
			break
		}
		if msg.Role == models.RoleAssistant && (msg.Status == models.StatusError || msg.Content == "") {
			continue
		}
		prompt = append(prompt, msg)
	}
	return prompt
}

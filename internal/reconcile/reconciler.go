// Package reconcile folds stream events into the message cache, resolving optimistic records into the
// records the server assigned.
package reconcile

import (
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/models"
)

// ErrorContent replaces the content of an assistant placeholder whose generation failed.
const ErrorContent = "Sorry, there was an error. Please try again."

// Outcome tells the caller what to do after an event was applied.
type Outcome int

const (
	// OutcomeContinue means more events are expected.
	OutcomeContinue Outcome = iota
	// OutcomeResolved means the turn is final.
	OutcomeResolved
	// OutcomeErrored means the turn failed and the placeholder shows an error.
	OutcomeErrored
	// OutcomeResync means the cached state cannot be trusted as final and must be re-derived from history.
	OutcomeResync
	// OutcomeDropped means the send is dead and the event was not applied.
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "continue"
	case OutcomeResolved:
		return "resolved"
	case OutcomeErrored:
		return "errored"
	case OutcomeResync:
		return "resync"
	case OutcomeDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// Reconciler applies stream events of a send to the message cache and the conversation summaries.
type Reconciler struct {
	cache     *cache.Cache
	summaries *cache.Summaries
	now       func() time.Time

	logger *slog.Logger
}

// New creates a Reconciler writing to c and summaries.
func New(c *cache.Cache, summaries *cache.Summaries, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		cache:     c,
		summaries: summaries,
		now:       time.Now,
		logger:    logger.With(slog.String("module", "reconcile")),
	}
}

// Apply applies ev to the records tracked by send. Nothing is mutated once send is dead.
func (r *Reconciler) Apply(send *Send, ev models.StreamEvent) Outcome {
	outcome := OutcomeDropped
	applied := send.Do(func() {
		send.events++
		outcome = r.apply(send, ev)
	})
	if !applied {
		r.logger.Debug("Dropped event for dead send",
			slog.String("conversation", send.conversationID),
			slog.String("type", string(ev.Type)))
	}
	return outcome
}

func (r *Reconciler) apply(send *Send, ev models.StreamEvent) Outcome {
	switch ev.Type {
	case models.EventConnected:
		r.connected(send, ev)
		return OutcomeContinue
	case models.EventContentDelta:
		r.delta(send, ev)
		return OutcomeContinue
	case models.EventCompletion:
		return r.completion(send, ev)
	case models.EventError:
		r.fail(send, ev.Reason)
		return OutcomeErrored
	case models.EventTimeout:
		r.cache.MarkStale(send.conversationID)
		send.state = StateTimedOut
		r.logger.Info("Stream timed out",
			slog.String("conversation", send.conversationID),
			slog.String("assistant", send.assistantID))
		return OutcomeResync
	default:
		r.logger.Warn("Ignoring event of unknown type", slog.String("type", string(ev.Type)))
		return OutcomeContinue
	}
}

func (r *Reconciler) connected(send *Send, ev models.StreamEvent) {
	conv := send.conversationID

	user := *ev.UserMessage
	if user.Role == "" {
		user.Role = models.RoleUser
	}
	user.ConversationID = conv
	// The optimistic record is matched by the id this send tracks, never by content: the same text may
	// legitimately have been sent twice.
	if !r.cache.Replace(conv, send.userID, user) {
		if _, ok := r.cache.Get(conv, user.ID); !ok {
			if err := r.cache.Insert(user); err != nil {
				r.logger.Warn("Failed to insert server user message",
					slog.String("conversation", conv),
					slog.String("err", err.Error()))
			}
		}
	}
	send.bindUser(user.ID)
	if !user.CreatedAt.IsZero() {
		r.summaries.Touch(conv, user.CreatedAt)
	}

	if ev.AssistantMessage == nil {
		return
	}

	assistant := *ev.AssistantMessage
	assistant.Role = models.RoleAssistant
	assistant.ConversationID = conv
	if assistant.Content == "" {
		assistant.Status = models.StatusThinking
	}
	if !r.cache.Replace(conv, send.assistantID, assistant) && !r.cache.Replace(conv, assistant.ID, assistant) {
		if err := r.cache.Insert(assistant); err != nil {
			r.logger.Warn("Failed to insert server assistant message",
				slog.String("conversation", conv),
				slog.String("err", err.Error()))
		}
	}
	send.bindAssistant(assistant.ID)
}

func (r *Reconciler) delta(send *Send, ev models.StreamEvent) {
	status := ev.Status
	if status == "" {
		status = models.StatusProcessing
	}

	r.upsertAssistant(send, ev.MessageID, func(m models.Message) models.Message {
		switch {
		case ev.TotalContent != "":
			m.Content = ev.TotalContent
		case ev.DeltaContent != "":
			m.Content = streamedContent(m) + ev.DeltaContent
		}
		m.Status = status
		return m
	})
	if !send.state.Terminal() {
		send.state = StateStreaming
	}
}

func (r *Reconciler) completion(send *Send, ev models.StreamEvent) Outcome {
	status := ev.Status
	if status == "" {
		status = models.StatusComplete
	}

	final := r.upsertAssistant(send, ev.MessageID, func(m models.Message) models.Message {
		m.Content = ev.Content
		m.Status = status
		return m
	})
	r.summaries.Touch(send.conversationID, r.now())

	if ev.QueuedFollowup {
		// Another assistant turn may already be forming on the server; what is cached now is not the end
		// of the conversation.
		r.cache.MarkStale(send.conversationID)
		send.state = StateResolved
		return OutcomeResync
	}

	if final.Status == models.StatusError {
		send.state = StateErrored
		return OutcomeErrored
	}
	send.state = StateResolved
	return OutcomeResolved
}

func (r *Reconciler) fail(send *Send, reason string) {
	r.logger.Warn("Assistant pipeline failed",
		slog.String("conversation", send.conversationID),
		slog.String("assistant", send.assistantID),
		slog.String("reason", reason))

	r.cache.UpsertFunc(send.conversationID, func(m models.Message) bool {
		return m.ID == send.assistantID
	}, func(m models.Message, found bool) models.Message {
		if !found {
			m = models.Message{
				ID:        send.assistantID,
				Role:      models.RoleAssistant,
				CreatedAt: r.now(),
			}
		}
		m.Content = ErrorContent
		m.Status = models.StatusError
		return m
	})
	send.state = StateErrored
}

// upsertAssistant updates the assistant record an event refers to, creating it when the cache holds neither
// it nor the tracked placeholder. A real message id binds the placeholder to it.
func (r *Reconciler) upsertAssistant(send *Send, messageID string, update func(models.Message) models.Message) models.Message {
	conv := send.conversationID
	target := send.resolve(messageID)
	tracked := send.assistantID

	stored := r.cache.UpsertFunc(conv, func(m models.Message) bool {
		return m.ID == target || m.ID == tracked
	}, func(m models.Message, found bool) models.Message {
		if !found {
			m = models.Message{
				Role:      models.RoleAssistant,
				CreatedAt: r.now(),
			}
		}
		m.ID = target
		m.Role = models.RoleAssistant
		return update(m)
	})

	if tracked != target {
		// The record matched first may have been the authoritative one, leaving the placeholder behind.
		if models.IsTemporaryID(tracked) {
			r.cache.Remove(conv, tracked)
		}
		send.bindAssistant(target)
	}
	return stored
}

// streamedContent is the content a delta appends to: nothing while the record still shows the placeholder.
func streamedContent(m models.Message) string {
	if m.Status == models.StatusThinking || m.Content == models.PlaceholderContent {
		return ""
	}
	return m.Content
}

// Package sender coordinates sends: it creates the optimistic records of a message, streams the reply into
// them, and falls back to polling history when the stream cannot be trusted.
package sender

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/fallback"
	"github.com/MegaGrindStone/chatsync/internal/metrics"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/reconcile"
	"github.com/MegaGrindStone/chatsync/internal/stream"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
)

var (
	// ErrEmptyContent is returned for a message that is empty after trimming. Nothing is changed.
	ErrEmptyContent = errors.New("message content is empty")
	// ErrSendInFlight is returned when the conversation is still streaming the reply of an earlier send.
	// Nothing is changed.
	ErrSendInFlight = errors.New("send already in flight for conversation")
	// ErrClosed is returned by sends issued after Close.
	ErrClosed = errors.New("orchestrator closed")
	// ErrReplyFailed is the error of a send whose reply ended with an error status.
	ErrReplyFailed = errors.New("assistant failed to reply")
)

// DefaultStreamTimeout bounds the stream phase of a send.
const DefaultStreamTimeout = 60 * time.Second

// API is the backend a send talks to.
type API interface {
	OpenStream(ctx context.Context, conversationID string, req client.SendRequest) (io.ReadCloser, error)
	FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error)
}

// SendOptions tunes a single send.
type SendOptions struct {
	Attachments []models.Attachment
	// ReuseExistingPlaceholder updates the unresolved optimistic pair already cached for the conversation
	// instead of creating a new one. The summary count is not bumped again.
	ReuseExistingPlaceholder bool
	Model                    string
}

// Orchestrator runs sends against one API, writing to a shared cache and summary projector. At most one send
// per conversation streams at a time.
type Orchestrator struct {
	api        API
	auth       client.AuthSession
	cache      *cache.Cache
	summaries  *cache.Summaries
	reconciler *reconcile.Reconciler
	poller     *fallback.Poller
	metrics    *metrics.Metrics

	streamTimeout time.Duration
	pollPolicy    fallback.Policy
	tolerance     time.Duration
	model         string

	mu       sync.Mutex
	inFlight map[string]*Handle
	active   map[string]*Handle
	closed   bool
	wg       conc.WaitGroup

	logger *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStreamTimeout bounds how long a stream may run before the send falls back to polling.
func WithStreamTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.streamTimeout = d
	}
}

// WithPollPolicy sets the backoff of the polling fallback.
func WithPollPolicy(p fallback.Policy) Option {
	return func(o *Orchestrator) {
		o.pollPolicy = p
	}
}

// WithTolerance sets the timestamp tolerance used when merging history, see fallback.Merge.
func WithTolerance(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.tolerance = d
	}
}

// WithMetrics sets the collectors the engine reports to.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithDefaultModel sets the model requested by sends that do not name one.
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		o.model = model
	}
}

// New creates an Orchestrator. auth may be nil when the backend needs no authentication.
func New(
	api API,
	auth client.AuthSession,
	c *cache.Cache,
	summaries *cache.Summaries,
	logger *slog.Logger,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		api:           api,
		auth:          auth,
		cache:         c,
		summaries:     summaries,
		streamTimeout: DefaultStreamTimeout,
		pollPolicy:    fallback.DefaultPolicy(),
		tolerance:     fallback.DefaultTolerance,
		inFlight:      make(map[string]*Handle),
		active:        make(map[string]*Handle),
		logger:        logger.With(slog.String("module", "sender")),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.reconciler = reconcile.New(c, summaries, logger)
	o.poller = fallback.New(api, c, summaries, logger,
		fallback.WithPolicy(o.pollPolicy),
		fallback.WithTolerance(o.tolerance),
		fallback.WithMetrics(o.metrics),
	)
	return o
}

// Send submits content to the conversation. The optimistic user message and assistant placeholder are in the
// cache when Send returns; the reply is streamed into them in the background. ctx bounds the whole send,
// including a polling fallback.
//
// Send returns ErrEmptyContent or ErrSendInFlight without changing anything. A newer send supersedes an
// older one of the same conversation that is still polling for its reply.
func (o *Orchestrator) Send(ctx context.Context, conversationID, content string, opts SendOptions) (*Handle, error) {
	return o.start(ctx, conversationID, content, opts, nil)
}

// StartConversation sends the first message of a conversation that does not exist yet. Its id is generated
// locally and its summary is shown at once; the server creates the conversation on the first send. An empty
// title is derived from content. If the send fails before the server accepted it, the summary is removed
// again.
func (o *Orchestrator) StartConversation(
	ctx context.Context,
	title, content, model string,
	opts SendOptions,
) (*Handle, error) {
	if title == "" {
		title = models.TitleFromMessage(strings.TrimSpace(content))
	}
	if model != "" {
		opts.Model = model
	}
	if opts.Model == "" {
		opts.Model = o.model
	}

	now := time.Now()
	seed := models.ConversationSummary{
		ID:            uuid.NewString(),
		Title:         title,
		CreatedAt:     now,
		LastMessageAt: now,
		ModelUsed:     opts.Model,
	}
	return o.start(ctx, seed.ID, content, opts, &seed)
}

// Abort stops the send of the conversation and reports whether there was one. A send the server has not
// accepted yet is rolled back; otherwise its placeholder is removed and the conversation marked stale.
func (o *Orchestrator) Abort(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	h, ok := o.active[conversationID]
	if !ok {
		return false
	}
	o.abort(h)
	return true
}

// Refresh replaces the conversation's cached records with its history, keeping optimistic user messages the
// server has not stored yet. A send of the conversation that is still polling is superseded. Refresh returns
// ErrSendInFlight while a reply is streaming.
func (o *Orchestrator) Refresh(ctx context.Context, conversationID string) error {
	if o.streaming(conversationID) {
		return ErrSendInFlight
	}

	msgs, err := o.api.FetchHistory(ctx, conversationID)
	if err != nil {
		var httpErr *client.HTTPError
		switch {
		case errors.Is(err, client.ErrAuthExpired):
			o.logout()
		case errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound:
			o.forget(conversationID)
		}
		return fmt.Errorf("error fetching history: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.inFlight[conversationID]; ok {
		return ErrSendInFlight
	}

	placeholderID, found := "", true
	if h, ok := o.active[conversationID]; ok {
		h.send.Kill()
		h.cancel()
		placeholderID = h.send.AssistantID()
		_, found = fallback.FindReply(msgs, h.known)
		if found {
			delete(o.active, conversationID)
		}
	}

	o.cache.Resync(conversationID, func(cur []models.Message) []models.Message {
		return fallback.Merge(cur, msgs, placeholderID, found, o.tolerance)
	})
	if len(msgs) > 0 {
		o.summaries.Touch(conversationID, slices.MaxFunc(msgs, func(a, b models.Message) int {
			return a.CreatedAt.Compare(b.CreatedAt)
		}).CreatedAt)
	}

	o.logger.Debug("Refreshed conversation",
		slog.String("conversation", conversationID),
		slog.Int("messages", len(msgs)))
	return nil
}

// forget drops a conversation the server does not know, unless it still shows optimistic records that a
// retry could deliver.
func (o *Orchestrator) forget(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, ok := o.active[conversationID]; ok {
		return
	}
	if slices.ContainsFunc(o.cache.List(conversationID), models.Message.IsTemporary) {
		return
	}
	o.cache.ReplaceAll(conversationID, nil)
	if o.summaries.Remove(conversationID) {
		o.logger.Info("Forgot conversation missing on the server", slog.String("conversation", conversationID))
	}
}

// InFlight reports whether the conversation is streaming the reply of a send.
func (o *Orchestrator) InFlight(conversationID string) bool {
	return o.streaming(conversationID)
}

// Close stops every send and waits for their goroutines to return. Cached records are left as they are.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	for _, h := range o.active {
		h.send.Kill()
		h.cancel()
	}
	o.mu.Unlock()

	o.wg.Wait()
}

func (o *Orchestrator) start(
	ctx context.Context,
	conversationID, content string,
	opts SendOptions,
	seed *models.ConversationSummary,
) (*Handle, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if conversationID == "" {
		return nil, cache.ErrNoConversation
	}
	model := opts.Model
	if model == "" {
		model = o.model
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return nil, ErrClosed
	}
	if _, ok := o.inFlight[conversationID]; ok {
		o.logger.Debug("Ignoring send while another is in flight", slog.String("conversation", conversationID))
		return nil, ErrSendInFlight
	}
	if prev, ok := o.active[conversationID]; ok {
		o.supersede(prev)
	}
	if n := o.cache.Settle(conversationID); n > 0 {
		o.logger.Debug("Settled optimistic records of earlier sends",
			slog.String("conversation", conversationID),
			slog.Int("count", n))
	}

	h := &Handle{
		conversationID: conversationID,
		orchestrator:   o,
		snapshot:       o.cache.Snapshot(conversationID),
		summary:        o.summaries.Snapshot(conversationID),
		done:           make(chan struct{}),
	}
	h.known = knownReplies(o.cache.List(conversationID))
	if seed != nil {
		o.summaries.Upsert(*seed)
	}

	now := time.Now()
	userID, assistantID, reused := "", "", false
	if opts.ReuseExistingPlaceholder {
		userID, assistantID, reused = o.reuse(conversationID, content, opts.Attachments)
	}
	if !reused {
		var err error
		userID, assistantID, err = o.insertPair(conversationID, content, opts.Attachments, now)
		if err != nil {
			o.cache.Restore(h.snapshot)
			o.summaries.Restore(h.summary)
			return nil, err
		}
		o.summaries.Bump(conversationID, 1, now)
	}
	h.send = reconcile.NewSend(conversationID, userID, assistantID)

	sendCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	o.inFlight[conversationID] = h
	o.active[conversationID] = h

	req := client.SendRequest{
		Content:     content,
		Model:       model,
		Attachments: opts.Attachments,
		ClientID:    userID,
	}
	o.wg.Go(func() {
		o.run(sendCtx, h, req)
	})

	o.logger.Info("Sending message",
		slog.String("conversation", conversationID),
		slog.String("user", userID),
		slog.String("assistant", assistantID),
		slog.Bool("reused", reused))
	return h, nil
}

func (o *Orchestrator) run(ctx context.Context, h *Handle, req client.SendRequest) {
	defer close(h.done)
	defer h.cancel()

	outcome, err := o.stream(ctx, h, req)
	res, final := o.settle(ctx, h, outcome, err)
	o.release(h)
	if !final {
		res = o.recover(ctx, h, err)
	}

	res.UserID = h.send.UserID()
	res.AssistantID = h.send.AssistantID()
	h.result = res
	o.finish(h)

	o.metrics.Send(res.metricOutcome())
	attrs := []any{
		slog.String("conversation", h.conversationID),
		slog.String("outcome", res.Outcome.String()),
		slog.Bool("recovered", res.Recovered),
	}
	if res.Err != nil {
		attrs = append(attrs, slog.String("err", res.Err.Error()))
	}
	o.logger.Info("Send finished", attrs...)
}

// stream opens the send stream and applies its events until one settles the turn, the stream ends, or the
// stream window closes.
func (o *Orchestrator) stream(ctx context.Context, h *Handle, req client.SendRequest) (reconcile.Outcome, error) {
	streamCtx, cancel := context.WithTimeout(ctx, o.streamTimeout)
	defer cancel()

	body, err := o.api.OpenStream(streamCtx, h.conversationID, req)
	if err != nil {
		return reconcile.OutcomeContinue, err
	}
	defer body.Close()
	h.opened.Store(true)

	outcome := reconcile.OutcomeContinue
	for ev, err := range stream.Read(body, stream.WithLogger(o.logger), stream.WithMetrics(o.metrics)) {
		if err != nil {
			return outcome, err
		}
		outcome = o.reconciler.Apply(h.send, ev)
		if outcome != reconcile.OutcomeContinue {
			return outcome, nil
		}
	}
	return outcome, nil
}

// settle maps the end of the stream phase to a final result. It reports false when the reply has to be
// recovered from history.
func (o *Orchestrator) settle(ctx context.Context, h *Handle, outcome reconcile.Outcome, err error) (Result, bool) {
	switch {
	case outcome == reconcile.OutcomeDropped || !h.send.Alive():
		return Result{Outcome: OutcomeAborted, Err: context.Canceled}, true
	case outcome == reconcile.OutcomeResolved:
		return Result{Outcome: OutcomeResolved}, true
	case outcome == reconcile.OutcomeErrored:
		return Result{Outcome: OutcomeErrored, Err: ErrReplyFailed}, true
	case ctx.Err() != nil:
		o.mu.Lock()
		o.abort(h)
		o.mu.Unlock()
		return Result{Outcome: OutcomeAborted, Err: ctx.Err()}, true
	case err != nil && !h.opened.Load():
		return o.setupFailed(h, err), true
	default:
		return Result{}, false
	}
}

func (o *Orchestrator) setupFailed(h *Handle, err error) Result {
	var httpErr *client.HTTPError
	switch {
	case errors.Is(err, client.ErrAuthExpired):
		o.logger.Warn("Send rejected, session expired",
			slog.String("conversation", h.conversationID),
			slog.String("err", err.Error()))
		o.reconciler.Apply(h.send, models.StreamEvent{Type: models.EventError, Reason: err.Error()})
		o.logout()
		return Result{Outcome: OutcomeErrored, Err: err}
	case errors.As(err, &httpErr):
		o.reconciler.Apply(h.send, models.StreamEvent{Type: models.EventError, Reason: httpErr.Error()})
		return Result{Outcome: OutcomeErrored, Err: err}
	default:
		o.logger.Warn("Failed to open stream",
			slog.String("conversation", h.conversationID),
			slog.String("err", err.Error()))
		o.rollback(h)
		return Result{Outcome: OutcomeRolledBack, Err: err}
	}
}

func (o *Orchestrator) recover(ctx context.Context, h *Handle, cause error) Result {
	h.send.Do(func() {
		o.cache.MarkStale(h.conversationID)
	})

	attrs := []any{slog.String("conversation", h.conversationID)}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	o.logger.Info("Stream ended without a final event, polling history", attrs...)

	pres, err := o.poller.Run(ctx, h.send, h.known)
	switch {
	case err == nil:
		if pres.Reply.Status == models.StatusError {
			return Result{Outcome: OutcomeErrored, Recovered: true, Err: ErrReplyFailed}
		}
		return Result{Outcome: OutcomeResolved, Recovered: true}
	case errors.Is(err, client.ErrAuthExpired):
		o.logger.Warn("History rejected, session expired",
			slog.String("conversation", h.conversationID),
			slog.String("err", err.Error()))
		o.discard(h)
		o.logout()
		return Result{Outcome: OutcomeRolledBack, Err: err}
	case errors.Is(err, fallback.ErrSuperseded), errors.Is(err, context.Canceled):
		return Result{Outcome: OutcomeAborted, Err: err}
	default:
		return Result{Outcome: OutcomePending, Err: err}
	}
}

// rollback restores the cache and summary to their state before the send.
func (o *Orchestrator) rollback(h *Handle) {
	restored := h.send.Do(func() {
		o.cache.Restore(h.snapshot)
		o.summaries.Restore(h.summary)
	})
	if restored {
		o.metrics.Rollback()
	}
}

// discard removes the records of h that still carry temporary ids. The server may hold the turn, so the
// conversation is marked stale.
func (o *Orchestrator) discard(h *Handle) {
	ids := []string{h.send.UserID(), h.send.AssistantID()}
	removed := h.send.Do(func() {
		for _, id := range ids {
			if models.IsTemporaryID(id) {
				o.cache.Remove(h.conversationID, id)
			}
		}
		o.cache.MarkStale(h.conversationID)
	})
	if removed {
		o.metrics.Rollback()
	}
}

// supersede kills an older send of the conversation that is still waiting for its reply. Its placeholder
// is dropped unless it already settled; its user message stays until history resolves it. Callers hold o.mu.
func (o *Orchestrator) supersede(prev *Handle) {
	prev.send.Kill()
	prev.cancel()
	delete(o.active, prev.conversationID)

	id := prev.send.AssistantID()
	if msg, ok := o.cache.Get(prev.conversationID, id); ok && msg.IsTemporary() && !msg.Status.Terminal() {
		o.cache.Remove(prev.conversationID, id)
	}
	o.cache.MarkStale(prev.conversationID)
	o.logger.Debug("Superseded earlier send", slog.String("conversation", prev.conversationID))
}

// abort kills h and cleans up after it. Callers hold o.mu.
func (o *Orchestrator) abort(h *Handle) {
	h.send.Kill()
	h.cancel()
	if o.inFlight[h.conversationID] == h {
		delete(o.inFlight, h.conversationID)
	}
	if o.active[h.conversationID] == h {
		delete(o.active, h.conversationID)
	}

	if !h.opened.Load() {
		o.cache.Restore(h.snapshot)
		o.summaries.Restore(h.summary)
		o.metrics.Rollback()
		return
	}
	if id := h.send.AssistantID(); models.IsTemporaryID(id) {
		o.cache.Remove(h.conversationID, id)
	}
	o.cache.MarkStale(h.conversationID)
}

func (o *Orchestrator) release(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.inFlight[h.conversationID] == h {
		delete(o.inFlight, h.conversationID)
	}
}

// finish forgets h unless its placeholder is still waiting for a reply.
func (o *Orchestrator) finish(h *Handle) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if h.result.Outcome != OutcomePending && o.active[h.conversationID] == h {
		delete(o.active, h.conversationID)
	}
}

func (o *Orchestrator) streaming(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	_, ok := o.inFlight[conversationID]
	return ok
}

func (o *Orchestrator) logout() {
	if o.auth != nil {
		o.auth.Logout()
	}
}

func (o *Orchestrator) insertPair(
	conversationID, content string,
	attachments []models.Attachment,
	now time.Time,
) (string, string, error) {
	userID := models.NewTempID(models.RoleUser)
	assistantID := models.NewTempID(models.RoleAssistant)

	if err := o.cache.Insert(models.Message{
		ID:             userID,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      now,
		Attachments:    attachments,
		ClientID:       userID,
	}); err != nil {
		return "", "", fmt.Errorf("error caching user message: %w", err)
	}
	if err := o.cache.Insert(models.Message{
		ID:             assistantID,
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        models.PlaceholderContent,
		CreatedAt:      now,
		Status:         models.StatusThinking,
	}); err != nil {
		return "", "", fmt.Errorf("error caching assistant placeholder: %w", err)
	}
	return userID, assistantID, nil
}

// reuse rewrites the optimistic pair already cached for the conversation.
func (o *Orchestrator) reuse(conversationID, content string, attachments []models.Attachment) (string, string, bool) {
	msgs := o.cache.List(conversationID)
	ui := lastTemporary(msgs, models.RoleUser)
	ai := lastTemporary(msgs, models.RoleAssistant)
	if ui == -1 || ai == -1 {
		return "", "", false
	}

	user := msgs[ui]
	user.Content = content
	user.Attachments = attachments
	user.ClientID = user.ID
	placeholder := msgs[ai]
	placeholder.Content = models.PlaceholderContent
	placeholder.Status = models.StatusThinking

	o.cache.Replace(conversationID, user.ID, user)
	o.cache.Replace(conversationID, placeholder.ID, placeholder)
	return user.ID, placeholder.ID, true
}

func lastTemporary(msgs []models.Message, role models.Role) int {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == role && msgs[i].IsTemporary() {
			return i
		}
	}
	return -1
}

// knownReplies collects the ids of the assistant messages cached before a send.
func knownReplies(msgs []models.Message) map[string]bool {
	known := make(map[string]bool)
	for _, m := range msgs {
		if m.Role == models.RoleAssistant && !m.IsTemporary() {
			known[m.ID] = true
		}
	}
	return known
}

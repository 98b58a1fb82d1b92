// Package fallback recovers the assistant reply of a send from conversation history when the stream could
// not deliver it.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/metrics"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/reconcile"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrExhausted is returned when the reply did not show up in history within the retry budget. The
	// placeholder is left in place.
	ErrExhausted = errors.New("assistant reply did not appear in history")
	// ErrSuperseded is returned when the send stopped being alive while polling.
	ErrSuperseded = errors.New("send superseded")

	errPending = errors.New("assistant reply not in history yet")
)

// HistoryStore returns the authoritative message history of a conversation.
type HistoryStore interface {
	FetchHistory(ctx context.Context, conversationID string) ([]models.Message, error)
}

// Policy is a linear backoff: the n-th wait is Initial + n*Step, capped at Max. The first fetch happens after
// Initial, and Retries more fetches follow.
type Policy struct {
	Initial time.Duration
	Step    time.Duration
	Max     time.Duration
	Retries uint64
}

// Poller refetches history until the reply of a send appears, merging every fetch into the cache.
type Poller struct {
	history   HistoryStore
	cache     *cache.Cache
	summaries *cache.Summaries
	policy    Policy
	tolerance time.Duration
	metrics   *metrics.Metrics

	logger *slog.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// Result describes a finished poll.
type Result struct {
	Attempts int
	// Reply is the assistant message that resolved the send. It is only set when Run returns nil.
	Reply models.Message
}

// DefaultPolicy waits 4s before the first fetch and then 6s, 8s, 10s, 12s, 12s.
func DefaultPolicy() Policy {
	return Policy{
		Initial: 4 * time.Second,
		Step:    2 * time.Second,
		Max:     12 * time.Second,
		Retries: 5,
	}
}

// WithPolicy sets the backoff policy.
func WithPolicy(policy Policy) Option {
	return func(p *Poller) {
		p.policy = policy
	}
}

// WithTolerance sets the timestamp tolerance of content matches, see Merge.
func WithTolerance(d time.Duration) Option {
	return func(p *Poller) {
		p.tolerance = d
	}
}

// WithMetrics sets the collectors poll results are counted in.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Poller) {
		p.metrics = m
	}
}

// New creates a Poller reading history from history and writing to c and summaries.
func New(history HistoryStore, c *cache.Cache, summaries *cache.Summaries, logger *slog.Logger, opts ...Option) *Poller {
	p := &Poller{
		history:   history,
		cache:     c,
		summaries: summaries,
		policy:    DefaultPolicy(),
		tolerance: DefaultTolerance,
		logger:    logger.With(slog.String("module", "fallback")),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls history for the reply of send. known holds the ids of the assistant messages that were cached
// before the send started; they never count as the reply. Every fetch is merged into the cache, but only
// while send is alive.
//
// Run returns nil once the reply was merged, ErrExhausted when the budget ran out, ErrSuperseded when send
// died, and errors matching client.ErrAuthExpired or the context's error without retrying.
func (p *Poller) Run(ctx context.Context, send *reconcile.Send, known map[string]bool) (Result, error) {
	conv := send.ConversationID()
	var res Result

	timer := time.NewTimer(p.policy.Initial)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return res, ctx.Err()
	case <-timer.C:
	}

	err := retry.Do(ctx, p.policy.backoff(), func(ctx context.Context) error {
		res.Attempts++
		if !send.Alive() {
			return ErrSuperseded
		}

		msgs, err := p.history.FetchHistory(ctx, conv)
		if err != nil {
			if errors.Is(err, client.ErrAuthExpired) || ctx.Err() != nil {
				return err
			}
			p.metrics.Poll(metrics.PollFailed)
			p.logger.Warn("Failed to fetch history",
				slog.String("conversation", conv),
				slog.Int("attempt", res.Attempts),
				slog.String("err", err.Error()))
			return retry.RetryableError(err)
		}

		reply, found := FindReply(msgs, known)
		placeholderID := send.AssistantID()
		merge := func(cur []models.Message) []models.Message {
			return Merge(cur, msgs, placeholderID, found, p.tolerance)
		}
		applied := send.Do(func() {
			if !found {
				p.cache.Transform(conv, merge)
				return
			}
			p.cache.Resync(conv, merge)
			if newest, ok := newestCreatedAt(msgs); ok {
				p.summaries.Touch(conv, newest)
			}
		})
		if !applied {
			return ErrSuperseded
		}

		if !found {
			p.metrics.Poll(metrics.PollPending)
			p.logger.Debug("Reply not in history yet",
				slog.String("conversation", conv),
				slog.Int("attempt", res.Attempts))
			return retry.RetryableError(errPending)
		}

		p.metrics.Poll(metrics.PollResolved)
		res.Reply = reply
		return nil
	})

	switch {
	case err == nil:
		p.logger.Info("Recovered reply from history",
			slog.String("conversation", conv),
			slog.String("message", res.Reply.ID),
			slog.Int("attempts", res.Attempts))
		return res, nil
	case errors.Is(err, ErrSuperseded), errors.Is(err, client.ErrAuthExpired):
		return res, err
	case ctx.Err() != nil:
		return res, ctx.Err()
	default:
		p.logger.Warn("Gave up polling for reply",
			slog.String("conversation", conv),
			slog.Int("attempts", res.Attempts),
			slog.String("err", err.Error()))
		return res, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, res.Attempts, err)
	}
}

func (p Policy) backoff() retry.Backoff {
	attempt := 0
	next := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return p.Initial + time.Duration(attempt)*p.Step, false
	})
	return retry.WithMaxRetries(p.Retries, retry.WithCappedDuration(p.Max, next))
}

func newestCreatedAt(msgs []models.Message) (time.Time, bool) {
	var newest time.Time
	for _, m := range msgs {
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	return newest, !newest.IsZero()
}

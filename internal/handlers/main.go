package handlers

import (
	"context"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/metrics"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"
)

// LLM represents a large language model interface that provides chat functionality. It accepts a context
// and a sequence of messages, returning an iterator that yields response chunks and potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Store defines the interface for managing conversation and message persistence. Lookups of records that do
// not exist return an error wrapping models.ErrNotFound.
type Store interface {
	Chats(ctx context.Context) ([]models.ConversationSummary, error)
	Chat(ctx context.Context, chatID string) (models.ConversationSummary, error)
	AddChat(ctx context.Context, chat models.ConversationSummary) (string, error)
	UpdateChat(ctx context.Context, chat models.ConversationSummary) error

	Messages(ctx context.Context, chatID string) ([]models.Message, error)
	Message(ctx context.Context, chatID, messageID string) (models.Message, error)
	AddMessage(ctx context.Context, chatID string, message models.Message) (string, error)
	UpdateMessage(ctx context.Context, chatID string, message models.Message) error
}

// Main serves the chat API: conversation listing and creation, history, and sends that stream the assistant
// reply as server-sent events.
type Main struct {
	llm     LLM
	store   Store
	logger  *slog.Logger
	metrics *metrics.Server

	users map[string]models.User

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
	rateLimit rate.Limit
	rateBurst int

	pollInterval  time.Duration
	maxStreamWait time.Duration

	genCtx    context.Context
	cancelGen context.CancelFunc
	wg        conc.WaitGroup
}

// Defaults of the stream loop and the send rate limit.
const (
	DefaultPollInterval      = 100 * time.Millisecond
	DefaultMaxStreamWait     = 45 * time.Second
	DefaultMessagesPerMinute = 20
)

const errLoggerKey = "err"

// Option configures Main.
type Option func(*Main)

// WithUsers sets the accepted bearer tokens. Without users every request is served as an anonymous user.
func WithUsers(users map[string]models.User) Option {
	return func(m *Main) { m.users = users }
}

// WithRateLimit allows each user perMinute sends per minute, with bursts of the same size.
func WithRateLimit(perMinute int) Option {
	return func(m *Main) {
		if perMinute <= 0 {
			m.rateLimit = rate.Inf
			return
		}
		m.rateLimit = rate.Every(time.Minute / time.Duration(perMinute))
		m.rateBurst = perMinute
	}
}

// WithPollInterval sets how often a streaming send looks at the stored assistant message.
func WithPollInterval(d time.Duration) Option {
	return func(m *Main) { m.pollInterval = d }
}

// WithMaxStreamWait sets how long a send streams before it gives up with a timeout event.
func WithMaxStreamWait(d time.Duration) Option {
	return func(m *Main) { m.maxStreamWait = d }
}

// WithMetrics sets the collectors the handlers count in.
func WithMetrics(s *metrics.Server) Option {
	return func(m *Main) { m.metrics = s }
}

// NewMain creates the API handlers over llm and store.
func NewMain(llm LLM, store Store, logger *slog.Logger, opts ...Option) *Main {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Main{
		llm:           llm,
		store:         store,
		logger:        logger.With(slog.String("module", "main")),
		limiters:      make(map[string]*rate.Limiter),
		pollInterval:  DefaultPollInterval,
		maxStreamWait: DefaultMaxStreamWait,
		genCtx:        ctx,
		cancelGen:     cancel,
	}
	WithRateLimit(DefaultMessagesPerMinute)(m)
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds the API routes to mux.
func (m *Main) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/chats", m.authenticated(m.HandleListChats))
	mux.HandleFunc("POST /api/v1/chats", m.authenticated(m.HandleCreateChat))
	mux.HandleFunc("GET /api/v1/chats/{id}/messages", m.authenticated(m.HandleHistory))
	mux.HandleFunc("POST /api/v1/chats/{id}/messages", m.authenticated(m.HandleSend))
}

// Shutdown stops running generations and waits for them to record their final state, or for ctx to end.
func (m *Main) Shutdown(ctx context.Context) error {
	m.cancelGen()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type userKey struct{}

func (m *Main) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := m.authenticate(r)
		if !ok {
			m.metrics.Unauthorized()
			m.logger.Warn("Unauthorized request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path))
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, user)))
	}
}

func (m *Main) authenticate(r *http.Request) (models.User, bool) {
	if len(m.users) == 0 {
		return models.User{ID: "anonymous"}, true
	}

	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return models.User{}, false
	}
	user, ok := m.users[h[len(prefix):]]
	return user, ok
}

func userFrom(ctx context.Context) models.User {
	u, _ := ctx.Value(userKey{}).(models.User)
	return u
}

// allow takes one send from the user's bucket.
func (m *Main) allow(userID string) bool {
	m.limiterMu.Lock()
	defer m.limiterMu.Unlock()

	l, ok := m.limiters[userID]
	if !ok {
		l = rate.NewLimiter(m.rateLimit, m.rateBurst)
		m.limiters[userID] = l
	}
	return l.Allow()
}

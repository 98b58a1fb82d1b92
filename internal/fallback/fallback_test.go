package fallback_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/fallback"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/reconcile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const convID = "c1"

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type scriptedHistory struct {
	mu      sync.Mutex
	calls   int
	results []func() ([]models.Message, error)
}

func (s *scriptedHistory) FetchHistory(_ context.Context, conversationID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := min(s.calls, len(s.results)-1)
	s.calls++
	msgs, err := s.results[idx]()
	for i := range msgs {
		msgs[i].ConversationID = conversationID
	}
	return msgs, err
}

func history(msgs ...models.Message) func() ([]models.Message, error) {
	return func() ([]models.Message, error) {
		return append([]models.Message(nil), msgs...), nil
	}
}

func failing(err error) func() ([]models.Message, error) {
	return func() ([]models.Message, error) { return nil, err }
}

func user(id, content string, at time.Time) models.Message {
	return models.Message{ID: id, Role: models.RoleUser, Content: content, CreatedAt: at}
}

func assistant(id, content string, status models.Status, at time.Time) models.Message {
	return models.Message{ID: id, Role: models.RoleAssistant, Content: content, Status: status, CreatedAt: at}
}

func ids(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func TestMerge(t *testing.T) {
	earlier := user("m1", "Earlier", base)
	tempUser := user("temp-user-1", "Hello", base.Add(time.Minute))
	placeholder := assistant("temp-ai-1", models.PlaceholderContent, models.StatusThinking, base.Add(time.Minute))
	reply := assistant("a1", "Hi there!", models.StatusComplete, base.Add(time.Minute+2*time.Second))

	echoed := user("u1", "Hello", base.Add(time.Minute+time.Second))
	echoedWithClientID := echoed
	echoedWithClientID.ClientID = "temp-user-1"

	tests := []struct {
		name          string
		current       []models.Message
		authoritative []models.Message
		placeholderID string
		found         bool
		want          []string
	}{
		{
			name:          "reply found drops placeholder and matched user",
			current:       []models.Message{earlier, tempUser, placeholder},
			authoritative: []models.Message{earlier, echoed, reply},
			placeholderID: "temp-ai-1",
			found:         true,
			want:          []string{"m1", "u1", "a1"},
		},
		{
			name:          "reply pending keeps placeholder last",
			current:       []models.Message{earlier, tempUser, placeholder},
			authoritative: []models.Message{earlier, echoed},
			placeholderID: "temp-ai-1",
			want:          []string{"m1", "u1", "temp-ai-1"},
		},
		{
			name:          "user not persisted yet stays visible",
			current:       []models.Message{earlier, tempUser, placeholder},
			authoritative: []models.Message{earlier},
			placeholderID: "temp-ai-1",
			want:          []string{"m1", "temp-user-1", "temp-ai-1"},
		},
		{
			name:          "client id match ignores content drift",
			current:       []models.Message{tempUser, placeholder},
			authoritative: []models.Message{{ID: "u1", Role: models.RoleUser, Content: "Hello ", ClientID: "temp-user-1"}, reply},
			placeholderID: "temp-ai-1",
			found:         true,
			want:          []string{"u1", "a1"},
		},
		{
			name:          "content match outside tolerance is not a match",
			current:       []models.Message{tempUser},
			authoritative: []models.Message{user("u0", "Hello", base.Add(-time.Hour))},
			want:          []string{"u0", "temp-user-1"},
		},
		{
			name:          "client id of another send blocks content match",
			current:       []models.Message{user("temp-user-3", "Hello", tempUser.CreatedAt)},
			authoritative: []models.Message{echoedWithClientID},
			want:          []string{"u1", "temp-user-3"},
		},
		{
			name:          "bound placeholder is not duplicated",
			current:       []models.Message{echoed, assistant("a1", "Hi", models.StatusProcessing, reply.CreatedAt)},
			authoritative: []models.Message{echoed, assistant("a1", "Hi th", models.StatusProcessing, reply.CreatedAt)},
			placeholderID: "a1",
			want:          []string{"u1", "a1"},
		},
		{
			name: "failed earlier send stays visible",
			current: []models.Message{
				earlier,
				user("temp-user-0", "Broken", base),
				assistant("temp-ai-0", "Sorry", models.StatusError, base),
				tempUser, placeholder,
			},
			authoritative: []models.Message{earlier, echoed, reply},
			placeholderID: "temp-ai-1",
			found:         true,
			want:          []string{"m1", "u1", "a1", "temp-user-0", "temp-ai-0"},
		},
		{
			name: "failed placeholder goes with its persisted user message",
			current: []models.Message{
				user("temp-user-0", "Hello", tempUser.CreatedAt),
				assistant("temp-ai-0", "Sorry", models.StatusError, base),
			},
			authoritative: []models.Message{echoed},
			want:          []string{"u1"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := fallback.Merge(tc.current, tc.authoritative, tc.placeholderID, tc.found, fallback.DefaultTolerance)
			assert.Equal(t, tc.want, ids(got))
		})
	}
}

func TestMergeClaimsEachRecordOnce(t *testing.T) {
	// The same text sent twice in quick succession: one send was persisted, the other not yet.
	first := user("temp-user-1", "ok", base)
	second := user("temp-user-2", "ok", base.Add(time.Second))
	authoritative := []models.Message{user("u1", "ok", base)}

	got := fallback.Merge([]models.Message{first, second}, authoritative, "", false, fallback.DefaultTolerance)
	assert.Equal(t, []string{"u1", "temp-user-2"}, ids(got))
}

type fixture struct {
	cache     *cache.Cache
	summaries *cache.Summaries
	send      *reconcile.Send
	known     map[string]bool
}

func newFixture(t *testing.T) fixture {
	t.Helper()

	c := cache.New()
	c.ReplaceAll(convID, []models.Message{
		user("m1", "Earlier", base),
		assistant("m2", "Earlier reply", models.StatusComplete, base.Add(time.Second)),
	})
	require.NoError(t, c.Insert(models.Message{
		ID: "temp-user-1", ConversationID: convID, Role: models.RoleUser, Content: "Hello", CreatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, c.Insert(models.Message{
		ID: "temp-ai-1", ConversationID: convID, Role: models.RoleAssistant, Content: models.PlaceholderContent,
		Status: models.StatusThinking, CreatedAt: base.Add(time.Minute),
	}))
	c.MarkStale(convID)

	sums := cache.NewSummaries()
	sums.Seed([]models.ConversationSummary{{ID: convID, MessageCount: 4, LastMessageAt: base}})

	return fixture{
		cache:     c,
		summaries: sums,
		send:      reconcile.NewSend(convID, "temp-user-1", "temp-ai-1"),
		known:     map[string]bool{"m2": true},
	}
}

func (f fixture) poller(h fallback.HistoryStore) *fallback.Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return fallback.New(h, f.cache, f.summaries, logger,
		fallback.WithPolicy(fallback.Policy{
			Initial: time.Millisecond,
			Step:    time.Millisecond,
			Max:     3 * time.Millisecond,
			Retries: 3,
		}))
}

func TestRunRecoversDroppedStream(t *testing.T) {
	f := newFixture(t)
	prior := []models.Message{user("m1", "Earlier", base), assistant("m2", "Earlier reply", models.StatusComplete, base.Add(time.Second))}
	echoed := user("u1", "Hello", base.Add(time.Minute))
	echoed.ClientID = "temp-user-1"
	replyAt := base.Add(time.Minute + 5*time.Second)

	h := &scriptedHistory{results: []func() ([]models.Message, error){
		history(append(prior, echoed)...),
		history(append(prior, echoed, assistant("a1", "Hi", models.StatusProcessing, replyAt))...),
		history(append(prior, echoed, assistant("a1", "Hi there!", models.StatusComplete, replyAt))...),
	}}

	res, err := f.poller(h).Run(context.Background(), f.send, f.known)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, "a1", res.Reply.ID)

	msgs := f.cache.List(convID)
	assert.Equal(t, []string{"m1", "m2", "u1", "a1"}, ids(msgs))
	assert.Equal(t, "Hi there!", msgs[3].Content)
	assert.False(t, f.cache.Stale(convID))

	sum, ok := f.summaries.Get(convID)
	require.True(t, ok)
	assert.Equal(t, replyAt, sum.LastMessageAt)
}

func TestRunRetriesFetchErrors(t *testing.T) {
	f := newFixture(t)
	h := &scriptedHistory{results: []func() ([]models.Message, error){
		failing(errors.New("connection refused")),
		history(user("u1", "Hello", base.Add(time.Minute)), assistant("a1", "Hi", models.StatusComplete, base.Add(time.Minute))),
	}}

	res, err := f.poller(h).Run(context.Background(), f.send, f.known)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
}

func TestRunExhausted(t *testing.T) {
	f := newFixture(t)
	h := &scriptedHistory{results: []func() ([]models.Message, error){
		history(user("m1", "Earlier", base), assistant("m2", "Earlier reply", models.StatusComplete, base.Add(time.Second))),
	}}

	res, err := f.poller(h).Run(context.Background(), f.send, f.known)
	require.ErrorIs(t, err, fallback.ErrExhausted)
	assert.Equal(t, 4, res.Attempts)

	// The earlier reply is known, so it never counts; the placeholder stays.
	msgs := f.cache.List(convID)
	assert.Equal(t, []string{"m1", "m2", "temp-user-1", "temp-ai-1"}, ids(msgs))
	assert.Equal(t, models.StatusThinking, msgs[3].Status)
	assert.True(t, f.cache.Stale(convID))
}

func TestRunStopsOnAuthError(t *testing.T) {
	f := newFixture(t)
	h := &scriptedHistory{results: []func() ([]models.Message, error){
		failing(&client.HTTPError{StatusCode: 401}),
	}}

	res, err := f.poller(h).Run(context.Background(), f.send, f.known)
	require.ErrorIs(t, err, client.ErrAuthExpired)
	assert.Equal(t, 1, res.Attempts)
}

func TestRunSuperseded(t *testing.T) {
	f := newFixture(t)
	before := f.cache.List(convID)
	f.send.Kill()

	h := &scriptedHistory{results: []func() ([]models.Message, error){
		history(user("u1", "Hello", base.Add(time.Minute)), assistant("a1", "Hi", models.StatusComplete, base.Add(time.Minute))),
	}}

	_, err := f.poller(h).Run(context.Background(), f.send, f.known)
	require.ErrorIs(t, err, fallback.ErrSuperseded)
	assert.Equal(t, before, f.cache.List(convID))
}

func TestRunCanceled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := &scriptedHistory{results: []func() ([]models.Message, error){history()}}
	_, err := f.poller(h).Run(ctx, f.send, f.known)
	require.ErrorIs(t, err, context.Canceled)
}

func TestDefaultPolicy(t *testing.T) {
	p := fallback.DefaultPolicy()
	assert.Equal(t, 4*time.Second, p.Initial)
	assert.Equal(t, 12*time.Second, p.Max)
	assert.Equal(t, uint64(5), p.Retries)
}

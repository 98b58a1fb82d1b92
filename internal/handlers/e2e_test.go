package handlers_test

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/cache"
	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/fallback"
	"github.com/MegaGrindStone/chatsync/internal/handlers"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/sender"
	"github.com/MegaGrindStone/chatsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrchestratorAgainstServer(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	srv := newServer(t, &mockLLM{responses: []string{"Hi", " there"}}, db,
		handlers.WithUsers(map[string]models.User{"secret": {ID: "u1"}}))

	logger := quietLogger()
	sess := client.NewSession()
	sess.Login(models.User{ID: "u1", Token: "secret"})
	c := cache.New()
	sums := cache.NewSummaries()
	o := sender.New(client.New(srv.URL, sess, logger), sess, c, sums, logger,
		sender.WithPollPolicy(fallback.Policy{Initial: 10 * time.Millisecond, Step: 10 * time.Millisecond, Max: 50 * time.Millisecond, Retries: 3}))
	defer o.Close()

	h, err := o.StartConversation(context.Background(), "", "Hello", "", sender.SendOptions{})
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("send did not finish")
	}
	res := h.Result()
	require.Equal(t, sender.OutcomeResolved, res.Outcome, "err: %v", res.Err)
	assert.False(t, res.Recovered)

	msgs := c.List(h.ConversationID())
	require.Len(t, msgs, 2)
	assert.Equal(t, res.UserID, msgs[0].ID)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, res.AssistantID, msgs[1].ID)
	assert.Equal(t, "Hi there", msgs[1].Content)
	assert.Equal(t, models.StatusComplete, msgs[1].Status)
	for _, m := range msgs {
		assert.False(t, m.IsTemporary())
	}

	sum, ok := sums.Get(h.ConversationID())
	require.True(t, ok)
	assert.Equal(t, "Hello", sum.Title)
	assert.Equal(t, 1, sum.MessageCount)

	// The server's view agrees with the reconciled cache.
	history, err := db.Messages(context.Background(), h.ConversationID())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, msgs[0].ID, history[0].ID)
	assert.Equal(t, msgs[1].ID, history[1].ID)

	require.NoError(t, o.Refresh(context.Background(), h.ConversationID()))
	assert.Len(t, c.List(h.ConversationID()), 2)
}

func TestOrchestratorUnauthorized(t *testing.T) {
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	defer db.Close()

	srv := newServer(t, &mockLLM{responses: []string{"x"}}, db,
		handlers.WithUsers(map[string]models.User{"secret": {ID: "u1"}}))

	logger := quietLogger()
	sess := client.NewSession()
	sess.Login(models.User{ID: "u1", Token: "stale"})
	c := cache.New()
	sums := cache.NewSummaries()
	o := sender.New(client.New(srv.URL, sess, logger), sess, c, sums, logger)
	defer o.Close()

	h, err := o.StartConversation(context.Background(), "", "Hello", "", sender.SendOptions{})
	require.NoError(t, err)

	res := h.Result()
	assert.Equal(t, sender.OutcomeErrored, res.Outcome)
	assert.ErrorIs(t, res.Err, client.ErrAuthExpired)
	msgs := c.List(h.ConversationID())
	require.Len(t, msgs, 2)
	assert.Equal(t, "Hello", msgs[0].Content)
	assert.Equal(t, models.StatusError, msgs[1].Status)
	_, ok := sums.Get(h.ConversationID())
	assert.True(t, ok)

	select {
	case <-sess.Expired():
	default:
		t.Fatal("session was not logged out")
	}

	resp, err := http.Get(srv.URL + "/api/v1/chats")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}


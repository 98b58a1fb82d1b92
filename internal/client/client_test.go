package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/client"
	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClient(t *testing.T, h http.Handler) (*client.Client, *client.Session) {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	sess := client.NewSession()
	sess.Login(models.User{ID: "user-1", Token: "secret"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return client.New(srv.URL+"/", sess, logger), sess
}

func TestOpenStream(t *testing.T) {
	var got client.SendRequest
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "c1", r.PathValue("id"))
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "data: {\"type\":\"timeout\"}\n\n")
	})
	c, _ := newClient(t, mux)

	body, err := c.OpenStream(context.Background(), "c1", client.SendRequest{
		Content:  "Hello",
		Model:    "llama3",
		ClientID: "temp-user-1",
	})
	require.NoError(t, err)
	defer body.Close()

	raw, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "data: {\"type\":\"timeout\"}\n\n", string(raw))
	assert.Equal(t, client.SendRequest{Content: "Hello", Model: "llama3", ClientID: "temp-user-1"}, got)
}

func TestHTTPErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		body        string
		wantMessage string
		wantAuth    bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"invalid token"}`, "invalid token", true},
		{"forbidden", http.StatusForbidden, "forbidden", "forbidden", true},
		{"rate limited", http.StatusTooManyRequests, `{"error":"too many messages"}`, "too many messages", false},
		{"server error", http.StatusInternalServerError, "", "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			}))

			_, err := c.OpenStream(context.Background(), "c1", client.SendRequest{Content: "hi"})
			require.Error(t, err)

			var httpErr *client.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tc.status, httpErr.StatusCode)
			assert.Equal(t, tc.wantMessage, httpErr.Message)
			assert.Equal(t, tc.wantAuth, errors.Is(err, client.ErrAuthExpired))
		})
	}
}

func TestFetchHistory(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	c, _ := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/chats/c1/messages", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]models.Message{
			{ID: "u1", Role: models.RoleUser, Content: "Hello", CreatedAt: created, ClientID: "temp-user-1"},
			{ID: "a1", Role: models.RoleAssistant, Content: "Hi", CreatedAt: created, Status: models.StatusComplete},
		})
	}))

	msgs, err := c.FetchHistory(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "c1", msgs[0].ConversationID)
	assert.Equal(t, "temp-user-1", msgs[0].ClientID)
	assert.Equal(t, models.StatusComplete, msgs[1].Status)
}

func TestConversations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/chats", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Trip", req["title"])
		_ = json.NewEncoder(w).Encode(models.ConversationSummary{ID: "c9", Title: req["title"]})
	})
	mux.HandleFunc("GET /api/v1/chats", func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode([]models.ConversationSummary{{ID: "c9"}, {ID: "c1"}})
	})
	c, _ := newClient(t, mux)

	sum, err := c.CreateConversation(context.Background(), "Trip", "", "")
	require.NoError(t, err)
	assert.Equal(t, "c9", sum.ID)

	list, err := c.ListConversations(context.Background())
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c9", list[0].ID)
}

func TestRequestWithoutSession(t *testing.T) {
	c, sess := newClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "[]")
	}))

	_, err := c.ListConversations(context.Background())
	require.NoError(t, err)

	sess.Logout()
	_, err = c.ListConversations(context.Background())
	assert.ErrorIs(t, err, client.ErrAuthExpired)
}

func TestSession(t *testing.T) {
	sess := client.NewSession()
	_, ok := sess.CurrentUser()
	assert.False(t, ok)

	sess.Login(models.User{ID: "u", Token: "t"})
	user, ok := sess.CurrentUser()
	require.True(t, ok)
	assert.Equal(t, "t", user.Token)

	expired := sess.Expired()
	sess.Logout()
	sess.Logout()
	select {
	case <-expired:
	default:
		t.Fatal("expected Expired to be closed after Logout")
	}

	sess.Login(models.User{ID: "u"})
	select {
	case <-sess.Expired():
		t.Fatal("expected Expired to be re-armed after Login")
	default:
	}
}

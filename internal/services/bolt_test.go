package services_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/MegaGrindStone/chatsync/internal/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBolt(t *testing.T) services.BoltDB {
	t.Helper()
	db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestBoltChats(t *testing.T) {
	ctx := context.Background()
	db := newBolt(t)
	now := time.Now().UTC().Truncate(time.Second)

	id1, err := db.AddChat(ctx, models.ConversationSummary{ID: "c1", Title: "first", LastMessageAt: now})
	require.NoError(t, err)
	assert.Equal(t, "c1", id1)

	id2, err := db.AddChat(ctx, models.ConversationSummary{Title: "second", LastMessageAt: now.Add(time.Minute)})
	require.NoError(t, err)
	assert.NotEmpty(t, id2)

	// Re-adding keeps the stored record.
	_, err = db.AddChat(ctx, models.ConversationSummary{ID: "c1", Title: "overwritten"})
	require.NoError(t, err)

	chats, err := db.Chats(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, id2, chats[0].ID)
	assert.Equal(t, "first", chats[1].Title)

	chat, err := db.Chat(ctx, "c1")
	require.NoError(t, err)
	chat.Title = "renamed"
	require.NoError(t, db.UpdateChat(ctx, chat))

	chat, err = db.Chat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "renamed", chat.Title)

	_, err = db.Chat(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.ErrorIs(t, db.UpdateChat(ctx, models.ConversationSummary{ID: "missing"}), services.ErrNotFound)
}

func TestBoltMessages(t *testing.T) {
	ctx := context.Background()
	db := newBolt(t)
	now := time.Now().UTC().Truncate(time.Second)

	_, err := db.AddChat(ctx, models.ConversationSummary{ID: "c1", CreatedAt: now})
	require.NoError(t, err)

	var ids []string
	for i := range 12 {
		id, err := db.AddMessage(ctx, "c1", models.Message{
			ID:        "ignored",
			Role:      models.RoleUser,
			Content:   string(rune('a' + i)),
			CreatedAt: now.Add(time.Duration(i) * time.Second),
			ClientID:  "temp-user-x",
		})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	msgs, err := db.Messages(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, msgs, 12)
	for i, m := range msgs {
		assert.Equal(t, ids[i], m.ID)
		assert.Equal(t, "c1", m.ConversationID)
		assert.Equal(t, "temp-user-x", m.ClientID)
	}
	assert.Equal(t, "l", msgs[11].Content)

	chat, err := db.Chat(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 12, chat.MessageCount)
	assert.True(t, chat.LastMessageAt.Equal(now.Add(11*time.Second)))

	m, err := db.Message(ctx, "c1", ids[3])
	require.NoError(t, err)
	m.Content = "edited"
	m.Status = models.StatusComplete
	require.NoError(t, db.UpdateMessage(ctx, "c1", m))

	m, err = db.Message(ctx, "c1", ids[3])
	require.NoError(t, err)
	assert.Equal(t, "edited", m.Content)
	assert.Equal(t, models.StatusComplete, m.Status)

	_, err = db.Message(ctx, "c1", "nope")
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = db.Messages(ctx, "missing")
	assert.ErrorIs(t, err, services.ErrNotFound)
	_, err = db.AddMessage(ctx, "missing", models.Message{})
	assert.ErrorIs(t, err, services.ErrNotFound)
	assert.ErrorIs(t, db.UpdateMessage(ctx, "c1", models.Message{ID: "nope"}), services.ErrNotFound)
}

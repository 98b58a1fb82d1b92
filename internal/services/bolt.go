package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/MegaGrindStone/chatsync/internal/models"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements the handlers Store on top of a BoltDB file. Conversation summaries live in one bucket;
// every conversation has its own message bucket keyed by message id. Message ids start with a zero padded
// sequence number so that iterating a bucket yields the messages in the order they were added.
type BoltDB struct {
	db *bolt.DB
}

// ErrNotFound is returned when a conversation or message does not exist.
var ErrNotFound = models.ErrNotFound

var chatsBucket = []byte("chats")

// NewBoltDB opens (or creates) the database at path and makes sure the required buckets exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(chatsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create chats bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(chatID string) []byte {
	return []byte(fmt.Sprintf("chat-%s", chatID))
}

// Chats returns every conversation summary, most recently active first.
func (b BoltDB) Chats(context.Context) ([]models.ConversationSummary, error) {
	var chats []models.ConversationSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(_, v []byte) error {
			var chat models.ConversationSummary
			if err := json.Unmarshal(v, &chat); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chats = append(chats, chat)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(chats, func(a, b models.ConversationSummary) int {
		return b.LastMessageAt.Compare(a.LastMessageAt)
	})
	return chats, nil
}

// Chat returns the summary of one conversation, or ErrNotFound.
func (b BoltDB) Chat(_ context.Context, chatID string) (models.ConversationSummary, error) {
	var chat models.ConversationSummary
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(chatID))
		if v == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		return json.Unmarshal(v, &chat)
	})
	return chat, err
}

// AddChat stores a new conversation and creates its message bucket. A chat without an id gets a random one.
// Adding a chat whose id is already taken returns the existing id unchanged.
func (b BoltDB) AddChat(_ context.Context, chat models.ConversationSummary) (string, error) {
	if chat.ID == "" {
		chat.ID = uuid.NewString()
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)
		if chats.Get([]byte(chat.ID)) != nil {
			return nil
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(chat.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return chats.Put([]byte(chat.ID), v)
	})

	return chat.ID, err
}

// UpdateChat overwrites an existing conversation summary.
func (b BoltDB) UpdateChat(_ context.Context, chat models.ConversationSummary) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		chats := tx.Bucket(chatsBucket)
		if chats.Get([]byte(chat.ID)) == nil {
			return fmt.Errorf("chat %s: %w", chat.ID, ErrNotFound)
		}

		v, err := json.Marshal(chat)
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		return chats.Put([]byte(chat.ID), v)
	})
}

// Messages returns the history of a conversation in the order it was written.
func (b BoltDB) Messages(_ context.Context, chatID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Message returns one message, or ErrNotFound.
func (b BoltDB) Message(_ context.Context, chatID, messageID string) (models.Message, error) {
	var message models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		v := bucket.Get([]byte(messageID))
		if v == nil {
			return fmt.Errorf("message %s: %w", messageID, ErrNotFound)
		}
		return json.Unmarshal(v, &message)
	})
	return message, err
}

// AddMessage assigns the message a server id, stores it and updates the conversation's count and activity
// time in the same transaction. It returns the new id.
func (b BoltDB) AddMessage(_ context.Context, chatID string, message models.Message) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%010d-%s", seq, uuid.NewString()[:8])
		message.ID = newID
		message.ConversationID = chatID

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := bucket.Put([]byte(newID), v); err != nil {
			return err
		}

		return touchChat(tx, chatID, message)
	})
	if err != nil {
		return "", err
	}
	return newID, nil
}

// UpdateMessage overwrites an existing message.
func (b BoltDB) UpdateMessage(_ context.Context, chatID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(chatID))
		if bucket == nil {
			return fmt.Errorf("chat %s: %w", chatID, ErrNotFound)
		}
		if bucket.Get([]byte(message.ID)) == nil {
			return fmt.Errorf("message %s: %w", message.ID, ErrNotFound)
		}

		message.ConversationID = chatID
		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return bucket.Put([]byte(message.ID), v)
	})
}

func touchChat(tx *bolt.Tx, chatID string, message models.Message) error {
	chats := tx.Bucket(chatsBucket)
	v := chats.Get([]byte(chatID))
	if v == nil {
		return nil
	}

	var chat models.ConversationSummary
	if err := json.Unmarshal(v, &chat); err != nil {
		return fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	chat.MessageCount++
	if message.CreatedAt.After(chat.LastMessageAt) {
		chat.LastMessageAt = message.CreatedAt
	}

	v, err := json.Marshal(chat)
	if err != nil {
		return fmt.Errorf("failed to marshal chat: %w", err)
	}
	return chats.Put([]byte(chatID), v)
}

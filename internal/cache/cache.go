// Package cache holds the client's in-memory view of conversations: the ordered message records each
// conversation shows, and the summaries a conversation list shows. Both are process-wide and owned by the
// sender; nothing else writes to them.
package cache

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

var (
	// ErrNoConversation is returned when a message carries no conversation id.
	ErrNoConversation = errors.New("message has no conversation id")
	// ErrDuplicateID is returned when inserting a message whose id is already cached.
	ErrDuplicateID = errors.New("message id already cached")
	// ErrTemporarySlotTaken is returned when inserting a temporary message while another unresolved temporary
	// message of the same role is cached for the conversation. Settled records do not count.
	ErrTemporarySlotTaken = errors.New("unresolved temporary message already cached")
)

// Cache is a per-conversation ordered, keyed store of messages. Order is insertion order; resolving a
// temporary record replaces it in place so its position is kept.
type Cache struct {
	mu            sync.Mutex
	conversations map[string]*conversation
}

type conversation struct {
	messages []models.Message
	stale    bool
	// settled holds temporary ids that no send tracks anymore. They stay listed but free their slot.
	settled map[string]bool
}

// Snapshot is a copy of one conversation's cached state, used to undo an optimistic change.
type Snapshot struct {
	conversationID string
	existed        bool
	stale          bool
	messages       []models.Message
	settled        map[string]bool
}

// New creates an empty Cache.
func New() *Cache {
	return &Cache{
		conversations: make(map[string]*conversation),
	}
}

// Insert appends msg to the end of its conversation.
func (c *Cache) Insert(msg models.Message) error {
	if msg.ConversationID == "" {
		return ErrNoConversation
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversation(msg.ConversationID)
	if indexOf(conv.messages, msg.ID) != -1 {
		return fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	if msg.IsTemporary() && slices.ContainsFunc(conv.messages, func(m models.Message) bool {
		return m.IsTemporary() && m.Role == msg.Role && !conv.settled[m.ID]
	}) {
		return fmt.Errorf("%w: %s", ErrTemporarySlotTaken, msg.Role)
	}

	conv.messages = append(conv.messages, msg)
	return nil
}

// Replace swaps the record cached under id for msg, keeping its position. When msg carries a different id
// that is already cached elsewhere in the conversation, that other record is dropped so the id stays
// unique. It reports whether a record with id was found.
func (c *Cache) Replace(conversationID, id string, msg models.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return false
	}
	idx := indexOf(conv.messages, id)
	if idx == -1 {
		return false
	}

	msg.ConversationID = conversationID
	conv.messages = place(conv.messages, idx, msg)
	return true
}

// UpsertFunc updates the first record matching match, or appends a new one when none does. update receives
// the existing record and whether one was found, and returns the record to store. The stored record is
// returned.
func (c *Cache) UpsertFunc(
	conversationID string,
	match func(models.Message) bool,
	update func(existing models.Message, found bool) models.Message,
) models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversation(conversationID)
	idx := slices.IndexFunc(conv.messages, match)
	if idx == -1 {
		msg := update(models.Message{ConversationID: conversationID}, false)
		msg.ConversationID = conversationID
		if i := indexOf(conv.messages, msg.ID); i != -1 {
			conv.messages = place(conv.messages, i, msg)
			return msg
		}
		conv.messages = append(conv.messages, msg)
		return msg
	}

	msg := update(conv.messages[idx], true)
	msg.ConversationID = conversationID
	conv.messages = place(conv.messages, idx, msg)
	return msg
}

// Transform replaces a conversation's records with the result of fn, atomically with respect to every
// other mutation. fn receives a copy it may modify freely.
func (c *Cache) Transform(conversationID string, fn func([]models.Message) []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversation(conversationID)
	next := fn(slices.Clone(conv.messages))
	conv.messages = dedupe(conversationID, next)
}

// Resync is Transform for a result derived from fresh history: it also clears the stale marker.
func (c *Cache) Resync(conversationID string, fn func([]models.Message) []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversation(conversationID)
	conv.messages = dedupe(conversationID, fn(slices.Clone(conv.messages)))
	conv.stale = false
	conv.prune()
}

// Remove deletes the record cached under id and reports whether it existed.
func (c *Cache) Remove(conversationID, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return false
	}
	idx := indexOf(conv.messages, id)
	if idx == -1 {
		return false
	}
	conv.messages = slices.Delete(conv.messages, idx, idx+1)
	return true
}

// Get returns the record cached under id.
func (c *Cache) Get(conversationID, id string) (models.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return models.Message{}, false
	}
	idx := indexOf(conv.messages, id)
	if idx == -1 {
		return models.Message{}, false
	}
	return conv.messages[idx], true
}

// List returns the conversation's records in order. The returned slice is a copy.
func (c *Cache) List(conversationID string) []models.Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return nil
	}
	return slices.Clone(conv.messages)
}

// ReplaceAll overwrites the conversation with msgs, typically freshly fetched history, and clears its stale
// marker.
func (c *Cache) ReplaceAll(conversationID string, msgs []models.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv := c.conversation(conversationID)
	conv.messages = dedupe(conversationID, slices.Clone(msgs))
	conv.stale = false
	conv.prune()
}

// Settle frees the slots of the conversation's temporary records so a new optimistic pair can be inserted.
// The records stay listed until history resolves or drops them. It returns how many records were settled.
func (c *Cache) Settle(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range conv.messages {
		if !m.IsTemporary() || conv.settled[m.ID] {
			continue
		}
		if conv.settled == nil {
			conv.settled = make(map[string]bool)
		}
		conv.settled[m.ID] = true
		n++
	}
	return n
}

// MarkStale flags the conversation as no longer trustworthy until the next ReplaceAll.
func (c *Cache) MarkStale(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conversation(conversationID).stale = true
}

// Stale reports whether the conversation must be re-derived from history.
func (c *Cache) Stale(conversationID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	return ok && conv.stale
}

// Snapshot copies the conversation's current state.
func (c *Cache) Snapshot(conversationID string) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	conv, ok := c.conversations[conversationID]
	if !ok {
		return Snapshot{conversationID: conversationID}
	}
	return Snapshot{
		conversationID: conversationID,
		existed:        true,
		stale:          conv.stale,
		messages:       slices.Clone(conv.messages),
		settled:        maps.Clone(conv.settled),
	}
}

// Restore puts a conversation back into the state captured by s.
func (c *Cache) Restore(s Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.existed {
		delete(c.conversations, s.conversationID)
		return
	}
	c.conversations[s.conversationID] = &conversation{
		messages: slices.Clone(s.messages),
		stale:    s.stale,
		settled:  maps.Clone(s.settled),
	}
}

func (c *Cache) conversation(id string) *conversation {
	conv, ok := c.conversations[id]
	if !ok {
		conv = &conversation{}
		c.conversations[id] = conv
	}
	return conv
}

// prune forgets settled ids that are no longer cached.
func (conv *conversation) prune() {
	for id := range conv.settled {
		if indexOf(conv.messages, id) == -1 {
			delete(conv.settled, id)
		}
	}
}

func indexOf(msgs []models.Message, id string) int {
	return slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == id })
}

// place stores msg at idx and drops any other record carrying msg.ID.
func place(msgs []models.Message, idx int, msg models.Message) []models.Message {
	msgs[idx] = msg
	for i := len(msgs) - 1; i >= 0; i-- {
		if i != idx && msgs[i].ID == msg.ID {
			msgs = slices.Delete(msgs, i, i+1)
		}
	}
	return msgs
}

// dedupe keeps the first record of every id and stamps the conversation id.
func dedupe(conversationID string, msgs []models.Message) []models.Message {
	seen := make(map[string]struct{}, len(msgs))
	out := msgs[:0]
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		m.ConversationID = conversationID
		out = append(out, m)
	}
	return out
}

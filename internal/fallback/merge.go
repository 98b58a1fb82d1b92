package fallback

import (
	"slices"
	"strings"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

// DefaultTolerance is how far apart the timestamps of an optimistic user message and its server
// counterpart may be for a content match.
const DefaultTolerance = 2 * time.Minute

// Merge reconciles the cached records of a conversation with freshly fetched history. The result is the
// authoritative list followed by every unresolved optimistic user message that has no authoritative
// counterpart, each with the errored placeholder of its send if there is one. When found is false the assistant placeholder is kept at the end so the pending turn stays
// visible; when found is true the placeholder is dropped.
//
// An optimistic user message is matched by the server echoing its id as client id first, and otherwise by
// equal content with timestamps no more than tolerance apart. Every authoritative record absorbs at most one
// optimistic record, so a message sent twice is never collapsed into one.
func Merge(
	current, authoritative []models.Message,
	placeholderID string,
	found bool,
	tolerance time.Duration,
) []models.Message {
	merged := slices.Clone(authoritative)
	claimed := make([]bool, len(authoritative))

	var pending []models.Message
	failed := make(map[string]models.Message)
	lastUser := ""
	for _, m := range current {
		switch {
		case m.Role == models.RoleUser && strings.HasPrefix(m.ID, models.TempUserPrefix):
			pending = append(pending, m)
			lastUser = m.ID
		case m.Role == models.RoleUser:
			lastUser = ""
		case lastUser != "" && failedPlaceholder(m, placeholderID):
			failed[lastUser] = m
			lastUser = ""
		}
	}

	unmatched := make([]models.Message, 0, len(pending))
	for _, m := range pending {
		if idx := claimByClientID(authoritative, claimed, m); idx != -1 {
			claimed[idx] = true
			continue
		}
		unmatched = append(unmatched, m)
	}
	for _, m := range unmatched {
		if idx := claimByContent(authoritative, claimed, m, tolerance); idx != -1 {
			claimed[idx] = true
			continue
		}
		merged = append(merged, m)
		if f, ok := failed[m.ID]; ok {
			merged = append(merged, f)
		}
	}

	if found || placeholderID == "" {
		return merged
	}
	if slices.ContainsFunc(merged, func(m models.Message) bool { return m.ID == placeholderID }) {
		return merged
	}
	if idx := slices.IndexFunc(current, func(m models.Message) bool { return m.ID == placeholderID }); idx != -1 {
		merged = append(merged, current[idx])
	}
	return merged
}

// failedPlaceholder reports whether m is the errored placeholder of an earlier send.
func failedPlaceholder(m models.Message, placeholderID string) bool {
	return m.ID != placeholderID && strings.HasPrefix(m.ID, models.TempAssistantPrefix) && m.Status == models.StatusError
}

func claimByClientID(authoritative []models.Message, claimed []bool, m models.Message) int {
	for i, a := range authoritative {
		if claimed[i] || a.IsTemporary() {
			continue
		}
		if a.ID == m.ID || (a.ClientID != "" && a.ClientID == m.ID) {
			return i
		}
	}
	return -1
}

func claimByContent(authoritative []models.Message, claimed []bool, m models.Message, tolerance time.Duration) int {
	for i, a := range authoritative {
		if claimed[i] || a.Role != models.RoleUser || a.IsTemporary() {
			continue
		}
		// A record the server tagged with a different client id belongs to another send.
		if a.ClientID != "" && a.ClientID != m.ID {
			continue
		}
		if a.Content != m.Content {
			continue
		}
		if within(a.CreatedAt, m.CreatedAt, tolerance) {
			return i
		}
	}
	return -1
}

func within(a, b time.Time, tolerance time.Duration) bool {
	if a.IsZero() || b.IsZero() {
		return a.Equal(b)
	}
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}

// FindReply returns the first assistant reply in msgs that was not cached before the send, carries a server
// id and content, and is no longer being generated. known holds the ids cached before the send.
func FindReply(msgs []models.Message, known map[string]bool) (models.Message, bool) {
	for _, m := range msgs {
		if m.Role != models.RoleAssistant || m.IsTemporary() || known[m.ID] {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		if m.Status == models.StatusThinking || m.Status == models.StatusProcessing {
			continue
		}
		return m, true
	}
	return models.Message{}, false
}

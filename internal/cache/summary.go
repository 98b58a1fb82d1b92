package cache

import (
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

// Summaries projects conversation metadata (title, message count, last activity) alongside message cache
// mutations. Summaries are kept most recent first.
type Summaries struct {
	mu    sync.Mutex
	order []string
	byID  map[string]models.ConversationSummary
}

// SummarySnapshot is a copy of one summary and its position, used to undo an optimistic change.
type SummarySnapshot struct {
	id      string
	existed bool
	index   int
	summary models.ConversationSummary
}

// NewSummaries creates an empty projector.
func NewSummaries() *Summaries {
	return &Summaries{
		byID: make(map[string]models.ConversationSummary),
	}
}

// Seed replaces every summary with list, keeping its order.
func (s *Summaries) Seed(list []models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = make([]string, 0, len(list))
	s.byID = make(map[string]models.ConversationSummary, len(list))
	for _, sum := range list {
		if _, ok := s.byID[sum.ID]; ok {
			continue
		}
		s.order = append(s.order, sum.ID)
		s.byID[sum.ID] = sum
	}
}

// Upsert stores sum. A summary seen for the first time goes to the front of the list.
func (s *Summaries) Upsert(sum models.ConversationSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[sum.ID]; !ok {
		s.order = slices.Insert(s.order, 0, sum.ID)
	}
	s.byID[sum.ID] = sum
}

// Get returns the summary of the conversation.
func (s *Summaries) Get(id string) (models.ConversationSummary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.byID[id]
	return sum, ok
}

// List returns all summaries in display order.
func (s *Summaries) List() []models.ConversationSummary {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := make([]models.ConversationSummary, 0, len(s.order))
	for _, id := range s.order {
		list = append(list, s.byID[id])
	}
	return list
}

// Remove forgets the conversation's summary.
func (s *Summaries) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == id })
	return true
}

// Bump adds delta to the message count and moves the last activity time to at.
func (s *Summaries) Bump(id string, delta int, at time.Time) bool {
	return s.update(id, func(sum *models.ConversationSummary) {
		sum.MessageCount = max(sum.MessageCount+delta, 0)
		sum.LastMessageAt = at
	})
}

// Touch moves the last activity time to at unless it is already later.
func (s *Summaries) Touch(id string, at time.Time) bool {
	return s.update(id, func(sum *models.ConversationSummary) {
		if at.After(sum.LastMessageAt) {
			sum.LastMessageAt = at
		}
	})
}

// Snapshot copies the conversation's summary and position.
func (s *Summaries) Snapshot(id string) SummarySnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.byID[id]
	if !ok {
		return SummarySnapshot{id: id}
	}
	return SummarySnapshot{
		id:      id,
		existed: true,
		index:   slices.Index(s.order, id),
		summary: sum,
	}
}

// Restore puts a summary back into the state captured by snap.
func (s *Summaries) Restore(snap SummarySnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.order = slices.DeleteFunc(s.order, func(o string) bool { return o == snap.id })
	if !snap.existed {
		delete(s.byID, snap.id)
		return
	}
	idx := min(max(snap.index, 0), len(s.order))
	s.order = slices.Insert(s.order, idx, snap.id)
	s.byID[snap.id] = snap.summary
}

func (s *Summaries) update(id string, fn func(*models.ConversationSummary)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, ok := s.byID[id]
	if !ok {
		return false
	}
	fn(&sum)
	s.byID[id] = sum
	return true
}

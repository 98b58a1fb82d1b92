package reconcile

import (
	"sync"
)

// State is the lifecycle state of the assistant turn of one send.
type State int

const (
	// StatePending means only the optimistic placeholder exists.
	StatePending State = iota
	// StateStreaming means at least one content delta was applied.
	StateStreaming
	// StateResolved means a completion was applied.
	StateResolved
	// StateErrored means the assistant pipeline reported a failure.
	StateErrored
	// StateTimedOut means the stream ended without a terminal event.
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateStreaming:
		return "streaming"
	case StateResolved:
		return "resolved"
	case StateErrored:
		return "errored"
	case StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further stream events are expected in state s.
func (s State) Terminal() bool {
	return s == StateResolved || s == StateErrored || s == StateTimedOut
}

// Send is the reconciliation context of one in-flight send: the ids its optimistic records are tracked
// under, the state of its assistant turn, and whether it is still allowed to mutate the cache.
//
// Once a temporary id is bound to an authoritative id, the temporary id is retired: events that still
// refer to it are routed to the authoritative id, and it is never written to the cache again.
type Send struct {
	conversationID string

	mu          sync.Mutex
	userID      string
	assistantID string
	retired     map[string]string
	state       State
	events      int
	dead        bool
}

// NewSend creates the context of a send whose optimistic records carry userID and assistantID.
func NewSend(conversationID, userID, assistantID string) *Send {
	return &Send{
		conversationID: conversationID,
		userID:         userID,
		assistantID:    assistantID,
		retired:        make(map[string]string),
	}
}

// ConversationID returns the conversation the send belongs to.
func (s *Send) ConversationID() string {
	return s.conversationID
}

// UserID returns the id the user message is currently tracked under.
func (s *Send) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// AssistantID returns the id the assistant message is currently tracked under.
func (s *Send) AssistantID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.assistantID
}

// State returns the state of the assistant turn.
func (s *Send) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Events returns the number of stream events applied so far.
func (s *Send) Events() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events
}

// Alive reports whether the send may still mutate the cache.
func (s *Send) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.dead
}

// Kill marks the send dead. It waits for a mutation that is already running under Do to finish, and every
// later Do is a no-op.
func (s *Send) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dead = true
}

// Do runs fn while holding the send's lock, unless the send is dead. It reports whether fn ran. fn must not
// call other methods of s.
func (s *Send) Do(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	fn()
	return true
}

// resolve maps an event's message id to the id the record is tracked under. Empty ids fall back to the
// tracked assistant id. Callers hold s.mu.
func (s *Send) resolve(id string) string {
	if id == "" {
		return s.assistantID
	}
	if bound, ok := s.retired[id]; ok {
		return bound
	}
	return id
}

// bindUser and bindAssistant move tracking from a temporary id to an authoritative one. Callers hold s.mu.
func (s *Send) bindUser(id string) {
	if id == "" || id == s.userID {
		return
	}
	s.retired[s.userID] = id
	s.userID = id
}

func (s *Send) bindAssistant(id string) {
	if id == "" || id == s.assistantID {
		return
	}
	s.retired[s.assistantID] = id
	s.assistantID = id
}

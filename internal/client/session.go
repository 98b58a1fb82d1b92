package client

import (
	"sync"

	"github.com/MegaGrindStone/chatsync/internal/models"
)

// AuthSession provides the identity requests are made as. Logout doubles as the signal that the server
// rejected the credentials and the user must authenticate again.
type AuthSession interface {
	CurrentUser() (models.User, bool)
	Login(user models.User)
	Logout()
}

// Session is an in-memory AuthSession holding a bearer token.
type Session struct {
	mu       sync.Mutex
	user     models.User
	loggedIn bool
	expired  chan struct{}
}

// NewSession creates a logged out session.
func NewSession() *Session {
	return &Session{
		expired: make(chan struct{}),
	}
}

// CurrentUser returns the logged in user.
func (s *Session) CurrentUser() (models.User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.user, s.loggedIn
}

// Login replaces the session's user and re-arms Expired.
func (s *Session) Login(user models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = user
	s.loggedIn = true
	select {
	case <-s.expired:
		s.expired = make(chan struct{})
	default:
	}
}

// Logout forgets the user and closes the channel returned by Expired.
func (s *Session) Logout() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.user = models.User{}
	s.loggedIn = false
	select {
	case <-s.expired:
	default:
		close(s.expired)
	}
}

// Expired returns a channel that is closed when the session is logged out.
func (s *Session) Expired() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.expired
}

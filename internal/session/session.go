package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrNotAuthenticated is returned by mutating operations attempted
// without an active session. Fetch operations degrade to a no-op instead.
var ErrNotAuthenticated = errors.New("not authenticated")

// Session is the authenticated local identity for one client instance.
// All writes to the external store are stamped with its user id.
// The zero-value session is signed out.
type Session struct {
	mu           sync.RWMutex
	userID       uuid.UUID
	username     string
	accessToken  string
	refreshToken string
}

func New() *Session {
	return &Session{}
}

// SignIn installs the authenticated identity and its tokens
func (s *Session) SignIn(userID uuid.UUID, username, accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = userID
	s.username = username
	s.accessToken = accessToken
	s.refreshToken = refreshToken
}

// SignOut clears the session. Subsequent mutations fail with ErrNotAuthenticated.
func (s *Session) SignOut() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.userID = uuid.Nil
	s.username = ""
	s.accessToken = ""
	s.refreshToken = ""
}

// UserID returns the authenticated user id, and whether a session is active
func (s *Session) UserID() (uuid.UUID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userID, s.userID != uuid.Nil
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.username
}

func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accessToken
}

func (s *Session) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.refreshToken
}

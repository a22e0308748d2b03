// Package session carries the authenticated identity of the current user.
// It is built once from the bearer token and handed to every component that
// talks to the backend, instead of each of them reading ambient storage.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrMissingIdentity = errors.New("session: token carries no user_id claim")

type Session struct {
	mu        sync.RWMutex
	token     string
	userID    string
	username  string
	expiresAt time.Time
}

// New builds a session from a bearer token. The signature is not checked here;
// the backend does that on every request.
func New(token string) (*Session, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, err
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return nil, ErrMissingIdentity
	}
	s := &Session{token: token, userID: userID}
	s.username, _ = claims["username"].(string)
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		s.expiresAt = exp.Time
	}
	return s, nil
}

// Anonymous returns a session without credentials.
func Anonymous() *Session {
	return &Session{}
}

// Token returns the bearer token, or "" once the session is invalidated or expired.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.expiresAt.IsZero() && time.Now().After(s.expiresAt) {
		return ""
	}
	return s.token
}

func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

// Authenticated reports whether a usable token is present.
func (s *Session) Authenticated() bool {
	return s.Token() != ""
}

// Invalidate drops the token. Called when the backend rejects it.
func (s *Session) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
}

// BearerHeader is the Authorization header value for the session.
func (s *Session) BearerHeader() string {
	token := s.Token()
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

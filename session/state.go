// Package session holds the authoritative in-memory record of who is logged
// in and with what credential, plus the process-wide refresh coordination
// that the request gateway and the realtime channel share.
package session

import (
	"sync"

	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/users"
)

// State is the single source of truth for authentication. All mutations are
// atomic from the caller's viewpoint; a partial update is never observable.
// Only the operations below write it; UI code and the channel read only.
type State struct {
	lock       sync.RWMutex
	user       *users.User
	credential credentials.Credential
	listeners  []func()
}

// NewState returns a logged-out State.
func NewState() *State {
	return &State{}
}

// SetCredentials sets the user and access token unconditionally. The refresh
// token is updated only when non-empty: a reauth retry that only obtained a
// new access token must not clobber a still valid refresh token.
func (s *State) SetCredentials(user *users.User, accessToken, refreshToken string) {
	s.lock.Lock()
	s.user = user
	s.credential.AccessToken = accessToken
	if refreshToken != "" {
		s.credential.RefreshToken = refreshToken
	}
	s.lock.Unlock()
	s.notify()
}

// RestoreFromStorage installs a stored credential at cold start, before the
// real profile has been fetched. A placeholder user makes IsAuthenticated
// true so protected UI renders optimistically while the profile loads.
func (s *State) RestoreFromStorage(accessToken, refreshToken string) {
	s.lock.Lock()
	s.user = users.Restoring()
	s.credential.AccessToken = accessToken
	if refreshToken != "" {
		s.credential.RefreshToken = refreshToken
	}
	s.lock.Unlock()
	s.notify()
}

// Logout clears the user and both tokens. Callable from any error path
// without preconditions.
func (s *State) Logout() {
	s.lock.Lock()
	s.user = nil
	s.credential = credentials.Credential{}
	s.lock.Unlock()
	s.notify()
}

// IsAuthenticated reports whether a credential is present.
func (s *State) IsAuthenticated() bool {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.credential.AccessToken != ""
}

// User returns the current user, which may be the restore placeholder or
// nil when logged out.
func (s *State) User() *users.User {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.user
}

// Credential returns a copy of the current credential.
func (s *State) Credential() credentials.Credential {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.credential
}

// AccessToken returns the current access token, or "" when logged out.
func (s *State) AccessToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.credential.AccessToken
}

// RefreshToken returns the current refresh token, or "" when absent.
func (s *State) RefreshToken() string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return s.credential.RefreshToken
}

// OnChange registers fn to run after every state mutation. Used by UI
// gating to observe a forced logout promptly. Listeners cannot be removed;
// register once per process-lifetime consumer.
func (s *State) OnChange(fn func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.listeners = append(s.listeners, fn)
}

// notify runs listeners outside the state lock so a listener may read the
// state it was notified about.
func (s *State) notify() {
	s.lock.RLock()
	listeners := make([]func(), len(s.listeners))
	copy(listeners, s.listeners)
	s.lock.RUnlock()
	for _, fn := range listeners {
		fn()
	}
}

// Package auth ties the credential store, session state, gateway and
// realtime channel together into the session lifecycle UI code talks to:
// login, cold-start restore, and logout.
package auth

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kora-live/kora-go/channel"
	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/gateway"
	"github.com/kora-live/kora-go/session"
	"github.com/kora-live/kora-go/users"
)

// Deps holds all dependencies for the SessionService.
type Deps struct {
	Store   *credentials.Store
	State   *session.State
	Gateway *gateway.Gateway
	Channel *channel.Channel // optional; nil when the host has no realtime surface
}

// SessionService orchestrates the session lifecycle. State transitions go
// through session.State; this service only sequences the storage writes and
// network calls around them.
type SessionService struct {
	deps Deps
	log  zerolog.Logger
}

// SessionServiceOption defines a function type to modify the SessionService
// instance.
type SessionServiceOption func(*SessionService)

// WithLogger sets the logger for session lifecycle events.
func WithLogger(log zerolog.Logger) SessionServiceOption {
	return func(s *SessionService) {
		s.log = log
	}
}

// NewSessionService initializes a SessionService with required dependencies.
func NewSessionService(deps Deps, options ...SessionServiceOption) (*SessionService, error) {
	if deps.Store == nil {
		return nil, errors.New("[NewSessionService] Store is required")
	}
	if deps.State == nil {
		return nil, errors.New("[NewSessionService] State is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("[NewSessionService] Gateway is required")
	}

	service := &SessionService{
		deps: deps,
		log:  zerolog.Nop(),
	}

	for _, opt := range options {
		opt(service)
	}

	return service, nil
}

// Login authenticates with email and password, installs the credential in
// the session state and persists it.
func (s *SessionService) Login(ctx context.Context, email, password string) (*users.User, error) {
	result, err := s.deps.Gateway.Login(ctx, email, password)
	if err != nil {
		return nil, errors.Wrap(err, "[SessionService.Login] gateway login")
	}
	return s.install(ctx, result), nil
}

// Verify completes a code-based verification login.
func (s *SessionService) Verify(ctx context.Context, email, code string) (*users.User, error) {
	result, err := s.deps.Gateway.Verify(ctx, email, code)
	if err != nil {
		return nil, errors.Wrap(err, "[SessionService.Verify] gateway verify")
	}
	return s.install(ctx, result), nil
}

// RestoreSession hydrates the session from durable storage at cold start.
// When a stored credential exists the state becomes authenticated with a
// placeholder user immediately, and the real profile is fetched in the
// background. Returns whether a credential was found.
func (s *SessionService) RestoreSession(ctx context.Context) bool {
	cred := s.deps.Store.Load(ctx)
	if cred.AccessToken == "" {
		s.log.Debug().Msg("auth: no stored credential")
		return false
	}

	s.deps.State.RestoreFromStorage(cred.AccessToken, cred.RefreshToken)
	s.log.Debug().Msg("auth: session restored from storage")

	go func() {
		if err := s.RefreshProfile(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn().Err(err).Msg("auth: background profile fetch failed")
		}
	}()
	return true
}

// RefreshProfile fetches the authenticated profile and replaces the current
// user object. Token fields are untouched: an empty refresh-token argument
// to SetCredentials preserves the stored one.
func (s *SessionService) RefreshProfile(ctx context.Context) error {
	user, err := s.deps.Gateway.FetchProfile(ctx)
	if err != nil {
		return errors.Wrap(err, "[SessionService.RefreshProfile] fetch profile")
	}
	s.deps.State.SetCredentials(user, s.deps.State.AccessToken(), "")
	return nil
}

// Logout ends the session: best-effort server-side revocation, then local
// state, storage and channel teardown. Never fails.
func (s *SessionService) Logout(ctx context.Context) {
	if err := s.deps.Gateway.ServerLogout(ctx); err != nil {
		s.log.Debug().Err(err).Msg("auth: server logout failed")
	}
	if s.deps.Channel != nil {
		s.deps.Channel.Close()
	}
	s.deps.State.Logout()
	s.deps.Store.Clear(ctx)
}

func (s *SessionService) install(ctx context.Context, result *gateway.LoginResult) *users.User {
	s.deps.State.SetCredentials(result.User, result.AccessToken, result.RefreshToken)
	s.deps.Store.Save(ctx, result.AccessToken, result.RefreshToken)
	return result.User
}

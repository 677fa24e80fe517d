package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"

	"github.com/kora-live/kora-go/internal/envelope"
	"github.com/kora-live/kora-go/users"
)

// LoginResult is a freshly issued credential plus the account it belongs
// to, as returned by the login and verification endpoints.
type LoginResult struct {
	User         *users.User
	AccessToken  string
	RefreshToken string
}

// Login exchanges email and password for a credential. Unauthenticated:
// a 401 here means wrong credentials, not an expired session, so it never
// enters the refresh flow.
func (g *Gateway) Login(ctx context.Context, email, password string) (*LoginResult, error) {
	return g.tokenRequest(ctx, "/auth/login", map[string]string{
		"email":    email,
		"password": password,
	})
}

// Verify exchanges an emailed verification code for a credential.
func (g *Gateway) Verify(ctx context.Context, email, code string) (*LoginResult, error) {
	return g.tokenRequest(ctx, "/auth/verify", map[string]string{
		"email": email,
		"code":  code,
	})
}

// FetchProfile returns the authenticated account, replacing the cold-start
// placeholder after a session restore.
func (g *Gateway) FetchProfile(ctx context.Context) (*users.User, error) {
	var user users.User
	if err := g.Get(ctx, "/users/me", &user); err != nil {
		return nil, errors.Wrap(err, "[Gateway.FetchProfile] get profile")
	}
	return &user, nil
}

// ServerLogout tells the backend to revoke the current session. Best
// effort: local logout proceeds regardless of the outcome.
func (g *Gateway) ServerLogout(ctx context.Context) error {
	return g.Post(ctx, "/auth/logout", nil, nil)
}

func (g *Gateway) tokenRequest(ctx context.Context, path string, body map[string]string) (*LoginResult, error) {
	result, err := g.dispatch(ctx, http.MethodPost, path, body, false)
	if err != nil {
		return nil, err
	}
	if result.status < 200 || result.status > 299 {
		return nil, &APIError{StatusCode: result.status, Body: result.body}
	}

	payload, err := envelope.DecodeTokenPayload(result.body)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.tokenRequest] decode response")
	}
	if payload.Access() == "" {
		return nil, errors.New("[Gateway.tokenRequest] no access token in response")
	}

	login := &LoginResult{
		AccessToken:  payload.Access(),
		RefreshToken: payload.RefreshToken,
	}
	if len(payload.User) > 0 {
		var user users.User
		if err := json.Unmarshal(payload.User, &user); err != nil {
			return nil, errors.Wrap(err, "[Gateway.tokenRequest] decode user")
		}
		login.User = &user
	}

	return login, nil
}

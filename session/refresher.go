package session

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/internal/envelope"
)

const defaultRefreshTimeout = 10 * time.Second

// refreshKey is the singleflight key: there is exactly one refresh
// operation per process, never one per caller.
const refreshKey = "refresh"

// Doer executes an HTTP request. Satisfied by *retry.Client.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// TokenDecoder extracts the new tokens from a refresh response body. The
// returned refresh token may be empty when the server does not rotate
// refresh tokens; the old one is then preserved.
type TokenDecoder func(body []byte) (accessToken, refreshToken string, err error)

// Refresher owns the process-wide refresh coordination. Every caller that
// observes an authorization failure, whether a failing request or the
// realtime channel, calls Refresh and awaits the same in-flight operation;
// the refresh endpoint is hit exactly once per cycle.
// Most backends treat a refresh token as single-use, so a duplicate call
// would be rejected as replay.
type Refresher struct {
	state   *State
	store   *credentials.Store
	client  Doer
	url     string
	timeout time.Duration
	decode  TokenDecoder
	group   singleflight.Group
	log     zerolog.Logger
}

// RefresherOption defines a function type to modify the Refresher instance.
type RefresherOption func(*Refresher)

// WithHTTPClient sets the HTTP client used for the refresh call.
func WithHTTPClient(client Doer) RefresherOption {
	return func(r *Refresher) {
		r.client = client
	}
}

// WithTimeout bounds a single refresh call. Without a bound a hanging
// refresh would block every queued replay indefinitely.
func WithTimeout(timeout time.Duration) RefresherOption {
	return func(r *Refresher) {
		r.timeout = timeout
	}
}

// WithTokenDecoder overrides how the refresh response body is decoded, for
// backends with a different envelope shape.
func WithTokenDecoder(decode TokenDecoder) RefresherOption {
	return func(r *Refresher) {
		r.decode = decode
	}
}

// WithLogger sets the logger for refresh lifecycle events.
func WithLogger(log zerolog.Logger) RefresherOption {
	return func(r *Refresher) {
		r.log = log
	}
}

// NewRefresher initializes a Refresher calling refreshURL with the current
// refresh token.
func NewRefresher(state *State, store *credentials.Store, refreshURL string, options ...RefresherOption) (*Refresher, error) {
	if state == nil {
		return nil, errors.New("[NewRefresher] state is required")
	}
	if store == nil {
		return nil, errors.New("[NewRefresher] store is required")
	}
	if refreshURL == "" {
		return nil, errors.New("[NewRefresher] refreshURL is required")
	}

	refresher := &Refresher{
		state:   state,
		store:   store,
		url:     refreshURL,
		timeout: defaultRefreshTimeout,
		decode:  decodeTokenResponse,
		log:     zerolog.Nop(),
	}

	for _, opt := range options {
		opt(refresher)
	}

	if refresher.client == nil {
		client, err := retry.NewBackgroundClient()
		if err != nil {
			return nil, errors.Wrap(err, "[NewRefresher] create retry client")
		}
		refresher.client = client
	}

	return refresher, nil
}

// Refresh obtains a new access token using the stored refresh token. If a
// refresh is already in flight the caller awaits that operation instead of
// starting another. On success the session state and credential store hold
// the new tokens. On failure the session has been logged out, storage
// cleared, and ErrRefreshFailed (or ErrNoRefreshToken) is returned to every
// waiting caller.
func (r *Refresher) Refresh(ctx context.Context) error {
	ch := r.group.DoChan(refreshKey, func() (interface{}, error) {
		return nil, r.doRefresh()
	})
	select {
	case res := <-ch:
		if res.Shared {
			r.log.Debug().Msg("session: joined in-flight refresh")
		}
		return res.Err
	case <-ctx.Done():
		// The shared operation keeps running for the other waiters.
		return ctx.Err()
	}
}

// doRefresh runs detached from any caller context: a single cancelled
// request must not fail the refresh that every other waiter shares. The
// timeout bounds it instead.
func (r *Refresher) doRefresh() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	refreshToken := r.state.RefreshToken()
	if refreshToken == "" {
		// Cold-start race: state may not be hydrated yet.
		refreshToken = r.store.Load(ctx).RefreshToken
	}
	if refreshToken == "" {
		r.log.Info().Msg("session: no refresh token, logging out")
		r.fail(ctx)
		return ErrNoRefreshToken
	}

	accessToken, newRefreshToken, err := r.callRefreshEndpoint(ctx, refreshToken)
	if err != nil {
		r.log.Info().Err(err).Msg("session: refresh failed, logging out")
		r.fail(ctx)
		return errors.Wrap(ErrRefreshFailed, err.Error())
	}

	// Rotation is optional server behavior: an empty refresh token in the
	// response preserves the current one.
	r.state.SetCredentials(r.state.User(), accessToken, newRefreshToken)
	if newRefreshToken == "" {
		newRefreshToken = refreshToken
	}
	r.store.Save(ctx, accessToken, newRefreshToken)

	r.log.Debug().Msg("session: refresh succeeded")
	return nil
}

func (r *Refresher) callRefreshEndpoint(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return "", "", errors.Wrap(err, "[Refresher.callRefreshEndpoint] marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return "", "", errors.Wrap(err, "[Refresher.callRefreshEndpoint] create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return "", "", errors.Wrap(err, "[Refresher.callRefreshEndpoint] request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", errors.Wrap(err, "[Refresher.callRefreshEndpoint] read response")
	}

	if resp.StatusCode != http.StatusOK {
		return "", "", errors.Errorf("[Refresher.callRefreshEndpoint] refresh rejected with status %d", resp.StatusCode)
	}

	accessToken, newRefreshToken, err := r.decode(respBody)
	if err != nil {
		return "", "", errors.Wrap(err, "[Refresher.callRefreshEndpoint] decode response")
	}
	if accessToken == "" {
		return "", "", errors.New("[Refresher.callRefreshEndpoint] no access token in response")
	}

	return accessToken, newRefreshToken, nil
}

// fail drives the terminal refresh-failure path: the whole session is
// broken, so the UI must observe isAuthenticated == false promptly.
func (r *Refresher) fail(ctx context.Context) {
	r.state.Logout()
	r.store.Clear(ctx)
}

func decodeTokenResponse(body []byte) (string, string, error) {
	payload, err := envelope.DecodeTokenPayload(body)
	if err != nil {
		return "", "", err
	}
	return payload.Access(), payload.RefreshToken, nil
}

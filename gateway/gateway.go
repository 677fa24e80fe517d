// Package gateway wraps every outbound API call: it attaches the current
// access token, detects authorization failure, coordinates exactly one
// refresh through the shared session refresher, and replays the failed
// request once with the new credential.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/internal/envelope"
	"github.com/kora-live/kora-go/session"
)

const defaultRequestTimeout = 15 * time.Second

// Doer executes an HTTP request. Satisfied by *retry.Client.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Refresher coordinates the process-wide single-flight token refresh.
// Satisfied by *session.Refresher.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Gateway is the authenticated request layer. It is transparent for every
// outcome except a 401: other 4xx/5xx responses propagate to the caller
// as-is.
type Gateway struct {
	baseURL   string
	state     *session.State
	store     *credentials.Store
	refresher Refresher
	client    Doer
	timeout   time.Duration
	log       zerolog.Logger
}

// Option defines a function type to modify the Gateway instance.
type Option func(*Gateway)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(client Doer) Option {
	return func(g *Gateway) {
		g.client = client
	}
}

// WithRequestTimeout sets the per-request timeout.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		g.timeout = timeout
	}
}

// WithLogger sets the logger for request lifecycle events.
func WithLogger(log zerolog.Logger) Option {
	return func(g *Gateway) {
		g.log = log
	}
}

// New initializes a Gateway for the API at baseURL.
func New(baseURL string, state *session.State, store *credentials.Store, refresher Refresher, options ...Option) (*Gateway, error) {
	if baseURL == "" {
		return nil, errors.New("[gateway.New] baseURL is required")
	}
	if state == nil {
		return nil, errors.New("[gateway.New] state is required")
	}
	if store == nil {
		return nil, errors.New("[gateway.New] store is required")
	}
	if refresher == nil {
		return nil, errors.New("[gateway.New] refresher is required")
	}

	gw := &Gateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		state:     state,
		store:     store,
		refresher: refresher,
		timeout:   defaultRequestTimeout,
		log:       zerolog.Nop(),
	}

	for _, opt := range options {
		opt(gw)
	}

	if gw.client == nil {
		client, err := retry.NewBackgroundClient()
		if err != nil {
			return nil, errors.Wrap(err, "[gateway.New] create retry client")
		}
		gw.client = client
	}

	return gw, nil
}

// Do dispatches an authenticated request and decodes the 2xx response body
// into out (out may be nil). On a 401 it awaits the shared refresh and
// replays the request exactly once; a second 401 is terminal for this
// request only and does not start another refresh cycle. When the refresh
// itself fails, the session has been logged out and the ORIGINAL
// authorization failure is returned, not a masked error.
func (g *Gateway) Do(ctx context.Context, method, path string, body, out any) error {
	result, err := g.dispatch(ctx, method, path, body, true)
	if err != nil {
		return err
	}
	if result.status != http.StatusUnauthorized {
		return g.finish(result, out)
	}

	original := &APIError{StatusCode: result.status, Body: result.body}
	g.log.Debug().Str("path", path).Msg("gateway: 401, awaiting refresh")

	if err := g.refresher.Refresh(ctx); err != nil {
		return original
	}

	replay, err := g.dispatch(ctx, method, path, body, true)
	if err != nil {
		return err
	}
	return g.finish(replay, out)
}

// Get issues an authenticated GET.
func (g *Gateway) Get(ctx context.Context, path string, out any) error {
	return g.Do(ctx, http.MethodGet, path, nil, out)
}

// Post issues an authenticated POST with a JSON body.
func (g *Gateway) Post(ctx context.Context, path string, body, out any) error {
	return g.Do(ctx, http.MethodPost, path, body, out)
}

// Delete issues an authenticated DELETE.
func (g *Gateway) Delete(ctx context.Context, path string, out any) error {
	return g.Do(ctx, http.MethodDelete, path, nil, out)
}

type httpResult struct {
	status int
	body   []byte
}

// dispatch builds and executes a single attempt. The body is re-marshalled
// per attempt so a replay never reuses a consumed reader.
func (g *Gateway) dispatch(ctx context.Context, method, path string, body any, withAuth bool) (*httpResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "[Gateway.dispatch] marshal body")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, g.baseURL+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.dispatch] create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-ID", uuid.NewString())

	if withAuth {
		if token := g.accessToken(reqCtx); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := g.client.DoWithContext(reqCtx, req)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.dispatch] request failed")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "[Gateway.dispatch] read response")
	}

	return &httpResult{status: resp.StatusCode, body: respBody}, nil
}

// accessToken reads the bearer token from session state, falling back to
// the credential store for the cold-start race where the first request
// fires before restoration has hydrated the state.
func (g *Gateway) accessToken(ctx context.Context) string {
	if token := g.state.AccessToken(); token != "" {
		return token
	}
	return g.store.Load(ctx).AccessToken
}

func (g *Gateway) finish(result *httpResult, out any) error {
	if result.status < 200 || result.status > 299 {
		return &APIError{StatusCode: result.status, Body: result.body}
	}
	if out == nil || len(result.body) == 0 {
		return nil
	}
	if err := envelope.Unmarshal(result.body, out); err != nil {
		return errors.Wrap(err, "[Gateway.finish] decode response")
	}
	return nil
}

package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/credentials/kvfake"
	"github.com/kora-live/kora-go/session"
	"github.com/kora-live/kora-go/users"
)

// httpDoer adapts *http.Client to the Doer interface used in production by
// the retrying client.
type httpDoer struct {
	client *http.Client
}

func (d httpDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(ctx))
}

type refreshBackend struct {
	calls    atomic.Int32
	delay    time.Duration
	status   int
	response map[string]string
	lastBody map[string]string
	lock     sync.Mutex
}

func (b *refreshBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b.calls.Add(1)
		if b.delay > 0 {
			time.Sleep(b.delay)
		}

		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.lock.Lock()
		b.lastBody = body
		b.lock.Unlock()

		if b.status != 0 && b.status != http.StatusOK {
			w.WriteHeader(b.status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(b.response)
	}
}

func (b *refreshBackend) sentRefreshToken() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.lastBody["refreshToken"]
}

type refresherFixture struct {
	state     *session.State
	store     *credentials.Store
	kv        *kvfake.FakeKeyValue
	backend   *refreshBackend
	refresher *session.Refresher
}

func setupRefresherFixture(t *testing.T, backend *refreshBackend, options ...session.RefresherOption) *refresherFixture {
	t.Helper()

	server := httptest.NewServer(backend.handler())
	t.Cleanup(server.Close)

	kv := kvfake.NewFakeKeyValue()
	store, err := credentials.NewStore(kv)
	require.NoError(t, err)
	state := session.NewState()

	options = append([]session.RefresherOption{
		session.WithHTTPClient(httpDoer{client: server.Client()}),
	}, options...)
	refresher, err := session.NewRefresher(state, store, server.URL+"/auth/refresh", options...)
	require.NoError(t, err)

	return &refresherFixture{
		state:     state,
		store:     store,
		kv:        kv,
		backend:   backend,
		refresher: refresher,
	}
}

func TestRefreshReplacesAccessTokenAndPreservesRefreshToken(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		response: map[string]string{"accessToken": "A2"},
	})
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	require.NoError(t, f.refresher.Refresh(context.Background()))

	require.Equal(t, "A2", f.state.AccessToken())
	require.Equal(t, "R1", f.state.RefreshToken())
	require.Equal(t, "R1", f.backend.sentRefreshToken())
	require.Equal(t, "u1", f.state.User().ID)

	cred := f.store.Load(context.Background())
	require.Equal(t, "A2", cred.AccessToken)
	require.Equal(t, "R1", cred.RefreshToken)
}

func TestRefreshAdoptsRotatedRefreshToken(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		response: map[string]string{"accessToken": "A2", "refreshToken": "R2"},
	})
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	require.NoError(t, f.refresher.Refresh(context.Background()))

	require.Equal(t, "R2", f.state.RefreshToken())
	require.Equal(t, "R2", f.store.Load(context.Background()).RefreshToken)
}

func TestRefreshIsSingleFlight(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		delay:    50 * time.Millisecond,
		response: map[string]string{"accessToken": "A2"},
	})
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	const callers = 8
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = f.refresher.Refresh(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.Equal(t, int32(1), f.backend.calls.Load())
	require.Equal(t, "A2", f.state.AccessToken())
}

func TestRefreshFailureLogsOutAndClearsStorage(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{status: http.StatusUnauthorized})
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")
	f.store.Save(context.Background(), "A1", "R1")

	err := f.refresher.Refresh(context.Background())

	require.ErrorIs(t, err, session.ErrRefreshFailed)
	require.False(t, f.state.IsAuthenticated())
	require.Nil(t, f.state.User())
	require.True(t, f.store.Load(context.Background()).IsZero())
}

func TestRefreshWithoutRefreshTokenFails(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		response: map[string]string{"accessToken": "A2"},
	})

	err := f.refresher.Refresh(context.Background())

	require.ErrorIs(t, err, session.ErrNoRefreshToken)
	require.False(t, f.state.IsAuthenticated())
	require.Equal(t, int32(0), f.backend.calls.Load())
}

func TestRefreshFallsBackToStoredRefreshToken(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		response: map[string]string{"accessToken": "A2"},
	})
	// State not hydrated yet, but storage has a credential.
	f.store.Save(context.Background(), "A1", "R1")

	require.NoError(t, f.refresher.Refresh(context.Background()))

	require.Equal(t, "R1", f.backend.sentRefreshToken())
	require.Equal(t, "A2", f.state.AccessToken())
}

func TestRefreshTimesOut(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		delay:    300 * time.Millisecond,
		response: map[string]string{"accessToken": "A2"},
	}, session.WithTimeout(50*time.Millisecond))
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	err := f.refresher.Refresh(context.Background())

	require.ErrorIs(t, err, session.ErrRefreshFailed)
	require.False(t, f.state.IsAuthenticated())
}

func TestCancelledWaiterDoesNotFailTheSharedRefresh(t *testing.T) {
	f := setupRefresherFixture(t, &refreshBackend{
		delay:    100 * time.Millisecond,
		response: map[string]string{"accessToken": "A2"},
	})
	f.state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.refresher.Refresh(ctx) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)

	// The operation itself completed for everyone else.
	require.Eventually(t, func() bool {
		return f.state.AccessToken() == "A2"
	}, time.Second, 10*time.Millisecond)
}

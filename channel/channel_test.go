package channel_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/require"

	"github.com/kora-live/kora-go/channel"
	"github.com/kora-live/kora-go/credentials"
	"github.com/kora-live/kora-go/credentials/kvfake"
	"github.com/kora-live/kora-go/session"
	"github.com/kora-live/kora-go/users"
)

// fakeConn is a scriptable realtime connection: the test injects incoming
// events and observes written frames.
type fakeConn struct {
	incoming chan channel.Event
	written  chan channel.Event
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan channel.Event, 32),
		written:  make(chan channel.Event, 32),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadEvent() (channel.Event, error) {
	select {
	case event, ok := <-c.incoming:
		if !ok {
			return channel.Event{}, io.EOF
		}
		return event, nil
	case <-c.closed:
		return channel.Event{}, io.EOF
	}
}

func (c *fakeConn) WriteEvent(event channel.Event) error {
	select {
	case c.written <- event:
	default:
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// drop simulates a transport failure: the read loop sees EOF.
func (c *fakeConn) drop() {
	_ = c.Close()
}

func (c *fakeConn) awaitWritten(t *testing.T) channel.Event {
	t.Helper()
	select {
	case event := <-c.written:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a written frame")
		return channel.Event{}
	}
}

// fakeDialer hands out fakeConns, optionally failing scripted attempts
// first, and records every dial URL.
type fakeDialer struct {
	lock     sync.Mutex
	failures []error // consumed one per dial before connections succeed
	urls     []string
	conns    chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan *fakeConn, 8)}
}

func (d *fakeDialer) fail(errs ...error) {
	d.lock.Lock()
	defer d.lock.Unlock()
	d.failures = append(d.failures, errs...)
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string) (channel.Conn, error) {
	d.lock.Lock()
	d.urls = append(d.urls, rawURL)
	if len(d.failures) > 0 {
		err := d.failures[0]
		d.failures = d.failures[1:]
		d.lock.Unlock()
		return nil, err
	}
	d.lock.Unlock()

	conn := newFakeConn()
	d.conns <- conn
	return conn, nil
}

func (d *fakeDialer) lastURL(t *testing.T) string {
	t.Helper()
	d.lock.Lock()
	defer d.lock.Unlock()
	require.NotEmpty(t, d.urls)
	return d.urls[len(d.urls)-1]
}

func (d *fakeDialer) awaitConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case conn := <-d.conns:
		return conn
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for a connection")
		return nil
	}
}

type fakeRefresher struct {
	calls atomic.Int32
	fn    func() error
}

func (r *fakeRefresher) Refresh(context.Context) error {
	r.calls.Add(1)
	if r.fn != nil {
		return r.fn()
	}
	return nil
}

func testBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

type channelFixture struct {
	state     *session.State
	dialer    *fakeDialer
	refresher *fakeRefresher
	channel   *channel.Channel
}

func setupChannelFixture(t *testing.T, options ...channel.ChannelOption) *channelFixture {
	t.Helper()

	state := session.NewState()
	state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")
	dialer := newFakeDialer()
	refresher := &fakeRefresher{}

	options = append([]channel.ChannelOption{
		channel.WithDialer(dialer),
		channel.WithBackOff(testBackOff),
	}, options...)
	ch, err := channel.New("ws://kora.test/ws", state, refresher, options...)
	require.NoError(t, err)
	t.Cleanup(ch.Close)

	return &channelFixture{
		state:     state,
		dialer:    dialer,
		refresher: refresher,
		channel:   ch,
	}
}

func tokenOf(t *testing.T, rawURL string) string {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestDialCarriesCurrentAccessToken(t *testing.T) {
	f := setupChannelFixture(t)

	f.channel.Connect(context.Background())
	f.dialer.awaitConn(t)

	require.Equal(t, "A1", tokenOf(t, f.dialer.lastURL(t)))
	require.Equal(t, channel.StatusConnected, f.channel.Status())
}

func TestHandshakeUnauthorizedTriggersRefreshAndRedial(t *testing.T) {
	f := setupChannelFixture(t)
	f.refresher.fn = func() error {
		f.state.SetCredentials(f.state.User(), "A2", "")
		return nil
	}
	f.dialer.fail(channel.ErrHandshakeUnauthorized)

	f.channel.Connect(context.Background())
	f.dialer.awaitConn(t)

	require.Equal(t, int32(1), f.refresher.calls.Load())
	// The redial used the refreshed token, not a stale copy.
	require.Equal(t, "A2", tokenOf(t, f.dialer.lastURL(t)))
}

func TestAuthErrorEventTriggersRefreshAndRedial(t *testing.T) {
	f := setupChannelFixture(t)
	f.refresher.fn = func() error {
		f.state.SetCredentials(f.state.User(), "A2", "")
		return nil
	}

	f.channel.Connect(context.Background())
	first := f.dialer.awaitConn(t)
	first.incoming <- channel.Event{Name: channel.EventAuthError}

	f.dialer.awaitConn(t)
	require.Equal(t, int32(1), f.refresher.calls.Load())
	require.Equal(t, "A2", tokenOf(t, f.dialer.lastURL(t)))
}

func TestRefreshFailureStopsTheChannel(t *testing.T) {
	f := setupChannelFixture(t)
	f.refresher.fn = func() error {
		f.state.Logout()
		return session.ErrRefreshFailed
	}
	f.dialer.fail(channel.ErrHandshakeUnauthorized)

	f.channel.Connect(context.Background())

	require.Eventually(t, func() bool {
		return f.refresher.calls.Load() == 1 && f.channel.Status() == channel.StatusDisconnected
	}, time.Second, 5*time.Millisecond)
}

func TestTransientDialFailureRetriesWithoutRefresh(t *testing.T) {
	f := setupChannelFixture(t)
	f.dialer.fail(io.ErrUnexpectedEOF, io.ErrUnexpectedEOF)

	f.channel.Connect(context.Background())
	f.dialer.awaitConn(t)

	require.Equal(t, int32(0), f.refresher.calls.Load())
	require.Equal(t, channel.StatusConnected, f.channel.Status())
}

func TestJoinIsIdempotentAtTheChannelLevel(t *testing.T) {
	f := setupChannelFixture(t)
	f.channel.Connect(context.Background())
	conn := f.dialer.awaitConn(t)

	first, err := f.channel.Join("room-1")
	require.NoError(t, err)
	defer first.Close()
	second, err := f.channel.Join("room-1")
	require.NoError(t, err)
	defer second.Close()

	join := conn.awaitWritten(t)
	require.Equal(t, channel.EventJoinRoom, join.Name)
	require.Equal(t, "room-1", join.Room)

	// The second Join added a subscriber without re-emitting the intent.
	select {
	case extra := <-conn.written:
		t.Fatalf("unexpected extra frame: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomEventsAreDeliveredInOrderToEverySubscriber(t *testing.T) {
	f := setupChannelFixture(t)
	f.channel.Connect(context.Background())
	conn := f.dialer.awaitConn(t)

	first, err := f.channel.Join("room-1")
	require.NoError(t, err)
	defer first.Close()
	second, err := f.channel.Join("room-1")
	require.NoError(t, err)
	defer second.Close()

	const count = 10
	for i := 0; i < count; i++ {
		data, _ := json.Marshal(map[string]int{"seq": i})
		conn.incoming <- channel.Event{
			Name: channel.EventDebateStateChanged,
			Room: "room-1",
			Data: data,
		}
	}
	// An event for a room nobody joined is ignored.
	conn.incoming <- channel.Event{Name: channel.EventDebateEnded, Room: "room-2"}

	for _, sub := range []*channel.Subscription{first, second} {
		for i := 0; i < count; i++ {
			select {
			case event := <-sub.Events():
				require.Contains(t, string(event.Data), fmt.Sprintf(`"seq":%d`, i))
			case <-time.After(time.Second):
				t.Fatalf("subscriber starved at event %d", i)
			}
		}
	}
}

func TestLastSubscriberCloseEmitsLeave(t *testing.T) {
	f := setupChannelFixture(t)
	f.channel.Connect(context.Background())
	conn := f.dialer.awaitConn(t)

	first, err := f.channel.Join("room-1")
	require.NoError(t, err)
	second, err := f.channel.Join("room-1")
	require.NoError(t, err)
	require.Equal(t, channel.EventJoinRoom, conn.awaitWritten(t).Name)

	first.Close()
	select {
	case extra := <-conn.written:
		t.Fatalf("leave emitted while a subscriber remained: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	second.Close()
	leave := conn.awaitWritten(t)
	require.Equal(t, channel.EventLeaveRoom, leave.Name)
	require.Equal(t, "room-1", leave.Room)

	_, ok := <-second.Events()
	require.False(t, ok)
}

func TestRoomsAreRejoinedAfterReconnect(t *testing.T) {
	f := setupChannelFixture(t)
	f.channel.Connect(context.Background())
	first := f.dialer.awaitConn(t)

	sub, err := f.channel.Join("room-1")
	require.NoError(t, err)
	defer sub.Close()
	require.Equal(t, channel.EventJoinRoom, first.awaitWritten(t).Name)

	first.drop()

	second := f.dialer.awaitConn(t)
	rejoin := second.awaitWritten(t)
	require.Equal(t, channel.EventJoinRoom, rejoin.Name)
	require.Equal(t, "room-1", rejoin.Room)

	// Events on the new connection still reach the old subscription.
	second.incoming <- channel.Event{Name: channel.EventParticipantJoined, Room: "room-1"}
	select {
	case event := <-sub.Events():
		require.Equal(t, channel.EventParticipantJoined, event.Name)
	case <-time.After(time.Second):
		t.Fatal("event lost across reconnect")
	}
}

func TestStatusCallbackSignalsReconnect(t *testing.T) {
	var transitions []channel.Status
	var lock sync.Mutex
	f := setupChannelFixture(t, channel.WithStatusFunc(func(status channel.Status) {
		lock.Lock()
		transitions = append(transitions, status)
		lock.Unlock()
	}))

	f.channel.Connect(context.Background())
	conn := f.dialer.awaitConn(t)
	conn.drop()
	f.dialer.awaitConn(t)

	require.Eventually(t, func() bool {
		lock.Lock()
		defer lock.Unlock()
		connects := 0
		for _, status := range transitions {
			if status == channel.StatusConnected {
				connects++
			}
		}
		return connects >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestCloseEndsSubscriptions(t *testing.T) {
	f := setupChannelFixture(t)
	f.channel.Connect(context.Background())
	f.dialer.awaitConn(t)

	sub, err := f.channel.Join("room-1")
	require.NoError(t, err)

	f.channel.Close()

	_, ok := <-sub.Events()
	require.False(t, ok)
	require.Equal(t, channel.StatusDisconnected, f.channel.Status())
}

// TestChannelSharesRefreshWithGateway exercises the real refresher: the
// channel's auth failure and a concurrent REST-side refresh coalesce into a
// single call to the refresh endpoint.
func TestChannelSharesRefreshWithGateway(t *testing.T) {
	var refreshCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/auth/refresh") {
			http.NotFound(w, r)
			return
		}
		refreshCalls.Add(1)
		time.Sleep(50 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"accessToken": "A2"})
	}))
	defer server.Close()

	kv := kvfake.NewFakeKeyValue()
	store, err := credentials.NewStore(kv)
	require.NoError(t, err)
	state := session.NewState()
	state.SetCredentials(&users.User{ID: "u1"}, "A1", "R1")

	refresher, err := session.NewRefresher(state, store, server.URL+"/auth/refresh",
		session.WithHTTPClient(httpDoer{client: server.Client()}))
	require.NoError(t, err)

	dialer := newFakeDialer()
	dialer.fail(channel.ErrHandshakeUnauthorized)
	ch, err := channel.New("ws://kora.test/ws", state, refresher,
		channel.WithDialer(dialer),
		channel.WithBackOff(testBackOff))
	require.NoError(t, err)
	defer ch.Close()

	// The gateway side hits a 401 at the same moment the handshake fails.
	done := make(chan error, 1)
	go func() { done <- refresher.Refresh(context.Background()) }()
	ch.Connect(context.Background())

	require.NoError(t, <-done)
	dialer.awaitConn(t)
	require.Equal(t, int32(1), refreshCalls.Load())
	require.Equal(t, "A2", tokenOf(t, dialer.lastURL(t)))
}

type httpDoer struct {
	client *http.Client
}

func (d httpDoer) DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error) {
	return d.client.Do(req.WithContext(ctx))
}

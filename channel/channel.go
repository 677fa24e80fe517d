// Package channel maintains the persistent realtime connection for
// server-pushed room events. It authenticates with the same access token as
// the request gateway and routes authentication failures through the same
// shared refresh coordination, so a REST 401 and a socket auth error racing
// each other still produce exactly one refresh call.
package channel

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/kora-live/kora-go/session"
)

const defaultSubscriptionBuffer = 64

// errAuthExpired signals the run loop that the server invalidated the
// connection credential mid-session.
var errAuthExpired = errors.New("authentication expired")

// Status is the connection state visible to callers.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Refresher coordinates the process-wide single-flight token refresh.
// Satisfied by *session.Refresher; the SAME instance the gateway uses.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Channel is the realtime session connection. Events for a given room are
// delivered to that room's subscribers in the order received from the
// network. Events buffered server-side during a reconnection gap are NOT
// replayed; callers should treat a transition back to StatusConnected as a
// signal to re-fetch authoritative state through the gateway.
type Channel struct {
	url        string
	state      *session.State
	refresher  Refresher
	dialer     Dialer
	log        zerolog.Logger
	newBackOff func() backoff.BackOff
	onStatus   func(Status)
	subBuffer  int

	lock    sync.Mutex
	status  Status
	conn    Conn
	rooms   map[string]*room
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

type room struct {
	id   string
	subs map[string]*Subscription
}

// ChannelOption defines a function type to modify the Channel instance.
type ChannelOption func(*Channel)

// WithDialer overrides the connection dialer.
func WithDialer(dialer Dialer) ChannelOption {
	return func(c *Channel) {
		c.dialer = dialer
	}
}

// WithLogger sets the logger for connection lifecycle events.
func WithLogger(log zerolog.Logger) ChannelOption {
	return func(c *Channel) {
		c.log = log
	}
}

// WithBackOff overrides the reconnection backoff schedule. The factory is
// invoked once per connection loop.
func WithBackOff(factory func() backoff.BackOff) ChannelOption {
	return func(c *Channel) {
		c.newBackOff = factory
	}
}

// WithStatusFunc registers a callback invoked on every status transition.
func WithStatusFunc(fn func(Status)) ChannelOption {
	return func(c *Channel) {
		c.onStatus = fn
	}
}

// WithSubscriptionBuffer sets the per-subscription event buffer size.
func WithSubscriptionBuffer(size int) ChannelOption {
	return func(c *Channel) {
		c.subBuffer = size
	}
}

// New initializes a Channel for the realtime server at socketURL. The
// access token is appended at dial time, re-read from state on every
// attempt so a completed refresh is always picked up.
func New(socketURL string, state *session.State, refresher Refresher, options ...ChannelOption) (*Channel, error) {
	if socketURL == "" {
		return nil, errors.New("[channel.New] socketURL is required")
	}
	if state == nil {
		return nil, errors.New("[channel.New] state is required")
	}
	if refresher == nil {
		return nil, errors.New("[channel.New] refresher is required")
	}

	ch := &Channel{
		url:        socketURL,
		state:      state,
		refresher:  refresher,
		dialer:     NewWebsocketDialer(),
		log:        zerolog.Nop(),
		newBackOff: defaultBackOff,
		subBuffer:  defaultSubscriptionBuffer,
		rooms:      make(map[string]*room),
		done:       make(chan struct{}),
	}

	for _, opt := range options {
		opt(ch)
	}

	return ch, nil
}

// Connect starts the connection loop. Idempotent; the loop runs until
// Close or until a refresh failure ends the session.
func (c *Channel) Connect(ctx context.Context) {
	c.lock.Lock()
	if c.started {
		c.lock.Unlock()
		return
	}
	c.started = true
	c.lock.Unlock()

	c.wg.Add(1)
	go c.run(ctx)
}

// Status returns the current connection status.
func (c *Channel) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.status
}

// Join subscribes to a room's events and emits the join intent. Joining a
// room that is already joined adds a subscriber without re-emitting the
// intent, so redundant calls never error. The returned Subscription must be
// closed by the caller on teardown.
func (c *Channel) Join(roomID string) (*Subscription, error) {
	if roomID == "" {
		return nil, errors.New("[Channel.Join] roomID is required")
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	rm, ok := c.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, subs: make(map[string]*Subscription)}
		c.rooms[roomID] = rm
		if c.conn != nil && c.status == StatusConnected {
			if err := c.conn.WriteEvent(Event{Name: EventJoinRoom, Room: roomID}); err != nil {
				// The read loop will notice the broken connection; the
				// join is re-emitted after reconnecting.
				c.log.Warn().Err(err).Str("room", roomID).Msg("channel: join emit failed")
			}
		}
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		roomID: roomID,
		events: make(chan Event, c.subBuffer),
	}
	sub.release = func() { c.release(roomID, sub.id) }
	rm.subs[sub.id] = sub
	return sub, nil
}

// Leave closes all of a room's subscriptions and emits the leave intent.
// The underlying connection stays open for other rooms.
func (c *Channel) Leave(roomID string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rm, ok := c.rooms[roomID]
	if !ok {
		return
	}
	for _, sub := range rm.subs {
		close(sub.events)
	}
	delete(c.rooms, roomID)
	c.emitLeaveLocked(roomID)
}

// Close tears the channel down: all subscriptions end and the connection
// loop stops. The channel cannot be reused afterwards.
func (c *Channel) Close() {
	c.lock.Lock()
	select {
	case <-c.done:
		c.lock.Unlock()
		return
	default:
	}
	close(c.done)
	conn := c.conn
	c.conn = nil
	for _, rm := range c.rooms {
		for _, sub := range rm.subs {
			close(sub.events)
		}
	}
	c.rooms = make(map[string]*room)
	started := c.started
	c.lock.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if started {
		c.wg.Wait()
	}
	c.setStatus(StatusDisconnected)
}

// run is the connection loop: dial, pump events, reconnect with backoff on
// transient failure, and coordinate a shared refresh on auth failure.
func (c *Channel) run(ctx context.Context) {
	defer c.wg.Done()
	defer c.setStatus(StatusDisconnected)

	bo := c.newBackOff()
	for {
		if c.closed(ctx) {
			return
		}
		c.setStatus(StatusConnecting)

		conn, err := c.dial(ctx)
		if errors.Is(err, ErrHandshakeUnauthorized) {
			c.log.Info().Msg("channel: handshake unauthorized, awaiting refresh")
			if rerr := c.refresher.Refresh(ctx); rerr != nil {
				// Refresh failure has already logged the session out; the
				// UI reacts to that, not to the channel.
				c.log.Info().Err(rerr).Msg("channel: refresh failed, giving up")
				return
			}
			continue
		}
		if err != nil {
			c.log.Debug().Err(err).Msg("channel: dial failed")
			if !c.sleep(ctx, bo.NextBackOff()) {
				return
			}
			continue
		}

		bo.Reset()
		c.setConn(conn)
		c.setStatus(StatusConnected)
		c.rejoinRooms(conn)

		err = c.readLoop(conn)
		c.setConn(nil)
		_ = conn.Close()

		if c.closed(ctx) {
			return
		}
		if errors.Is(err, errAuthExpired) {
			c.log.Info().Msg("channel: auth expired mid-connection, awaiting refresh")
			if rerr := c.refresher.Refresh(ctx); rerr != nil {
				c.log.Info().Err(rerr).Msg("channel: refresh failed, giving up")
				return
			}
			continue
		}

		c.log.Debug().Err(err).Msg("channel: connection dropped, reconnecting")
		if !c.sleep(ctx, bo.NextBackOff()) {
			return
		}
	}
}

// dial re-reads the access token from session state on every attempt: the
// channel never holds a credential copy that could go stale across a
// refresh.
func (c *Channel) dial(ctx context.Context) (Conn, error) {
	token := c.state.AccessToken()
	sep := "?"
	if strings.Contains(c.url, "?") {
		sep = "&"
	}
	return c.dialer.Dial(ctx, c.url+sep+"token="+url.QueryEscape(token))
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		event, err := conn.ReadEvent()
		if err != nil {
			return err
		}
		if event.Name == EventAuthError {
			return errAuthExpired
		}
		c.dispatch(event)
	}
}

// dispatch fans an event out to the room's subscribers. A single reader
// goroutine delivers sequentially, which preserves per-room ordering. A
// subscriber that stopped draining has its oldest events dropped rather
// than stalling every other room.
func (c *Channel) dispatch(event Event) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rm, ok := c.rooms[event.Room]
	if !ok {
		return
	}
	for _, sub := range rm.subs {
		select {
		case sub.events <- event:
		default:
			c.log.Warn().Str("room", event.Room).Str("event", event.Name).Msg("channel: subscriber buffer full, dropping event")
		}
	}
}

// rejoinRooms re-emits join intents after a reconnect so the server re-adds
// this client to every room it was in before the drop.
func (c *Channel) rejoinRooms(conn Conn) {
	c.lock.Lock()
	roomIDs := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		roomIDs = append(roomIDs, id)
	}
	c.lock.Unlock()

	for _, id := range roomIDs {
		if err := conn.WriteEvent(Event{Name: EventJoinRoom, Room: id}); err != nil {
			c.log.Warn().Err(err).Str("room", id).Msg("channel: rejoin emit failed")
			return
		}
	}
}

func (c *Channel) release(roomID, subID string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	rm, ok := c.rooms[roomID]
	if !ok {
		return
	}
	sub, ok := rm.subs[subID]
	if !ok {
		return
	}
	delete(rm.subs, subID)
	close(sub.events)
	if len(rm.subs) == 0 {
		delete(c.rooms, roomID)
		c.emitLeaveLocked(roomID)
	}
}

func (c *Channel) emitLeaveLocked(roomID string) {
	if c.conn != nil && c.status == StatusConnected {
		if err := c.conn.WriteEvent(Event{Name: EventLeaveRoom, Room: roomID}); err != nil {
			c.log.Warn().Err(err).Str("room", roomID).Msg("channel: leave emit failed")
		}
	}
}

func (c *Channel) setConn(conn Conn) {
	c.lock.Lock()
	c.conn = conn
	c.lock.Unlock()
}

func (c *Channel) setStatus(status Status) {
	c.lock.Lock()
	if c.status == status {
		c.lock.Unlock()
		return
	}
	c.status = status
	fn := c.onStatus
	c.lock.Unlock()

	if fn != nil {
		fn(status)
	}
}

func (c *Channel) closed(ctx context.Context) bool {
	select {
	case <-c.done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

func (c *Channel) sleep(ctx context.Context, d time.Duration) bool {
	if d == backoff.Stop {
		return false
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func defaultBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry until the channel is closed
	return bo
}

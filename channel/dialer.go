package channel

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/websocket"
)

// ErrHandshakeUnauthorized reports that the realtime server rejected the
// connection credential during the handshake.
var ErrHandshakeUnauthorized = errors.New("handshake rejected: unauthorized")

// Conn is a single established realtime connection.
type Conn interface {
	ReadEvent() (Event, error)
	WriteEvent(Event) error
	Close() error
}

// Dialer establishes a connection to the given URL, which carries the
// access token as a query parameter. Injectable so tests can script the
// server side.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebsocketDialer is the production Dialer.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

var _ Dialer = (*WebsocketDialer)(nil)

// NewWebsocketDialer returns a Dialer using the default websocket settings.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{dialer: websocket.DefaultDialer}
}

// Dial opens the connection, mapping an auth rejection of the handshake to
// ErrHandshakeUnauthorized.
func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrHandshakeUnauthorized
		}
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) ReadEvent() (Event, error) {
	var event Event
	if err := c.conn.ReadJSON(&event); err != nil {
		return Event{}, err
	}
	return event, nil
}

func (c *websocketConn) WriteEvent(event Event) error {
	return c.conn.WriteJSON(event)
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}

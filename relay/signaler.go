package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one established signaling connection to the relay.
type Conn interface {
	Send(envelope Envelope) error
	Receive() (Envelope, error)
	Close() error
}

// Signaler establishes signaling connections. The websocket implementation
// is the production one; tests inject in-process fakes.
type Signaler interface {
	Connect(ctx context.Context) (Conn, error)
}

// WebsocketSignaler dials a relay over websocket.
type WebsocketSignaler struct {
	URL    string
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketSignaler creates a signaler for the given relay URL.
func NewWebsocketSignaler(url string) *WebsocketSignaler {
	return &WebsocketSignaler{
		URL: url,
		Dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
}

// Connect dials the relay.
func (s *WebsocketSignaler) Connect(ctx context.Context) (Conn, error) {
	dialer := s.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, _, err := dialer.DialContext(ctx, s.URL, s.Header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", s.URL, err)
	}
	return &websocketConn{conn: conn}, nil
}

// websocketConn serializes writes; gorilla/websocket allows one concurrent
// writer only.
type websocketConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *websocketConn) Send(envelope Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(envelope); err != nil {
		return fmt.Errorf("write signaling envelope: %w", err)
	}
	return nil
}

func (c *websocketConn) Receive() (Envelope, error) {
	var envelope Envelope
	if err := c.conn.ReadJSON(&envelope); err != nil {
		return Envelope{}, fmt.Errorf("read signaling envelope: %w", err)
	}
	return envelope, nil
}

func (c *websocketConn) Close() error {
	return c.conn.Close()
}

// Package client is a Go client for the friendchat JSON protocol over
// WebSocket. Request methods block until the server's reply arrives; server
// pushes (contact list refreshes, incoming messages, typing) are delivered to
// registered handlers.
package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by requests on a closed client.
var ErrClosed = errors.New("connection closed")

// ServerError is an error message sent by the server in reply to a request.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server error: " + e.Message
}

// Config holds the client configuration.
type Config struct {
	// WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL string

	// Origin header to send (optional)
	Origin string

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration
}

// Client is one connection to a friendchat server.
type Client struct {
	config Config
	conn   *websocket.Conn
	log    *logrus.Entry

	sendMu    sync.Mutex // Protects writes to conn
	requestMu sync.Mutex // One round trip at a time

	mu       sync.Mutex // Protects the fields below
	closed   bool
	err      error
	waiters  []*waiter
	username string

	handlersMu sync.RWMutex
	onEvent    []func(protocol.Event)

	dispatch chan protocol.Event
	done     chan struct{}
	wg       sync.WaitGroup
}

// waiter receives the first event for which match returns true.
type waiter struct {
	match func(protocol.Event) bool
	ch    chan protocol.Event
}

// Dial connects to the server and starts the receive loop.
func Dial(ctx context.Context, config Config) (*Client, error) {
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}

	header := http.Header{}
	if config.Origin != "" {
		header.Set("Origin", config.Origin)
	}
	dialer := websocket.Dialer{HandshakeTimeout: config.ResponseTimeout}
	conn, _, err := dialer.DialContext(ctx, config.URL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", config.URL, err)
	}

	c := &Client{
		config:   config,
		conn:     conn,
		log:      logrus.WithField("server", config.URL),
		dispatch: make(chan protocol.Event, 256),
		done:     make(chan struct{}),
	}

	c.wg.Add(2)
	go c.receiveLoop()
	go c.dispatchLoop()
	return c, nil
}

// Username returns the name this client last logged in or reconnected as.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close closes the connection and waits for the background goroutines.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.sendMu.Lock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sendMu.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) send(req protocol.Request) error {
	if c.isClosed() {
		return ErrClosed
	}
	payload, err := protocol.EncodeRequest(req)
	if err != nil {
		return fmt.Errorf("encode %s: %w", req.Type(), err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write %s: %w", req.Type(), err)
	}
	return nil
}

// receiveLoop reads server messages until the connection ends. Waiters are
// served first; every event is then queued for the handlers.
func (c *Client) receiveLoop() {
	defer c.wg.Done()
	defer close(c.dispatch)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if !c.closed {
				c.err = err
			}
			c.mu.Unlock()
			close(c.done)
			return
		}

		ev, err := protocol.DecodeEvent(data)
		if err != nil {
			c.log.WithError(err).Warn("dropping undecodable server message")
			continue
		}

		c.deliver(ev)

		select {
		case c.dispatch <- ev:
		default:
			c.log.WithField("type", ev.Type).Warn("handler queue full, dropping event")
		}
	}
}

func (c *Client) deliver(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.match(ev) {
			w.ch <- ev
			continue
		}
		kept = append(kept, w)
	}
	c.waiters = kept
}

// dispatchLoop runs handlers off the receive goroutine so a handler may
// itself make requests.
func (c *Client) dispatchLoop() {
	defer c.wg.Done()
	for ev := range c.dispatch {
		c.handlersMu.RLock()
		handlers := c.onEvent
		c.handlersMu.RUnlock()
		for _, h := range handlers {
			h(ev)
		}
	}
}

func (c *Client) addWaiter(match func(protocol.Event) bool) *waiter {
	w := &waiter{match: match, ch: make(chan protocol.Event, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Client) wait(w *waiter, timeout time.Duration) (protocol.Event, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ev := <-w.ch:
		return ev, nil
	case <-c.done:
		c.removeWaiter(w)
		return protocol.Event{}, ErrClosed
	case <-timer.C:
		c.removeWaiter(w)
		return protocol.Event{}, fmt.Errorf("timeout waiting for response")
	}
}

// Expect waits for the next server message of msgType.
func (c *Client) Expect(msgType string, timeout time.Duration) (protocol.Event, error) {
	w := c.addWaiter(func(ev protocol.Event) bool { return ev.Type == msgType })
	return c.wait(w, timeout)
}

// roundTrip sends req and waits for the first event accepted by match, or an
// error message, which is returned as *ServerError.
func (c *Client) roundTrip(req protocol.Request, match func(protocol.Event) bool) (protocol.Event, error) {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	w := c.addWaiter(func(ev protocol.Event) bool {
		return ev.Type == protocol.TypeError || match(ev)
	})
	if err := c.send(req); err != nil {
		c.removeWaiter(w)
		return protocol.Event{}, err
	}

	ev, err := c.wait(w, c.config.ResponseTimeout)
	if err != nil {
		return protocol.Event{}, fmt.Errorf("%s: %w", req.Type(), err)
	}
	if ev.Type == protocol.TypeError {
		var msg protocol.StatusMessage
		if err := ev.Into(&msg); err != nil {
			return protocol.Event{}, fmt.Errorf("decode error reply: %w", err)
		}
		return protocol.Event{}, &ServerError{Message: msg.Message}
	}
	return ev, nil
}

func ofType(msgType string) func(protocol.Event) bool {
	return func(ev protocol.Event) bool { return ev.Type == msgType }
}

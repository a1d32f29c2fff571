package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/stretchr/testify/require"
)

// recordingConn is an in-memory Conn that keeps every message written to it.
type recordingConn struct {
	addr string

	mu     sync.Mutex
	events []protocol.Event
	closed bool
}

var connCounter atomic.Int64

func newRecordingConn() *recordingConn {
	return &recordingConn{addr: fmt.Sprintf("test-%d", connCounter.Add(1))}
}

func (c *recordingConn) WriteText(payload []byte) error {
	ev, err := protocol.DecodeEvent(append([]byte(nil), payload...))
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("write to closed connection")
	}
	c.events = append(c.events, ev)
	return nil
}

func (c *recordingConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *recordingConn) RemoteAddr() string { return c.addr }

// take returns everything received since the last call.
func (c *recordingConn) take() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	events := c.events
	c.events = nil
	return events
}

// harness drives a Server directly through HandlePayload over an in-memory
// store. Handlers run synchronously, so every effect is visible on return.
type harness struct {
	t     *testing.T
	srv   *Server
	store *database.MemDB
}

func testConfig() ServerConfig {
	cfg := DefaultConfig()
	cfg.HTTPPort = 0
	cfg.TCPPort = 0
	cfg.MetricsPort = 0
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := database.NewMemDB()
	srv := NewServer(store, testConfig())
	t.Cleanup(func() { srv.Stop() })
	return &harness{t: t, srv: srv, store: store}
}

type testClient struct {
	h    *harness
	sess *Session
	conn *recordingConn
}

func (h *harness) connect() *testClient {
	conn := newRecordingConn()
	return &testClient{h: h, sess: h.srv.sessions.CreateSession(conn, "test"), conn: conn}
}

// register creates an account on a throwaway connection.
func (h *harness) register(username string) {
	h.t.Helper()
	c := h.connect()
	c.send(protocol.RegisterRequest{Username: username, Password: "pw-" + username})
	c.expectType(protocol.TypeRegisterSuccess)
	c.disconnect()
}

// login returns a connection logged in as username, with its inbox drained.
func (h *harness) login(username string) *testClient {
	h.t.Helper()
	c := h.connect()
	c.send(protocol.LoginRequest{Username: username, Password: "pw-" + username})
	c.expectType(protocol.TypeLoginSuccess)
	c.conn.take()
	return c
}

// online registers and logs in each user in order, then drains every inbox.
func (h *harness) online(usernames ...string) []*testClient {
	h.t.Helper()
	clients := make([]*testClient, 0, len(usernames))
	for _, name := range usernames {
		h.register(name)
		clients = append(clients, h.login(name))
	}
	for _, c := range clients {
		c.conn.take()
	}
	return clients
}

// befriend makes a and b accepted friends and drains both inboxes.
func (h *harness) befriend(a, b *testClient) {
	h.t.Helper()
	bName := b.username()
	aName := a.username()
	a.send(protocol.SendFriendRequest{Username: bName})
	a.expectType(protocol.TypeRequestSent)
	b.send(protocol.ActionFriendRequest{Username: aName, Accept: true})
	b.expectType(protocol.TypeContactList)
	a.conn.take()
	b.conn.take()
}

func (c *testClient) username() string {
	ident, ok := c.sess.Identity()
	require.True(c.h.t, ok, "client is not logged in")
	return ident.Username
}

func (c *testClient) userID() int64 {
	ident, ok := c.sess.Identity()
	require.True(c.h.t, ok, "client is not logged in")
	return ident.ID
}

func (c *testClient) send(req protocol.Request) {
	c.h.t.Helper()
	payload, err := protocol.EncodeRequest(req)
	require.NoError(c.h.t, err)
	c.h.srv.HandlePayload(c.sess, payload)
}

func (c *testClient) sendRaw(payload string) {
	c.h.srv.HandlePayload(c.sess, []byte(payload))
}

func (c *testClient) disconnect() {
	c.conn.Close()
	c.h.srv.sessions.RemoveSession(c.sess)
}

// expectType drains the inbox and returns the last event of typ.
func (c *testClient) expectType(typ string) protocol.Event {
	c.h.t.Helper()
	events := c.conn.take()
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == typ {
			return events[i]
		}
	}
	require.Failf(c.h.t, "missing event", "no %q among %v", typ, eventTypes(events))
	return protocol.Event{}
}

// expectError drains the inbox and returns the text of its error event.
func (c *testClient) expectError() string {
	c.h.t.Helper()
	var msg protocol.StatusMessage
	require.NoError(c.h.t, c.expectType(protocol.TypeError).Into(&msg))
	return msg.Message
}

func (c *testClient) contactList() protocol.ContactListMessage {
	c.h.t.Helper()
	var list protocol.ContactListMessage
	require.NoError(c.h.t, c.expectType(protocol.TypeContactList).Into(&list))
	return list
}

func (c *testClient) fetchContacts() protocol.ContactListMessage {
	c.h.t.Helper()
	c.conn.take()
	c.send(protocol.GetContactListRequest{})
	return c.contactList()
}

func eventTypes(events []protocol.Event) []string {
	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

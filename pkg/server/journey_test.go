package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const journeyTimeout = 3 * time.Second

// ---------------------------------------------------------------------------
// Transport abstraction
// ---------------------------------------------------------------------------

// transportClient provides a uniform interface for sending/receiving protocol
// messages over TCP, WebSocket or SSH connections. All use a persistent reader
// goroutine feeding decoded events into a buffered channel.
type transportClient interface {
	// sendRaw writes one payload as a single frame.
	sendRaw(t *testing.T, payload []byte)
	// events is the stream of decoded server messages.
	events() <-chan protocol.Event
	// errs receives the read error that ended the stream.
	errs() <-chan error
	close()
}

// ignoredBroadcast returns true for message types that may arrive
// asynchronously and should be skipped when waiting for a specific response.
func ignoredBroadcast(msgType string) bool {
	return msgType == protocol.TypeContactList
}

type journeyClient struct {
	transportClient
	name string
}

func (c *journeyClient) send(t *testing.T, req protocol.Request) {
	t.Helper()
	payload, err := protocol.EncodeRequest(req)
	require.NoError(t, err)
	c.sendRaw(t, payload)
}

// expect returns the next event of msgType, skipping contact list refreshes.
func (c *journeyClient) expect(t *testing.T, msgType string) protocol.Event {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case ev := <-c.events():
			if ev.Type == msgType {
				return ev
			}
			if ignoredBroadcast(ev.Type) {
				continue
			}
			require.Failf(t, "unexpected event", "%s expected %q, got %s", c.name, msgType, ev.Raw)
		case err := <-c.errs():
			require.Failf(t, "read error", "%s expect %q: %v", c.name, msgType, err)
		case <-deadline:
			require.Failf(t, "timeout", "%s expect %q: timeout after %v", c.name, msgType, journeyTimeout)
		}
	}
}

// expectContacts reads contact lists until one satisfies match.
func (c *journeyClient) expectContacts(t *testing.T, match func(protocol.ContactListMessage) bool) protocol.ContactListMessage {
	t.Helper()
	deadline := time.After(journeyTimeout)
	for {
		select {
		case ev := <-c.events():
			if ev.Type != protocol.TypeContactList {
				require.Failf(t, "unexpected event", "%s waiting for contact list, got %s", c.name, ev.Raw)
			}
			var list protocol.ContactListMessage
			require.NoError(t, ev.Into(&list))
			if match(list) {
				return list
			}
		case err := <-c.errs():
			require.Failf(t, "read error", "%s waiting for contact list: %v", c.name, err)
		case <-deadline:
			require.Failf(t, "timeout", "%s waiting for contact list", c.name)
		}
	}
}

// expectQuiet asserts nothing but contact list refreshes arrives within d.
func (c *journeyClient) expectQuiet(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case ev := <-c.events():
			if !ignoredBroadcast(ev.Type) {
				require.Failf(t, "unexpected event", "%s expected silence, got %s", c.name, ev.Raw)
			}
		case <-deadline:
			return
		}
	}
}

func friendOnline(name string, online bool) func(protocol.ContactListMessage) bool {
	return func(list protocol.ContactListMessage) bool {
		for _, f := range list.Friends {
			if f.Username == name {
				return f.Online == online
			}
		}
		return false
	}
}

// ---------------------------------------------------------------------------
// TCP transport
// ---------------------------------------------------------------------------

type tcpClient struct {
	conn      net.Conn
	evs       chan protocol.Event
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newTCPClient(t *testing.T, addr string) *tcpClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err, "TCP connect to %s", addr)

	c := &tcpClient{
		conn: conn,
		evs:  make(chan protocol.Event, 64),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		reader := bufio.NewReader(conn)
		for {
			payload, err := protocol.DecodeFrame(reader, 0)
			if err != nil {
				c.errc <- err
				return
			}
			ev, err := protocol.DecodeEvent(payload)
			if err != nil {
				c.errc <- err
				return
			}
			c.evs <- ev
		}
	}()
	return c
}

func (c *tcpClient) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, protocol.EncodeFrame(c.conn, payload))
}

func (c *tcpClient) events() <-chan protocol.Event { return c.evs }
func (c *tcpClient) errs() <-chan error            { return c.errc }

func (c *tcpClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// WebSocket transport
// ---------------------------------------------------------------------------

type wsClient struct {
	conn      *websocket.Conn
	evs       chan protocol.Event
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func newWSClient(t *testing.T, url string) *wsClient {
	t.Helper()
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	require.NoError(t, err, "WebSocket dial %s", url)

	c := &wsClient{
		conn: conn,
		evs:  make(chan protocol.Event, 64),
		errc: make(chan error, 1),
		done: make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				c.errc <- err
				return
			}
			ev, err := protocol.DecodeEvent(data)
			if err != nil {
				c.errc <- err
				return
			}
			c.evs <- ev
		}
	}()
	return c
}

func (c *wsClient) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, payload))
}

func (c *wsClient) events() <-chan protocol.Event { return c.evs }
func (c *wsClient) errs() <-chan error            { return c.errc }

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// SSH transport
// ---------------------------------------------------------------------------

type sshClient struct {
	client    *ssh.Client
	session   *ssh.Session
	stdin     io.WriteCloser
	evs       chan protocol.Event
	errc      chan error
	done      chan struct{}
	closeOnce sync.Once
}

func dialSSH(addr, user, password string) (*ssh.Client, error) {
	return ssh.Dial("tcp", addr, &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         journeyTimeout,
	})
}

func newSSHClient(t *testing.T, addr, user, password string) *sshClient {
	t.Helper()
	client, err := dialSSH(addr, user, password)
	require.NoError(t, err, "SSH dial %s", addr)

	session, err := client.NewSession()
	require.NoError(t, err)
	stdin, err := session.StdinPipe()
	require.NoError(t, err)
	stdout, err := session.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, session.Shell())

	c := &sshClient{
		client:  client,
		session: session,
		stdin:   stdin,
		evs:     make(chan protocol.Event, 64),
		errc:    make(chan error, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		reader := bufio.NewReader(stdout)
		for {
			payload, err := protocol.DecodeFrame(reader, 0)
			if err != nil {
				c.errc <- err
				return
			}
			ev, err := protocol.DecodeEvent(payload)
			if err != nil {
				c.errc <- err
				return
			}
			c.evs <- ev
		}
	}()
	return c
}

func (c *sshClient) sendRaw(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, protocol.EncodeFrame(c.stdin, payload))
}

func (c *sshClient) events() <-chan protocol.Event { return c.evs }
func (c *sshClient) errs() <-chan error            { return c.errc }

func (c *sshClient) close() {
	c.closeOnce.Do(func() {
		c.session.Close()
		c.client.Close()
		<-c.done
	})
}

// ---------------------------------------------------------------------------
// Server setup for journey tests
// ---------------------------------------------------------------------------

type journeyServer struct {
	srv     *Server
	wsURL   string
	httpURL string
	tcpAddr string
	sshAddr string
}

// setupJourneyServer runs a server over a fresh SQLite database with the
// public handler on httptest and TCP and SSH listeners on random ports.
func setupJourneyServer(t *testing.T, mutate func(*ServerConfig)) *journeyServer {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "journey.db"))
	require.NoError(t, err)

	cfg := testConfig()
	cfg.SSHHostKeyPath = filepath.Join(t.TempDir(), "ssh_host_key")
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewServer(db, cfg)

	ts := httptest.NewServer(srv.PublicHandler())
	t.Cleanup(ts.Close)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.ServeTCP(listener)
	t.Cleanup(func() { srv.Stop() })

	sshListener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, srv.ServeSSH(sshListener))

	return &journeyServer{
		srv:     srv,
		wsURL:   "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws",
		httpURL: ts.URL,
		tcpAddr: listener.Addr().String(),
		sshAddr: sshListener.Addr().String(),
	}
}

func (js *journeyServer) dial(t *testing.T, transport, name string) *journeyClient {
	t.Helper()
	var tc transportClient
	switch transport {
	case "tcp":
		tc = newTCPClient(t, js.tcpAddr)
	case "websocket":
		tc = newWSClient(t, js.wsURL)
	case "ssh":
		tc = newSSHClient(t, js.sshAddr, name, "pw-"+name)
	default:
		t.Fatalf("unknown transport %q", transport)
	}
	c := &journeyClient{transportClient: tc, name: name}
	t.Cleanup(c.close)
	return c
}

// signup registers and logs in name over a new connection. SSH logs in
// during the handshake, so the account is registered over TCP first.
func (js *journeyServer) signup(t *testing.T, transport, name string) *journeyClient {
	t.Helper()
	if transport == "ssh" {
		reg := js.dial(t, "tcp", name+"-register")
		reg.send(t, protocol.RegisterRequest{Username: name, Password: "pw-" + name})
		reg.expect(t, protocol.TypeRegisterSuccess)
		reg.close()

		c := js.dial(t, "ssh", name)
		c.expect(t, protocol.TypeLoginSuccess)
		return c
	}
	c := js.dial(t, transport, name)
	c.send(t, protocol.RegisterRequest{Username: name, Password: "pw-" + name})
	c.expect(t, protocol.TypeRegisterSuccess)
	c.send(t, protocol.LoginRequest{Username: name, Password: "pw-" + name})
	c.expect(t, protocol.TypeLoginSuccess)
	return c
}

// ---------------------------------------------------------------------------
// Journeys
// ---------------------------------------------------------------------------

func TestJourneyFriendsAndMessages(t *testing.T) {
	for _, pair := range [][2]string{
		{"websocket", "websocket"},
		{"tcp", "tcp"},
		{"websocket", "tcp"},
		{"ssh", "websocket"},
		{"tcp", "ssh"},
	} {
		t.Run(pair[0]+"-"+pair[1], func(t *testing.T) {
			js := setupJourneyServer(t, nil)
			alice := js.signup(t, pair[0], "alice")
			bob := js.signup(t, pair[1], "bob")

			// Friend request shows up in bob's pending list
			alice.send(t, protocol.SendFriendRequest{Username: "bob"})
			alice.expect(t, protocol.TypeRequestSent)
			bob.expectContacts(t, func(l protocol.ContactListMessage) bool {
				return len(l.Pending) == 1 && l.Pending[0] == "alice"
			})

			// Accepting updates both sides
			bob.send(t, protocol.ActionFriendRequest{Username: "alice", Accept: true})
			bob.expectContacts(t, friendOnline("alice", true))
			alice.expectContacts(t, friendOnline("bob", true))

			// Typing, then a message: stop-typing precedes delivery
			alice.send(t, protocol.TypingRequest{ToUser: "bob", Typing: true})
			bob.expect(t, protocol.TypeUserTyping)

			alice.send(t, protocol.PrivateMessageRequest{ReceiverUsername: "bob", Message: "hello bob"})
			bob.expect(t, protocol.TypeUserStoppedTyping)
			var delivered, echo protocol.PrivateMessageIncoming
			require.NoError(t, bob.expect(t, protocol.TypePrivateMessageIncoming).Into(&delivered))
			require.NoError(t, alice.expect(t, protocol.TypePrivateMessageIncoming).Into(&echo))
			assert.Equal(t, delivered, echo)
			assert.Equal(t, "alice", delivered.Data.Sender)

			bob.send(t, protocol.GetMessageHistoryRequest{WithUser: "alice"})
			var history protocol.MessageHistoryMessage
			require.NoError(t, bob.expect(t, protocol.TypeMessageHistory).Into(&history))
			require.Len(t, history.History, 1)
			assert.Equal(t, "hello bob", history.History[0].Message)

			// Bob leaves: alice sees him offline and a stop-typing for him
			bob.close()
			alice.expectContacts(t, friendOnline("bob", false))
			var stopped protocol.TypingMessage
			require.NoError(t, alice.expect(t, protocol.TypeUserStoppedTyping).Into(&stopped))
			assert.Equal(t, "bob", stopped.Username)
		})
	}
}

func TestJourneyReconnectAfterDrop(t *testing.T) {
	js := setupJourneyServer(t, nil)
	alice := js.signup(t, "websocket", "alice")
	alice.close()
	require.Eventually(t, func() bool { return js.srv.registry.Count() == 0 }, journeyTimeout, 10*time.Millisecond)

	again := js.dial(t, "websocket", "alice-again")
	again.send(t, protocol.ReconnectRequest{Username: "alice"})
	again.expectContacts(t, func(protocol.ContactListMessage) bool { return true })

	require.Eventually(t, func() bool { return js.srv.registry.Count() == 1 }, journeyTimeout, 10*time.Millisecond)
}

func TestJourneyDoubleLoginRoutesToNewest(t *testing.T) {
	js := setupJourneyServer(t, nil)
	first := js.signup(t, "websocket", "alice")
	bob := js.signup(t, "tcp", "bob")

	second := js.dial(t, "tcp", "alice-2")
	second.send(t, protocol.LoginRequest{Username: "alice", Password: "pw-alice"})
	second.expect(t, protocol.TypeLoginSuccess)

	bob.send(t, protocol.PrivateMessageRequest{ReceiverUsername: "alice", Message: "which one?"})
	second.expect(t, protocol.TypeUserStoppedTyping)
	second.expect(t, protocol.TypePrivateMessageIncoming)
	first.expectQuiet(t, 200*time.Millisecond)
}

func TestJourneyErrorsKeepConnectionOpen(t *testing.T) {
	for _, transport := range []string{"websocket", "tcp"} {
		t.Run(transport, func(t *testing.T) {
			js := setupJourneyServer(t, nil)
			c := js.dial(t, transport, "anon")

			c.sendRaw(t, []byte(`{"type":"get_contact_list"}`))
			var msg protocol.StatusMessage
			require.NoError(t, c.expect(t, protocol.TypeError).Into(&msg))
			assert.Equal(t, "Authentication required. Please log in again.", msg.Message)

			c.sendRaw(t, []byte(`{oops`))
			require.NoError(t, c.expect(t, protocol.TypeError).Into(&msg))
			assert.Equal(t, "Invalid JSON format.", msg.Message)

			c.send(t, protocol.RegisterRequest{Username: "late", Password: "pw"})
			c.expect(t, protocol.TypeRegisterSuccess)
		})
	}
}

func TestJourneyOversizedTCPFrameClosesConnection(t *testing.T) {
	js := setupJourneyServer(t, func(cfg *ServerConfig) { cfg.MaxFrameBytes = 128 })
	c := js.dial(t, "tcp", "big")

	c.sendRaw(t, []byte(fmt.Sprintf(`{"type":"search_users","query":%q}`, strings.Repeat("x", 256))))
	var msg protocol.StatusMessage
	require.NoError(t, c.expect(t, protocol.TypeError).Into(&msg))
	assert.Equal(t, "Invalid JSON format.", msg.Message)

	select {
	case <-c.errs():
	case <-time.After(journeyTimeout):
		t.Fatal("connection stayed open after oversized frame")
	}
}

func TestJourneyOversizedWebSocketFrameClosesConnection(t *testing.T) {
	js := setupJourneyServer(t, func(cfg *ServerConfig) { cfg.MaxFrameBytes = 128 })
	c := js.dial(t, "websocket", "big")

	c.sendRaw(t, []byte(strings.Repeat("x", 512)))
	select {
	case err := <-c.errs():
		assert.True(t, websocket.IsCloseError(err, websocket.CloseMessageTooBig), "got %v", err)
	case <-time.After(journeyTimeout):
		t.Fatal("connection stayed open after oversized frame")
	}
}

func TestJourneyOriginCheck(t *testing.T) {
	js := setupJourneyServer(t, func(cfg *ServerConfig) {
		cfg.AllowedOrigins = []string{"https://chat.example.com"}
	})
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}

	header := http.Header{"Origin": []string{"https://evil.example.com"}}
	_, resp, err := dialer.Dial(js.wsURL, header)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://chat.example.com")
	conn, _, err := dialer.Dial(js.wsURL, header)
	require.NoError(t, err)
	conn.Close()
}

func TestJourneyHealth(t *testing.T) {
	js := setupJourneyServer(t, nil)
	js.signup(t, "websocket", "alice")

	resp, err := http.Get(js.httpURL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"online_users"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Connections)
	assert.Equal(t, 1, body.OnlineUsers)
}

func TestStopClosesClientsAndIsIdempotent(t *testing.T) {
	js := setupJourneyServer(t, nil)
	ws := js.signup(t, "websocket", "alice")
	tcp := js.signup(t, "tcp", "bob")

	require.NoError(t, js.srv.Stop())
	require.NoError(t, js.srv.Stop())

	for _, c := range []*journeyClient{ws, tcp} {
		select {
		case <-c.errs():
		case <-time.After(journeyTimeout):
			t.Fatalf("%s still connected after Stop", c.name)
		}
	}
	assert.Zero(t, js.srv.sessions.Count())
}

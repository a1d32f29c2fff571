package server

import (
	"net"
	"sync"
	"time"

	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/gorilla/websocket"
)

// SafeConn wraps a WebSocket connection with write synchronization.
//
// Request handlers and broadcasts from other connections' goroutines may
// write to the same connection simultaneously. gorilla/websocket allows one
// concurrent writer, so every write goes through mu. Each write carries a
// deadline so a stalled peer blocks only its own writers.
type SafeConn struct {
	conn         *websocket.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

// NewSafeConn wraps a websocket.Conn with write synchronization
func NewSafeConn(conn *websocket.Conn, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{conn: conn, writeTimeout: writeTimeout}
}

// WriteText sends one text message.
func (sc *SafeConn) WriteText(payload []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.setWriteDeadline()
	return sc.conn.WriteMessage(websocket.TextMessage, payload)
}

// WritePing sends a keepalive ping.
func (sc *SafeConn) WritePing() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.setWriteDeadline()
	return sc.conn.WriteMessage(websocket.PingMessage, nil)
}

func (sc *SafeConn) setWriteDeadline() {
	if sc.writeTimeout > 0 {
		sc.conn.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
}

// Close sends a best-effort close frame, then closes the connection.
func (sc *SafeConn) Close() error {
	sc.mu.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	sc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	sc.mu.Unlock()
	return sc.conn.Close()
}

// RemoteAddr returns the remote network address
func (sc *SafeConn) RemoteAddr() string {
	return sc.conn.RemoteAddr().String()
}

// lineConn is the TCP counterpart of SafeConn: one JSON payload per line.
type lineConn struct {
	conn         net.Conn
	mu           sync.Mutex // Protects writes to conn
	writeTimeout time.Duration
}

func newLineConn(conn net.Conn, writeTimeout time.Duration) *lineConn {
	return &lineConn{conn: conn, writeTimeout: writeTimeout}
}

func (lc *lineConn) WriteText(payload []byte) error {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	if lc.writeTimeout > 0 {
		lc.conn.SetWriteDeadline(time.Now().Add(lc.writeTimeout))
	}
	return protocol.EncodeFrame(lc.conn, payload)
}

func (lc *lineConn) Close() error {
	return lc.conn.Close()
}

func (lc *lineConn) RemoteAddr() string {
	return lc.conn.RemoteAddr().String()
}

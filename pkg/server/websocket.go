package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// pongWait is how long a connection may stay silent before it is considered
// dead. Pings go out every PingInterval, which must be shorter.
const pongWait = 60 * time.Second

// HandleWebSocket upgrades the request and runs the connection's read loop
// until the peer goes away.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.trackConn() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response
		logrus.WithField("remote", r.RemoteAddr).WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	if s.config.MaxFrameBytes > 0 {
		wsConn.SetReadLimit(int64(s.config.MaxFrameBytes))
	}
	wsConn.SetReadDeadline(time.Now().Add(pongWait))
	wsConn.SetPongHandler(func(string) error {
		return wsConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	conn := NewSafeConn(wsConn, s.config.WriteTimeout)
	sess := s.sessions.CreateSession(conn, "websocket")
	defer func() {
		conn.Close()
		s.sessions.RemoveSession(sess)
	}()

	logrus.WithFields(sess.logFields()).Info("WebSocket client connected")

	done := make(chan struct{})
	defer close(done)
	go s.pingLoop(conn, done)

	for {
		msgType, payload, err := wsConn.ReadMessage()
		if err != nil {
			s.logReadError(sess, err)
			return
		}
		wsConn.SetReadDeadline(time.Now().Add(pongWait))

		if msgType != websocket.TextMessage {
			logrus.WithFields(sess.logFields()).Debug("ignoring non-text WebSocket message")
			continue
		}
		s.HandlePayload(sess, payload)
	}
}

func (s *Server) pingLoop(conn *SafeConn, done <-chan struct{}) {
	interval := s.config.PingInterval
	if interval <= 0 || interval >= pongWait {
		interval = pongWait / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			if err := conn.WritePing(); err != nil {
				return
			}
		}
	}
}

// logReadError logs the end of a read loop. Ordinary closes are not errors.
func (s *Server) logReadError(sess *Session, err error) {
	entry := logrus.WithFields(sess.logFields()).WithError(err)
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		entry.Warn("WebSocket frame exceeded maximum size")
	case websocket.IsUnexpectedCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		entry.Debug("WebSocket closed unexpectedly")
	default:
		entry.Info("WebSocket client disconnected")
	}
}

package server

import (
	"bufio"
	"errors"
	"io"
	"net"

	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ServeTCP accepts newline-delimited JSON connections on listener until Stop.
func (s *Server) ServeTCP(listener net.Listener) {
	s.listener = listener
	s.wg.Add(1)
	go s.acceptLoop()
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				logrus.WithError(err).Error("accept error")
				continue
			}
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go s.handleConnection(conn)
	}
}

// handleConnection handles a client connection
func (s *Server) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	lc := newLineConn(conn, s.config.WriteTimeout)
	sess := s.sessions.CreateSession(lc, "tcp")
	defer func() {
		lc.Close()
		s.sessions.RemoveSession(sess)
	}()

	logrus.WithFields(sess.logFields()).Info("TCP client connected")
	s.messageLoop(sess, bufio.NewReader(conn))
}

// messageLoop reads frames until the peer disconnects or sends an oversized
// frame, which leaves the stream unparseable. Shared by TCP and SSH.
func (s *Server) messageLoop(sess *Session, reader *bufio.Reader) {
	for {
		payload, err := protocol.DecodeFrame(reader, s.config.MaxFrameBytes)
		if errors.Is(err, protocol.ErrFrameTooLarge) {
			s.sendError(sess, "frame", ErrMalformedPayload)
			return
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logrus.WithFields(sess.logFields()).WithError(err).Debug("read error")
			}
			logrus.WithFields(sess.logFields()).Info("stream client disconnected")
			return
		}
		if len(payload) == 0 {
			continue
		}
		s.HandlePayload(sess, payload)
	}
}

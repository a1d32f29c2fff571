package server

import (
	"bufio"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"
)

const sshHandshakeTimeout = 10 * time.Second

// sshChannelConn wraps ssh.Channel to implement net.Conn interface
type sshChannelConn struct {
	channel ssh.Channel
	local   net.Addr
	remote  net.Addr
}

func (c *sshChannelConn) Read(b []byte) (int, error)  { return c.channel.Read(b) }
func (c *sshChannelConn) Write(b []byte) (int, error) { return c.channel.Write(b) }
func (c *sshChannelConn) Close() error                { return c.channel.Close() }
func (c *sshChannelConn) LocalAddr() net.Addr         { return c.local }
func (c *sshChannelConn) RemoteAddr() net.Addr        { return c.remote }

// Channels have no deadlines; a stalled peer is cut off by closing the
// underlying connection.
func (c *sshChannelConn) SetDeadline(t time.Time) error      { return nil }
func (c *sshChannelConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *sshChannelConn) SetWriteDeadline(t time.Time) error { return nil }

// ServeSSH accepts SSH connections on listener until Stop. Clients
// authenticate with their account password and then speak the same
// newline-delimited JSON as the TCP transport over a session channel.
func (s *Server) ServeSSH(listener net.Listener) error {
	hostKey, err := loadOrGenerateHostKey(s.config.SSHHostKeyPath)
	if err != nil {
		return fmt.Errorf("failed to load host key: %w", err)
	}

	config := &ssh.ServerConfig{
		PasswordCallback: s.authenticateSSHPassword,
		ServerVersion:    "SSH-2.0-FriendChat",
	}
	config.AddHostKey(hostKey)

	s.sshListener = listener
	s.wg.Add(1)
	go s.acceptSSHLoop(listener, config)
	return nil
}

// authenticateSSHPassword carries the verified identity to the session
// through the connection's permissions.
func (s *Server) authenticateSSHPassword(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ident, err := s.sessions.Authenticate(conn.User(), string(password))
	if err != nil {
		entry := logrus.WithFields(logrus.Fields{
			"function": "authenticateSSHPassword",
			"user":     conn.User(),
			"remote":   conn.RemoteAddr().String(),
		}).WithError(err)
		if errors.Is(err, ErrPersistenceFailure) {
			entry.Error("SSH authentication failed")
		} else {
			entry.Info("SSH authentication rejected")
		}
		return nil, ErrLoginFailed
	}
	return &ssh.Permissions{
		Extensions: map[string]string{
			"user_id":  strconv.FormatInt(ident.ID, 10),
			"username": ident.Username,
		},
	}, nil
}

func (s *Server) acceptSSHLoop(listener net.Listener, config *ssh.ServerConfig) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				logrus.WithError(err).Error("SSH accept error")
				continue
			}
		}

		if !s.trackConn() {
			conn.Close()
			return
		}
		go s.handleSSHConnection(conn, config)
	}
}

func (s *Server) handleSSHConnection(conn net.Conn, config *ssh.ServerConfig) {
	defer s.wg.Done()
	defer conn.Close()

	// Stop must not wait on a peer that never finishes the handshake or
	// keeps an idle connection open.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.shutdown:
			conn.Close()
		case <-done:
		}
	}()

	conn.SetDeadline(time.Now().Add(sshHandshakeTimeout))
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		logrus.WithField("remote", conn.RemoteAddr().String()).WithError(err).Debug("SSH handshake failed")
		return
	}
	defer sshConn.Close()
	conn.SetDeadline(time.Time{})

	go ssh.DiscardRequests(reqs)

	ident, ok := sshIdentity(sshConn.Permissions)
	if !ok {
		logrus.WithField("remote", conn.RemoteAddr().String()).Error("SSH connection without identity")
		return
	}

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			logrus.WithError(err).Warn("could not accept SSH channel")
			continue
		}
		if !s.trackConn() {
			channel.Close()
			return
		}

		go handleSSHChannelRequests(requests)
		go func() {
			defer s.wg.Done()
			s.handleSSHSession(&sshChannelConn{
				channel: channel,
				local:   sshConn.LocalAddr(),
				remote:  sshConn.RemoteAddr(),
			}, ident)
		}()
	}
}

func sshIdentity(perms *ssh.Permissions) (database.Identity, bool) {
	if perms == nil || perms.Extensions == nil {
		return database.Identity{}, false
	}
	id, err := strconv.ParseInt(perms.Extensions["user_id"], 10, 64)
	username := perms.Extensions["username"]
	if err != nil || username == "" {
		return database.Identity{}, false
	}
	return database.Identity{ID: id, Username: username}, true
}

// handleSSHChannelRequests accepts the requests interactive clients send
// before starting a shell.
func handleSSHChannelRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "shell", "pty-req", "env", "window-change":
			if req.WantReply {
				req.Reply(true, nil)
			}
		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}
}

// handleSSHSession runs one session channel as an already logged-in session.
func (s *Server) handleSSHSession(conn *sshChannelConn, ident database.Identity) {
	lc := newLineConn(conn, s.config.WriteTimeout)
	sess := s.sessions.CreateSession(lc, "ssh")
	defer func() {
		lc.Close()
		s.sessions.RemoveSession(sess)
	}()

	logrus.WithFields(sess.logFields()).WithField("user", ident.Username).Info("SSH client connected")
	s.sessions.LoginVerified(sess, ident)
	s.messageLoop(sess, bufio.NewReader(conn))
}

// loadOrGenerateHostKey loads the SSH host key or generates an ed25519 key
// at path if none exists.
func loadOrGenerateHostKey(path string) (ssh.Signer, error) {
	keyPath, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(keyPath) == "" {
		return nil, fmt.Errorf("ssh host key path is empty; set [server].ssh_host_key or remove it to use the default (%s)", DefaultConfig().SSHHostKeyPath)
	}

	keyBytes, err := os.ReadFile(keyPath)
	if err == nil {
		key, err := ssh.ParsePrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse host key: %w", err)
		}
		logrus.WithField("path", keyPath).Info("loaded SSH host key")
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read host key: %w", err)
	}

	logrus.WithField("path", keyPath).Info("generating new SSH host key")

	_, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	block, err := ssh.MarshalPrivateKey(privateKey, "friendchat host key")
	if err != nil {
		return nil, fmt.Errorf("failed to encode key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	return ssh.NewSignerFromKey(privateKey)
}

package server

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// bcrypt ignores input past 72 bytes
const maxPasswordBytes = 72

// Conn is the transport side of a session. Implementations serialize
// concurrent writes.
type Conn interface {
	WriteText(payload []byte) error
	Close() error
	RemoteAddr() string
}

// Session represents an active client connection
type Session struct {
	ID          string
	Conn        Conn
	Transport   string // "websocket", "tcp" or "ssh"
	RemoteAddr  string
	ConnectedAt time.Time

	mu       sync.RWMutex // Protects identity
	identity *database.Identity
	metrics  *Metrics
}

// Identity returns the user attached to this connection, if any.
func (s *Session) Identity() (database.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.identity == nil {
		return database.Identity{}, false
	}
	return *s.identity, true
}

// attach sets the identity and returns the one it replaced.
func (s *Session) attach(ident database.Identity) (database.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.identity
	s.identity = &ident
	if prev == nil {
		return database.Identity{}, false
	}
	return *prev, true
}

// detach clears the identity and returns it.
func (s *Session) detach() (database.Identity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.identity
	s.identity = nil
	if prev == nil {
		return database.Identity{}, false
	}
	return *prev, true
}

// Send encodes msg and writes it to the connection.
func (s *Session) Send(msg any) error {
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.Conn.WriteText(payload); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordMessageSent(len(payload))
	}
	return nil
}

// sendBestEffort is used for fan-out, where a slow or closed peer must not
// affect other recipients.
func (s *Session) sendBestEffort(msg any) {
	if err := s.Send(msg); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "sendBestEffort",
			"session":  s.ID,
			"remote":   s.RemoteAddr,
		}).WithError(err).Debug("send failed")
	}
}

func (s *Session) logFields() logrus.Fields {
	fields := logrus.Fields{"session": s.ID, "remote": s.RemoteAddr}
	if ident, ok := s.Identity(); ok {
		fields["user"] = ident.Username
	}
	return fields
}

// SessionManager tracks every open connection and binds identities to them
// through register, login, reconnect and disconnect.
type SessionManager struct {
	store    Store
	registry *Registry
	contacts *ContactAssembler
	router   *Router
	metrics  *Metrics
	config   ServerConfig

	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager(store Store, registry *Registry, contacts *ContactAssembler, router *Router, config ServerConfig) *SessionManager {
	return &SessionManager{
		store:    store,
		registry: registry,
		contacts: contacts,
		router:   router,
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// SetMetrics attaches metrics to the session manager
func (sm *SessionManager) SetMetrics(metrics *Metrics) {
	sm.metrics = metrics
}

// CreateSession wraps a newly accepted connection.
func (sm *SessionManager) CreateSession(conn Conn, transport string) *Session {
	sess := &Session{
		ID:          uuid.NewString(),
		Conn:        conn,
		Transport:   transport,
		RemoteAddr:  conn.RemoteAddr(),
		ConnectedAt: time.Now(),
		metrics:     sm.metrics,
	}

	sm.mu.Lock()
	sm.sessions[sess.ID] = sess
	count := len(sm.sessions)
	sm.mu.Unlock()

	if sm.metrics != nil {
		sm.metrics.RecordSessionCreated(transport)
		sm.metrics.RecordActiveSessions(count)
	}
	return sess
}

// RemoveSession runs disconnect handling and forgets the session. Safe to
// call more than once.
func (sm *SessionManager) RemoveSession(sess *Session) {
	sm.mu.Lock()
	_, exists := sm.sessions[sess.ID]
	delete(sm.sessions, sess.ID)
	count := len(sm.sessions)
	sm.mu.Unlock()

	if !exists {
		return
	}

	sm.Disconnect(sess)

	if sm.metrics != nil {
		sm.metrics.RecordSessionDisconnected(sess.Transport)
		sm.metrics.RecordActiveSessions(count)
	}
}

// GetSession returns a session by ID
func (sm *SessionManager) GetSession(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[id]
	return sess, ok
}

// GetAllSessions returns a snapshot of all connections, logged in or not.
func (sm *SessionManager) GetAllSessions() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := make([]*Session, 0, len(sm.sessions))
	for _, sess := range sm.sessions {
		sessions = append(sessions, sess)
	}
	return sessions
}

// Count returns the number of open connections.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// CloseAll closes every connection. Read loops then observe the close and
// run RemoveSession.
func (sm *SessionManager) CloseAll() {
	for _, sess := range sm.GetAllSessions() {
		sess.Conn.Close()
	}
}

func (sm *SessionManager) validateCredentials(username, password string) error {
	n := utf8.RuneCountInString(username)
	if n == 0 || n > sm.config.MaxUsernameLength {
		return fmt.Errorf("%w: username must be 1-%d characters", ErrInvalidCredentials, sm.config.MaxUsernameLength)
	}
	if password == "" || len(password) > maxPasswordBytes {
		return fmt.Errorf("%w: password must be 1-%d bytes", ErrInvalidCredentials, maxPasswordBytes)
	}
	return nil
}

// Register creates an account. It has no effect on presence.
func (sm *SessionManager) Register(username, password string) (database.Identity, error) {
	if err := sm.validateCredentials(username, password); err != nil {
		return database.Identity{}, err
	}

	ident, err := sm.store.RegisterUser(username, password)
	if errors.Is(err, database.ErrUsernameTaken) {
		return database.Identity{}, ErrUsernameTaken
	}
	if err != nil {
		return database.Identity{}, persistence("RegisterUser", err)
	}
	return ident, nil
}

// Login verifies the password, attaches the identity, replies with
// login_success and refreshes every online user's contact list. Unknown users
// and wrong passwords are both reported as ErrLoginFailed.
func (sm *SessionManager) Login(sess *Session, username, password string) (database.Identity, error) {
	ident, err := sm.Authenticate(username, password)
	if err != nil {
		return database.Identity{}, err
	}

	sm.LoginVerified(sess, ident)
	return ident, nil
}

// Authenticate checks credentials without touching any session.
func (sm *SessionManager) Authenticate(username, password string) (database.Identity, error) {
	ident, err := sm.store.Authenticate(username, password)
	if errors.Is(err, database.ErrUserNotFound) || errors.Is(err, database.ErrInvalidPassword) {
		return database.Identity{}, ErrLoginFailed
	}
	if err != nil {
		return database.Identity{}, persistence("Authenticate", err)
	}
	return ident, nil
}

// LoginVerified completes a login whose credentials were checked elsewhere,
// such as during an SSH handshake: attach, login_success, broadcast refresh.
func (sm *SessionManager) LoginVerified(sess *Session, ident database.Identity) {
	sm.attach(sess, ident)

	if err := sess.Send(protocol.NewLoginSuccess(ident.Username, ident.ID)); err != nil {
		logrus.WithFields(sess.logFields()).WithError(err).Warn("failed to send login_success")
	}
	sm.contacts.BroadcastRefresh()
}

// Reconnect re-attaches an identity by username alone, with no secret. This
// is the session-resumption path clients use after a transport drop; it is
// not an authentication check.
func (sm *SessionManager) Reconnect(sess *Session, username string) (database.Identity, error) {
	ident, err := sm.store.ResolveUser(username)
	if errors.Is(err, database.ErrUserNotFound) {
		return database.Identity{}, ErrReconnectFailed
	}
	if err != nil {
		return database.Identity{}, persistence("ResolveUser", err)
	}

	logrus.WithFields(sess.logFields()).WithField("function", "Reconnect").
		WithField("user", ident.Username).Warn("identity re-attached without password verification")

	sm.attach(sess, ident)
	sm.contacts.BroadcastRefresh()
	return ident, nil
}

func (sm *SessionManager) attach(sess *Session, ident database.Identity) {
	prev, had := sess.attach(ident)
	if had && prev.ID != ident.ID {
		// Same connection switching accounts: the old account goes offline
		sm.registry.RemoveIf(prev.ID, sess)
	}

	if replaced := sm.registry.Put(ident.ID, sess); replaced != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "attach",
			"user":        ident.Username,
			"session":     sess.ID,
			"old_session": replaced.ID,
		}).Info("newer login replaced registry entry")
	}

	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(sm.registry.Count())
	}
}

// Disconnect detaches the identity, if any. When the registry entry still
// belonged to this session, everyone gets a contact refresh and a stop-typing
// event for the departed user.
func (sm *SessionManager) Disconnect(sess *Session) {
	ident, ok := sess.detach()
	if !ok {
		return
	}

	if !sm.registry.RemoveIf(ident.ID, sess) {
		// A newer connection owns the entry; the user is still online
		return
	}

	if sm.metrics != nil {
		sm.metrics.RecordOnlineUsers(sm.registry.Count())
	}

	logrus.WithFields(logrus.Fields{
		"function": "Disconnect",
		"user":     ident.Username,
		"session":  sess.ID,
	}).Info("user went offline")

	sm.contacts.BroadcastRefresh()
	sm.router.BroadcastStoppedTyping(ident.Username)
}

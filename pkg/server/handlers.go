package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// HandlePayload decodes one client text payload and routes it. Every failure
// is answered with an error message on the same connection; the connection
// stays open. Before login, anything but register and login is refused as
// unauthenticated, whether or not its type and fields are valid.
func (s *Server) HandlePayload(sess *Session, payload []byte) {
	start := time.Now()

	if _, ok := sess.Identity(); !ok {
		if msgType, err := protocol.PeekType(payload); err == nil && !protocol.AllowsAnonymous(msgType) {
			s.sendError(sess, msgType, ErrAuthenticationRequired)
			return
		}
	}

	req, err := protocol.DecodeRequest(payload)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownType) {
			err = fmt.Errorf("%w: %v", ErrUnknownMessageType, err)
		} else {
			err = fmt.Errorf("%w: %v", ErrMalformedPayload, err)
		}
		s.sendError(sess, "decode", err)
		return
	}

	if protocol.RequiresAuth(req) {
		if _, ok := sess.Identity(); !ok {
			s.sendError(sess, req.Type(), ErrAuthenticationRequired)
			return
		}
	}

	if err := s.handleRequest(sess, req); err != nil {
		s.sendError(sess, req.Type(), err)
	}

	if s.metrics != nil {
		s.metrics.RecordMessageReceived(req.Type(), time.Since(start))
	}
}

func (s *Server) handleRequest(sess *Session, req protocol.Request) error {
	switch r := req.(type) {
	case protocol.RegisterRequest:
		return s.handleRegister(sess, r)
	case protocol.LoginRequest:
		return s.handleLogin(sess, r)
	case protocol.ReconnectRequest:
		return s.handleReconnect(sess, r)
	}

	me, ok := sess.Identity()
	if !ok {
		return ErrAuthenticationRequired
	}

	switch r := req.(type) {
	case protocol.GetContactListRequest:
		return s.handleGetContactList(sess, me)
	case protocol.GetMessageHistoryRequest:
		return s.handleGetMessageHistory(sess, me, r)
	case protocol.PrivateMessageRequest:
		return s.handlePrivateMessage(sess, r)
	case protocol.TypingRequest:
		s.router.SetTyping(me, r.ToUser, r.Typing)
		return nil
	case protocol.SearchUsersRequest:
		return s.handleSearchUsers(sess, me, r)
	case protocol.SendFriendRequest:
		return s.handleSendFriendRequest(sess, me, r)
	case protocol.ActionFriendRequest:
		return s.handleActionFriendRequest(sess, me, r)
	}
	return fmt.Errorf("%w: %s", ErrUnknownMessageType, req.Type())
}

func (s *Server) handleRegister(sess *Session, req protocol.RegisterRequest) error {
	ident, err := s.sessions.Register(req.Username, req.Password)
	if err != nil {
		return err
	}
	logrus.WithFields(sess.logFields()).WithFields(logrus.Fields{
		"function": "handleRegister",
		"user_id":  ident.ID,
	}).Info("registered ", ident.Username)
	return sess.Send(protocol.NewRegisterSuccess())
}

func (s *Server) handleLogin(sess *Session, req protocol.LoginRequest) error {
	ident, err := s.sessions.Login(sess, req.Username, req.Password)
	if err != nil {
		return err
	}
	logrus.WithFields(sess.logFields()).WithField("function", "handleLogin").
		Info("logged in as ", ident.Username)
	return nil
}

func (s *Server) handleReconnect(sess *Session, req protocol.ReconnectRequest) error {
	_, err := s.sessions.Reconnect(sess, req.Username)
	return err
}

func (s *Server) handleGetContactList(sess *Session, me database.Identity) error {
	list, err := s.contacts.Assemble(me.ID)
	if err != nil {
		return err
	}
	return sess.Send(list)
}

func (s *Server) handleGetMessageHistory(sess *Session, me database.Identity, req protocol.GetMessageHistoryRequest) error {
	history, err := s.router.History(me.ID, req.WithUser)
	if err != nil {
		return err
	}
	return sess.Send(history)
}

func (s *Server) handlePrivateMessage(sess *Session, req protocol.PrivateMessageRequest) error {
	if err := s.router.SendPrivateMessage(sess, req.ReceiverUsername, req.Message); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordPrivateMessage()
	}
	return nil
}

func (s *Server) handleSearchUsers(sess *Session, me database.Identity, req protocol.SearchUsersRequest) error {
	users, err := s.contacts.Search(me, req.Query)
	if err != nil {
		return err
	}
	return sess.Send(protocol.NewSearchResults(users))
}

// handleSendFriendRequest refreshes the receiver's pending list if they are
// online, then confirms to the sender.
func (s *Server) handleSendFriendRequest(sess *Session, me database.Identity, req protocol.SendFriendRequest) error {
	receiver, err := s.friendships.Request(me, req.Username)
	if err != nil {
		return err
	}
	s.contacts.Refresh(receiver.ID)
	return sess.Send(protocol.NewRequestSent())
}

// handleActionFriendRequest refreshes both parties' contact lists on success.
func (s *Server) handleActionFriendRequest(sess *Session, me database.Identity, req protocol.ActionFriendRequest) error {
	requester, err := s.store.ResolveUser(req.Username)
	if errors.Is(err, database.ErrUserNotFound) {
		return ErrUserNotFound
	}
	if err != nil {
		return persistence("ResolveUser", err)
	}

	if err := s.friendships.Action(me.ID, requester.ID, req.Accept); err != nil {
		return err
	}

	s.contacts.SendTo(sess)
	s.contacts.Refresh(requester.ID)
	return nil
}

// sendError reports err to the client. Only persistence failures are logged
// above debug level.
func (s *Server) sendError(sess *Session, msgType string, err error) {
	entry := logrus.WithFields(sess.logFields()).WithFields(logrus.Fields{
		"function": "sendError",
		"type":     msgType,
	}).WithError(err)
	if errors.Is(err, ErrPersistenceFailure) {
		entry.Error("request failed")
	} else {
		entry.Debug("request rejected")
	}

	if s.metrics != nil {
		s.metrics.RecordError(errorKind(err))
	}
	sess.sendBestEffort(protocol.NewError(clientMessage(err)))
}

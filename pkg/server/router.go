package server

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// Router delivers private messages and typing indicators between online
// users and serves message history.
type Router struct {
	store            Store
	registry         *Registry
	maxMessageLength int
}

func NewRouter(store Store, registry *Registry, maxMessageLength int) *Router {
	return &Router{store: store, registry: registry, maxMessageLength: maxMessageLength}
}

// errSaveFailed is the persistence failure for a message that was not stored
// and therefore not delivered.
var errSaveFailed = fmt.Errorf("%w: could not save message", ErrPersistenceFailure)

// recipientError reports an unknown receiver with its name attached.
type recipientError struct {
	username string
}

func (e *recipientError) Error() string {
	return fmt.Sprintf("Error: User '%s' does not exist.", e.username)
}

func (e *recipientError) Unwrap() error { return ErrUserNotFound }

// SendPrivateMessage persists text and delivers it. The receiver first gets
// a stop-typing event for the sender, then the message if online. The sender
// always gets an echo carrying the stored timestamp.
func (r *Router) SendPrivateMessage(sender *Session, receiverUsername, text string) error {
	from, ok := sender.Identity()
	if !ok {
		return ErrAuthenticationRequired
	}
	if r.maxMessageLength > 0 && utf8.RuneCountInString(text) > r.maxMessageLength {
		return ErrMessageTooLong
	}

	receiver, err := r.store.ResolveUser(receiverUsername)
	if errors.Is(err, database.ErrUserNotFound) {
		return &recipientError{username: receiverUsername}
	}
	if err != nil {
		return persistence("ResolveUser", err)
	}

	saved, err := r.store.SaveMessage(from.ID, receiver.ID, text)
	if err != nil {
		return fmt.Errorf("%w: %v", errSaveFailed, err)
	}

	delivery := protocol.NewPrivateMessageIncoming(
		protocol.NewChatEntry(saved.SenderUsername, saved.Text, saved.SentAt),
	)

	if target, online := r.registry.Get(receiver.ID); online {
		target.sendBestEffort(protocol.NewTyping(from.Username, false))
		target.sendBestEffort(delivery)
	}
	sender.sendBestEffort(delivery)
	return nil
}

// SetTyping forwards a typing indicator to receiverUsername if they are
// online. An unknown receiver is ignored; store failures are only logged.
func (r *Router) SetTyping(sender database.Identity, receiverUsername string, typing bool) {
	receiver, err := r.store.ResolveUser(receiverUsername)
	if err != nil {
		if !errors.Is(err, database.ErrUserNotFound) {
			logrus.WithFields(logrus.Fields{
				"function": "SetTyping",
				"user":     sender.Username,
				"receiver": receiverUsername,
			}).WithError(persistence("ResolveUser", err)).Error("typing indicator dropped")
		}
		return
	}
	if target, online := r.registry.Get(receiver.ID); online {
		target.sendBestEffort(protocol.NewTyping(sender.Username, typing))
	}
}

// BroadcastStoppedTyping tells every online connection that username stopped
// typing. The recipient of an interrupted indicator is not tracked, so it
// goes to everyone.
func (r *Router) BroadcastStoppedTyping(username string) {
	event := protocol.NewTyping(username, false)
	for _, sess := range r.registry.Snapshot() {
		sess.sendBestEffort(event)
	}
}

// History returns the conversation between userID and withUsername, oldest
// first.
func (r *Router) History(userID int64, withUsername string) (protocol.MessageHistoryMessage, error) {
	other, err := r.store.ResolveUser(withUsername)
	if errors.Is(err, database.ErrUserNotFound) {
		return protocol.MessageHistoryMessage{}, ErrUserNotFound
	}
	if err != nil {
		return protocol.MessageHistoryMessage{}, persistence("ResolveUser", err)
	}

	messages, err := r.store.MessageHistory(userID, other.ID)
	if err != nil {
		return protocol.MessageHistoryMessage{}, persistence("MessageHistory", err)
	}

	entries := make([]protocol.ChatEntry, 0, len(messages))
	for _, m := range messages {
		entries = append(entries, protocol.NewChatEntry(m.SenderUsername, m.Text, m.SentAt))
	}
	return protocol.NewMessageHistory(withUsername, entries), nil
}

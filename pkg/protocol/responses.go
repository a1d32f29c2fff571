package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message type constants (Server → Client)
const (
	TypeRegisterSuccess        = "register_success"
	TypeLoginSuccess           = "login_success"
	TypeError                  = "error"
	TypeContactList            = "contact_list"
	TypeMessageHistory         = "message_history"
	TypePrivateMessageIncoming = "private_message_incoming"
	TypeUserTyping             = "user_typing"
	TypeUserStoppedTyping      = "user_stopped_typing"
	TypeSearchResults          = "search_results"
	TypeRequestSent            = "request_sent"
)

// TimestampLayout renders message times as hour:minute with AM/PM.
const TimestampLayout = "3:04 PM"

// FormatTimestamp renders t in the server's local zone.
func FormatTimestamp(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// StatusMessage carries a human-readable message. Used for error,
// register_success and request_sent.
type StatusMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type LoginSuccessMessage struct {
	Type string           `json:"type"`
	Data LoginSuccessData `json:"data"`
}

type LoginSuccessData struct {
	Username string `json:"username"`
	UserID   int64  `json:"userId"`
}

// Contact is one friend entry in a contact list.
type Contact struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

type ContactListMessage struct {
	Type    string    `json:"type"`
	Friends []Contact `json:"friends"`
	Pending []string  `json:"pending"`
}

// ChatEntry is a single private message as shown to clients, both in history
// and in live delivery.
type ChatEntry struct {
	Sender    string `json:"sender"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

type MessageHistoryMessage struct {
	Type     string      `json:"type"`
	WithUser string      `json:"withUser"`
	History  []ChatEntry `json:"history"`
}

type PrivateMessageIncoming struct {
	Type string    `json:"type"`
	Data ChatEntry `json:"data"`
}

// TypingMessage covers user_typing and user_stopped_typing.
type TypingMessage struct {
	Type     string `json:"type"`
	Username string `json:"username"`
}

type SearchResultsMessage struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

func NewError(message string) StatusMessage {
	return StatusMessage{Type: TypeError, Message: message}
}

func NewRegisterSuccess() StatusMessage {
	return StatusMessage{Type: TypeRegisterSuccess, Message: "Registration successful. Please log in."}
}

func NewRequestSent() StatusMessage {
	return StatusMessage{Type: TypeRequestSent, Message: "Friend request sent."}
}

func NewLoginSuccess(username string, userID int64) LoginSuccessMessage {
	return LoginSuccessMessage{
		Type: TypeLoginSuccess,
		Data: LoginSuccessData{Username: username, UserID: userID},
	}
}

// NewContactList never emits null arrays.
func NewContactList(friends []Contact, pending []string) ContactListMessage {
	if friends == nil {
		friends = []Contact{}
	}
	if pending == nil {
		pending = []string{}
	}
	return ContactListMessage{Type: TypeContactList, Friends: friends, Pending: pending}
}

func NewMessageHistory(withUser string, history []ChatEntry) MessageHistoryMessage {
	if history == nil {
		history = []ChatEntry{}
	}
	return MessageHistoryMessage{Type: TypeMessageHistory, WithUser: withUser, History: history}
}

func NewChatEntry(sender, text string, sentAt time.Time) ChatEntry {
	return ChatEntry{Sender: sender, Message: text, Timestamp: FormatTimestamp(sentAt)}
}

func NewPrivateMessageIncoming(entry ChatEntry) PrivateMessageIncoming {
	return PrivateMessageIncoming{Type: TypePrivateMessageIncoming, Data: entry}
}

func NewTyping(username string, typing bool) TypingMessage {
	if typing {
		return TypingMessage{Type: TypeUserTyping, Username: username}
	}
	return TypingMessage{Type: TypeUserStoppedTyping, Username: username}
}

func NewSearchResults(users []string) SearchResultsMessage {
	if users == nil {
		users = []string{}
	}
	return SearchResultsMessage{Type: TypeSearchResults, Users: users}
}

// Encode serializes an outbound message.
func Encode(msg any) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Event is a server message as seen by a client: the type tag plus the raw
// payload for typed decoding with Into.
type Event struct {
	Type string
	Raw  json.RawMessage
}

// DecodeEvent reads the type tag of a server message.
func DecodeEvent(payload []byte) (Event, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(payload, &head); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if head.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return Event{Type: head.Type, Raw: json.RawMessage(payload)}, nil
}

// Into decodes the full payload into v.
func (e Event) Into(v any) error {
	return json.Unmarshal(e.Raw, v)
}

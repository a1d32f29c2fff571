package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Message type constants (Client → Server)
const (
	TypeRegister            = "register"
	TypeLogin               = "login"
	TypeGetContactList      = "get_contact_list"
	TypeGetMessageHistory   = "get_message_history"
	TypePrivateMessage      = "private_message"
	TypeStartTyping         = "start_typing"
	TypeStopTyping          = "stop_typing"
	TypeSearchUsers         = "search_users"
	TypeSendFriendRequest   = "send_friend_request"
	TypeActionFriendRequest = "action_friend_request"
)

// ReconnectPassword is the sentinel password a client sends in a login
// request to re-attach an existing identity after a transport drop.
const ReconnectPassword = "SESSION_RECONNECT"

var (
	// ErrMalformed indicates the payload is not a JSON object with a string
	// "type" and the fields that type requires.
	ErrMalformed = errors.New("malformed payload")
	// ErrUnknownType indicates a well-formed payload with an unrecognised type.
	ErrUnknownType = errors.New("unknown message type")
)

// Request is the closed set of client requests. Only types in this package
// implement it.
type Request interface {
	// Type returns the wire type tag.
	Type() string
	request()
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ReconnectRequest is a login carrying ReconnectPassword. It is resolved by
// username alone.
type ReconnectRequest struct {
	Username string `json:"username"`
}

type GetContactListRequest struct{}

type GetMessageHistoryRequest struct {
	WithUser string `json:"withUser"`
}

type PrivateMessageRequest struct {
	ReceiverUsername string `json:"receiverUsername"`
	Message          string `json:"message"`
}

// TypingRequest covers both start_typing and stop_typing.
type TypingRequest struct {
	ToUser string `json:"toUser"`
	Typing bool   `json:"-"`
}

type SearchUsersRequest struct {
	Query string `json:"query"`
}

type SendFriendRequest struct {
	Username string `json:"username"`
}

type ActionFriendRequest struct {
	Username string `json:"username"`
	Accept   bool   `json:"accept"`
}

func (RegisterRequest) Type() string          { return TypeRegister }
func (LoginRequest) Type() string             { return TypeLogin }
func (ReconnectRequest) Type() string         { return TypeLogin }
func (GetContactListRequest) Type() string    { return TypeGetContactList }
func (GetMessageHistoryRequest) Type() string { return TypeGetMessageHistory }
func (PrivateMessageRequest) Type() string    { return TypePrivateMessage }
func (SearchUsersRequest) Type() string       { return TypeSearchUsers }
func (SendFriendRequest) Type() string        { return TypeSendFriendRequest }
func (ActionFriendRequest) Type() string      { return TypeActionFriendRequest }

func (r TypingRequest) Type() string {
	if r.Typing {
		return TypeStartTyping
	}
	return TypeStopTyping
}

func (RegisterRequest) request()          {}
func (LoginRequest) request()             {}
func (ReconnectRequest) request()         {}
func (GetContactListRequest) request()    {}
func (GetMessageHistoryRequest) request() {}
func (PrivateMessageRequest) request()    {}
func (TypingRequest) request()            {}
func (SearchUsersRequest) request()       {}
func (SendFriendRequest) request()        {}
func (ActionFriendRequest) request()      {}

// RequiresAuth reports whether the request may only be handled on a
// connection that has an attached identity.
func RequiresAuth(req Request) bool {
	switch req.(type) {
	case RegisterRequest, LoginRequest, ReconnectRequest:
		return false
	default:
		return true
	}
}

// AllowsAnonymous reports whether a payload with this type tag may be sent
// before login.
func AllowsAnonymous(msgType string) bool {
	return msgType == TypeRegister || msgType == TypeLogin
}

// PeekType returns the "type" tag of a payload without validating any other
// field. Errors wrap ErrMalformed.
func PeekType(payload []byte) (string, error) {
	var f fields
	if err := json.Unmarshal(payload, &f); err != nil || f == nil {
		return "", fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	return f.str("type")
}

// fields is a decoded top-level JSON object.
type fields map[string]json.RawMessage

func (f fields) str(name string) (string, error) {
	raw, ok := f[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %q", ErrMalformed, name)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: %q is not a string", ErrMalformed, name)
	}
	return s, nil
}

func (f fields) boolean(name string) (bool, error) {
	raw, ok := f[name]
	if !ok {
		return false, fmt.Errorf("%w: missing %q", ErrMalformed, name)
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean", ErrMalformed, name)
	}
	return b, nil
}

// DecodeRequest parses a text payload into one of the Request types.
// Errors wrap ErrMalformed or ErrUnknownType.
func DecodeRequest(payload []byte) (Request, error) {
	var f fields
	if err := json.Unmarshal(payload, &f); err != nil || f == nil {
		return nil, fmt.Errorf("%w: not a JSON object", ErrMalformed)
	}
	msgType, err := f.str("type")
	if err != nil {
		return nil, err
	}

	switch msgType {
	case TypeRegister:
		username, password, err := credentials(f)
		if err != nil {
			return nil, err
		}
		return RegisterRequest{Username: username, Password: password}, nil

	case TypeLogin:
		username, password, err := credentials(f)
		if err != nil {
			return nil, err
		}
		if password == ReconnectPassword {
			return ReconnectRequest{Username: username}, nil
		}
		return LoginRequest{Username: username, Password: password}, nil

	case TypeGetContactList:
		return GetContactListRequest{}, nil

	case TypeGetMessageHistory:
		withUser, err := f.str("withUser")
		if err != nil {
			return nil, err
		}
		return GetMessageHistoryRequest{WithUser: withUser}, nil

	case TypePrivateMessage:
		receiver, err := f.str("receiverUsername")
		if err != nil {
			return nil, err
		}
		message, err := f.str("message")
		if err != nil {
			return nil, err
		}
		return PrivateMessageRequest{ReceiverUsername: receiver, Message: message}, nil

	case TypeStartTyping, TypeStopTyping:
		toUser, err := f.str("toUser")
		if err != nil {
			return nil, err
		}
		return TypingRequest{ToUser: toUser, Typing: msgType == TypeStartTyping}, nil

	case TypeSearchUsers:
		query, err := f.str("query")
		if err != nil {
			return nil, err
		}
		return SearchUsersRequest{Query: query}, nil

	case TypeSendFriendRequest:
		username, err := f.str("username")
		if err != nil {
			return nil, err
		}
		return SendFriendRequest{Username: username}, nil

	case TypeActionFriendRequest:
		username, err := f.str("username")
		if err != nil {
			return nil, err
		}
		accept, err := f.boolean("accept")
		if err != nil {
			return nil, err
		}
		return ActionFriendRequest{Username: username, Accept: accept}, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, msgType)
}

func credentials(f fields) (string, string, error) {
	username, err := f.str("username")
	if err != nil {
		return "", "", err
	}
	password, err := f.str("password")
	if err != nil {
		return "", "", err
	}
	return username, password, nil
}

// EncodeRequest serializes a request with its "type" tag, as a client sends it.
func EncodeRequest(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var f fields
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, err
	}
	if f == nil {
		f = fields{}
	}
	typ, err := json.Marshal(req.Type())
	if err != nil {
		return nil, err
	}
	f["type"] = typ
	if _, ok := req.(ReconnectRequest); ok {
		f["password"], _ = json.Marshal(ReconnectPassword)
	}
	return json.Marshal(f)
}

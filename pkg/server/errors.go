package server

import (
	"errors"
	"fmt"
)

// Errors reported to clients. Every one of these is recovered at the handler
// boundary and sent as an error message; none closes the connection.
var (
	ErrMalformedPayload       = errors.New("malformed payload")
	ErrUnknownMessageType     = errors.New("unknown message type")
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrUsernameTaken          = errors.New("username taken")
	ErrLoginFailed            = errors.New("login failed")
	ErrUserNotFound           = errors.New("user not found")
	ErrSelfFriendRequest      = errors.New("cannot befriend yourself")
	ErrAlreadyFriends         = errors.New("already friends")
	ErrRequestAlreadyPending  = errors.New("friend request already pending")
	ErrRequestRejected        = errors.New("friend request rejected")
	ErrActionFailed           = errors.New("no pending friend request to action")
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrInvalidCredentials     = errors.New("invalid username or password format")
	ErrMessageTooLong         = errors.New("message too long")

	// ErrReconnectFailed is the LoginFailed variant for unknown reconnect usernames.
	ErrReconnectFailed = fmt.Errorf("session reconnect failed: %w", ErrLoginFailed)
)

// persistence wraps an unexpected store error.
func persistence(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrPersistenceFailure, op, err)
}

// clientMessage maps an error to the text shown to the user.
func clientMessage(err error) string {
	var recipient *recipientError
	if errors.As(err, &recipient) {
		return recipient.Error()
	}

	switch {
	case errors.Is(err, errSaveFailed):
		return "Error: Could not save message."
	case errors.Is(err, ErrMalformedPayload):
		return "Invalid JSON format."
	case errors.Is(err, ErrUnknownMessageType):
		return "Unknown message type."
	case errors.Is(err, ErrAuthenticationRequired):
		return "Authentication required. Please log in again."
	case errors.Is(err, ErrUsernameTaken):
		return "Registration failed. Username may already exist."
	case errors.Is(err, ErrReconnectFailed):
		return "Session reconnect failed. User not found."
	case errors.Is(err, ErrLoginFailed):
		return "Login failed. Invalid username or password."
	case errors.Is(err, ErrUserNotFound):
		return "User not found."
	case errors.Is(err, ErrSelfFriendRequest):
		return "You cannot add yourself as a friend."
	case errors.Is(err, ErrAlreadyFriends):
		return "You are already friends with this user."
	case errors.Is(err, ErrRequestAlreadyPending):
		return "A friend request is already pending."
	case errors.Is(err, ErrRequestRejected):
		return "This user has rejected your request."
	case errors.Is(err, ErrActionFailed):
		return "Failed to action friend request."
	case errors.Is(err, ErrInvalidCredentials):
		return "Invalid username or password."
	case errors.Is(err, ErrMessageTooLong):
		return "Message is too long."
	default:
		return "An error occurred."
	}
}

// errorKind is a short label for metrics.
func errorKind(err error) string {
	for _, k := range []struct {
		err  error
		kind string
	}{
		{ErrMalformedPayload, "malformed_payload"},
		{ErrUnknownMessageType, "unknown_type"},
		{ErrAuthenticationRequired, "auth_required"},
		{ErrUsernameTaken, "username_taken"},
		{ErrReconnectFailed, "reconnect_failed"},
		{ErrLoginFailed, "login_failed"},
		{ErrUserNotFound, "user_not_found"},
		{ErrSelfFriendRequest, "self_friend_request"},
		{ErrAlreadyFriends, "already_friends"},
		{ErrRequestAlreadyPending, "request_pending"},
		{ErrRequestRejected, "request_rejected"},
		{ErrActionFailed, "action_failed"},
		{ErrPersistenceFailure, "persistence"},
		{ErrInvalidCredentials, "invalid_credentials"},
		{ErrMessageTooLong, "message_too_long"},
	} {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return "internal"
}

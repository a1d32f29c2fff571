package client

import (
	"fmt"

	"github.com/aeolun/friendchat/pkg/protocol"
)

// Register creates an account. It does not log in.
func (c *Client) Register(username, password string) error {
	_, err := c.roundTrip(protocol.RegisterRequest{Username: username, Password: password},
		ofType(protocol.TypeRegisterSuccess))
	return err
}

// Login authenticates this connection.
func (c *Client) Login(username, password string) (protocol.LoginSuccessData, error) {
	ev, err := c.roundTrip(protocol.LoginRequest{Username: username, Password: password},
		ofType(protocol.TypeLoginSuccess))
	if err != nil {
		return protocol.LoginSuccessData{}, err
	}

	var msg protocol.LoginSuccessMessage
	if err := ev.Into(&msg); err != nil {
		return protocol.LoginSuccessData{}, fmt.Errorf("decode login_success: %w", err)
	}
	c.setUsername(msg.Data.Username)
	return msg.Data, nil
}

// Reconnect re-attaches a username after a dropped connection. The server
// answers with a contact list, which is returned.
func (c *Client) Reconnect(username string) (protocol.ContactListMessage, error) {
	ev, err := c.roundTrip(protocol.ReconnectRequest{Username: username}, ofType(protocol.TypeContactList))
	if err != nil {
		return protocol.ContactListMessage{}, err
	}
	c.setUsername(username)
	return decodeContacts(ev)
}

func (c *Client) setUsername(username string) {
	c.mu.Lock()
	c.username = username
	c.mu.Unlock()
}

// GetContactList fetches this user's friends and pending requests. Replies
// carry no request id, so the result is the first contact_list to arrive
// after sending; a presence refresh the server pushed concurrently can win,
// and it holds the same current state.
func (c *Client) GetContactList() (protocol.ContactListMessage, error) {
	ev, err := c.roundTrip(protocol.GetContactListRequest{}, ofType(protocol.TypeContactList))
	if err != nil {
		return protocol.ContactListMessage{}, err
	}
	return decodeContacts(ev)
}

func decodeContacts(ev protocol.Event) (protocol.ContactListMessage, error) {
	var list protocol.ContactListMessage
	if err := ev.Into(&list); err != nil {
		return protocol.ContactListMessage{}, fmt.Errorf("decode contact_list: %w", err)
	}
	return list, nil
}

// GetHistory returns the conversation with withUser, oldest first.
func (c *Client) GetHistory(withUser string) ([]protocol.ChatEntry, error) {
	ev, err := c.roundTrip(protocol.GetMessageHistoryRequest{WithUser: withUser},
		ofType(protocol.TypeMessageHistory))
	if err != nil {
		return nil, err
	}

	var msg protocol.MessageHistoryMessage
	if err := ev.Into(&msg); err != nil {
		return nil, fmt.Errorf("decode message_history: %w", err)
	}
	return msg.History, nil
}

// SendPrivateMessage sends text to receiver and returns the stored entry from
// the server's echo.
func (c *Client) SendPrivateMessage(receiver, text string) (protocol.ChatEntry, error) {
	me := c.Username()
	var entry protocol.ChatEntry
	_, err := c.roundTrip(protocol.PrivateMessageRequest{ReceiverUsername: receiver, Message: text},
		func(ev protocol.Event) bool {
			if ev.Type != protocol.TypePrivateMessageIncoming {
				return false
			}
			var msg protocol.PrivateMessageIncoming
			if ev.Into(&msg) != nil || msg.Data.Sender != me || msg.Data.Message != text {
				return false
			}
			entry = msg.Data
			return true
		})
	return entry, err
}

// StartTyping tells toUser this user is typing. There is no reply.
func (c *Client) StartTyping(toUser string) error {
	return c.send(protocol.TypingRequest{ToUser: toUser, Typing: true})
}

// StopTyping clears the typing indicator shown to toUser.
func (c *Client) StopTyping(toUser string) error {
	return c.send(protocol.TypingRequest{ToUser: toUser, Typing: false})
}

// SearchUsers finds registered users by substring.
func (c *Client) SearchUsers(query string) ([]string, error) {
	ev, err := c.roundTrip(protocol.SearchUsersRequest{Query: query}, ofType(protocol.TypeSearchResults))
	if err != nil {
		return nil, err
	}

	var msg protocol.SearchResultsMessage
	if err := ev.Into(&msg); err != nil {
		return nil, fmt.Errorf("decode search_results: %w", err)
	}
	return msg.Users, nil
}

// SendFriendRequest asks username to become a friend.
func (c *Client) SendFriendRequest(username string) error {
	_, err := c.roundTrip(protocol.SendFriendRequest{Username: username}, ofType(protocol.TypeRequestSent))
	return err
}

// ActionFriendRequest accepts or rejects the pending request from username
// and returns the refreshed contact list. Refreshes assembled before the
// action still list username as pending and are skipped.
func (c *Client) ActionFriendRequest(username string, accept bool) (protocol.ContactListMessage, error) {
	var list protocol.ContactListMessage
	_, err := c.roundTrip(protocol.ActionFriendRequest{Username: username, Accept: accept},
		func(ev protocol.Event) bool {
			if ev.Type != protocol.TypeContactList {
				return false
			}
			decoded, err := decodeContacts(ev)
			if err != nil || !actioned(decoded, username, accept) {
				return false
			}
			list = decoded
			return true
		})
	if err != nil {
		return protocol.ContactListMessage{}, err
	}
	return list, nil
}

// actioned reports whether list reflects the outcome of acting on username's
// request.
func actioned(list protocol.ContactListMessage, username string, accept bool) bool {
	for _, p := range list.Pending {
		if p == username {
			return false
		}
	}
	friend := false
	for _, f := range list.Friends {
		if f.Username == username {
			friend = true
			break
		}
	}
	return friend == accept
}

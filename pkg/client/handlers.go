package client

import (
	"github.com/aeolun/friendchat/pkg/protocol"
)

// Handlers run on a single dispatch goroutine, in arrival order. They may
// call request methods on the client.

// OnEvent registers a handler for every server message.
func (c *Client) OnEvent(handler func(protocol.Event)) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.onEvent = append(c.onEvent, handler)
}

// OnContactList registers a handler for contact list refreshes, including
// the replies to GetContactList and ActionFriendRequest.
func (c *Client) OnContactList(handler func(protocol.ContactListMessage)) {
	c.OnEvent(func(ev protocol.Event) {
		if ev.Type != protocol.TypeContactList {
			return
		}
		if list, err := decodeContacts(ev); err == nil {
			handler(list)
		}
	})
}

// OnPrivateMessage registers a handler for delivered private messages. The
// echoes of this client's own messages are included; compare Sender with
// Username to tell them apart.
func (c *Client) OnPrivateMessage(handler func(protocol.ChatEntry)) {
	c.OnEvent(func(ev protocol.Event) {
		if ev.Type != protocol.TypePrivateMessageIncoming {
			return
		}
		var msg protocol.PrivateMessageIncoming
		if err := ev.Into(&msg); err == nil {
			handler(msg.Data)
		}
	})
}

// OnTyping registers a handler for typing indicators.
func (c *Client) OnTyping(handler func(username string, typing bool)) {
	c.OnEvent(func(ev protocol.Event) {
		if ev.Type != protocol.TypeUserTyping && ev.Type != protocol.TypeUserStoppedTyping {
			return
		}
		var msg protocol.TypingMessage
		if err := ev.Into(&msg); err == nil {
			handler(msg.Username, ev.Type == protocol.TypeUserTyping)
		}
	})
}

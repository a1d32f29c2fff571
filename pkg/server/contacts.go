package server

import (
	"strings"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/sirupsen/logrus"
)

// ContactAssembler builds each user's contact view: accepted friends with
// their presence, plus incoming requests awaiting a response.
type ContactAssembler struct {
	store       Store
	friendships *Friendships
	registry    *Registry
}

func NewContactAssembler(store Store, friendships *Friendships, registry *Registry) *ContactAssembler {
	return &ContactAssembler{store: store, friendships: friendships, registry: registry}
}

// Assemble returns userID's contact list as of now.
func (c *ContactAssembler) Assemble(userID int64) (protocol.ContactListMessage, error) {
	friends, err := c.friendships.ListFriends(userID)
	if err != nil {
		return protocol.ContactListMessage{}, err
	}
	pending, err := c.friendships.ListPendingIncoming(userID)
	if err != nil {
		return protocol.ContactListMessage{}, err
	}

	contacts := make([]protocol.Contact, 0, len(friends))
	for _, f := range friends {
		contacts = append(contacts, protocol.Contact{
			Username: f.Username,
			Online:   c.registry.IsOnline(f.ID),
		})
	}
	return protocol.NewContactList(contacts, pending), nil
}

// SendTo assembles and sends the contact list for the identity attached to
// sess. Sessions without an identity are skipped.
func (c *ContactAssembler) SendTo(sess *Session) {
	ident, ok := sess.Identity()
	if !ok {
		return
	}

	list, err := c.Assemble(ident.ID)
	if err != nil {
		logrus.WithFields(sess.logFields()).WithField("function", "SendTo").
			WithError(err).Error("failed to assemble contact list")
		return
	}
	sess.sendBestEffort(list)
}

// Refresh sends fresh contact lists to whichever of userIDs are online.
func (c *ContactAssembler) Refresh(userIDs ...int64) {
	for _, id := range userIDs {
		if sess, ok := c.registry.Get(id); ok {
			c.SendTo(sess)
		}
	}
}

// BroadcastRefresh sends every online user their own contact list. Used when
// presence changes.
func (c *ContactAssembler) BroadcastRefresh() {
	for _, sess := range c.registry.Snapshot() {
		c.SendTo(sess)
	}
}

// Search returns registered usernames containing query, case-insensitively,
// excluding self and self's accepted friends.
func (c *ContactAssembler) Search(self database.Identity, query string) ([]string, error) {
	all, err := c.store.ListAllUsernames()
	if err != nil {
		return nil, persistence("ListAllUsernames", err)
	}
	friends, err := c.friendships.ListFriends(self.ID)
	if err != nil {
		return nil, err
	}

	exclude := make(map[string]bool, len(friends)+1)
	exclude[self.Username] = true
	for _, f := range friends {
		exclude[f.Username] = true
	}

	needle := strings.ToLower(query)
	var matches []string
	for _, name := range all {
		if exclude[name] {
			continue
		}
		if strings.Contains(strings.ToLower(name), needle) {
			matches = append(matches, name)
		}
	}
	return matches, nil
}

package server

import (
	"errors"

	"github.com/aeolun/friendchat/pkg/database"
)

// CanonicalPair orders two user ids so each unordered pair has one key.
func CanonicalPair(a, b int64) (int64, int64) {
	if a < b {
		return a, b
	}
	return b, a
}

// Friendships drives the friend request state machine:
// Pending → Accepted or Pending → Rejected. Both end states are final.
type Friendships struct {
	store Store
}

func NewFriendships(store Store) *Friendships {
	return &Friendships{store: store}
}

func statusError(status database.FriendshipStatus) error {
	switch status {
	case database.FriendshipAccepted:
		return ErrAlreadyFriends
	case database.FriendshipRejected:
		return ErrRequestRejected
	default:
		return ErrRequestAlreadyPending
	}
}

// Request creates a pending friendship from sender to receiverUsername and
// returns the receiver.
func (f *Friendships) Request(sender database.Identity, receiverUsername string) (database.Identity, error) {
	receiver, err := f.store.ResolveUser(receiverUsername)
	if errors.Is(err, database.ErrUserNotFound) {
		return database.Identity{}, ErrUserNotFound
	}
	if err != nil {
		return database.Identity{}, persistence("ResolveUser", err)
	}
	if receiver.ID == sender.ID {
		return database.Identity{}, ErrSelfFriendRequest
	}

	one, two := CanonicalPair(sender.ID, receiver.ID)

	existing, err := f.store.GetFriendship(one, two)
	switch {
	case err == nil:
		return database.Identity{}, statusError(existing.Status)
	case !errors.Is(err, database.ErrFriendshipNotFound):
		return database.Identity{}, persistence("GetFriendship", err)
	}

	created, err := f.store.InsertFriendRequest(one, two, sender.ID)
	if err != nil {
		return database.Identity{}, persistence("InsertFriendRequest", err)
	}
	if !created {
		// Lost a race with a concurrent request for the same pair
		existing, err := f.store.GetFriendship(one, two)
		if err != nil {
			return database.Identity{}, ErrRequestAlreadyPending
		}
		return database.Identity{}, statusError(existing.Status)
	}
	return receiver, nil
}

// Action accepts or rejects the pending request between responderID and
// requesterID. ErrActionFailed covers both "no request" and "already
// actioned".
func (f *Friendships) Action(responderID, requesterID int64, accept bool) error {
	status := database.FriendshipRejected
	if accept {
		status = database.FriendshipAccepted
	}

	one, two := CanonicalPair(responderID, requesterID)
	n, err := f.store.UpdateFriendshipStatus(one, two, status, responderID)
	if err != nil {
		return persistence("UpdateFriendshipStatus", err)
	}
	if n == 0 {
		return ErrActionFailed
	}
	return nil
}

// ListFriends returns userID's accepted friends, sorted by username.
func (f *Friendships) ListFriends(userID int64) ([]database.Identity, error) {
	friends, err := f.store.FriendsOf(userID)
	if err != nil {
		return nil, persistence("FriendsOf", err)
	}
	return friends, nil
}

// ListPendingIncoming returns the usernames whose requests userID has not
// yet answered.
func (f *Friendships) ListPendingIncoming(userID int64) ([]string, error) {
	pending, err := f.store.PendingIncomingOf(userID)
	if err != nil {
		return nil, persistence("PendingIncomingOf", err)
	}
	return pending, nil
}

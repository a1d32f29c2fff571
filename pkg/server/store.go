package server

import "github.com/aeolun/friendchat/pkg/database"

// Store is the persistence the coordinator depends on. database.DB and
// database.MemDB both satisfy it. Calls are synchronous and authoritative.
type Store interface {
	RegisterUser(username, password string) (database.Identity, error)
	Authenticate(username, password string) (database.Identity, error)
	ResolveUser(username string) (database.Identity, error)
	ListAllUsernames() ([]string, error)

	SaveMessage(senderID, receiverID int64, text string) (*database.Message, error)
	MessageHistory(userA, userB int64) ([]*database.Message, error)

	GetFriendship(userOne, userTwo int64) (*database.Friendship, error)
	InsertFriendRequest(userOne, userTwo, actionUser int64) (bool, error)
	UpdateFriendshipStatus(userOne, userTwo int64, status database.FriendshipStatus, actionUser int64) (int64, error)
	FriendsOf(userID int64) ([]database.Identity, error)
	PendingIncomingOf(userID int64) ([]string, error)

	Close() error
}

var (
	_ Store = (*database.DB)(nil)
	_ Store = (*database.MemDB)(nil)
)

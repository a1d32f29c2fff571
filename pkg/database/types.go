package database

import "time"

// Identity is a registered account as the rest of the server sees it.
type Identity struct {
	ID       int64
	Username string
}

// Message represents a stored private message
type Message struct {
	ID             int64
	SenderID       int64
	ReceiverID     int64
	SenderUsername string
	Text           string
	SentAt         time.Time
}

// FriendshipStatus is the state of a friendship row.
type FriendshipStatus int

const (
	FriendshipPending  FriendshipStatus = 0
	FriendshipAccepted FriendshipStatus = 1
	FriendshipRejected FriendshipStatus = 2
)

func (s FriendshipStatus) String() string {
	switch s {
	case FriendshipPending:
		return "pending"
	case FriendshipAccepted:
		return "accepted"
	case FriendshipRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Friendship represents one row per unordered user pair. UserOneID is always
// the smaller id. ActionUserID is whoever last changed the row: the sender
// while pending, the responder afterwards.
type Friendship struct {
	ID           int64
	UserOneID    int64
	UserTwoID    int64
	Status       FriendshipStatus
	ActionUserID int64
}

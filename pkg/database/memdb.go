package database

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// errNonCanonicalPair mirrors the CHECK (user_one_id < user_two_id) constraint.
var errNonCanonicalPair = errors.New("friendship pair must be ordered user_one_id < user_two_id")

type memUser struct {
	Identity
	passwordHash string
}

type pairKey struct {
	one, two int64
}

// MemDB is an in-memory store with the same behaviour as DB. Nothing is
// persisted; it backs tests and ephemeral servers.
type MemDB struct {
	mu sync.RWMutex

	users      map[int64]*memUser
	byUsername map[string]int64
	messages   []*Message
	friends    map[pairKey]*Friendship

	nextUserID    int64
	nextMessageID int64
	nextFriendID  int64
}

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		users:      make(map[int64]*memUser),
		byUsername: make(map[string]int64),
		friends:    make(map[pairKey]*Friendship),
	}
}

// Close is a no-op, present so MemDB and DB are interchangeable.
func (m *MemDB) Close() error {
	return nil
}

func (m *MemDB) RegisterUser(username, password string) (Identity, error) {
	// Hash outside the lock; bcrypt is slow on purpose
	hash, err := hashPassword(password)
	if err != nil {
		return Identity{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byUsername[username]; exists {
		return Identity{}, ErrUsernameTaken
	}
	m.nextUserID++
	u := &memUser{
		Identity:     Identity{ID: m.nextUserID, Username: username},
		passwordHash: hash,
	}
	m.users[u.ID] = u
	m.byUsername[username] = u.ID
	return u.Identity, nil
}

func (m *MemDB) Authenticate(username, password string) (Identity, error) {
	m.mu.RLock()
	id, ok := m.byUsername[username]
	var u memUser
	if ok {
		u = *m.users[id]
	}
	m.mu.RUnlock()

	if !ok {
		return Identity{}, ErrUserNotFound
	}
	if err := checkPassword(u.passwordHash, password); err != nil {
		return Identity{}, err
	}
	return u.Identity, nil
}

func (m *MemDB) ResolveUser(username string) (Identity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[username]
	if !ok {
		return Identity{}, ErrUserNotFound
	}
	return m.users[id].Identity, nil
}

func (m *MemDB) ListAllUsernames() ([]string, error) {
	m.mu.RLock()
	names := make([]string, 0, len(m.byUsername))
	for name := range m.byUsername {
		names = append(names, name)
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

func (m *MemDB) SaveMessage(senderID, receiverID int64, text string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.users[senderID]
	if !ok {
		return nil, ErrUserNotFound
	}
	if _, ok := m.users[receiverID]; !ok {
		return nil, ErrUserNotFound
	}

	m.nextMessageID++
	msg := &Message{
		ID:             m.nextMessageID,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		SenderUsername: sender.Username,
		Text:           text,
		SentAt:         time.UnixMilli(nowMillis()),
	}
	m.messages = append(m.messages, msg)

	copied := *msg
	return &copied, nil
}

// MessageHistory relies on messages being appended in id order, which is
// also sent_at order.
func (m *MemDB) MessageHistory(userA, userB int64) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Message
	for _, msg := range m.messages {
		if (msg.SenderID == userA && msg.ReceiverID == userB) ||
			(msg.SenderID == userB && msg.ReceiverID == userA) {
			copied := *msg
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *MemDB) GetFriendship(userOne, userTwo int64) (*Friendship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, ok := m.friends[pairKey{userOne, userTwo}]
	if !ok {
		return nil, ErrFriendshipNotFound
	}
	copied := *f
	return &copied, nil
}

func (m *MemDB) InsertFriendRequest(userOne, userTwo, actionUser int64) (bool, error) {
	if userOne >= userTwo {
		return false, errNonCanonicalPair
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.users[userOne] == nil || m.users[userTwo] == nil {
		return false, ErrUserNotFound
	}
	key := pairKey{userOne, userTwo}
	if _, exists := m.friends[key]; exists {
		return false, nil
	}
	m.nextFriendID++
	m.friends[key] = &Friendship{
		ID:           m.nextFriendID,
		UserOneID:    userOne,
		UserTwoID:    userTwo,
		Status:       FriendshipPending,
		ActionUserID: actionUser,
	}
	return true, nil
}

func (m *MemDB) UpdateFriendshipStatus(userOne, userTwo int64, status FriendshipStatus, actionUser int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.friends[pairKey{userOne, userTwo}]
	if !ok || f.Status != FriendshipPending {
		return 0, nil
	}
	f.Status = status
	f.ActionUserID = actionUser
	return 1, nil
}

func (m *MemDB) FriendsOf(userID int64) ([]Identity, error) {
	m.mu.RLock()
	var friends []Identity
	for key, f := range m.friends {
		if f.Status != FriendshipAccepted {
			continue
		}
		switch userID {
		case key.one:
			friends = append(friends, m.users[key.two].Identity)
		case key.two:
			friends = append(friends, m.users[key.one].Identity)
		}
	}
	m.mu.RUnlock()

	sort.Slice(friends, func(i, j int) bool {
		return friends[i].Username < friends[j].Username
	})
	return friends, nil
}

func (m *MemDB) PendingIncomingOf(userID int64) ([]string, error) {
	m.mu.RLock()
	var names []string
	for key, f := range m.friends {
		if f.Status != FriendshipPending || f.ActionUserID == userID {
			continue
		}
		if key.one == userID || key.two == userID {
			names = append(names, m.users[f.ActionUserID].Username)
		}
	}
	m.mu.RUnlock()

	sort.Strings(names)
	return names, nil
}

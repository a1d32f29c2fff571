package server

import (
	"sync"
	"testing"

	"github.com/aeolun/friendchat/pkg/database"
	"github.com/aeolun/friendchat/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestCanonicalPairProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		a := rapid.Int64().Draw(t, "a")
		b := rapid.Int64().Draw(t, "b")

		one, two := CanonicalPair(a, b)
		rOne, rTwo := CanonicalPair(b, a)
		if one != rOne || two != rTwo {
			t.Fatalf("CanonicalPair not symmetric: (%d,%d) vs (%d,%d)", one, two, rOne, rTwo)
		}
		if one > two {
			t.Fatalf("CanonicalPair not ordered: (%d,%d)", one, two)
		}
		if !(one == a && two == b) && !(one == b && two == a) {
			t.Fatalf("CanonicalPair changed members: (%d,%d) from (%d,%d)", one, two, a, b)
		}
	})
}

func TestFriendRequestErrors(t *testing.T) {
	h := newHarness(t)
	clients := h.online("alice", "bob")
	alice, bob := clients[0], clients[1]

	alice.send(protocol.SendFriendRequest{Username: "alice"})
	assert.Equal(t, "You cannot add yourself as a friend.", alice.expectError())

	alice.send(protocol.SendFriendRequest{Username: "nobody"})
	assert.Equal(t, "User not found.", alice.expectError())

	alice.send(protocol.SendFriendRequest{Username: "bob"})
	var sent protocol.StatusMessage
	require.NoError(t, alice.expectType(protocol.TypeRequestSent).Into(&sent))
	assert.Equal(t, "Friend request sent.", sent.Message)

	alice.send(protocol.SendFriendRequest{Username: "bob"})
	assert.Equal(t, "A friend request is already pending.", alice.expectError())

	bob.conn.take()
	bob.send(protocol.SendFriendRequest{Username: "alice"})
	assert.Equal(t, "A friend request is already pending.", bob.expectError())
}

func TestFriendRequestRefreshesReceiver(t *testing.T) {
	h := newHarness(t)
	clients := h.online("alice", "bob")
	alice, bob := clients[0], clients[1]

	alice.send(protocol.SendFriendRequest{Username: "bob"})

	list := bob.contactList()
	assert.Equal(t, []string{"alice"}, list.Pending)
	assert.Empty(t, list.Friends)

	// The sender's own view does not list outgoing requests
	aliceList := alice.fetchContacts()
	assert.Empty(t, aliceList.Pending)
}

func TestAcceptMakesBothFriends(t *testing.T) {
	h := newHarness(t)
	clients := h.online("alice", "bob")
	alice, bob := clients[0], clients[1]

	alice.send(protocol.SendFriendRequest{Username: "bob"})
	alice.conn.take()
	bob.conn.take()

	bob.send(protocol.ActionFriendRequest{Username: "alice", Accept: true})

	bobList := bob.contactList()
	assert.Equal(t, []protocol.Contact{{Username: "alice", Online: true}}, bobList.Friends)
	assert.Empty(t, bobList.Pending)

	aliceList := alice.contactList()
	assert.Equal(t, []protocol.Contact{{Username: "bob", Online: true}}, aliceList.Friends)

	friends, err := h.srv.friendships.ListFriends(alice.userID())
	require.NoError(t, err)
	require.Len(t, friends, 1)
	assert.Equal(t, "bob", friends[0].Username)

	alice.send(protocol.SendFriendRequest{Username: "bob"})
	assert.Equal(t, "You are already friends with this user.", alice.expectError())
}

func TestRejectIsTerminal(t *testing.T) {
	h := newHarness(t)
	clients := h.online("alice", "bob")
	alice, bob := clients[0], clients[1]

	alice.send(protocol.SendFriendRequest{Username: "bob"})
	bob.send(protocol.ActionFriendRequest{Username: "alice", Accept: false})
	list := bob.contactList()
	assert.Empty(t, list.Pending)
	assert.Empty(t, list.Friends)

	alice.conn.take()
	alice.send(protocol.SendFriendRequest{Username: "bob"})
	assert.Equal(t, "This user has rejected your request.", alice.expectError())

	bob.send(protocol.SendFriendRequest{Username: "alice"})
	assert.Equal(t, "This user has rejected your request.", bob.expectError())

	bob.send(protocol.ActionFriendRequest{Username: "alice", Accept: true})
	assert.Equal(t, "Failed to action friend request.", bob.expectError())
}

func TestActionWithoutRequestFails(t *testing.T) {
	h := newHarness(t)
	clients := h.online("alice", "bob")
	bob := clients[1]

	bob.send(protocol.ActionFriendRequest{Username: "alice", Accept: true})
	assert.Equal(t, "Failed to action friend request.", bob.expectError())

	bob.send(protocol.ActionFriendRequest{Username: "nobody", Accept: true})
	assert.Equal(t, "User not found.", bob.expectError())
}

func TestConcurrentCrossRequestsCreateOneRecord(t *testing.T) {
	store := database.NewMemDB()
	f := NewFriendships(store)
	alice, err := store.RegisterUser("alice", "pw")
	require.NoError(t, err)
	bob, err := store.RegisterUser("bob", "pw")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, pair := range [][2]database.Identity{{alice, bob}, {bob, alice}} {
		wg.Add(1)
		go func(i int, sender database.Identity, receiver string) {
			defer wg.Done()
			_, errs[i] = f.Request(sender, receiver)
		}(i, pair[0], pair[1].Username)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrRequestAlreadyPending)
		}
	}
	assert.Equal(t, 1, succeeded)

	one, two := CanonicalPair(alice.ID, bob.ID)
	fs, err := store.GetFriendship(one, two)
	require.NoError(t, err)
	assert.Equal(t, database.FriendshipPending, fs.Status)
}

func TestPendingListsOnlyIncoming(t *testing.T) {
	store := database.NewMemDB()
	f := NewFriendships(store)
	alice, _ := store.RegisterUser("alice", "pw")
	bob, _ := store.RegisterUser("bob", "pw")
	carol, _ := store.RegisterUser("carol", "pw")

	_, err := f.Request(alice, "bob")
	require.NoError(t, err)
	_, err = f.Request(carol, "bob")
	require.NoError(t, err)

	pending, err := f.ListPendingIncoming(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "carol"}, pending)

	pending, err = f.ListPendingIncoming(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

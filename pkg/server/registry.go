package server

import "sync"

// Registry maps online user ids to the session that currently represents
// them. A later login for the same id replaces the earlier entry. The
// registry never closes connections; the transport owns them.
type Registry struct {
	mu     sync.RWMutex
	online map[int64]*Session
}

func NewRegistry() *Registry {
	return &Registry{online: make(map[int64]*Session)}
}

// Put binds userID to sess and returns the session it replaced, if any.
func (r *Registry) Put(userID int64, sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.online[userID]
	r.online[userID] = sess
	if prev == sess {
		return nil
	}
	return prev
}

func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	delete(r.online, userID)
	r.mu.Unlock()
}

// RemoveIf removes userID only while it still maps to sess, so a stale
// connection closing cannot evict a newer login. Reports whether it removed.
func (r *Registry) RemoveIf(userID int64, sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.online[userID] != sess {
		return false
	}
	delete(r.online, userID)
	return true
}

func (r *Registry) Get(userID int64) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sess, ok := r.online[userID]
	return sess, ok
}

func (r *Registry) IsOnline(userID int64) bool {
	_, ok := r.Get(userID)
	return ok
}

// Snapshot returns the current sessions as a new slice. Broadcasts iterate
// the copy, so concurrent Put/Remove never affects an in-flight fan-out.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.online))
	for _, sess := range r.online {
		sessions = append(sessions, sess)
	}
	return sessions
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.online)
}

package registry

import (
	"sync"

	"github.com/roomcall/signaling/internal/models"
)

// Sender is the outbound side of a live connection. Deliver must not block;
// it reports false when the event was dropped (e.g. full send buffer).
type Sender interface {
	Deliver(models.SignalEvent) bool
}

type binding struct {
	connID string
	userID string
	roomID string
	sender Sender
}

// Registry maps transport-level connection identities to logical user
// identities and their live send handles. It is the lowest layer: every
// relay lookup ("which connection is user U in room R?") goes through here.
type Registry struct {
	mu     sync.RWMutex
	byConn map[string]*binding
	byRoom map[string]map[string]*binding // roomID -> userID -> binding
}

func New() *Registry {
	return &Registry{
		byConn: make(map[string]*binding),
		byRoom: make(map[string]map[string]*binding),
	}
}

// Register records a freshly upgraded connection before it has joined a room.
func (r *Registry) Register(connID string, sender Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byConn[connID] = &binding{connID: connID, sender: sender}
}

// Bind associates a registered connection with a user identity inside a
// room. It reports false if the connection is unknown or if that identity
// already holds a live connection in the room.
func (r *Registry) Bind(connID, userID, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.byConn[connID]
	if !ok {
		return false
	}
	users := r.byRoom[roomID]
	if users == nil {
		users = make(map[string]*binding)
		r.byRoom[roomID] = users
	}
	if existing, taken := users[userID]; taken && existing.connID != connID {
		return false
	}
	b.userID = userID
	b.roomID = roomID
	users[userID] = b
	return true
}

// Unbind detaches the connection from its room binding but keeps the
// connection registered, so the same socket can join another room.
func (r *Registry) Unbind(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(connID)
}

// Unregister removes the connection entirely.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unbindLocked(connID)
	delete(r.byConn, connID)
}

func (r *Registry) unbindLocked(connID string) {
	b, ok := r.byConn[connID]
	if !ok || b.roomID == "" {
		return
	}
	if users := r.byRoom[b.roomID]; users != nil {
		if users[b.userID] == b {
			delete(users, b.userID)
		}
		if len(users) == 0 {
			delete(r.byRoom, b.roomID)
		}
	}
	b.userID = ""
	b.roomID = ""
}

// Identity resolves a connection to its bound user and room.
func (r *Registry) Identity(connID string) (userID, roomID string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, found := r.byConn[connID]
	if !found || b.userID == "" {
		return "", "", false
	}
	return b.userID, b.roomID, true
}

// Lookup returns the send handle for a user inside a room.
func (r *Registry) Lookup(roomID, userID string) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.byRoom[roomID]
	if users == nil {
		return nil, false
	}
	b, ok := users[userID]
	if !ok {
		return nil, false
	}
	return b.sender, true
}

// RoomSenders returns the send handles of every bound connection in the
// room except excludeUserID.
func (r *Registry) RoomSenders(roomID, excludeUserID string) []Sender {
	r.mu.RLock()
	defer r.mu.RUnlock()
	users := r.byRoom[roomID]
	if users == nil {
		return nil
	}
	senders := make([]Sender, 0, len(users))
	for userID, b := range users {
		if userID != excludeUserID {
			senders = append(senders, b.sender)
		}
	}
	return senders
}

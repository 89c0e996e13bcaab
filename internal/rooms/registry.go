// Package rooms implements the membership registry for logical channels.
// A room groups the connections interested in one domain entity (a user, a
// project, a task, or a team); the broadcaster resolves fan-out targets
// through this registry.
//
// Membership is indexed both ways, room -> connections and
// connection -> rooms, so event fan-out and disconnect cleanup are both map
// lookups. All state lives behind a single RWMutex; every critical section
// is a few map operations, and no collaborator call ever happens under the
// lock.
package rooms

import (
	"context"
	"errors"
	"sync"

	"github.com/tbourn/go-realtime-backend/internal/domain"
)

// ErrAccessDenied is returned by Join when the access resolver rejects the
// (user, room) pair. The caller keeps the connection open and reports the
// denial for that subscription only.
var ErrAccessDenied = errors.New("room access denied")

// AccessResolver answers whether a user may join a room. It is an external
// collaborator (backed by the application's project/team membership data);
// the registry only consumes the boolean.
type AccessResolver interface {
	CanJoin(ctx context.Context, userID string, room domain.Room) (bool, error)
}

// member records who owns a connection, so MemberUserIDs can aggregate
// connections back to users.
type member struct {
	userID string
}

// Registry tracks which connections belong to which rooms. It is safe for
// concurrent use.
type Registry struct {
	access AccessResolver

	mu     sync.RWMutex
	byRoom map[string]map[string]member // room key -> connID -> member
	byConn map[string]map[string]domain.Room
	userOf map[string]string // connID -> userID
}

// NewRegistry constructs an empty registry using the given access resolver.
func NewRegistry(access AccessResolver) *Registry {
	return &Registry{
		access: access,
		byRoom: make(map[string]map[string]member),
		byConn: make(map[string]map[string]domain.Room),
		userOf: make(map[string]string),
	}
}

// Join adds a connection to a room after consulting the access resolver.
// A denial returns ErrAccessDenied and leaves all state untouched; resolver
// failures are returned verbatim. Joining a room twice is a no-op.
//
// The resolver is awaited before the lock is taken: authorization may be a
// network call and must not block concurrent membership reads.
func (r *Registry) Join(ctx context.Context, connID, userID string, room domain.Room) error {
	// The user's own room needs no authorization; everything else does.
	if room.Type != domain.RoomUser || room.ID != userID {
		allowed, err := r.access.CanJoin(ctx, userID, room)
		if err != nil {
			return err
		}
		if !allowed {
			return ErrAccessDenied
		}
	}

	key := room.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byRoom[key] == nil {
		r.byRoom[key] = make(map[string]member)
	}
	r.byRoom[key][connID] = member{userID: userID}

	if r.byConn[connID] == nil {
		r.byConn[connID] = make(map[string]domain.Room)
	}
	r.byConn[connID][key] = room
	r.userOf[connID] = userID
	return nil
}

// Restore re-adds memberships for a reconnected session's new connection
// without consulting the access resolver: the rooms were authorized when the
// original connection joined them and the recovery window is short. Only the
// recovery manager calls this.
func (r *Registry) Restore(connID, userID string, joined []domain.Room) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, room := range joined {
		key := room.Key()
		if r.byRoom[key] == nil {
			r.byRoom[key] = make(map[string]member)
		}
		r.byRoom[key][connID] = member{userID: userID}
		if r.byConn[connID] == nil {
			r.byConn[connID] = make(map[string]domain.Room)
		}
		r.byConn[connID][key] = room
	}
	r.userOf[connID] = userID
}

// Leave removes a connection from a room. Empty rooms are deleted so the
// registry never accumulates dead keys. Leaving a room the connection is not
// in is a no-op.
func (r *Registry) Leave(connID string, room domain.Room) {
	key := room.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	if members, ok := r.byRoom[key]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.byRoom, key)
		}
	}
	if joined, ok := r.byConn[connID]; ok {
		delete(joined, key)
		if len(joined) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// RemoveConnection drops a connection from every room it joined and forgets
// it. Returns the rooms it was removed from, which the recovery manager
// retains for membership migration on reconnect.
func (r *Registry) RemoveConnection(connID string) []domain.Room {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.byConn[connID]
	out := make([]domain.Room, 0, len(joined))
	for key, room := range joined {
		out = append(out, room)
		if members, ok := r.byRoom[key]; ok {
			delete(members, connID)
			if len(members) == 0 {
				delete(r.byRoom, key)
			}
		}
	}
	delete(r.byConn, connID)
	delete(r.userOf, connID)
	return out
}

// MembersOf returns the connection ids currently joined to a room.
func (r *Registry) MembersOf(room domain.Room) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[room.Key()]
	if len(members) == 0 {
		return nil
	}
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// MemberUserIDs returns the distinct user ids with at least one connection
// in the room.
func (r *Registry) MemberUserIDs(room domain.Room) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[room.Key()]
	if len(members) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(members))
	out := make([]string, 0, len(members))
	for _, m := range members {
		if _, ok := seen[m.userID]; ok {
			continue
		}
		seen[m.userID] = struct{}{}
		out = append(out, m.userID)
	}
	return out
}

// RoomsOf returns the rooms a connection is currently joined to.
func (r *Registry) RoomsOf(connID string) []domain.Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined := r.byConn[connID]
	if len(joined) == 0 {
		return nil
	}
	out := make([]domain.Room, 0, len(joined))
	for _, room := range joined {
		out = append(out, room)
	}
	return out
}

// InRoom reports whether the connection is joined to the room.
func (r *Registry) InRoom(connID string, room domain.Room) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	joined, ok := r.byConn[connID]
	if !ok {
		return false
	}
	_, ok = joined[room.Key()]
	return ok
}

// RoomCount returns the number of live rooms (used by the stats endpoint).
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byRoom)
}

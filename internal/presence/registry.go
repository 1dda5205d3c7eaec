// Package presence tracks which connection is in which room under which name.
//
// A Registry is an append-ordered list of users guarded by a single lock.
// Every operation is a linear scan; rooms are not stored, they are the set of
// users sharing a room name.
package presence

import (
	"errors"
	"slices"
	"sync"

	"github.com/samber/lo"
)

var (
	// ErrNotFound is returned when no user is registered for an identity.
	ErrNotFound = errors.New("presence: user not found")
	// ErrAlreadyJoined is returned when an identity joins a second time.
	ErrAlreadyJoined = errors.New("presence: connection already joined a room")
)

// User is a connection that joined a room. It is immutable once created.
type User struct {
	ID       string
	Username string
	Room     string
}

// Member is the public view of a user inside a room listing.
type Member struct {
	Username string `json:"username"`
}

// Registry is the in-memory directory of joined users.
type Registry struct {
	mu    sync.RWMutex
	users []User
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Join appends a user for id. An identity can hold a single user at a time;
// a second join for the same id fails with ErrAlreadyJoined and leaves the
// registry untouched. Repeated usernames in one room are allowed.
func (r *Registry) Join(id, username, room string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.find(id); ok {
		return User{}, ErrAlreadyJoined
	}

	user := User{ID: id, Username: username, Room: room}
	r.users = append(r.users, user)
	return user, nil
}

// Find returns the user registered for id.
func (r *Registry) Find(id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	user, ok := r.find(id)
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// Leave removes and returns the user registered for id.
func (r *Registry) Leave(id string) (User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, index, ok := lo.FindIndexOf(r.users, func(u User) bool { return u.ID == id })
	if !ok {
		return User{}, ErrNotFound
	}

	user := r.users[index]
	r.users = slices.Delete(r.users, index, index+1)
	return user, nil
}

// RoomMembers lists the usernames in room in join order. An unknown room
// yields an empty list.
func (r *Registry) RoomMembers(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := lo.FilterMap(r.users, func(u User, _ int) (Member, bool) {
		return Member{Username: u.Username}, u.Room == room
	})
	if members == nil {
		members = []Member{}
	}
	return members
}

// InRoom returns the users in room in join order.
func (r *Registry) InRoom(room string) []User {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return lo.Filter(r.users, func(u User, _ int) bool { return u.Room == room })
}

// Len reports the number of joined users.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

func (r *Registry) find(id string) (User, bool) {
	return lo.Find(r.users, func(u User) bool { return u.ID == id })
}

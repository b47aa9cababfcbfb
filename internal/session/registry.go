// Package session holds the in-memory registry of active rooms.
package session

import (
	"sort"
	"sync"

	"codeshare/pkg/types"
)

// Room is a snapshot of one active room. Mutating it does not touch the
// registry.
type Room struct {
	ID       types.RoomID
	Mentor   types.ConnID
	Code     string
	Students []types.ConnID
}

// StudentCount is the number of connected students.
func (r Room) StudentCount() int { return len(r.Students) }

// Members returns the mentor followed by the students.
func (r Room) Members() []types.ConnID {
	members := make([]types.ConnID, 0, len(r.Students)+1)
	members = append(members, r.Mentor)
	return append(members, r.Students...)
}

// Membership is where a connection sits in the registry.
type Membership struct {
	Role types.Role
	Room types.RoomID
}

type room struct {
	mentor   types.ConnID
	code     string
	students map[types.ConnID]struct{}
}

func (r *room) snapshot(id types.RoomID) Room {
	students := make([]types.ConnID, 0, len(r.students))
	for s := range r.students {
		students = append(students, s)
	}
	sort.Slice(students, func(i, j int) bool { return students[i] < students[j] })
	return Room{ID: id, Mentor: r.mentor, Code: r.code, Students: students}
}

// Registry maps room ids to rooms and connections to their membership.
// A room exists exactly as long as it has a mentor, and a connection is a
// member of at most one room.
type Registry struct {
	rooms       map[types.RoomID]*room
	memberships map[types.ConnID]Membership
	mu          sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		rooms:       make(map[types.RoomID]*room),
		memberships: make(map[types.ConnID]Membership),
	}
}

// Exists reports whether a room is active.
func (r *Registry) Exists(id types.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[id]
	return ok
}

// Get returns a snapshot of the room.
func (r *Registry) Get(id types.RoomID) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}
	return rm.snapshot(id), true
}

// Create opens a room with mentor as its owner and initialCode as its
// buffer. An existing room is left untouched.
func (r *Registry) Create(id types.RoomID, mentor types.ConnID, initialCode string) (Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[id]; ok {
		return Room{}, ErrRoomExists
	}
	if _, ok := r.memberships[mentor]; ok {
		return Room{}, ErrConnectionAffiliated
	}

	rm := &room{
		mentor:   mentor,
		code:     initialCode,
		students: make(map[types.ConnID]struct{}),
	}
	r.rooms[id] = rm
	r.memberships[mentor] = Membership{Role: types.RoleMentor, Room: id}
	return rm.snapshot(id), nil
}

// AddStudent adds conn to the students of an existing room.
func (r *Registry) AddStudent(id types.RoomID, conn types.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	// Also rejects the room's own mentor.
	if _, ok := r.memberships[conn]; ok {
		return ErrConnectionAffiliated
	}

	rm.students[conn] = struct{}{}
	r.memberships[conn] = Membership{Role: types.RoleStudent, Room: id}
	return nil
}

// RemoveStudent drops conn from the students of a room.
func (r *Registry) RemoveStudent(id types.RoomID, conn types.ConnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	if _, ok := rm.students[conn]; !ok {
		return ErrNotAStudent
	}

	delete(rm.students, conn)
	delete(r.memberships, conn)
	return nil
}

// SetCode replaces the shared buffer of a room.
func (r *Registry) SetCode(id types.RoomID, code string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return ErrRoomNotFound
	}
	rm.code = code
	return nil
}

// Destroy removes a room and frees all of its members. It returns the last
// snapshot so callers can notify the former occupants.
func (r *Registry) Destroy(id types.RoomID) (Room, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[id]
	if !ok {
		return Room{}, false
	}

	last := rm.snapshot(id)
	delete(r.rooms, id)
	for _, member := range last.Members() {
		delete(r.memberships, member)
	}
	return last, true
}

// Affiliation returns the room and role of conn, if any.
func (r *Registry) Affiliation(conn types.ConnID) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.memberships[conn]
	return m, ok
}

// Rooms returns a snapshot of every active room ordered by id.
func (r *Registry) Rooms() []Room {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]Room, 0, len(r.rooms))
	for id, rm := range r.rooms {
		rooms = append(rooms, rm.snapshot(id))
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms
}

// Len returns the number of active rooms.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// GetStats returns registry statistics for monitoring
func (r *Registry) GetStats() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()

	students := 0
	for _, rm := range r.rooms {
		students += len(rm.students)
	}
	return map[string]interface{}{
		"active_rooms":      len(r.rooms),
		"connected_members": len(r.memberships),
		"students":          students,
	}
}

package transport

import (
	"sync/atomic"
)

// roomSnapshot is an immutable room -> connection-set mapping. Readers
// take one atomic load and iterate it without ever touching a lock;
// writers build a new snapshot and swap it in, copy-on-write, following
// the same discipline as the subscription index.
type roomSnapshot struct {
	rooms map[string]map[*Conn]struct{}
}

// roomRegistry tracks which connections are joined to which rooms.
type roomRegistry struct {
	current atomic.Pointer[roomSnapshot]
}

func newRoomRegistry() *roomRegistry {
	r := &roomRegistry{}
	r.current.Store(&roomSnapshot{rooms: make(map[string]map[*Conn]struct{})})
	return r
}

// Join adds conn to room, creating the room if necessary.
func (r *roomRegistry) Join(room string, conn *Conn) {
	for {
		old := r.current.Load()
		next := &roomSnapshot{rooms: make(map[string]map[*Conn]struct{}, len(old.rooms)+1)}
		for k, v := range old.rooms {
			next.rooms[k] = v
		}

		existing := old.rooms[room]
		members := make(map[*Conn]struct{}, len(existing)+1)
		for c := range existing {
			members[c] = struct{}{}
		}
		members[conn] = struct{}{}
		next.rooms[room] = members

		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Leave removes conn from room. If the room becomes empty it is
// dropped from the snapshot entirely.
func (r *roomRegistry) Leave(room string, conn *Conn) {
	for {
		old := r.current.Load()
		existing, ok := old.rooms[room]
		if !ok {
			return
		}
		if _, present := existing[conn]; !present {
			return
		}

		next := &roomSnapshot{rooms: make(map[string]map[*Conn]struct{}, len(old.rooms))}
		for k, v := range old.rooms {
			next.rooms[k] = v
		}

		members := make(map[*Conn]struct{}, len(existing)-1)
		for c := range existing {
			if c != conn {
				members[c] = struct{}{}
			}
		}
		if len(members) == 0 {
			delete(next.rooms, room)
		} else {
			next.rooms[room] = members
		}

		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// LeaveAll removes conn from every room it currently belongs to.
func (r *roomRegistry) LeaveAll(conn *Conn) {
	for {
		old := r.current.Load()
		touched := false
		next := &roomSnapshot{rooms: make(map[string]map[*Conn]struct{}, len(old.rooms))}
		for room, members := range old.rooms {
			if _, present := members[conn]; !present {
				next.rooms[room] = members
				continue
			}
			touched = true
			remaining := make(map[*Conn]struct{}, len(members)-1)
			for c := range members {
				if c != conn {
					remaining[c] = struct{}{}
				}
			}
			if len(remaining) > 0 {
				next.rooms[room] = remaining
			}
		}
		if !touched {
			return
		}
		if r.current.CompareAndSwap(old, next) {
			return
		}
	}
}

// Members returns the connections currently joined to room. The
// returned map is an immutable snapshot; callers must not mutate it.
func (r *roomRegistry) Members(room string) map[*Conn]struct{} {
	return r.current.Load().rooms[room]
}

// RoomCount reports how many distinct rooms currently have members.
func (r *roomRegistry) RoomCount() int {
	return len(r.current.Load().rooms)
}

package transport

import (
	"net"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func testConn(t *testing.T, id int64, userID string) *Conn {
	t.Helper()
	raw, _ := net.Pipe()
	t.Cleanup(func() { raw.Close() })
	return newConn(id, userID, raw, zerolog.Nop(), nil)
}

func TestRoomRegistryJoinAndMembers(t *testing.T) {
	r := newRoomRegistry()
	c1 := testConn(t, 1, "u1")
	c2 := testConn(t, 2, "u2")

	r.Join("room1", c1)
	r.Join("room1", c2)

	members := r.Members("room1")
	assert.Len(t, members, 2)
	assert.Equal(t, 1, r.RoomCount())
}

func TestRoomRegistryLeaveRemovesMemberAndEmptyRoom(t *testing.T) {
	r := newRoomRegistry()
	c1 := testConn(t, 1, "u1")

	r.Join("room1", c1)
	r.Leave("room1", c1)

	assert.Nil(t, r.Members("room1"))
	assert.Equal(t, 0, r.RoomCount())
}

func TestRoomRegistryLeaveLeavesOtherMembersIntact(t *testing.T) {
	r := newRoomRegistry()
	c1 := testConn(t, 1, "u1")
	c2 := testConn(t, 2, "u2")

	r.Join("room1", c1)
	r.Join("room1", c2)
	r.Leave("room1", c1)

	members := r.Members("room1")
	assert.Len(t, members, 1)
	_, ok := members[c2]
	assert.True(t, ok)
}

func TestRoomRegistryLeaveAllRemovesFromEveryRoom(t *testing.T) {
	r := newRoomRegistry()
	c1 := testConn(t, 1, "u1")

	r.Join("room1", c1)
	r.Join("room2", c1)
	r.LeaveAll(c1)

	assert.Equal(t, 0, r.RoomCount())
}

func TestRoomRegistryLeaveUnknownRoomIsNoop(t *testing.T) {
	r := newRoomRegistry()
	c1 := testConn(t, 1, "u1")

	r.Leave("nonexistent", c1)
	assert.Equal(t, 0, r.RoomCount())
}

func TestRoomRegistryMembersUnknownRoomReturnsNil(t *testing.T) {
	r := newRoomRegistry()
	assert.Nil(t, r.Members("nonexistent"))
}

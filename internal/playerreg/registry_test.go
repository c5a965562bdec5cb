package playerreg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AllocateConnIDMonotonicAndWraps(t *testing.T) {
	reg := New()
	a := reg.AllocateConnID()
	b := reg.AllocateConnID()
	assert.Equal(t, a+1, b)

	reg.nextConnID = connIDWrap - 1
	last := reg.AllocateConnID()
	assert.Equal(t, int64(connIDWrap-1), last)
	wrapped := reg.AllocateConnID()
	assert.Equal(t, int64(connIDBase), wrapped)
}

func TestRegistry_AddFindDeletePlayer(t *testing.T) {
	reg := New()
	connID := reg.AllocateConnID()
	p := NewPlayer(1, connID, "alice", "liubei", "uuid-1", nil)
	reg.AddPlayer(p)

	found, ok := reg.FindPlayer(1)
	require.True(t, ok)
	assert.Same(t, p, found)

	byConn, ok := reg.FindPlayerByConnID(connID)
	require.True(t, ok)
	assert.Same(t, p, byConn)

	reg.DeletePlayer(connID)
	_, ok = reg.FindPlayer(1)
	assert.False(t, ok)
	_, ok = reg.FindPlayerByConnID(connID)
	assert.False(t, ok)
}

func TestRegistry_CreateRobotIsFoundByID(t *testing.T) {
	reg := New()
	robot := reg.CreateRobot("Robot-1", "caocao")
	assert.True(t, robot.IsRobot())
	assert.Equal(t, StateRobot, robot.State())
	assert.True(t, robot.Ready())

	found, ok := reg.FindPlayer(robot.ID())
	require.True(t, ok)
	assert.Same(t, robot, found)
}

func TestRegistry_OnlineCountExcludesRobots(t *testing.T) {
	reg := New()
	reg.CreateRobot("Robot-1", "caocao")
	reg.AddPlayer(NewPlayer(1, reg.AllocateConnID(), "alice", "liubei", "uuid-1", nil))

	assert.Equal(t, 1, reg.OnlineCount())
	assert.Len(t, reg.AllOnline(), 1)
}

package playerreg

import (
	"sync"
)

// connIDBase/connIDWrap implement spec §3's "process-unique, monotonically
// allocated from 1000, wrapping before 0x7FFFFF00".
const (
	connIDBase = 1000
	connIDWrap = 0x7FFFFF00
)

// Registry is the player-record registry described in spec §4.5
// (UserManager): connId -> player, account id -> robot, account id ->
// online player, all behind one mutex to avoid check-then-act races
// between maps during reconnection (see SPEC_FULL.md §4.5).
type Registry struct {
	mu sync.RWMutex

	byConnID map[int64]*Player
	robots   map[int64]*Player
	online   map[int64]*Player

	nextConnID  int64
	nextRobotID int64
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		byConnID:   make(map[int64]*Player),
		robots:     make(map[int64]*Player),
		online:     make(map[int64]*Player),
		nextConnID: connIDBase,
	}
}

// AllocateConnID returns the next process-unique connection id.
func (reg *Registry) AllocateConnID() int64 {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	id := reg.nextConnID
	reg.nextConnID++
	if reg.nextConnID >= connIDWrap {
		reg.nextConnID = connIDBase
	}
	return id
}

// AddPlayer registers p in the connId map and in either the robot map
// (robots) or the online-by-id map (every other player).
func (reg *Registry) AddPlayer(p *Player) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.byConnID[p.ConnID()] = p
	if p.IsRobot() {
		reg.robots[p.ID()] = p
		return
	}
	reg.online[p.ID()] = p
}

// DeletePlayer removes p from the connId map and from the robot or
// online map it was registered in. The caller is
// responsible for informing the player's room, if any, before calling
// this (spec §4.5).
func (reg *Registry) DeletePlayer(connID int64) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	p, ok := reg.byConnID[connID]
	if !ok {
		return
	}
	delete(reg.byConnID, connID)
	if p.IsRobot() {
		delete(reg.robots, p.ID())
	} else {
		delete(reg.online, p.ID())
	}
}

// RemovePlayerByConnID is an alias kept for symmetry with spec §4.5's
// named operation list.
func (reg *Registry) RemovePlayerByConnID(connID int64) {
	reg.DeletePlayer(connID)
}

// CreateRobot allocates a negative account id and registers an
// always-ready, socket-less Player in state Robot.
func (reg *Registry) CreateRobot(screenName, avatar string) *Player {
	reg.mu.Lock()
	reg.nextRobotID--
	id := reg.nextRobotID
	connID := reg.lockedNextConnID()
	reg.mu.Unlock()

	p := NewPlayer(id, connID, screenName, avatar, "", nil)
	p.SetState(StateRobot)
	p.SetReady(true)

	reg.mu.Lock()
	reg.byConnID[connID] = p
	reg.robots[id] = p
	reg.mu.Unlock()

	return p
}

func (reg *Registry) lockedNextConnID() int64 {
	id := reg.nextConnID
	reg.nextConnID++
	if reg.nextConnID >= connIDWrap {
		reg.nextConnID = connIDBase
	}
	return id
}

// FindPlayer returns the online player for id, falling back to a robot
// with that id, per spec §4.5 "first online, else robot, else nullopt".
func (reg *Registry) FindPlayer(id int64) (*Player, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	if p, ok := reg.online[id]; ok {
		return p, true
	}
	if p, ok := reg.robots[id]; ok {
		return p, true
	}
	return nil, false
}

// FindPlayerByConnID looks a player up by its connection id.
func (reg *Registry) FindPlayerByConnID(connID int64) (*Player, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	p, ok := reg.byConnID[connID]
	return p, ok
}

// OnlineCount returns the number of non-robot online players.
func (reg *Registry) OnlineCount() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.online)
}

// AllOnline returns a snapshot of every online (non-robot) player.
func (reg *Registry) AllOnline() []*Player {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]*Player, 0, len(reg.online))
	for _, p := range reg.online {
		out = append(out, p)
	}
	return out
}

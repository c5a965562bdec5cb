// Package playerreg implements the server-side Player record and the
// connId/account-id registry described in spec §3 and §4.5.
package playerreg

import (
	"sync"
	"time"

	"github.com/freekill-go/serverd/internal/router"
)

// State is a Player's connection/lifecycle state (spec §3).
type State int

const (
	StateInvalid State = iota
	StateOnline
	StateTrust
	StateRun
	StateLeave
	StateRobot
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "Online"
	case StateTrust:
		return "Trust"
	case StateRun:
		return "Run"
	case StateLeave:
		return "Leave"
	case StateRobot:
		return "Robot"
	case StateOffline:
		return "Offline"
	default:
		return "Invalid"
	}
}

// Player is the authoritative server-side record for one account's
// connection. Exactly one Player exists per live connId (spec §3).
type Player struct {
	mu sync.RWMutex

	id         int64 // stable account id; negative for robots
	connID     int64 // process-unique, allocated from 1000
	screenName string
	avatar     string
	uuid       string

	state    State
	ready    bool
	died     bool
	runned   bool
	thinking bool

	roomID int64 // 0 = lobby

	ttl int

	totalGameTime time.Duration
	timerStart    time.Time
	timerRunning  bool

	totalGames   int
	winCount     int
	runCount     int
	lastGameMode string

	router *router.Router
}

// NewPlayer constructs a Player record. r may be nil for robots, which
// have no socket.
func NewPlayer(id, connID int64, screenName, avatar, uuid string, r *router.Router) *Player {
	return &Player{
		id:         id,
		connID:     connID,
		screenName: screenName,
		avatar:     avatar,
		uuid:       uuid,
		state:      StateOnline,
		router:     r,
	}
}

func (p *Player) ID() int64      { return p.id }
func (p *Player) ConnID() int64  { return p.connID }
func (p *Player) Router() *router.Router { return p.router }

func (p *Player) ScreenName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.screenName
}

func (p *Player) Avatar() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.avatar
}

func (p *Player) SetAvatar(avatar string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.avatar = avatar
}

func (p *Player) UUID() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.uuid
}

func (p *Player) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// SetState transitions state, starting or stopping the play-time timer
// as Online is entered or left (spec §3 "totalGameTime... plus a timer
// start stamp used while Online").
func (p *Player) SetState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s == StateOnline && !p.timerRunning {
		p.timerStart = time.Now()
		p.timerRunning = true
	} else if s != StateOnline && p.timerRunning {
		p.totalGameTime += time.Since(p.timerStart)
		p.timerRunning = false
	}
	p.state = s
}

func (p *Player) IsRobot() bool {
	return p.id < 0
}

// InsideGame reports whether this player is currently part of a room's
// gameplay (spec §3 "insideGame()"), used to decide whether an Offline
// player's record should be retained for later reconnection.
func (p *Player) InsideGame() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roomID != 0
}

func (p *Player) RoomID() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.roomID
}

func (p *Player) SetRoomID(id int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roomID = id
}

func (p *Player) Ready() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ready
}

func (p *Player) SetReady(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ready = v
}

func (p *Player) Died() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.died
}

func (p *Player) SetDied(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.died = v
}

func (p *Player) Runned() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.runned
}

func (p *Player) SetRunned(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runned = v
}

// Thinking reports whether the scheduler has marked this player as
// currently deciding a pending request (spec §4.9 "_thinking").
func (p *Player) Thinking() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.thinking
}

func (p *Player) SetThinking(v bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thinking = v
}

func (p *Player) TTL() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ttl
}

func (p *Player) SetTTL(v int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl = v
}

// DecrementTTL decrements ttl by one and returns the new value, used by
// the heartbeat loop (spec §4.11).
func (p *Player) DecrementTTL() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttl--
	return p.ttl
}

func (p *Player) TotalGameTime() time.Duration {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.timerRunning {
		return p.totalGameTime + time.Since(p.timerStart)
	}
	return p.totalGameTime
}

// GameStats returns (totalGames, winCount, runCount) for persistence snapshots.
func (p *Player) GameStats() (int, int, int) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalGames, p.winCount, p.runCount
}

// RecordGameResult applies one finished game's outcome to this player's
// stats (spec §4.7 "Win-rate updates").
func (p *Player) RecordGameResult(won bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.totalGames++
	if won {
		p.winCount++
	}
	if p.runned {
		p.runCount++
	}
}

func (p *Player) LastGameMode() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastGameMode
}

func (p *Player) SetLastGameMode(mode string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastGameMode = mode
}

// Reattach swaps in a fresh router after a reconnect (spec §4.4 step 10, P8).
func (p *Player) Reattach(r *router.Router) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.router = r
}

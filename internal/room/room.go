package room

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

// State is a Room's position in the state machine described in spec §4.7.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateEnding
	StateAbandoned
)

const (
	defaultCapacity = 5
	maxCapacity     = 8
)

// Settings is the owner-supplied opaque settings blob plus the two
// fields the server itself inspects.
type Settings struct {
	GameMode string
	Password string
	Raw      []byte
}

// Forwarder sends a raw request line to the worker thread a room is
// assigned to, implemented by workerpool.Pool. Kept as a narrow
// interface here so this package never imports workerpool.
type Forwarder interface {
	Forward(threadID int64, line string) error
}

// Room is the per-game state machine described in spec §4.7.
type Room struct {
	chatMixin

	mu sync.RWMutex

	id       int64
	name     string
	capacity int
	owner    int64 // connId

	players         []int64
	observers       []int64
	rejectedPlayers map[int64]struct{}
	surrenderPool   map[int64]struct{}

	settings    Settings
	timeout     time.Duration
	md5         string
	sessionID   int64
	sessionData []byte
	startedAt   time.Time

	state State

	threadID  int64
	forwarder Forwarder

	refCount   int
	refCountMu sync.Mutex

	timer       *time.Timer
	onRequestTimeout func()

	reg    *playerreg.Registry
	db     *storage.AuthDB
	cfg    config.ServerConfig
	logger *zap.Logger
}

// NewRoom constructs an Idle room owned by ownerConnID.
func NewRoom(id int64, name string, capacity int, timeout time.Duration, settings Settings, ownerConnID int64,
	reg *playerreg.Registry, db *storage.AuthDB, cfg config.ServerConfig, logger *zap.Logger) *Room {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity > maxCapacity {
		capacity = maxCapacity
	}
	return &Room{
		chatMixin:       newChatMixin(cfg, db, logger),
		id:              id,
		name:            name,
		capacity:        capacity,
		owner:           ownerConnID,
		players:         []int64{ownerConnID},
		rejectedPlayers: make(map[int64]struct{}),
		surrenderPool:   make(map[int64]struct{}),
		settings:        settings,
		timeout:         timeout,
		state:           StateIdle,
		reg:             reg,
		db:              db,
		cfg:             cfg,
		logger:          logger,
	}
}

func (r *Room) ID() int64 { return r.id }

// ConnIDs returns every connId in the room: players followed by observers.
func (r *Room) ConnIDs() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, 0, len(r.players)+len(r.observers))
	out = append(out, r.players...)
	out = append(out, r.observers...)
	return out
}

func (r *Room) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

func (r *Room) Owner() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.owner
}

func (r *Room) Capacity() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.capacity
}

func (r *Room) Players() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, len(r.players))
	copy(out, r.players)
	return out
}

func (r *Room) Observers() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]int64, len(r.observers))
	copy(out, r.observers)
	return out
}

func (r *Room) IsFull() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.players) >= r.capacity
}

// CheckPassword reports whether attempt matches the room's password
// (an empty stored password means no password is required).
func (r *Room) CheckPassword(attempt string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Password == "" || r.settings.Password == attempt
}

// AddPlayer implements the EnterRoom success path (spec §4.6): rejects
// if full, started, or the account was previously kicked and hasn't
// been re-admitted.
func (r *Room) AddPlayer(connID, accountID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.players) >= r.capacity {
		return fmt.Errorf("room is full")
	}
	if r.state != StateIdle {
		return fmt.Errorf("room has already started")
	}
	if _, rejected := r.rejectedPlayers[accountID]; rejected {
		return fmt.Errorf("player was kicked from this room")
	}
	r.players = append(r.players, connID)
	return nil
}

// AddObserver implements ObserveRoom.
func (r *Room) AddObserver(connID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, connID)
}

// RemovePlayer implements QuitRoom/KickPlayer's player-list half: drops
// connID, and if it was the owner, promotes the first remaining
// player (spec §3 invariant: owner ∈ players whenever non-empty).
func (r *Room) RemovePlayer(connID int64) (stillOwner bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.players = removeInt64(r.players, connID)
	r.observers = removeInt64(r.observers, connID)
	if r.owner == connID && len(r.players) > 0 {
		r.owner = r.players[0]
	}
	return r.owner == connID
}

// Kick records accountID as rejected (so they cannot simply re-enter)
// and removes connID from the room.
func (r *Room) Kick(connID, accountID int64) {
	r.mu.Lock()
	r.rejectedPlayers[accountID] = struct{}{}
	r.mu.Unlock()
	r.RemovePlayer(connID)
}

func removeInt64(xs []int64, v int64) []int64 {
	out := xs[:0]
	for _, x := range xs {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}

// AssignThread records which worker thread this room has been
// dispatched to (spec §4.8 getAvailableThread).
func (r *Room) AssignThread(threadID int64, forwarder Forwarder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threadID = threadID
	r.forwarder = forwarder
}

func (r *Room) ThreadID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.threadID
}

// Start implements Idle -> Starting (spec §4.7): snapshots md5, bumps
// session_id, freezes settings, and requires the caller (the lobby
// handler) to have already verified the owner and readiness preconditions.
func (r *Room) Start(currentMD5 string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateIdle {
		return fmt.Errorf("room is not idle")
	}
	r.state = StateStarting
	r.md5 = currentMD5
	r.sessionID++
	r.startedAt = time.Now()
	return nil
}

// GameDuration returns elapsed time since Start, used to populate the
// gameTime column when the scheduler reports per-player outcomes.
func (r *Room) GameDuration() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.startedAt.IsZero() {
		return 0
	}
	return time.Since(r.startedAt)
}

// MarkRunning implements Starting -> Running once the scheduler
// acknowledges the room over RPC.
func (r *Room) MarkRunning() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateStarting {
		r.state = StateRunning
	}
}

// MarkEnded transitions Running -> Ending without itself recomputing
// win-rate records: the scheduler's "_gameOver(id)" RPC arrives after a
// sequence of "_updatePlayerWinRate"/"_updateGeneralWinRate" calls have
// already persisted each player's outcome, so this is a pure state
// transition (spec §4.9).
func (r *Room) MarkEnded() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateRunning {
		r.state = StateEnding
	}
}

// SessionID returns the room's current play-through counter.
func (r *Room) SessionID() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionID
}

// SessionData returns the opaque JSON blob the script engine uses to
// carry mid-game state across scheduler calls (spec §3 "session_data").
func (r *Room) SessionData() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessionData
}

// SetSessionData replaces the room's session_data blob.
func (r *Room) SetSessionData(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessionData = data
}

// GameMode returns the room settings' extracted game mode.
func (r *Room) GameMode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.GameMode
}

// Timeout returns the room's per-request timeout setting.
func (r *Room) Timeout() time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.timeout
}

// SettingsRaw returns the owner-supplied opaque settings blob.
func (r *Room) SettingsRaw() []byte {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.settings.Raw
}

// IncreaseRefCount / DecreaseRefCount implement the mutex-guarded
// lua_ref_count described in spec §4.7.
func (r *Room) IncreaseRefCount() {
	r.refCountMu.Lock()
	r.refCount++
	r.refCountMu.Unlock()
}

// DecreaseRefCount returns the resulting count; callers check for zero
// to decide whether to post _checkAbandoned.
func (r *Room) DecreaseRefCount() int {
	r.refCountMu.Lock()
	defer r.refCountMu.Unlock()
	r.refCount--
	return r.refCount
}

func (r *Room) RefCount() int {
	r.refCountMu.Lock()
	defer r.refCountMu.Unlock()
	return r.refCount
}

// HasHuman reports whether any non-robot player remains.
func (r *Room) HasHuman() bool {
	for _, connID := range r.ConnIDs() {
		if p, ok := r.reg.FindPlayerByConnID(connID); ok && !p.IsRobot() {
			return true
		}
	}
	return false
}

// CheckAbandoned implements _checkAbandoned: once refcount is zero and
// no human remains, the room transitions to Abandoned so the
// RoomManager can erase it.
func (r *Room) CheckAbandoned() bool {
	if r.RefCount() != 0 || r.HasHuman() {
		return false
	}
	r.mu.Lock()
	r.state = StateAbandoned
	r.mu.Unlock()
	return true
}

// ArmRequestTimer implements spec §4.7 "A room may arm a single steady
// timer"; arming replaces any previous timer.
func (r *Room) ArmRequestTimer(d time.Duration, onExpire func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
	}
	r.onRequestTimeout = onExpire
	r.timer = time.AfterFunc(d, func() {
		r.mu.RLock()
		fn := r.onRequestTimeout
		r.mu.RUnlock()
		if fn != nil {
			fn()
		}
	})
}

// DestroyRequestTimer cancels any armed timer.
func (r *Room) DestroyRequestTimer() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}

// VoteSurrender records connID's vote to end the running game early
// (the original's SurrenderRoom packet, supplementing the commands
// spec §4.7 lists). It returns true once every non-robot player in the
// room has voted, at which point Handlers.surrenderRoom forwards a
// "SurrenderRoom" command to the room's scheduler.
func (r *Room) VoteSurrender(connID int64) bool {
	r.mu.Lock()
	r.surrenderPool[connID] = struct{}{}
	votes := len(r.surrenderPool)
	r.mu.Unlock()

	humans := 0
	for _, id := range r.Players() {
		if p, ok := r.reg.FindPlayerByConnID(id); ok && !p.IsRobot() {
			humans++
		}
	}
	return humans > 0 && votes >= humans
}

// Forward sends a raw "<playerId>,<connId>,<command>,<payload>" line to
// the assigned worker thread's scheduler, used for every gameplay
// command while Running (spec §4.7).
func (r *Room) Forward(playerID, connID int64, command string, payload []byte) error {
	r.mu.RLock()
	threadID, fwd := r.threadID, r.forwarder
	r.mu.RUnlock()
	if fwd == nil {
		return fmt.Errorf("room %d has no assigned worker thread", r.id)
	}
	line := fmt.Sprintf("%d,%d,%s,%s", playerID, connID, command, payload)
	return fwd.Forward(threadID, line)
}

// Chat implements the in-room Chat command (type==2): broadcasts to
// players and observers separately, per spec §4.7.
func (r *Room) Chat(sender *playerreg.Player, data []byte) error {
	encoded, ok, err := r.chatMixin.handleChat(sender, data)
	if err != nil || !ok {
		return err
	}
	broadcaster(r.reg, r.Players(), "Chat", encoded)
	broadcaster(r.reg, r.Observers(), "Chat", encoded)
	return nil
}

// BroadcastOutdatedToast sends the "#RoomOutdated" GameLog toast
// described in spec §4.11 "refreshMd5": a two-entry map, both keys and
// both values encoded as CBOR byte strings.
func (r *Room) BroadcastOutdatedToast() {
	data, err := wire.EncodeValue(map[wire.Key]any{
		"type":  []byte("#RoomOutdated"),
		"toast": true,
	})
	if err != nil {
		r.logger.Error("encoding outdated toast", zap.Error(err))
		return
	}
	broadcaster(r.reg, r.ConnIDs(), "GameLog", data)
}

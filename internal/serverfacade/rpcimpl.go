package serverfacade

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/room"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/scheduler"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
	"github.com/freekill-go/serverd/internal/workerpool"
)

// Kicker closes a live connection by connId, implemented by Server.
// Kept as a narrow interface so rpcBridge never needs the rest of
// Server's surface.
type Kicker interface {
	Kick(connID int64)
}

// rpcBridge implements scheduler.ServerMethods (spec §4.9): every call
// the script engine makes into the server arrives here and is routed
// into playerreg/room/storage operations.
type rpcBridge struct {
	reg    *playerreg.Registry
	rooms  *room.Manager
	pool   *workerpool.Pool
	gameDB *storage.Worker
	authDB *storage.AuthDB
	kicker Kicker
	logger *zap.Logger
}

var _ scheduler.ServerMethods = (*rpcBridge)(nil)

func newRPCBridge(reg *playerreg.Registry, rooms *room.Manager, pool *workerpool.Pool, gameDB *storage.Worker, authDB *storage.AuthDB, kicker Kicker, logger *zap.Logger) *rpcBridge {
	return &rpcBridge{reg: reg, rooms: rooms, pool: pool, gameDB: gameDB, authDB: authDB, kicker: kicker, logger: logger}
}

func (b *rpcBridge) QDebug(msg string)    { b.logger.Debug(msg, zap.String("source", "scheduler")) }
func (b *rpcBridge) QInfo(msg string)     { b.logger.Info(msg, zap.String("source", "scheduler")) }
func (b *rpcBridge) QWarning(msg string)  { b.logger.Warn(msg, zap.String("source", "scheduler")) }
func (b *rpcBridge) QCritical(msg string) { b.logger.Error(msg, zap.String("source", "scheduler")) }
func (b *rpcBridge) Print(msg string)     { b.logger.Info(msg, zap.String("source", "scheduler")) }

func (b *rpcBridge) player(connID int64) (*playerreg.Player, error) {
	p, ok := b.reg.FindPlayerByConnID(connID)
	if !ok {
		return nil, fmt.Errorf("no player bound to connId %d", connID)
	}
	return p, nil
}

// ServerPlayerDoRequest implements ServerPlayer::doRequest: arms the
// player's router with a fresh request and returns its id.
func (b *rpcBridge) ServerPlayerDoRequest(connID int64, command string, payload []byte, timeoutSeconds, timestampMS int64) (int64, error) {
	p, err := b.player(connID)
	if err != nil {
		return 0, err
	}
	if p.Router() == nil {
		return 0, fmt.Errorf("connId %d has no router (robot)", connID)
	}
	return p.Router().SendRequest(wire.TypeRequest|wire.SrcServer|wire.DestClient, command, payload, timeoutSeconds)
}

// WaitForReply blocks the calling worker-thread goroutine until the
// player's router resolves the outstanding request or times out.
func (b *rpcBridge) WaitForReply(connID, timeoutSeconds int64) ([]byte, string, error) {
	p, err := b.player(connID)
	if err != nil {
		return nil, router.SentinelCancel, err
	}
	if p.Router() == nil {
		return nil, router.SentinelCancel, nil
	}
	data, sentinel := p.Router().WaitForReply(time.Duration(timeoutSeconds) * time.Second)
	return data, sentinel, nil
}

func (b *rpcBridge) DoNotify(connID int64, command string, payload []byte) error {
	p, err := b.player(connID)
	if err != nil {
		return err
	}
	if p.Router() == nil {
		return nil
	}
	return p.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, command, payload)
}

func (b *rpcBridge) Thinking(connID int64) (bool, error) {
	p, err := b.player(connID)
	if err != nil {
		return false, err
	}
	return p.Thinking(), nil
}

func (b *rpcBridge) SetThinking(connID int64, thinking bool) error {
	p, err := b.player(connID)
	if err != nil {
		return err
	}
	p.SetThinking(thinking)
	return nil
}

func (b *rpcBridge) SetDied(connID int64, died bool) error {
	p, err := b.player(connID)
	if err != nil {
		return err
	}
	p.SetDied(died)
	return nil
}

func (b *rpcBridge) EmitKick(connID int64) error {
	if _, err := b.player(connID); err != nil {
		return err
	}
	b.kicker.Kick(connID)
	return nil
}

// saveMode resolves the game mode a player's save data should be
// scoped to: the room they currently sit in, falling back to their
// last recorded mode once the room has already been torn down.
func (b *rpcBridge) saveMode(p *playerreg.Player) string {
	if roomID := p.RoomID(); roomID != 0 {
		if r, ok := b.rooms.Get(roomID); ok {
			return r.GameMode()
		}
	}
	return p.LastGameMode()
}

func (b *rpcBridge) SaveState(connID int64, data []byte) error {
	p, err := b.player(connID)
	if err != nil {
		return err
	}
	return b.gameDB.SaveGame(p.ID(), b.saveMode(p), data)
}

func (b *rpcBridge) GetSaveState(connID int64) ([]byte, error) {
	p, err := b.player(connID)
	if err != nil {
		return nil, err
	}
	data, _, err := b.gameDB.LoadGame(p.ID(), b.saveMode(p))
	return data, err
}

func (b *rpcBridge) SaveGlobalState(connID int64, key string, data []byte) error {
	p, err := b.player(connID)
	if err != nil {
		return err
	}
	return b.gameDB.SaveGlobal(p.ID(), key, data)
}

func (b *rpcBridge) GetGlobalSaveState(connID int64, key string) ([]byte, error) {
	p, err := b.player(connID)
	if err != nil {
		return nil, err
	}
	data, _, err := b.gameDB.LoadGlobal(p.ID(), key)
	return data, err
}

// Delay blocks the worker thread's own RPC-serving goroutine for ms
// milliseconds, matching the script engine's cooperative sleep (spec
// §4.9); it never touches the main reactor.
func (b *rpcBridge) Delay(roomID int64, ms int64) error {
	time.Sleep(time.Duration(ms) * time.Millisecond)
	return nil
}

func (b *rpcBridge) room(roomID int64) (*room.Room, error) {
	r, ok := b.rooms.Get(roomID)
	if !ok {
		return nil, fmt.Errorf("no such room %d", roomID)
	}
	return r, nil
}

// UpdatePlayerWinRate persists one player's outcome immediately rather
// than batching it: by the time "_gameOver" arrives every
// "_updatePlayerWinRate" call for the room has already landed (spec
// §4.9), so there is nothing left for GameOver itself to compute.
func (b *rpcBridge) UpdatePlayerWinRate(roomID, playerID int64, mode, role string, result int) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	p, ok := b.reg.FindPlayer(playerID)
	if !ok || p.IsRobot() {
		return nil
	}
	won := result == 1
	p.SetLastGameMode(mode)
	p.RecordGameResult(won)
	return b.authDB.RecordGameResult(p.ID(), r.GameDuration(), won, p.Runned())
}

func (b *rpcBridge) UpdateGeneralWinRate(roomID int64, general, mode, role string, result int) error {
	if _, err := b.room(roomID); err != nil {
		return err
	}
	return b.authDB.RecordGeneralResult(general, mode, role, result == 1)
}

func (b *rpcBridge) GameOver(roomID int64) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	r.MarkEnded()
	return nil
}

func (b *rpcBridge) SetRequestTimer(roomID int64, ms int64) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	threadID := r.ThreadID()
	r.ArmRequestTimer(time.Duration(ms)*time.Millisecond, func() {
		client, ok := b.pool.Client(threadID)
		if !ok {
			return
		}
		if _, err := scheduler.NewRemoteScheduler(client).ResumeRoom(roomID, "request_timeout"); err != nil {
			b.logger.Warn("resuming room on request timeout failed", zap.Int64("roomId", roomID), zap.Error(err))
		}
	})
	return nil
}

func (b *rpcBridge) DestroyRequestTimer(roomID int64) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	r.DestroyRequestTimer()
	return nil
}

// DecreaseRefCount implements spec §4.7/§4.9: once a room's reference
// count reaches zero and no human remains, it is abandoned and erased,
// releasing its slot on the owning worker thread.
func (b *rpcBridge) DecreaseRefCount(roomID int64) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	if r.DecreaseRefCount() != 0 {
		return nil
	}
	if r.CheckAbandoned() {
		b.rooms.Remove(roomID)
		b.pool.ReleaseRoom(r.ThreadID())
	}
	return nil
}

func (b *rpcBridge) GetSessionID(roomID int64) (int64, error) {
	r, err := b.room(roomID)
	if err != nil {
		return 0, err
	}
	return r.SessionID(), nil
}

func (b *rpcBridge) GetSessionData(roomID int64) ([]byte, error) {
	r, err := b.room(roomID)
	if err != nil {
		return nil, err
	}
	return r.SessionData(), nil
}

func (b *rpcBridge) SetSessionData(roomID int64, data []byte) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	r.SetSessionData(data)
	return nil
}

// npcObject is the CBOR shape AddNpc hands back to the script engine,
// mirroring the player summary a room's seed packet would describe.
type npcObject struct {
	_          struct{} `cbor:",toarray"`
	ID         int64
	ConnID     int64
	ScreenName string
	Avatar     string
}

func (b *rpcBridge) AddNpc(roomID int64) ([]byte, error) {
	r, err := b.room(roomID)
	if err != nil {
		return nil, err
	}
	robot := b.reg.CreateRobot("Robot", "liubei")
	if err := r.AddPlayer(robot.ConnID(), robot.ID()); err != nil {
		return nil, err
	}
	robot.SetRoomID(roomID)
	return wire.EncodeValue(npcObject{ID: robot.ID(), ConnID: robot.ConnID(), ScreenName: robot.ScreenName(), Avatar: robot.Avatar()})
}

func (b *rpcBridge) RemoveNpc(roomID, playerID int64) error {
	r, err := b.room(roomID)
	if err != nil {
		return err
	}
	p, ok := b.reg.FindPlayer(playerID)
	if !ok {
		return fmt.Errorf("no such npc %d", playerID)
	}
	r.RemovePlayer(p.ConnID())
	b.reg.DeletePlayer(p.ConnID())
	return nil
}

// roomSnapshot is the CBOR shape RoomThreadGetRoom hands back, covering
// what the script engine needs to rebuild its own room-side object.
type roomSnapshot struct {
	_         struct{} `cbor:",toarray"`
	ID        int64
	Capacity  int
	Owner     int64
	Players   []int64
	Observers []int64
	GameMode  string
	Settings  []byte
	SessionID int64
}

func (b *rpcBridge) RoomThreadGetRoom(roomID int64) ([]byte, error) {
	r, err := b.room(roomID)
	if err != nil {
		return nil, err
	}
	return wire.EncodeValue(roomSnapshot{
		ID:        r.ID(),
		Capacity:  r.Capacity(),
		Owner:     r.Owner(),
		Players:   r.Players(),
		Observers: r.Observers(),
		GameMode:  r.GameMode(),
		Settings:  r.SettingsRaw(),
		SessionID: r.SessionID(),
	})
}

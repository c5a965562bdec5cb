package room

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

// ThreadAssigner hands a freshly created room its worker thread,
// implemented by workerpool.Pool.GetAvailableThread (spec §4.8).
type ThreadAssigner func() (threadID int64, forwarder Forwarder)

type createRoomArgs struct {
	_        struct{} `cbor:",toarray"`
	Name     []byte
	Capacity int
	Timeout  int64
	Settings []byte
}

type enterRoomArgs struct {
	_        struct{} `cbor:",toarray"`
	RoomID   int64
	Password []byte
}

type roomListEntry struct {
	_         struct{} `cbor:",toarray"`
	ID        int64
	Name      []byte
	OwnerName []byte
	GameMode  []byte
	Players   int
	Capacity  int
	Locked    bool
}

// Handlers dispatches the Lobby and Room packet surfaces (spec §4.6,
// §4.7) on behalf of the main reactor.
type Handlers struct {
	lobby    *Lobby
	manager  *Manager
	reg      *playerreg.Registry
	db       *storage.AuthDB
	assigner ThreadAssigner
	logger   *zap.Logger
	currentMD5 func() string
}

// NewHandlers wires the Lobby/Room packet surface together.
func NewHandlers(lobby *Lobby, manager *Manager, reg *playerreg.Registry, db *storage.AuthDB, assigner ThreadAssigner, currentMD5 func() string, logger *zap.Logger) *Handlers {
	return &Handlers{lobby: lobby, manager: manager, reg: reg, db: db, assigner: assigner, currentMD5: currentMD5, logger: logger}
}

// HandleLobbyCommand dispatches one packet from a player currently in
// the lobby (spec §4.6's command table).
func (h *Handlers) HandleLobbyCommand(sender *playerreg.Player, command string, data []byte) error {
	switch command {
	case "UpdateAvatar":
		return h.updateAvatar(sender, data)
	case "UpdatePassword":
		return h.updatePassword(sender, data)
	case "CreateRoom":
		return h.createRoom(sender, data)
	case "EnterRoom":
		return h.enterRoom(sender, data, false)
	case "ObserveRoom":
		return h.enterRoom(sender, data, true)
	case "RefreshRoomList":
		return h.refreshRoomList(sender)
	case "Chat":
		return h.lobby.Chat(sender, data)
	case "Quit":
		sender.SetState(playerreg.StateOffline)
		return nil
	default:
		return fmt.Errorf("unknown lobby command %q", command)
	}
}

func (h *Handlers) updateAvatar(sender *playerreg.Player, data []byte) error {
	var avatarBytes []byte
	if err := wire.DecodeValue(data, &avatarBytes); err != nil {
		return err
	}
	avatar := string(avatarBytes)
	if !storage.CheckString(avatar) {
		return fmt.Errorf("invalid avatar")
	}
	sender.SetAvatar(avatar)
	encoded, err := wire.EncodeValue(avatarBytes)
	if err != nil {
		return err
	}
	return sender.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, "UpdateAvatar", encoded)
}

type updatePasswordArgs struct {
	_           struct{} `cbor:",toarray"`
	OldPassword []byte
	NewPassword []byte
}

func (h *Handlers) updatePassword(sender *playerreg.Player, data []byte) error {
	var args updatePasswordArgs
	if err := wire.DecodeValue(data, &args); err != nil {
		return err
	}
	acc, err := h.db.FindAccountByName(sender.ScreenName())
	if err != nil {
		return err
	}
	if acc == nil || storage.HashPassword(string(args.OldPassword), acc.Salt) != acc.PasswordHash {
		return fmt.Errorf("current password does not match")
	}
	salt, err := storage.GenerateSalt()
	if err != nil {
		return err
	}
	return h.db.UpdatePassword(acc.ID, storage.HashPassword(string(args.NewPassword), salt), salt)
}

func (h *Handlers) createRoom(sender *playerreg.Player, data []byte) error {
	var args createRoomArgs
	if err := wire.DecodeValue(data, &args); err != nil {
		return err
	}
	id := h.manager.NextID()
	r := NewRoom(id, string(args.Name), args.Capacity, time.Duration(args.Timeout)*time.Second,
		Settings{Raw: args.Settings}, sender.ConnID(), h.reg, h.db, h.lobby.cfg, h.logger)
	h.manager.Add(r)

	threadID, fwd := h.assigner()
	r.AssignThread(threadID, fwd)

	h.lobby.Remove(sender.ConnID())
	sender.SetRoomID(id)
	return nil
}

func (h *Handlers) enterRoom(sender *playerreg.Player, data []byte, observe bool) error {
	var args enterRoomArgs
	if err := wire.DecodeValue(data, &args); err != nil {
		return err
	}
	r, ok := h.manager.Get(args.RoomID)
	if !ok {
		return h.sendErrorMsg(sender, "room does not exist")
	}
	if !observe {
		if r.IsFull() || r.State() != StateIdle || !r.CheckPassword(string(args.Password)) {
			return h.sendErrorMsg(sender, "cannot join room")
		}
		if err := r.AddPlayer(sender.ConnID(), sender.ID()); err != nil {
			return h.sendErrorMsg(sender, err.Error())
		}
	} else {
		r.AddObserver(sender.ConnID())
	}
	h.lobby.Remove(sender.ConnID())
	sender.SetRoomID(args.RoomID)
	return nil
}

func (h *Handlers) sendErrorMsg(sender *playerreg.Player, msg string) error {
	encoded, err := wire.EncodeValue([]byte(msg))
	if err != nil {
		return err
	}
	return sender.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, "ErrorMsg", encoded)
}

func (h *Handlers) refreshRoomList(sender *playerreg.Player) error {
	var entries []roomListEntry
	for _, r := range h.manager.List() {
		if r.State() != StateIdle {
			continue
		}
		ownerPlayer, _ := h.reg.FindPlayerByConnID(r.Owner())
		ownerName := ""
		if ownerPlayer != nil {
			ownerName = ownerPlayer.ScreenName()
		}
		entries = append(entries, roomListEntry{
			ID:        r.ID(),
			Name:      []byte(r.name),
			OwnerName: []byte(ownerName),
			GameMode:  []byte(r.settings.GameMode),
			Players:   len(r.Players()),
			Capacity:  r.Capacity(),
			Locked:    r.settings.Password != "",
		})
	}
	encoded, err := wire.EncodeValue(entries)
	if err != nil {
		return err
	}
	return sender.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, "RefreshRoomList", encoded)
}

// HandleRoomCommand dispatches one packet from a player currently
// inside room r (spec §4.7's in-room command table).
func (h *Handlers) HandleRoomCommand(r *Room, sender *playerreg.Player, command string, data []byte) error {
	switch command {
	case "QuitRoom":
		return h.quitRoom(r, sender)
	case "AddRobotRequest":
		return h.addRobotRequest(r, sender)
	case "KickPlayer":
		return h.kickPlayer(r, sender, data)
	case "Ready":
		sender.SetReady(!sender.Ready())
		return nil
	case "StartGame":
		return h.startGame(r, sender)
	case "Trust":
		return h.trust(sender)
	case "ChangeRoom":
		return h.changeRoom(r, sender)
	case "SurrenderRoom":
		return h.surrenderRoom(r, sender)
	case "Chat":
		return r.Chat(sender, data)
	default:
		if r.State() == StateRunning {
			return r.Forward(sender.ID(), sender.ConnID(), command, data)
		}
		return fmt.Errorf("unknown room command %q outside running state", command)
	}
}

func (h *Handlers) quitRoom(r *Room, sender *playerreg.Player) error {
	r.RemovePlayer(sender.ConnID())
	sender.SetRoomID(0)
	h.lobby.Add(sender.ConnID())
	if r.CheckAbandoned() {
		h.manager.Remove(r.ID())
	}
	return nil
}

func (h *Handlers) addRobotRequest(r *Room, sender *playerreg.Player) error {
	if sender.ConnID() != r.Owner() {
		return fmt.Errorf("only the owner may add a robot")
	}
	if h.lobby.cfg.HasDisabledFeature("AddRobot") {
		return fmt.Errorf("robots are disabled")
	}
	robot := h.reg.CreateRobot("Robot", "liubei")
	if err := r.AddPlayer(robot.ConnID(), robot.ID()); err != nil {
		return err
	}
	robot.SetRoomID(r.ID())
	return nil
}

func (h *Handlers) kickPlayer(r *Room, sender *playerreg.Player, data []byte) error {
	if sender.ConnID() != r.Owner() {
		return fmt.Errorf("only the owner may kick")
	}
	var targetConnID int64
	if err := wire.DecodeValue(data, &targetConnID); err != nil {
		return err
	}
	target, ok := h.reg.FindPlayerByConnID(targetConnID)
	if !ok {
		return fmt.Errorf("no such player in room")
	}
	r.Kick(targetConnID, target.ID())
	target.SetRoomID(0)
	h.lobby.Add(targetConnID)
	return nil
}

func (h *Handlers) startGame(r *Room, sender *playerreg.Player) error {
	if sender.ConnID() != r.Owner() {
		return fmt.Errorf("only the owner may start")
	}
	owner := r.Owner()
	for _, connID := range r.Players() {
		if connID == owner {
			continue
		}
		if p, ok := h.reg.FindPlayerByConnID(connID); ok && !p.IsRobot() && !p.Ready() {
			return fmt.Errorf("not all players are ready")
		}
	}
	return r.Start(h.currentMD5())
}

func (h *Handlers) trust(sender *playerreg.Player) error {
	if sender.State() == playerreg.StateTrust {
		sender.SetState(playerreg.StateOnline)
	} else {
		sender.SetState(playerreg.StateTrust)
	}
	return nil
}

func (h *Handlers) changeRoom(r *Room, sender *playerreg.Player) error {
	if h.lobby.cfg.HasDisabledFeature("ChangeRoom") {
		return fmt.Errorf("changing rooms is disabled")
	}
	return h.quitRoom(r, sender)
}

// surrenderRoom implements the original's SurrenderRoom packet
// (supplementing the documented room surface): once every non-robot
// player has voted, it forwards a synthetic "SurrenderRoom" command
// into the scheduler so the script side can resolve the game over
// exactly as it would a normal _gameOver call.
func (h *Handlers) surrenderRoom(r *Room, sender *playerreg.Player) error {
	if r.State() != StateRunning {
		return fmt.Errorf("cannot surrender a room that is not running")
	}
	if r.VoteSurrender(sender.ConnID()) {
		return r.Forward(sender.ID(), sender.ConnID(), "SurrenderRoom", nil)
	}
	return nil
}

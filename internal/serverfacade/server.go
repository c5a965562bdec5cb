// Package serverfacade wires every other package into the live server
// object described in spec §4.11: accepting connections, running the
// Setup handshake, dispatching player commands into the lobby/room
// layer, and the background heartbeat/content-refresh/ban/mute surface.
//
// Server is built once by cmd/server and passed down explicitly to
// every collaborator that needs it (the TCP acceptor's connection
// callback, the worker pool's thread factory) rather than reached via
// a package-level singleton.
package serverfacade

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/auth"
	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/cryptoauth"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/room"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/scheduler"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
	"github.com/freekill-go/serverd/internal/workerpool"
)

const (
	heartbeatInterval = 30 * time.Second
	maxTTL            = 6
)

// Server is the live card-game server described in spec §4.11.
type Server struct {
	cfgMu sync.RWMutex
	cfg   config.ServerConfig

	logger *zap.Logger

	keys     *cryptoauth.KeyPair
	authDB   *storage.AuthDB
	gameDB   *storage.Worker
	registry *playerreg.Registry
	lobby    *room.Lobby
	rooms    *room.Manager
	pool     *workerpool.Pool
	authMgr  *auth.Manager
	handlers *room.Handlers
	bridge   *rpcBridge

	packagesDir string
	md5Mu       sync.RWMutex
	md5Value    string

	connsMu sync.Mutex
	conns   map[int64]net.Conn

	bansMu sync.Mutex
	bans   map[string]time.Time
}

// Deps bundles every collaborator Server needs, built once by cmd/server.
type Deps struct {
	Config      config.ServerConfig
	Logger      *zap.Logger
	Keys        *cryptoauth.KeyPair
	AuthDB      *storage.AuthDB
	GameDB      *storage.Worker
	PackagesDir string
	Factory     workerpool.ThreadFactory
}

// New builds a Server and every collaborator package it owns, wiring
// them together the way spec §4.11 describes.
func New(d Deps) *Server {
	s := &Server{
		cfg:         d.Config,
		logger:      d.Logger,
		keys:        d.Keys,
		authDB:      d.AuthDB,
		gameDB:      d.GameDB,
		packagesDir: d.PackagesDir,
		conns:       make(map[int64]net.Conn),
		bans:        make(map[string]time.Time),
	}
	s.md5Value = ComputeContentMD5(d.PackagesDir)

	s.registry = playerreg.New()
	s.rooms = room.NewManager()
	s.lobby = room.NewLobby(s.registry, s.Config(), s.authDB, s.logger)
	s.pool = workerpool.NewPool(d.Factory, s.logger)
	s.authMgr = auth.NewManager(s.keys, s.authDB, s.registry, s.Config(), s.CurrentMD5)
	s.handlers = room.NewHandlers(s.lobby, s.rooms, s.registry, s.authDB, s.assignThread, s.CurrentMD5, s.logger)
	s.bridge = newRPCBridge(s.registry, s.rooms, s.pool, s.gameDB, s.authDB, s, s.logger)
	return s
}

// RPCMethods exposes the scheduler.ServerMethods implementation a
// worker thread's script engine dispatcher should serve.
func (s *Server) RPCMethods() scheduler.ServerMethods { return s.bridge }

func (s *Server) assignThread() (int64, room.Forwarder) {
	threadID, fwd, err := s.pool.GetAvailableThread(s.CurrentMD5())
	if err != nil {
		s.logger.Error("acquiring worker thread failed", zap.Error(err))
		return 0, nil
	}
	return threadID, fwd
}

// OnlineCount returns the number of currently connected human players.
func (s *Server) OnlineCount() int { return s.registry.OnlineCount() }

// Config returns a snapshot of the live server configuration.
func (s *Server) Config() config.ServerConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// SetConfig replaces the live configuration, e.g. after re-reading
// freekill.server.config.json.
func (s *Server) SetConfig(cfg config.ServerConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// CurrentMD5 returns the server's live content-pack digest.
func (s *Server) CurrentMD5() string {
	s.md5Mu.RLock()
	defer s.md5Mu.RUnlock()
	return s.md5Value
}

// RefreshMD5 implements spec §4.11 "refreshMd5": recomputes the
// content digest and, if it changed, pushes every affected room and
// thread into an outdated state.
func (s *Server) RefreshMD5() {
	newMD5 := ComputeContentMD5(s.packagesDir)

	s.md5Mu.Lock()
	old := s.md5Value
	s.md5Value = newMD5
	s.md5Mu.Unlock()

	if newMD5 == old {
		return
	}
	s.logger.Info("content package digest changed", zap.String("old", old), zap.String("new", newMD5))

	for _, r := range s.rooms.List() {
		switch r.State() {
		case room.StateRunning, room.StateStarting, room.StateEnding:
			r.BroadcastOutdatedToast()
		case room.StateIdle:
			s.kickConnIDs(r.ConnIDs())
		}
	}
	s.pool.MarkAllOutdated(newMD5)
	s.kickConnIDs(s.lobby.ConnIDs())
	s.pool.ReapIdle()
}

func (s *Server) kickConnIDs(ids []int64) {
	for _, id := range ids {
		s.Kick(id)
	}
}

// Kick closes connId's socket, if still live, implementing the
// scheduler.ServerMethods bridge's EmitKick and every other forced
// disconnect path the facade drives.
func (s *Server) Kick(connID int64) {
	s.connsMu.Lock()
	conn, ok := s.conns[connID]
	s.connsMu.Unlock()
	if ok {
		_ = conn.Close()
	}
}

func (s *Server) trackConn(connID int64, conn net.Conn) {
	s.connsMu.Lock()
	s.conns[connID] = conn
	s.connsMu.Unlock()
}

func (s *Server) untrackConn(connID int64) {
	s.connsMu.Lock()
	delete(s.conns, connID)
	s.connsMu.Unlock()
}

// IsTempBanned reports whether ip is currently within a temporary ban
// window (spec §4.11 "temporarilyBan").
func (s *Server) IsTempBanned(ip string) bool {
	if ip == "" {
		return false
	}
	s.bansMu.Lock()
	defer s.bansMu.Unlock()
	until, ok := s.bans[ip]
	if !ok {
		return false
	}
	if time.Now().After(until) {
		delete(s.bans, ip)
		return false
	}
	return true
}

// TemporarilyBan bans accountID's last-known IP for the configured
// tempBanTime, and disconnects them if currently online (spec §4.11).
func (s *Server) TemporarilyBan(accountID int64) error {
	ip := ""
	if p, ok := s.registry.FindPlayer(accountID); ok && !p.IsRobot() {
		s.connsMu.Lock()
		if conn, ok := s.conns[p.ConnID()]; ok {
			ip = remoteHost(conn)
		}
		s.connsMu.Unlock()
	}
	if ip == "" {
		acc, err := s.authDB.FindAccountByID(accountID)
		if err != nil {
			return fmt.Errorf("looking up account %d for temp ban: %w", accountID, err)
		}
		if acc != nil {
			ip = acc.LastLoginIP
		}
	}
	if ip == "" {
		return fmt.Errorf("no known address for account %d", accountID)
	}

	dur := time.Duration(s.Config().TempBanTime) * time.Minute
	until := time.Now().Add(dur)
	s.bansMu.Lock()
	s.bans[ip] = until
	s.bansMu.Unlock()

	if p, ok := s.registry.FindPlayer(accountID); ok {
		s.Kick(p.ConnID())
	}
	return nil
}

// ListTempBans returns every currently-banned IP address.
func (s *Server) ListTempBans() []string {
	s.bansMu.Lock()
	defer s.bansMu.Unlock()
	now := time.Now()
	out := make([]string, 0, len(s.bans))
	for ip, until := range s.bans {
		if now.After(until) {
			delete(s.bans, ip)
			continue
		}
		out = append(out, ip)
	}
	return out
}

// IsMuted reports a player's current chat-mute state (0/1/2, spec §4.11).
func (s *Server) IsMuted(accountID int64) (int, error) {
	return s.authDB.MuteState(accountID)
}

// ListMutes returns every live mute record.
func (s *Server) ListMutes() ([]storage.MuteEntry, error) {
	return s.authDB.ListMutes()
}

// RunHeartbeat blocks, ticking the heartbeat loop until ctx is
// canceled (spec §4.11, P6: 30s interval, max_ttl 6 kicks a silent
// client between 150s and 180s of silence).
func (s *Server) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.heartbeatTick()
		}
	}
}

func (s *Server) heartbeatTick() {
	for _, p := range s.registry.AllOnline() {
		if p.State() != playerreg.StateOnline && p.State() != playerreg.StateTrust && p.State() != playerreg.StateRun {
			continue
		}
		if p.DecrementTTL() <= 0 {
			s.Kick(p.ConnID())
			continue
		}
		if r := p.Router(); r != nil {
			_ = r.SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, "Heartbeat", nil)
		}
	}
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// HandleNewConnection runs the full lifecycle of one accepted socket:
// the early public-key packet, the Setup handshake, and then the
// read loop that feeds the player's router (spec §4.4).
func (s *Server) HandleNewConnection(conn net.Conn) {
	connID := s.registry.AllocateConnID()
	corrID := uuid.NewString()
	logger := s.logger.With(zap.Int64("connId", connID), zap.String("corrId", corrID))

	ip := remoteHost(conn)
	if s.IsTempBanned(ip) {
		logger.Info("rejecting connection from temp-banned address", zap.String("ip", ip))
		conn.Close()
		return
	}

	s.trackConn(connID, conn)
	closed := false
	defer func() {
		if !closed {
			conn.Close()
		}
		s.untrackConn(connID)
	}()

	var writeMu sync.Mutex
	send := func(p wire.Packet) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return wire.WriteFrame(conn, p)
	}

	if keyPkt, err := wire.EncodeValue(s.keys.PublicKeyDER()); err == nil {
		_ = send(wire.NewNotification(wire.TypeNotification|wire.SrcServer|wire.DestClient, "InstallKey", keyPkt))
	} else {
		logger.Error("encoding public key packet failed", zap.Error(err))
	}

	fr := wire.NewFrameReader(conn)
	setupPkt, err := fr.ReadPacket()
	if err != nil {
		logger.Debug("connection closed before setup", zap.Error(err))
		return
	}

	outcome, err := s.authMgr.HandleSetup(setupPkt, connID, ip, func() *router.Router { return router.New(send) })
	if err != nil {
		s.rejectSetup(send, err, logger)
		return
	}

	player := outcome.Player
	player.Router().OnNotification(func(p wire.Packet) { s.dispatchPlayerCommand(player, p) })
	player.SetTTL(maxTTL)

	if outcome.Reconnect {
		s.handleReconnect(player, logger)
	} else {
		s.announceSetup(player)
		s.lobby.Add(player.ConnID())
		s.maybeAnnounceLogin(player)
	}

	s.readLoop(fr, player, logger)
	closed = true
}

func (s *Server) rejectSetup(send router.Sender, err error, logger *zap.Logger) {
	var rerr *auth.RejectionError
	if !errors.As(err, &rerr) {
		logger.Error("setup failed", zap.Error(err))
		return
	}
	logger.Info("setup rejected", zap.String("reason", rerr.Reason))
	if rerr.UpdatePackage {
		payload, encErr := wire.EncodeValue(map[wire.Key]any{"md5": []byte(s.CurrentMD5())})
		if encErr == nil {
			_ = send(wire.NewNotification(wire.TypeNotification|wire.SrcServer|wire.DestClient, "UpdatePackage", payload))
		}
		return
	}
	if payload, encErr := wire.EncodeValue([]byte(rerr.Reason)); encErr == nil {
		_ = send(wire.NewNotification(wire.TypeNotification|wire.SrcServer|wire.DestClient, "ErrorDlg", payload))
	}
}

// setupSeed is the [id, screenName, avatar, gameTime] the "Setup"
// notification carries back to a freshly authenticated client.
type setupSeed struct {
	_          struct{} `cbor:",toarray"`
	ID         int64
	ScreenName []byte
	Avatar     []byte
	GameTime   int64
}

func (s *Server) announceSetup(p *playerreg.Player) {
	payload, err := wire.EncodeValue(setupSeed{
		ID:         p.ID(),
		ScreenName: []byte(p.ScreenName()),
		Avatar:     []byte(p.Avatar()),
		GameTime:   int64(p.TotalGameTime().Seconds()),
	})
	if err != nil {
		s.logger.Error("encoding setup seed", zap.Error(err))
		return
	}
	_ = p.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, "Setup", payload)
}

// maybeAnnounceLogin broadcasts a ServerMessage login toast once the
// server is quiet enough for it to be meaningful (spec §4.11).
func (s *Server) maybeAnnounceLogin(p *playerreg.Player) {
	if s.registry.OnlineCount() > 10 {
		return
	}
	msg := fmt.Sprintf("%s has logged in.", p.ScreenName())
	payload, err := wire.EncodeValue([]byte(msg))
	if err != nil {
		return
	}
	s.lobby.Broadcast("ServerMessage", payload)
}

// handleReconnect wakes the scheduler exactly once for a reattached
// player still inside a room (spec §4.4 step 10, P8).
func (s *Server) handleReconnect(p *playerreg.Player, logger *zap.Logger) {
	roomID := p.RoomID()
	if roomID == 0 {
		return
	}
	r, ok := s.rooms.Get(roomID)
	if !ok {
		return
	}
	client, ok := s.pool.Client(r.ThreadID())
	if !ok {
		return
	}
	if _, err := scheduler.NewRemoteScheduler(client).ResumeRoom(roomID, "reconnect"); err != nil {
		logger.Warn("resume room on reconnect failed", zap.Error(err))
	}
}

// readLoop feeds every decoded packet into the player's router until
// the connection dies or three consecutive frames fail to decode
// (spec §4.1).
func (s *Server) readLoop(fr *wire.FrameReader, player *playerreg.Player, logger *zap.Logger) {
	for {
		pkt, err := fr.ReadPacket()
		if err != nil {
			if errors.Is(err, wire.ErrTooManyBadFrames) {
				logger.Info("closing connection after repeated malformed frames")
				break
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				break
			}
			logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		player.Router().Receive(pkt)
	}
	s.handleDisconnect(player, logger)
}

func (s *Server) handleDisconnect(player *playerreg.Player, logger *zap.Logger) {
	player.Router().Cancel()
	if player.InsideGame() {
		player.SetState(playerreg.StateOffline)
		player.SetRunned(true)
		logger.Info("player disconnected mid-game, retained for reconnect", zap.Int64("playerId", player.ID()))
		return
	}
	s.lobby.Remove(player.ConnID())
	s.registry.DeletePlayer(player.ConnID())
}

// dispatchPlayerCommand routes one inbound notification to the lobby
// or room command tables, intercepting Heartbeat to reset TTL before
// anything else sees it (spec §4.11).
func (s *Server) dispatchPlayerCommand(p *playerreg.Player, pkt wire.Packet) {
	if pkt.Command == "Heartbeat" {
		p.SetTTL(maxTTL)
		return
	}

	var err error
	if roomID := p.RoomID(); roomID == 0 {
		err = s.handlers.HandleLobbyCommand(p, pkt.Command, pkt.Data)
	} else if r, ok := s.rooms.Get(roomID); ok {
		err = s.handlers.HandleRoomCommand(r, p, pkt.Command, pkt.Data)
	} else {
		err = fmt.Errorf("player references missing room %d", roomID)
	}
	if err != nil {
		s.logger.Debug("player command failed", zap.Int64("playerId", p.ID()), zap.String("command", pkt.Command), zap.Error(err))
	}
}

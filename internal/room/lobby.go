package room

import (
	"sync"

	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/storage"
)

// Lobby is the singleton RoomBase described in spec §4.6: a set of
// connIds with no capacity, always id 0.
type Lobby struct {
	chatMixin

	mu      sync.RWMutex
	connIDs map[int64]struct{}

	reg    *playerreg.Registry
	logger *zap.Logger
}

// NewLobby builds the singleton lobby.
func NewLobby(reg *playerreg.Registry, cfg config.ServerConfig, db *storage.AuthDB, logger *zap.Logger) *Lobby {
	return &Lobby{
		chatMixin: newChatMixin(cfg, db, logger),
		connIDs:   make(map[int64]struct{}),
		reg:       reg,
		logger:    logger,
	}
}

// ID is always 0 for the lobby.
func (l *Lobby) ID() int64 { return 0 }

// ConnIDs returns a snapshot of the connIds currently in the lobby.
func (l *Lobby) ConnIDs() []int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]int64, 0, len(l.connIDs))
	for id := range l.connIDs {
		out = append(out, id)
	}
	return out
}

// Add places connID in the lobby.
func (l *Lobby) Add(connID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connIDs[connID] = struct{}{}
}

// Remove takes connID out of the lobby.
func (l *Lobby) Remove(connID int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.connIDs, connID)
}

// Count returns the number of players currently in the lobby.
func (l *Lobby) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.connIDs)
}

// Broadcast pushes command/data to every connId currently in the lobby.
func (l *Lobby) Broadcast(command string, data []byte) {
	broadcaster(l.reg, l.ConnIDs(), command, data)
}

// Chat implements the lobby's Chat command (type==1, spec §4.6/§4.7):
// broadcast with a userName field, rejecting silently on ban-word/mute.
func (l *Lobby) Chat(sender *playerreg.Player, data []byte) error {
	encoded, ok, err := l.chatMixin.handleChat(sender, data)
	if err != nil || !ok {
		return err
	}
	l.Broadcast("Chat", encoded)
	return nil
}

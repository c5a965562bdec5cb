// Package room implements the Lobby and Room state machines (spec
// §4.6, §4.7): the set of places a Player can be, and the chat,
// ready, and start/stop transitions that move them between rooms.
package room

import (
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

const chatMaxBytes = 300

// chatMessage is the decoded payload of a "Chat" command.
type chatMessage struct {
	Type int    `cbor:"type"`
	Msg  []byte `cbor:"msg"`
}

type outgoingChat struct {
	_        struct{} `cbor:",toarray"`
	Sender   int64
	UserName []byte
	Msg      []byte
}

// chatMixin implements RoomBase::chat, shared by Lobby and Room: decode,
// truncate, ban-word filter, mute check, broadcast.
type chatMixin struct {
	cfg    config.ServerConfig
	db     *storage.AuthDB
	logger *zap.Logger
}

func newChatMixin(cfg config.ServerConfig, db *storage.AuthDB, logger *zap.Logger) chatMixin {
	return chatMixin{cfg: cfg, db: db, logger: logger}
}

// handleChat validates and, on success, returns the packet to
// broadcast plus the recipients it should go to. ok is false when the
// message was silently rejected (ban-word or full mute) — spec §4.7
// says these are rejected without feedback to the sender.
func (c chatMixin) handleChat(sender *playerreg.Player, data []byte) (pkt []byte, ok bool, err error) {
	var msg chatMessage
	if err := wire.DecodeValue(data, &msg); err != nil {
		return nil, false, err
	}

	if len(msg.Msg) > chatMaxBytes {
		msg.Msg = msg.Msg[:chatMaxBytes]
	}

	if c.cfg.HasBanWord(string(msg.Msg)) {
		return nil, false, nil
	}

	muteState, err := c.db.MuteState(sender.ID())
	if err != nil {
		return nil, false, err
	}
	switch muteState {
	case 1:
		return nil, false, nil
	case 2:
		if len(msg.Msg) > 0 && msg.Msg[0] == '$' {
			return nil, false, nil
		}
	}

	c.logger.Info("chat", zap.Int64("sender", sender.ID()), zap.String("name", sender.ScreenName()), zap.ByteString("msg", msg.Msg))

	encoded, err := wire.EncodeValue(outgoingChat{Sender: sender.ID(), UserName: []byte(sender.ScreenName()), Msg: msg.Msg})
	if err != nil {
		return nil, false, err
	}
	return encoded, true, nil
}

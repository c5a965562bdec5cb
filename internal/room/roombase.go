package room

import (
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/wire"
)

// RoomBase is the shared surface of Lobby and Room (spec §3): an id and
// the ability to broadcast notifications to a set of connection ids.
type RoomBase interface {
	ID() int64
	ConnIDs() []int64
}

// broadcaster sends a notification to every connId in ids, using reg to
// resolve live routers. Missing or robot players (no router) are
// silently skipped.
func broadcaster(reg *playerreg.Registry, ids []int64, command string, data []byte) {
	for _, connID := range ids {
		p, ok := reg.FindPlayerByConnID(connID)
		if !ok || p.Router() == nil {
			continue
		}
		_ = p.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient, command, data)
	}
}

package serverfacade

import (
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/room"
	"github.com/freekill-go/serverd/internal/scheduler"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/workerpool"
)

func loopbackClient(t *testing.T) *scheduler.Client {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
	go scheduler.ServeStub(scheduler.NewTransport(serverConn))
	return scheduler.NewClient("test", scheduler.NewTransport(clientConn))
}

type fakeKicker struct {
	kicked []int64
}

func (f *fakeKicker) Kick(connID int64) { f.kicked = append(f.kicked, connID) }

func newBridgeFixture(t *testing.T) (*rpcBridge, *playerreg.Registry, *room.Manager, *fakeKicker) {
	t.Helper()
	reg := playerreg.New()
	rooms := room.NewManager()
	pool := workerpool.NewPool(func(id int64) (*scheduler.Client, error) {
		return loopbackClient(t), nil
	}, zap.NewNop())

	authDB, err := storage.OpenAuthDB(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authDB.Close() })

	gameDB, err := storage.NewWorker(filepath.Join(t.TempDir(), "game.db"))
	require.NoError(t, err)
	t.Cleanup(gameDB.Stop)

	kicker := &fakeKicker{}
	bridge := newRPCBridge(reg, rooms, pool, gameDB, authDB, kicker, zap.NewNop())
	return bridge, reg, rooms, kicker
}

func addTestPlayer(reg *playerreg.Registry, connID, id int64) *playerreg.Player {
	p := playerreg.NewPlayer(id, connID, "tester", "liubei", "uuid-1", nil)
	reg.AddPlayer(p)
	return p
}

func TestRPCBridge_ThinkingRoundTrip(t *testing.T) {
	t.Parallel()
	bridge, reg, _, _ := newBridgeFixture(t)
	addTestPlayer(reg, 1, 100)

	require.NoError(t, bridge.SetThinking(1, true))
	thinking, err := bridge.Thinking(1)
	require.NoError(t, err)
	require.True(t, thinking)
}

func TestRPCBridge_UnknownConnIDErrors(t *testing.T) {
	t.Parallel()
	bridge, _, _, _ := newBridgeFixture(t)

	_, err := bridge.Thinking(999)
	require.Error(t, err)
}

func TestRPCBridge_EmitKickDelegatesToKicker(t *testing.T) {
	t.Parallel()
	bridge, reg, _, kicker := newBridgeFixture(t)
	addTestPlayer(reg, 1, 100)

	require.NoError(t, bridge.EmitKick(1))
	require.Equal(t, []int64{1}, kicker.kicked)
}

func TestRPCBridge_SaveStateRoundTrip(t *testing.T) {
	t.Parallel()
	bridge, reg, _, _ := newBridgeFixture(t)
	addTestPlayer(reg, 1, 100)

	require.NoError(t, bridge.SaveState(1, []byte(`{"hp":10}`)))
	data, err := bridge.GetSaveState(1)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"hp":10}`), data)
}

func TestRPCBridge_GlobalSaveStateRoundTrip(t *testing.T) {
	t.Parallel()
	bridge, reg, _, _ := newBridgeFixture(t)
	addTestPlayer(reg, 1, 100)

	require.NoError(t, bridge.SaveGlobalState(1, "achievements", []byte(`{"unlocked":true}`)))
	data, err := bridge.GetGlobalSaveState(1, "achievements")
	require.NoError(t, err)
	require.Equal(t, []byte(`{"unlocked":true}`), data)
}

func TestRPCBridge_GetSaveState_FirstLoadReturnsEmptyObject(t *testing.T) {
	t.Parallel()
	bridge, reg, _, _ := newBridgeFixture(t)
	addTestPlayer(reg, 1, 100)

	data, err := bridge.GetSaveState(1)
	require.NoError(t, err)
	require.Equal(t, []byte("{}"), data)
}

func TestRPCBridge_GameOverMarksRoomEnded(t *testing.T) {
	t.Parallel()
	bridge, reg, rooms, _ := newBridgeFixture(t)
	r := room.NewRoom(1, "test room", 4, 0, room.Settings{}, 1, reg, nil, config.Default(), zap.NewNop())
	rooms.Add(r)
	require.NoError(t, r.Start("md5-1"))
	r.MarkRunning()

	require.NoError(t, bridge.GameOver(1))
	require.Equal(t, room.StateEnding, r.State())
}

func TestRPCBridge_DecreaseRefCountReleasesAbandonedRoom(t *testing.T) {
	t.Parallel()
	bridge, reg, rooms, _ := newBridgeFixture(t)
	r := room.NewRoom(1, "test room", 4, 0, room.Settings{}, 1, reg, nil, config.Default(), zap.NewNop())
	r.AssignThread(7, nil)
	r.IncreaseRefCount()
	rooms.Add(r)
	r.RemovePlayer(1)

	require.NoError(t, bridge.DecreaseRefCount(1))
	_, ok := rooms.Get(1)
	require.False(t, ok)
}

func TestRPCBridge_SessionDataRoundTrip(t *testing.T) {
	t.Parallel()
	bridge, reg, rooms, _ := newBridgeFixture(t)
	r := room.NewRoom(1, "test room", 4, 0, room.Settings{}, 1, reg, nil, config.Default(), zap.NewNop())
	rooms.Add(r)

	require.NoError(t, bridge.SetSessionData(1, []byte("session-blob")))
	data, err := bridge.GetSessionData(1)
	require.NoError(t, err)
	require.Equal(t, []byte("session-blob"), data)
}

func TestRPCBridge_AddNpcAddsPlayerToRoom(t *testing.T) {
	t.Parallel()
	bridge, reg, rooms, _ := newBridgeFixture(t)
	r := room.NewRoom(1, "test room", 4, 0, room.Settings{}, 1, reg, nil, config.Default(), zap.NewNop())
	rooms.Add(r)

	payload, err := bridge.AddNpc(1)
	require.NoError(t, err)
	require.NotEmpty(t, payload)
	require.Len(t, r.Players(), 2)
}

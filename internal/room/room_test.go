package room

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

func newTestEnv(t *testing.T) (*playerreg.Registry, *storage.AuthDB, config.ServerConfig) {
	t.Helper()
	reg := playerreg.New()
	db, err := storage.OpenAuthDB(filepath.Join(t.TempDir(), "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return reg, db, config.Default()
}

func addTestPlayer(t *testing.T, reg *playerreg.Registry, id int64, name string) *playerreg.Player {
	t.Helper()
	r := router.New(func(wire.Packet) error { return nil })
	p := playerreg.NewPlayer(id, reg.AllocateConnID(), name, "liubei", "uuid", r)
	p.SetState(playerreg.StateOnline)
	reg.AddPlayer(p)
	return p
}

func TestRoom_AddPlayer_RejectsWhenFull(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")

	r := NewRoom(1, "room", 1, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())

	bob := addTestPlayer(t, reg, 2, "bob")
	err := r.AddPlayer(bob.ConnID(), bob.ID())
	require.Error(t, err)
}

func TestRoom_RemovePlayer_PromotesNewOwner(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")
	bob := addTestPlayer(t, reg, 2, "bob")

	r := NewRoom(1, "room", 5, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	require.NoError(t, r.AddPlayer(bob.ConnID(), bob.ID()))

	r.RemovePlayer(owner.ConnID())
	require.Equal(t, bob.ConnID(), r.Owner())
}

func TestRoom_StartTransitionsToStartingAndSnapshotsMD5(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")

	r := NewRoom(1, "room", 1, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	require.NoError(t, r.Start("md5-1"))
	require.Equal(t, StateStarting, r.State())

	err := r.Start("md5-2")
	require.Error(t, err)
}

func TestRoom_KickRejectsReentry(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")
	bob := addTestPlayer(t, reg, 2, "bob")

	r := NewRoom(1, "room", 5, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	require.NoError(t, r.AddPlayer(bob.ConnID(), bob.ID()))

	r.Kick(bob.ConnID(), bob.ID())
	err := r.AddPlayer(bob.ConnID(), bob.ID())
	require.Error(t, err)
}

func TestRoom_RefCountAndAbandon(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")

	r := NewRoom(1, "room", 1, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	r.IncreaseRefCount()
	require.False(t, r.CheckAbandoned())

	require.Equal(t, 0, r.DecreaseRefCount())
	r.RemovePlayer(owner.ConnID())
	require.True(t, r.CheckAbandoned())
	require.Equal(t, StateAbandoned, r.State())
}

func TestRoom_VoteSurrenderRequiresAllHumans(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")
	bob := addTestPlayer(t, reg, 2, "bob")

	r := NewRoom(1, "room", 5, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	require.NoError(t, r.AddPlayer(bob.ConnID(), bob.ID()))

	require.False(t, r.VoteSurrender(owner.ConnID()))
	require.True(t, r.VoteSurrender(bob.ConnID()))
}

func TestManager_AddGetRemove(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	owner := addTestPlayer(t, reg, 1, "alice")

	m := NewManager()
	id := m.NextID()
	r := NewRoom(id, "room", 5, 30*time.Second, Settings{}, owner.ConnID(), reg, db, cfg, zap.NewNop())
	m.Add(r)

	got, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, r, got)

	m.Remove(id)
	_, ok = m.Get(id)
	require.False(t, ok)
}

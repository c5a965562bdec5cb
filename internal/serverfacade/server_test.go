package serverfacade

import (
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/cryptoauth"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/scheduler"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
	"github.com/freekill-go/serverd/internal/workerpool"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	dir := t.TempDir()

	keys, err := cryptoauth.LoadOrGenerate(filepath.Join(dir, "private.pem"), filepath.Join(dir, "public.pem"))
	require.NoError(t, err)

	authDB, err := storage.OpenAuthDB(filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { authDB.Close() })

	gameDB, err := storage.NewWorker(filepath.Join(dir, "game.db"))
	require.NoError(t, err)
	t.Cleanup(gameDB.Stop)

	factory := func(id int64) (*scheduler.Client, error) {
		serverConn, clientConn := net.Pipe()
		t.Cleanup(func() { serverConn.Close(); clientConn.Close() })
		go scheduler.ServeStub(scheduler.NewTransport(serverConn))
		return scheduler.NewClient("test", scheduler.NewTransport(clientConn)), nil
	}

	return New(Deps{
		Config:      config.Default(),
		Logger:      zap.NewNop(),
		Keys:        keys,
		AuthDB:      authDB,
		GameDB:      gameDB,
		PackagesDir: filepath.Join(dir, "packages"),
		Factory:     workerpool.ThreadFactory(factory),
	})
}

func TestServer_TemporarilyBanThenIsTempBanned(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	s.trackConn(1, serverConn)
	p := playerreg.NewPlayer(1, 1, "tester", "liubei", "uuid-1", router.New(func(wire.Packet) error { return nil }))
	s.registry.AddPlayer(p)

	require.NoError(t, s.TemporarilyBan(1))
	require.True(t, s.IsTempBanned(remoteHost(serverConn)))
	require.Contains(t, s.ListTempBans(), remoteHost(serverConn))

	_, err := clientConn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_IsTempBannedFalseForUnknownAddress(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	require.False(t, s.IsTempBanned("203.0.113.5"))
}

func TestServer_HeartbeatKicksSilentClientAtTTLZero(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()
	s.trackConn(7, serverConn)

	p := playerreg.NewPlayer(1, 7, "tester", "liubei", "uuid-1", router.New(func(wire.Packet) error { return nil }))
	p.SetTTL(1)
	s.registry.AddPlayer(p)

	s.heartbeatTick()

	_, err := clientConn.Read(make([]byte, 1))
	require.ErrorIs(t, err, io.EOF)
}

func TestServer_HeartbeatSendsNotifyWhileTTLRemains(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)

	received := make(chan wire.Packet, 1)
	r := router.New(func(pkt wire.Packet) error {
		received <- pkt
		return nil
	})
	p := playerreg.NewPlayer(1, 7, "tester", "liubei", "uuid-1", r)
	p.SetTTL(3)
	s.registry.AddPlayer(p)

	s.heartbeatTick()

	select {
	case pkt := <-received:
		require.Equal(t, "Heartbeat", pkt.Command)
	case <-time.After(time.Second):
		t.Fatal("expected a heartbeat notification")
	}
}

func TestServer_RefreshMD5NoopWhenContentUnchanged(t *testing.T) {
	t.Parallel()
	s := newTestServer(t)
	before := s.CurrentMD5()
	s.RefreshMD5()
	require.Equal(t, before, s.CurrentMD5())
}

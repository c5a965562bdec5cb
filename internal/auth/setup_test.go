package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"path/filepath"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/require"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/cryptoauth"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

const testMD5 = "abc123"

func newTestManager(t *testing.T) (*Manager, *cryptoauth.KeyPair) {
	t.Helper()
	dir := t.TempDir()
	keys, err := cryptoauth.LoadOrGenerate(filepath.Join(dir, "rsa"), filepath.Join(dir, "rsa_pub"))
	require.NoError(t, err)

	db, err := storage.OpenAuthDB(filepath.Join(dir, "users.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg := playerreg.New()
	cfg := config.Default()
	mgr := NewManager(keys, db, reg, cfg, func() string { return testMD5 })
	return mgr, keys
}

func encryptedPassword(t *testing.T, keys *cryptoauth.KeyPair, sessionKey [32]byte, password string) []byte {
	t.Helper()
	plain := append(append([]byte{}, sessionKey[:]...), []byte(password)...)
	ct, err := rsa.EncryptPKCS1v15(rand.Reader, keys.PublicKey(), plain)
	require.NoError(t, err)
	return ct
}

func buildSetupPacket(t *testing.T, screenName, md5 string, passwordEnc []byte) wire.Packet {
	t.Helper()
	data, err := wire.EncodeValue([]any{
		[]byte(screenName),
		passwordEnc,
		[]byte(md5),
		[]byte("0.5.14"),
		[]byte("uuid-1"),
	})
	require.NoError(t, err)
	return wire.Packet{
		RequestID: wire.RequestIDNotification,
		Type:      wire.TypeNotification | wire.SrcClient | wire.DestServer,
		Command:   "Setup",
		Data:      data,
	}
}

func newRouterForTest() *router.Router {
	return router.New(func(wire.Packet) error { return nil })
}

func TestHandleSetup_NewAccountSucceeds(t *testing.T) {
	t.Parallel()
	mgr, keys := newTestManager(t)

	var sessionKey [32]byte
	enc := encryptedPassword(t, keys, sessionKey, "hunter2")
	pkt := buildSetupPacket(t, "alice", testMD5, enc)

	outcome, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.NoError(t, err)
	require.NotNil(t, outcome.Player)
	require.False(t, outcome.Reconnect)
	require.Equal(t, "alice", outcome.Player.ScreenName())
}

func TestHandleSetup_WrongPasswordRejected(t *testing.T) {
	t.Parallel()
	mgr, keys := newTestManager(t)

	var sessionKey [32]byte
	enc := encryptedPassword(t, keys, sessionKey, "hunter2")
	pkt := buildSetupPacket(t, "bob", testMD5, enc)
	_, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.NoError(t, err)

	wrongEnc := encryptedPassword(t, keys, sessionKey, "wrong")
	pkt2 := buildSetupPacket(t, "bob", testMD5, wrongEnc)
	_, err = mgr.HandleSetup(pkt2, 1002, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
}

func TestHandleSetup_ContentMD5MismatchSendsUpdatePackage(t *testing.T) {
	t.Parallel()
	mgr, keys := newTestManager(t)

	var sessionKey [32]byte
	enc := encryptedPassword(t, keys, sessionKey, "hunter2")
	pkt := buildSetupPacket(t, "carol", "stale-md5", enc)

	_, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
	var rej *RejectionError
	require.ErrorAs(t, err, &rej)
	require.True(t, rej.UpdatePackage)
}

func TestHandleSetup_EmptyScreenNameRejected(t *testing.T) {
	t.Parallel()
	mgr, keys := newTestManager(t)

	var sessionKey [32]byte
	enc := encryptedPassword(t, keys, sessionKey, "hunter2")
	pkt := buildSetupPacket(t, "", testMD5, enc)

	_, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
}

func TestHandleSetup_BannedUUIDRejected(t *testing.T) {
	t.Parallel()
	mgr, keys := newTestManager(t)

	require.NoError(t, mgr.db.BanUUID("uuid-1"))

	var sessionKey [32]byte
	enc := encryptedPassword(t, keys, sessionKey, "hunter2")
	pkt := buildSetupPacket(t, "dave", testMD5, enc)

	_, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
}

func TestHandleSetup_WrongShapeRejected(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)

	pkt := wire.Packet{
		RequestID: 5,
		Type:      wire.TypeNotification | wire.SrcClient | wire.DestServer,
		Command:   "Setup",
		Data:      []byte{},
	}
	_, err := mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
}

func TestHandleSetup_MalformedPayloadRejected(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)

	data, err := cbor.Marshal([]any{[]byte("onlyone")})
	require.NoError(t, err)
	pkt := wire.Packet{
		RequestID: wire.RequestIDNotification,
		Type:      wire.TypeNotification | wire.SrcClient | wire.DestServer,
		Command:   "Setup",
		Data:      data,
	}
	_, err = mgr.HandleSetup(pkt, 1001, "127.0.0.1", newRouterForTest)
	require.Error(t, err)
}

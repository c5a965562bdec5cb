package room

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/freekill-go/serverd/internal/wire"
)

func TestChatMixin_HandleChat_RoundTripsByteStringMessage(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	sender := addTestPlayer(t, reg, 1, "alice")
	mix := newChatMixin(cfg, db, zap.NewNop())

	data, err := wire.EncodeValue(chatMessage{Type: 2, Msg: []byte("hello")})
	require.NoError(t, err)

	pkt, ok, err := mix.handleChat(sender, data)
	require.NoError(t, err)
	require.True(t, ok)

	var out outgoingChat
	require.NoError(t, wire.DecodeValue(pkt, &out))
	require.Equal(t, sender.ID(), out.Sender)
	require.Equal(t, []byte("alice"), out.UserName)
	require.Equal(t, []byte("hello"), out.Msg)
}

func TestChatMixin_HandleChat_TruncatesLongMessage(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	sender := addTestPlayer(t, reg, 1, "alice")
	mix := newChatMixin(cfg, db, zap.NewNop())

	long := make([]byte, chatMaxBytes+50)
	for i := range long {
		long[i] = 'x'
	}
	data, err := wire.EncodeValue(chatMessage{Type: 2, Msg: long})
	require.NoError(t, err)

	pkt, ok, err := mix.handleChat(sender, data)
	require.NoError(t, err)
	require.True(t, ok)

	var out outgoingChat
	require.NoError(t, wire.DecodeValue(pkt, &out))
	require.Len(t, out.Msg, chatMaxBytes)
}

func TestChatMixin_HandleChat_FullMuteSilentlyDrops(t *testing.T) {
	t.Parallel()
	reg, db, cfg := newTestEnv(t)
	sender := addTestPlayer(t, reg, 1, "alice")
	require.NoError(t, db.SetMute(sender.ID(), time.Hour, 1))

	mix := newChatMixin(cfg, db, zap.NewNop())
	data, err := wire.EncodeValue(chatMessage{Type: 2, Msg: []byte("hello")})
	require.NoError(t, err)

	_, ok, err := mix.handleChat(sender, data)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestBroadcastOutdatedToast_MatchesCanonicalByteStringMap pins the
// outgoing GameLog payload against the literal byte-string-keyed CBOR
// map the protocol requires: {bytestring("type"): bytestring("#RoomOutdated"),
// bytestring("toast"): true}.
func TestBroadcastOutdatedToast_MatchesCanonicalByteStringMap(t *testing.T) {
	t.Parallel()
	data, err := wire.EncodeValue(map[wire.Key]any{
		"type":  []byte("#RoomOutdated"),
		"toast": true,
	})
	require.NoError(t, err)

	want, err := hex.DecodeString("A244747970654D23526F6F6D4F7574646174656445746F617374F5")
	require.NoError(t, err)
	require.Equal(t, want, data)
}

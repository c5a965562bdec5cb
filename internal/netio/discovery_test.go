package netio

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscovery_RespondsToDetectServer(t *testing.T) {
	t.Parallel()
	d := NewDiscovery(ServerInfo{})

	reply, ok := d.Respond([]byte("fkDetectServer"))
	require.True(t, ok)
	require.Equal(t, "me", string(reply))
}

func TestDiscovery_RespondsToGetDetailWithEchoToken(t *testing.T) {
	t.Parallel()
	d := NewDiscovery(ServerInfo{
		Version:     "0.5.14+",
		IconURL:     "https://example.com/icon.png",
		Description: "a test server",
		Capacity:    100,
		OnlineCount: func() int { return 3 },
	})

	reply, ok := d.Respond([]byte("fkGetDetail,echo-123"))
	require.True(t, ok)

	var fields []any
	require.NoError(t, json.Unmarshal(reply, &fields))
	require.Equal(t, []any{"0.5.14+", "https://example.com/icon.png", "a test server", float64(100), float64(3), "echo-123"}, fields)
}

func TestDiscovery_IgnoresUnrecognizedInput(t *testing.T) {
	t.Parallel()
	d := NewDiscovery(ServerInfo{})

	_, ok := d.Respond([]byte("garbage"))
	require.False(t, ok)
}

func TestDiscovery_TrimsTrailingNulPadding(t *testing.T) {
	t.Parallel()
	d := NewDiscovery(ServerInfo{})

	reply, ok := d.Respond([]byte("fkDetectServer\x00\x00\x00"))
	require.True(t, ok)
	require.Equal(t, "me", string(reply))
}

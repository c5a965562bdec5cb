package netio

import (
	"bytes"
	"encoding/json"
	"strings"
)

// DiscoveryResponder answers one inbound UDP discovery datagram, per
// spec §4.3. Implementations return (reply, false) for inputs that
// should be ignored rather than answered.
type DiscoveryResponder interface {
	Respond(msg []byte) ([]byte, bool)
}

const (
	discoverPrefix   = "fkDetectServer"
	detailPrefix     = "fkGetDetail"
	discoverResponse = "me"
)

// ServerInfo is the live state the discovery responder folds into a
// "fkGetDetail" reply.
type ServerInfo struct {
	Version     string
	IconURL     string
	Description string
	Capacity    int
	OnlineCount func() int
}

// Discovery implements DiscoveryResponder against a live ServerInfo,
// matching spec §4.3's two recognized input shapes and ignoring
// everything else.
type Discovery struct {
	info ServerInfo
}

// NewDiscovery builds a Discovery responder over info.
func NewDiscovery(info ServerInfo) *Discovery {
	return &Discovery{info: info}
}

// Respond implements DiscoveryResponder.
func (d *Discovery) Respond(msg []byte) ([]byte, bool) {
	text := string(bytes.TrimRight(msg, "\x00"))
	switch {
	case text == discoverPrefix:
		return []byte(discoverResponse), true
	case strings.HasPrefix(text, detailPrefix):
		// "fkGetDetailX..." — everything after the comma (if any) is an
		// arbitrary echo token the client supplies to correlate replies.
		rest := strings.TrimPrefix(text, detailPrefix)
		rest = strings.TrimPrefix(rest, ",")
		online := 0
		if d.info.OnlineCount != nil {
			online = d.info.OnlineCount()
		}
		payload := []any{d.info.Version, d.info.IconURL, d.info.Description, d.info.Capacity, online, rest}
		body, err := json.Marshal(payload)
		if err != nil {
			return nil, false
		}
		return body, true
	default:
		return nil, false
	}
}

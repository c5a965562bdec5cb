// Package auth implements the Setup handshake described in spec §4.4:
// validating a freshly connected client's credentials and handing back
// either a rejection or a live Player bound into the registry.
package auth

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/freekill-go/serverd/internal/config"
	"github.com/freekill-go/serverd/internal/cryptoauth"
	"github.com/freekill-go/serverd/internal/playerreg"
	"github.com/freekill-go/serverd/internal/router"
	"github.com/freekill-go/serverd/internal/storage"
	"github.com/freekill-go/serverd/internal/wire"
)

// setupBlob is the Setup packet payload: exactly five byte-strings
// (spec's "auth setup blob").
type setupBlob struct {
	_           struct{} `cbor:",toarray"`
	ScreenName  []byte
	PasswordEnc []byte
	ContentMD5  []byte
	ClientVer   []byte
	ClientUUID  []byte
}

// Outcome is the result of processing one Setup packet.
type Outcome struct {
	Player     *playerreg.Player
	Reconnect  bool
	SessionKey []byte
}

// RejectionError is returned for every validation failure; the caller
// sends an "ErrorDlg" early packet with Reason and closes the socket,
// except for UpdatePackage which additionally carries a pack summary.
type RejectionError struct {
	Reason        string
	UpdatePackage bool
}

func (e *RejectionError) Error() string { return e.Reason }

func reject(reason string) error { return &RejectionError{Reason: reason} }

// Manager validates Setup packets and creates or rebinds players.
type Manager struct {
	keys     *cryptoauth.KeyPair
	db       *storage.AuthDB
	registry *playerreg.Registry
	cfg      config.ServerConfig

	currentMD5     func() string
	maxPerDevice   int
}

// NewManager builds an auth Manager. currentMD5 returns the server's
// live content-pack digest, re-evaluated on every Setup (spec §4.4
// step 6).
func NewManager(keys *cryptoauth.KeyPair, db *storage.AuthDB, registry *playerreg.Registry, cfg config.ServerConfig, currentMD5 func() string) *Manager {
	maxPerDevice := cfg.MaxPlayersPerDevice
	if maxPerDevice <= 0 {
		maxPerDevice = 3
	}
	return &Manager{keys: keys, db: db, registry: registry, cfg: cfg, currentMD5: currentMD5, maxPerDevice: maxPerDevice}
}

// PublicKeyDER returns the DER-encoded public key to ship as the early
// packet to a newly connected client.
func (m *Manager) PublicKeyDER() []byte {
	return m.keys.PublicKeyDER()
}

// HandleSetup validates p against spec §4.4 steps 1-11 and, on
// success, creates or reconnects a Player. newRouter is invoked lazily
// only on success, since it binds the live Sender for this connection.
func (m *Manager) HandleSetup(p wire.Packet, connID int64, remoteIP string, newRouter func() *router.Router) (*Outcome, error) {
	if err := m.checkShape(p); err != nil {
		return nil, err
	}

	var blob setupBlob
	if err := cbor.Unmarshal(p.Data, &blob); err != nil {
		return nil, reject("malformed setup payload")
	}
	if len(blob.ScreenName) == 0 || len(blob.PasswordEnc) == 0 || len(blob.ContentMD5) == 0 ||
		len(blob.ClientVer) == 0 || len(blob.ClientUUID) == 0 {
		return nil, reject("malformed setup payload")
	}

	plain, err := m.keys.Decrypt(blob.PasswordEnc)
	if err != nil {
		return nil, reject("unknown password error")
	}
	sessionKey, password, err := cryptoauth.SplitSetupSecret(plain)
	if err != nil {
		return nil, reject("unknown password error")
	}

	screenName := string(blob.ScreenName)
	uuid := string(blob.ClientUUID)
	contentMD5 := string(blob.ContentMD5)

	if err := m.checkScreenName(screenName); err != nil {
		return nil, err
	}
	if err := m.checkWhitelist(screenName); err != nil {
		return nil, err
	}
	if err := m.checkUUIDBan(uuid); err != nil {
		return nil, err
	}
	if err := m.checkContentMD5(contentMD5); err != nil {
		return nil, err
	}

	acc, err := m.db.FindAccountByName(screenName)
	if err != nil {
		return nil, fmt.Errorf("looking up account %q: %w", screenName, err)
	}

	if acc == nil {
		acc, err = m.createAccount(screenName, string(password), uuid, remoteIP)
		if err != nil {
			return nil, err
		}
	} else {
		expected := storage.HashPassword(string(password), acc.Salt)
		if expected != acc.PasswordHash {
			return nil, reject("wrong password")
		}
	}

	if acc.Banned {
		return nil, reject("account is banned")
	}

	if err := m.db.UpdateLastLogin(acc.ID, remoteIP); err != nil {
		return nil, fmt.Errorf("updating last login for %d: %w", acc.ID, err)
	}
	if err := m.db.UpsertUUID(acc.ID, uuid); err != nil {
		return nil, fmt.Errorf("upserting uuid for %d: %w", acc.ID, err)
	}

	return m.bindPlayer(acc, connID, uuid, sessionKey, newRouter)
}

func (m *Manager) checkShape(p wire.Packet) error {
	const want = wire.TypeNotification | wire.SrcClient | wire.DestServer
	if p.RequestID != wire.RequestIDNotification || p.Type != want || p.Command != "Setup" {
		return reject("malformed setup packet")
	}
	return nil
}

func (m *Manager) checkScreenName(name string) error {
	if name == "" {
		return reject("screen name is empty")
	}
	if !storage.CheckString(name) {
		return reject("screen name contains disallowed characters")
	}
	if m.cfg.HasBanWord(name) {
		return reject("screen name contains a banned word")
	}
	return nil
}

func (m *Manager) checkWhitelist(name string) error {
	if !m.cfg.EnableWhitelist {
		return nil
	}
	ok, err := m.db.IsWhitelisted(name)
	if err != nil {
		return fmt.Errorf("checking whitelist for %q: %w", name, err)
	}
	if !ok {
		return reject("not on the whitelist")
	}
	return nil
}

func (m *Manager) checkUUIDBan(uuid string) error {
	banned, err := m.db.IsBannedUUID(uuid)
	if err != nil {
		return fmt.Errorf("checking uuid ban for %q: %w", uuid, err)
	}
	if banned {
		return reject("device is banned")
	}
	return nil
}

func (m *Manager) checkContentMD5(submitted string) error {
	if submitted != m.currentMD5() {
		return &RejectionError{Reason: "content package is outdated", UpdatePackage: true}
	}
	return nil
}

func (m *Manager) createAccount(screenName, password, uuid, remoteIP string) (*storage.Account, error) {
	count, err := m.db.CountAccountsForUUID(uuid)
	if err != nil {
		return nil, fmt.Errorf("checking device cap for uuid %q: %w", uuid, err)
	}
	if count >= m.maxPerDevice {
		return nil, reject("too many accounts on this device")
	}

	salt, err := storage.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	hash := storage.HashPassword(password, salt)

	id, err := m.db.CreateAccount(screenName, hash, salt, "liubei", remoteIP)
	if err != nil {
		return nil, fmt.Errorf("creating account %q: %w", screenName, err)
	}
	return &storage.Account{ID: id, Name: screenName, PasswordHash: hash, Salt: salt, Avatar: "liubei"}, nil
}

// bindPlayer implements spec §4.4 step 10: duplicate-login handling,
// then either reconnects the existing Offline session or creates a
// fresh Player.
func (m *Manager) bindPlayer(acc *storage.Account, connID int64, uuid string, sessionKey []byte, newRouter func() *router.Router) (*Outcome, error) {
	existing, found := m.registry.FindPlayer(acc.ID)
	if found {
		switch existing.State() {
		case playerreg.StateOnline, playerreg.StateRobot:
			if existing.Router() != nil {
				_ = existing.Router().SendNotify(wire.TypeNotification|wire.SrcServer|wire.DestClient,
					"ErrorDlg", mustEncode("others logged in again with this name"))
			}
			m.registry.DeletePlayer(existing.ConnID())
		case playerreg.StateOffline:
			r := newRouter()
			existing.Reattach(r)
			existing.SetState(playerreg.StateOnline)
			return &Outcome{Player: existing, Reconnect: true, SessionKey: sessionKey}, nil
		}
	}

	r := newRouter()
	player := playerreg.NewPlayer(acc.ID, connID, acc.Name, acc.Avatar, uuid, r)
	player.SetState(playerreg.StateOnline)
	m.registry.AddPlayer(player)
	return &Outcome{Player: player, Reconnect: false, SessionKey: sessionKey}, nil
}

func mustEncode(s string) []byte {
	b, err := wire.EncodeValue([]byte(s))
	if err != nil {
		panic(fmt.Sprintf("encoding literal string %q: %v", s, err))
	}
	return b
}

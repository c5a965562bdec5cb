package storage

import (
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/freekill-go/serverd/internal/storage/schema"
)

// AuthDB wraps the main account database (server/users.db). Its queries
// run directly on the calling goroutine, and it is called from several
// (connection handlers and the scheduler RPC bridge); it adds no locking
// of its own around reads/writes and relies on database/sql for
// concurrent use. The transaction mutex below only guards against a
// programmer error nesting BEGIN/COMMIT pairs.
type AuthDB struct {
	db *sql.DB

	txMu sync.Mutex
	inTx bool
}

// OpenAuthDB opens (creating if necessary) the sqlite3 file at path and
// applies the embedded schema.
func OpenAuthDB(path string) (*AuthDB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening auth database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging auth database %s: %w", path, err)
	}
	if _, err := db.Exec(schema.AuthDBInit); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying auth schema: %w", err)
	}
	return &AuthDB{db: db}, nil
}

// Close closes the underlying handle.
func (a *AuthDB) Close() error {
	return a.db.Close()
}

// BeginTransaction issues BEGIN, guarding against a second transaction
// starting before EndTransaction (spec §4.10). Nested transactions are
// not supported.
func (a *AuthDB) BeginTransaction() error {
	a.txMu.Lock()
	alreadyOpen := a.inTx
	if !alreadyOpen {
		a.inTx = true
	}
	a.txMu.Unlock()
	if alreadyOpen {
		return fmt.Errorf("nested transaction not supported")
	}
	if _, err := a.db.Exec("BEGIN"); err != nil {
		a.txMu.Lock()
		a.inTx = false
		a.txMu.Unlock()
		return fmt.Errorf("BEGIN: %w", err)
	}
	return nil
}

// EndTransaction issues COMMIT and clears the transaction guard.
func (a *AuthDB) EndTransaction() error {
	defer func() {
		a.txMu.Lock()
		a.inTx = false
		a.txMu.Unlock()
	}()
	if _, err := a.db.Exec("COMMIT"); err != nil {
		return fmt.Errorf("COMMIT: %w", err)
	}
	return nil
}

// Account is a userinfo row plus its usergameinfo counters.
type Account struct {
	ID            int64
	Name          string
	PasswordHash  string
	Salt          string
	Avatar        string
	LastLoginIP   string
	Banned        bool
	TotalGameTime int64
	TotalGames    int
	WinCount      int
	RunCount      int
}

// HashPassword computes SHA-256(password||salt) hex-encoded, per spec §4.4.
func HashPassword(password, salt string) string {
	sum := sha256.Sum256([]byte(password + salt))
	return hex.EncodeToString(sum[:])
}

// GenerateSalt returns 64 bits of CSPRNG rendered as hex, per spec §4.4.
func GenerateSalt() (string, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// FindAccountByName looks up an account by screen name. Returns
// (nil, nil) if no such account exists.
func (a *AuthDB) FindAccountByName(name string) (*Account, error) {
	row := a.db.QueryRow(
		`SELECT u.id, u.name, u.password, u.salt, u.avatar, u.lastLoginIp, u.banned,
		        g.totalGameTime, g.totalGames, g.winCount, g.runCount
		 FROM userinfo u JOIN usergameinfo g ON g.id = u.id
		 WHERE u.name = ?`, name)

	var acc Account
	var banned int
	err := row.Scan(&acc.ID, &acc.Name, &acc.PasswordHash, &acc.Salt, &acc.Avatar,
		&acc.LastLoginIP, &banned, &acc.TotalGameTime, &acc.TotalGames, &acc.WinCount, &acc.RunCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account %q: %w", name, err)
	}
	acc.Banned = banned != 0
	return &acc, nil
}

// FindAccountByID looks up an account by its numeric id. Returns
// (nil, nil) if no such account exists.
func (a *AuthDB) FindAccountByID(id int64) (*Account, error) {
	row := a.db.QueryRow(
		`SELECT u.id, u.name, u.password, u.salt, u.avatar, u.lastLoginIp, u.banned,
		        g.totalGameTime, g.totalGames, g.winCount, g.runCount
		 FROM userinfo u JOIN usergameinfo g ON g.id = u.id
		 WHERE u.id = ?`, id)

	var acc Account
	var banned int
	err := row.Scan(&acc.ID, &acc.Name, &acc.PasswordHash, &acc.Salt, &acc.Avatar,
		&acc.LastLoginIP, &banned, &acc.TotalGameTime, &acc.TotalGames, &acc.WinCount, &acc.RunCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("querying account %d: %w", id, err)
	}
	acc.Banned = banned != 0
	return &acc, nil
}

// CountAccountsForUUID returns how many distinct account ids are bound
// to uuid, used to enforce maxPlayersPerDevice (spec §4.4 step 7).
func (a *AuthDB) CountAccountsForUUID(uuid string) (int, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(DISTINCT id) FROM uuidinfo WHERE uuid = ?`, uuid).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting accounts for uuid: %w", err)
	}
	return n, nil
}

// CreateAccount inserts a fresh userinfo/usergameinfo row pair and
// returns the new account id.
func (a *AuthDB) CreateAccount(name, passwordHash, salt, avatar, ip string) (int64, error) {
	res, err := a.db.Exec(
		`INSERT INTO userinfo (name, password, salt, avatar, lastLoginIp, banned) VALUES (?, ?, ?, ?, ?, 0)`,
		name, passwordHash, salt, avatar, ip)
	if err != nil {
		return 0, fmt.Errorf("inserting userinfo for %q: %w", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading new account id for %q: %w", name, err)
	}
	if _, err := a.db.Exec(
		`INSERT INTO usergameinfo (id, registerTime, lastLoginTime) VALUES (?, ?, ?)`,
		id, time.Now().Unix(), time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("inserting usergameinfo for %q: %w", name, err)
	}
	return id, nil
}

// UpdateLastLogin updates lastLoginIp/lastLoginTime on successful auth.
func (a *AuthDB) UpdateLastLogin(id int64, ip string) error {
	if _, err := a.db.Exec(`UPDATE userinfo SET lastLoginIp = ? WHERE id = ?`, ip, id); err != nil {
		return fmt.Errorf("updating lastLoginIp for %d: %w", id, err)
	}
	if _, err := a.db.Exec(`UPDATE usergameinfo SET lastLoginTime = ? WHERE id = ?`, time.Now().Unix(), id); err != nil {
		return fmt.Errorf("updating lastLoginTime for %d: %w", id, err)
	}
	return nil
}

// UpsertUUID records that account id has connected from uuid.
func (a *AuthDB) UpsertUUID(id int64, uuid string) error {
	if _, err := a.db.Exec(`INSERT OR IGNORE INTO uuidinfo (id, uuid) VALUES (?, ?)`, id, uuid); err != nil {
		return fmt.Errorf("upserting uuid for %d: %w", id, err)
	}
	return nil
}

// BanUUID inserts uuid into the banuuid table, rejecting any future
// Setup handshake presenting it (spec §4.4 step 5).
func (a *AuthDB) BanUUID(uuid string) error {
	if _, err := a.db.Exec(`INSERT OR IGNORE INTO banuuid (uuid) VALUES (?)`, uuid); err != nil {
		return fmt.Errorf("banning uuid: %w", err)
	}
	return nil
}

// IsBannedUUID reports whether uuid appears in the banuuid table.
func (a *AuthDB) IsBannedUUID(uuid string) (bool, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM banuuid WHERE uuid = ?`, uuid).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking banuuid: %w", err)
	}
	return n > 0, nil
}

// IsWhitelisted reports whether name appears in the whitelist table.
func (a *AuthDB) IsWhitelisted(name string) (bool, error) {
	var n int
	err := a.db.QueryRow(`SELECT COUNT(*) FROM whitelist WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking whitelist: %w", err)
	}
	return n > 0, nil
}

// MuteState reports a player's current chat-mute state, auto-clearing
// an expired row first (spec §4.11 "isMuted"). Returns 0 (not muted), 1
// (full mute), or 2 (no `$`-prefixed messages).
func (a *AuthDB) MuteState(id int64) (int, error) {
	if _, err := a.db.Exec(`DELETE FROM tempmute WHERE uid = ? AND expireAt <= ?`, id, time.Now().Unix()); err != nil {
		return 0, fmt.Errorf("clearing expired mute for %d: %w", id, err)
	}

	var muteType int
	err := a.db.QueryRow(`SELECT type FROM tempmute WHERE uid = ?`, id).Scan(&muteType)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading mute state for %d: %w", id, err)
	}
	return muteType, nil
}

// MuteEntry is one row of the tempmute table, for admin listing.
type MuteEntry struct {
	UID      int64
	ExpireAt time.Time
	Type     int
}

// ListMutes returns every non-expired mute row (spec §4.11/§6 admin
// surface "ListMutes").
func (a *AuthDB) ListMutes() ([]MuteEntry, error) {
	if _, err := a.db.Exec(`DELETE FROM tempmute WHERE expireAt <= ?`, time.Now().Unix()); err != nil {
		return nil, fmt.Errorf("clearing expired mutes: %w", err)
	}
	rows, err := a.db.Query(`SELECT uid, expireAt, type FROM tempmute`)
	if err != nil {
		return nil, fmt.Errorf("listing mutes: %w", err)
	}
	defer rows.Close()

	var out []MuteEntry
	for rows.Next() {
		var e MuteEntry
		var expireUnix int64
		if err := rows.Scan(&e.UID, &expireUnix, &e.Type); err != nil {
			return nil, fmt.Errorf("scanning mute row: %w", err)
		}
		e.ExpireAt = time.Unix(expireUnix, 0)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating mutes: %w", err)
	}
	return out, nil
}

// SetMute inserts or replaces a tempmute row.
func (a *AuthDB) SetMute(id int64, duration time.Duration, muteType int) error {
	expireAt := time.Now().Add(duration).Unix()
	if _, err := a.db.Exec(
		`INSERT OR REPLACE INTO tempmute (uid, expireAt, type) VALUES (?, ?, ?)`,
		id, expireAt, muteType); err != nil {
		return fmt.Errorf("setting mute for %d: %w", id, err)
	}
	return nil
}

// RecordGameResult updates usergameinfo counters for a finished game
// (spec §4.7 "Win-rate updates").
func (a *AuthDB) RecordGameResult(id int64, gameTime time.Duration, won, ranAway bool) error {
	winDelta, runDelta := 0, 0
	if won {
		winDelta = 1
	}
	if ranAway {
		runDelta = 1
	}
	_, err := a.db.Exec(
		`UPDATE usergameinfo SET totalGames = totalGames + 1, winCount = winCount + ?,
		        runCount = runCount + ?, totalGameTime = totalGameTime + ? WHERE id = ?`,
		winDelta, runDelta, int64(gameTime.Seconds()), id)
	if err != nil {
		return fmt.Errorf("recording game result for %d: %w", id, err)
	}
	return nil
}

// RecordGeneralResult updates the per-(general, mode, role) win-rate table.
func (a *AuthDB) RecordGeneralResult(general, mode, role string, won bool) error {
	winDelta := 0
	if won {
		winDelta = 1
	}
	_, err := a.db.Exec(
		`INSERT INTO general_winrate (general, mode, role, total, win) VALUES (?, ?, ?, 1, ?)
		 ON CONFLICT(general, mode, role) DO UPDATE SET total = total + 1, win = win + excluded.win`,
		general, mode, role, winDelta)
	if err != nil {
		return fmt.Errorf("recording general result for %s: %w", general, err)
	}
	return nil
}

// UpdatePassword replaces a stored password hash/salt pair.
func (a *AuthDB) UpdatePassword(id int64, hash, salt string) error {
	if _, err := a.db.Exec(`UPDATE userinfo SET password = ?, salt = ? WHERE id = ?`, hash, salt, id); err != nil {
		return fmt.Errorf("updating password for %d: %w", id, err)
	}
	return nil
}

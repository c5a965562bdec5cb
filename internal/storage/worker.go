package storage

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/freekill-go/serverd/internal/storage/schema"
)

// selectJob is a posted "SELECT" job: run query against the game-save
// database and hand the rows back through reply.
type selectJob struct {
	query string
	args  []any
	reply chan<- selectResult
}

type selectResult struct {
	rows [][]any
	err  error
}

// execJob is a posted write (INSERT/UPDATE/DELETE) job.
type execJob struct {
	query string
	args  []any
	reply chan<- error
}

// Worker owns the game-save database (server/game.db) on a single
// goroutine, per spec §4.10: all access to this database is routed
// through AsyncSelect/AsyncExec jobs run on that goroutine. Both block
// their caller until the job has finished, so callers do wait for the
// disk I/O; no completion callback is posted back to the caller.
type Worker struct {
	db *sql.DB

	selects chan selectJob
	execs   chan execJob
	done    chan struct{}

	txMu sync.Mutex
	inTx bool
}

// NewWorker opens (creating if necessary) the game-save database at
// path, applies the embedded schema, and starts the worker goroutine.
// Callers must eventually call Stop.
func NewWorker(path string) (*Worker, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening game database %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging game database %s: %w", path, err)
	}
	if _, err := db.Exec(schema.GameDBInit); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying game-save schema: %w", err)
	}

	w := &Worker{
		db:      db,
		selects: make(chan selectJob, 64),
		execs:   make(chan execJob, 64),
		done:    make(chan struct{}),
	}
	go w.run()
	return w, nil
}

func (w *Worker) run() {
	for {
		select {
		case job, ok := <-w.selects:
			if !ok {
				w.selects = nil
				continue
			}
			job.reply <- w.runSelect(job.query, job.args)
		case job, ok := <-w.execs:
			if !ok {
				w.execs = nil
				continue
			}
			job.reply <- w.runExec(job.query, job.args)
		case <-w.done:
			w.db.Close()
			return
		}
	}
}

func (w *Worker) runSelect(query string, args []any) selectResult {
	rows, err := w.db.Query(query, args...)
	if err != nil {
		return selectResult{err: fmt.Errorf("running select: %w", err)}
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return selectResult{err: fmt.Errorf("reading columns: %w", err)}
	}

	var out [][]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return selectResult{err: fmt.Errorf("scanning row: %w", err)}
		}
		out = append(out, vals)
	}
	if err := rows.Err(); err != nil {
		return selectResult{err: fmt.Errorf("iterating rows: %w", err)}
	}
	return selectResult{rows: out}
}

func (w *Worker) runExec(query string, args []any) error {
	if _, err := w.db.Exec(query, args...); err != nil {
		return fmt.Errorf("running exec: %w", err)
	}
	return nil
}

// AsyncSelect posts a query to the worker goroutine and blocks the
// caller's own goroutine (not the worker's) until the result arrives.
func (w *Worker) AsyncSelect(query string, args ...any) ([][]any, error) {
	reply := make(chan selectResult, 1)
	w.selects <- selectJob{query: query, args: args, reply: reply}
	res := <-reply
	return res.rows, res.err
}

// AsyncExec posts a write to the worker goroutine and blocks the
// caller's own goroutine until it completes.
func (w *Worker) AsyncExec(query string, args ...any) error {
	reply := make(chan error, 1)
	w.execs <- execJob{query: query, args: args, reply: reply}
	return <-reply
}

// BeginTransaction serializes a BEGIN against the game database. Like
// AuthDB, this only guards against nested transactions from the same
// caller; the database itself is only ever touched from the worker
// goroutine.
func (w *Worker) BeginTransaction() error {
	w.txMu.Lock()
	alreadyOpen := w.inTx
	if !alreadyOpen {
		w.inTx = true
	}
	w.txMu.Unlock()
	if alreadyOpen {
		return fmt.Errorf("nested transaction not supported")
	}
	if err := w.AsyncExec("BEGIN"); err != nil {
		w.txMu.Lock()
		w.inTx = false
		w.txMu.Unlock()
		return err
	}
	return nil
}

// EndTransaction issues COMMIT and clears the transaction guard.
func (w *Worker) EndTransaction() error {
	defer func() {
		w.txMu.Lock()
		w.inTx = false
		w.txMu.Unlock()
	}()
	return w.AsyncExec("COMMIT")
}

// SaveGame persists a blob of game-mode-specific save data for uid,
// addressed by (uid, mode), identified via hex-literal embedding per
// the server's SQL sanitization policy.
func (w *Worker) SaveGame(uid int64, mode string, data []byte) error {
	if !CheckString(mode) {
		return fmt.Errorf("rejecting save for disallowed mode %q", mode)
	}
	return w.AsyncExec(
		fmt.Sprintf(`INSERT OR REPLACE INTO gameSaves (uid, mode, data) VALUES (?, %s, ?)`, HexLiteral(mode)),
		uid, data)
}

// LoadGame retrieves a previously saved blob. Per spec, a missing row or
// content not starting with '{' or '[' is treated as absent and
// normalized to the literal "{}".
func (w *Worker) LoadGame(uid int64, mode string) ([]byte, bool, error) {
	if !CheckString(mode) {
		return nil, false, fmt.Errorf("rejecting load for disallowed mode %q", mode)
	}
	rows, err := w.AsyncSelect(
		fmt.Sprintf(`SELECT data FROM gameSaves WHERE uid = ? AND mode = %s`, HexLiteral(mode)), uid)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return emptySave, false, nil
	}
	data, _ := rows[0][0].([]byte)
	return normalizeSave(data), true, nil
}

// SaveGlobal persists a blob under an arbitrary string key, scoped to uid.
func (w *Worker) SaveGlobal(uid int64, key string, data []byte) error {
	if !CheckString(key) {
		return fmt.Errorf("rejecting global save for disallowed key %q", key)
	}
	return w.AsyncExec(
		fmt.Sprintf(`INSERT OR REPLACE INTO globalSaves (uid, key, data) VALUES (?, %s, ?)`, HexLiteral(key)),
		uid, data)
}

// LoadGlobal retrieves a previously saved global blob. Per spec, a missing
// row or content not starting with '{' or '[' is treated as absent and
// normalized to the literal "{}".
func (w *Worker) LoadGlobal(uid int64, key string) ([]byte, bool, error) {
	if !CheckString(key) {
		return nil, false, fmt.Errorf("rejecting global load for disallowed key %q", key)
	}
	rows, err := w.AsyncSelect(
		fmt.Sprintf(`SELECT data FROM globalSaves WHERE uid = ? AND key = %s`, HexLiteral(key)), uid)
	if err != nil {
		return nil, false, err
	}
	if len(rows) == 0 {
		return emptySave, false, nil
	}
	data, _ := rows[0][0].([]byte)
	return normalizeSave(data), true, nil
}

// emptySave is the spec-mandated stand-in for absent or malformed save data.
var emptySave = []byte("{}")

// normalizeSave implements spec.md:259: content not starting with '{' or
// '[' is treated as absent.
func normalizeSave(data []byte) []byte {
	if len(data) == 0 || (data[0] != '{' && data[0] != '[') {
		return emptySave
	}
	return data
}

// Stop closes the done channel, causing the worker goroutine to close
// the database and exit. Safe to call once.
func (w *Worker) Stop() {
	close(w.done)
}

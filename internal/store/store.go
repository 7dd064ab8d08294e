// Package store is the durable state layer, backed by SQLite (pure Go driver).
//
// It owns the logical schema from the design: bots, exchanges, llm_configs,
// workflows (+ workflow_nodes, workflow_edges), node_configs, trade_history,
// system_configs, and the checkpoints family. Schema initialisation runs at
// most once per process family: a fast-path probe checks whether the bots
// table already exists, and only on a miss is the advisory lock taken before
// any DDL executes.
//
// Bot workers do not share database handles. Each worker opens a Session,
// which it refreshes on the maintenance tick to avoid connection ageing.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"aitrader/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const schema = `
CREATE TABLE IF NOT EXISTS bots (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    config     TEXT NOT NULL,            -- BotConfig JSON
    created_at DATETIME NOT NULL,
    updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS exchanges (
    id     TEXT PRIMARY KEY,
    config TEXT NOT NULL                 -- ExchangeConfig JSON
);

CREATE TABLE IF NOT EXISTS llm_configs (
    id     TEXT PRIMARY KEY,
    config TEXT NOT NULL                 -- LLMConfig JSON
);

CREATE TABLE IF NOT EXISTS workflows (
    id          TEXT PRIMARY KEY,
    name        TEXT NOT NULL,
    user_edited INTEGER NOT NULL DEFAULT 0,
    updated_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_nodes (
    id              TEXT NOT NULL,
    workflow_id     TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    plugin_name     TEXT NOT NULL,
    execution_order INTEGER NOT NULL,
    enabled         INTEGER NOT NULL DEFAULT 1,
    config          TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (workflow_id, id)
);

CREATE TABLE IF NOT EXISTS workflow_edges (
    id          TEXT PRIMARY KEY,
    workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
    from_node   TEXT NOT NULL,
    to_node     TEXT NOT NULL,
    condition   TEXT NOT NULL DEFAULT ''
);

-- Registered plugin metadata proposed by the auto-sync task.
CREATE TABLE IF NOT EXISTS node_configs (
    plugin_name     TEXT PRIMARY KEY,
    display_name    TEXT NOT NULL,
    category        TEXT NOT NULL,
    suggested_order INTEGER NOT NULL,
    requires_llm    INTEGER NOT NULL DEFAULT 0,
    requires_trader INTEGER NOT NULL DEFAULT 0,
    default_config  TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS trade_history (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    bot_id      TEXT NOT NULL,
    symbol      TEXT NOT NULL,
    side        TEXT NOT NULL,
    action      TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price  REAL,
    amount      REAL NOT NULL,
    leverage    REAL NOT NULL DEFAULT 1,
    pnl_usd     REAL,
    pnl_percent REAL,
    fee_paid    REAL,
    status      TEXT NOT NULL,
    opened_at   DATETIME NOT NULL,
    closed_at   DATETIME,
    cycle_id    INTEGER NOT NULL,
    order_id    TEXT
);

-- At most one open trade per (bot, symbol).
CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_open
    ON trade_history(bot_id, symbol) WHERE status = 'open';
-- Replaying a cycle must not duplicate trades.
CREATE UNIQUE INDEX IF NOT EXISTS idx_trade_cycle
    ON trade_history(bot_id, symbol, cycle_id, action);
CREATE INDEX IF NOT EXISTS idx_trade_bot_opened
    ON trade_history(bot_id, opened_at DESC);

CREATE TABLE IF NOT EXISTS system_configs (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS checkpoints (
    thread_id     TEXT NOT NULL,
    checkpoint_id INTEGER NOT NULL,     -- cycle_id
    node_name     TEXT NOT NULL,
    state         BLOB NOT NULL,        -- serialised CycleState
    created_at    DATETIME NOT NULL,
    PRIMARY KEY (thread_id, checkpoint_id, node_name)
);
CREATE INDEX IF NOT EXISTS idx_checkpoints_thread
    ON checkpoints(thread_id, checkpoint_id DESC);
`

// Store is the process-wide handle to the durable database. Bot workers
// derive per-worker Sessions from it rather than sharing this handle.
type Store struct {
	db  *sql.DB
	dsn string
}

// Open connects to the database and runs the guarded schema initialisation.
func Open(dsn string) (*Store, error) {
	db, err := open(dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db, dsn: dsn}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %q: %w", dsn, err)
	}
	// SQLite is single-writer; serialise access through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store pragmas: %w", err)
	}
	return db, nil
}

// ensureSchema applies DDL at most once per process family. The fast path
// probes for the primary table without locking; only a miss takes the
// advisory lock, re-probes, and runs the DDL.
func (s *Store) ensureSchema() error {
	exists, err := s.tableExists("bots")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	unlock, err := acquireAdvisoryLock(s.dsn)
	if err != nil {
		return fmt.Errorf("schema advisory lock: %w", err)
	}
	defer unlock()

	// Another process may have initialised while we waited.
	exists, err = s.tableExists("bots")
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) tableExists(name string) (bool, error) {
	var n string
	err := s.db.QueryRow(
		`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, name,
	).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("probe table %s: %w", name, err)
	}
	return true, nil
}

// acquireAdvisoryLock takes a lock file keyed by the store location. The lock
// is created O_CREAT|O_EXCL; a holder that died leaves a stale file, which is
// taken over once its age exceeds the staleness window.
func acquireAdvisoryLock(dsn string) (func(), error) {
	path := lockPath(dsn)
	const staleAfter = 30 * time.Second
	deadline := time.Now().Add(time.Minute)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}
		if fi, statErr := os.Stat(path); statErr == nil && time.Since(fi.ModTime()) > staleAfter {
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("lock %s held too long", path)
		}
		time.Sleep(100 * time.Millisecond)
	}
}

// lockPath derives a filesystem path for the advisory lock from the DSN.
// Memory DSNs get a lock under the temp dir so tests don't collide.
func lockPath(dsn string) string {
	p := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == ":memory:" || strings.Contains(dsn, "mode=memory") {
		return os.TempDir() + "/aitrader_schema_" + strconv.Itoa(os.Getpid()) + ".lock"
	}
	return p + ".lock"
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Session is a per-bot database handle. Sessions are not safe to share
// across bots; each worker owns exactly one and refreshes it periodically.
type Session struct {
	store *Store
	db    *sql.DB
	owned bool // true when Refresh has reopened a private handle
}

// NewSession derives a session for one bot worker.
func (s *Store) NewSession() *Session {
	return &Session{store: s, db: s.db}
}

// Refresh pings the connection and reopens it if the ping fails. Called from
// the scheduler's maintenance tick (every 50 cycles by default).
func (se *Session) Refresh(ctx context.Context) error {
	if err := se.db.PingContext(ctx); err == nil {
		return nil
	}
	db, err := open(se.store.dsn)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}
	if se.owned {
		se.db.Close()
	}
	se.db = db
	se.owned = true
	return nil
}

// Close releases a privately reopened handle. The shared handle is left to
// the Store.
func (se *Session) Close() error {
	if se.owned {
		return se.db.Close()
	}
	return nil
}

func marshal(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store marshal: %w", err)
	}
	return string(b), nil
}

func unmarshal[T any](raw string) (T, error) {
	var v T
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return v, fmt.Errorf("store unmarshal: %w", err)
	}
	return v, nil
}

// ————————————————————————————————————————————————————————————————————————
// Bots, exchanges, LLM configs, system configs
// ————————————————————————————————————————————————————————————————————————

// CreateBot inserts a new bot row.
func (se *Session) CreateBot(ctx context.Context, cfg types.BotConfig) error {
	raw, err := marshal(cfg)
	if err != nil {
		return err
	}
	_, err = se.db.ExecContext(ctx,
		`INSERT INTO bots (id, name, config, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		cfg.ID, cfg.Name, raw, cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("create bot %s: %w", cfg.ID, err)
	}
	return nil
}

// UpdateBot rewrites a bot's config. The running worker picks the change up
// at its next config re-read; the cycle in flight is unaffected.
func (se *Session) UpdateBot(ctx context.Context, cfg types.BotConfig) error {
	raw, err := marshal(cfg)
	if err != nil {
		return err
	}
	res, err := se.db.ExecContext(ctx,
		`UPDATE bots SET name = ?, config = ?, updated_at = ? WHERE id = ?`,
		cfg.Name, raw, time.Now().UTC(), cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("update bot %s: %w", cfg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetBot loads one bot config.
func (se *Session) GetBot(ctx context.Context, id string) (types.BotConfig, error) {
	var raw string
	err := se.db.QueryRowContext(ctx, `SELECT config FROM bots WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.BotConfig{}, ErrNotFound
	}
	if err != nil {
		return types.BotConfig{}, fmt.Errorf("get bot %s: %w", id, err)
	}
	return unmarshal[types.BotConfig](raw)
}

// ListBots returns all bot configs ordered by creation time.
func (se *Session) ListBots(ctx context.Context) ([]types.BotConfig, error) {
	rows, err := se.db.QueryContext(ctx, `SELECT config FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var out []types.BotConfig
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		cfg, err := unmarshal[types.BotConfig](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

// DeleteBot removes a bot row.
func (se *Session) DeleteBot(ctx context.Context, id string) error {
	res, err := se.db.ExecContext(ctx, `DELETE FROM bots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete bot %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PutExchange upserts an exchange account config.
func (se *Session) PutExchange(ctx context.Context, cfg types.ExchangeConfig) error {
	raw, err := marshal(cfg)
	if err != nil {
		return err
	}
	_, err = se.db.ExecContext(ctx,
		`INSERT INTO exchanges (id, config) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET config = excluded.config`,
		cfg.ID, raw,
	)
	if err != nil {
		return fmt.Errorf("put exchange %s: %w", cfg.ID, err)
	}
	return nil
}

// GetExchange loads one exchange config.
func (se *Session) GetExchange(ctx context.Context, id string) (types.ExchangeConfig, error) {
	var raw string
	err := se.db.QueryRowContext(ctx, `SELECT config FROM exchanges WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.ExchangeConfig{}, ErrNotFound
	}
	if err != nil {
		return types.ExchangeConfig{}, fmt.Errorf("get exchange %s: %w", id, err)
	}
	return unmarshal[types.ExchangeConfig](raw)
}

// PutLLM upserts an LLM endpoint config.
func (se *Session) PutLLM(ctx context.Context, cfg types.LLMConfig) error {
	raw, err := marshal(cfg)
	if err != nil {
		return err
	}
	_, err = se.db.ExecContext(ctx,
		`INSERT INTO llm_configs (id, config) VALUES (?, ?)
		 ON CONFLICT(id) DO UPDATE SET config = excluded.config`,
		cfg.ID, raw,
	)
	if err != nil {
		return fmt.Errorf("put llm %s: %w", cfg.ID, err)
	}
	return nil
}

// GetLLM loads one LLM config.
func (se *Session) GetLLM(ctx context.Context, id string) (types.LLMConfig, error) {
	var raw string
	err := se.db.QueryRowContext(ctx, `SELECT config FROM llm_configs WHERE id = ?`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.LLMConfig{}, ErrNotFound
	}
	if err != nil {
		return types.LLMConfig{}, fmt.Errorf("get llm %s: %w", id, err)
	}
	return unmarshal[types.LLMConfig](raw)
}

// GetSystemConfig reads one system_configs value; ok is false when unset.
func (se *Session) GetSystemConfig(ctx context.Context, key string) (string, bool, error) {
	var val string
	err := se.db.QueryRowContext(ctx, `SELECT value FROM system_configs WHERE key = ?`, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get system config %s: %w", key, err)
	}
	return val, true, nil
}

// SetSystemConfig upserts one system_configs value.
func (se *Session) SetSystemConfig(ctx context.Context, key, value string) error {
	_, err := se.db.ExecContext(ctx,
		`INSERT INTO system_configs (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("set system config %s: %w", key, err)
	}
	return nil
}

package store

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// readConns is the size of the read pool.
const readConns = 4

// SQLiteStore implements every repository on a single SQLite database.
// Writes go through one connection; the read path used to assemble context
// has its own query-only pool, so section reads run in parallel and are not
// queued behind background writes.
type SQLiteStore struct {
	db  *sql.DB
	rdb *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// NewSQLiteStore opens or creates a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One write connection: writers never contend on the SQLite lock, and
	// no method issues a query on s.db while it holds a transaction.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	// WAL lets these read while the writer holds its lock.
	rdb, err := sql.Open("sqlite", dbPath+"?_pragma=query_only(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open read pool: %w", err)
	}
	rdb.SetMaxOpenConns(readConns)
	rdb.SetMaxIdleConns(readConns)
	s.rdb = rdb

	return s, nil
}

// DB exposes the underlying handle for components sharing the database file,
// such as the durable job queue.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		character_name    TEXT NOT NULL,
		universe_id       TEXT NOT NULL DEFAULT '',
		kind              TEXT NOT NULL,
		content           TEXT NOT NULL,
		content_hash      TEXT NOT NULL,
		embedding_ref     TEXT NOT NULL DEFAULT '',
		importance        REAL NOT NULL,
		access_count      INTEGER NOT NULL DEFAULT 0,
		last_accessed_at  TEXT,
		created_at        TEXT NOT NULL,
		source_session_id TEXT NOT NULL DEFAULT '',
		source_message_id TEXT NOT NULL DEFAULT '',
		UNIQUE (source_message_id, content_hash)
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user_char ON memories(user_id, character_name);
	CREATE INDEX IF NOT EXISTS idx_memories_user_universe ON memories(user_id, universe_id);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at DESC);

	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		content=memories,
		content_rowid=rowid
	);

	CREATE TABLE IF NOT EXISTS sessions (
		id                 TEXT PRIMARY KEY,
		user_id            TEXT NOT NULL,
		character_name     TEXT NOT NULL,
		state              TEXT NOT NULL DEFAULT 'open',
		started_at         TEXT NOT NULL,
		ended_at           TEXT,
		last_activity_at   TEXT NOT NULL,
		message_count      INTEGER NOT NULL DEFAULT 0,
		working_memory     TEXT NOT NULL DEFAULT '',
		last_summarized_at INTEGER NOT NULL DEFAULT 0,
		final_summary      TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_open
		ON sessions(user_id, character_name) WHERE state = 'open';
	CREATE INDEX IF NOT EXISTS idx_sessions_user_char ON sessions(user_id, character_name, started_at DESC);
	CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state, last_activity_at);

	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		session_id  TEXT NOT NULL REFERENCES sessions(id),
		seq         INTEGER NOT NULL,
		role        TEXT NOT NULL,
		content     TEXT NOT NULL,
		ts          TEXT NOT NULL,
		token_count INTEGER NOT NULL,
		UNIQUE (session_id, seq)
	);

	CREATE TABLE IF NOT EXISTS exchanges (
		id                   TEXT PRIMARY KEY,
		session_id           TEXT NOT NULL REFERENCES sessions(id),
		user_id              TEXT NOT NULL,
		character_name       TEXT NOT NULL,
		user_message_id      TEXT NOT NULL,
		assistant_message_id TEXT NOT NULL,
		status               TEXT NOT NULL DEFAULT 'pending',
		attempts             INTEGER NOT NULL DEFAULT 0,
		last_error           TEXT NOT NULL DEFAULT '',
		created_at           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_status ON exchanges(status, created_at);

	CREATE TABLE IF NOT EXISTS entities (
		id                TEXT PRIMARY KEY,
		user_id           TEXT NOT NULL,
		character_name    TEXT NOT NULL DEFAULT '',
		universe_id       TEXT NOT NULL DEFAULT '',
		entity_type       TEXT NOT NULL,
		name              TEXT NOT NULL,
		attributes        TEXT NOT NULL DEFAULT '{}',
		first_mentioned   TEXT NOT NULL,
		last_mentioned    TEXT NOT NULL,
		mention_count     INTEGER NOT NULL DEFAULT 1,
		source_session_id TEXT NOT NULL DEFAULT '',
		UNIQUE (user_id, character_name, universe_id, entity_type, name COLLATE NOCASE)
	);
	CREATE INDEX IF NOT EXISTS idx_entities_universe ON entities(universe_id);

	CREATE TABLE IF NOT EXISTS entity_mentions (
		entity_id  TEXT NOT NULL REFERENCES entities(id),
		message_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (entity_id, message_id)
	);
	CREATE INDEX IF NOT EXISTS idx_mentions_session ON entity_mentions(session_id);

	CREATE TABLE IF NOT EXISTS episodes (
		session_id     TEXT PRIMARY KEY REFERENCES sessions(id),
		user_id        TEXT NOT NULL,
		character_name TEXT NOT NULL,
		summary        TEXT NOT NULL,
		message_count  INTEGER NOT NULL,
		started_at     TEXT NOT NULL,
		ended_at       TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_episodes_user_char ON episodes(user_id, character_name, ended_at DESC);

	CREATE TABLE IF NOT EXISTS characters (
		name        TEXT PRIMARY KEY,
		universe_id TEXT NOT NULL DEFAULT '',
		persona     TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS user_settings (
		user_id         TEXT PRIMARY KEY,
		cross_character INTEGER NOT NULL DEFAULT 0
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// FTS5 triggers for automatic sync
	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE OF content ON memories BEGIN
			INSERT INTO memories_fts(memories_fts, rowid, content) VALUES('delete', old.rowid, old.content);
			INSERT INTO memories_fts(rowid, content) VALUES (new.rowid, new.content);
		END`,
	}
	for _, t := range triggers {
		if _, err := s.db.Exec(t); err != nil {
			return fmt.Errorf("create trigger: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	rerr := s.rdb.Close()
	if err := s.db.Close(); err != nil {
		return err
	}
	return rerr
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

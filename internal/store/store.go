// Package store provides the durable key-value layer for the sync engine.
//
// Data is organized into named partitions (app_state, sync_queue, cache)
// backed by a single embedded SQLite database in WAL mode. The store is pure
// storage: TTL handling, queue ordering and retry policy all live in the
// layers above it.
//
// When local storage cannot be opened (quota, permissions, read-only media)
// OpenOrFallback degrades to an in-memory store implementing the same
// contract, so callers keep working without durability instead of crashing.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// Well-known partitions. sync_queue belongs to the queue and cache to
// the cache layer. app_state is shared, with each component owning a
// disjoint key range: device_state (device identity), queue_seq (queue
// sequence counter), leader_lease (election), and the snapshot/ and
// pull_cursor/ prefixes (sync engine). New app_state keys must not
// collide with these.
const (
	PartitionAppState  = "app_state"
	PartitionSyncQueue = "sync_queue"
	PartitionCache     = "cache"
)

// ErrStorageUnavailable indicates local persistence is inaccessible.
// Higher layers degrade to memory-only operation rather than fail.
var ErrStorageUnavailable = errors.New("local storage unavailable")

// Store is the contract shared by the SQLite store and the in-memory
// fallback. All operations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, partition, key string) ([]byte, bool, error)
	Set(ctx context.Context, partition, key string, value []byte) error
	Delete(ctx context.Context, partition, key string) error
	ListKeys(ctx context.Context, partition string) ([]string, error)

	// ScopedTransaction runs fn atomically: either every mutation made
	// through tx is applied, or none are.
	ScopedTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Durable reports whether writes survive a process restart.
	Durable() bool

	Close() error
}

// Tx exposes the store operations inside a transaction.
type Tx interface {
	Get(partition, key string) ([]byte, bool, error)
	Set(partition, key string, value []byte) error
	Delete(partition, key string) error
	ListKeys(partition string) ([]string, error)
}

// DB is the SQLite-backed store.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the database at path.
//
// The database runs in WAL mode with a busy timeout so concurrent processes
// sharing the same data directory do not trip over each other. The caller
// MUST call Close when done.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: create directory: %v", ErrStorageUnavailable, err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("%w: open database: %v", ErrStorageUnavailable, err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ping database: %v", ErrStorageUnavailable, err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.conn.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrStorageUnavailable, pragma, err)
		}
	}

	if err := db.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// OpenOrFallback opens the SQLite store at path, falling back to an
// in-memory store when storage is unavailable. The returned error is the
// open failure (nil when the durable store opened), so callers can log the
// degradation while continuing with the fallback.
func OpenOrFallback(path string) (Store, error) {
	db, err := Open(path)
	if err != nil {
		return NewMemory(), err
	}
	return db, nil
}

// initSchema creates the kv table. Idempotent.
func (db *DB) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS kv (
		partition  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      BLOB NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (partition, key)
	);

	CREATE INDEX IF NOT EXISTS idx_kv_partition ON kv(partition);
	`
	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database, checkpointing the WAL first so all changes
// land in the main database file.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// Durable implements Store.
func (db *DB) Durable() bool { return true }

// Get implements Store.
func (db *DB) Get(ctx context.Context, partition, key string) ([]byte, bool, error) {
	var value []byte
	err := db.conn.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE partition = ? AND key = ?`,
		partition, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", partition, key, err)
	}
	return value, true, nil
}

// Set implements Store.
func (db *DB) Set(ctx context.Context, partition, key string, value []byte) error {
	_, err := db.conn.ExecContext(ctx, upsertSQL, partition, key, value, nowRFC3339())
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", partition, key, err)
	}
	return nil
}

// Delete implements Store. Deleting an absent key is not an error.
func (db *DB) Delete(ctx context.Context, partition, key string) error {
	_, err := db.conn.ExecContext(ctx,
		`DELETE FROM kv WHERE partition = ? AND key = ?`, partition, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", partition, key, err)
	}
	return nil
}

// ListKeys implements Store. Keys are returned in lexicographic order.
func (db *DB) ListKeys(ctx context.Context, partition string) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT key FROM kv WHERE partition = ? ORDER BY key ASC`, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", partition, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

// ScopedTransaction implements Store.
func (db *DB) ScopedTransaction(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&sqliteTx{ctx: ctx, tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

const upsertSQL = `
INSERT INTO kv (partition, key, value, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(partition, key) DO UPDATE SET
	value = excluded.value,
	updated_at = excluded.updated_at
`

type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *sqliteTx) Get(partition, key string) ([]byte, bool, error) {
	var value []byte
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM kv WHERE partition = ? AND key = ?`,
		partition, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s/%s: %w", partition, key, err)
	}
	return value, true, nil
}

func (t *sqliteTx) Set(partition, key string, value []byte) error {
	_, err := t.tx.ExecContext(t.ctx, upsertSQL, partition, key, value, nowRFC3339())
	if err != nil {
		return fmt.Errorf("failed to set %s/%s: %w", partition, key, err)
	}
	return nil
}

func (t *sqliteTx) Delete(partition, key string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`DELETE FROM kv WHERE partition = ? AND key = ?`, partition, key)
	if err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", partition, key, err)
	}
	return nil
}

func (t *sqliteTx) ListKeys(partition string) ([]string, error) {
	rows, err := t.tx.QueryContext(t.ctx,
		`SELECT key FROM kv WHERE partition = ? ORDER BY key ASC`, partition)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys in %s: %w", partition, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating keys: %w", err)
	}
	return keys, nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

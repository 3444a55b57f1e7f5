// Package store provides the embedded local record store for optisync.
//
// This is the device-side mirror of the remote tables, implemented on
// embedded SQLite with WAL mode for concurrent access. Every registered
// table gets one physical table holding the domain payload as JSON plus
// the sync-tracking columns, alongside two control tables:
//
//   - sync_queue: the durable change queue (see the queue package)
//   - sync_metadata: one row per table with the last pull watermark
//
// Architecture:
//   - Database file: .optisync/local.db
//   - WAL mode: concurrent readers during writes
//   - Local mutations (Put, Delete) mark the record dirty and enqueue a
//     change entry in the same transaction, so the dirty⇔queued
//     invariant never observably breaks
//   - The sync engine is the only caller of ApplyRemote/ApplyMerge and
//     the only writer of sync_version and needs_sync
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrNotFound is returned when a record with the given ID does not exist.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a local persistence failure. Storage failures are
// fatal to the current sync cycle and must surface to the user; queued
// data is never silently dropped.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Store wraps the SQLite connection with record-store functionality.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema
// before first use.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open(".optisync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to create database directory: %w", err))
	}

	// busy_timeout and foreign_keys are connection-scoped, so they ride
	// the DSN and apply to every pooled connection.
	connStr := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, storageErr("open", fmt.Errorf("failed to open database: %w", err))
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, storageErr("open", fmt.Errorf("failed to ping database: %w", err))
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads. Unlike the DSN pragmas this
	// is persistent; setting it once marks the database file.
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, storageErr("open", fmt.Errorf("failed to enable WAL mode: %w", err))
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other packages that expect *sql.DB,
// such as the change queue.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return storageErr("close", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates all record tables, the change queue, and the sync
// metadata table. Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	for _, tbl := range schema.Tables() {
		ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			payload TEXT NOT NULL,
			base_payload TEXT,
			sync_version INTEGER NOT NULL DEFAULT 0,
			last_modified TEXT NOT NULL,
			needs_sync INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_dirty ON %[1]s(needs_sync);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_modified ON %[1]s(last_modified);
		`, tbl.Name)

		if _, err := s.conn.ExecContext(ctx, ddl); err != nil {
			return storageErr("init", fmt.Errorf("failed to create table %s: %w", tbl.Name, err))
		}
	}

	control := `
	CREATE TABLE IF NOT EXISTS sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		dead INTEGER NOT NULL DEFAULT 0,
		in_flight INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_queue_record ON sync_queue(table_name, record_id);
	CREATE INDEX IF NOT EXISTS idx_queue_dead ON sync_queue(dead);

	CREATE TABLE IF NOT EXISTS sync_metadata (
		table_name TEXT PRIMARY KEY,
		last_sync_timestamp TEXT NOT NULL
	);
	`

	if _, err := s.conn.ExecContext(ctx, control); err != nil {
		return storageErr("init", fmt.Errorf("failed to create control tables: %w", err))
	}

	return nil
}

// Get retrieves a single record by ID.
// Returns ErrNotFound if the record does not exist.
func (s *Store) Get(ctx context.Context, table, id string) (*schema.Record, error) {
	if _, ok := schema.Lookup(table); !ok {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	query := fmt.Sprintf(`
	SELECT id, payload, sync_version, last_modified, needs_sync, deleted
	FROM %s WHERE id = ?`, table)

	row := s.conn.QueryRowContext(ctx, query, id)
	rec, err := scanRecord(row, table)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get", err)
	}
	return rec, nil
}

// ListOptions configures the List query.
type ListOptions struct {
	// Filter keeps only records for which it returns true (nil = all).
	Filter func(*schema.Record) bool
	// IncludeDeleted includes local tombstones awaiting push.
	IncludeDeleted bool
	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// List retrieves records from a table, ordered by last_modified ascending.
// The filter predicate is applied client-side while scanning.
func (s *Store) List(ctx context.Context, table string, opts ListOptions) ([]*schema.Record, error) {
	if _, ok := schema.Lookup(table); !ok {
		return nil, fmt.Errorf("unknown table: %s", table)
	}

	query := fmt.Sprintf(`
	SELECT id, payload, sync_version, last_modified, needs_sync, deleted
	FROM %s`, table)
	if !opts.IncludeDeleted {
		query += " WHERE deleted = 0"
	}
	query += " ORDER BY last_modified ASC, id ASC"

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	var records []*schema.Record
	for rows.Next() {
		rec, err := scanRecord(rows, table)
		if err != nil {
			return nil, storageErr("list", err)
		}
		if opts.Filter != nil && !opts.Filter(rec) {
			continue
		}
		records = append(records, rec)
		if opts.Limit > 0 && len(records) >= opts.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", err)
	}

	return records, nil
}

// Put applies a local mutation: the record is upserted with a fresh
// last_modified, marked dirty, and a change queue entry is enqueued, all
// in one transaction. SyncVersion is left untouched - the sync engine
// owns it.
func (s *Store) Put(ctx context.Context, rec *schema.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid record: %w", err)
	}

	payload, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal fields: %w", err)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("put", err)
	}
	defer tx.Rollback()

	// Determine the operation kind from current local state.
	op := schema.OpCreate
	var exists bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)", rec.Table),
		rec.ID).Scan(&exists)
	if err != nil {
		return storageErr("put", err)
	}
	if exists {
		op = schema.OpUpdate
	}

	now := time.Now()
	upsert := fmt.Sprintf(`
	INSERT INTO %s (id, payload, sync_version, last_modified, needs_sync, deleted)
	VALUES (?, ?, 0, ?, 1, 0)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		last_modified = excluded.last_modified,
		needs_sync = 1,
		deleted = 0
	`, rec.Table)

	if _, err := tx.ExecContext(ctx, upsert, rec.ID, string(payload), now.Format(time.RFC3339Nano)); err != nil {
		return storageErr("put", fmt.Errorf("failed to upsert record %s/%s: %w", rec.Table, rec.ID, err))
	}

	if _, err := queue.EnqueueTx(ctx, tx, rec.Table, rec.ID, op); err != nil {
		return storageErr("put", fmt.Errorf("failed to enqueue change: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return storageErr("put", err)
	}

	rec.LastModified = now
	rec.NeedsSync = true
	return nil
}

// Delete applies a local deletion. If the record was never pushed (a
// pending create is still queued), the row and the queue entry are both
// removed outright; otherwise the row becomes a tombstone with a queued
// delete operation.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if _, ok := schema.Lookup(table); !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("delete", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS(SELECT 1 FROM %s WHERE id = ?)", table), id).Scan(&exists)
	if err != nil {
		return storageErr("delete", err)
	}
	if !exists {
		return ErrNotFound
	}

	queued, err := queue.EnqueueTx(ctx, tx, table, id, schema.OpDelete)
	if err != nil {
		return storageErr("delete", fmt.Errorf("failed to enqueue delete: %w", err))
	}

	if !queued {
		// Create+delete annihilated: the server never saw this record.
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
			return storageErr("delete", err)
		}
	} else {
		mark := fmt.Sprintf(`
		UPDATE %s SET deleted = 1, needs_sync = 1, last_modified = ? WHERE id = ?`, table)
		if _, err := tx.ExecContext(ctx, mark, time.Now().Format(time.RFC3339Nano), id); err != nil {
			return storageErr("delete", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("delete", err)
	}
	return nil
}

// MarkDirty sets needs_sync on a record without touching its payload.
func (s *Store) MarkDirty(ctx context.Context, table, id string) error {
	if _, ok := schema.Lookup(table); !ok {
		return fmt.Errorf("unknown table: %s", table)
	}
	res, err := s.conn.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET needs_sync = 1 WHERE id = ?", table), id)
	if err != nil {
		return storageErr("mark-dirty", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyRemote writes a server-accepted copy of a record: payload and base
// payload are set to the remote fields, sync_version to the remote
// version, and needs_sync is cleared. A remote deletion removes the row
// and purges any still-queued entries for it.
//
// Only the sync engine calls this.
func (s *Store) ApplyRemote(ctx context.Context, table, id string, fields map[string]any, version int64, remoteModified time.Time, deleted bool) error {
	if _, ok := schema.Lookup(table); !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("apply-remote", err)
	}
	defer tx.Rollback()

	if deleted {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("DELETE FROM %s WHERE id = ?", table), id); err != nil {
			return storageErr("apply-remote", err)
		}
		if err := queue.PurgeTx(ctx, tx, table, id); err != nil {
			return storageErr("apply-remote", err)
		}
		return commitOr(tx, "apply-remote")
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		return fmt.Errorf("failed to marshal remote fields: %w", err)
	}

	upsert := fmt.Sprintf(`
	INSERT INTO %s (id, payload, base_payload, sync_version, last_modified, needs_sync, deleted)
	VALUES (?, ?, ?, ?, ?, 0, 0)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		base_payload = excluded.base_payload,
		sync_version = excluded.sync_version,
		last_modified = excluded.last_modified,
		needs_sync = 0,
		deleted = 0
	`, table)

	if _, err := tx.ExecContext(ctx, upsert, id, string(payload), string(payload),
		version, remoteModified.Format(time.RFC3339Nano)); err != nil {
		return storageErr("apply-remote", fmt.Errorf("failed to apply remote record %s/%s: %w", table, id, err))
	}

	return commitOr(tx, "apply-remote")
}

// ConfirmPush records a server acknowledgement of a pushed change: the
// server's copy becomes the new base, sync_version advances to the new
// token, and needs_sync clears unless stillDirty says another queue
// entry still references the record. The local payload is left alone so
// a write that raced the push is not overwritten by the server echo.
//
// Only the sync engine calls this.
func (s *Store) ConfirmPush(ctx context.Context, table, id string, base map[string]any, version int64, remoteModified time.Time, stillDirty bool) error {
	if _, ok := schema.Lookup(table); !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	basePayload, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("failed to marshal base fields: %w", err)
	}

	dirty := 0
	if stillDirty {
		dirty = 1
	}

	update := fmt.Sprintf(`
	UPDATE %s SET
		base_payload = ?,
		sync_version = ?,
		needs_sync = ?
	WHERE id = ?`, table)

	res, err := s.conn.ExecContext(ctx, update, string(basePayload), version, dirty, id)
	if err != nil {
		return storageErr("confirm-push", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ApplyMerge writes the outcome of a conflict resolution: the merged
// fields become the local payload, the remote copy becomes the new base,
// and sync_version advances to the remote version so the next push
// presents a fresh concurrency token. The record stays dirty - its queue
// entry is still pending.
//
// Only the sync engine calls this.
func (s *Store) ApplyMerge(ctx context.Context, table, id string, merged, remoteBase map[string]any, remoteVersion int64) error {
	if _, ok := schema.Lookup(table); !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	payload, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal merged fields: %w", err)
	}
	base, err := json.Marshal(remoteBase)
	if err != nil {
		return fmt.Errorf("failed to marshal base fields: %w", err)
	}

	update := fmt.Sprintf(`
	UPDATE %s SET
		payload = ?,
		base_payload = ?,
		sync_version = ?,
		last_modified = ?,
		needs_sync = 1
	WHERE id = ?`, table)

	res, err := s.conn.ExecContext(ctx, update, string(payload), string(base),
		remoteVersion, time.Now().Format(time.RFC3339Nano), id)
	if err != nil {
		return storageErr("apply-merge", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Base returns the last server-accepted copy of a record's fields, or
// ok=false if the record has never been synced.
func (s *Store) Base(ctx context.Context, table, id string) (map[string]any, bool, error) {
	if _, ok := schema.Lookup(table); !ok {
		return nil, false, fmt.Errorf("unknown table: %s", table)
	}

	var base sql.NullString
	err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT base_payload FROM %s WHERE id = ?", table), id).Scan(&base)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		return nil, false, storageErr("base", err)
	}
	if !base.Valid {
		return nil, false, nil
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(base.String), &fields); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal base payload: %w", err)
	}
	return fields, true, nil
}

// RecordCount returns the number of live records in a table.
func (s *Store) RecordCount(ctx context.Context, table string) (int, error) {
	if _, ok := schema.Lookup(table); !ok {
		return 0, fmt.Errorf("unknown table: %s", table)
	}
	var count int
	err := s.conn.QueryRowContext(ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE deleted = 0", table)).Scan(&count)
	if err != nil {
		return 0, storageErr("count", err)
	}
	return count, nil
}

// DirtyCount returns the number of records with needs_sync set, across
// all tables.
func (s *Store) DirtyCount(ctx context.Context) (int, error) {
	total := 0
	for _, tbl := range schema.Tables() {
		var count int
		err := s.conn.QueryRowContext(ctx,
			fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE needs_sync = 1", tbl.Name)).Scan(&count)
		if err != nil {
			return 0, storageErr("dirty-count", err)
		}
		total += count
	}
	return total, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner, table string) (*schema.Record, error) {
	var rec schema.Record
	var payload, lastModified string
	var needsSync, deleted int

	err := sc.Scan(&rec.ID, &payload, &rec.SyncVersion, &lastModified, &needsSync, &deleted)
	if err != nil {
		return nil, err
	}

	rec.Table = table
	rec.NeedsSync = needsSync != 0
	rec.Deleted = deleted != 0

	// A zero LastModified would make last-write-wins merges lose this
	// record's edits, so a corrupt timestamp is a hard error.
	t, err := time.Parse(time.RFC3339Nano, lastModified)
	if err != nil {
		return nil, fmt.Errorf("bad last_modified for %s/%s: %w", table, rec.ID, err)
	}
	rec.LastModified = t

	if err := json.Unmarshal([]byte(payload), &rec.Fields); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload for %s/%s: %w", table, rec.ID, err)
	}

	return &rec, nil
}

func commitOr(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

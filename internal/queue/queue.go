// Package queue implements the durable change queue backing offline
// writes.
//
// Every local mutation leaves one entry in the sync_queue table (created
// by store.InitSchema) describing the record and the kind of change.
// Entries survive restarts, drain in FIFO order per record, and coalesce
// so a record never carries more than one pending entry:
//
//   - update after a pending create or update adds nothing; the payload
//     is read from the record at push time, so the entry already covers it
//   - delete after a pending create cancels both; the server never saw
//     the record
//   - delete after a pending update replaces it with a single delete
//   - a write after a pending delete replaces the delete; the record was
//     resurrected before the deletion ever pushed
//
// DequeueBatch leases the entries it returns. A leased entry is mid-push:
// its payload snapshot may already have been read, so later writes never
// coalesce into it and never remove it. They queue a fresh entry instead,
// which keeps the change pending even if the in-flight push is
// acknowledged. Ack, Fail, Kill, and Discard settle a lease.
//
// Entries that fail more than the retry limit are dead-lettered, not
// dropped: they stay visible and can be retried manually.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
)

// DefaultRetryLimit is the number of push attempts before an entry is
// dead-lettered.
const DefaultRetryLimit = 5

// Entry is one pending change in the queue.
type Entry struct {
	ID        int64
	Table     string
	RecordID  string
	Op        schema.Op
	CreatedAt time.Time
	Attempts  int
	Dead      bool
	InFlight  bool
	LastError string
}

// Queue provides access to the durable change queue. The underlying
// table is created by store.InitSchema; Queue only reads and writes it.
type Queue struct {
	db         *sql.DB
	retryLimit int
}

// New creates a Queue over an open store database. retryLimit <= 0
// selects DefaultRetryLimit.
func New(db *sql.DB, retryLimit int) *Queue {
	if retryLimit <= 0 {
		retryLimit = DefaultRetryLimit
	}
	return &Queue{db: db, retryLimit: retryLimit}
}

// RetryLimit returns the configured dead-letter threshold.
func (q *Queue) RetryLimit() int {
	return q.retryLimit
}

// EnqueueTx records a change inside the caller's transaction, applying
// the coalescing rules. It returns queued=false when the change
// annihilated a pending create, meaning nothing remains queued for the
// record and the caller should clear its dirty state.
//
// Running inside the same transaction as the record write is what keeps
// the dirty flag and the queue consistent: either both land or neither
// does.
func EnqueueTx(ctx context.Context, tx *sql.Tx, table, recordID string, op schema.Op) (queued bool, err error) {
	if !op.IsValid() {
		return false, fmt.Errorf("invalid operation: %q", op)
	}

	var pendingID int64
	var pendingOp string
	var pendingInFlight int
	err = tx.QueryRowContext(ctx, `
		SELECT id, operation, in_flight FROM sync_queue
		WHERE table_name = ? AND record_id = ? AND dead = 0
		ORDER BY id DESC LIMIT 1`,
		table, recordID).Scan(&pendingID, &pendingOp, &pendingInFlight)
	hasPending := err == nil
	if err != nil && err != sql.ErrNoRows {
		return false, err
	}

	if hasPending && pendingInFlight != 0 {
		// The pending entry is mid-push and its payload snapshot may
		// predate this change. A fresh entry keeps the change queued
		// even if that push is acknowledged.
		return true, insertEntry(ctx, tx, table, recordID, op)
	}

	switch op {
	case schema.OpCreate, schema.OpUpdate:
		if hasPending && schema.Op(pendingOp) == schema.OpDelete {
			// The record was resurrected before its deletion pushed;
			// the delete entry gives way to the new write.
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND dead = 0 AND in_flight = 0",
				table, recordID); err != nil {
				return false, err
			}
			return true, insertEntry(ctx, tx, table, recordID, op)
		}
		if hasPending {
			// Existing entry already covers this record; the payload is
			// serialized from the record at push time.
			return true, nil
		}
		return true, insertEntry(ctx, tx, table, recordID, op)

	case schema.OpDelete:
		if hasPending && schema.Op(pendingOp) == schema.OpCreate {
			// Never pushed: cancel the create and queue nothing.
			_, err := tx.ExecContext(ctx,
				"DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND dead = 0 AND in_flight = 0",
				table, recordID)
			return false, err
		}
		if hasPending {
			// Pending update is subsumed by the delete.
			if _, err := tx.ExecContext(ctx,
				"DELETE FROM sync_queue WHERE table_name = ? AND record_id = ? AND dead = 0 AND in_flight = 0",
				table, recordID); err != nil {
				return false, err
			}
		}
		return true, insertEntry(ctx, tx, table, recordID, schema.OpDelete)
	}

	return false, fmt.Errorf("unreachable operation: %q", op)
}

func insertEntry(ctx context.Context, tx *sql.Tx, table, recordID string, op schema.Op) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sync_queue (table_name, record_id, operation, created_at)
		VALUES (?, ?, ?, ?)`,
		table, recordID, string(op), time.Now().Format(time.RFC3339Nano))
	return err
}

// PurgeTx removes every entry (live or dead) for a record, inside the
// caller's transaction. Used when a remote deletion makes pending local
// changes moot.
func PurgeTx(ctx context.Context, tx *sql.Tx, table, recordID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM sync_queue WHERE table_name = ? AND record_id = ?",
		table, recordID)
	return err
}

// DequeueBatch leases up to max live entries for a table in FIFO order.
// Leased entries stay in the queue but are fenced off from coalescing;
// settle each one with Ack, Fail, Kill, or Discard.
func (q *Queue) DequeueBatch(ctx context.Context, table string, max int) ([]Entry, error) {
	if max <= 0 {
		max = 50
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Settled entries release their lease; anything still marked is
	// left over from an aborted batch or a crash and is safe to
	// re-lease, since the table's pusher is serialized.
	if _, err := tx.ExecContext(ctx,
		"UPDATE sync_queue SET in_flight = 0 WHERE table_name = ? AND in_flight = 1", table); err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, created_at, attempts, dead, in_flight, COALESCE(last_error, '')
		FROM sync_queue
		WHERE table_name = ? AND dead = 0
		ORDER BY id ASC
		LIMIT ?`, table, max)
	if err != nil {
		return nil, err
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	for i := range entries {
		if _, err := tx.ExecContext(ctx,
			"UPDATE sync_queue SET in_flight = 1 WHERE id = ?", entries[i].ID); err != nil {
			return nil, err
		}
		entries[i].InFlight = true
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return entries, nil
}

// Ack removes an entry after its change was accepted by the server. If
// no other live entry references the record, the record's needs_sync
// flag should be cleared by the caller in the same logical step.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// Fail records a failed push attempt. When the attempt count reaches the
// retry limit the entry is dead-lettered and dead=true is returned; the
// entry stays in the table for inspection and manual retry.
func (q *Queue) Fail(ctx context.Context, id int64, reason string) (dead bool, err error) {
	var attempts int
	err = q.db.QueryRowContext(ctx,
		"SELECT attempts FROM sync_queue WHERE id = ?", id).Scan(&attempts)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, fmt.Errorf("queue entry %d not found", id)
		}
		return false, err
	}

	attempts++
	dead = attempts >= q.retryLimit
	deadInt := 0
	if dead {
		deadInt = 1
	}

	_, err = q.db.ExecContext(ctx, `
		UPDATE sync_queue SET attempts = ?, dead = ?, in_flight = 0, last_error = ? WHERE id = ?`,
		attempts, deadInt, reason, id)
	return dead, err
}

// Kill dead-letters an entry immediately, bypassing the retry limit.
// Used for payloads the server rejected as malformed, where retrying the
// same bytes cannot succeed.
func (q *Queue) Kill(ctx context.Context, id int64, reason string) error {
	res, err := q.db.ExecContext(ctx,
		"UPDATE sync_queue SET dead = 1, in_flight = 0, last_error = ? WHERE id = ?", reason, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue entry %d not found", id)
	}
	return nil
}

// Discard removes an entry whose change became moot (for example, the
// record was deleted remotely before the push landed).
func (q *Queue) Discard(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE id = ?", id)
	return err
}

// DeadLetters returns all dead-lettered entries across tables, oldest
// first.
func (q *Queue) DeadLetters(ctx context.Context) ([]Entry, error) {
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, operation, created_at, attempts, dead, in_flight, COALESCE(last_error, '')
		FROM sync_queue
		WHERE dead = 1
		ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Retry revives a dead-lettered entry: attempts reset to zero and the
// entry rejoins the live queue at its original position.
func (q *Queue) Retry(ctx context.Context, id int64) error {
	res, err := q.db.ExecContext(ctx, `
		UPDATE sync_queue SET dead = 0, attempts = 0, in_flight = 0, last_error = NULL
		WHERE id = ? AND dead = 1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead-letter entry %d not found", id)
	}
	return nil
}

// HasPending reports whether any live entry references the record.
func (q *Queue) HasPending(ctx context.Context, table, recordID string) (bool, error) {
	var exists bool
	err := q.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM sync_queue
			WHERE table_name = ? AND record_id = ? AND dead = 0)`,
		table, recordID).Scan(&exists)
	return exists, err
}

// Depth returns the number of live entries, optionally scoped to one
// table (empty string = all tables).
func (q *Queue) Depth(ctx context.Context, table string) (int, error) {
	var count int
	var err error
	if table == "" {
		err = q.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sync_queue WHERE dead = 0").Scan(&count)
	} else {
		err = q.db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM sync_queue WHERE dead = 0 AND table_name = ?", table).Scan(&count)
	}
	return count, err
}

// DeadCount returns the number of dead-lettered entries.
func (q *Queue) DeadCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sync_queue WHERE dead = 1").Scan(&count)
	return count, err
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var op, createdAt string
		var dead, inFlight int
		if err := rows.Scan(&e.ID, &e.Table, &e.RecordID, &op, &createdAt, &e.Attempts, &dead, &inFlight, &e.LastError); err != nil {
			return nil, err
		}
		e.Op = schema.Op(op)
		e.Dead = dead != 0
		e.InFlight = inFlight != 0
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

package queue

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/bellaotica/optisync/internal/schema"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

func setupQueue(t *testing.T) (*sql.DB, *Queue) {
	t.Helper()

	db, err := sql.Open("sqlite3", "file:"+filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ddl := `
	CREATE TABLE sync_queue (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		operation TEXT NOT NULL,
		created_at TEXT NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		dead INTEGER NOT NULL DEFAULT 0,
		in_flight INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);`
	if _, err := db.Exec(ddl); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return db, New(db, 3)
}

func enqueue(t *testing.T, db *sql.DB, table, id string, op schema.Op) bool {
	t.Helper()

	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	queued, err := EnqueueTx(context.Background(), tx, table, id, op)
	if err != nil {
		t.Fatalf("EnqueueTx() error = %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return queued
}

func TestEnqueueCoalescing(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-1", schema.OpCreate)
	enqueue(t, db, "products", "p-1", schema.OpUpdate)
	enqueue(t, db, "products", "p-1", schema.OpUpdate)

	entries, err := q.DequeueBatch(ctx, "products", 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1 after coalescing", len(entries))
	}
	if entries[0].Op != schema.OpCreate {
		t.Errorf("coalesced op = %v, want create", entries[0].Op)
	}
}

func TestEnqueueDeleteCancelsPendingCreate(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-2", schema.OpCreate)
	queued := enqueue(t, db, "products", "p-2", schema.OpDelete)

	if queued {
		t.Error("delete after pending create reported queued=true")
	}
	depth, _ := q.Depth(ctx, "products")
	if depth != 0 {
		t.Errorf("queue depth = %d, want 0", depth)
	}
}

func TestEnqueueDeleteReplacesPendingUpdate(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-3", schema.OpUpdate)
	queued := enqueue(t, db, "products", "p-3", schema.OpDelete)

	if !queued {
		t.Error("delete after pending update reported queued=false")
	}
	entries, _ := q.DequeueBatch(ctx, "products", 10)
	if len(entries) != 1 || entries[0].Op != schema.OpDelete {
		t.Errorf("entries = %+v, want a single delete", entries)
	}
}

func TestLeasedEntryIsNotCoalescedInto(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-4", schema.OpCreate)
	leased, _ := q.DequeueBatch(ctx, "products", 10)
	if len(leased) != 1 || !leased[0].InFlight {
		t.Fatalf("leased = %+v, want one in-flight entry", leased)
	}

	// A write during the push queues fresh instead of vanishing into
	// the leased entry's already-read snapshot.
	queued := enqueue(t, db, "products", "p-4", schema.OpUpdate)
	if !queued {
		t.Error("write during a leased push reported queued=false")
	}
	depth, _ := q.Depth(ctx, "products")
	if depth != 2 {
		t.Fatalf("queue depth = %d, want leased entry plus fresh one", depth)
	}

	if err := q.Ack(ctx, leased[0].ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	pending, _ := q.HasPending(ctx, "products", "p-4")
	if !pending {
		t.Error("acknowledging the leased entry dropped the racing write")
	}
}

func TestDeleteDuringLeasedCreateQueuesDelete(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-5", schema.OpCreate)
	leased, _ := q.DequeueBatch(ctx, "products", 10)

	// The create may already be on the wire, so the delete cannot
	// annihilate it; it queues behind it instead.
	queued := enqueue(t, db, "products", "p-5", schema.OpDelete)
	if !queued {
		t.Error("delete during a leased create reported queued=false")
	}
	if err := q.Ack(ctx, leased[0].ID); err != nil {
		t.Fatalf("Ack() after racing delete error = %v", err)
	}

	rest, _ := q.DequeueBatch(ctx, "products", 10)
	if len(rest) != 1 || rest[0].Op != schema.OpDelete {
		t.Errorf("remaining entries = %+v, want the queued delete", rest)
	}
}

func TestDequeueBatchReclaimsStaleLeases(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "products", "p-6", schema.OpCreate)
	if _, err := q.DequeueBatch(ctx, "products", 10); err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}

	// The batch was never settled, as after a crash mid-push. The next
	// batch picks the entry up again.
	again, err := q.DequeueBatch(ctx, "products", 10)
	if err != nil {
		t.Fatalf("second DequeueBatch() error = %v", err)
	}
	if len(again) != 1 || again[0].RecordID != "p-6" {
		t.Errorf("re-leased batch = %+v, want the abandoned entry", again)
	}
}

func TestDequeueBatchFIFO(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	ids := []string{"p-10", "p-11", "p-12", "p-13"}
	for _, id := range ids {
		enqueue(t, db, "products", id, schema.OpCreate)
	}

	entries, err := q.DequeueBatch(ctx, "products", 10)
	if err != nil {
		t.Fatalf("DequeueBatch() error = %v", err)
	}
	if len(entries) != len(ids) {
		t.Fatalf("entries = %d, want %d", len(entries), len(ids))
	}
	for i, e := range entries {
		if e.RecordID != ids[i] {
			t.Errorf("entry %d = %s, want %s (FIFO order)", i, e.RecordID, ids[i])
		}
	}

	limited, _ := q.DequeueBatch(ctx, "products", 2)
	if len(limited) != 2 || limited[0].RecordID != "p-10" {
		t.Errorf("limited batch = %+v, want the two oldest", limited)
	}
}

func TestAckRemovesEntry(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "orders", "o-1", schema.OpCreate)
	entries, _ := q.DequeueBatch(ctx, "orders", 1)

	if err := q.Ack(ctx, entries[0].ID); err != nil {
		t.Fatalf("Ack() error = %v", err)
	}
	depth, _ := q.Depth(ctx, "orders")
	if depth != 0 {
		t.Errorf("depth after Ack = %d, want 0", depth)
	}

	if err := q.Ack(ctx, entries[0].ID); err == nil {
		t.Error("double Ack succeeded")
	}
}

func TestFailDeadLettersAtLimit(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "orders", "o-2", schema.OpCreate)
	entries, _ := q.DequeueBatch(ctx, "orders", 1)
	id := entries[0].ID

	for i := 1; i < q.RetryLimit(); i++ {
		dead, err := q.Fail(ctx, id, "connection refused")
		if err != nil {
			t.Fatalf("Fail() error = %v", err)
		}
		if dead {
			t.Fatalf("entry dead after %d attempts, limit is %d", i, q.RetryLimit())
		}
	}

	dead, err := q.Fail(ctx, id, "connection refused")
	if err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if !dead {
		t.Fatal("entry not dead at the retry limit")
	}

	// Dead entries leave the live queue but remain inspectable.
	depth, _ := q.Depth(ctx, "orders")
	if depth != 0 {
		t.Errorf("live depth = %d, want 0", depth)
	}
	letters, err := q.DeadLetters(ctx)
	if err != nil {
		t.Fatalf("DeadLetters() error = %v", err)
	}
	if len(letters) != 1 || letters[0].LastError != "connection refused" {
		t.Errorf("dead letters = %+v", letters)
	}
}

func TestRetryRevivesDeadLetter(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "orders", "o-3", schema.OpCreate)
	entries, _ := q.DequeueBatch(ctx, "orders", 1)
	id := entries[0].ID

	if err := q.Kill(ctx, id, "malformed payload"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	if err := q.Retry(ctx, id); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}

	entries, _ = q.DequeueBatch(ctx, "orders", 10)
	if len(entries) != 1 || entries[0].Attempts != 0 || entries[0].Dead {
		t.Errorf("revived entry = %+v, want live with zero attempts", entries)
	}

	if err := q.Retry(ctx, id); err == nil {
		t.Error("Retry on a live entry succeeded")
	}
}

func TestPurgeTxRemovesDeadAndLive(t *testing.T) {
	db, q := setupQueue(t)
	ctx := context.Background()

	enqueue(t, db, "orders", "o-4", schema.OpUpdate)
	entries, _ := q.DequeueBatch(ctx, "orders", 1)
	if err := q.Kill(ctx, entries[0].ID, "boom"); err != nil {
		t.Fatalf("Kill() error = %v", err)
	}
	enqueue(t, db, "orders", "o-4", schema.OpUpdate)

	tx, _ := db.Begin()
	if err := PurgeTx(ctx, tx, "orders", "o-4"); err != nil {
		t.Fatalf("PurgeTx() error = %v", err)
	}
	_ = tx.Commit()

	depth, _ := q.Depth(ctx, "")
	dead, _ := q.DeadCount(ctx)
	if depth != 0 || dead != 0 {
		t.Errorf("after purge: depth=%d dead=%d, want 0/0", depth, dead)
	}
}

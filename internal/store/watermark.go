package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Watermark returns the last successful pull timestamp for a table, or a
// zero time if the table has never been pulled.
func (s *Store) Watermark(ctx context.Context, table string) (time.Time, error) {
	var ts string
	err := s.conn.QueryRowContext(ctx,
		"SELECT last_sync_timestamp FROM sync_metadata WHERE table_name = ?",
		table).Scan(&ts)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, storageErr("watermark", err)
	}

	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, storageErr("watermark", err)
	}
	return t, nil
}

// AdvanceWatermark moves a table's watermark forward to ts. Watermarks
// are monotonic: a ts at or before the stored value is a no-op, so a
// failed or reordered pull can never make the next pull skip records.
func (s *Store) AdvanceWatermark(ctx context.Context, table string, ts time.Time) error {
	current, err := s.Watermark(ctx, table)
	if err != nil {
		return err
	}
	if !ts.After(current) {
		return nil
	}

	_, err = s.conn.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, last_sync_timestamp)
		VALUES (?, ?)
		ON CONFLICT(table_name) DO UPDATE SET last_sync_timestamp = excluded.last_sync_timestamp`,
		table, ts.Format(time.RFC3339Nano))
	if err != nil {
		return storageErr("advance-watermark", err)
	}
	return nil
}

// ResetWatermark clears a table's watermark so the next pull fetches
// everything. Used for recovery after remote history rewrites.
func (s *Store) ResetWatermark(ctx context.Context, table string) error {
	_, err := s.conn.ExecContext(ctx,
		"DELETE FROM sync_metadata WHERE table_name = ?", table)
	if err != nil {
		return storageErr("reset-watermark", err)
	}
	return nil
}

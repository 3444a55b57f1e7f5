package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"time"

	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/remote"
	"github.com/bellaotica/optisync/internal/schema"
	"github.com/bellaotica/optisync/internal/store"
)

const (
	defaultBatchSize = 50
	defaultPullLimit = 200
)

// Engine reconciles the local store with the server.
//
// Tables sync concurrently but each table's cycles are serialized by a
// per-table gate, preserving queue order within the table. The engine
// is safe for concurrent use.
type Engine struct {
	store    *store.Store
	queue    *queue.Queue
	gateway  remote.Gateway
	logger   *log.Logger
	notifier Notifier

	batchSize int
	pullLimit int

	mu        stdsync.Mutex
	state     State
	lastErr   error
	active    int
	paused    bool
	lastCycle time.Time
	nextRetry map[string]time.Time

	gates   map[string]*stdsync.Mutex
	trigger chan string
}

// Option configures the engine.
type Option func(*Engine)

// WithNotifier wires an event sink for state changes, cycle results,
// conflict resolutions, and dead letters.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithBatchSize sets how many queue entries one push phase drains.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithPullLimit sets the pull page size.
func WithPullLimit(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.pullLimit = n
		}
	}
}

// New creates a sync engine over an initialized store and queue.
//
// If logger is nil, a default logger writing to stderr is used.
func New(st *store.Store, q *queue.Queue, gw remote.Gateway, logger *log.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}

	e := &Engine{
		store:     st,
		queue:     q,
		gateway:   gw,
		logger:    logger,
		batchSize: defaultBatchSize,
		pullLimit: defaultPullLimit,
		state:     StateIdle,
		nextRetry: make(map[string]time.Time),
		gates:     make(map[string]*stdsync.Mutex),
		trigger:   make(chan string, 64),
	}
	for _, tbl := range schema.Tables() {
		e.gates[tbl.Name] = &stdsync.Mutex{}
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run drives periodic cycles until ctx is cancelled. Realtime triggers
// (see Trigger) cause an immediate cycle for the named table between
// ticks.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	e.logger.Printf("Engine running (interval %s)", interval)

	// Resume whatever the last session left queued.
	e.SyncAll(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.SyncAll(ctx)
		case table := <-e.trigger:
			go func() {
				if err := e.SyncTable(ctx, table); err != nil && ctx.Err() == nil {
					e.logger.Printf("Triggered sync of %s failed: %v", table, err)
				}
			}()
		}
	}
}

// Trigger requests an immediate cycle for one table, typically from a
// realtime change notice. Non-blocking; a full trigger buffer drops the
// request, which the next periodic cycle covers anyway.
func (e *Engine) Trigger(table string) {
	if _, ok := schema.Lookup(table); !ok {
		return
	}
	select {
	case e.trigger <- table:
	default:
	}
}

// SyncAll runs one cycle for every table, concurrently, and waits for
// all of them. Per-table errors are logged; the first one is returned.
func (e *Engine) SyncAll(ctx context.Context) error {
	var wg stdsync.WaitGroup
	errs := make([]error, len(schema.TableNames()))

	for i, table := range schema.TableNames() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = e.SyncTable(ctx, table)
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}
	return nil
}

// SyncNow is SyncAll plus a cleared pause: use it for the explicit
// "sync now" action after the user fixed credentials or connectivity.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.Resume()
	return e.SyncAll(ctx)
}

// Resume clears the paused state set by an authentication failure.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.lastErr = nil
	e.mu.Unlock()
}

// SyncTable runs one push+pull cycle for a single table. Cycles for the
// same table are serialized; callers for different tables proceed in
// parallel.
func (e *Engine) SyncTable(ctx context.Context, table string) error {
	tbl, ok := schema.Lookup(table)
	if !ok {
		return fmt.Errorf("unknown table: %s", table)
	}

	gate := e.gates[table]
	gate.Lock()
	defer gate.Unlock()

	e.mu.Lock()
	paused := e.paused
	lastErr := e.lastErr
	e.mu.Unlock()
	if paused {
		if lastErr != nil {
			return fmt.Errorf("sync paused: %w", lastErr)
		}
		return errors.New("sync paused awaiting re-authentication")
	}

	start := time.Now()
	e.enterCycle()
	defer e.leaveCycle()

	e.setState(StatePushing)
	pushed, err := e.pushTable(ctx, tbl)
	if err != nil {
		e.recordError(err)
		return err
	}

	e.setState(StatePulling)
	pulled, err := e.pullTable(ctx, tbl)
	if err != nil {
		e.recordError(err)
		return err
	}

	e.mu.Lock()
	e.lastCycle = time.Now()
	e.lastErr = nil
	e.mu.Unlock()

	if pushed > 0 || pulled > 0 {
		e.logger.Printf("Cycle complete for %s: pushed=%d pulled=%d in %s",
			table, pushed, pulled, time.Since(start).Round(time.Millisecond))
	}
	if e.notifier != nil {
		e.notifier.CycleComplete(CycleResult{
			Table:    table,
			Pushed:   pushed,
			Pulled:   pulled,
			Duration: time.Since(start),
		})
	}
	return nil
}

// LastError returns the error from the most recent failed cycle, if any.
func (e *Engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Status assembles a snapshot of the engine and its queues.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	e.mu.Lock()
	st := Status{
		State:     e.state,
		LastCycle: e.lastCycle,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	depth, err := e.queue.Depth(ctx, "")
	if err != nil {
		return st, err
	}
	st.QueueDepth = depth

	dead, err := e.queue.DeadCount(ctx)
	if err != nil {
		return st, err
	}
	st.DeadLetters = dead

	dirty, err := e.store.DirtyCount(ctx)
	if err != nil {
		return st, err
	}
	st.Dirty = dirty

	st.Watermarks = make(map[string]time.Time)
	for _, table := range schema.TableNames() {
		wm, err := e.store.Watermark(ctx, table)
		if err != nil {
			return st, err
		}
		if !wm.IsZero() {
			st.Watermarks[table] = wm
		}
	}
	return st, nil
}

// --- push phase ---

func (e *Engine) pushTable(ctx context.Context, tbl schema.Table) (int, error) {
	e.mu.Lock()
	wait := e.nextRetry[tbl.Name]
	e.mu.Unlock()
	if time.Now().Before(wait) {
		return 0, nil
	}

	entries, err := e.queue.DequeueBatch(ctx, tbl.Name, e.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to read queue for %s: %w", tbl.Name, err)
	}

	pushed := 0
	for _, entry := range entries {
		if ctx.Err() != nil {
			return pushed, ctx.Err()
		}

		err := e.pushEntry(ctx, tbl, entry)
		switch {
		case err == nil:
			pushed++

		case remote.IsTransient(err):
			// Likely offline: back off and leave the rest of the batch
			// for the next cycle.
			dead, ferr := e.queue.Fail(ctx, entry.ID, err.Error())
			if ferr != nil {
				return pushed, ferr
			}
			if dead {
				e.reportDead(ctx, entry.ID)
			}
			e.scheduleRetry(tbl.Name, entry.Attempts+1)
			e.logger.Printf("Push of %s/%s failed (attempt %d): %v",
				entry.Table, entry.RecordID, entry.Attempts+1, err)
			return pushed, nil

		case remote.IsAuth(err):
			e.mu.Lock()
			e.paused = true
			e.mu.Unlock()
			return pushed, err

		case remote.IsValidation(err):
			if kerr := e.queue.Kill(ctx, entry.ID, err.Error()); kerr != nil {
				return pushed, kerr
			}
			e.reportDead(ctx, entry.ID)
			e.logger.Printf("Dead-lettered %s/%s: %v", entry.Table, entry.RecordID, err)

		default:
			return pushed, err
		}
	}

	e.mu.Lock()
	delete(e.nextRetry, tbl.Name)
	e.mu.Unlock()
	return pushed, nil
}

func (e *Engine) pushEntry(ctx context.Context, tbl schema.Table, entry queue.Entry) error {
	rec, err := e.store.Get(ctx, entry.Table, entry.RecordID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// The record vanished locally; the entry is moot.
			return e.queue.Discard(ctx, entry.ID)
		}
		return err
	}

	ch := remote.Change{
		Table:        entry.Table,
		RecordID:     entry.RecordID,
		Op:           entry.Op,
		SyncVersion:  rec.SyncVersion,
		LastModified: rec.LastModified,
	}
	if entry.Op != schema.OpDelete {
		ch.Fields = rec.Fields
	}

	rr, err := e.gateway.Push(ctx, ch)
	if err == nil {
		return e.ackPush(ctx, entry, rr)
	}

	if ce, ok := remote.AsConflict(err); ok {
		return e.resolveConflict(ctx, tbl, entry, rec, ce)
	}
	return err
}

// ackPush applies a server acknowledgement. Deletes drop the tombstone
// row and purge the queue; other ops advance the version token and clear
// the dirty flag unless a newer entry is still queued.
func (e *Engine) ackPush(ctx context.Context, entry queue.Entry, rr *remote.RemoteRecord) error {
	if err := e.queue.Ack(ctx, entry.ID); err != nil {
		return err
	}
	pending, err := e.queue.HasPending(ctx, entry.Table, entry.RecordID)
	if err != nil {
		return err
	}

	if entry.Op == schema.OpDelete {
		if pending {
			// The record was rewritten while its deletion was in
			// flight. Keep the resurrected copy queued; the follow-up
			// push carries the tombstone's token so the server takes
			// it as a re-creation.
			version, modified := int64(0), time.Now()
			if rr != nil {
				version, modified = rr.SyncVersion, rr.UpdatedAt
			}
			return e.store.ConfirmPush(ctx, entry.Table, entry.RecordID,
				nil, version, modified, true)
		}
		return e.store.ApplyRemote(ctx, entry.Table, entry.RecordID, nil, 0, time.Now(), true)
	}
	if rr == nil {
		return fmt.Errorf("push of %s/%s acknowledged without a record", entry.Table, entry.RecordID)
	}

	return e.store.ConfirmPush(ctx, entry.Table, entry.RecordID,
		rr.Fields, rr.SyncVersion, rr.UpdatedAt, pending)
}

// resolveConflict handles a stale version token: fetch the remote copy,
// apply the table's merge policy, and re-push once with the fresh token.
// A second conflict counts as a failed attempt and waits for the next
// cycle.
func (e *Engine) resolveConflict(ctx context.Context, tbl schema.Table, entry queue.Entry, rec *schema.Record, ce *remote.ConflictError) error {
	e.setState(StateConflictPending)
	defer e.setState(StatePushing)

	rr := ce.Remote
	if rr == nil {
		var err error
		rr, err = e.gateway.Fetch(ctx, entry.Table, entry.RecordID)
		if err != nil {
			return err
		}
	}

	// No remote copy at all: the record was hard-deleted on the server.
	if rr == nil || rr.Deleted {
		if err := e.store.ApplyRemote(ctx, entry.Table, entry.RecordID, nil, 0, time.Now(), true); err != nil {
			return err
		}
		e.logger.Printf("Remote deletion of %s/%s discarded local changes", entry.Table, entry.RecordID)
		if e.notifier != nil {
			e.notifier.ConflictResolved(entry.Table, entry.RecordID, tbl.Policy, true)
		}
		return nil
	}

	// Local deletion wins over a concurrent remote edit.
	if entry.Op == schema.OpDelete {
		ack, err := e.gateway.Push(ctx, remote.Change{
			Table:        entry.Table,
			RecordID:     entry.RecordID,
			Op:           schema.OpDelete,
			SyncVersion:  rr.SyncVersion,
			LastModified: time.Now(),
		})
		if err != nil {
			return e.repushFailed(ctx, entry, err)
		}
		if err := e.ackPush(ctx, entry, ack); err != nil {
			return err
		}
		if e.notifier != nil {
			e.notifier.ConflictResolved(entry.Table, entry.RecordID, tbl.Policy, false)
		}
		return nil
	}

	base, _, err := e.store.Base(ctx, entry.Table, entry.RecordID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	merged := merge(tbl, rec.Fields, rec.LastModified, base, rr.Fields, rr.UpdatedAt)
	if err := e.store.ApplyMerge(ctx, entry.Table, entry.RecordID, merged, rr.Fields, rr.SyncVersion); err != nil {
		return err
	}

	ack, err := e.gateway.Push(ctx, remote.Change{
		Table:        entry.Table,
		RecordID:     entry.RecordID,
		Op:           schema.OpUpdate,
		Fields:       merged,
		SyncVersion:  rr.SyncVersion,
		LastModified: time.Now(),
	})
	if err != nil {
		return e.repushFailed(ctx, entry, err)
	}

	e.logger.Printf("Resolved conflict on %s/%s (%s)", entry.Table, entry.RecordID, tbl.Policy)
	if e.notifier != nil {
		e.notifier.ConflictResolved(entry.Table, entry.RecordID, tbl.Policy, false)
	}
	return e.ackPush(ctx, entry, ack)
}

// repushFailed classifies the error from a post-merge re-push. A second
// conflict in the same cycle means the record is contended; it burns an
// attempt and waits for the next cycle instead of looping.
func (e *Engine) repushFailed(ctx context.Context, entry queue.Entry, err error) error {
	if _, ok := remote.AsConflict(err); ok {
		dead, ferr := e.queue.Fail(ctx, entry.ID, "re-push conflicted")
		if ferr != nil {
			return ferr
		}
		if dead {
			e.reportDead(ctx, entry.ID)
		}
		e.logger.Printf("Re-push of %s/%s conflicted again; deferring", entry.Table, entry.RecordID)
		return nil
	}
	return err
}

func (e *Engine) scheduleRetry(table string, attempt int) {
	e.mu.Lock()
	e.nextRetry[table] = time.Now().Add(backoffFor(attempt))
	e.mu.Unlock()
}

func (e *Engine) reportDead(ctx context.Context, entryID int64) {
	if e.notifier == nil {
		return
	}
	letters, err := e.queue.DeadLetters(ctx)
	if err != nil {
		return
	}
	for _, l := range letters {
		if l.ID == entryID {
			e.notifier.DeadLettered(l)
			return
		}
	}
}

// --- pull phase ---

func (e *Engine) pullTable(ctx context.Context, tbl schema.Table) (int, error) {
	since, err := e.store.Watermark(ctx, tbl.Name)
	if err != nil {
		return 0, err
	}

	pulled := 0
	for {
		if ctx.Err() != nil {
			return pulled, ctx.Err()
		}

		page, err := e.gateway.PullSince(ctx, tbl.Name, since, e.pullLimit)
		if err != nil {
			if remote.IsTransient(err) {
				// Offline: the watermark stays put, nothing is lost.
				e.logger.Printf("Pull of %s unavailable: %v", tbl.Name, err)
				return pulled, nil
			}
			if remote.IsAuth(err) {
				e.mu.Lock()
				e.paused = true
				e.mu.Unlock()
			}
			return pulled, err
		}
		if len(page) == 0 {
			return pulled, nil
		}

		maxTS := since
		for i := range page {
			rr := &page[i]
			if err := e.applyPulled(ctx, tbl, rr); err != nil {
				return pulled, err
			}
			pulled++
			if rr.UpdatedAt.After(maxTS) {
				maxTS = rr.UpdatedAt
			}
		}

		// Advance only after the whole page applied, so a failure
		// mid-page re-fetches it next cycle.
		if err := e.store.AdvanceWatermark(ctx, tbl.Name, maxTS); err != nil {
			return pulled, err
		}
		since = maxTS

		if len(page) < e.pullLimit {
			return pulled, nil
		}
	}
}

// applyPulled applies one remote record locally. A clean local copy is
// overwritten; a dirty one goes through the merge policy and stays
// queued for push.
func (e *Engine) applyPulled(ctx context.Context, tbl schema.Table, rr *remote.RemoteRecord) error {
	local, err := e.store.Get(ctx, tbl.Name, rr.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	if local == nil || !local.NeedsSync {
		return e.store.ApplyRemote(ctx, tbl.Name, rr.ID, rr.Fields, rr.SyncVersion, rr.UpdatedAt, rr.Deleted)
	}

	// Remote deletion wins over local edits.
	if rr.Deleted {
		if err := e.store.ApplyRemote(ctx, tbl.Name, rr.ID, nil, 0, rr.UpdatedAt, true); err != nil {
			return err
		}
		e.logger.Printf("Remote deletion of %s/%s discarded local changes", tbl.Name, rr.ID)
		if e.notifier != nil {
			e.notifier.ConflictResolved(tbl.Name, rr.ID, tbl.Policy, true)
		}
		return nil
	}

	base, _, err := e.store.Base(ctx, tbl.Name, rr.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}

	merged := merge(tbl, local.Fields, local.LastModified, base, rr.Fields, rr.UpdatedAt)
	if err := e.store.ApplyMerge(ctx, tbl.Name, rr.ID, merged, rr.Fields, rr.SyncVersion); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.ConflictResolved(tbl.Name, rr.ID, tbl.Policy, false)
	}
	return nil
}

// --- state bookkeeping ---

func (e *Engine) enterCycle() {
	e.mu.Lock()
	e.active++
	e.mu.Unlock()
}

func (e *Engine) leaveCycle() {
	e.mu.Lock()
	e.active--
	if e.active == 0 && e.lastErr == nil {
		e.state = StateIdle
	}
	st := e.state
	e.mu.Unlock()

	if e.notifier != nil && st == StateIdle {
		e.notifier.StateChanged(StateIdle)
	}
}

func (e *Engine) setState(st State) {
	e.mu.Lock()
	changed := e.state != st
	e.state = st
	e.mu.Unlock()

	if changed && e.notifier != nil {
		e.notifier.StateChanged(st)
	}
}

func (e *Engine) recordError(err error) {
	e.mu.Lock()
	e.lastErr = err
	e.state = StateError
	e.mu.Unlock()

	if e.notifier != nil {
		e.notifier.StateChanged(StateError)
	}
}

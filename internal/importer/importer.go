// Package importer watches a drop directory for record JSON files and
// applies them to the local store as ordinary offline writes.
//
// Files are named {table}--{id}.json and carry a record envelope (see
// the schema package). Legacy exports, spreadsheets converted by other
// tooling, and hand-written fixtures all enter the system this way: the
// importer puts each record into the store, which marks it dirty and
// queues it, and the sync engine pushes it like any other local change.
//
// Imported files are removed on success and left in place with a logged
// warning on failure, so a partially processed directory is always safe
// to re-scan. Deleting a record file by hand is itself a mutation: the
// named record is tombstoned. Removals performed by the importer after a
// successful import are recognized and do not delete anything.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	stdsync "sync"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
	"github.com/bellaotica/optisync/internal/store"
	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long a file must be quiet before it is
// imported, so partially written files are not picked up mid-copy.
const DefaultDebounce = 500 * time.Millisecond

// Importer watches one directory and feeds record files into the store.
type Importer struct {
	dir      string
	store    *store.Store
	logger   *log.Logger
	debounce time.Duration

	mu      stdsync.Mutex
	changed map[string]time.Time
	removed map[string]struct{} // files this importer deleted itself
}

// New creates an importer for dir. If logger is nil, a default logger
// writing to stderr is used.
func New(dir string, st *store.Store, logger *log.Logger) *Importer {
	if logger == nil {
		logger = log.New(os.Stderr, "[import] ", log.LstdFlags)
	}
	return &Importer{
		dir:      dir,
		store:    st,
		logger:   logger,
		debounce: DefaultDebounce,
		changed:  make(map[string]time.Time),
		removed:  make(map[string]struct{}),
	}
}

// ImportAll processes every record file currently in the directory.
// Invalid files are skipped with a warning; the count of imported
// records is returned.
func (im *Importer) ImportAll(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(im.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read import directory: %w", err)
	}

	imported := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		if err := im.importFile(ctx, filepath.Join(im.dir, entry.Name())); err != nil {
			im.logger.Printf("Skipping %s: %v", entry.Name(), err)
			continue
		}
		imported++
	}
	return imported, nil
}

// Run watches the directory until ctx is cancelled. New and rewritten
// files are imported after the debounce window; a full scan runs first
// to catch files dropped while the daemon was down.
func (im *Importer) Run(ctx context.Context) error {
	if err := os.MkdirAll(im.dir, 0755); err != nil {
		return fmt.Errorf("failed to create import directory: %w", err)
	}

	if n, err := im.ImportAll(ctx); err != nil {
		return err
	} else if n > 0 {
		im.logger.Printf("Imported %d record(s) from initial scan", n)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(im.dir); err != nil {
		return fmt.Errorf("failed to watch import directory %s: %w", im.dir, err)
	}

	im.logger.Printf("Watching %s", im.dir)

	ticker := time.NewTicker(im.debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if event.Has(fsnotify.Remove) {
				im.handleRemove(ctx, event.Name)
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				im.mu.Lock()
				im.changed[event.Name] = time.Now()
				im.mu.Unlock()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			im.logger.Printf("Watcher error: %v", err)

		case <-ticker.C:
			im.flushQuiet(ctx)
		}
	}
}

// flushQuiet imports every queued file whose last event is older than
// the debounce window.
func (im *Importer) flushQuiet(ctx context.Context) {
	now := time.Now()

	im.mu.Lock()
	var ready []string
	for path, ts := range im.changed {
		if now.Sub(ts) >= im.debounce {
			ready = append(ready, path)
			delete(im.changed, path)
		}
	}
	im.mu.Unlock()

	for _, path := range ready {
		if err := im.importFile(ctx, path); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			im.logger.Printf("Failed to import %s: %v", filepath.Base(path), err)
		}
	}
}

// importFile reads, validates, stores, and removes one record file. The
// filename must agree with the envelope's table and ID.
func (im *Importer) importFile(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}

	table, id, err := schema.ParseFilename(path)
	if err != nil {
		return err
	}

	rec, err := schema.ReadRecordFile(path)
	if err != nil {
		return err
	}
	if rec.Table != table || rec.ID != id {
		return fmt.Errorf("file %s names %s/%s but contains %s/%s",
			filepath.Base(path), table, id, rec.Table, rec.ID)
	}

	if err := im.store.Put(ctx, rec); err != nil {
		return err
	}

	// Mark before removing so the watcher's Remove event is not taken
	// for a hand deletion.
	im.mu.Lock()
	im.removed[path] = struct{}{}
	im.mu.Unlock()

	if err := os.Remove(path); err != nil {
		im.mu.Lock()
		delete(im.removed, path)
		im.mu.Unlock()
		im.logger.Printf("Imported %s/%s but could not remove %s: %v", table, id, path, err)
	} else {
		im.logger.Printf("Imported %s/%s", table, id)
	}
	return nil
}

// handleRemove turns a hand deletion of a record file into a tombstone
// mutation. Removals the importer performed itself are skipped, as are
// files whose names do not parse.
func (im *Importer) handleRemove(ctx context.Context, path string) {
	im.mu.Lock()
	if _, ours := im.removed[path]; ours {
		delete(im.removed, path)
		im.mu.Unlock()
		return
	}
	delete(im.changed, path)
	im.mu.Unlock()

	table, id, err := schema.ParseFilename(path)
	if err != nil {
		return
	}

	if err := im.store.Delete(ctx, table, id); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			im.logger.Printf("Failed to delete %s/%s for removed file: %v", table, id, err)
		}
		return
	}
	im.logger.Printf("Removed file deleted %s/%s", table, id)
}

package schema

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Op is the kind of mutation captured in a change queue entry.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// IsValid reports whether op is one of the known operation kinds.
func (op Op) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Record is the envelope around one domain row.
//
// Fields holds the flat domain payload (names and values as they appear
// remotely). The remaining fields are the sync-tracking columns; the sync
// engine is the only writer of SyncVersion and NeedsSync.
type Record struct {
	ID    string `json:"id"`
	Table string `json:"table"`

	Fields map[string]any `json:"fields"`

	// SyncVersion is the optimistic concurrency token. Zero means the
	// record has never been accepted by the server.
	SyncVersion int64 `json:"sync_version"`

	// LastModified is the local-clock timestamp of the last write.
	LastModified time.Time `json:"last_modified"`

	// NeedsSync is true iff at least one change queue entry references
	// this record.
	NeedsSync bool `json:"needs_sync"`

	// Deleted marks a local tombstone awaiting push.
	Deleted bool `json:"deleted,omitempty"`
}

// Validate checks if the Record has valid field values.
func (r *Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("id is required")
	}
	if r.Table == "" {
		return fmt.Errorf("table is required")
	}
	if _, ok := Lookup(r.Table); !ok {
		return fmt.Errorf("unknown table: %s", r.Table)
	}
	if !r.Deleted && r.Fields == nil {
		return fmt.Errorf("fields are required")
	}
	return nil
}

// Touch sets LastModified to the current time.
// This should be called whenever any domain field is modified.
func (r *Record) Touch() {
	r.LastModified = time.Now()
}

// Clone returns a deep copy of the record. The Fields map is copied one
// level deep, which is sufficient for the flat payloads we carry.
func (r *Record) Clone() *Record {
	cp := *r
	if r.Fields != nil {
		cp.Fields = make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			cp.Fields[k] = v
		}
	}
	return &cp
}

// NumField reads a numeric domain field as float64.
// JSON-decoded payloads carry numbers as float64; integer types are
// accepted for records constructed in code.
func (r *Record) NumField(name string) (float64, bool) {
	v, ok := r.Fields[name]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

// Filename returns the canonical import filename: {table}--{id}.json
func (r *Record) Filename() string {
	return fmt.Sprintf("%s--%s.json", r.Table, r.ID)
}

// ParseFilename splits an import filename into table and record ID.
func ParseFilename(filename string) (table, id string, err error) {
	name := strings.TrimSuffix(filepath.Base(filename), ".json")
	parts := strings.SplitN(name, "--", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid record filename: expected {table}--{id}.json, got %s", filename)
	}
	return parts[0], parts[1], nil
}

// ReadRecordFile reads and validates a record JSON file.
func ReadRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read record file %s: %w", path, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse record file %s: %w", path, err)
	}

	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid record file %s: %w", path, err)
	}

	return &rec, nil
}

// WriteRecordFile writes a record to dir as pretty-printed JSON.
func WriteRecordFile(dir string, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("cannot write invalid record: %w", err)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create record directory: %w", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.ID, err)
	}

	path := filepath.Join(dir, rec.Filename())
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write record file %s: %w", path, err)
	}

	return nil
}

// ReadAllRecordFiles reads all record files from the given directory.
// Invalid files are skipped with a warning to stderr.
func ReadAllRecordFiles(dir string) ([]*Record, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*Record{}, nil
		}
		return nil, fmt.Errorf("failed to read record directory: %w", err)
	}

	var records []*Record
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		rec, err := ReadRecordFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: skipping invalid record file %s: %v\n", entry.Name(), err)
			continue
		}

		records = append(records, rec)
	}

	return records, nil
}

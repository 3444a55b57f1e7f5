package sync

import (
	"time"

	"github.com/bellaotica/optisync/internal/schema"
)

// merge reconciles a record changed both locally and remotely, per the
// table's policy. It returns the fields the record should carry after
// resolution.
//
// Last-write-wins compares whole records by modification time: the newer
// side's fields are kept as-is.
//
// Delta tables start from the last-write-wins result, then recompute
// each delta field as remote value plus the local delta (local minus the
// last server-accepted base). Two devices selling from the same stock
// row therefore both land: base 10, local +5, remote +3 merges to 18.
// A missing base (never-synced record) makes the whole local value the
// delta.
func merge(tbl schema.Table, localFields map[string]any, localModified time.Time,
	base map[string]any, remoteFields map[string]any, remoteModified time.Time) map[string]any {

	var winner map[string]any
	if localModified.After(remoteModified) {
		winner = localFields
	} else {
		winner = remoteFields
	}

	merged := make(map[string]any, len(winner))
	for k, v := range winner {
		merged[k] = v
	}

	if tbl.Policy != schema.MergeDelta {
		return merged
	}

	for _, field := range tbl.DeltaFields {
		localV, ok := numField(localFields, field)
		if !ok {
			continue
		}
		remoteV, ok := numField(remoteFields, field)
		if !ok {
			remoteV = 0
		}
		baseV, _ := numField(base, field)

		merged[field] = remoteV + (localV - baseV)
	}

	return merged
}

func numField(fields map[string]any, name string) (float64, bool) {
	if fields == nil {
		return 0, false
	}
	switch n := fields[name].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

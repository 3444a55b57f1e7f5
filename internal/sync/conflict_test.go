package sync

import (
	"testing"
	"time"

	"github.com/bellaotica/optisync/internal/schema"
)

func TestMergeLastWriteWinsLocalNewer(t *testing.T) {
	tbl, _ := schema.Lookup("customers")
	remoteTime := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	localTime := remoteTime.Add(time.Minute)

	local := map[string]any{"name": "local edit", "phone": "111"}
	remote := map[string]any{"name": "remote edit", "phone": "222"}

	merged := merge(tbl, local, localTime, nil, remote, remoteTime)
	if merged["name"] != "local edit" || merged["phone"] != "111" {
		t.Errorf("merged = %v, want the newer local record", merged)
	}
}

func TestMergeLastWriteWinsRemoteNewer(t *testing.T) {
	tbl, _ := schema.Lookup("customers")
	localTime := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	remoteTime := localTime.Add(time.Minute)

	local := map[string]any{"name": "local edit"}
	remote := map[string]any{"name": "remote edit"}

	merged := merge(tbl, local, localTime, nil, remote, remoteTime)
	if merged["name"] != "remote edit" {
		t.Errorf("merged = %v, want the newer remote record", merged)
	}
}

func TestMergeDeltaReconcilesQuantity(t *testing.T) {
	tbl, _ := schema.Lookup("stock")
	now := time.Now()

	// Base 10; this device sold into it (+5), another device sold too
	// (remote shows +3). Both movements must survive.
	base := map[string]any{"quantity": float64(10)}
	local := map[string]any{"quantity": float64(15), "product_id": "p-1"}
	remote := map[string]any{"quantity": float64(13), "product_id": "p-1"}

	merged := merge(tbl, local, now, base, remote, now.Add(-time.Second))
	if got := merged["quantity"]; got != float64(18) {
		t.Errorf("merged quantity = %v, want 18 (13 + (15-10))", got)
	}
}

func TestMergeDeltaNegativeMovement(t *testing.T) {
	tbl, _ := schema.Lookup("stock")
	now := time.Now()

	base := map[string]any{"quantity": float64(20)}
	local := map[string]any{"quantity": float64(12)}  // sold 8
	remote := map[string]any{"quantity": float64(17)} // sold 3

	merged := merge(tbl, local, now, base, remote, now)
	if got := merged["quantity"]; got != float64(9) {
		t.Errorf("merged quantity = %v, want 9 (17 - 8)", got)
	}
}

func TestMergeDeltaWithoutBaseUsesWholeLocalValue(t *testing.T) {
	tbl, _ := schema.Lookup("cash")
	now := time.Now()

	local := map[string]any{"amount": float64(50)}
	remote := map[string]any{"amount": float64(30)}

	merged := merge(tbl, local, now, nil, remote, now)
	if got := merged["amount"]; got != float64(80) {
		t.Errorf("merged amount = %v, want 80 (30 + 50)", got)
	}
}

func TestMergeDeltaKeepsNonNumericFieldsByTimestamp(t *testing.T) {
	tbl, _ := schema.Lookup("stock")
	remoteTime := time.Now()
	localTime := remoteTime.Add(-time.Minute)

	base := map[string]any{"quantity": float64(10)}
	local := map[string]any{"quantity": float64(12), "location": "shelf A"}
	remote := map[string]any{"quantity": float64(11), "location": "shelf B"}

	merged := merge(tbl, local, localTime, base, remote, remoteTime)
	if merged["location"] != "shelf B" {
		t.Errorf("location = %v, want the newer remote value", merged["location"])
	}
	if merged["quantity"] != float64(13) {
		t.Errorf("quantity = %v, want 13", merged["quantity"])
	}
}

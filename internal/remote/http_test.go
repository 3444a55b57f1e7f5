package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bellaotica/optisync/internal/auth"
	"github.com/bellaotica/optisync/internal/schema"
)

func newTestGateway(t *testing.T, handler http.Handler, principal *auth.Principal) *HTTPGateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	gw := NewHTTPGateway(HTTPConfig{
		BaseURL:  srv.URL,
		Token:    "test-token",
		DeviceID: "device-1",
		Timeout:  5 * time.Second,
	}, principal)
	t.Cleanup(func() { _ = gw.Close() })

	return gw
}

func sellerPrincipal(t *testing.T) *auth.Principal {
	t.Helper()
	p, err := auth.New("u-1", auth.RoleSeller, "store-1")
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	return p
}

func TestPushSendsTokenAndDecodesAck(t *testing.T) {
	var gotIfMatch, gotAuth, gotDevice string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sync/customers" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotIfMatch = r.Header.Get("If-Match")
		gotAuth = r.Header.Get("Authorization")
		gotDevice = r.Header.Get("X-Device-ID")

		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(RemoteRecord{
			ID:          "c-1",
			Table:       "customers",
			Fields:      map[string]any{"name": "Ana"},
			SyncVersion: 4,
			UpdatedAt:   time.Now(),
		})
	})

	gw := newTestGateway(t, handler, sellerPrincipal(t))

	rr, err := gw.Push(context.Background(), Change{
		Table:       "customers",
		RecordID:    "c-1",
		Op:          schema.OpUpdate,
		Fields:      map[string]any{"name": "Ana"},
		SyncVersion: 3,
	})
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	if gotIfMatch != "3" {
		t.Errorf("If-Match = %q, want the version token 3", gotIfMatch)
	}
	if gotAuth != "Bearer test-token" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotDevice != "device-1" {
		t.Errorf("X-Device-ID = %q", gotDevice)
	}
	if rr.SyncVersion != 4 {
		t.Errorf("ack version = %d, want 4", rr.SyncVersion)
	}
}

func TestPushConflictCarriesRemoteCopy(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(RemoteRecord{
			ID:          "c-2",
			Table:       "customers",
			Fields:      map[string]any{"name": "newer"},
			SyncVersion: 9,
		})
	})

	gw := newTestGateway(t, handler, sellerPrincipal(t))

	_, err := gw.Push(context.Background(), Change{
		Table: "customers", RecordID: "c-2", Op: schema.OpUpdate, SyncVersion: 7,
	})

	ce, ok := AsConflict(err)
	if !ok {
		t.Fatalf("Push() error = %v, want ConflictError", err)
	}
	if ce.Remote == nil || ce.Remote.SyncVersion != 9 {
		t.Errorf("conflict remote = %+v, want the server copy at version 9", ce.Remote)
	}
}

func TestPushErrorTaxonomy(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{"unauthorized", http.StatusUnauthorized, IsAuth},
		{"forbidden", http.StatusForbidden, IsAuth},
		{"unprocessable", http.StatusUnprocessableEntity, IsValidation},
		{"bad request", http.StatusBadRequest, IsValidation},
		{"server error", http.StatusInternalServerError, IsTransient},
		{"bad gateway", http.StatusBadGateway, IsTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.status)
			})
			gw := newTestGateway(t, handler, sellerPrincipal(t))

			_, err := gw.Push(context.Background(), Change{
				Table: "customers", RecordID: "c-3", Op: schema.OpUpdate,
			})
			if err == nil || !tt.check(err) {
				t.Errorf("Push() error = %v, wrong kind for status %d", err, tt.status)
			}
		})
	}
}

func TestPushUnreachableServerIsTransient(t *testing.T) {
	gw := NewHTTPGateway(HTTPConfig{
		BaseURL: "http://127.0.0.1:1", // nothing listens here
		Timeout: 500 * time.Millisecond,
	}, sellerPrincipal(t))
	defer gw.Close()

	_, err := gw.Push(context.Background(), Change{
		Table: "customers", RecordID: "c-4", Op: schema.OpCreate,
	})
	if !IsTransient(err) {
		t.Errorf("Push() error = %v, want TransientError", err)
	}
}

func TestFetchNotFoundReturnsNil(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	gw := newTestGateway(t, handler, sellerPrincipal(t))

	rr, err := gw.Fetch(context.Background(), "customers", "missing")
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if rr != nil {
		t.Errorf("Fetch(missing) = %+v, want nil", rr)
	}
}

func TestPullScopesToStoreForNonAdmins(t *testing.T) {
	var gotQuery map[string][]string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]RemoteRecord{})
	})

	gw := newTestGateway(t, handler, sellerPrincipal(t))
	since := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	if _, err := gw.PullSince(context.Background(), "orders", since, 100); err != nil {
		t.Fatalf("PullSince() error = %v", err)
	}

	if got := gotQuery["store_id"]; len(got) != 1 || got[0] != "store-1" {
		t.Errorf("store_id query = %v, want [store-1]", got)
	}
	if got := gotQuery["since"]; len(got) != 1 || got[0] != since.Format(time.RFC3339Nano) {
		t.Errorf("since query = %v", got)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "100" {
		t.Errorf("limit query = %v", got)
	}
}

func TestPullAdminSeesAllStores(t *testing.T) {
	var gotQuery map[string][]string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		_ = json.NewEncoder(w).Encode([]RemoteRecord{})
	})

	admin, err := auth.New("u-2", auth.RoleAdmin, "")
	if err != nil {
		t.Fatalf("auth.New() error = %v", err)
	}
	gw := newTestGateway(t, handler, admin)

	if _, err := gw.PullSince(context.Background(), "orders", time.Time{}, 10); err != nil {
		t.Fatalf("PullSince() error = %v", err)
	}
	if _, scoped := gotQuery["store_id"]; scoped {
		t.Error("admin pull carried a store_id filter")
	}
}

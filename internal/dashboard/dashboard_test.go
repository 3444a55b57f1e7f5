package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/bellaotica/optisync/internal/queue"
	"github.com/bellaotica/optisync/internal/schema"
	syncengine "github.com/bellaotica/optisync/internal/sync"
	"github.com/coder/websocket"
)

func testStatus(ctx context.Context) (syncengine.Status, error) {
	return syncengine.Status{
		State:      syncengine.StateIdle,
		QueueDepth: 2,
		Watermarks: map[string]time.Time{},
	}, nil
}

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{
		Port:   0, // random available port
		Status: testStatus,
		Logger: log.New(io.Discard, "", 0),
	})

	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Failed to stop server: %v", err)
		}
	})

	time.Sleep(100 * time.Millisecond)
	return server
}

func dialClient(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestServerStartStop(t *testing.T) {
	server := startServer(t)
	if server.Addr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestClientReceivesInitialSnapshot(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(t, ctx, server)

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot message: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeStatus {
		t.Errorf("Expected snapshot type %s, got %s", MessageTypeStatus, msg.Type)
	}

	var snap syncengine.Status
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		t.Fatalf("Failed to unmarshal snapshot: %v", err)
	}
	if snap.QueueDepth != 2 {
		t.Errorf("snapshot queue depth = %d, want 2", snap.QueueDepth)
	}
}

func TestBroadcastReachesAllClients(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := []*websocket.Conn{
		dialClient(t, ctx, server),
		dialClient(t, ctx, server),
		dialClient(t, ctx, server),
	}

	// Drain each client's initial snapshot first.
	for _, conn := range conns {
		if _, _, err := conn.Read(ctx); err != nil {
			t.Fatalf("Failed to read snapshot: %v", err)
		}
	}

	notifier := NewNotifier(server)
	notifier.CycleComplete(syncengine.CycleResult{Table: "orders", Pushed: 3, Pulled: 1})

	for i, conn := range conns {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Client %d failed to read broadcast: %v", i, err)
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Client %d: bad message: %v", i, err)
		}
		if msg.Type != MessageTypeCycle {
			t.Errorf("Client %d: type = %s, want %s", i, msg.Type, MessageTypeCycle)
		}

		var res syncengine.CycleResult
		if err := json.Unmarshal(msg.Data, &res); err != nil {
			t.Fatalf("Client %d: bad cycle data: %v", i, err)
		}
		if res.Table != "orders" || res.Pushed != 3 {
			t.Errorf("Client %d: cycle = %+v", i, res)
		}
	}
}

func TestNotifierEventKinds(t *testing.T) {
	server := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialClient(t, ctx, server)
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}

	notifier := NewNotifier(server)
	notifier.ConflictResolved("stock", "s-1", schema.MergeDelta, false)
	notifier.DeadLettered(queue.Entry{
		ID: 7, Table: "orders", RecordID: "o-1", Op: schema.OpUpdate,
		Attempts: 5, LastError: "boom",
	})

	wantTypes := []MessageType{MessageTypeConflict, MessageTypeDeadLetter}
	for _, want := range wantTypes {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("Failed to read %s event: %v", want, err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Bad message: %v", err)
		}
		if msg.Type != want {
			t.Errorf("type = %s, want %s", msg.Type, want)
		}

		switch msg.Type {
		case MessageTypeConflict:
			var c ConflictData
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				t.Fatalf("Bad conflict data: %v", err)
			}
			if c.Policy != "delta" || c.Table != "stock" {
				t.Errorf("conflict data = %+v", c)
			}
		case MessageTypeDeadLetter:
			var d DeadLetterData
			if err := json.Unmarshal(msg.Data, &d); err != nil {
				t.Fatalf("Bad dead letter data: %v", err)
			}
			if d.EntryID != 7 || d.Attempts != 5 {
				t.Errorf("dead letter data = %+v", d)
			}
		}
	}
}

func TestStatusEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/status")
	if err != nil {
		t.Fatalf("GET /status error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /status = %d, want 200", resp.StatusCode)
	}

	var snap syncengine.Status
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if snap.QueueDepth != 2 {
		t.Errorf("queue depth = %d, want 2", snap.QueueDepth)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server := startServer(t)

	resp, err := http.Get("http://" + server.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("health status = %v, want ok", body["status"])
	}
}

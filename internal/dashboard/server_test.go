package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/driftsync/driftsync/internal/connectivity"
	"github.com/driftsync/driftsync/internal/engine"
	"github.com/driftsync/driftsync/internal/queue"
	"github.com/driftsync/driftsync/internal/store"
)

// stubSource is a fixed StatusSource for server tests.
type stubSource struct {
	depth  int
	status connectivity.Status
	state  engine.State
}

func (s *stubSource) QueueDepth() int                         { return s.depth }
func (s *stubSource) ConnectivityStatus() connectivity.Status { return s.status }
func (s *stubSource) State() engine.State                     { return s.state }

func testServer(t *testing.T) (*Server, *stubSource) {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", log.LstdFlags)
	q, err := queue.New(context.Background(), store.NewMemory(), "device-test", queue.Config{Logger: logger})
	if err != nil {
		t.Fatalf("queue.New: %v", err)
	}
	source := &stubSource{status: connectivity.StatusOnline}
	server := NewServer(source, q, &Config{
		Port:   0, // Use random available port
		Logger: logger,
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })

	// Give server time to start
	time.Sleep(100 * time.Millisecond)
	return server, source
}

func TestServerStartStop(t *testing.T) {
	server, _ := testServer(t)
	if server.GetAddr() == "" {
		t.Fatal("Server address is empty")
	}
}

func TestWebSocketConnection(t *testing.T) {
	server, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws://" + server.GetAddr() + "/ws"
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	if count := server.ClientCount(); count != 1 {
		t.Errorf("Expected 1 client, got %d", count)
	}

	// Welcome message is a queue stats snapshot.
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeQueueStats {
		t.Errorf("Expected welcome message type %s, got %s", MessageTypeQueueStats, msg.Type)
	}
}

func TestPublishSyncEvent(t *testing.T) {
	server, _ := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Drop the welcome message.
	if _, _, err := conn.Read(ctx); err != nil {
		t.Fatalf("Failed to read welcome message: %v", err)
	}

	server.PublishSyncEvent(engine.SyncEvent{
		Type:         engine.SyncFailed,
		ResourceType: "pet",
		ResourceID:   "p1",
		ItemID:       "000000000001-device-test",
		Err:          errors.New("validation rejected"),
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read sync event: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSyncEvent {
		t.Fatalf("Expected %s, got %s", MessageTypeSyncEvent, msg.Type)
	}
	var event SyncEventData
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		t.Fatalf("Failed to unmarshal event data: %v", err)
	}
	if event.Event != string(engine.SyncFailed) || event.Error == "" {
		t.Errorf("Unexpected event data: %+v", event)
	}

	// Stats refresh follows every sync event.
	_, data, err = conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read stats refresh: %v", err)
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeQueueStats {
		t.Errorf("Expected %s, got %s", MessageTypeQueueStats, msg.Type)
	}
}

func TestStatusEndpoint(t *testing.T) {
	server, source := testServer(t)
	source.depth = 3
	source.state = engine.StateDraining

	resp, err := http.Get("http://" + server.GetAddr() + "/status")
	if err != nil {
		t.Fatalf("GET /status: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Connectivity string `json:"connectivity"`
		SyncState    string `json:"sync_state"`
		QueueDepth   int    `json:"queue_depth"`
		DeadLetters  int    `json:"dead_letters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if body.Connectivity != "online" || body.SyncState != "draining" || body.QueueDepth != 3 {
		t.Errorf("Unexpected status body: %+v", body)
	}
}

func TestHealthEndpoint(t *testing.T) {
	server, _ := testServer(t)

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	server := NewServer(&Config{
		Port:   0, // random available port
		Logger: log.New(io.Discard, "", 0),
	})
	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() {
		if err := server.Stop(); err != nil {
			t.Errorf("Stop() failed: %v", err)
		}
	})
	time.Sleep(100 * time.Millisecond)
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

// TestServer_StartStop tests the lifecycle on a random port.
func TestServer_StartStop(t *testing.T) {
	server := NewServer(&Config{Port: 0, Logger: log.New(io.Discard, "", 0)})

	if err := server.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	if addr := server.GetAddr(); addr == "" {
		t.Error("GetAddr() is empty after Start()")
	}
	if err := server.Stop(); err != nil {
		t.Fatalf("Stop() failed: %v", err)
	}
}

// TestServer_ClientCount tests connection tracking.
func TestServer_ClientCount(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		dial(t, ctx, server)
	}
	time.Sleep(100 * time.Millisecond)

	if count := server.ClientCount(); count != 3 {
		t.Errorf("ClientCount() = %d, want 3", count)
	}
}

// TestServer_BroadcastSyncComplete tests that a sync result reaches a
// connected client as a typed message.
func TestServer_BroadcastSyncComplete(t *testing.T) {
	server := testServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)
	time.Sleep(100 * time.Millisecond)

	server.BroadcastSyncComplete(SyncCompleteData{
		AccountID: "a1",
		Created:   2,
		Updated:   1,
		Lists:     3,
	})

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read broadcast: %v", err)
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to unmarshal message: %v", err)
	}
	if msg.Type != MessageTypeSyncComplete {
		t.Errorf("message type = %s, want %s", msg.Type, MessageTypeSyncComplete)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}

	var payload SyncCompleteData
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload.AccountID != "a1" || payload.Created != 2 || payload.Lists != 3 {
		t.Errorf("payload = %+v", payload)
	}
}

// TestServer_BroadcastWithoutClients tests that broadcasting with nobody
// connected does not block.
func TestServer_BroadcastWithoutClients(t *testing.T) {
	server := testServer(t)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			server.BroadcastSyncComplete(SyncCompleteData{AccountID: "a1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Broadcast() blocked with no clients")
	}
}

package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
)

func startServer(t *testing.T, config *Config) *Server {
	t.Helper()
	config.Port = 0
	config.Logger = log.New(io.Discard, "", 0)
	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		if msg := readMessage(t, ctx, conn); msg.Type == typ {
			return msg
		}
	}
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for server.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("client count = %d, want %d", server.ClientCount(), n)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestWelcomeSnapshot tests that a new client receives current stats.
func TestWelcomeSnapshot(t *testing.T) {
	server := startServer(t, &Config{Snapshot: func() StatsData {
		return StatsData{Documents: 4, ByStatus: map[string]int{"synced": 3, "local": 1}, Pending: 1}
	}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("welcome type = %s, want %s", msg.Type, MessageTypeStats)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatal(err)
	}
	if stats.Documents != 4 || stats.ByStatus["local"] != 1 || stats.Pending != 1 {
		t.Errorf("stats = %+v", stats)
	}
}

// TestHandlerBroadcasts tests that engine events reach every client.
func TestHandlerBroadcasts(t *testing.T) {
	server := startServer(t, &Config{})
	handler := NewHandler(server, func() StatsData { return StatsData{Documents: 1} }, log.New(io.Discard, "", 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a := dial(t, ctx, server)
	b := dial(t, ctx, server)
	waitForClients(t, server, 2)

	handler.DocStatus(DocStatusData{DocumentID: "srv-1", PreviousID: "local-1", Action: "renamed", Status: "synced"})

	for _, conn := range []*websocket.Conn{a, b} {
		msg := readUntil(t, ctx, conn, MessageTypeDocStatus)
		var data DocStatusData
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			t.Fatal(err)
		}
		if data.DocumentID != "srv-1" || data.PreviousID != "local-1" || data.Action != "renamed" {
			t.Errorf("doc_status = %+v", data)
		}
	}

	handler.SyncFailed(SyncFailedData{Reason: "manual", Stage: "manifest", Error: "offline"})
	msg := readUntil(t, ctx, a, MessageTypeSyncFailed)
	var failed SyncFailedData
	if err := json.Unmarshal(msg.Data, &failed); err != nil {
		t.Fatal(err)
	}
	if failed.Stage != "manifest" || failed.Error != "offline" {
		t.Errorf("sync_failed = %+v", failed)
	}
}

// TestControlMessages tests that client requests reach OnControl.
func TestControlMessages(t *testing.T) {
	got := make(chan ControlMessage, 4)
	server := startServer(t, &Config{OnControl: func(c ControlMessage) { got <- c }})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, server)

	for _, raw := range []string{
		`{"type":"bogus"}`,
		`not json`,
		`{"type":"connectivity","online":true}`,
		`{"type":"sync"}`,
	} {
		if err := conn.Write(ctx, websocket.MessageText, []byte(raw)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	want := []ControlMessage{{Type: ControlConnectivity, Online: true}, {Type: ControlSync}}
	for _, w := range want {
		select {
		case c := <-got:
			if c != w {
				t.Errorf("control = %+v, want %+v", c, w)
			}
		case <-ctx.Done():
			t.Fatal("control message not delivered")
		}
	}
}

// TestHealthAndStats tests the HTTP endpoints.
func TestHealthAndStats(t *testing.T) {
	server := startServer(t, &Config{Snapshot: func() StatsData { return StatsData{Folders: 2} }})

	resp, err := http.Get("http://" + server.GetAddr() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil || health["status"] != "ok" {
		t.Errorf("health = %v, %v", health, err)
	}

	resp2, err := http.Get("http://" + server.GetAddr() + "/stats")
	if err != nil {
		t.Fatal(err)
	}
	defer resp2.Body.Close()
	var stats StatsData
	if err := json.NewDecoder(resp2.Body).Decode(&stats); err != nil || stats.Folders != 2 {
		t.Errorf("stats = %+v, %v", stats, err)
	}
}

// TestServerStop tests that clients are disconnected on shutdown.
func TestServerStop(t *testing.T) {
	config := &Config{Port: 0, Logger: log.New(io.Discard, "", 0)}
	server := NewServer(config)
	if err := server.Start(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()
	waitForClients(t, server, 1)

	if err := server.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if server.ClientCount() != 0 {
		t.Errorf("clients after stop = %d", server.ClientCount())
	}
}

package connection

import (
	"context"
	"encoding/json"
	"net"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) StatusMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var msg StatusMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("invalid status payload %q: %v", payload, err)
	}
	return msg
}

func waitClients(t *testing.T, h *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for h.Clients() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", h.Clients(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestHub_BroadcastsStatus(t *testing.T) {
	h := NewHub(Options{RequireClients: true})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	if h.Online() {
		t.Error("hub without clients should be offline")
	}

	a := dial(t, wsURL(srv.URL))
	b := dial(t, wsURL(srv.URL))

	// Each client first receives the current status.
	for _, c := range []*websocket.Conn{a, b} {
		if msg := readStatus(t, c); msg.Status != "Idle" || msg.Type != "status" {
			t.Errorf("initial message = %+v", msg)
		}
	}
	waitClients(t, h, 2)
	if !h.Online() {
		t.Error("hub with clients should be online")
	}

	h.Notify("Error", "sim-1", "map download failed")
	for _, c := range []*websocket.Conn{a, b} {
		msg := readStatus(t, c)
		if msg.Status != "Error" || msg.SimulationID != "sim-1" || msg.Message != "map download failed" {
			t.Errorf("message = %+v", msg)
		}
	}
	if h.Last().Status != "Error" {
		t.Errorf("Last() = %+v", h.Last())
	}

	// A late client sees the latest status.
	c := dial(t, wsURL(srv.URL))
	if msg := readStatus(t, c); msg.Status != "Error" {
		t.Errorf("late client status = %q", msg.Status)
	}
}

func TestHub_ClientDisconnect(t *testing.T) {
	h := NewHub(Options{RequireClients: true})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, wsURL(srv.URL))
	readStatus(t, conn)
	waitClients(t, h, 1)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()
	waitClients(t, h, 0)

	// Notifying with nobody attached is harmless.
	h.Notify("Idle", "", "")
	if h.Online() {
		t.Error("hub should be offline after the last client left")
	}
}

func TestHub_ForcedOffline(t *testing.T) {
	h := NewHub(Options{Offline: true})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, wsURL(srv.URL))
	readStatus(t, conn)
	waitClients(t, h, 1)
	if h.Online() {
		t.Error("Online() should be false when forced offline")
	}
}

func TestHub_OnlineWithoutClients(t *testing.T) {
	if !NewHub(Options{}).Online() {
		t.Error("hub should be online by default even with no clients")
	}
	if NewHub(Options{Offline: true, RequireClients: false}).Online() {
		t.Error("Offline should win over the default")
	}
}

func TestHub_Attention(t *testing.T) {
	h := NewHub(Options{})
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	conn := dial(t, wsURL(srv.URL))
	readStatus(t, conn)
	waitClients(t, h, 1)

	h.Notify("Running", "sim-7", "")
	readStatus(t, conn)

	h.Attention("sim-7")
	msg := readStatus(t, conn)
	if msg.Type != "attention" || msg.Status != "Running" || msg.SimulationID != "sim-7" {
		t.Errorf("attention message = %+v", msg)
	}
	if last := h.Last(); last.Type != "status" || last.Status != "Running" {
		t.Errorf("Last() after Attention = %+v, want the Running status", last)
	}

	// Late clients get the status, not the attention request.
	late := dial(t, wsURL(srv.URL))
	if msg := readStatus(t, late); msg.Type != "status" {
		t.Errorf("late client message type = %q", msg.Type)
	}
}

func TestHub_Serve(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	h := NewHub(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- h.Serve(ctx, ln) }()

	conn := dial(t, "ws://"+ln.Addr().String()+Path)
	readStatus(t, conn)
	waitClients(t, h, 1)

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if h.Clients() != 0 {
		t.Errorf("clients after shutdown = %d", h.Clients())
	}
}

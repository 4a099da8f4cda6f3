package web

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestWebSocketReceivesBroadcast(t *testing.T) {
	s, _ := newTestServer(t)

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give handleWebSocket a moment to register the client.
	deadline := time.Now().Add(time.Second)
	for {
		s.wsMu.Lock()
		n := len(s.wsClients)
		s.wsMu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.broadcast(WSMessage{Type: "verification", Data: map[string]string{"ip": "10.0.0.1"}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg WSMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "verification" {
		t.Fatalf("unexpected message type %q", msg.Type)
	}
}

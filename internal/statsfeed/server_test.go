package statsfeed

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestServerPushesSnapshotsUntilClientDisconnects(t *testing.T) {
	calls := 0
	srv := NewServer("127.0.0.1:0", 20*time.Millisecond, func() Snapshot {
		calls++
		return Snapshot{SRTTMillis: 42}
	})

	httpSrv := httptest.NewServer(http.HandlerFunc(srv.handleWebSocket))
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	var got Snapshot
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read first snapshot: %v", err)
	}
	if got.SRTTMillis != 42 {
		t.Fatalf("srtt_ms = %f, want 42", got.SRTTMillis)
	}

	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read second snapshot: %v", err)
	}
}

func TestStopClosesAllConnections(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	srv := NewServer(addr, 10*time.Millisecond, func() Snapshot { return Snapshot{} })
	srv.Start()

	// Give the listener a moment to come up before dialing.
	var conn *websocket.Conn
	for i := 0; i < 20; i++ {
		conn, _, err = websocket.DefaultDialer.Dial("ws://"+addr+"/stats", nil)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the connection to be closed after Stop")
	}
}

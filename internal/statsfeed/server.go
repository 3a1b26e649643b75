// Package statsfeed serves a live JSON snapshot of transport
// statistics over WebSocket, so an external dashboard can watch a
// running duolink-send/duolink-recv process without polling
// Prometheus. It never touches sender or receiver state directly: the
// caller supplies a SnapshotFunc that reads the already-synchronized
// stats snapshot.
package statsfeed

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"
)

// Snapshot is the JSON shape pushed to every connected client.
type Snapshot struct {
	SRTTMillis   float64 `json:"srtt_ms"`
	RTTVarMillis float64 `json:"rttvar_ms"`
	RTOMillis    float64 `json:"rto_ms"`

	SendWindowOccupancy int `json:"send_window_occupancy"`
	ReorderOccupancy    int `json:"reorder_buffer_occupancy"`

	TimeoutRetransmits uint64 `json:"timeout_retransmits"`
	FastRetransmits    uint64 `json:"fast_retransmits"`
	MalformedDropped   uint64 `json:"malformed_dropped"`
	ChecksumDropped    uint64 `json:"checksum_dropped"`

	ReliablePacketsSent     uint64 `json:"reliable_packets_sent"`
	ReliablePacketsReceived uint64 `json:"reliable_packets_received"`
	UnreliablePacketsSent   uint64 `json:"unreliable_packets_sent"`
	UnreliablePacketsRecvd  uint64 `json:"unreliable_packets_received"`
}

// SnapshotFunc returns the current stats snapshot. Called once per
// connected client per push interval; must be safe for concurrent use.
type SnapshotFunc func() Snapshot

// Server pushes a Snapshot to every connected WebSocket client at a
// fixed interval until that client disconnects.
type Server struct {
	interval time.Duration
	snapshot SnapshotFunc

	upgrader websocket.Upgrader
	httpSrv  *http.Server

	conns  sync.Map // *websocket.Conn -> struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// group coalesces snapshot builds when several clients' push tickers
	// land in the same instant, so a dashboard with many viewers costs
	// one snapshot call per tick rather than one per viewer.
	group singleflight.Group
}

// NewServer returns a stats feed listening on addr, pushing at
// interval, once Start is called.
func NewServer(addr string, interval time.Duration, snapshot SnapshotFunc) *Server {
	s := &Server{
		interval: interval,
		snapshot: snapshot,
		stopCh:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleWebSocket)
	s.httpSrv = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Start launches the HTTP/WebSocket server in the background.
func (s *Server) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// No upstream caller is watching startup errors for an
			// ambient, optional dashboard feed.
		}
	}()
}

// Stop closes every client connection and shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	s.conns.Range(func(key, _ interface{}) bool {
		conn := key.(*websocket.Conn)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		conn.Close()
		return true
	})
	err := s.httpSrv.Shutdown(ctx)
	s.wg.Wait()
	return err
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	// A reader goroutine is the only way to notice the client closing
	// the connection from its end while we're busy pushing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-closed:
			return
		case <-ticker.C:
			snap, _, _ := s.group.Do("snapshot", func() (interface{}, error) {
				return s.snapshot(), nil
			})
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(snap); err != nil {
				return
			}
		}
	}
}

// Package duolink implements the dual-channel UDP transport: a
// selective-repeat, SACK-assisted reliable byte stream multiplexed
// with a fire-and-forget unreliable datagram path over one UDP
// 5-tuple. Transport is the single exported type; everything else
// lives under internal/ and is driven exclusively through it.
package duolink

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net"
	"time"

	"github.com/relaygg/duolink/internal/clock"
	"github.com/relaygg/duolink/internal/relrecv"
	"github.com/relaygg/duolink/internal/relsend"
	"github.com/relaygg/duolink/internal/statsfeed"
	"github.com/relaygg/duolink/internal/unreliable"
	"github.com/relaygg/duolink/internal/wire"
)

var (
	ErrInvalidArgument  = errors.New("duolink: invalid argument")
	ErrAlreadyBound     = errors.New("duolink: already bound")
	ErrAlreadyConnected = errors.New("duolink: already connected")
	ErrNotConnected     = errors.New("duolink: not connected")
	ErrClosed           = errors.New("duolink: transport closed")
	ErrDrainTimeout     = errors.New("duolink: drain deadline exceeded")
)

// MetricsSink is the narrow interface the sender and receiver push
// updates through; *metrics.Collector satisfies it structurally, kept
// here only as the type WithMetrics needs, so this package never imports
// internal/metrics and the dependency points the other way.
type MetricsSink interface {
	relsend.Sink
	relrecv.Sink
	ObserveRTO(time.Duration)
	ObserveRTTVar(time.Duration)
	IncMalformed()
	IncChecksumDrop()
	IncPacketsSent(channel string)
	IncPacketsReceived(channel string)
}

// drainSlice is the bounded poll slice Drain uses while the sender's
// in-flight window empties, per spec §5.
const drainSlice = 50 * time.Millisecond

// Stats is the read-only snapshot returned by Transport.Stats, unifying
// the sender, receiver, and unreliable path counters for the ambient
// Metrics/Stats Feed components.
type Stats struct {
	Sender     relsend.Stats
	Receiver   relrecv.Stats
	Unreliable unreliable.Stats

	SRTT   time.Duration
	RTTVar time.Duration
	RTO    time.Duration

	MalformedDropped uint64
	ChecksumDropped  uint64
}

// Transport is the public surface of the engine: one UDP endpoint
// multiplexing a reliable in-order stream and an unreliable
// fire-and-forget path. All mutable state is reachable only through
// it; it is not safe for concurrent use by multiple goroutines, per
// spec §5's single-threaded cooperative model.
type Transport struct {
	window       uint32
	probReliable float64
	sackEnabled  bool
	mss          int
	verbose      bool

	clk       clock.Source
	estimator *clock.Estimator
	sender    *relsend.Sender
	receiver  *relrecv.Receiver
	unrel     *unreliable.Path

	rng *rand.Rand

	conn       net.PacketConn
	remoteAddr net.Addr
	connected  bool
	closed     bool

	recvLeftover []byte

	metrics   MetricsSink
	statsFeed *statsfeed.Server

	malformedDropped uint64
	checksumDropped  uint64
}

// Option configures optional fields at construction. Most callers only
// need New's three positional parameters; Option exists for the
// ambient collaborators and knobs that don't belong in every call site.
type Option func(*Transport)

// WithMSS overrides the default maximum segment size (1024 bytes).
func WithMSS(mss int) Option {
	return func(t *Transport) { t.mss = mss }
}

// WithSACK turns SACK feedback on or off; it defaults to on.
func WithSACK(enabled bool) Option {
	return func(t *Transport) { t.sackEnabled = enabled }
}

// WithRand overrides the RNG used for per-segment channel assignment.
// Tests that need deterministic routing between the reliable and
// unreliable channels should pass a seeded *rand.Rand here — the
// package never reaches for a global random source.
func WithRand(rng *rand.Rand) Option {
	return func(t *Transport) { t.rng = rng }
}

// WithClock overrides the monotonic time source; production callers
// never need this, tests that want to control RTO/deadline math do.
func WithClock(src clock.Source) Option {
	return func(t *Transport) { t.clk = src }
}

// WithMetrics attaches a metrics sink at construction. A nil sink (the
// default, if this option is never passed) must not change behavior —
// the sender and receiver simply never call it.
func WithMetrics(sink MetricsSink) Option {
	return func(t *Transport) { t.metrics = sink }
}

// WithConn supplies an already-bound net.PacketConn instead of letting
// Bind create one. Tests use this to run the transport over a
// lossnet.Shim; production callers should use Bind instead.
func WithConn(conn net.PacketConn) Option {
	return func(t *Transport) { t.conn = conn }
}

// New returns a transport with a fresh, unbound, unconnected UDP
// endpoint. window bounds the reliable channel's in-flight segment
// count and must stay below 2^30 per spec §3's modular sequence
// arithmetic; probReliable is the per-segment draw threshold described
// in §4.6.
func New(window uint32, probReliable float64, verbose bool, opts ...Option) (*Transport, error) {
	if window < 1 || window >= 1<<30 {
		return nil, fmt.Errorf("%w: window must be in [1, 2^30), got %d", ErrInvalidArgument, window)
	}
	if probReliable < 0 || probReliable > 1 {
		return nil, fmt.Errorf("%w: prob_reliable must be in [0, 1], got %f", ErrInvalidArgument, probReliable)
	}

	t := &Transport{
		window:       window,
		probReliable: probReliable,
		sackEnabled:  true,
		mss:          wire.DefaultMSS,
		verbose:      verbose,
		clk:          clock.NewSystem(),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(t)
	}

	// Sequence numbering starts at zero on both channels: the protocol
	// has no handshake to negotiate an initial sequence, so a fixed,
	// well-known start is the only way the two independently-created
	// endpoints agree on numbering (spec §9's Non-goals rule out
	// connection setup entirely).
	t.estimator = clock.NewEstimator()
	t.sender = relsend.New(window, 0, t.estimator)
	t.receiver = relrecv.New(window, 0, t.sackEnabled)
	t.unrel = unreliable.New(0)

	if t.metrics != nil {
		t.sender.SetSink(t.metrics)
		t.receiver.SetSink(t.metrics)
	}

	if t.verbose {
		log.Printf("[duolink] new transport window=%d prob_reliable=%.2f sack=%v mss=%d",
			window, probReliable, t.sackEnabled, t.mss)
	}
	return t, nil
}

// Bind opens the UDP socket and binds it to a local address.
func (t *Transport) Bind(addr string) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn != nil {
		return ErrAlreadyBound
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("duolink: bind %s: %w", addr, err)
	}
	t.conn = conn
	if t.verbose {
		log.Printf("[duolink] bound on %s", conn.LocalAddr())
	}
	return nil
}

// Connect fixes the remote peer address. It lazily binds an ephemeral
// local socket first if Bind was never called, matching the teacher's
// connect-without-bind convenience for client-side use.
func (t *Transport) Connect(addr string) error {
	if t.closed {
		return ErrClosed
	}
	if t.connected {
		return ErrAlreadyConnected
	}
	if t.conn == nil {
		if err := t.Bind("127.0.0.1:0"); err != nil {
			return err
		}
	}
	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("duolink: resolve %s: %w", addr, err)
	}
	t.remoteAddr = raddr
	t.connected = true
	if t.verbose {
		log.Printf("[duolink] connect -> %s", addr)
	}
	return nil
}

// AttachStatsFeed starts a WebSocket stats feed pushing this
// transport's Stats at interval. The returned server's lifecycle
// (Stop) is the caller's responsibility; Transport.Close does not stop
// it, since it may outlive a single connection during a restart.
func (t *Transport) AttachStatsFeed(addr string, interval time.Duration) *statsfeed.Server {
	srv := statsfeed.NewServer(addr, interval, t.snapshot)
	srv.Start()
	t.statsFeed = srv
	return srv
}

// Send cuts data into MSS-sized segments, assigning each independently
// to the reliable or unreliable channel per the prob_reliable draw
// (spec §4.6). It returns the number of bytes accepted, which may be
// less than len(data) if the reliable window fills mid-call; the
// caller should retry the remainder on a later call.
func (t *Transport) Send(data []byte) (int, error) {
	if t.closed {
		return 0, ErrClosed
	}
	if !t.connected {
		return 0, ErrNotConnected
	}

	accepted := 0
	for len(data) > 0 {
		n := len(data)
		if n > t.mss {
			n = t.mss
		}
		chunk := data[:n]

		if t.rng.Float64() < t.probReliable {
			if _, ok := t.sender.Enqueue(chunk); !ok {
				break
			}
		} else {
			seq := t.unrel.NextSeq()
			if err := t.writeDataPacket(wire.ChannelUnreliable, seq, chunk); err != nil {
				return accepted, fmt.Errorf("duolink: send: %w", err)
			}
		}
		accepted += n
		data = data[n:]
	}
	return accepted, nil
}

// Recv returns up to maxBytes of the reliable channel's delivered,
// in-order byte stream; it never blocks and may return zero bytes.
func (t *Transport) Recv(maxBytes int) ([]byte, error) {
	if t.closed {
		return nil, ErrClosed
	}
	if delivered := t.receiver.PopDelivered(); len(delivered) > 0 {
		t.recvLeftover = append(t.recvLeftover, delivered...)
	}
	if len(t.recvLeftover) == 0 || maxBytes <= 0 {
		return nil, nil
	}

	n := len(t.recvLeftover)
	if n > maxBytes {
		n = maxBytes
	}
	out := append([]byte(nil), t.recvLeftover[:n]...)
	t.recvLeftover = t.recvLeftover[n:]
	return out, nil
}

// RecvUnreliable drains the datagrams delivered so far on the
// unreliable channel, in arrival order with no deduplication, per spec
// §4.5. It is a pragmatic addition beyond §6's table: the unreliable
// delivery queue the spec describes needs some retrieval operation,
// and the reliable channel's byte-stream Recv cannot carry it without
// breaking message boundaries the unreliable path is meant to keep.
func (t *Transport) RecvUnreliable() [][]byte {
	if t.closed {
		return nil
	}
	return t.unrel.PopDelivered()
}

// Poll drives one step of the cooperative event loop: transmit due
// reliable segments, read incoming datagrams for up to timeout,
// classify and route them, and flush any feedback the receiver
// produced. It is the only operation that blocks, and only up to
// timeout.
func (t *Transport) Poll(timeout time.Duration) error {
	if t.closed {
		return ErrClosed
	}
	if t.conn == nil {
		return ErrNotConnected
	}

	now := t.clk.NowMs()

	for _, seg := range t.sender.DueForTransmission(now) {
		if err := t.writeDataPacket(wire.ChannelReliable, seg.Seq, seg.Payload); err != nil {
			return fmt.Errorf("duolink: poll: transmit: %w", err)
		}
		t.sender.MarkTransmitted(seg, now)
	}

	deadline := time.Now().Add(timeout)
	var feedback []wire.Packet
	buf := make([]byte, wire.MaxDatagramSize)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := t.conn.SetReadDeadline(deadline); err != nil {
			return fmt.Errorf("duolink: poll: %w", err)
		}
		n, src, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				break
			}
			return fmt.Errorf("duolink: poll: read: %w", err)
		}

		var pkt wire.Packet
		if err := wire.Decode(buf[:n], &pkt); err != nil {
			if errors.Is(err, wire.ErrChecksum) {
				t.checksumDropped++
				if t.metrics != nil {
					t.metrics.IncChecksumDrop()
				}
			} else {
				t.malformedDropped++
				if t.metrics != nil {
					t.metrics.IncMalformed()
				}
			}
			continue
		}

		if t.remoteAddr == nil && pkt.Type == wire.TypeData {
			// A bound-but-not-connected receiver learns its peer from
			// the first inbound DATA frame, so a listener can be
			// brought up before its sender.
			t.remoteAddr = src
			t.connected = true
		}

		switch pkt.Type {
		case wire.TypeData:
			if pkt.Channel == wire.ChannelReliable {
				fb := t.receiver.OnData(pkt.Seq, pkt.Payload, now)
				feedback = append(feedback, feedbackPacket(fb, now, pkt.Timestamp))
				if t.metrics != nil {
					t.metrics.IncPacketsReceived("reliable")
				}
			} else {
				t.unrel.Deliver(pkt.Payload)
				if t.metrics != nil {
					t.metrics.IncPacketsReceived("unreliable")
				}
			}

		case wire.TypeAck, wire.TypeSack:
			t.sender.NoteRemoteWindow(pkt.RecvWindow)
			// OnAck feeds any RTT sample straight into the estimator;
			// the sample itself is only useful to callers that want to
			// log or report it, which this loop doesn't.
			t.sender.OnAck(pkt.AckNo, now)
			if pkt.Type == wire.TypeSack {
				if repaired := t.sender.OnSack(pkt.SackBlocks, now); repaired != nil {
					if err := t.writeDataPacket(wire.ChannelReliable, repaired.Seq, repaired.Payload); err != nil {
						return fmt.Errorf("duolink: poll: fast repair: %w", err)
					}
				}
			}
			if t.metrics != nil {
				t.metrics.IncPacketsReceived("reliable")
			}
		}
	}

	for i := range feedback {
		if err := t.writePacket(&feedback[i]); err != nil {
			return fmt.Errorf("duolink: poll: feedback: %w", err)
		}
	}

	if t.metrics != nil {
		t.metrics.ObserveRTO(t.estimator.RTO())
		t.metrics.ObserveRTTVar(t.estimator.RTTVar())
	}
	return nil
}

// Drain repeatedly polls with a bounded slice until the reliable
// sender's in-flight window empties or deadline passes, per spec §5.
// A zero deadline means no time limit.
func (t *Transport) Drain(deadline time.Time) error {
	if t.closed {
		return ErrClosed
	}
	for !t.sender.Drained() {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return ErrDrainTimeout
		}
		if err := t.Poll(drainSlice); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the socket. Any subsequent Send/Recv/Poll fails with
// ErrClosed; in-flight reliable segments are dropped without notifying
// the peer, who will observe the loss as a timeout.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	if t.conn != nil {
		err := t.conn.Close()
		t.conn = nil
		return err
	}
	return nil
}

// Stats returns a snapshot of sender, receiver, unreliable-path, and
// clock counters, for callers that want them without going through
// Metrics or the Stats Feed.
func (t *Transport) Stats() Stats {
	return Stats{
		Sender:           t.sender.Snapshot(),
		Receiver:         t.receiver.Snapshot(),
		Unreliable:       t.unrel.Snapshot(),
		SRTT:             t.estimator.SRTT(),
		RTTVar:           t.estimator.RTTVar(),
		RTO:              t.estimator.RTO(),
		MalformedDropped: t.malformedDropped,
		ChecksumDropped:  t.checksumDropped,
	}
}

func (t *Transport) snapshot() statsfeed.Snapshot {
	st := t.Stats()
	return statsfeed.Snapshot{
		SRTTMillis:              float64(st.SRTT.Microseconds()) / 1000,
		RTTVarMillis:            float64(st.RTTVar.Microseconds()) / 1000,
		RTOMillis:               float64(st.RTO.Microseconds()) / 1000,
		SendWindowOccupancy:     st.Sender.InFlightBytes,
		ReorderOccupancy:        st.Receiver.ReorderOccupied,
		TimeoutRetransmits:      st.Sender.TimeoutRetx,
		FastRetransmits:         st.Sender.FastRetx,
		MalformedDropped:        st.MalformedDropped,
		ChecksumDropped:         st.ChecksumDropped,
		ReliablePacketsSent:     st.Sender.SegmentsSent,
		ReliablePacketsReceived: st.Receiver.Delivered,
		UnreliablePacketsSent:   st.Unreliable.Sent,
		UnreliablePacketsRecvd:  st.Unreliable.Received,
	}
}

func (t *Transport) writeDataPacket(channel wire.ChannelType, seq uint32, payload []byte) error {
	pkt := wire.Packet{
		Type:      wire.TypeData,
		Channel:   channel,
		Seq:       seq,
		Timestamp: t.clk.NowMs(),
		Payload:   payload,
	}
	if err := t.writePacket(&pkt); err != nil {
		return err
	}
	if t.metrics != nil {
		t.metrics.IncPacketsSent(channelLabel(channel))
	}
	return nil
}

func (t *Transport) writePacket(pkt *wire.Packet) error {
	buf := make([]byte, pkt.EncodedLen())
	n, err := wire.Encode(buf, pkt)
	if err != nil {
		return err
	}
	_, err = t.conn.WriteTo(buf[:n], t.remoteAddr)
	return err
}

func feedbackPacket(fb relrecv.Feedback, now uint32, echoTimestamp uint32) wire.Packet {
	pkt := wire.Packet{
		Channel:       wire.ChannelReliable,
		Timestamp:     now,
		AckNo:         fb.AckNo,
		RecvWindow:    fb.RecvWindow,
		EchoTimestamp: echoTimestamp,
	}
	if len(fb.Blocks) == 0 {
		pkt.Type = wire.TypeAck
	} else {
		pkt.Type = wire.TypeSack
		pkt.SackBlocks = fb.Blocks
	}
	return pkt
}

func channelLabel(c wire.ChannelType) string {
	if c == wire.ChannelReliable {
		return "reliable"
	}
	return "unreliable"
}

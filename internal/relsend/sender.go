// Package relsend implements the reliable channel's sender state
// machine: the in-flight window, per-segment retransmission timers,
// RTO-driven and SACK-driven repair. It holds no socket and no
// goroutines — the caller (the transport facade) drives it once per
// poll step and feeds it ACK/SACK feedback as it arrives.
package relsend

import (
	"time"

	"github.com/relaygg/duolink/internal/clock"
	"github.com/relaygg/duolink/internal/wire"
)

// Segment is one reliable-channel payload awaiting or pending
// acknowledgement, per spec's sender-side Segment data model.
type Segment struct {
	Seq         uint32
	Payload     []byte
	FirstSentAt uint32 // ms; only meaningful once everSent is true (0 is a valid send time)
	everSent    bool
	LastSentAt  uint32
	Deadline    uint32
	Timeout     time.Duration // this segment's current, possibly backed-off, timeout
	RetxCount   int
	Acked       bool // SACKed; cumulatively acked segments are removed from the map instead
}

// Stats is a read-only snapshot of sender-side counters.
type Stats struct {
	SendBase        uint32
	NextSeq         uint32
	InFlightBytes   int
	BufferedBytes   int
	SegmentsSent    uint64
	TimeoutRetx     uint64
	FastRetx        uint64
	BytesAcked      uint64
	DuplicateAcks   uint64
	ZeroWindowStall bool
}

// Sink receives narrow, fire-and-forget notifications of sender events.
// A *metrics.Collector satisfies this structurally; the sender never
// imports the metrics package, so attaching one is optional by
// construction — a nil sink (the zero value) is simply never called.
type Sink interface {
	ObserveRTT(time.Duration)
	IncTimeoutRetx()
	IncFastRetx()
	SetSendWindowOccupancy(int)
}

// Sender is the reliable channel's sender. All sequence arithmetic is
// modular per spec §3; window must stay below 2^30 to keep comparisons
// unambiguous, which the caller enforces at construction.
type Sender struct {
	window   uint32
	sendBase uint32
	nextSeq  uint32

	segments map[uint32]*Segment
	order    []uint32 // ascending seq, sendBase..nextSeq-1, for deterministic scans

	estimator *clock.Estimator
	sink      Sink

	remoteWindow    uint32 // last advertised recv_window; MaxUint32 until told otherwise
	zeroWindowSince uint32
	probeDeadline   uint32

	stats Stats
}

const noRemoteWindowLimit = ^uint32(0)

// New returns a sender whose first segment will carry seq_no startSeq.
func New(window uint32, startSeq uint32, estimator *clock.Estimator) *Sender {
	return &Sender{
		window:       window,
		sendBase:     startSeq,
		nextSeq:      startSeq,
		segments:     make(map[uint32]*Segment),
		estimator:    estimator,
		remoteWindow: noRemoteWindowLimit,
	}
}

// SetSink attaches a metrics sink; pass nil to detach. Safe to call at
// any point in the sender's lifetime.
func (s *Sender) SetSink(sink Sink) {
	s.sink = sink
}

// Enqueue appends a new unsent segment, refusing if the in-flight
// window is already full (invariant I1: at most W unacknowledged
// segments between send_base and next_seq).
func (s *Sender) Enqueue(payload []byte) (seq uint32, ok bool) {
	if s.nextSeq-s.sendBase >= s.window {
		return 0, false
	}
	seq = s.nextSeq
	seg := &Segment{Seq: seq, Payload: append([]byte(nil), payload...)}
	s.segments[seq] = seg
	s.order = append(s.order, seq)
	s.nextSeq++
	s.stats.BufferedBytes += len(payload)
	return seq, true
}

// DueForTransmission returns the segments the caller should encode and
// send this poll step: never-sent segments (unless a zero-window stall
// is in effect) and reliable segments whose deadline has passed
// (timeout retransmission, or zero-window probing).
func (s *Sender) DueForTransmission(now uint32) []*Segment {
	var due []*Segment
	probing := s.remoteWindow == 0
	for _, seq := range s.order {
		seg := s.segments[seq]
		if seg == nil || seg.Acked {
			continue
		}
		switch {
		case !seg.everSent:
			if probing {
				continue // new sends pause under a zero window
			}
			due = append(due, seg)
		case seqBeforeOrEq(seg.Deadline, now):
			due = append(due, seg)
		}
	}
	return due
}

// MarkTransmitted records that seg was just handed to the socket.
// Whether seg was ever sent before distinguishes a timeout/probe
// retransmission from a first send, so FirstSentAt and RetxCount
// update correctly.
func (s *Sender) MarkTransmitted(seg *Segment, now uint32) {
	if !seg.everSent {
		seg.FirstSentAt = now
		seg.everSent = true
		seg.Timeout = s.estimator.RTO()
		s.stats.SegmentsSent++
	} else {
		seg.RetxCount++
		seg.Timeout = clock.Backoff(seg.Timeout)
		s.stats.TimeoutRetx++
		if s.sink != nil {
			s.sink.IncTimeoutRetx()
		}
	}
	seg.LastSentAt = now
	seg.Deadline = now + uint32(seg.Timeout/time.Millisecond)
	if s.sink != nil {
		s.sink.SetSendWindowOccupancy(len(s.segments))
	}
}

// OnAck processes a cumulative ACK, feeding any RTT sample straight
// into the estimator — per Karn's algorithm, only from the segment at
// ack-1 when that segment was never retransmitted. It also returns the
// sample and whether one was taken, for callers that only want to log
// or report it.
func (s *Sender) OnAck(ackNo uint32, now uint32) (rtt time.Duration, hasSample bool) {
	if !seqAfter(ackNo, s.sendBase) {
		if ackNo == s.sendBase {
			s.stats.DuplicateAcks++
		}
		return 0, false
	}

	for seq := s.sendBase; seq != ackNo; seq++ {
		seg := s.segments[seq]
		if seg == nil {
			continue
		}
		if seq == ackNo-1 && seg.RetxCount == 0 && seg.everSent {
			rtt = time.Duration(now-seg.FirstSentAt) * time.Millisecond
			hasSample = true
		}
		s.stats.BytesAcked += uint64(len(seg.Payload))
		s.stats.BufferedBytes -= len(seg.Payload)
		delete(s.segments, seq)
	}
	s.sendBase = ackNo
	s.trimOrder()
	if hasSample {
		s.estimator.Sample(rtt)
	}
	if s.sink != nil {
		if hasSample {
			s.sink.ObserveRTT(rtt)
		}
		s.sink.SetSendWindowOccupancy(len(s.segments))
	}
	return rtt, hasSample
}

// OnSack marks the segments covered by blocks as acknowledged without
// advancing send_base, then fast-repairs at most one segment below the
// lowest reported block per incoming SACK packet. It returns that
// segment so the caller can re-encode and send it immediately, or nil
// if no fast repair fired.
func (s *Sender) OnSack(blocks []wire.SackBlock, now uint32) *Segment {
	if len(blocks) == 0 {
		return nil
	}
	lowestStart := blocks[0].Start
	for _, b := range blocks {
		if seqBefore(b.Start, lowestStart) {
			lowestStart = b.Start
		}
		for seq := b.Start; seq != b.End; seq++ {
			seg := s.segments[seq]
			if seg != nil && !seg.Acked {
				seg.Acked = true
			}
		}
	}

	for seq := s.sendBase; seqBefore(seq, lowestStart); seq++ {
		seg := s.segments[seq]
		if seg == nil || seg.Acked {
			continue
		}
		s.stats.FastRetx++
		seg.RetxCount++
		seg.Timeout = clock.Backoff(segTimeoutOrRTO(seg, s.estimator))
		seg.LastSentAt = now
		seg.Deadline = now + uint32(seg.Timeout/time.Millisecond)
		if s.sink != nil {
			s.sink.IncFastRetx()
		}
		return seg
	}
	return nil
}

// NoteRemoteWindow records the peer's last advertised recv_window.
func (s *Sender) NoteRemoteWindow(w uint16) {
	s.remoteWindow = uint32(w)
}

// Drained reports whether every enqueued segment has been cumulatively
// acknowledged, the termination condition for drain().
func (s *Sender) Drained() bool {
	return s.sendBase == s.nextSeq
}

// NextSeq and SendBase expose the window edges for the facade's packet
// construction and for tests asserting invariant I1.
func (s *Sender) NextSeq() uint32  { return s.nextSeq }
func (s *Sender) SendBase() uint32 { return s.sendBase }

// InFlight returns the count of segments between send_base and
// next_seq that are not yet cumulatively acknowledged (unsent, in
// flight, or SACKed but not retired), for property P3.
func (s *Sender) InFlight() int {
	return len(s.segments)
}

func (s *Sender) trimOrder() {
	i := 0
	for i < len(s.order) && seqBefore(s.order[i], s.sendBase) {
		i++
	}
	s.order = s.order[i:]
}

// Snapshot returns a copy of the sender's statistics.
func (s *Sender) Snapshot() Stats {
	st := s.stats
	st.SendBase = s.sendBase
	st.NextSeq = s.nextSeq
	st.ZeroWindowStall = s.remoteWindow == 0
	inFlight := 0
	for _, seg := range s.segments {
		if seg.everSent && !seg.Acked {
			inFlight += len(seg.Payload)
		}
	}
	st.InFlightBytes = inFlight
	return st
}

func segTimeoutOrRTO(seg *Segment, e *clock.Estimator) time.Duration {
	if seg.Timeout > 0 {
		return seg.Timeout
	}
	return e.RTO()
}

// seqBefore, seqAfter, seqBeforeOrEq implement the modular ("serial
// number") comparisons required by spec §3: a < b iff (b-a) mod 2^32
// lies in (0, 2^31).
func seqBefore(a, b uint32) bool {
	d := b - a
	return d != 0 && d < 1<<31
}

func seqAfter(a, b uint32) bool {
	return seqBefore(b, a)
}

func seqBeforeOrEq(a, b uint32) bool {
	return a == b || seqBefore(a, b)
}

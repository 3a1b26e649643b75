// Package relrecv implements the reliable channel's receiver state
// machine: the out-of-order reorder buffer, contiguous delivery, and
// the cumulative/SACK feedback builder.
package relrecv

import (
	"sort"

	"github.com/relaygg/duolink/internal/wire"
)

// SackMax is the default cap on SACK blocks emitted per feedback
// packet, per spec §4.4.
const SackMax = 4

type slot struct {
	payload  []byte
	insertAt uint32
}

// Feedback is what the receiver wants sent back after processing one
// DATA packet; the facade turns it into a wire ACK or SACK.
type Feedback struct {
	AckNo      uint32
	RecvWindow uint16
	Blocks     []wire.SackBlock
}

// Stats is a read-only snapshot of receiver-side counters.
type Stats struct {
	RcvBase        uint32
	Delivered      uint64
	Duplicates     uint64
	OutOfOrder     uint64
	ReorderOccupied int
}

// Sink receives narrow, fire-and-forget notifications of receiver
// events. A *metrics.Collector satisfies this structurally; the
// receiver never imports the metrics package.
type Sink interface {
	SetReorderOccupancy(int)
	IncSackBlocksEmitted(int)
}

// Receiver is the reliable channel's receiver.
type Receiver struct {
	rcvBase     uint32
	windowSize  uint32
	sackEnabled bool

	reorder map[uint32]slot
	deliver []byte

	sink  Sink
	stats Stats
}

// New returns a receiver expecting startSeq next, advertising
// windowSize reorder slots, with SACK feedback enabled or not.
func New(windowSize uint32, startSeq uint32, sackEnabled bool) *Receiver {
	return &Receiver{
		rcvBase:     startSeq,
		windowSize:  windowSize,
		sackEnabled: sackEnabled,
		reorder:     make(map[uint32]slot),
	}
}

// SetSink attaches a metrics sink; pass nil to detach.
func (r *Receiver) SetSink(sink Sink) {
	r.sink = sink
}

// OnData processes one reliable DATA packet's seq/payload and returns
// the feedback the caller should send in response.
func (r *Receiver) OnData(seq uint32, payload []byte, now uint32) Feedback {
	switch {
	case seqBefore(seq, r.rcvBase):
		r.stats.Duplicates++

	case seq == r.rcvBase:
		r.deliver = append(r.deliver, payload...)
		r.stats.Delivered++
		r.rcvBase++
		r.absorbContiguous()

	case seqBefore(seq, r.rcvBase+r.windowSize):
		if _, exists := r.reorder[seq]; !exists {
			r.reorder[seq] = slot{payload: append([]byte(nil), payload...), insertAt: now}
			r.stats.OutOfOrder++
		}

	default:
		// outside the receive window; drop
	}

	fb := r.buildFeedback()
	if r.sink != nil {
		r.sink.SetReorderOccupancy(len(r.reorder))
		if len(fb.Blocks) > 0 {
			r.sink.IncSackBlocksEmitted(len(fb.Blocks))
		}
	}
	return fb
}

func (r *Receiver) absorbContiguous() {
	for {
		s, ok := r.reorder[r.rcvBase]
		if !ok {
			return
		}
		r.deliver = append(r.deliver, s.payload...)
		r.stats.Delivered++
		delete(r.reorder, r.rcvBase)
		r.rcvBase++
	}
}

// PopDelivered returns and clears the bytes ready for the application.
func (r *Receiver) PopDelivered() []byte {
	if len(r.deliver) == 0 {
		return nil
	}
	out := r.deliver
	r.deliver = nil
	return out
}

func (r *Receiver) buildFeedback() Feedback {
	fb := Feedback{AckNo: r.rcvBase, RecvWindow: r.recvWindow()}
	if !r.sackEnabled || len(r.reorder) == 0 {
		return fb
	}
	fb.Blocks = r.sackBlocks()
	return fb
}

type rangeSpan struct {
	start, end uint32
	recency    uint32
}

// sackBlocks merges the reorder buffer's seq keys into closed,
// non-overlapping ranges strictly above rcv_base (invariant I5), then
// orders them most-recently-updated first, then highest-sequence
// first, capping at SackMax.
func (r *Receiver) sackBlocks() []wire.SackBlock {
	seqs := make([]uint32, 0, len(r.reorder))
	for seq := range r.reorder {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqBefore(seqs[i], seqs[j]) })

	var spans []rangeSpan
	for _, seq := range seqs {
		s := r.reorder[seq]
		if n := len(spans); n > 0 && spans[n-1].end == seq {
			spans[n-1].end = seq + 1
			if s.insertAt > spans[n-1].recency {
				spans[n-1].recency = s.insertAt
			}
			continue
		}
		spans = append(spans, rangeSpan{start: seq, end: seq + 1, recency: s.insertAt})
	}

	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].recency != spans[j].recency {
			return spans[i].recency > spans[j].recency
		}
		return seqAfter(spans[i].start, spans[j].start)
	})

	n := len(spans)
	if n > SackMax {
		n = SackMax
	}
	blocks := make([]wire.SackBlock, n)
	for i := 0; i < n; i++ {
		blocks[i] = wire.SackBlock{Start: spans[i].start, End: spans[i].end}
	}
	return blocks
}

func (r *Receiver) recvWindow() uint16 {
	free := r.windowSize - uint32(len(r.reorder))
	if free > 0xFFFF {
		free = 0xFFFF
	}
	return uint16(free)
}

// RcvBase and Snapshot expose read-only state for the
// facade's feedback construction and for tests.
func (r *Receiver) RcvBase() uint32 { return r.rcvBase }

func (r *Receiver) Snapshot() Stats {
	st := r.stats
	st.RcvBase = r.rcvBase
	st.ReorderOccupied = len(r.reorder)
	return st
}

func seqBefore(a, b uint32) bool {
	d := b - a
	return d != 0 && d < 1<<31
}

func seqAfter(a, b uint32) bool {
	return seqBefore(b, a)
}

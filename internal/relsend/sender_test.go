package relsend

import (
	"testing"

	"github.com/relaygg/duolink/internal/clock"
	"github.com/relaygg/duolink/internal/wire"
)

func TestEnqueueRefusesBeyondWindow(t *testing.T) {
	s := New(2, 0, clock.NewEstimator())
	if _, ok := s.Enqueue([]byte("a")); !ok {
		t.Fatal("first enqueue should succeed")
	}
	if _, ok := s.Enqueue([]byte("b")); !ok {
		t.Fatal("second enqueue should succeed")
	}
	if _, ok := s.Enqueue([]byte("c")); ok {
		t.Fatal("third enqueue should be refused, window is full")
	}
}

func TestCumulativeAckRetiresSegmentsAndSamplesRTT(t *testing.T) {
	s := New(8, 0, clock.NewEstimator())
	seq0, _ := s.Enqueue([]byte("x"))
	seq1, _ := s.Enqueue([]byte("y"))

	due := s.DueForTransmission(0)
	if len(due) != 2 {
		t.Fatalf("expected 2 due segments, got %d", len(due))
	}
	for _, seg := range due {
		s.MarkTransmitted(seg, 0)
	}

	rtt, ok := s.OnAck(seq1+1, 50)
	if !ok {
		t.Fatal("expected an RTT sample from the non-retransmitted segment")
	}
	if rtt.Milliseconds() != 50 {
		t.Fatalf("rtt = %v, want 50ms", rtt)
	}
	if !s.Drained() {
		t.Fatal("sender should be drained after both segments are acked")
	}
	_ = seq0
}

func TestDuplicateAckDoesNotAdvanceBase(t *testing.T) {
	s := New(4, 0, clock.NewEstimator())
	s.Enqueue([]byte("a"))
	base := s.SendBase()

	if _, ok := s.OnAck(base, 10); ok {
		t.Fatal("a duplicate ack should not produce an rtt sample")
	}
	if s.SendBase() != base {
		t.Fatalf("send_base moved on a duplicate ack: %d -> %d", base, s.SendBase())
	}
}

func TestSackMarksAckedWithoutAdvancingBase(t *testing.T) {
	s := New(8, 0, clock.NewEstimator())
	s.Enqueue([]byte("a")) // seq 0
	s.Enqueue([]byte("b")) // seq 1
	s.Enqueue([]byte("c")) // seq 2
	for _, seg := range s.DueForTransmission(0) {
		s.MarkTransmitted(seg, 0)
	}

	s.OnSack([]wire.SackBlock{{Start: 2, End: 3}}, 10)

	if s.SendBase() != 0 {
		t.Fatalf("send_base advanced past a hole: %d", s.SendBase())
	}
	if s.InFlight() != 3 {
		t.Fatalf("sacked segments should stay tracked until cumulatively acked, got %d", s.InFlight())
	}
}

func TestSackFastRepairsLowestUnacked(t *testing.T) {
	s := New(8, 0, clock.NewEstimator())
	s.Enqueue([]byte("a")) // seq 0, will be "lost"
	s.Enqueue([]byte("b")) // seq 1, received
	for _, seg := range s.DueForTransmission(0) {
		s.MarkTransmitted(seg, 0)
	}

	repaired := s.OnSack([]wire.SackBlock{{Start: 1, End: 2}}, 100)
	if repaired == nil {
		t.Fatal("expected a fast-repair candidate below the lowest sack block")
	}
	if repaired.Seq != 0 {
		t.Fatalf("fast repair picked seq %d, want 0", repaired.Seq)
	}
	if repaired.RetxCount != 1 {
		t.Fatalf("fast repair should bump retx_count, got %d", repaired.RetxCount)
	}
}

func TestTimeoutRetransmissionDoublesDeadline(t *testing.T) {
	s := New(4, 0, clock.NewEstimator())
	s.Enqueue([]byte("a"))
	seg := s.DueForTransmission(0)[0]
	s.MarkTransmitted(seg, 0)
	firstTimeout := seg.Timeout

	// Advance past the deadline and retransmit.
	due := s.DueForTransmission(uint32(firstTimeout.Milliseconds()) + 1)
	if len(due) != 1 {
		t.Fatalf("expected the expired segment to be due, got %d", len(due))
	}
	s.MarkTransmitted(due[0], uint32(firstTimeout.Milliseconds())+1)
	if due[0].RetxCount != 1 {
		t.Fatalf("retx_count = %d, want 1", due[0].RetxCount)
	}
	if due[0].Timeout <= firstTimeout {
		t.Fatalf("timeout should have doubled: %v -> %v", firstTimeout, due[0].Timeout)
	}
}

func TestZeroWindowPausesNewSendsButProbesInFlight(t *testing.T) {
	s := New(4, 0, clock.NewEstimator())
	s.Enqueue([]byte("a"))
	seg := s.DueForTransmission(0)[0]
	s.MarkTransmitted(seg, 0)

	s.NoteRemoteWindow(0)
	s.Enqueue([]byte("b")) // seq 1, never sent

	due := s.DueForTransmission(uint32(seg.Timeout.Milliseconds()) + 1)
	for _, d := range due {
		if d.Seq == 1 {
			t.Fatal("new segment should not transmit under a zero window")
		}
	}
	found := false
	for _, d := range due {
		if d.Seq == 0 {
			found = true
		}
	}
	if !found {
		t.Fatal("in-flight segment should still probe at the rto deadline")
	}
}

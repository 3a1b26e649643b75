// Package lossnet provides an in-process net.PacketConn shim that
// reproduces packet loss, reordering, and corruption on an otherwise
// ordinary connection. Tests wrap a real (or loopback UDP) PacketConn
// in a Shim to drive the loss/reorder/corruption scenarios of
// spec.md §8 without a real lossy network; the CLI driver's
// --emulate-loss/-reorder/-corrupt flags wrap the same way for manual
// demos.
package lossnet

import (
	"math/rand"
	"net"
	"sync"
)

// Shim wraps a net.PacketConn and independently rolls drop, reorder,
// and corrupt probabilities on each outbound datagram before handing
// it to the underlying connection. Reads pass through unmodified —
// corruption and loss are injected on the sending side, which is
// sufficient to exercise a receiver's handling of both.
type Shim struct {
	net.PacketConn

	rng *rand.Rand

	lossProb    float64
	reorderProb float64
	corruptProb float64

	mu      sync.Mutex
	pending *delayedPacket

	dropped   uint64
	reordered uint64
	corrupted uint64
}

type delayedPacket struct {
	b    []byte
	addr net.Addr
}

// Wrap returns a Shim around conn. Each probability is independent
// and in [0, 1]; rng controls the draws, so a seeded *rand.Rand makes
// a scenario deterministic for tests.
func Wrap(conn net.PacketConn, lossProb, reorderProb, corruptProb float64, rng *rand.Rand) *Shim {
	return &Shim{
		PacketConn:  conn,
		rng:         rng,
		lossProb:    lossProb,
		reorderProb: reorderProb,
		corruptProb: corruptProb,
	}
}

// WriteTo ships b to addr through the shim's loss/reorder/corrupt
// pipeline. Its return value reports on b as the caller sees it —
// accepted for transmission — regardless of whether the shim went on
// to drop, delay, or mangle the bytes actually placed on the wire.
func (s *Shim) WriteTo(b []byte, addr net.Addr) (int, error) {
	if s.rng.Float64() < s.lossProb {
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
		return len(b), nil
	}

	out := append([]byte(nil), b...)
	if len(out) > 0 && s.rng.Float64() < s.corruptProb {
		out[s.rng.Intn(len(out))] ^= 1 << uint(s.rng.Intn(8))
		s.mu.Lock()
		s.corrupted++
		s.mu.Unlock()
	}

	s.mu.Lock()
	if s.rng.Float64() < s.reorderProb {
		prev := s.pending
		s.pending = &delayedPacket{b: out, addr: addr}
		s.reordered++
		if prev == nil {
			s.mu.Unlock()
			return len(b), nil
		}
		out, addr = prev.b, prev.addr
	}
	s.mu.Unlock()

	if _, err := s.PacketConn.WriteTo(out, addr); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Flush releases a held-back reordered packet, if any. Call it once
// the sender has nothing left to send so the last datagram isn't
// stranded indefinitely.
func (s *Shim) Flush() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	_, err := s.PacketConn.WriteTo(pending.b, pending.addr)
	return err
}

// Stats is a read-only snapshot of the shim's injected-fault counters.
type Stats struct {
	Dropped   uint64
	Reordered uint64
	Corrupted uint64
}

func (s *Shim) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Dropped: s.dropped, Reordered: s.reordered, Corrupted: s.corrupted}
}

// UDPPair opens two loopback UDP sockets, each wrapped in a Shim, for
// tests that want a real (if local) datagram path under an emulated
// lossy link. The shims hold no destination; callers address each one
// to the other's LocalAddr.
func UDPPair(lossProb, reorderProb, corruptProb float64, rng *rand.Rand) (a, b *Shim, err error) {
	connA, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		return nil, nil, err
	}
	connB, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		connA.Close()
		return nil, nil, err
	}
	return Wrap(connA, lossProb, reorderProb, corruptProb, rng),
		Wrap(connB, lossProb, reorderProb, corruptProb, rng), nil
}

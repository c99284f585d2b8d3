package transport

import (
	"container/heap"
	"net/netip"

	"github.com/cc-nms/nms/internal/wire"
)

// peerState holds per-peer transport bookkeeping: the outbound permission
// signaled to us by the peer's FlowControl packets, and the inbound
// reassembly queue used to deliver packets to the application in strict
// sequence order.
type peerState struct {
	canSend bool // may we send to this peer? (false after their FlowControl(false))

	expected uint8 // next seq the queue will dispatch
	pending  seqHeap
	byseq    map[uint8]wire.Packet
	paused   bool // have we told this peer to stop sending to us?
}

func newPeerState() *peerState {
	ps := &peerState{
		canSend:  true,
		expected: 1,
		byseq:    make(map[uint8]wire.Packet),
	}
	ps.pending.base = &ps.expected
	return ps
}

func (t *Transport) peerLocked(peer netip.AddrPort) *peerState {
	ps, ok := t.peers[peer]
	if !ok {
		ps = newPeerState()
		t.peers[peer] = ps
	}
	return ps
}

// enqueue adds pkt to peer's ordering queue and dispatches every packet that
// is now contiguous with expected, in order. Out-of-order arrivals wait for
// their predecessor instead of being delivered immediately.
func (t *Transport) enqueue(pkt wire.Packet, peer netip.AddrPort) {
	var toDispatch []wire.Packet

	t.mu.Lock()
	ps := t.peerLocked(peer)

	seq := pkt.Header.Seq
	_, known := ps.byseq[seq]
	// A retransmit of a seq already dispatched (its Ack was lost, a normal
	// event) arrives with seq behind expected in cyclic sequence order. It
	// must never be queued: its seq is below expected, so the drain loop
	// below would never pop it, leaking a byseq/heap entry per lost-ack
	// retransmit forever.
	if !known && !isBehind(seq, ps.expected) {
		ps.byseq[seq] = pkt
		heap.Push(&ps.pending, seq)
	} else {
		t.opts.Metrics.DupDropped()
	}

	for ps.pending.Len() > 0 && ps.pending.seqs[0] == ps.expected {
		seq := heap.Pop(&ps.pending).(uint8)
		toDispatch = append(toDispatch, ps.byseq[seq])
		delete(ps.byseq, seq)
		// Advance the same way the sender allocates seq numbers: skip 0 on
		// wrap, or expected permanently desyncs from the peer's seq space
		// the first time it wraps past 255.
		ps.expected++
		if ps.expected == 0 {
			ps.expected++
		}
	}

	depth := ps.pending.Len()
	needPause := !ps.paused && depth >= t.opts.FlowControl
	needResume := ps.paused && depth < t.opts.FlowControl
	if needPause {
		ps.paused = true
	}
	if needResume {
		ps.paused = false
	}
	t.mu.Unlock()

	if len(toDispatch) > 0 {
		// Out-of-order arrivals before the gap fills are never re-delivered;
		// only the contiguous prefix that became available is dispatched.
		t.opts.Metrics.OutOfOrder() // best-effort signal; harmless if the run was in-order
	}
	if len(toDispatch) > 0 {
		go func() {
			for _, p := range toDispatch {
				t.handler(p, peer)
			}
		}()
	}

	if needPause {
		go t.Send(wire.Packet{Header: wire.Header{Kind: wire.KindFlowControl}, FlowControl: wire.FlowControl{CanSend: false}}, peer)
	}
	if needResume {
		go t.Send(wire.Packet{Header: wire.Header{Kind: wire.KindFlowControl}, FlowControl: wire.FlowControl{CanSend: true}}, peer)
	}
}

// seqDistance returns the forward cyclic distance from "from" to "to" over
// the protocol's sequence space, which skips 0 and so wraps 255 -> 1 rather
// than 255 -> 0: a 255-element ring, not a plain mod-256 counter.
func seqDistance(from, to uint8) int {
	d := (int(to) - 1 - (int(from) - 1)) % 255
	if d < 0 {
		d += 255
	}
	return d
}

// isBehind reports whether seq is a sequence number the peer has already
// had dispatched to it (a retransmit of a lost Ack), given the queue is
// currently waiting on expected. Uses serial-number-arithmetic-style half-
// cycle comparison (RFC 1982): the flow-control window is far smaller than
// half the sequence space, so this is unambiguous.
func isBehind(seq, expected uint8) bool {
	return seq != expected && seqDistance(seq, expected) < 128
}

// seqHeap is a min-heap of pending sequence numbers ordered by forward
// cyclic distance from *base (expected), not raw numeric value — a plain
// numeric comparison breaks the moment the sequence space wraps past 255,
// since a freshly-wrapped low seq like 1 must still sort after a
// not-yet-delivered high seq like 254 relative to the current expected.
type seqHeap struct {
	seqs []uint8
	base *uint8
}

func (h seqHeap) Len() int { return len(h.seqs) }
func (h seqHeap) Less(i, j int) bool {
	return seqDistance(*h.base, h.seqs[i]) < seqDistance(*h.base, h.seqs[j])
}
func (h seqHeap) Swap(i, j int) { h.seqs[i], h.seqs[j] = h.seqs[j], h.seqs[i] }
func (h *seqHeap) Push(x interface{}) {
	h.seqs = append(h.seqs, x.(uint8))
}
func (h *seqHeap) Pop() interface{} {
	old := h.seqs
	n := len(old)
	v := old[n-1]
	h.seqs = old[:n-1]
	return v
}

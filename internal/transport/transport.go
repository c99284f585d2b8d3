// Package transport implements the reliable datagram transport: framing via
// package wire, per-sequence retransmission with bounded retries, cumulative
// sender flow control, and per-peer in-order delivery over a connectionless
// UDP socket.
//
// A single object owns the bound *net.UDPConn, a mutex-guarded map of
// pending state, and VictoriaMetrics counters describing what it has sent
// and received.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/wire"
)

// ErrClosed is returned by Serve once the Transport has been closed. Send
// reports the same condition by returning false.
var ErrClosed = errors.New("transport: closed")

// Handler is invoked once per in-order, checksum-valid, non-Ack, non-
// FlowControl packet received from peer. It runs in its own goroutine, so a
// slow handler for one peer never blocks ordering delivery for another.
type Handler func(pkt wire.Packet, peer netip.AddrPort)

// Options configures a Transport. Zero values fall back to the
// defaults (2s / 3 retries / window of 20).
type Options struct {
	RetransmissionTimeout time.Duration
	MaxRetries            int
	FlowControl           int
	Logger                zerolog.Logger
	Metrics               *metricsx.Transport
}

func (o Options) withDefaults() Options {
	if o.RetransmissionTimeout <= 0 {
		o.RetransmissionTimeout = 2 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.FlowControl <= 0 {
		o.FlowControl = 20
	}
	if o.Metrics == nil {
		o.Metrics = metricsx.NewTransport("unknown")
	}
	return o
}

// Transport owns one UDP socket and the reliable-delivery bookkeeping layered
// on top of it.
type Transport struct {
	opts Options
	conn *net.UDPConn

	mu          sync.Mutex
	cond        *sync.Cond
	closed      bool
	seq         uint8
	outstanding int
	inflight    map[uint8]*inflightEntry
	peers       map[netip.AddrPort]*peerState

	handler Handler
}

type inflightEntry struct {
	packet wire.Packet
	peer   netip.AddrPort
	acked  chan struct{}
	done   bool
}

// Listen binds a UDP socket at addr (use ":0" for an ephemeral port) and
// returns a Transport ready to Serve.
func Listen(addr string, opts Options, handler Handler) (*Transport, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, err)
	}
	t := &Transport{
		opts:     opts.withDefaults(),
		conn:     conn.(*net.UDPConn),
		inflight: make(map[uint8]*inflightEntry),
		peers:    make(map[netip.AddrPort]*peerState),
		handler:  handler,
	}
	t.cond = sync.NewCond(&t.mu)
	return t, nil
}

// LocalAddr returns the bound local address.
func (t *Transport) LocalAddr() netip.AddrPort {
	return t.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Close closes the underlying socket. Outstanding Serve/Send calls observe
// the resulting I/O error.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	t.cond.Broadcast()
	return t.conn.Close()
}

// Serve reads datagrams until the socket is closed or ctx is cancelled. It
// never returns nil; on clean shutdown it returns ErrClosed.
func (t *Transport) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		t.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return ErrClosed
			}
			return fmt.Errorf("transport: read: %w", err)
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		peer := addr.AddrPort()
		go t.handleDatagram(data, peer)
	}
}

func (t *Transport) handleDatagram(data []byte, peer netip.AddrPort) {
	pkt, err := wire.Decode(data)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrBadChecksum):
			t.opts.Logger.Error().Err(err).Stringer("peer", peer).Msg("packet checksum mismatch")
			t.opts.Metrics.BadChecksum()
			// Ack it so the sender stops retrying, but never deliver the
			// payload — the checksum-mismatch-ack policy.
			t.ackOnly(pkt.Header.Seq, peer)
		case errors.Is(err, wire.ErrUnknownPacketType):
			t.opts.Logger.Error().Err(err).Stringer("peer", peer).Msg("unknown packet type")
		case errors.Is(err, wire.ErrTruncated):
			t.opts.Logger.Error().Err(err).Stringer("peer", peer).Msg("truncated packet")
		default:
			t.opts.Logger.Error().Err(err).Stringer("peer", peer).Msg("decode error")
		}
		return
	}

	if pkt.Header.Ack != 0 {
		t.processAck(pkt.Header.Ack)
		return
	}

	switch pkt.Header.Kind {
	case wire.KindFlowControl:
		t.setPeerSendAllowed(peer, pkt.FlowControl.CanSend)
		t.ackOnly(pkt.Header.Seq, peer)
	default:
		t.enqueue(pkt, peer)
	}
}

func (t *Transport) ackOnly(seq uint8, peer netip.AddrPort) {
	if seq == 0 {
		return
	}
	ack := wire.Packet{Header: wire.Header{Kind: wire.KindAck, Ack: seq}}
	b, err := wire.Encode(ack)
	if err != nil {
		return
	}
	t.writeTo(b, peer)
}

// Ack sends an acknowledgment for seq to peer. The transport acks bad-
// checksum and FlowControl packets itself; every other packet kind is
// acked by the application from within Handler, before it runs its own
// business logic (payload acknowledgment is an application-layer decision).
func (t *Transport) Ack(seq uint8, peer netip.AddrPort) {
	t.ackOnly(seq, peer)
}

func (t *Transport) writeTo(b []byte, peer netip.AddrPort) {
	if _, err := t.conn.WriteToUDPAddrPort(b, peer); err != nil {
		t.opts.Logger.Error().Err(err).Stringer("peer", peer).Msg("write failed")
	}
}

// Send delivers packet to peer. For
// KindAck it transmits once and returns immediately. For every other kind
// it assigns a sequence number, registers in-flight state, and transmits up
// to MaxRetries times in total until an Ack arrives, respecting both the system-wide
// flow-control window and the peer's own FlowControl signal.
func (t *Transport) Send(packet wire.Packet, peer netip.AddrPort) bool {
	if packet.Header.Kind == wire.KindAck {
		b, err := wire.Encode(packet)
		if err != nil {
			return false
		}
		t.writeTo(b, peer)
		return true
	}

	if !t.acquireSendSlot(peer) {
		return false // transport closed while waiting
	}

	seq := t.nextSeq()
	packet.Header.Seq = seq

	entry := &inflightEntry{packet: packet, peer: peer, acked: make(chan struct{})}
	t.mu.Lock()
	t.inflight[seq] = entry
	t.mu.Unlock()

	b, err := wire.Encode(packet)
	if err != nil {
		t.releaseSendSlot(seq)
		return false
	}

	for attempt := 1; attempt <= t.opts.MaxRetries; attempt++ {
		t.writeTo(b, peer)
		t.opts.Metrics.Sent()
		if attempt > 1 {
			t.opts.Metrics.Retried()
		}
		t.opts.Logger.Debug().Uint8("seq", seq).Stringer("peer", peer).Int("attempt", attempt).Msg("sent packet")

		select {
		case <-entry.acked:
			t.opts.Metrics.Acked()
			t.releaseSendSlot(seq)
			return true
		case <-time.After(t.opts.RetransmissionTimeout):
			continue
		}
	}

	t.opts.Logger.Error().Uint8("seq", seq).Stringer("peer", peer).Msg("send retries exhausted")
	t.opts.Metrics.Abandoned()
	t.releaseSendSlot(seq)
	return false
}

func (t *Transport) nextSeq() uint8 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.seq++
	if t.seq == 0 {
		t.seq++
	}
	return t.seq
}

// acquireSendSlot blocks until peer has signaled can_send (or never has) and
// the system-wide outstanding window has capacity, then reserves a slot.
// Returns false if the transport closed while waiting.
func (t *Transport) acquireSendSlot(peer netip.AddrPort) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	for {
		if t.closed {
			return false
		}
		if t.peerAllowed(peer) && t.outstanding < t.opts.FlowControl {
			t.outstanding++
			return true
		}
		t.cond.Wait()
	}
}

func (t *Transport) releaseSendSlot(seq uint8) {
	t.mu.Lock()
	delete(t.inflight, seq)
	t.outstanding--
	t.mu.Unlock()
	t.cond.Broadcast()
}

func (t *Transport) peerAllowed(peer netip.AddrPort) bool {
	ps, ok := t.peers[peer]
	if !ok {
		return true
	}
	return ps.canSend
}

func (t *Transport) setPeerSendAllowed(peer netip.AddrPort, allowed bool) {
	t.mu.Lock()
	ps := t.peerLocked(peer)
	ps.canSend = allowed
	t.mu.Unlock()
	if allowed {
		t.opts.Metrics.FlowResumed()
	} else {
		t.opts.Metrics.FlowPaused()
	}
	t.cond.Broadcast()
}

func (t *Transport) processAck(seq uint8) {
	t.mu.Lock()
	entry, ok := t.inflight[seq]
	shouldClose := ok && !entry.done
	if shouldClose {
		entry.done = true
	}
	t.mu.Unlock()

	if shouldClose {
		close(entry.acked)
	}
}

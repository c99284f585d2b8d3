package transport

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/wire"
)

func mustListen(t *testing.T, handler Handler, opts Options) *Transport {
	t.Helper()
	if opts.Metrics == nil {
		opts.Metrics = metricsx.NewTransport(t.Name())
	}
	opts.Logger = zerolog.Nop()
	tr, err := Listen("127.0.0.1:0", opts, handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

func serveInBackground(t *testing.T, tr *Transport) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Serve(ctx)
}

func TestSendReceiveAck(t *testing.T) {
	var mu sync.Mutex
	var got []wire.Packet

	server := mustListen(t, func(pkt wire.Packet, peer netip.AddrPort) {
		mu.Lock()
		got = append(got, pkt)
		mu.Unlock()
	}, Options{})
	serveInBackground(t, server)

	client := mustListen(t, func(wire.Packet, netip.AddrPort) {}, Options{})
	serveInBackground(t, client)

	ok := client.Send(wire.Packet{
		Header:        wire.Header{Kind: wire.KindRegisterAgent},
		RegisterAgent: wire.RegisterAgent{AgentID: "AG001"},
	}, server.LocalAddr())
	if !ok {
		t.Fatal("Send reported failure")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("handler never received the packet")
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got[0].RegisterAgent.AgentID != "AG001" {
		t.Fatalf("AgentID = %q, want AG001", got[0].RegisterAgent.AgentID)
	}
}

// The handler never acks, so Send must exhaust its retries and report failure
// without hanging past MaxRetries*RetransmissionTimeout.
func TestSendRetriesExhausted(t *testing.T) {
	server := mustListen(t, func(wire.Packet, netip.AddrPort) {}, Options{})
	serveInBackground(t, server)

	client := mustListen(t, func(wire.Packet, netip.AddrPort) {}, Options{
		RetransmissionTimeout: 20 * time.Millisecond,
		MaxRetries:            3,
	})
	serveInBackground(t, client)

	// Swallow the server's own acks by never running its Serve loop's acker —
	// instead point the client at a closed port so nothing ever acks.
	deadAddr := netip.MustParseAddrPort("127.0.0.1:1")

	start := time.Now()
	ok := client.Send(wire.Packet{
		Header:        wire.Header{Kind: wire.KindRegisterAgent},
		RegisterAgent: wire.RegisterAgent{AgentID: "AG002"},
	}, deadAddr)
	elapsed := time.Since(start)

	if ok {
		t.Fatal("Send should have failed after exhausting retries")
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Send took too long: %v", elapsed)
	}
}

// In-order delivery must hold even when the application handler's own
// processing order can't be relied on: the queue only dispatches a packet
// once every earlier sequence number has arrived.
func TestOrderingQueueWaitsForGap(t *testing.T) {
	tr := &Transport{
		opts:     Options{FlowControl: 20, Metrics: metricsx.NewTransport(t.Name())},
		inflight: make(map[uint8]*inflightEntry),
		peers:    make(map[netip.AddrPort]*peerState),
	}
	tr.cond = sync.NewCond(&tr.mu)

	var mu sync.Mutex
	var order []uint8
	tr.handler = func(pkt wire.Packet, peer netip.AddrPort) {
		mu.Lock()
		order = append(order, pkt.Header.Seq)
		mu.Unlock()
	}

	peer := netip.MustParseAddrPort("10.0.0.1:9000")

	// seq 2 arrives before seq 1: nothing should dispatch until 1 shows up.
	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 2}}, peer)
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	if len(order) != 0 {
		mu.Unlock()
		t.Fatalf("dispatched out of order: %v", order)
	}
	mu.Unlock()

	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 1}}, peer)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order = %v, want [1 2]", order)
	}
}

func TestOrderingQueueDropsDuplicates(t *testing.T) {
	tr := &Transport{
		opts:     Options{FlowControl: 20, Metrics: metricsx.NewTransport(t.Name())},
		inflight: make(map[uint8]*inflightEntry),
		peers:    make(map[netip.AddrPort]*peerState),
	}
	tr.cond = sync.NewCond(&tr.mu)

	var mu sync.Mutex
	count := 0
	tr.handler = func(pkt wire.Packet, peer netip.AddrPort) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	peer := netip.MustParseAddrPort("10.0.0.1:9000")
	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 1}}, peer)
	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 1}}, peer)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("handler called %d times, want 1", count)
	}
}

// The system-wide outstanding window must never be exceeded even with many
// concurrent senders.
func TestFlowControlWindowNeverExceeded(t *testing.T) {
	const window = 3

	server := mustListen(t, func(wire.Packet, netip.AddrPort) {}, Options{})
	serveInBackground(t, server)

	client := mustListen(t, func(wire.Packet, netip.AddrPort) {}, Options{
		FlowControl:           window,
		RetransmissionTimeout: 50 * time.Millisecond,
		MaxRetries:            1,
	})
	serveInBackground(t, client)

	var maxSeen int
	var mu sync.Mutex
	stop := make(chan struct{})
	var pollWg sync.WaitGroup
	pollWg.Add(1)
	go func() {
		defer pollWg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			client.mu.Lock()
			o := client.outstanding
			client.mu.Unlock()
			mu.Lock()
			if o > maxSeen {
				maxSeen = o
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			client.Send(wire.Packet{
				Header:        wire.Header{Kind: wire.KindRegisterAgent},
				RegisterAgent: wire.RegisterAgent{AgentID: "AGXXX"},
			}, server.LocalAddr())
		}()
	}
	wg.Wait()
	close(stop)
	pollWg.Wait()

	if maxSeen > window {
		t.Fatalf("observed outstanding = %d, want <= %d", maxSeen, window)
	}
}

func TestNextSeqSkipsZero(t *testing.T) {
	tr := &Transport{seq: 255}
	if got := tr.nextSeq(); got == 0 {
		t.Fatal("nextSeq must never return 0")
	}
}

// The ordering queue's expected cursor must wrap the same way the sender
// allocates seq numbers (skip 0), or delivery permanently stalls the first
// time a peer's seq counter wraps past 255.
func TestOrderingQueueSurvivesSeqWrap(t *testing.T) {
	tr := &Transport{
		opts:     Options{FlowControl: 20, Metrics: metricsx.NewTransport(t.Name())},
		inflight: make(map[uint8]*inflightEntry),
		peers:    make(map[netip.AddrPort]*peerState),
	}
	tr.cond = sync.NewCond(&tr.mu)

	var mu sync.Mutex
	var order []uint8
	tr.handler = func(pkt wire.Packet, peer netip.AddrPort) {
		mu.Lock()
		order = append(order, pkt.Header.Seq)
		mu.Unlock()
	}

	peer := netip.MustParseAddrPort("10.0.0.1:9000")

	// Deliver every seq from 1 up through 255, then across the wrap to 1, 2
	// again. If expected desyncs on the wrap (255 -> 0 instead of 255 -> 1),
	// delivery of anything past the wrap stalls forever.
	for _, seq := range append(seqRange(1, 255), 1, 2) {
		tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: seq}}, peer)
	}
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 257 {
		t.Fatalf("delivered %d packets, want 257 (stalled after wrap?)", len(order))
	}
	if order[254] != 255 || order[255] != 1 || order[256] != 2 {
		t.Fatalf("order around wrap = %v", order[253:])
	}
}

func seqRange(from, to uint8) []uint8 {
	var out []uint8
	for v := from; ; v++ {
		out = append(out, v)
		if v == to {
			break
		}
	}
	return out
}

// A retransmit of a seq already dispatched (its Ack was lost, a normal
// event) must be dropped rather than queued, or it leaks a byseq/heap entry
// forever since the drain loop never advances back to pick it up.
func TestOrderingQueueDropsRetransmitOfDeliveredSeq(t *testing.T) {
	tr := &Transport{
		opts:     Options{FlowControl: 20, Metrics: metricsx.NewTransport(t.Name())},
		inflight: make(map[uint8]*inflightEntry),
		peers:    make(map[netip.AddrPort]*peerState),
	}
	tr.cond = sync.NewCond(&tr.mu)

	var mu sync.Mutex
	count := 0
	tr.handler = func(pkt wire.Packet, peer netip.AddrPort) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	peer := netip.MustParseAddrPort("10.0.0.1:9000")

	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 1}}, peer)
	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 2}}, peer)
	time.Sleep(10 * time.Millisecond)

	// Simulate the sender retransmitting seq 1 because its Ack was lost,
	// after the receiver already dispatched it and moved expected to 3.
	tr.enqueue(wire.Packet{Header: wire.Header{Kind: wire.KindMetrics, Seq: 1}}, peer)
	time.Sleep(10 * time.Millisecond)

	tr.mu.Lock()
	ps := tr.peers[peer]
	depth := ps.pending.Len()
	byseqLen := len(ps.byseq)
	tr.mu.Unlock()

	if depth != 0 || byseqLen != 0 {
		t.Fatalf("queue leaked: pending=%d byseq=%d, want 0/0", depth, byseqLen)
	}
	mu.Lock()
	defer mu.Unlock()
	if count != 2 {
		t.Fatalf("handler called %d times, want 2 (retransmit of seq 1 must not re-dispatch)", count)
	}
}

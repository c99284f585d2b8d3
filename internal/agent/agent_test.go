package agent

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/alert"
	"github.com/cc-nms/nms/internal/probe"
	"github.com/cc-nms/nms/internal/transport"
	"github.com/cc-nms/nms/internal/wire"
)

// fakeServer answers every RegisterAgent with a fixed status, for exercising
// Scheduler.Register without a real server controller.
func fakeServer(t *testing.T, status wire.RegistrationStatus) *transport.Transport {
	t.Helper()
	var tr *transport.Transport
	handler := func(pkt wire.Packet, peer netip.AddrPort) {
		tr.Ack(pkt.Header.Seq, peer)
		if pkt.Header.Kind == wire.KindRegisterAgent {
			tr.Send(wire.Packet{
				Header:                wire.Header{Kind: wire.KindRegisterAgentResponse},
				RegisterAgentResponse: wire.RegisterAgentResponse{Status: status},
			}, peer)
		}
	}
	var err error
	tr, err = transport.Listen("127.0.0.1:0", transport.Options{Logger: zerolog.Nop()}, handler)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { tr.Close() })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go tr.Serve(ctx)
	return tr
}

func TestRegisterSuccess(t *testing.T) {
	server := fakeServer(t, wire.StatusSuccess)

	s, err := New("AG001", server.LocalAddr(), "127.0.0.1:0", transport.Options{Logger: zerolog.Nop()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	if err := s.Register(context.Background()); err != nil {
		t.Fatalf("Register() = %v, want nil", err)
	}
}

func TestRegisterAlreadyRegistered(t *testing.T) {
	server := fakeServer(t, wire.StatusAlreadyRegistered)

	s, err := New("AG001", server.LocalAddr(), "127.0.0.1:0", transport.Options{Logger: zerolog.Nop()}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)

	if err := s.Register(context.Background()); err != ErrAlreadyRegistered {
		t.Fatalf("Register() = %v, want ErrAlreadyRegistered", err)
	}
}

func TestEvaluateAlertsEmitsOnlyViolations(t *testing.T) {
	var mu sync.Mutex
	var got []alert.Message

	alertSrv, err := alert.Listen("127.0.0.1:0", zerolog.Nop(), func(m alert.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}
	defer alertSrv.Close()
	go alertSrv.Serve()

	s := &Scheduler{
		id:        "AG001",
		alertAddr: alertSrv.Addr().String(),
		logger:    zerolog.Nop(),
	}

	thresholds := &wire.AlertFlowConditions{
		CPUUsage:       50,
		RAMUsage:       50,
		PacketLoss:     5,
		Jitter:         10,
		InterfaceStats: 1000,
	}
	dc := probe.DeviceConditions{CPUPercent: 60, RAMPercent: 40, InterfaceStats: 500}
	loss := float32(10)
	jitter := float32(3)

	s.evaluateAlerts("T0001", thresholds, dc, &loss, &jitter)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("got %d alerts after timeout, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	kinds := map[alert.Kind]bool{}
	for _, m := range got {
		kinds[m.Type] = true
	}
	if !kinds[alert.HighCPUUsage] || !kinds[alert.HighPacketLoss] {
		t.Fatalf("got kinds %v, want HighCpuUsage and HighPacketLoss", kinds)
	}
	if kinds[alert.HighRAMUsage] || kinds[alert.HighJitter] || kinds[alert.HighInterfaceStats] {
		t.Fatalf("got unexpected alert kinds: %v", kinds)
	}
}

// Package agent implements the agent scheduler: registration,
// per-task periodic measurement runners, and alert emission.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/alert"
	"github.com/cc-nms/nms/internal/metricsx"
	"github.com/cc-nms/nms/internal/probe"
	"github.com/cc-nms/nms/internal/transport"
	"github.com/cc-nms/nms/internal/wire"
)

// ErrAlreadyRegistered and ErrInvalidID are returned by Register and are
// fatal for the agent process.
var (
	ErrAlreadyRegistered = errors.New("agent: already registered")
	ErrInvalidID         = errors.New("agent: invalid id")
)

// Scheduler owns one agent's transport, registration state, and the
// per-task periodic runners started once a task set has been received.
type Scheduler struct {
	logger     zerolog.Logger
	id         string
	serverAddr netip.AddrPort
	alertAddr  string

	tr     *transport.Transport
	probes *metricsx.Probes
	cond   probe.DeviceConditionsProbe

	regResp chan wire.RegistrationStatus

	mu          sync.Mutex
	iperfSpawed bool
	iperfCmds   []*exec.Cmd
	runnerIDs   map[string]struct{} // task ids with an active periodic runner
}

// New binds an ephemeral UDP socket and returns a Scheduler for agent id,
// addressing the server at serverAddr (datagram) and alertAddr (TCP alert
// stream "host:port").
func New(id string, serverAddr netip.AddrPort, alertAddr string, trOpts transport.Options, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		logger:     logger,
		id:         id,
		serverAddr: serverAddr,
		alertAddr:  alertAddr,
		probes:     metricsx.NewProbes(),
		cond:       probe.ExecConditionsProbe{},
		regResp:    make(chan wire.RegistrationStatus, 1),
		runnerIDs:  make(map[string]struct{}),
	}

	trOpts.Logger = logger
	if trOpts.Metrics == nil {
		trOpts.Metrics = metricsx.NewTransport("agent")
	}
	tr, err := transport.Listen(":0", trOpts, s.handleDatagram)
	if err != nil {
		return nil, err
	}
	s.tr = tr
	return s, nil
}

// Close shuts down the agent's datagram socket and any spawned iperf
// servers.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	for _, cmd := range s.iperfCmds {
		cmd.Process.Kill()
	}
	s.mu.Unlock()
	return s.tr.Close()
}

// Register sends a RegisterAgent packet and waits for the server's response.
// AlreadyRegistered and InvalidID are returned as errors the caller should
// treat as fatal.
func (s *Scheduler) Register(ctx context.Context) error {
	if !s.tr.Send(wire.Packet{
		Header:        wire.Header{Kind: wire.KindRegisterAgent},
		RegisterAgent: wire.RegisterAgent{AgentID: s.id},
	}, s.serverAddr) {
		return fmt.Errorf("agent: registration send failed")
	}

	select {
	case status := <-s.regResp:
		switch status {
		case wire.StatusSuccess:
			s.logger.Info().Str("agent_id", s.id).Msg("registered")
			return nil
		case wire.StatusAlreadyRegistered:
			return ErrAlreadyRegistered
		case wire.StatusInvalidID:
			return ErrInvalidID
		default:
			return fmt.Errorf("agent: unknown registration status %d", status)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve runs the transport's receive loop until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.tr.Serve(ctx)
}

func (s *Scheduler) handleDatagram(pkt wire.Packet, peer netip.AddrPort) {
	s.tr.Ack(pkt.Header.Seq, peer)

	switch pkt.Header.Kind {
	case wire.KindRegisterAgentResponse:
		select {
		case s.regResp <- pkt.RegisterAgentResponse.Status:
		default:
		}
	case wire.KindTask:
		s.onTaskPacket(pkt.Task)
	default:
		s.logger.Error().Stringer("kind", pkt.Header.Kind).Msg("unexpected packet kind at agent")
	}
}

// onTaskPacket starts the iperf servers this agent's tasks require (once)
// and a periodic runner for each newly-seen task.
func (s *Scheduler) onTaskPacket(tp wire.TaskPacket) {
	s.maybeSpawnIperfServers(tp.Tasks)

	for _, t := range tp.Tasks {
		t := t
		s.mu.Lock()
		_, running := s.runnerIDs[t.ID]
		if !running {
			s.runnerIDs[t.ID] = struct{}{}
		}
		s.mu.Unlock()
		if running {
			continue
		}
		go s.runPeriodic(t)
	}
}

func (s *Scheduler) maybeSpawnIperfServers(tasks []wire.Task) {
	need := false
	for _, t := range tasks {
		for _, d := range t.Devices {
			if d.DeviceID != s.id {
				continue
			}
			for _, m := range []*wire.TransportMetricSpec{d.LinkMetrics.Bandwidth, d.LinkMetrics.Jitter, d.LinkMetrics.PacketLoss} {
				if m != nil && m.IsServer {
					need = true
				}
			}
		}
	}
	if !need {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.iperfSpawed {
		return
	}
	s.iperfSpawed = true

	for _, proto := range []string{"tcp", "udp"} {
		cmd, err := probe.IperfServer(context.Background(), proto)
		if err != nil {
			s.logger.Error().Err(err).Str("transport", proto).Msg("failed to start iperf server")
			continue
		}
		s.iperfCmds = append(s.iperfCmds, cmd)
	}
}

// runPeriodic ticks every T.Frequency seconds, launching a one-shot
// collector in its own goroutine per tick so a slow collector never delays
// the next tick.
func (s *Scheduler) runPeriodic(t wire.Task) {
	interval := time.Duration(t.Frequency) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		go s.collectOnce(t)
	}
}

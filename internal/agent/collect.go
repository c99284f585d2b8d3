package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/cc-nms/nms/internal/alert"
	"github.com/cc-nms/nms/internal/probe"
	"github.com/cc-nms/nms/internal/wire"
)

func fmtPct(name string, got float32, threshold uint32) string {
	return fmt.Sprintf("%s at %.2f, threshold %d", name, got, threshold)
}

func fmtCount(name string, got uint64, threshold uint32) string {
	return fmt.Sprintf("%s at %d, threshold %d", name, got, threshold)
}

// collectOnce is the one-shot collector for task t: it finds
// this agent's DeviceSpec, runs whichever link-metric probes it is the
// client for, and — only if at least one produced a result — collects
// device conditions, sends a metrics report, and evaluates alert thresholds.
func (s *Scheduler) collectOnce(t wire.Task) {
	ctx := context.Background()

	var dev *wire.DeviceSpec
	for i := range t.Devices {
		if t.Devices[i].DeviceID == s.id {
			dev = &t.Devices[i]
			break
		}
	}
	if dev == nil {
		return
	}

	var bandwidth, jitter, loss, latency *float32

	lm := dev.LinkMetrics
	if lm.Bandwidth != nil && !lm.Bandwidth.IsServer {
		r := probe.IperfClient(ctx, lm.Bandwidth.ServerAddress, int(lm.Bandwidth.Duration), lm.Bandwidth.Transport)
		s.recordProbeOutcome(r.Err)
		bandwidth = r.Bandwidth
	}
	if lm.Jitter != nil && !lm.Jitter.IsServer {
		r := probe.IperfClient(ctx, lm.Jitter.ServerAddress, int(lm.Jitter.Duration), lm.Jitter.Transport)
		s.recordProbeOutcome(r.Err)
		jitter = r.Jitter
		if loss == nil {
			loss = r.Loss
		}
	}
	if lm.PacketLoss != nil && !lm.PacketLoss.IsServer {
		r := probe.IperfClient(ctx, lm.PacketLoss.ServerAddress, int(lm.PacketLoss.Duration), lm.PacketLoss.Transport)
		s.recordProbeOutcome(r.Err)
		loss = r.Loss
	}
	if lm.Latency != nil {
		r := probe.Ping(ctx, lm.Latency.DestinationAddress, int(lm.Latency.PacketCount), 1)
		s.recordProbeOutcome(r.Err)
		if r.Err == nil {
			lat := r.LatencyMs
			latency = &lat
			if loss == nil {
				lp := r.PacketLoss
				loss = &lp
			}
		}
	}

	if bandwidth == nil && jitter == nil && loss == nil && latency == nil {
		return // no link-metric result this tick: skip entirely
	}

	dc, _ := s.cond.Collect(ctx, dev.DeviceMetrics.Interfaces)

	now := uint32(time.Now().Unix())
	s.tr.Send(wire.Packet{
		Header: wire.Header{Kind: wire.KindMetrics},
		Metrics: wire.MetricsPacket{
			TaskID:    t.ID,
			DeviceID:  s.id,
			Bandwidth: bandwidth,
			Jitter:    jitter,
			Loss:      loss,
			Latency:   latency,
			Timestamp: now,
		},
	}, s.serverAddr)

	s.evaluateAlerts(t.ID, lm.AlertFlowConditions, dc, loss, jitter)
}

func (s *Scheduler) recordProbeOutcome(err error) {
	if err != nil {
		s.probes.Failed()
	} else {
		s.probes.OK()
	}
}

// evaluateAlerts emits one alert per violated threshold, using strict `>`
// on current-tick values only.
func (s *Scheduler) evaluateAlerts(taskID string, thresholds *wire.AlertFlowConditions, dc probe.DeviceConditions, loss, jitter *float32) {
	if thresholds == nil {
		return
	}
	now := uint64(time.Now().Unix())

	emit := func(kind alert.Kind, details string) {
		msg := alert.Message{TaskID: taskID, DeviceID: s.id, Type: kind, Details: details, Timestamp: now}
		if err := alert.Send(s.alertAddr, msg); err != nil {
			s.logger.Error().Err(err).Stringer("kind", kind).Msg("failed to send alert")
		}
	}

	if float32(thresholds.CPUUsage) < dc.CPUPercent {
		emit(alert.HighCPUUsage, fmtPct("cpu", dc.CPUPercent, thresholds.CPUUsage))
	}
	if float32(thresholds.RAMUsage) < dc.RAMPercent {
		emit(alert.HighRAMUsage, fmtPct("ram", dc.RAMPercent, thresholds.RAMUsage))
	}
	if uint64(thresholds.InterfaceStats) < dc.InterfaceStats {
		emit(alert.HighInterfaceStats, fmtCount("interface_stats", dc.InterfaceStats, thresholds.InterfaceStats))
	}
	if loss != nil && float32(thresholds.PacketLoss) < *loss {
		emit(alert.HighPacketLoss, fmtPct("packet_loss", *loss, thresholds.PacketLoss))
	}
	if jitter != nil && float32(thresholds.Jitter) < *jitter {
		emit(alert.HighJitter, fmtPct("jitter", *jitter, thresholds.Jitter))
	}
}

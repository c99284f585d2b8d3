// Package taskfile loads the server's task set from a JSON file, the
// external task source the core protocol treats as out of scope.
package taskfile

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/cc-nms/nms/internal/wire"
)

type jsonTask struct {
	TaskID    string       `json:"task_id"`
	Frequency uint32       `json:"frequency"`
	Devices   []jsonDevice `json:"devices"`
}

type jsonDevice struct {
	DeviceID      string           `json:"device_id"`
	DeviceMetrics jsonDeviceMetric `json:"device_metrics"`
	LinkMetrics   jsonLinkMetric   `json:"link_metrics"`
}

type jsonDeviceMetric struct {
	CPUUsage       bool     `json:"cpu_usage"`
	RAMUsage       bool     `json:"ram_usage"`
	InterfaceStats []string `json:"interface_stats"`
}

type jsonLinkMetric struct {
	Bandwidth           *jsonTransportMetric `json:"bandwidth"`
	Jitter              *jsonTransportMetric `json:"jitter"`
	PacketLoss          *jsonTransportMetric `json:"packet_loss"`
	Latency             *jsonLatencyMetric   `json:"latency"`
	AlertFlowConditions *jsonAlertFlow       `json:"alertflow_conditions"`
}

type jsonTransportMetric struct {
	Tool          string `json:"tool"`
	IsServer      bool   `json:"is_server"`
	ServerAddress string `json:"server_address"`
	Duration      uint32 `json:"duration"`
	Transport     string `json:"transport"`
	Frequency     uint32 `json:"frequency"`
}

type jsonLatencyMetric struct {
	Tool               string `json:"tool"`
	DestinationAddress string `json:"destination_address"`
	PacketCount        uint32 `json:"packet_count"`
	Frequency          uint32 `json:"frequency"`
}

type jsonAlertFlow struct {
	CPUUsage       uint32 `json:"cpu_usage"`
	RAMUsage       uint32 `json:"ram_usage"`
	InterfaceStats uint32 `json:"interface_stats"`
	PacketLoss     uint32 `json:"packet_loss"`
	Jitter         uint32 `json:"jitter"`
}

// Load reads and parses the tasks JSON file at path into the protocol's Task
// representation. A JSON load error is non-fatal for the server: the
// caller logs it and proceeds with an empty task list.
func Load(path string) ([]wire.Task, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("taskfile: read %s: %w", path, err)
	}

	var jts []jsonTask
	if err := json.Unmarshal(b, &jts); err != nil {
		return nil, fmt.Errorf("taskfile: parse %s: %w", path, err)
	}

	tasks := make([]wire.Task, 0, len(jts))
	for _, jt := range jts {
		tasks = append(tasks, toTask(jt))
	}
	return tasks, nil
}

func toTask(jt jsonTask) wire.Task {
	t := wire.Task{ID: jt.TaskID, Frequency: jt.Frequency}
	for _, jd := range jt.Devices {
		t.Devices = append(t.Devices, toDeviceSpec(jd))
	}
	return t
}

func toDeviceSpec(jd jsonDevice) wire.DeviceSpec {
	return wire.DeviceSpec{
		DeviceID: jd.DeviceID,
		DeviceMetrics: wire.DeviceMetricsSpec{
			WantCPU:    jd.DeviceMetrics.CPUUsage,
			WantRAM:    jd.DeviceMetrics.RAMUsage,
			Interfaces: jd.DeviceMetrics.InterfaceStats,
		},
		LinkMetrics: toLinkMetrics(jd.LinkMetrics),
	}
}

func toLinkMetrics(jl jsonLinkMetric) wire.LinkMetricsSpec {
	var lm wire.LinkMetricsSpec
	if jl.Bandwidth != nil {
		lm.Bandwidth = toTransportMetric(jl.Bandwidth)
	}
	if jl.Jitter != nil {
		lm.Jitter = toTransportMetric(jl.Jitter)
	}
	if jl.PacketLoss != nil {
		lm.PacketLoss = toTransportMetric(jl.PacketLoss)
	}
	if jl.Latency != nil {
		lm.Latency = &wire.LatencySpec{
			Tool:               jl.Latency.Tool,
			DestinationAddress: jl.Latency.DestinationAddress,
			PacketCount:        jl.Latency.PacketCount,
			Frequency:          jl.Latency.Frequency,
		}
	}
	if jl.AlertFlowConditions != nil {
		a := jl.AlertFlowConditions
		lm.AlertFlowConditions = &wire.AlertFlowConditions{
			CPUUsage:       a.CPUUsage,
			RAMUsage:       a.RAMUsage,
			InterfaceStats: a.InterfaceStats,
			PacketLoss:     a.PacketLoss,
			Jitter:         a.Jitter,
		}
	}
	return lm
}

func toTransportMetric(jm *jsonTransportMetric) *wire.TransportMetricSpec {
	return &wire.TransportMetricSpec{
		Tool:          jm.Tool,
		IsServer:      jm.IsServer,
		ServerAddress: jm.ServerAddress,
		Duration:      jm.Duration,
		Transport:     jm.Transport,
		Frequency:     jm.Frequency,
	}
}

// Summarize logs a structured summary of the loaded task set at startup
// rather than just a bare count.
func Summarize(log zerolog.Logger, tasks []wire.Task) {
	deviceIDs := map[string]struct{}{}
	for _, t := range tasks {
		devices := make([]string, 0, len(t.Devices))
		for _, d := range t.Devices {
			devices = append(devices, d.DeviceID)
			deviceIDs[d.DeviceID] = struct{}{}
		}
		log.Info().
			Str("task_id", t.ID).
			Uint32("frequency_s", t.Frequency).
			Strs("devices", devices).
			Msg("loaded task")
	}
	log.Info().Int("tasks", len(tasks)).Int("required_agents", len(deviceIDs)).Msg("task set loaded")
}

// RequiredAgents returns the union of every device_id referenced across
// tasks, the server's registration-barrier set.
func RequiredAgents(tasks []wire.Task) map[string]struct{} {
	req := make(map[string]struct{})
	for _, t := range tasks {
		for _, d := range t.Devices {
			req[d.DeviceID] = struct{}{}
		}
	}
	return req
}

// ForDevice groups every task that references deviceID, the shape the
// server dispatches as one TaskPacket per device.
func ForDevice(tasks []wire.Task, deviceID string) []wire.Task {
	var out []wire.Task
	for _, t := range tasks {
		for _, d := range t.Devices {
			if d.DeviceID == deviceID {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

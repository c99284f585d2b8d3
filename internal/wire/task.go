package wire

import "fmt"

// Task is a scheduled measurement plan distributed to one or more agents.
type Task struct {
	ID        TaskID
	Frequency uint32 // seconds
	Devices   []DeviceSpec
}

// DeviceSpec configures one agent's participation in a Task.
type DeviceSpec struct {
	DeviceID      AgentID
	DeviceMetrics DeviceMetricsSpec
	LinkMetrics   LinkMetricsSpec
}

// DeviceMetricsSpec selects the host-level conditions to collect.
type DeviceMetricsSpec struct {
	WantCPU    bool
	WantRAM    bool
	Interfaces []string
}

// LinkMetricsSpec holds the optional per-link sub-metrics. A nil pointer
// means the sub-metric is not configured for this device.
type LinkMetricsSpec struct {
	Bandwidth           *TransportMetricSpec
	Jitter              *TransportMetricSpec
	PacketLoss          *TransportMetricSpec
	Latency             *LatencySpec
	AlertFlowConditions *AlertFlowConditions
}

// TransportMetricSpec configures a bandwidth, jitter, or packet-loss probe.
type TransportMetricSpec struct {
	Tool          string
	IsServer      bool
	ServerAddress string
	Duration      uint32
	Transport     string // "tcp" or "udp"
	Frequency     uint32
}

// LatencySpec configures a latency (ping) probe.
type LatencySpec struct {
	Tool                string
	DestinationAddress  string
	PacketCount         uint32
	Frequency           uint32
}

// AlertFlowConditions holds the upper thresholds that trigger alerts.
type AlertFlowConditions struct {
	CPUUsage        uint32
	RAMUsage        uint32
	InterfaceStats  uint32
	PacketLoss      uint32
	Jitter          uint32
}

// TaskPacket is the payload of a KindTask packet: a batch of Tasks bound for
// one agent, checksummed as a whole.
type TaskPacket struct {
	Tasks []Task
}

func encodeTaskPacket(h Header, tp TaskPacket) ([]byte, error) {
	if len(tp.Tasks) > 255 {
		return nil, fmt.Errorf("wire: too many tasks in one packet (%d > 255)", len(tp.Tasks))
	}
	b := h.append(nil)
	b = append(b, byte(len(tp.Tasks)))
	for _, t := range tp.Tasks {
		b = encodeTask(b, t)
	}
	return appendChecksum(b), nil
}

func decodeTaskPacket(data []byte) (TaskPacket, error) {
	if len(data) < 4 {
		return TaskPacket{}, ErrTruncated
	}
	count := int(data[3])
	off := 4
	var tasks []Task
	for i := 0; i < count; i++ {
		t, n, err := decodeTask(data, off)
		if err != nil {
			return TaskPacket{}, err
		}
		tasks = append(tasks, t)
		off = n
	}
	if off+checksumLen > len(data) {
		return TaskPacket{}, ErrTruncated
	}
	if err := verifyChecksum(data[:off], data[off:off+checksumLen]); err != nil {
		return TaskPacket{}, err
	}
	return TaskPacket{Tasks: tasks}, nil
}

func encodeTask(b []byte, t Task) []byte {
	b = appendString32(b, t.ID)
	b = appendU32(b, t.Frequency)
	b = appendU32(b, uint32(len(t.Devices)))
	for _, d := range t.Devices {
		b = encodeDeviceSpec(b, d)
	}
	return b
}

func decodeTask(data []byte, off int) (Task, int, error) {
	var t Task
	var err error
	t.ID, off, err = readString32(data, off)
	if err != nil {
		return t, off, err
	}
	t.Frequency, off, err = readU32(data, off)
	if err != nil {
		return t, off, err
	}
	n, off, err := readU32(data, off)
	if err != nil {
		return t, off, err
	}
	for i := uint32(0); i < n; i++ {
		var d DeviceSpec
		d, off, err = decodeDeviceSpec(data, off)
		if err != nil {
			return t, off, err
		}
		t.Devices = append(t.Devices, d)
	}
	return t, off, nil
}

func encodeDeviceSpec(b []byte, d DeviceSpec) []byte {
	b = appendString32(b, d.DeviceID)
	b = encodeDeviceMetrics(b, d.DeviceMetrics)
	b = encodeLinkMetrics(b, d.LinkMetrics)
	return b
}

func decodeDeviceSpec(data []byte, off int) (DeviceSpec, int, error) {
	var d DeviceSpec
	var err error
	d.DeviceID, off, err = readString32(data, off)
	if err != nil {
		return d, off, err
	}
	d.DeviceMetrics, off, err = decodeDeviceMetrics(data, off)
	if err != nil {
		return d, off, err
	}
	d.LinkMetrics, off, err = decodeLinkMetrics(data, off)
	if err != nil {
		return d, off, err
	}
	return d, off, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func encodeDeviceMetrics(b []byte, dm DeviceMetricsSpec) []byte {
	b = append(b, boolByte(dm.WantCPU), boolByte(dm.WantRAM))
	b = appendU32(b, uint32(len(dm.Interfaces)))
	for _, iface := range dm.Interfaces {
		b = appendString32(b, iface)
	}
	return b
}

func decodeDeviceMetrics(data []byte, off int) (DeviceMetricsSpec, int, error) {
	var dm DeviceMetricsSpec
	if off+2 > len(data) {
		return dm, off, ErrTruncated
	}
	dm.WantCPU = data[off] != 0
	dm.WantRAM = data[off+1] != 0
	off += 2

	n, off2, err := readU32(data, off)
	if err != nil {
		return dm, off2, err
	}
	off = off2
	for i := uint32(0); i < n; i++ {
		var s string
		s, off, err = readString32(data, off)
		if err != nil {
			return dm, off, err
		}
		dm.Interfaces = append(dm.Interfaces, s)
	}
	return dm, off, nil
}

// presence flags, in wire order
const (
	presentBandwidth = iota
	presentJitter
	presentPacketLoss
	presentLatency
	presentAlertFlow
)

func encodeLinkMetrics(b []byte, lm LinkMetricsSpec) []byte {
	b = append(b, boolByte(lm.Bandwidth != nil))
	if lm.Bandwidth != nil {
		b = encodeTransportMetric(b, *lm.Bandwidth)
	}
	b = append(b, boolByte(lm.Jitter != nil))
	if lm.Jitter != nil {
		b = encodeTransportMetric(b, *lm.Jitter)
	}
	b = append(b, boolByte(lm.PacketLoss != nil))
	if lm.PacketLoss != nil {
		b = encodeTransportMetric(b, *lm.PacketLoss)
	}
	b = append(b, boolByte(lm.Latency != nil))
	if lm.Latency != nil {
		b = encodeLatency(b, *lm.Latency)
	}
	b = append(b, boolByte(lm.AlertFlowConditions != nil))
	if lm.AlertFlowConditions != nil {
		b = encodeAlertFlow(b, *lm.AlertFlowConditions)
	}
	return b
}

func decodeLinkMetrics(data []byte, off int) (LinkMetricsSpec, int, error) {
	var lm LinkMetricsSpec
	var err error

	var present bool
	present, off, err = readFlag(data, off)
	if err != nil {
		return lm, off, err
	}
	if present {
		var tm TransportMetricSpec
		tm, off, err = decodeTransportMetric(data, off)
		if err != nil {
			return lm, off, err
		}
		lm.Bandwidth = &tm
	}

	present, off, err = readFlag(data, off)
	if err != nil {
		return lm, off, err
	}
	if present {
		var tm TransportMetricSpec
		tm, off, err = decodeTransportMetric(data, off)
		if err != nil {
			return lm, off, err
		}
		lm.Jitter = &tm
	}

	present, off, err = readFlag(data, off)
	if err != nil {
		return lm, off, err
	}
	if present {
		var tm TransportMetricSpec
		tm, off, err = decodeTransportMetric(data, off)
		if err != nil {
			return lm, off, err
		}
		lm.PacketLoss = &tm
	}

	present, off, err = readFlag(data, off)
	if err != nil {
		return lm, off, err
	}
	if present {
		var ls LatencySpec
		ls, off, err = decodeLatency(data, off)
		if err != nil {
			return lm, off, err
		}
		lm.Latency = &ls
	}

	present, off, err = readFlag(data, off)
	if err != nil {
		return lm, off, err
	}
	if present {
		var af AlertFlowConditions
		af, off, err = decodeAlertFlow(data, off)
		if err != nil {
			return lm, off, err
		}
		lm.AlertFlowConditions = &af
	}

	return lm, off, nil
}

func readFlag(data []byte, off int) (bool, int, error) {
	if off+1 > len(data) {
		return false, off, ErrTruncated
	}
	return data[off] != 0, off + 1, nil
}

func encodeTransportMetric(b []byte, m TransportMetricSpec) []byte {
	b = appendString32(b, m.Tool)
	b = append(b, boolByte(m.IsServer))
	b = appendString32(b, m.ServerAddress)
	b = appendU32(b, m.Duration)
	b = appendString32(b, m.Transport)
	b = appendU32(b, m.Frequency)
	return b
}

func decodeTransportMetric(data []byte, off int) (TransportMetricSpec, int, error) {
	var m TransportMetricSpec
	var err error
	m.Tool, off, err = readString32(data, off)
	if err != nil {
		return m, off, err
	}
	if off+1 > len(data) {
		return m, off, ErrTruncated
	}
	m.IsServer = data[off] != 0
	off++
	m.ServerAddress, off, err = readString32(data, off)
	if err != nil {
		return m, off, err
	}
	m.Duration, off, err = readU32(data, off)
	if err != nil {
		return m, off, err
	}
	m.Transport, off, err = readString32(data, off)
	if err != nil {
		return m, off, err
	}
	m.Frequency, off, err = readU32(data, off)
	if err != nil {
		return m, off, err
	}
	return m, off, nil
}

func encodeLatency(b []byte, l LatencySpec) []byte {
	b = appendString32(b, l.Tool)
	b = appendString32(b, l.DestinationAddress)
	b = appendU32(b, l.PacketCount)
	b = appendU32(b, l.Frequency)
	return b
}

func decodeLatency(data []byte, off int) (LatencySpec, int, error) {
	var l LatencySpec
	var err error
	l.Tool, off, err = readString32(data, off)
	if err != nil {
		return l, off, err
	}
	l.DestinationAddress, off, err = readString32(data, off)
	if err != nil {
		return l, off, err
	}
	l.PacketCount, off, err = readU32(data, off)
	if err != nil {
		return l, off, err
	}
	l.Frequency, off, err = readU32(data, off)
	if err != nil {
		return l, off, err
	}
	return l, off, nil
}

func encodeAlertFlow(b []byte, a AlertFlowConditions) []byte {
	b = appendU32(b, a.CPUUsage)
	b = appendU32(b, a.RAMUsage)
	b = appendU32(b, a.InterfaceStats)
	b = appendU32(b, a.PacketLoss)
	b = appendU32(b, a.Jitter)
	return b
}

func decodeAlertFlow(data []byte, off int) (AlertFlowConditions, int, error) {
	var a AlertFlowConditions
	var err error
	a.CPUUsage, off, err = readU32(data, off)
	if err != nil {
		return a, off, err
	}
	a.RAMUsage, off, err = readU32(data, off)
	if err != nil {
		return a, off, err
	}
	a.InterfaceStats, off, err = readU32(data, off)
	if err != nil {
		return a, off, err
	}
	a.PacketLoss, off, err = readU32(data, off)
	if err != nil {
		return a, off, err
	}
	a.Jitter, off, err = readU32(data, off)
	if err != nil {
		return a, off, err
	}
	return a, off, nil
}

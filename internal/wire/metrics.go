package wire

import "math"

// MetricsPacket is the payload of a KindMetrics packet: one measurement
// report for a single (task, device) pair. Absent numeric fields are
// represented as nil and round-tripped on the wire as IEEE-754 NaN.
type MetricsPacket struct {
	TaskID    TaskID
	DeviceID  AgentID
	Bandwidth *float32
	Jitter    *float32
	Loss      *float32
	Latency   *float32
	Timestamp uint32 // unix seconds
}

const metricsBodyLen = 3 + taskIDLen + agentIDLen + 4*4 + 4 // header+ids+4 floats+u32 timestamp

func encodeMetricsPacket(h Header, m MetricsPacket) ([]byte, error) {
	if len(m.TaskID) > taskIDLen {
		return nil, errTooLong("task id", m.TaskID, taskIDLen)
	}
	if len(m.DeviceID) > agentIDLen {
		return nil, errTooLong("device id", m.DeviceID, agentIDLen)
	}

	b := h.append(nil)
	b = append(b, padTo(m.TaskID, taskIDLen)...)
	b = append(b, padTo(m.DeviceID, agentIDLen)...)
	b = appendFloat32(b, f32(m.Bandwidth))
	b = appendFloat32(b, f32(m.Jitter))
	b = appendFloat32(b, f32(m.Loss))
	b = appendFloat32(b, f32(m.Latency))
	b = appendU32(b, m.Timestamp)

	return appendChecksum(b), nil
}

func decodeMetricsPacket(data []byte) (MetricsPacket, error) {
	if len(data) < metricsBodyLen {
		return MetricsPacket{}, ErrTruncated
	}

	var m MetricsPacket
	m.TaskID = trimFixed(data[3 : 3+taskIDLen])
	off := 3 + taskIDLen
	m.DeviceID = trimFixed(data[off : off+agentIDLen])
	off += agentIDLen

	bw := readFloat32(data, off)
	off += 4
	jt := readFloat32(data, off)
	off += 4
	ls := readFloat32(data, off)
	off += 4
	lt := readFloat32(data, off)
	off += 4
	ts, off, err := readU32(data, off)
	if err != nil {
		return MetricsPacket{}, err
	}
	m.Bandwidth = unf32(bw)
	m.Jitter = unf32(jt)
	m.Loss = unf32(ls)
	m.Latency = unf32(lt)
	m.Timestamp = ts

	if off+checksumLen > len(data) {
		return MetricsPacket{}, ErrTruncated
	}
	if err := verifyChecksum(data[:off], data[off:off+checksumLen]); err != nil {
		return m, err
	}
	return m, nil
}

// appendFloat32/readFloat32 write the IEEE-754 bits big-endian whatever the
// host byte order: integers in this protocol are big-endian, and picking the same
// byte order for floats keeps the whole wire format single-endian rather
// than mixing conventions. The only contract that matters is round-trip
// equivalence.
func appendFloat32(b []byte, v float32) []byte {
	return appendU32(b, math.Float32bits(v))
}

func readFloat32(data []byte, off int) float32 {
	bits, _, _ := readU32(data, off)
	return math.Float32frombits(bits)
}

func errTooLong(field, val string, max int) error {
	return &fieldTooLongError{field, val, max}
}

type fieldTooLongError struct {
	field, val string
	max        int
}

func (e *fieldTooLongError) Error() string {
	return "wire: " + e.field + " " + quote(e.val) + " longer than field width"
}

func quote(s string) string {
	return "\"" + s + "\""
}

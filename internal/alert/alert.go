// Package alert implements the out-of-band alert channel: a
// framed AlertMessage delivered over a dedicated TCP connection, one message
// per connection.
package alert

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Kind identifies the condition an AlertMessage reports.
type Kind uint8

const (
	HighJitter         Kind = 1
	HighPacketLoss     Kind = 2
	HighCPUUsage       Kind = 3
	HighRAMUsage       Kind = 4
	HighInterfaceStats Kind = 5
)

func (k Kind) String() string {
	switch k {
	case HighJitter:
		return "HighJitter"
	case HighPacketLoss:
		return "HighPacketLoss"
	case HighCPUUsage:
		return "HighCpuUsage"
	case HighRAMUsage:
		return "HighRamUsage"
	case HighInterfaceStats:
		return "HighInterfaceStats"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// ErrInvalidAlertType is returned when a decoded alert_type byte does not
// match any known Kind.
var ErrInvalidAlertType = errors.New("alert: invalid alert type")

// Message is the payload delivered over the alert stream.
type Message struct {
	TaskID    string
	DeviceID  string
	Type      Kind
	Details   string
	Timestamp uint64 // unix seconds
}

// Encode serializes m as:
//
//	task_id_len:u8 | task_id | device_id_len:u8 | device_id |
//	alert_type:u8 | timestamp:u64-BE | details_len:u32-BE | details
func Encode(m Message) ([]byte, error) {
	if len(m.TaskID) > 255 {
		return nil, fmt.Errorf("alert: task id longer than 255 bytes")
	}
	if len(m.DeviceID) > 255 {
		return nil, fmt.Errorf("alert: device id longer than 255 bytes")
	}

	b := make([]byte, 0, 2+len(m.TaskID)+len(m.DeviceID)+1+8+4+len(m.Details))
	b = append(b, byte(len(m.TaskID)))
	b = append(b, m.TaskID...)
	b = append(b, byte(len(m.DeviceID)))
	b = append(b, m.DeviceID...)
	b = append(b, byte(m.Type))

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], m.Timestamp)
	b = append(b, ts[:]...)

	var dl [4]byte
	binary.BigEndian.PutUint32(dl[:], uint32(len(m.Details)))
	b = append(b, dl[:]...)
	b = append(b, m.Details...)

	return b, nil
}

// Decode reads one framed Message from r.
func Decode(r io.Reader) (Message, error) {
	var m Message

	taskID, err := readLenPrefixed8(r)
	if err != nil {
		return m, err
	}
	m.TaskID = taskID

	deviceID, err := readLenPrefixed8(r)
	if err != nil {
		return m, err
	}
	m.DeviceID = deviceID

	var kindBuf [1]byte
	if _, err := io.ReadFull(r, kindBuf[:]); err != nil {
		return m, err
	}
	m.Type = Kind(kindBuf[0])
	switch m.Type {
	case HighJitter, HighPacketLoss, HighCPUUsage, HighRAMUsage, HighInterfaceStats:
	default:
		return m, ErrInvalidAlertType
	}

	var tsBuf [8]byte
	if _, err := io.ReadFull(r, tsBuf[:]); err != nil {
		return m, err
	}
	m.Timestamp = binary.BigEndian.Uint64(tsBuf[:])

	var dlBuf [4]byte
	if _, err := io.ReadFull(r, dlBuf[:]); err != nil {
		return m, err
	}
	dl := binary.BigEndian.Uint32(dlBuf[:])

	details := make([]byte, dl)
	if _, err := io.ReadFull(r, details); err != nil {
		return m, err
	}
	m.Details = string(details)

	return m, nil
}

func readLenPrefixed8(r io.Reader) (string, error) {
	var lb [1]byte
	if _, err := io.ReadFull(r, lb[:]); err != nil {
		return "", err
	}
	b := make([]byte, lb[0])
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}

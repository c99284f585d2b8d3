// Package wire implements the binary packet codec for the NMS datagram
// protocol: registration, task distribution, metric reports, acknowledgments,
// and flow-control notifications.
package wire

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
)

// Kind identifies the payload carried by a datagram packet.
type Kind uint8

const (
	KindRegisterAgent         Kind = 0
	KindRegisterAgentResponse Kind = 1
	KindTask                  Kind = 2
	KindMetrics               Kind = 3
	KindAck                   Kind = 4
	KindFlowControl           Kind = 5
)

func (k Kind) String() string {
	switch k {
	case KindRegisterAgent:
		return "RegisterAgent"
	case KindRegisterAgentResponse:
		return "RegisterAgentResponse"
	case KindTask:
		return "Task"
	case KindMetrics:
		return "Metrics"
	case KindAck:
		return "Ack"
	case KindFlowControl:
		return "FlowControl"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// RegistrationStatus is the outcome of a RegisterAgent request.
type RegistrationStatus uint8

const (
	StatusSuccess           RegistrationStatus = 0
	StatusAlreadyRegistered RegistrationStatus = 1
	StatusInvalidID         RegistrationStatus = 2
)

var (
	// ErrUnknownPacketType is returned when a packet's kind byte does not
	// match any known Kind.
	ErrUnknownPacketType = errors.New("wire: unknown packet type")
	// ErrTruncated is returned when a packet is shorter than its kind
	// requires.
	ErrTruncated = errors.New("wire: truncated packet")
	// ErrBadChecksum is returned when a Task or Metrics packet's trailing
	// checksum does not match its body.
	ErrBadChecksum = errors.New("wire: bad checksum")
)

// AgentID is a fixed 5-character agent identifier, right-padded with spaces
// on the wire and trimmed when decoded.
type AgentID = string

const agentIDLen = 5

// TaskID is a fixed 10-character task identifier, right-padded with spaces
// on the wire and trimmed when decoded.
type TaskID = string

const taskIDLen = 10

func padTo(s string, n int) []byte {
	b := make([]byte, n)
	copy(b, s)
	for i := len(s); i < n; i++ {
		b[i] = ' '
	}
	return b
}

func trimFixed(b []byte) string {
	i := len(b)
	for i > 0 && b[i-1] == ' ' {
		i--
	}
	return string(b[:i])
}

// Header is the 3-byte header common to every datagram packet.
type Header struct {
	Kind Kind
	Seq  uint8
	Ack  uint8
}

func (h Header) append(b []byte) []byte {
	return append(b, byte(h.Kind), h.Seq, h.Ack)
}

func decodeHeader(data []byte) (Header, error) {
	if len(data) < 3 {
		return Header{}, ErrTruncated
	}
	return Header{Kind: Kind(data[0]), Seq: data[1], Ack: data[2]}, nil
}

// Packet is the decoded form of any datagram packet. Exactly one of the
// typed fields is meaningful, selected by Header.Kind.
type Packet struct {
	Header

	RegisterAgent         RegisterAgent
	RegisterAgentResponse RegisterAgentResponse
	Task                  TaskPacket
	Metrics               MetricsPacket
	FlowControl           FlowControl
}

// RegisterAgent is the payload of a KindRegisterAgent packet.
type RegisterAgent struct {
	AgentID AgentID
}

// RegisterAgentResponse is the payload of a KindRegisterAgentResponse packet.
type RegisterAgentResponse struct {
	Status RegistrationStatus
}

// FlowControl is the payload of a KindFlowControl packet.
type FlowControl struct {
	CanSend bool
}

// Encode serializes p to its wire form.
func Encode(p Packet) ([]byte, error) {
	switch p.Kind {
	case KindRegisterAgent:
		if len(p.RegisterAgent.AgentID) > agentIDLen {
			return nil, fmt.Errorf("wire: agent id %q longer than %d bytes", p.RegisterAgent.AgentID, agentIDLen)
		}
		b := p.Header.append(nil)
		b = append(b, padTo(p.RegisterAgent.AgentID, agentIDLen)...)
		return b, nil
	case KindRegisterAgentResponse:
		b := p.Header.append(nil)
		b = append(b, byte(p.RegisterAgentResponse.Status))
		return b, nil
	case KindTask:
		return encodeTaskPacket(p.Header, p.Task)
	case KindMetrics:
		return encodeMetricsPacket(p.Header, p.Metrics)
	case KindAck:
		return p.Header.append(nil), nil
	case KindFlowControl:
		b := p.Header.append(nil)
		if p.FlowControl.CanSend {
			b = append(b, 1)
		} else {
			b = append(b, 0)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownPacketType, p.Kind)
	}
}

// Decode parses data into a Packet. For checksum-carrying kinds (Task,
// Metrics), a mismatched checksum is reported as ErrBadChecksum, but the
// header is still populated in the returned Packet so the caller can ack it
// without delivering the payload (see the transport's checksum-mismatch-ack
// policy).
func Decode(data []byte) (Packet, error) {
	h, err := decodeHeader(data)
	if err != nil {
		return Packet{}, err
	}
	p := Packet{Header: h}

	switch h.Kind {
	case KindRegisterAgent:
		if len(data) < 3+agentIDLen {
			return p, ErrTruncated
		}
		p.RegisterAgent.AgentID = trimFixed(data[3 : 3+agentIDLen])
		return p, nil
	case KindRegisterAgentResponse:
		if len(data) < 4 {
			return p, ErrTruncated
		}
		p.RegisterAgentResponse.Status = RegistrationStatus(data[3])
		return p, nil
	case KindTask:
		t, err := decodeTaskPacket(data)
		p.Task = t
		return p, err
	case KindMetrics:
		m, err := decodeMetricsPacket(data)
		p.Metrics = m
		return p, err
	case KindAck:
		return p, nil
	case KindFlowControl:
		if len(data) < 4 {
			return p, ErrTruncated
		}
		p.FlowControl.CanSend = data[3] != 0
		return p, nil
	default:
		return p, fmt.Errorf("%w: %d", ErrUnknownPacketType, data[0])
	}
}

func checksumHex(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

const checksumLen = sha256.Size * 2 // hex-encoded

func appendChecksum(b []byte) []byte {
	return append(b, checksumHex(b)...)
}

func verifyChecksum(body []byte, got []byte) error {
	if len(got) != checksumLen {
		return ErrTruncated
	}
	if checksumHex(body) != string(got) {
		return ErrBadChecksum
	}
	return nil
}

// f32 round-trips a metric value, encoding an absent value as NaN.
func f32(v *float32) float32 {
	if v == nil {
		return float32(math.NaN())
	}
	return *v
}

func unf32(v float32) *float32 {
	if v != v { // NaN
		return nil
	}
	vv := v
	return &vv
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func appendString32(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func readU32(data []byte, off int) (uint32, int, error) {
	if off+4 > len(data) {
		return 0, off, ErrTruncated
	}
	return binary.BigEndian.Uint32(data[off : off+4]), off + 4, nil
}

func readString32(data []byte, off int) (string, int, error) {
	n, off, err := readU32(data, off)
	if err != nil {
		return "", off, err
	}
	if off+int(n) > len(data) {
		return "", off, ErrTruncated
	}
	return string(data[off : off+int(n)]), off + int(n), nil
}

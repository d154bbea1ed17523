package transport

import (
	"errors"
)

// PacketType identifies the type of a packet.
type PacketType byte

const (
	// File transfer packet types
	PacketFileRequest PacketType = iota + 1
	PacketFileControl
	PacketFileSeek
	PacketFileData

	// Peer lifecycle packet types
	PacketPeerLeave
)

// String returns a human-readable representation of the packet type.
func (p PacketType) String() string {
	switch p {
	case PacketFileRequest:
		return "file_request"
	case PacketFileControl:
		return "file_control"
	case PacketFileSeek:
		return "file_seek"
	case PacketFileData:
		return "file_data"
	case PacketPeerLeave:
		return "peer_leave"
	default:
		return "unknown"
	}
}

// MaxPacketSize bounds a serialized packet, type byte included.
const MaxPacketSize = 2048

// ErrPacketTooShort indicates a buffer without a packet type byte.
var ErrPacketTooShort = errors.New("packet too short")

// ErrPacketTooLarge indicates a packet that does not fit MaxPacketSize.
var ErrPacketTooLarge = errors.New("packet too large")

// Packet represents a single datagram.
type Packet struct {
	PacketType PacketType
	Data       []byte
}

// Serialize converts a packet to a byte slice for transmission.
func (p *Packet) Serialize() ([]byte, error) {
	if p.Data == nil {
		return nil, errors.New("packet data is nil")
	}
	if 1+len(p.Data) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}

	// Format: [packet type (1 byte)][data (variable length)]
	result := make([]byte, 1+len(p.Data))
	result[0] = byte(p.PacketType)
	copy(result[1:], p.Data)

	return result, nil
}

// ParsePacket converts a byte slice to a Packet structure.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < 1 {
		return nil, ErrPacketTooShort
	}

	packet := &Packet{
		PacketType: PacketType(data[0]),
		Data:       make([]byte, len(data)-1),
	}
	copy(packet.Data, data[1:])

	return packet, nil
}

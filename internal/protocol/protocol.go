package protocol

import "time"

// A PacketNumber in QUIC. Packet numbers are 62-bit integers chosen by the
// endpoint; 0 means "no packet" throughout this module.
type PacketNumber uint64

// MaxPacketNumber is the largest possible packet number.
const MaxPacketNumber PacketNumber = 1<<62 - 1

// A ByteCount in QUIC
type ByteCount int64

// The PacketType of a QUIC packet
type PacketType uint8

const (
	PacketTypeInitial PacketType = 1 + iota
	PacketTypeRetry
	PacketTypeHandshake
	PacketTypeZeroRTT
	PacketTypeOneRTT
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeInitial:
		return "Initial"
	case PacketTypeRetry:
		return "Retry"
	case PacketTypeHandshake:
		return "Handshake"
	case PacketTypeZeroRTT:
		return "0-RTT"
	case PacketTypeOneRTT:
		return "1-RTT"
	default:
		return "unknown packet type"
	}
}

// IsCryptoHandshake reports whether packets of this type carry Initial or
// Handshake cryptographic content. Retry packets are deliberately excluded:
// they are never retransmitted on the handshake alarm track.
func (t PacketType) IsCryptoHandshake() bool {
	return t == PacketTypeInitial || t == PacketTypeHandshake
}

// TimerGranularity is the period of the loss detection alarm tick.
const TimerGranularity = 25 * time.Millisecond

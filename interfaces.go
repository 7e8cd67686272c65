package recovery

import (
	"sync"
	"time"

	"github.com/AeonDave/quic-recovery/internal/monotime"
	"github.com/AeonDave/quic-recovery/internal/protocol"
)

// A Packet is the loss detector's handle on a packet that was (or is about
// to be) sent. The registry keeps the handle for as long as the packet is in
// flight and lends it back to the Transmitter for retransmissions.
type Packet interface {
	PacketNumber() protocol.PacketNumber
	PacketType() protocol.PacketType
	ConnectionID() uint64
	// IsRetransmittable reports whether the packet carries any
	// ack-eliciting content.
	IsRetransmittable() bool
	Size() protocol.ByteCount
}

// A Transmitter sends new packets and retransmits previously sent ones. It
// is shared across the connection; its mutex must always be acquired before
// the loss detector's own lock.
type Transmitter interface {
	// TransmitPacket enqueues a new packet, or signals write-readiness if
	// payload is nil. It returns the number of packets queued.
	TransmitPacket(payload Packet) uint32
	// RetransmitPacket enqueues a retransmission of the packet's
	// retransmittable frames in a new packet.
	RetransmitPacket(p Packet)
	Mutex() sync.Locker
}

// A CongestionController is informed about packets declared lost.
type CongestionController interface {
	// OnPacketsLost is called with the lost packet numbers in ascending
	// order. Calls are serialized per connection.
	OnPacketsLost(packets []protocol.PacketNumber)
}

// A TimerHandle represents a scheduled recurring callback.
type TimerHandle interface {
	// Cancel stops the callback from firing again. It doesn't wait for an
	// in-flight invocation and may be called multiple times.
	Cancel()
}

// A TimerService fires callbacks on a recurring period and provides the
// clock all loss detection timestamps are taken from.
type TimerService interface {
	ScheduleEvery(f func(), period time.Duration) TimerHandle
	Now() monotime.Time
}

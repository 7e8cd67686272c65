package wire

import (
	"time"

	"github.com/AeonDave/quic-recovery/internal/protocol"
)

// An AckBlock is one additional block of the ACK block section. Gap is the
// number of packet numbers (less one) skipped since the previous block,
// Length the number of packet numbers (less one) the block acknowledges.
type AckBlock struct {
	Gap    uint64
	Length uint64
}

// An AckFrame is a parsed ACK frame. Decoding from the wire happens in the
// surrounding transport; the loss detection core only ever sees this form.
type AckFrame struct {
	LargestAcknowledged protocol.PacketNumber
	// DelayTime is the ack delay reported by the peer. It is encoded in
	// milliseconds on the wire.
	DelayTime           time.Duration
	FirstAckBlockLength uint64
	AckBlocks           []AckBlock
}

func (*AckFrame) isFrame() {}

// HasMissingRanges reports whether the frame carries blocks beyond the first.
func (f *AckFrame) HasMissingRanges() bool {
	return len(f.AckBlocks) > 0
}

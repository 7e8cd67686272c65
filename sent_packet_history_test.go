package recovery

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/AeonDave/quic-recovery/internal/monotime"
	"github.com/AeonDave/quic-recovery/internal/protocol"
)

func insertPacket(h *sentPacketHistory, pn protocol.PacketNumber, retransmittable, handshake bool) {
	h.Insert(sentPacketInfo{
		packetNumber:    pn,
		sendTime:        monotime.Time(1),
		retransmittable: retransmittable,
		handshake:       handshake,
		length:          1200,
	})
}

func requireCountersConsistent(t *testing.T, h *sentPacketHistory) {
	t.Helper()
	var retransmittable, handshake int
	for el := h.Front(); el != nil; el = el.Next() {
		if el.retransmittable {
			retransmittable++
		}
		if el.handshake {
			handshake++
		}
	}
	require.Equal(t, retransmittable, h.RetransmittableOutstanding())
	require.Equal(t, handshake, h.HandshakeOutstanding())
}

func TestHistoryInsertAndCounters(t *testing.T) {
	h := newSentPacketHistory()
	insertPacket(h, 1, true, true)
	insertPacket(h, 2, true, false)
	insertPacket(h, 3, false, false)

	require.Equal(t, 3, h.Len())
	require.Equal(t, 2, h.RetransmittableOutstanding())
	require.Equal(t, 1, h.HandshakeOutstanding())
	requireCountersConsistent(t, h)
}

func TestHistoryRemove(t *testing.T) {
	h := newSentPacketHistory()
	insertPacket(h, 1, true, true)
	insertPacket(h, 2, true, false)

	require.True(t, h.Remove(1))
	require.Equal(t, 1, h.Len())
	require.Equal(t, 1, h.RetransmittableOutstanding())
	require.Zero(t, h.HandshakeOutstanding())
	requireCountersConsistent(t, h)

	// removing an absent packet number is a no-op
	require.False(t, h.Remove(1))
	require.False(t, h.Remove(42))
	require.Equal(t, 1, h.Len())
	requireCountersConsistent(t, h)
}

func TestHistoryRejectsNonIncreasingPacketNumbers(t *testing.T) {
	h := newSentPacketHistory()
	insertPacket(h, 5, true, false)
	require.Panics(t, func() { insertPacket(h, 5, true, false) })
	require.Panics(t, func() { insertPacket(h, 4, true, false) })
	// the largest inserted packet number doesn't decrease on removal
	h.Remove(5)
	require.Panics(t, func() { insertPacket(h, 5, true, false) })
	insertPacket(h, 6, true, false)
}

func TestHistoryIterationOrder(t *testing.T) {
	h := newSentPacketHistory()
	for _, pn := range []protocol.PacketNumber{1, 3, 7, 8} {
		insertPacket(h, pn, true, false)
	}
	h.Remove(7)

	var ascending []protocol.PacketNumber
	for el := h.Front(); el != nil; el = el.Next() {
		ascending = append(ascending, el.packetNumber)
	}
	require.Equal(t, []protocol.PacketNumber{1, 3, 8}, ascending)

	var descending []protocol.PacketNumber
	for el := h.Back(); el != nil; el = el.Prev() {
		descending = append(descending, el.packetNumber)
	}
	require.Equal(t, []protocol.PacketNumber{8, 3, 1}, descending)
}

func TestHistoryGet(t *testing.T) {
	h := newSentPacketHistory()
	insertPacket(h, 2, true, false)
	el, ok := h.Get(2)
	require.True(t, ok)
	require.Equal(t, protocol.PacketNumber(2), el.packetNumber)
	_, ok = h.Get(3)
	require.False(t, ok)
}

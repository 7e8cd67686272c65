package recovery

import (
	"fmt"

	"github.com/AeonDave/quic-recovery/internal/monotime"
	"github.com/AeonDave/quic-recovery/internal/protocol"
)

// sentPacketInfo is the registry's record of an in-flight packet. It is
// immutable after insertion; the only permitted mutation is removal.
type sentPacketInfo struct {
	packetNumber    protocol.PacketNumber
	sendTime        monotime.Time
	retransmittable bool
	handshake       bool
	length          protocol.ByteCount
	packet          Packet
}

// packetElement is a node of the history's ascending list.
type packetElement struct {
	sentPacketInfo
	next, prev *packetElement
}

// Next returns the element with the next higher packet number, or nil.
func (e *packetElement) Next() *packetElement { return e.next }

// Prev returns the element with the next lower packet number, or nil.
func (e *packetElement) Prev() *packetElement { return e.prev }

// sentPacketHistory is an ordered registry of in-flight packets. Elements
// are kept in ascending packet number order; a map provides direct lookup.
// The two outstanding counters always equal the cardinality of the matching
// subsets of the registry.
type sentPacketHistory struct {
	packetMap  map[protocol.PacketNumber]*packetElement
	head, tail *packetElement

	largestInserted protocol.PacketNumber

	retransmittableOutstanding int
	handshakeOutstanding       int
}

func newSentPacketHistory() *sentPacketHistory {
	return &sentPacketHistory{
		packetMap: make(map[protocol.PacketNumber]*packetElement),
	}
}

// Insert appends a packet to the registry. Packet numbers must be strictly
// increasing; violating that is a programming error.
func (h *sentPacketHistory) Insert(info sentPacketInfo) {
	if info.packetNumber <= h.largestInserted {
		panic(fmt.Sprintf("sentPacketHistory: packet number %d not larger than %d", info.packetNumber, h.largestInserted))
	}
	el := &packetElement{sentPacketInfo: info}
	if h.tail != nil {
		h.tail.next = el
		el.prev = h.tail
	} else {
		h.head = el
	}
	h.tail = el
	h.packetMap[info.packetNumber] = el
	h.largestInserted = info.packetNumber
	if info.handshake {
		h.handshakeOutstanding++
	}
	if info.retransmittable {
		h.retransmittableOutstanding++
	}
}

// Remove deletes a packet and updates the counters according to its flags.
// Removing an absent packet number is a no-op.
func (h *sentPacketHistory) Remove(pn protocol.PacketNumber) bool {
	el, ok := h.packetMap[pn]
	if !ok {
		return false
	}
	if el.prev != nil {
		el.prev.next = el.next
	} else {
		h.head = el.next
	}
	if el.next != nil {
		el.next.prev = el.prev
	} else {
		h.tail = el.prev
	}
	delete(h.packetMap, pn)
	if el.handshake {
		h.handshakeOutstanding--
	}
	if el.retransmittable {
		h.retransmittableOutstanding--
	}
	return true
}

// Get looks up a packet by number.
func (h *sentPacketHistory) Get(pn protocol.PacketNumber) (*packetElement, bool) {
	el, ok := h.packetMap[pn]
	return el, ok
}

// Front returns the element with the lowest packet number, or nil.
func (h *sentPacketHistory) Front() *packetElement { return h.head }

// Back returns the element with the highest packet number, or nil.
func (h *sentPacketHistory) Back() *packetElement { return h.tail }

func (h *sentPacketHistory) Len() int { return len(h.packetMap) }

func (h *sentPacketHistory) RetransmittableOutstanding() int { return h.retransmittableOutstanding }

func (h *sentPacketHistory) HandshakeOutstanding() int { return h.handshakeOutstanding }

// Package recovery implements loss detection for a QUIC connection,
// following the algorithms of the QUIC loss recovery draft: handshake
// retransmission, early retransmit / time based loss detection, Tail Loss
// Probes and the Retransmission Timeout, all driven by a single alarm.
//
// The surrounding transport is consumed through the Transmitter,
// CongestionController and TimerService interfaces; the core itself performs
// no I/O.
package recovery

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/AeonDave/quic-recovery/internal/monotime"
	"github.com/AeonDave/quic-recovery/internal/protocol"
	"github.com/AeonDave/quic-recovery/internal/utils"
	"github.com/AeonDave/quic-recovery/internal/wire"
)

const (
	// Maximum reordering in packets before packet based loss detection
	// considers a packet lost.
	reorderingThreshold protocol.PacketNumber = 3
	// Maximum reordering in time space before time based loss detection
	// considers a packet lost. Specified as an RTT multiplier.
	timeReorderingFraction = 1.0 / 8
	// Maximum number of Tail Loss Probes before firing an RTO.
	maxTLPs = 2
	// Minimum time in the future a TLP alarm may be set for.
	minTLPTimeout = 10 * time.Millisecond
	// Minimum time in the future an RTO alarm may be set for.
	minRTOTimeout = 200 * time.Millisecond
	// The length of the peer's delayed ack timer.
	delayedAckTimeout = 25 * time.Millisecond
	// The default RTT used before an RTT sample is taken.
	defaultInitialRTT = 100 * time.Millisecond
)

// ErrUnexpectedFrame is returned by HandleFrame for frame types other than
// ACK. The loss detector only advertises interest in ACK frames, so
// receiving anything else is an internal invariant violation of the caller.
var ErrUnexpectedFrame = errors.New("recovery: unexpected frame type")

// A LossDetector observes outbound packet sends and inbound
// acknowledgements, estimates the round-trip time, declares unacknowledged
// packets lost and drives the retransmission alarm.
//
// It is safe for concurrent use: every entry point acquires the per-instance
// lock. Retransmission actions additionally acquire the Transmitter's mutex
// first; the global lock order is transmitter before core.
type LossDetector struct {
	mu sync.Mutex

	transmitter Transmitter
	congestion  CongestionController
	timer       TimerService
	logger      logrus.FieldLogger

	connectionID uint64

	sentPackets *sentPacketHistory
	rttStats    *utils.RTTStats

	largestSentPacket    protocol.PacketNumber
	largestAckedPacket   protocol.PacketNumber
	timeOfLastSentPacket monotime.Time

	// The earliest time at which the oldest unacked packet crosses the
	// time loss threshold. Zero if no such moment is predicted.
	lossTime monotime.Time

	handshakeCount       uint32
	tlpCount             uint32
	rtoCount             uint32
	largestSentBeforeRTO protocol.PacketNumber

	packetReorderingThreshold protocol.PacketNumber
	timeReorderingFraction    float64

	alarmAt monotime.Time
	alarm   TimerHandle

	closed bool
}

// NewLossDetector creates a loss detector for a single connection.
//
// With timeLossDetection enabled, packets are declared lost purely by time:
// the packet reordering threshold is effectively infinite and the time
// reordering fraction applies to every ACK. Otherwise losses are detected by
// packet reordering, with early retransmit as the time based fallback once
// the largest sent packet has been acknowledged.
func NewLossDetector(
	transmitter Transmitter,
	congestion CongestionController,
	timer TimerService,
	logger logrus.FieldLogger,
	timeLossDetection bool,
) *LossDetector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &LossDetector{
		transmitter: transmitter,
		congestion:  congestion,
		timer:       timer,
		logger:      logger,
		sentPackets: newSentPacketHistory(),
		rttStats:    utils.NewRTTStats(),
	}
	if timeLossDetection {
		d.packetReorderingThreshold = protocol.MaxPacketNumber
		d.timeReorderingFraction = timeReorderingFraction
	} else {
		d.packetReorderingThreshold = reorderingThreshold
		d.timeReorderingFraction = math.Inf(1)
	}
	return d
}

// OnPacketSent registers a packet that just went on the wire.
func (d *LossDetector) OnPacketSent(p Packet) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	if d.connectionID == 0 {
		d.connectionID = p.ConnectionID()
		d.logger = d.logger.WithField("cid", fmt.Sprintf("%016x", d.connectionID))
	}

	pn := p.PacketNumber()
	now := d.timer.Now()
	d.largestSentPacket = pn
	d.timeOfLastSentPacket = now
	d.sentPackets.Insert(sentPacketInfo{
		packetNumber:    pn,
		sendTime:        now,
		retransmittable: p.IsRetransmittable(),
		handshake:       p.PacketType().IsCryptoHandshake(),
		length:          p.Size(),
		packet:          p,
	})
	d.logUnackedPackets()
	if p.IsRetransmittable() {
		d.setLossDetectionAlarm(now)
	}
}

// HandleFrame feeds a received frame to the detector. Only ACK frames are
// expected; any other frame type is logged and rejected with
// ErrUnexpectedFrame.
func (d *LossDetector) HandleFrame(f wire.Frame) error {
	ack, ok := f.(*wire.AckFrame)
	if !ok {
		d.mu.Lock()
		d.logger.Errorf("Unexpected frame type: %T", f)
		d.mu.Unlock()
		return ErrUnexpectedFrame
	}
	d.onAckReceived(ack)
	return nil
}

// LargestAckedPacketNumber returns the largest packet number the peer has
// acknowledged so far, 0 if none.
func (d *LossDetector) LargestAckedPacketNumber() protocol.PacketNumber {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.largestAckedPacket
}

// Shutdown cancels the alarm and releases the Transmitter. It is idempotent;
// all entry points become no-ops afterwards.
func (d *LossDetector) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.logger.Debugf("Shutdown")
	d.closed = true
	if d.alarm != nil {
		d.alarm.Cancel()
		d.alarm = nil
	}
	d.alarmAt = 0
	d.transmitter = nil
}

func (d *LossDetector) onAckReceived(ack *wire.AckFrame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	now := d.timer.Now()
	largestAcked := ack.LargestAcknowledged
	if largestAcked > d.largestAckedPacket {
		d.largestAckedPacket = largestAcked
	}

	// If the largest acked is newly acked, update the RTT.
	if el, ok := d.sentPackets.Get(largestAcked); ok {
		latestRTT := now.Sub(el.sendTime)
		if latestRTT > ack.DelayTime {
			latestRTT -= ack.DelayTime
		}
		d.rttStats.UpdateRTT(latestRTT)
		d.logger.Debugf("Updated RTT: %s (σ: %s)", d.rttStats.SmoothedRTT(), d.rttStats.MeanDeviation())
	}

	d.logUnackedPackets()

	// Find all newly acked packets. Numbers the frame asserts acknowledged
	// but that are no longer (or never were) in the registry are ignored.
	for _, pn := range determineNewlyAcked(ack) {
		if _, ok := d.sentPackets.Get(pn); !ok {
			continue
		}
		d.onPacketAcked(pn)
	}

	d.logUnackedPackets()

	d.detectLostPackets(now, largestAcked)

	d.logUnackedPackets()

	d.setLossDetectionAlarm(now)
}

// determineNewlyAcked expands the frame's ACK block section into the set of
// packet numbers it acknowledges, highest first.
func determineNewlyAcked(ack *wire.AckFrame) []protocol.PacketNumber {
	packets := make([]protocol.PacketNumber, 0, ack.FirstAckBlockLength+1)
	x := ack.LargestAcknowledged
	for i := uint64(0); i <= ack.FirstAckBlockLength; i++ {
		packets = append(packets, x)
		if x == 0 {
			return packets
		}
		x--
	}
	for _, block := range ack.AckBlocks {
		for i := uint64(0); i <= block.Gap; i++ {
			if x == 0 {
				return packets
			}
			x--
		}
		for i := uint64(0); i <= block.Length; i++ {
			packets = append(packets, x)
			if x == 0 {
				return packets
			}
			x--
		}
	}
	return packets
}

func (d *LossDetector) onPacketAcked(pn protocol.PacketNumber) {
	d.logger.Debugf("Packet number %d has been acked", pn)
	// If a packet sent after entering RTO is acked, the RTO was spurious.
	if d.rtoCount > 0 && pn > d.largestSentBeforeRTO {
		// TODO inform the congestion controller about the verified RTO
		d.logger.Debugf("Spurious RTO: packet %d acked after RTO", pn)
	}
	d.handshakeCount = 0
	d.tlpCount = 0
	d.rtoCount = 0
	d.sentPackets.Remove(pn)
}

// detectLostPackets declares packets lost relative to largestAcked, informs
// the congestion controller and computes the next time loss alarm.
func (d *LossDetector) detectLostPackets(now monotime.Time, largestAcked protocol.PacketNumber) {
	d.lossTime = 0

	maxRTT := float64(max(d.rttStats.LatestRTT(), d.rttStats.SmoothedRTT()))
	delayUntilLost := math.Inf(1)
	if !math.IsInf(d.timeReorderingFraction, 1) {
		delayUntilLost = (1 + d.timeReorderingFraction) * maxRTT
	} else if largestAcked == d.largestSentPacket {
		// Early retransmit alarm.
		delayUntilLost = 9.0 / 8 * maxRTT
	}

	var lostPackets []protocol.PacketNumber
	for el := d.sentPackets.Front(); el != nil; el = el.Next() {
		if el.packetNumber >= largestAcked {
			break
		}
		timeSinceSent := float64(now.Sub(el.sendTime))
		packetDelta := largestAcked - el.packetNumber
		if timeSinceSent > delayUntilLost {
			d.logger.Debugf("Lost packet %d (time threshold)", el.packetNumber)
			lostPackets = append(lostPackets, el.packetNumber)
		} else if packetDelta >= d.packetReorderingThreshold {
			d.logger.Debugf("Lost packet %d (reordering threshold)", el.packetNumber)
			lostPackets = append(lostPackets, el.packetNumber)
		} else if d.lossTime.IsZero() && !math.IsInf(delayUntilLost, 1) {
			d.lossTime = now.Add(time.Duration(delayUntilLost - timeSinceSent))
		}
	}

	// Inform the congestion controller before pruning, then remove the
	// lost entries from the registry.
	if len(lostPackets) > 0 {
		d.congestion.OnPacketsLost(lostPackets)
		for _, pn := range lostPackets {
			d.sentPackets.Remove(pn)
		}
	}
}

// setLossDetectionAlarm arms the alarm to the earliest applicable deadline,
// or cancels it when nothing retransmittable is outstanding.
func (d *LossDetector) setLossDetectionAlarm(now monotime.Time) {
	if d.sentPackets.RetransmittableOutstanding() == 0 {
		if d.alarm != nil {
			d.alarm.Cancel()
			d.alarm = nil
			d.logger.Debugf("Loss detection alarm has been unset")
		}
		d.alarmAt = 0
		return
	}

	var alarmDuration time.Duration
	switch {
	case d.sentPackets.HandshakeOutstanding() > 0:
		// Handshake retransmission alarm.
		if d.rttStats.HasMeasurement() {
			alarmDuration = 2 * d.rttStats.SmoothedRTT()
		} else {
			alarmDuration = 2 * defaultInitialRTT
		}
		alarmDuration = max(alarmDuration, minTLPTimeout)
		alarmDuration *= 1 << d.handshakeCount
		d.logger.Debugf("Handshake retransmission alarm will be set")
	case !d.lossTime.IsZero():
		// Early retransmit timer or time loss detection. The duration may
		// be negative, in which case the alarm fires on the next tick.
		alarmDuration = d.lossTime.Sub(now)
		d.logger.Debugf("Early retransmit timer or time loss detection will be set")
	case d.tlpCount < maxTLPs:
		// Tail Loss Probe.
		if d.sentPackets.RetransmittableOutstanding() > 0 {
			alarmDuration = time.Duration(1.5*float64(d.rttStats.SmoothedRTT())) + delayedAckTimeout
		} else {
			alarmDuration = minTLPTimeout
		}
		alarmDuration = max(alarmDuration, 2*d.rttStats.SmoothedRTT())
		d.logger.Debugf("TLP alarm will be set")
	default:
		// RTO alarm.
		alarmDuration = d.rttStats.SmoothedRTT() + 4*d.rttStats.MeanDeviation()
		alarmDuration = max(alarmDuration, minRTOTimeout)
		alarmDuration *= 1 << d.rtoCount
		d.logger.Debugf("RTO alarm will be set")
	}

	deadline := now.Add(alarmDuration)
	if !d.alarmAt.IsZero() && d.alarmAt.Before(deadline) {
		deadline = d.alarmAt
	}
	d.alarmAt = deadline
	d.logger.Debugf("Loss detection alarm set to fire in %s", alarmDuration)

	if d.alarm == nil {
		d.alarm = d.timer.ScheduleEvery(d.onTimerTick, protocol.TimerGranularity)
	}
}

// onTimerTick polls the armed deadline. Once it has passed, the transmitter
// lock is taken before the core lock and the deadline is re-checked, so that
// an ACK racing with the tick can disarm the alarm without deadlock.
func (d *LossDetector) onTimerTick() {
	d.mu.Lock()
	if d.closed || d.alarmAt.IsZero() || d.timer.Now().Before(d.alarmAt) {
		d.mu.Unlock()
		return
	}
	transmitter := d.transmitter
	d.mu.Unlock()

	tmu := transmitter.Mutex()
	tmu.Lock()
	defer tmu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.timer.Now()
	if d.closed || d.alarmAt.IsZero() || now.Before(d.alarmAt) {
		return
	}
	d.alarmAt = 0
	d.onLossDetectionAlarm(now)
}

// onLossDetectionAlarm runs the mode-appropriate action. Both the
// transmitter lock and the core lock are held.
func (d *LossDetector) onLossDetectionAlarm(now monotime.Time) {
	switch {
	case d.sentPackets.HandshakeOutstanding() > 0:
		// Handshake retransmission alarm.
		d.retransmitHandshakePackets()
		d.handshakeCount++
	case !d.lossTime.IsZero():
		// Early retransmit or Time Loss Detection.
		d.detectLostPackets(now, d.largestAckedPacket)
	case d.tlpCount < maxTLPs:
		// Tail Loss Probe.
		d.logger.Debugf("TLP")
		d.sendOnePacket()
		d.tlpCount++
	default:
		// RTO.
		if d.rtoCount == 0 {
			d.largestSentBeforeRTO = d.largestSentPacket
		}
		d.logger.Debugf("RTO")
		d.sendTwoPackets()
		d.rtoCount++
	}
	d.logUnackedPackets()
	d.setLossDetectionAlarm(now)
}

// retransmitHandshakePackets retransmits the contiguous prefix of handshake
// packets and removes them from the registry.
func (d *LossDetector) retransmitHandshakePackets() {
	var retransmitted []protocol.PacketNumber
	for el := d.sentPackets.Front(); el != nil; el = el.Next() {
		if !el.handshake {
			break
		}
		retransmitted = append(retransmitted, el.packetNumber)
		d.transmitter.RetransmitPacket(el.packet)
	}
	for _, pn := range retransmitted {
		d.sentPackets.Remove(pn)
	}
}

// sendOnePacket asks the Transmitter for a new packet; if none is available,
// the most recently sent packet is retransmitted instead.
func (d *LossDetector) sendOnePacket() {
	if d.transmitter.TransmitPacket(nil) < 1 {
		if el := d.sentPackets.Back(); el != nil {
			d.transmitter.RetransmitPacket(el.packet)
		}
	}
}

// sendTwoPackets retransmits the two most recently sent packets; with an
// empty registry it asks the Transmitter for a new packet instead.
func (d *LossDetector) sendTwoPackets() {
	el := d.sentPackets.Back()
	if el == nil {
		d.transmitter.TransmitPacket(nil)
		return
	}
	d.transmitter.RetransmitPacket(el.packet)
	if el = el.Prev(); el != nil {
		d.transmitter.RetransmitPacket(el.packet)
	}
}

func (d *LossDetector) logUnackedPackets() {
	d.logger.Debugf("Unacked packets %d (retransmittable %d, includes %d handshake packets)",
		d.sentPackets.Len(), d.sentPackets.RetransmittableOutstanding(), d.sentPackets.HandshakeOutstanding())
}

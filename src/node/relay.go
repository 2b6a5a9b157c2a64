package node

import (
	"sync/atomic"
	"time"

	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/fusion"
	"github.com/project-peak/peak/src/net"
	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
	"github.com/sirupsen/logrus"
)

// Stats counts what the relay engine did with the packets it handled.
type Stats struct {
	Detections       uint64 `json:"detections"`
	Received         uint64 `json:"received"`
	Forwarded        uint64 `json:"forwarded"`
	Fused            uint64 `json:"fused"`
	Delivered        uint64 `json:"delivered"`
	DroppedChecksum  uint64 `json:"dropped_checksum"`
	DroppedMalformed uint64 `json:"dropped_malformed"`
	DroppedVersion   uint64 `json:"dropped_version"`
	DroppedDuplicate uint64 `json:"dropped_duplicate"`
	DroppedExpired   uint64 `json:"dropped_expired"`
}

// Relay is the per-node state machine of the mesh protocol. It turns local
// detections into packets, floods them, and relays peer packets according to
// the TTL policy, fusing duplicate observations in flight.
//
// Detections and radio receives are independent concurrent producers, but
// both feed the single Run goroutine, so fusion and TTL decisions are never
// interleaved within one packet's processing.
type Relay struct {
	state

	conf   *config.Config
	logger *logrus.Entry

	id      packet.NodeID
	trans   net.Transport
	netCh   <-chan net.RX
	matcher *fusion.Matcher

	detectionCh chan signal.Detection
	shutdownCh  chan struct{}

	dedup  *DedupCache
	recent []*packet.Packet // recent local observations, for in-flight fusion
	seq    uint32

	// counters are atomics: the processing goroutine writes, stats
	// consumers read concurrently
	detections       uint64
	received         uint64
	forwarded        uint64
	fused            uint64
	delivered        uint64
	droppedChecksum  uint64
	droppedMalformed uint64
	droppedVersion   uint64
	droppedDuplicate uint64
	droppedExpired   uint64
}

// NewRelay is a factory method that returns a Relay instance.
func NewRelay(conf *config.Config, id packet.NodeID, trans net.Transport) *Relay {
	relay := Relay{
		conf:        conf,
		logger:      conf.Logger().WithField("this_id", id),
		id:          id,
		trans:       trans,
		netCh:       trans.Consumer(),
		matcher:     fusion.NewMatcher(conf.Fusion),
		detectionCh: make(chan signal.Detection, 16),
		shutdownCh:  make(chan struct{}),
		dedup:       NewDedupCache(conf.CacheSize, conf.DedupHorizon()),
		seq:         uint32(time.Now().UnixMilli()) ^ uint32(id)<<16,
	}

	return &relay
}

// ID returns the node's mesh identifier.
func (r *Relay) ID() packet.NodeID {
	return r.id
}

// SubmitDetection hands a local detection from the capture layer to the
// relay engine. It never blocks the capture hardware: if the inbox is full
// the detection is dropped, like any reading the node was too busy to take.
func (r *Relay) SubmitDetection(d signal.Detection) {
	select {
	case r.detectionCh <- d:
	case <-r.shutdownCh:
	default:
	}
}

// RunAsync calls Run as a separate thread. The goroutine is tracked so
// Shutdown waits for the loop to drain before closing the transport.
func (r *Relay) RunAsync() {
	r.goFunc(r.Run)
}

// Run invokes the main loop of the relay. Both producers funnel into this
// one goroutine.
func (r *Relay) Run() {
	r.trans.Listen()

	for {
		select {
		case rx := <-r.netCh:
			r.setState(Received)
			r.processPacket(rx)
			r.setState(Idle)
		case d := <-r.detectionCh:
			r.processDetection(d)
		case <-r.shutdownCh:
			return
		}
	}
}

// Shutdown terminates the run loop and closes the transport.
func (r *Relay) Shutdown() {
	if r.getState() == Shutdown {
		return
	}

	r.logger.Debug("Shutdown")
	close(r.shutdownCh)
	r.setState(Shutdown)
	r.waitRoutines()
	r.trans.Close()
}

// nextPacketID returns a packet id unique within this node's lineage scope.
func (r *Relay) nextPacketID() uint32 {
	r.seq++
	return r.seq
}

// processDetection wraps a local detection into a fresh packet and floods
// it with a full TTL budget.
func (r *Relay) processDetection(d signal.Detection) {
	atomic.AddUint64(&r.detections, 1)

	sot := make([]uint8, 0, len(d.StrengthOverTime))
	for _, s := range d.StrengthOverTime {
		sot = append(sot, packet.CompressRSSI(s))
	}

	p := &packet.Packet{
		Version:          packet.ProtocolVersion,
		ID:               r.nextPacketID(),
		Source:           r.id,
		Dest:             packet.Broadcast,
		TimestampMS:      d.TimestampMS,
		Type:             d.Type,
		Strength:         packet.CompressRSSI(d.RSSI),
		Protocol:         d.Protocol,
		SignalInfo:       packet.SignalInfo{FrequencyKHz: d.FrequencyKHz, Channel: d.Channel}.Encode(),
		StrengthOverTime: sot,
		SpeedDirection:   packet.EncodeSpeedDirection(d.SpeedMS, d.DirectionDeg),
		TTL:              r.conf.TTLMax,
	}
	p.SetPosition(d.Position)

	// Remember our own lineage so an echo of this packet is not reflooded.
	now := time.Now()
	r.dedup.Add(p.ID, now)
	r.rememberObservation(p, now)

	raw, err := p.Encode()
	if err != nil {
		r.logger.WithError(err).Error("Encoding local detection")
		return
	}

	r.setState(Forwarding)
	defer r.setState(Idle)

	if err := r.trans.Broadcast(raw); err != nil {
		r.logger.WithError(err).Error("Broadcasting local detection")
		return
	}

	atomic.AddUint64(&r.forwarded, 1)
	r.logger.WithFields(logrus.Fields{
		"packet_id": p.ID,
		"type":      p.Type.String(),
		"rssi":      p.RSSI(),
	}).Debug("Origin broadcast")
}

// processPacket applies the relay policy to one peer packet: validate,
// dedup, TTL rule, fuse, then forward or deliver.
//
// TTL rule (the source material was ambiguous; this is the one rule we
// implement): a packet received with ttl <= 0 expires silently; received
// with ttl == 1 it goes straight to the controller; otherwise ttl is
// decremented, and the packet is delivered when the decremented ttl is 1 or
// re-broadcast when it is 2 or more. No packet ever leaves this node with
// ttl <= 1 on the broadcast path.
func (r *Relay) processPacket(rx net.RX) {
	atomic.AddUint64(&r.received, 1)

	p, err := packet.Decode(rx.Payload)
	if err != nil {
		r.dropDecodeError(rx, err)
		return
	}

	now := time.Now()

	if r.dedup.Seen(p.ID, now) {
		atomic.AddUint64(&r.droppedDuplicate, 1)
		r.logger.WithField("packet_id", p.ID).Debug("Duplicate packet")
		return
	}
	r.dedup.Add(p.ID, now)

	if p.TTL == 0 {
		atomic.AddUint64(&r.droppedExpired, 1)
		// expected failure mode of lossy flooding, not an error
		return
	}

	if p.TTL == 1 {
		r.deliver(p)
		return
	}

	p.TTL--

	if p.TTL == 1 {
		r.deliver(p)
		return
	}

	r.setState(Fusing)
	if merged := r.fuseLocal(p, now); merged != nil {
		p = merged
		atomic.AddUint64(&r.fused, 1)
	}

	r.forward(p)
}

func (r *Relay) dropDecodeError(rx net.RX, err error) {
	switch {
	case packet.IsChecksumMismatch(err):
		atomic.AddUint64(&r.droppedChecksum, 1)
		r.logger.WithError(err).WithField("from", rx.From).Debug("Checksum failure")
	case packet.IsUnsupportedVersion(err):
		atomic.AddUint64(&r.droppedVersion, 1)
		// logged at warn for operator visibility: a version mismatch means
		// mixed firmware on the mesh
		r.logger.WithError(err).WithField("from", rx.From).Warn("Unsupported packet version")
	default:
		atomic.AddUint64(&r.droppedMalformed, 1)
		r.logger.WithError(err).WithField("from", rx.From).Debug("Malformed packet")
	}
}

// fuseLocal tries to merge the in-flight packet with one of this node's own
// recent observations. Lineage fields are restored after the merge: the
// flood keeps deduplicating on the original packet id whatever was fused
// into it along the way.
func (r *Relay) fuseLocal(p *packet.Packet, now time.Time) *packet.Packet {
	r.pruneObservations(now)

	for _, local := range r.recent {
		if !r.matcher.Matches(p, local) {
			continue
		}

		merged := r.matcher.Merge(p, local)
		merged.Version = p.Version
		merged.ID = p.ID
		merged.Source = p.Source
		merged.Dest = p.Dest
		merged.TTL = p.TTL

		r.logger.WithFields(logrus.Fields{
			"packet_id": p.ID,
			"local_id":  local.ID,
			"rssi":      merged.RSSI(),
		}).Debug("Fused in-flight packet")

		return merged
	}

	return nil
}

func (r *Relay) rememberObservation(p *packet.Packet, now time.Time) {
	r.pruneObservations(now)
	r.recent = append(r.recent, p)
}

// pruneObservations drops local observations older than the fusion window;
// nothing outside the window can match anyway.
func (r *Relay) pruneObservations(now time.Time) {
	cutoff := uint64(now.Add(-r.conf.Fusion.Window).UnixMilli())
	keep := r.recent[:0]
	for _, ob := range r.recent {
		if ob.TimestampMS >= cutoff {
			keep = append(keep, ob)
		}
	}
	r.recent = keep
}

// forward re-broadcasts the packet. Encode recomputes the checksum, which
// is mandatory after any in-flight mutation.
func (r *Relay) forward(p *packet.Packet) {
	r.setState(Forwarding)

	raw, err := p.Encode()
	if err != nil {
		r.logger.WithError(err).Error("Re-encoding packet")
		return
	}

	if err := r.trans.Broadcast(raw); err != nil {
		r.logger.WithError(err).Error("Forwarding packet")
		return
	}

	atomic.AddUint64(&r.forwarded, 1)
}

// deliver sends the packet point-to-point to the controller, ending the
// flood for this lineage at this node.
func (r *Relay) deliver(p *packet.Packet) {
	r.setState(Delivering)

	raw, err := p.Encode()
	if err != nil {
		r.logger.WithError(err).Error("Encoding packet for delivery")
		return
	}

	if err := r.trans.Deliver(r.conf.ControllerAddr, raw); err != nil {
		r.logger.WithError(err).Error("Delivering packet")
		return
	}

	atomic.AddUint64(&r.delivered, 1)
	r.logger.WithFields(logrus.Fields{
		"packet_id": p.ID,
		"ttl":       p.TTL,
	}).Debug("Delivered to controller")
}

// GetStats snapshots the relay counters. Callers run concurrently with the
// processing loop, so the numbers are a snapshot, not a consistent cut; they
// are used for operator dashboards only.
func (r *Relay) GetStats() Stats {
	return Stats{
		Detections:       atomic.LoadUint64(&r.detections),
		Received:         atomic.LoadUint64(&r.received),
		Forwarded:        atomic.LoadUint64(&r.forwarded),
		Fused:            atomic.LoadUint64(&r.fused),
		Delivered:        atomic.LoadUint64(&r.delivered),
		DroppedChecksum:  atomic.LoadUint64(&r.droppedChecksum),
		DroppedMalformed: atomic.LoadUint64(&r.droppedMalformed),
		DroppedVersion:   atomic.LoadUint64(&r.droppedVersion),
		DroppedDuplicate: atomic.LoadUint64(&r.droppedDuplicate),
		DroppedExpired:   atomic.LoadUint64(&r.droppedExpired),
	}
}

package controller

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/fusion"
	"github.com/project-peak/peak/src/net"
	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
	"github.com/sirupsen/logrus"
)

// TrackSink receives completed and updated track records. The presentation
// layer (dashboard, API) sits behind this push interface.
type TrackSink interface {
	PublishTrack(t *Track) error
}

// NopSink discards published tracks; the HTTP service reads the store
// directly, so a sink is optional.
type NopSink struct{}

// PublishTrack implements the TrackSink interface.
func (NopSink) PublishTrack(t *Track) error { return nil }

// ChanSink publishes tracks to a channel, mainly for tests and embedding.
type ChanSink struct {
	Ch chan *Track
}

// NewChanSink ...
func NewChanSink(buf int) *ChanSink {
	return &ChanSink{Ch: make(chan *Track, buf)}
}

// PublishTrack implements the TrackSink interface.
func (s *ChanSink) PublishTrack(t *Track) error {
	select {
	case s.Ch <- t:
	default:
	}
	return nil
}

// dedupShards partitions the packet-id dedup table so concurrent arrivals
// from many nodes never contend on a global lock.
const dedupShards = 16

type dedupShard struct {
	sync.Mutex
	ids map[uint32]struct{}
}

// Stats counts controller ingest activity. Counters are atomics because
// arrivals are concurrent.
type Stats struct {
	Received      uint64 `json:"received"`
	Duplicates    uint64 `json:"duplicates"`
	DecodeErrors  uint64 `json:"decode_errors"`
	TracksCreated uint64 `json:"tracks_created"`
	TrackUpdates  uint64 `json:"track_updates"`
}

// NodeStatus summarizes what the controller has heard from one sensing
// node, as reconstructed from its delivered observations.
type NodeStatus struct {
	NodeID       packet.NodeID   `json:"node_id"`
	Observations uint64          `json:"observations"`
	LastPosition signal.Position `json:"last_position"`
	FirstSeenMS  uint64          `json:"first_seen_ms"`
	LastSeenMS   uint64          `json:"last_seen_ms"`
}

// trackEntry is the controller-private state behind one track: the public
// record, a representative packet the matcher compares newcomers against,
// the velocity estimator, and the accumulation deadline.
type trackEntry struct {
	sync.Mutex
	track    *Track
	rep      *packet.Packet
	vel      *velocityEstimator
	deadline *time.Timer
}

// Controller ingests delivered packets, fuses them into tracks, and runs
// the triangulation pipeline. It is the exclusive owner of every Track; the
// outside world sees marshalled copies through the store and the sink.
type Controller struct {
	conf   *config.Config
	logger *logrus.Entry

	matcher    *fusion.Matcher
	tri        *Triangulator
	classifier Classifier
	policy     Policy

	store TrackStore
	sink  TrackSink

	trans net.Transport

	dedup [dedupShards]dedupShard

	tracksLock sync.RWMutex
	tracks     map[string]*trackEntry

	nodesLock sync.RWMutex
	nodes     map[packet.NodeID]*NodeStatus

	received      uint64
	duplicates    uint64
	decodeErrors  uint64
	tracksCreated uint64
	trackUpdates  uint64

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewController is a factory method that returns a Controller instance.
// trans may be nil when packets are injected directly via HandlePacket.
func NewController(conf *config.Config, trans net.Transport, store TrackStore, sink TrackSink) *Controller {
	if store == nil {
		store = NewInmemTrackStore()
	}
	if sink == nil {
		sink = NopSink{}
	}

	c := &Controller{
		conf:    conf,
		logger:  conf.Logger().WithField("component", "controller"),
		matcher: fusion.NewMatcher(conf.Fusion),
		tri: &Triangulator{
			TxPowerDBm:       conf.TxPowerDBm,
			PathLossExponent: conf.PathLossExponent,
			Quorum:           conf.Quorum,
		},
		classifier: StaticClassifier{},
		policy:     DefaultPolicy(),
		store:      store,
		sink:       sink,
		trans:      trans,
		tracks:     make(map[string]*trackEntry),
		nodes:      make(map[packet.NodeID]*NodeStatus),
		shutdownCh: make(chan struct{}),
	}

	for i := range c.dedup {
		c.dedup[i].ids = make(map[uint32]struct{})
	}

	return c
}

// SetClassifier replaces the built-in lookup with an external model.
func (c *Controller) SetClassifier(cl Classifier) {
	c.classifier = cl
}

// SetPolicy replaces the built-in threat rules.
func (c *Controller) SetPolicy(p Policy) {
	c.policy = p
}

// RunAsync calls Run as a separate thread.
func (c *Controller) RunAsync() {
	go c.Run()
}

// Run consumes delivered packets from the transport until Shutdown.
func (c *Controller) Run() {
	if c.trans == nil {
		<-c.shutdownCh
		return
	}

	c.trans.Listen()

	for {
		select {
		case rx := <-c.trans.Consumer():
			p, err := packet.Decode(rx.Payload)
			if err != nil {
				atomic.AddUint64(&c.decodeErrors, 1)
				c.logger.WithError(err).WithField("from", rx.From).Debug("Dropping undecodable delivery")
				continue
			}
			c.HandlePacket(p)
		case <-c.shutdownCh:
			return
		}
	}
}

// Shutdown stops the run loop and releases the transport and store.
func (c *Controller) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.logger.Debug("Shutdown")
		close(c.shutdownCh)
		if c.trans != nil {
			c.trans.Close()
		}
		c.store.Close()
	})
}

// HandlePacket runs one delivered packet through dedup, track assignment,
// and the triangulation pipeline. Re-delivering an already processed packet
// id is a no-op: processing is idempotent end to end.
func (c *Controller) HandlePacket(p *packet.Packet) {
	atomic.AddUint64(&c.received, 1)

	if !c.markProcessed(p.ID) {
		atomic.AddUint64(&c.duplicates, 1)
		c.logger.WithField("packet_id", p.ID).Debug("Duplicate delivery")
		return
	}

	c.noteNode(p)

	entry := c.findTrack(p)
	if entry == nil {
		c.openTrack(p)
		return
	}

	c.attach(entry, p)
}

// noteNode folds a delivered observation into the per-node registry.
// Duplicates never reach here, so the counts are per distinct lineage.
func (c *Controller) noteNode(p *packet.Packet) {
	c.nodesLock.Lock()
	defer c.nodesLock.Unlock()

	status, ok := c.nodes[p.Source]
	if !ok {
		status = &NodeStatus{NodeID: p.Source, FirstSeenMS: p.TimestampMS}
		c.nodes[p.Source] = status
	}

	status.Observations++
	if p.TimestampMS >= status.LastSeenMS {
		status.LastSeenMS = p.TimestampMS
		if p.HasPosition() {
			status.LastPosition = p.Position()
		}
	}
}

// GetNodes returns a snapshot of the node registry, ordered by node id.
func (c *Controller) GetNodes() []*NodeStatus {
	c.nodesLock.RLock()
	defer c.nodesLock.RUnlock()

	nodes := make([]*NodeStatus, 0, len(c.nodes))
	for _, status := range c.nodes {
		cp := *status
		nodes = append(nodes, &cp)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].NodeID < nodes[j].NodeID })
	return nodes
}

// markProcessed records the packet id, returning false if it was already
// there. The table is sharded by id so writes are exclusive per key without
// a global lock.
func (c *Controller) markProcessed(id uint32) bool {
	shard := &c.dedup[id%dedupShards]
	shard.Lock()
	defer shard.Unlock()

	if _, ok := shard.ids[id]; ok {
		return false
	}
	shard.ids[id] = struct{}{}
	return true
}

// findTrack returns the open track whose representative observation best
// matches p, or nil.
func (c *Controller) findTrack(p *packet.Packet) *trackEntry {
	c.tracksLock.RLock()
	defer c.tracksLock.RUnlock()

	var best *trackEntry
	bestScore := 0.0

	for _, entry := range c.tracks {
		entry.Lock()
		rep := entry.rep
		entry.Unlock()

		if !c.matcher.Matches(p, rep) {
			continue
		}

		score := matchScore(p, rep)
		if best == nil || score < bestScore {
			best, bestScore = entry, score
		}
	}

	return best
}

// matchScore ranks candidate tracks: closer in time and frequency is
// better. Only used to pick among tracks that already passed Matches.
func matchScore(p, rep *packet.Packet) float64 {
	var dt uint64
	if p.TimestampMS > rep.TimestampMS {
		dt = p.TimestampMS - rep.TimestampMS
	} else {
		dt = rep.TimestampMS - p.TimestampMS
	}

	score := float64(dt)

	si, errA := packet.ParseSignalInfo(p.SignalInfo)
	sr, errB := packet.ParseSignalInfo(rep.SignalInfo)
	if errA == nil && errB == nil {
		df := int64(si.FrequencyKHz) - int64(sr.FrequencyKHz)
		if df < 0 {
			df = -df
		}
		score += float64(df)
	}

	return score
}

func observationFromPacket(p *packet.Packet) Observation {
	return Observation{
		NodeID:      p.Source,
		Position:    p.Position(),
		RSSI:        p.RSSI(),
		TimestampMS: p.TimestampMS,
	}
}

// openTrack creates a new provisional track around the first unmatched
// observation and arms its accumulation deadline.
func (c *Controller) openTrack(p *packet.Packet) {
	atomic.AddUint64(&c.tracksCreated, 1)

	track := &Track{
		ID:             uuid.New().String(),
		Type:           p.Type,
		Protocol:       p.Protocol,
		SignalInfo:     append([]byte(nil), p.SignalInfo...),
		Observations:   []Observation{observationFromPacket(p)},
		Classification: c.classifier.Classify(p.Type, p.Protocol, p.SignalInfo),
		Provisional:    true,
		FirstSeenMS:    p.TimestampMS,
		LastUpdatedMS:  p.TimestampMS,
	}
	track.Threat = c.policy.Evaluate(track)

	entry := &trackEntry{
		track: track,
		rep:   p,
		vel:   newVelocityEstimator(c.conf.VelocityAlpha),
	}

	id := track.ID
	entry.deadline = time.AfterFunc(c.conf.AccumulationWindow, func() {
		c.deadlineExpired(id)
	})

	c.tracksLock.Lock()
	c.tracks[id] = entry
	c.tracksLock.Unlock()

	c.logger.WithFields(logrus.Fields{
		"track_id":  id,
		"packet_id": p.ID,
		"type":      p.Type.String(),
	}).Debug("Opened track")

	c.publish(entry)
}

// attach folds a delivered packet into an existing track and recomputes the
// estimates. Arrivals after the accumulation deadline land here too: late
// packets trigger recomputation, never rejection.
func (c *Controller) attach(entry *trackEntry, p *packet.Packet) {
	atomic.AddUint64(&c.trackUpdates, 1)

	entry.Lock()

	track := entry.track
	track.Observations = append(track.Observations, observationFromPacket(p))
	if p.TimestampMS >= track.LastUpdatedMS {
		track.LastUpdatedMS = p.TimestampMS
		track.SignalInfo = append([]byte(nil), p.SignalInfo...)
	}

	// The representative absorbs every observation, so future matching
	// compares against the fused picture, not the first packet.
	entry.rep = c.matcher.Merge(entry.rep, p)

	c.recompute(entry)

	entry.Unlock()

	c.publish(entry)
}

// SubmitBearing attaches a direction-of-arrival observation from an
// external DoA-capable sensor to an open track.
func (c *Controller) SubmitBearing(trackID string, ob Observation) bool {
	c.tracksLock.RLock()
	entry, ok := c.tracks[trackID]
	c.tracksLock.RUnlock()

	if !ok {
		return false
	}

	entry.Lock()
	entry.track.Observations = append(entry.track.Observations, ob)
	c.recompute(entry)
	entry.Unlock()

	c.publish(entry)
	return true
}

// recompute re-runs triangulation, velocity, classification, and threat
// evaluation over the track's current observations. Caller holds the entry
// lock.
func (c *Controller) recompute(entry *trackEntry) {
	track := entry.track

	pos, residual, err := c.tri.Solve(track.Observations)
	if err != nil {
		// Underdetermined or degenerate: stays provisional. A quality
		// state, not an error.
		c.logger.WithField("track_id", track.ID).WithError(err).Debug("Track not triangulated")
	} else {
		track.Position = &pos
		track.ResidualM = residual
		track.Confidence = Confidence(residual)
		track.Provisional = false

		if speed, heading, ok := entry.vel.update(pos, track.LastUpdatedMS); ok {
			track.SpeedMS = speed
			track.HeadingDeg = heading
		}
	}

	track.Classification = c.classifier.Classify(track.Type, track.Protocol, track.SignalInfo)
	track.Threat = c.policy.Evaluate(track)
}

// deadlineExpired emits whatever the track has when the accumulation window
// closes, provisional or not, rather than waiting indefinitely for quorum.
func (c *Controller) deadlineExpired(trackID string) {
	c.tracksLock.RLock()
	entry, ok := c.tracks[trackID]
	c.tracksLock.RUnlock()

	if !ok {
		return
	}

	entry.Lock()
	c.recompute(entry)
	provisional := entry.track.Provisional
	entry.Unlock()

	if provisional {
		c.logger.WithField("track_id", trackID).Debug("Accumulation window closed; emitting provisional track")
	}

	c.publish(entry)
}

// publish snapshots the track and pushes it to the store and the sink.
func (c *Controller) publish(entry *trackEntry) {
	entry.Lock()
	snapshot := cloneTrack(entry.track)
	entry.Unlock()

	if err := c.store.SaveTrack(snapshot); err != nil {
		c.logger.WithError(err).WithField("track_id", snapshot.ID).Error("Persisting track")
	}
	if err := c.sink.PublishTrack(snapshot); err != nil {
		c.logger.WithError(err).WithField("track_id", snapshot.ID).Error("Publishing track")
	}
}

func cloneTrack(t *Track) *Track {
	c := *t
	c.SignalInfo = append([]byte(nil), t.SignalInfo...)
	c.Observations = append([]Observation(nil), t.Observations...)
	if t.Position != nil {
		pos := *t.Position
		c.Position = &pos
	}
	return &c
}

// GetTrack returns a copy of one track.
func (c *Controller) GetTrack(id string) (*Track, error) {
	return c.store.GetTrack(id)
}

// GetTracks returns copies of all tracks.
func (c *Controller) GetTracks() ([]*Track, error) {
	return c.store.AllTracks()
}

// GetStats returns a snapshot of the ingest counters.
func (c *Controller) GetStats() Stats {
	return Stats{
		Received:      atomic.LoadUint64(&c.received),
		Duplicates:    atomic.LoadUint64(&c.duplicates),
		DecodeErrors:  atomic.LoadUint64(&c.decodeErrors),
		TracksCreated: atomic.LoadUint64(&c.tracksCreated),
		TrackUpdates:  atomic.LoadUint64(&c.trackUpdates),
	}
}

package controller

import (
	"testing"
	"time"

	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
	"github.com/sirupsen/logrus"
)

func newTestController(t *testing.T, sink TrackSink) *Controller {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.AccumulationWindow = time.Hour
	conf.Quorum = 3

	return NewController(conf, nil, nil, sink)
}

func delivered(id uint32, src packet.NodeID, pos signal.Position, rssi float64, freqKHz uint32, ts uint64) *packet.Packet {
	p := &packet.Packet{
		Version:     packet.ProtocolVersion,
		ID:          id,
		Source:      src,
		Dest:        packet.Broadcast,
		TimestampMS: ts,
		Type:        signal.TypeWiFi,
		Strength:    packet.CompressRSSI(rssi),
		Protocol:    signal.Protocol80211ac,
		SignalInfo: packet.SignalInfo{
			FrequencyKHz: freqKHz,
			Channel:      1,
		}.Encode(),
		StrengthOverTime: []uint8{packet.CompressRSSI(rssi)},
		TTL:              1,
	}
	p.SetPosition(pos)
	return p
}

func soleTrack(t *testing.T, c *Controller) *Track {
	tracks, err := c.GetTracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 {
		t.Fatalf("expected 1 track, got %d", len(tracks))
	}
	return tracks[0]
}

func TestOpenTrack(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	c.HandlePacket(delivered(1, 0x0001, triBase, -70, 2412000, 1000))

	track := soleTrack(t, c)
	if !track.Provisional {
		t.Fatal("single-observation track should be provisional")
	}
	if track.Position != nil {
		t.Fatal("provisional track should have no position")
	}
	if len(track.Observations) != 1 {
		t.Fatalf("track should have 1 observation, not %d", len(track.Observations))
	}
	if track.Classification != "Wi-Fi/802.11ac @2412MHz" {
		t.Fatalf("unexpected classification %q", track.Classification)
	}

	stats := c.GetStats()
	if stats.TracksCreated != 1 || stats.Received != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

// Re-delivering a packet id is a no-op: multiple final-hop nodes may deliver
// the same lineage.
func TestDuplicateDeliveryIdempotent(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	p := delivered(1, 0x0001, triBase, -70, 2412000, 1000)
	c.HandlePacket(p)
	c.HandlePacket(p)

	track := soleTrack(t, c)
	if len(track.Observations) != 1 {
		t.Fatalf("duplicate delivery should not add observations: %d", len(track.Observations))
	}

	stats := c.GetStats()
	if stats.Duplicates != 1 || stats.TracksCreated != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTriangulateAtQuorum(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	// emitter at ENU (50,50), three observers equidistant around it
	tri := &Triangulator{TxPowerDBm: c.conf.TxPowerDBm, PathLossExponent: c.conf.PathLossExponent}
	rssi := func(e, n float64) float64 { return modelRSSI(tri, e, n, 50, 50) }

	c.HandlePacket(delivered(1, 1, triBase.FromENU(0, 0), rssi(0, 0), 2412000, 1000))
	c.HandlePacket(delivered(2, 2, triBase.FromENU(100, 0), rssi(100, 0), 2412000, 1100))

	if track := soleTrack(t, c); !track.Provisional {
		t.Fatal("track below quorum should stay provisional")
	}

	c.HandlePacket(delivered(3, 3, triBase.FromENU(0, 100), rssi(0, 100), 2412000, 1200))

	track := soleTrack(t, c)
	if track.Provisional {
		t.Fatal("track at quorum should be triangulated")
	}
	if track.Position == nil {
		t.Fatal("triangulated track should have a position")
	}

	e, n := triBase.ENU(*track.Position)
	if e < 40 || e > 60 || n < 40 || n > 60 {
		t.Fatalf("position should be near ENU (50,50), got (%v,%v)", e, n)
	}
	if track.Confidence <= 0.5 {
		t.Fatalf("confidence should be high, got %v", track.Confidence)
	}

	nodes := track.ContributingNodes()
	if len(nodes) != 3 {
		t.Fatalf("expected 3 contributing nodes, got %v", nodes)
	}
}

func TestDistinctSignalsOpenDistinctTracks(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	c.HandlePacket(delivered(1, 1, triBase, -70, 2412000, 1000))
	c.HandlePacket(delivered(2, 2, triBase, -70, 5745000, 1000))

	tracks, err := c.GetTracks()
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 2 {
		t.Fatalf("expected 2 tracks, got %d", len(tracks))
	}
}

func TestAccumulationDeadlineEmitsProvisional(t *testing.T) {
	sink := NewChanSink(8)

	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.AccumulationWindow = 50 * time.Millisecond
	conf.Quorum = 3
	c := NewController(conf, nil, nil, sink)
	defer c.Shutdown()

	c.HandlePacket(delivered(1, 1, triBase, -70, 2412000, 1000))
	<-sink.Ch // publication on open

	select {
	case track := <-sink.Ch:
		if !track.Provisional {
			t.Fatal("deadline emission below quorum should be provisional")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for deadline emission")
	}
}

// Packets arriving after the accumulation window closed still attach and
// recompute; late does not mean rejected.
func TestLateArrivalAttaches(t *testing.T) {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.AccumulationWindow = 20 * time.Millisecond
	conf.Quorum = 3
	c := NewController(conf, nil, nil, nil)
	defer c.Shutdown()

	c.HandlePacket(delivered(1, 1, triBase, -70, 2412000, 1000))
	time.Sleep(100 * time.Millisecond)

	c.HandlePacket(delivered(2, 2, triBase.FromENU(50, 0), -72, 2412000, 1500))

	track := soleTrack(t, c)
	if len(track.Observations) != 2 {
		t.Fatalf("late packet should attach, got %d observations", len(track.Observations))
	}
}

func TestNodeRegistry(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	posA := triBase
	posA2 := triBase.FromENU(10, 0)
	posB := triBase.FromENU(50, 50)

	c.HandlePacket(delivered(1, 0x0001, posA, -70, 2412000, 1000))
	c.HandlePacket(delivered(2, 0x0001, posA2, -71, 2412000, 2000))
	c.HandlePacket(delivered(3, 0x0002, posB, -80, 2412000, 1500))

	// a duplicate delivery must not inflate the counts
	c.HandlePacket(delivered(2, 0x0001, posA2, -71, 2412000, 2000))

	nodes := c.GetNodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(nodes))
	}

	a, b := nodes[0], nodes[1]
	if a.NodeID != 0x0001 || b.NodeID != 0x0002 {
		t.Fatalf("nodes should come back ordered by id: %v, %v", a.NodeID, b.NodeID)
	}
	if a.Observations != 2 || b.Observations != 1 {
		t.Fatalf("unexpected observation counts: %d, %d", a.Observations, b.Observations)
	}
	if a.FirstSeenMS != 1000 || a.LastSeenMS != 2000 {
		t.Fatalf("node A seen range should be [1000,2000], got [%d,%d]", a.FirstSeenMS, a.LastSeenMS)
	}

	// last position follows the most recent observation
	east, _ := triBase.ENU(a.LastPosition)
	if east < 9 || east > 11 {
		t.Fatalf("node A last position should be ~10m east, got %v", east)
	}
}

func TestSubmitBearing(t *testing.T) {
	c := newTestController(t, nil)
	defer c.Shutdown()

	if c.SubmitBearing("no-such-track", Observation{}) {
		t.Fatal("bearing for unknown track should be rejected")
	}

	c.HandlePacket(delivered(1, 1, triBase, -70, 2412000, 1000))
	track := soleTrack(t, c)

	bearing := 90.0
	ok := c.SubmitBearing(track.ID, Observation{
		NodeID:      9,
		Position:    triBase,
		BearingDeg:  &bearing,
		TimestampMS: 1100,
	})
	if !ok {
		t.Fatal("bearing for open track should be accepted")
	}

	track = soleTrack(t, c)
	if len(track.Observations) != 2 {
		t.Fatalf("bearing should be recorded, got %d observations", len(track.Observations))
	}
}

package peak

import (
	"testing"
	"time"

	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/net"
	"github.com/project-peak/peak/src/signal"
	"github.com/sirupsen/logrus"
)

// End-to-end pipeline: a detection on node A floods through B, C makes the
// final hop, and the controller opens a track for it.
func TestMeshToControllerPipeline(t *testing.T) {
	const ctrlAddr = "controller"

	_, ctrlTrans := net.NewInmemTransport(ctrlAddr)

	ctrlConf := config.NewTestConfig(t, logrus.DebugLevel)
	ctrlConf.ControllerAddr = ctrlAddr
	ctrlConf.NoService = true

	engine := NewControllerEngine(ctrlConf)
	engine.Transport = ctrlTrans
	if err := engine.Init(); err != nil {
		t.Fatal(err)
	}
	go engine.Run()
	defer engine.Shutdown()

	addrs := []string{"nodeA", "nodeB", "nodeC"}
	transports := make([]*net.InmemTransport, len(addrs))
	for i, addr := range addrs {
		_, trans := net.NewInmemTransport(addr)
		transports[i] = trans
	}

	// a line topology: A - B - C
	transports[0].Connect(addrs[1], transports[1])
	transports[1].Connect(addrs[0], transports[0])
	transports[1].Connect(addrs[2], transports[2])
	transports[2].Connect(addrs[1], transports[1])

	nodes := make([]*Node, len(addrs))
	for i, trans := range transports {
		trans.RegisterEndpoint(ctrlAddr, ctrlTrans)

		conf := config.NewTestConfig(t, logrus.DebugLevel)
		conf.ControllerAddr = ctrlAddr
		conf.NodeID = uint16(i + 1)
		conf.TTLMax = 3

		n := NewNode(conf)
		n.Transport = trans
		if err := n.Init(); err != nil {
			t.Fatal(err)
		}
		go n.Run()
		nodes[i] = n
	}
	defer func() {
		for _, n := range nodes {
			n.Shutdown()
		}
	}()

	nodes[0].Relay.SubmitDetection(signal.Detection{
		Type:         signal.TypeWiFi,
		Protocol:     signal.Protocol80211ac,
		RSSI:         -68,
		FrequencyKHz: 2412000,
		Channel:      1,
		Position:     signal.Position{Lat: 38.0, Lon: -77.0},
		TimestampMS:  uint64(time.Now().UnixMilli()),
	})

	deadline := time.After(3 * time.Second)
	for {
		tracks, err := engine.Controller.GetTracks()
		if err != nil {
			t.Fatal(err)
		}
		if len(tracks) == 1 {
			track := tracks[0]
			if len(track.Observations) != 1 {
				t.Fatalf("expected 1 observation, got %d", len(track.Observations))
			}
			if track.Observations[0].NodeID != 1 {
				t.Fatalf("observation should come from node A, not %s", track.Observations[0].NodeID)
			}
			if !track.Provisional {
				t.Fatal("single-observer track should be provisional")
			}
			return
		}

		select {
		case <-deadline:
			t.Fatalf("timed out waiting for track, have %d", len(tracks))
		case <-time.After(20 * time.Millisecond):
		}
	}
}

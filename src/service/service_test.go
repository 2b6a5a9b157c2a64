package service

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/controller"
	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
	"github.com/sirupsen/logrus"
)

func testService(t *testing.T) (*Service, *controller.Controller) {
	conf := config.NewTestConfig(t, logrus.DebugLevel)
	conf.AccumulationWindow = time.Hour

	c := controller.NewController(conf, nil, nil, nil)

	p := &packet.Packet{
		Version:     packet.ProtocolVersion,
		ID:          1,
		Source:      0x0001,
		Dest:        packet.Broadcast,
		TimestampMS: 1000,
		Type:        signal.TypeWiFi,
		Strength:    packet.CompressRSSI(-70),
		Protocol:    signal.Protocol80211ac,
		SignalInfo: packet.SignalInfo{
			FrequencyKHz: 2412000,
			Channel:      1,
		}.Encode(),
		TTL: 1,
	}
	p.SetPosition(signal.Position{Lat: 38, Lon: -77})
	c.HandlePacket(p)

	return NewService("127.0.0.1:0", c, conf.Logger()), c
}

func get(t *testing.T, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("GET", path, nil)
	http.DefaultServeMux.ServeHTTP(w, r)
	return w
}

func TestServiceEndpoints(t *testing.T) {
	_, c := testService(t)
	defer c.Shutdown()

	tracks, err := c.GetTracks()
	if err != nil {
		t.Fatal(err)
	}
	trackID := tracks[0].ID

	w := get(t, "/tracks")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /tracks should be 200, not %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatal("CORS header should be set")
	}
	if !strings.Contains(w.Body.String(), trackID) {
		t.Fatalf("track list should contain %s: %s", trackID, w.Body.String())
	}

	w = get(t, "/tracks/"+trackID)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /tracks/%s should be 200, not %d", trackID, w.Code)
	}

	w = get(t, "/tracks/no-such-track")
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown track should be 404, not %d", w.Code)
	}

	w = get(t, "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /stats should be 200, not %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "tracks_created") {
		t.Fatalf("stats body should contain counters: %s", w.Body.String())
	}

	w = get(t, "/nodes")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /nodes should be 200, not %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "\"node_id\":1") {
		t.Fatalf("node list should contain the observing node: %s", w.Body.String())
	}
}

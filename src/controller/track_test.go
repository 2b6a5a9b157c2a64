package controller

import (
	"reflect"
	"testing"

	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
)

func sampleTrack() *Track {
	bearing := 45.0
	pos := signal.Position{Lat: 38.0004, Lon: -77.0006, Alt: 12}
	return &Track{
		ID:       "0b7e6f2a-test",
		Type:     signal.TypeWiFi,
		Protocol: signal.Protocol80211ac,
		SignalInfo: packet.SignalInfo{
			FrequencyKHz: 2412000,
			Channel:      1,
		}.Encode(),
		Observations: []Observation{
			{NodeID: 1, Position: signal.Position{Lat: 38, Lon: -77}, RSSI: -70, TimestampMS: 1000},
			{NodeID: 2, Position: signal.Position{Lat: 38.001, Lon: -77.001}, RSSI: -75, TimestampMS: 1100},
			{NodeID: 1, Position: signal.Position{Lat: 38, Lon: -77}, RSSI: -71, TimestampMS: 1200, BearingDeg: &bearing},
		},
		Position:       &pos,
		Confidence:     0.93,
		ResidualM:      10.5,
		SpeedMS:        2.5,
		HeadingDeg:     90,
		Classification: "Wi-Fi/802.11ac @2412MHz",
		Threat:         SeverityMedium,
		FirstSeenMS:    1000,
		LastUpdatedMS:  1200,
	}
}

func TestTrackMarshal(t *testing.T) {
	track := sampleTrack()

	data, err := track.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	got := new(Track)
	if err := got.Unmarshal(data); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(track, got) {
		t.Fatalf("track should be %#v, not %#v", track, got)
	}

	// canonical encoding: equal tracks marshal to equal bytes
	again, err := got.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(data, again) {
		t.Fatal("marshalling should be deterministic")
	}
}

func TestContributingNodes(t *testing.T) {
	track := sampleTrack()

	nodes := track.ContributingNodes()
	if !reflect.DeepEqual(nodes, []packet.NodeID{1, 2}) {
		t.Fatalf("contributing nodes should be [1 2], not %v", nodes)
	}
}

func TestDistinctPositions(t *testing.T) {
	track := sampleTrack()

	if got := track.distinctPositions(); got != 2 {
		t.Fatalf("expected 2 distinct positions, got %d", got)
	}

	track.Observations = append(track.Observations, Observation{NodeID: 3})
	if got := track.distinctPositions(); got != 2 {
		t.Fatalf("observation without a fix should not count, got %d", got)
	}
}

func TestSeverityString(t *testing.T) {
	tests := []struct {
		s    Severity
		want string
	}{
		{SeverityNone, "None"},
		{SeverityLow, "Low"},
		{SeverityMedium, "Medium"},
		{SeverityHigh, "High"},
		{Severity(42), "None"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Fatalf("Severity(%d).String() should be %q, not %q", tt.s, tt.want, got)
		}
	}
}

package controller

import (
	"bytes"

	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
	"github.com/ugorji/go/codec"
)

// Severity is the threat level attached to a track by the policy rules.
type Severity uint8

// Threat severities.
const (
	SeverityNone Severity = iota
	SeverityLow
	SeverityMedium
	SeverityHigh
)

// String ...
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "Low"
	case SeverityMedium:
		return "Medium"
	case SeverityHigh:
		return "High"
	default:
		return "None"
	}
}

// Observation is one node's contribution to a track: where the node was,
// how strongly it heard the signal, and when. Bearing is present only when
// a direction-of-arrival capable sensor supplied one.
type Observation struct {
	NodeID      packet.NodeID   `json:"node_id"`
	Position    signal.Position `json:"position"`
	RSSI        float64         `json:"rssi"`
	TimestampMS uint64          `json:"timestamp_ms"`
	BearingDeg  *float64        `json:"bearing_deg,omitempty"`
}

// Track is the controller's aggregated, evolving identity for one physical
// signal source. It is exclusively owned by the controller ingest; everyone
// else sees marshalled copies. Tracks are never deleted here; archival is
// an external policy.
type Track struct {
	ID       string          `json:"id"`
	Type     signal.Type     `json:"signal_type"`
	Protocol signal.Protocol `json:"protocol"`

	// SignalInfo is the most recent raw signal_info payload, for the
	// external classification model.
	SignalInfo []byte `json:"signal_info"`

	Observations []Observation `json:"observations"`

	// Position is nil while the track is provisional (fewer than quorum
	// distinct observer positions, or a degenerate geometry).
	Position   *signal.Position `json:"position,omitempty"`
	Confidence float64          `json:"confidence"`
	ResidualM  float64          `json:"residual_m"`

	SpeedMS    float64 `json:"speed_ms"`
	HeadingDeg float64 `json:"heading_deg"`

	Classification string   `json:"classification"`
	Threat         Severity `json:"threat"`

	Provisional bool `json:"provisional"`

	FirstSeenMS   uint64 `json:"first_seen_ms"`
	LastUpdatedMS uint64 `json:"last_updated_ms"`
}

// ContributingNodes returns the distinct node ids that observed the track.
func (t *Track) ContributingNodes() []packet.NodeID {
	seen := map[packet.NodeID]bool{}
	nodes := []packet.NodeID{}
	for _, ob := range t.Observations {
		if !seen[ob.NodeID] {
			seen[ob.NodeID] = true
			nodes = append(nodes, ob.NodeID)
		}
	}
	return nodes
}

// distinctPositions counts the distinct observer positions, which is what
// the triangulation quorum is measured in: three observations from the same
// spot constrain nothing.
func (t *Track) distinctPositions() int {
	seen := map[signal.Position]bool{}
	for _, ob := range t.Observations {
		if !ob.Position.IsZero() {
			seen[ob.Position] = true
		}
	}
	return len(seen)
}

// Marshal encodes the track with the canonical JSON codec, so equal tracks
// produce equal bytes.
func (t *Track) Marshal() ([]byte, error) {
	b := new(bytes.Buffer)
	jh := new(codec.JsonHandle)
	jh.Canonical = true
	enc := codec.NewEncoder(b, jh)

	if err := enc.Encode(t); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// Unmarshal decodes a track produced by Marshal.
func (t *Track) Unmarshal(data []byte) error {
	b := bytes.NewBuffer(data)
	jh := new(codec.JsonHandle)
	dec := codec.NewDecoder(b, jh)

	return dec.Decode(t)
}

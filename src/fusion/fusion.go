// Package fusion decides whether two observations describe the same
// real-world emission, and merges them deterministically when they do. The
// same matcher runs on every relay node (merging duplicate observations in
// flight) and on the controller (assigning packets to tracks), so merge
// outcomes must not depend on argument order or on how many hops already
// folded an observation in.
package fusion

import (
	"bytes"
	"sort"
	"time"

	"github.com/project-peak/peak/src/packet"
)

// Default matcher tolerances.
const (
	DefaultFreqToleranceKHz = 500
	DefaultWindow           = 3 * time.Second
	DefaultMaxRangeM        = 5000
	DefaultMaxSpeedMS       = 70
)

// Config holds the matcher tolerances.
type Config struct {
	// FreqToleranceKHz is the maximum centre-frequency difference for two
	// observations to be considered the same emission.
	FreqToleranceKHz uint32 `mapstructure:"freq-tolerance"`

	// Window is the maximum timestamp spread between two observations of
	// the same emission.
	Window time.Duration `mapstructure:"fusion-window"`

	// MaxRangeM is the radio hearing radius of a node. Two nodes observing
	// the same emission can be at most twice this far apart.
	MaxRangeM float64 `mapstructure:"max-range"`

	// MaxSpeedMS bounds how fast an emission source can plausibly move.
	MaxSpeedMS float64 `mapstructure:"max-speed"`
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		FreqToleranceKHz: DefaultFreqToleranceKHz,
		Window:           DefaultWindow,
		MaxRangeM:        DefaultMaxRangeM,
		MaxSpeedMS:       DefaultMaxSpeedMS,
	}
}

// Matcher applies tolerance checks and merges matching observations.
type Matcher struct {
	conf Config
}

// NewMatcher ...
func NewMatcher(conf Config) *Matcher {
	return &Matcher{conf: conf}
}

// Matches reports whether a and b plausibly describe the same emission:
// identical signal type and protocol, centre frequency within tolerance,
// timestamps within the fusion window, and, when both carry a position fix,
// an inter-observer distance a single source could account for.
func (m *Matcher) Matches(a, b *packet.Packet) bool {
	if a.Type != b.Type || a.Protocol != b.Protocol {
		return false
	}

	if !m.frequencyAgrees(a, b) {
		return false
	}

	dt := elapsedMS(a.TimestampMS, b.TimestampMS)
	if dt > uint64(m.conf.Window.Milliseconds()) {
		return false
	}

	if a.HasPosition() && b.HasPosition() {
		dist := a.Position().DistanceM(b.Position())
		limit := 2*m.conf.MaxRangeM + m.conf.MaxSpeedMS*float64(dt)/1000
		if dist > limit {
			return false
		}
	}

	return true
}

func (m *Matcher) frequencyAgrees(a, b *packet.Packet) bool {
	sa, errA := packet.ParseSignalInfo(a.SignalInfo)
	sb, errB := packet.ParseSignalInfo(b.SignalInfo)
	if errA != nil || errB != nil {
		// Opaque signal info from a foreign capture layer: only byte
		// equality can establish a match.
		return bytes.Equal(a.SignalInfo, b.SignalInfo)
	}

	diff := int64(sa.FrequencyKHz) - int64(sb.FrequencyKHz)
	if diff < 0 {
		diff = -diff
	}
	return diff <= int64(m.conf.FreqToleranceKHz)
}

// Merge combines two matching observations into one. Strength is the max,
// the position is a strength-weighted blend favouring the stronger (closer)
// observer, and the strength time series is the ordered union of both.
// Re-merging an observation that has already been absorbed returns the
// merged packet unchanged, which keeps fusion idempotent across hops.
func (m *Matcher) Merge(a, b *packet.Packet) *packet.Packet {
	aAbs, bAbs := absorbs(a, b), absorbs(b, a)
	switch {
	case aAbs && bAbs:
		// Mutual absorption: identical contributions. Break the tie
		// deterministically so argument order cannot matter.
		if observationLess(b, a) {
			return clonePacket(b)
		}
		return clonePacket(a)
	case aAbs:
		return clonePacket(a)
	case bAbs:
		return clonePacket(b)
	}

	// Deterministic orientation so Merge(a,b) == Merge(b,a).
	first, second := a, b
	if observationLess(b, a) {
		first, second = b, a
	}

	merged := clonePacket(first)

	if second.Strength > merged.Strength {
		merged.Strength = second.Strength
	}
	if second.TimestampMS < merged.TimestampMS {
		merged.TimestampMS = second.TimestampMS
	}

	merged.SetPosition(WeightedPosition(
		first.Position(), Weight(first.Strength),
		second.Position(), Weight(second.Strength),
	))

	merged.StrengthOverTime = mergeSeries(first, second)

	return merged
}

// observationLess orders two observations deterministically: by timestamp,
// then source node, then strength, then packet id.
func observationLess(a, b *packet.Packet) bool {
	if a.TimestampMS != b.TimestampMS {
		return a.TimestampMS < b.TimestampMS
	}
	if a.Source != b.Source {
		return a.Source < b.Source
	}
	if a.Strength != b.Strength {
		return a.Strength < b.Strength
	}
	return a.ID < b.ID
}

// absorbs reports whether a already accounts for everything b would
// contribute: b's strength, timestamp, and every strength sample.
func absorbs(a, b *packet.Packet) bool {
	if b.Strength > a.Strength || b.TimestampMS < a.TimestampMS {
		return false
	}
	return containsSeries(a.StrengthOverTime, b.StrengthOverTime)
}

// containsSeries reports whether sub is a multiset subset of series.
func containsSeries(series, sub []uint8) bool {
	if len(sub) > len(series) {
		return false
	}
	var counts [256]int
	for _, s := range series {
		counts[s]++
	}
	for _, s := range sub {
		counts[s]--
		if counts[s] < 0 {
			return false
		}
	}
	return true
}

// mergeSeries returns the timestamp-ordered union of the two strength
// series. Samples of the later observation that duplicate earlier ones are
// dropped so that repeated fusion does not inflate the series.
func mergeSeries(first, second *packet.Packet) []uint8 {
	out := append([]uint8(nil), first.StrengthOverTime...)

	var counts [256]int
	for _, s := range first.StrengthOverTime {
		counts[s]++
	}

	extra := make([]uint8, 0, len(second.StrengthOverTime))
	for _, s := range second.StrengthOverTime {
		if counts[s] > 0 {
			counts[s]--
			continue
		}
		extra = append(extra, s)
	}
	sort.Slice(extra, func(i, j int) bool { return extra[i] < extra[j] })

	out = append(out, extra...)

	// The radio caps the series length; keep the most recent samples.
	if len(out) > 255 {
		out = out[len(out)-255:]
	}
	return out
}

func clonePacket(p *packet.Packet) *packet.Packet {
	c := *p
	c.SignalInfo = append([]byte(nil), p.SignalInfo...)
	c.StrengthOverTime = append([]uint8(nil), p.StrengthOverTime...)
	return &c
}

func elapsedMS(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

package controller

import (
	"fmt"

	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/signal"
)

// Classifier attaches a device label to a track. The real model lives
// outside the core; this interface is its seam. The semantics of the opaque
// signal_info bytes belong to the model, not to us.
type Classifier interface {
	Classify(sigType signal.Type, protocol signal.Protocol, signalInfo []byte) string
}

// Policy evaluates threat rules against a track's current attributes and
// returns a severity flag. Like classification, the actual rule set is an
// external concern.
type Policy interface {
	Evaluate(t *Track) Severity
}

// StaticClassifier is the built-in fallback classifier: a lookup on signal
// type and protocol, refined with the centre frequency when the signal_info
// field parses.
type StaticClassifier struct{}

// Classify ...
func (StaticClassifier) Classify(sigType signal.Type, protocol signal.Protocol, signalInfo []byte) string {
	label := sigType.String()
	if protocol != signal.ProtocolUnknown {
		label = fmt.Sprintf("%s/%s", label, protocol.String())
	}

	si, err := packet.ParseSignalInfo(signalInfo)
	if err != nil {
		return label
	}

	return fmt.Sprintf("%s @%dMHz", label, si.FrequencyKHz/1000)
}

// ThresholdPolicy is the built-in threat policy: strong emitters close to
// the mesh rank higher, unknown signal types rank higher than classified
// ones, and a moving strong emitter ranks highest.
type ThresholdPolicy struct {
	// StrongRSSI is the received strength (dBm, from the nearest observer)
	// above which an emitter counts as close.
	StrongRSSI float64

	// FastSpeedMS is the track speed above which the source counts as
	// moving.
	FastSpeedMS float64
}

// DefaultPolicy returns a ThresholdPolicy with workable defaults.
func DefaultPolicy() ThresholdPolicy {
	return ThresholdPolicy{
		StrongRSSI:  -50,
		FastSpeedMS: 5,
	}
}

// Evaluate ...
func (p ThresholdPolicy) Evaluate(t *Track) Severity {
	strongest := -200.0
	for _, ob := range t.Observations {
		if ob.RSSI > strongest {
			strongest = ob.RSSI
		}
	}

	strong := strongest >= p.StrongRSSI
	unknown := t.Type == signal.TypeUnknown
	moving := t.SpeedMS >= p.FastSpeedMS

	switch {
	case strong && moving:
		return SeverityHigh
	case strong && unknown:
		return SeverityHigh
	case strong || moving:
		return SeverityMedium
	case unknown:
		return SeverityLow
	default:
		return SeverityNone
	}
}

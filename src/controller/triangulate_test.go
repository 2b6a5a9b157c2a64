package controller

import (
	"math"
	"testing"

	"github.com/project-peak/peak/src/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var triBase = signal.Position{Lat: 38.0, Lon: -77.0}

func testTriangulator() *Triangulator {
	return &Triangulator{
		TxPowerDBm:       -30,
		PathLossExponent: 2.5,
		Quorum:           3,
	}
}

// modelRSSI inverts the path-loss model so the synthetic observations are
// exactly consistent with the solver's range equation.
func modelRSSI(tri *Triangulator, nodeE, nodeN, emE, emN float64) float64 {
	d := math.Hypot(emE-nodeE, emN-nodeN)
	return tri.TxPowerDBm - 10*tri.PathLossExponent*math.Log10(d)
}

func rangeObservation(tri *Triangulator, nodeE, nodeN, emE, emN float64) Observation {
	return Observation{
		Position:    triBase.FromENU(nodeE, nodeN),
		RSSI:        modelRSSI(tri, nodeE, nodeN, emE, emN),
		TimestampMS: 1000,
	}
}

func TestRangeM(t *testing.T) {
	tri := testTriangulator()

	assert.InDelta(t, 1, tri.RangeM(-30), 1e-9)
	assert.InDelta(t, 10, tri.RangeM(-55), 1e-9)
	assert.InDelta(t, 100, tri.RangeM(-80), 1e-9)
}

func TestSolveRanges(t *testing.T) {
	tri := testTriangulator()
	const emE, emN = 120, 80

	obs := []Observation{
		rangeObservation(tri, 0, 0, emE, emN),
		rangeObservation(tri, 300, 0, emE, emN),
		rangeObservation(tri, 0, 300, emE, emN),
		rangeObservation(tri, 300, 300, emE, emN),
	}

	pos, residual, err := tri.Solve(obs)
	require.NoError(t, err)

	gotE, gotN := triBase.ENU(pos)
	assert.InDelta(t, emE, gotE, 5)
	assert.InDelta(t, emN, gotN, 5)
	assert.Less(t, residual, 5.0)
	assert.Greater(t, Confidence(residual), 0.9)
}

// Repeated readings from the same spot count as one observer, with the
// median strength; the outlier reading must not move the estimate.
func TestSolveRangesCollapsesObservers(t *testing.T) {
	tri := testTriangulator()
	const emE, emN = 120, 80

	obs := []Observation{
		rangeObservation(tri, 0, 0, emE, emN),
		rangeObservation(tri, 0, 0, emE, emN),
		{Position: triBase.FromENU(0, 0), RSSI: -110, TimestampMS: 1000}, // outlier
		rangeObservation(tri, 300, 0, emE, emN),
		rangeObservation(tri, 0, 300, emE, emN),
	}

	pos, _, err := tri.Solve(obs)
	require.NoError(t, err)

	gotE, gotN := triBase.ENU(pos)
	assert.InDelta(t, emE, gotE, 5)
	assert.InDelta(t, emN, gotN, 5)
}

func TestSolveUnderdetermined(t *testing.T) {
	tri := testTriangulator()

	obs := []Observation{
		rangeObservation(tri, 0, 0, 50, 50),
		rangeObservation(tri, 100, 0, 50, 50),
	}

	_, _, err := tri.Solve(obs)
	assert.ErrorIs(t, err, ErrUnderdetermined)
}

func TestSolveDegenerateGeometry(t *testing.T) {
	tri := testTriangulator()

	// collinear observers: ranges constrain nothing across the line
	obs := []Observation{
		rangeObservation(tri, 0, 0, 50, 50),
		rangeObservation(tri, 100, 0, 50, 50),
		rangeObservation(tri, 200, 0, 50, 50),
	}

	_, _, err := tri.Solve(obs)
	assert.ErrorIs(t, err, ErrDegenerateGeometry)
}

func TestSolveBearings(t *testing.T) {
	tri := testTriangulator()

	// emitter 100m east of the first observer
	b1 := 90.0
	b2 := 135.0
	obs := []Observation{
		{Position: triBase.FromENU(0, 0), BearingDeg: &b1, TimestampMS: 1000},
		{Position: triBase.FromENU(0, 100), BearingDeg: &b2, TimestampMS: 1000},
	}

	pos, residual, err := tri.Solve(obs)
	require.NoError(t, err)

	gotE, gotN := triBase.ENU(pos)
	assert.InDelta(t, 100, gotE, 2)
	assert.InDelta(t, 0, gotN, 2)
	assert.Less(t, residual, 2.0)
}

func TestConfidence(t *testing.T) {
	assert.Equal(t, 1.0, Confidence(0))
	assert.InDelta(t, 0.5, Confidence(100), 1e-9)
	assert.InDelta(t, 0.25, Confidence(200), 1e-9)
	assert.Greater(t, Confidence(10), Confidence(50))
}

package controller

import (
	"math"

	"github.com/project-peak/peak/src/common"
	"github.com/project-peak/peak/src/signal"
)

// velocityEstimator finite-differences successive triangulated positions of
// one track and smooths the east/north velocity components with an EMA.
// Smoothing the components rather than speed and heading directly avoids
// the 0/360 wraparound biasing the heading.
type velocityEstimator struct {
	lastPos signal.Position
	lastMS  uint64
	primed  bool

	ve *common.EMA
	vn *common.EMA
}

func newVelocityEstimator(alpha float64) *velocityEstimator {
	return &velocityEstimator{
		ve: common.NewEMA(alpha),
		vn: common.NewEMA(alpha),
	}
}

// update folds a new position fix into the estimate. ok is false until two
// time-ordered fixes have been seen. Out-of-order recomputations (a late
// packet re-triangulating an older state) leave the estimate untouched.
func (v *velocityEstimator) update(pos signal.Position, tsMS uint64) (speedMS, headingDeg float64, ok bool) {
	if !v.primed {
		v.lastPos, v.lastMS, v.primed = pos, tsMS, true
		return 0, 0, false
	}

	if tsMS <= v.lastMS {
		if !v.ve.Primed() {
			return 0, 0, false
		}
		return v.current()
	}

	dt := float64(tsMS-v.lastMS) / 1000
	east, north := v.lastPos.ENU(pos)

	v.ve.Update(east / dt)
	v.vn.Update(north / dt)

	v.lastPos, v.lastMS = pos, tsMS

	speedMS, headingDeg, _ = v.current()
	return speedMS, headingDeg, true
}

func (v *velocityEstimator) current() (speedMS, headingDeg float64, ok bool) {
	e, n := v.ve.Value(), v.vn.Value()
	speedMS = math.Hypot(e, n)
	headingDeg = math.Atan2(e, n) * 180 / math.Pi
	if headingDeg < 0 {
		headingDeg += 360
	}
	return speedMS, headingDeg, true
}

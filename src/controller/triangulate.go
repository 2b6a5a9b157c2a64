package controller

import (
	"errors"
	"math"

	"github.com/project-peak/peak/src/common"
	"github.com/project-peak/peak/src/signal"
	"gonum.org/v1/gonum/mat"
)

// Triangulation outcomes that keep a track provisional. Neither is a
// processing error: a track below quorum is a quality state.
var (
	// ErrUnderdetermined means fewer distinct observer positions than the
	// quorum requires.
	ErrUnderdetermined = errors.New("not enough distinct observers to triangulate")

	// ErrDegenerateGeometry means the observers are collinear or otherwise
	// arranged so the solve has no unique solution.
	ErrDegenerateGeometry = errors.New("degenerate observer geometry")
)

// Triangulator recovers a source position from RSSI-derived ranges, or from
// direction-of-arrival bearings when enough of them are present.
type Triangulator struct {
	// TxPowerDBm is the assumed received power at 1m from the emitter.
	TxPowerDBm float64

	// PathLossExponent models the propagation environment: 2 in free
	// space, up to ~4 in cluttered ground-level settings.
	PathLossExponent float64

	// Quorum is the minimum number of distinct observer positions.
	Quorum int
}

// RangeM converts a received strength into an estimated distance via the
// log-distance path-loss model: rssi = tx - 10*n*log10(d).
func (t *Triangulator) RangeM(rssi float64) float64 {
	return math.Pow(10, (t.TxPowerDBm-rssi)/(10*t.PathLossExponent))
}

// Solve estimates the source position from a track's observations. It
// prefers a bearing-intersection solve when two or more observations carry
// bearings; otherwise it multilaterates from RSSI-derived ranges. The
// returned residual is the RMS model error in metres.
func (t *Triangulator) Solve(obs []Observation) (signal.Position, float64, error) {
	bearings := []Observation{}
	for _, ob := range obs {
		if ob.BearingDeg != nil && !ob.Position.IsZero() {
			bearings = append(bearings, ob)
		}
	}
	if len(bearings) >= 2 {
		return t.solveBearings(bearings)
	}

	return t.solveRanges(obs)
}

// observer is one distinct position with its fused strength reading.
type observer struct {
	pos    signal.Position
	rangeM float64
}

// collapseObservers folds observations onto distinct positions, taking the
// median RSSI per position so one noisy reading cannot skew its range.
func (t *Triangulator) collapseObservers(obs []Observation) []observer {
	byPos := map[signal.Position][]float64{}
	order := []signal.Position{}
	for _, ob := range obs {
		if ob.Position.IsZero() {
			continue
		}
		if _, ok := byPos[ob.Position]; !ok {
			order = append(order, ob.Position)
		}
		byPos[ob.Position] = append(byPos[ob.Position], ob.RSSI)
	}

	observers := make([]observer, 0, len(order))
	for _, pos := range order {
		rssi := common.Median(byPos[pos])
		observers = append(observers, observer{pos: pos, rangeM: t.RangeM(rssi)})
	}
	return observers
}

// solveRanges multilaterates from range estimates: subtracting the first
// range equation from the others linearizes the system, which is then
// solved least-squares.
func (t *Triangulator) solveRanges(obs []Observation) (signal.Position, float64, error) {
	observers := t.collapseObservers(obs)
	// two observers is the floor for the linearized system, whatever the
	// configured quorum
	if len(observers) < t.Quorum || len(observers) < 2 {
		return signal.Position{}, 0, ErrUnderdetermined
	}

	origin := observers[0].pos

	type pt struct{ x, y, r float64 }
	pts := make([]pt, len(observers))
	for i, o := range observers {
		x, y := origin.ENU(o.pos)
		pts[i] = pt{x: x, y: y, r: o.rangeM}
	}

	rows := len(pts) - 1
	a := mat.NewDense(rows, 2, nil)
	b := mat.NewVecDense(rows, nil)
	r0 := pts[0].r
	for i := 1; i < len(pts); i++ {
		a.Set(i-1, 0, 2*pts[i].x)
		a.Set(i-1, 1, 2*pts[i].y)
		b.SetVec(i-1, r0*r0-pts[i].r*pts[i].r+pts[i].x*pts[i].x+pts[i].y*pts[i].y)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return signal.Position{}, 0, ErrDegenerateGeometry
	}

	ex, ey := x.AtVec(0), x.AtVec(1)

	// RMS disagreement between the solved position and the range model.
	var sq, meanRange float64
	for _, p := range pts {
		d := math.Hypot(ex-p.x, ey-p.y)
		sq += (d - p.r) * (d - p.r)
		meanRange += p.r
	}
	residual := math.Sqrt(sq / float64(len(pts)))
	meanRange /= float64(len(pts))

	est := origin.FromENU(ex, ey)
	est.Alt = meanAlt(observers)

	return est, residual, nil
}

// solveBearings intersects direction-of-arrival rays least-squares. Each
// bearing from position p constrains the source to the line through p with
// that heading; the normal-form equations stack into a 2-unknown system.
func (t *Triangulator) solveBearings(obs []Observation) (signal.Position, float64, error) {
	origin := obs[0].Position

	a := mat.NewDense(len(obs), 2, nil)
	b := mat.NewVecDense(len(obs), nil)
	for i, ob := range obs {
		x, y := origin.ENU(ob.Position)
		theta := *ob.BearingDeg * math.Pi / 180
		// direction (sin, cos) in east-north; normal is (cos, -sin)
		nx, ny := math.Cos(theta), -math.Sin(theta)
		a.Set(i, 0, nx)
		a.Set(i, 1, ny)
		b.SetVec(i, nx*x+ny*y)
	}

	var x mat.VecDense
	if err := x.SolveVec(a, b); err != nil {
		return signal.Position{}, 0, ErrDegenerateGeometry
	}

	ex, ey := x.AtVec(0), x.AtVec(1)

	// residual: RMS perpendicular distance from the estimate to each ray
	var sq float64
	for i := 0; i < len(obs); i++ {
		d := a.At(i, 0)*ex + a.At(i, 1)*ey - b.AtVec(i)
		sq += d * d
	}
	residual := math.Sqrt(sq / float64(len(obs)))

	est := origin.FromENU(ex, ey)

	return est, residual, nil
}

// Confidence maps a residual to (0,1]: zero residual is full confidence,
// and confidence halves every time the residual grows by the scale (100m).
func Confidence(residualM float64) float64 {
	const scaleM = 100
	return math.Pow(0.5, residualM/scaleM)
}

func meanAlt(observers []observer) float64 {
	var sum float64
	for _, o := range observers {
		sum += o.pos.Alt
	}
	return sum / float64(len(observers))
}

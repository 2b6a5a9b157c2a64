package common

// EMA is an exponential moving average. The zero value is not usable; create
// one with NewEMA. The first sample initialises the average directly so that
// the output does not ramp up from zero.
type EMA struct {
	alpha  float64
	value  float64
	primed bool
}

// NewEMA returns an EMA with smoothing factor alpha in (0,1]. Higher alpha
// weighs recent samples more heavily.
func NewEMA(alpha float64) *EMA {
	return &EMA{alpha: alpha}
}

// Update folds a new sample into the average and returns the smoothed value.
func (e *EMA) Update(sample float64) float64 {
	if !e.primed {
		e.value = sample
		e.primed = true
		return e.value
	}
	e.value = e.alpha*sample + (1-e.alpha)*e.value
	return e.value
}

// Value returns the current smoothed value.
func (e *EMA) Value() float64 {
	return e.value
}

// Primed reports whether the EMA has received at least one sample.
func (e *EMA) Primed() bool {
	return e.primed
}

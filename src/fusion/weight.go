package fusion

import "github.com/project-peak/peak/src/signal"

// Weight converts a wire-compressed signal strength into a blending weight.
// Stronger readings come from closer observers and carry proportionally more
// positional information, so weights grow linearly with the compressed
// strength scale. The +1 keeps even a floor reading from vanishing.
func Weight(strength uint8) float64 {
	return float64(strength) + 1
}

// WeightedPosition blends two observer positions by weight. With wa >> wb
// the result converges on pa, which biases merged positions toward the
// stronger, closer observation instead of letting weak distant readings
// drag the estimate away.
func WeightedPosition(pa signal.Position, wa float64, pb signal.Position, wb float64) signal.Position {
	// An observation without a fix contributes no positional information.
	switch {
	case pa.IsZero() && pb.IsZero():
		return signal.Position{}
	case pa.IsZero():
		return pb
	case pb.IsZero():
		return pa
	}

	total := wa + wb
	return signal.Position{
		Lat: (pa.Lat*wa + pb.Lat*wb) / total,
		Lon: (pa.Lon*wa + pb.Lon*wb) / total,
		Alt: (pa.Alt*wa + pb.Alt*wb) / total,
	}
}

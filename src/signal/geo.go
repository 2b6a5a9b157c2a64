package signal

import "math"

const earthRadiusM = 6371000.0

// DistanceM returns the great-circle distance in metres between two
// positions, ignoring altitude.
func (p Position) DistanceM(o Position) float64 {
	lat1 := p.Lat * math.Pi / 180
	lat2 := o.Lat * math.Pi / 180
	dLat := (o.Lat - p.Lat) * math.Pi / 180
	dLon := (o.Lon - p.Lon) * math.Pi / 180

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)

	return earthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// ENU projects o into a local east-north plane centred on p, returning
// east/north offsets in metres. An equirectangular projection is accurate to
// well under a metre at the scales a radio mesh covers.
func (p Position) ENU(o Position) (east, north float64) {
	latRad := p.Lat * math.Pi / 180
	east = (o.Lon - p.Lon) * math.Pi / 180 * earthRadiusM * math.Cos(latRad)
	north = (o.Lat - p.Lat) * math.Pi / 180 * earthRadiusM
	return east, north
}

// FromENU is the inverse of ENU: it returns the position at the given
// east/north offsets in metres from p.
func (p Position) FromENU(east, north float64) Position {
	latRad := p.Lat * math.Pi / 180
	return Position{
		Lat: p.Lat + north/earthRadiusM*180/math.Pi,
		Lon: p.Lon + east/(earthRadiusM*math.Cos(latRad))*180/math.Pi,
		Alt: p.Alt,
	}
}

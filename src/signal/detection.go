package signal

// Detection is one decoded observation produced by the capture layer. It is
// immutable once created: the relay engine copies what it needs into a
// packet and never writes back.
type Detection struct {
	// Type is the signal family (Wi-Fi, Bluetooth, ...).
	Type Type

	// Protocol is the link protocol within the family.
	Protocol Protocol

	// RSSI is the received signal strength in dBm.
	RSSI float64

	// FrequencyKHz is the centre frequency of the emission.
	FrequencyKHz uint32

	// Channel is the protocol channel number, when the demodulator knows it.
	Channel uint16

	// Position is where the detecting node was when it heard the signal.
	Position Position

	// TimestampMS is the GPS-disciplined capture time in Unix milliseconds.
	TimestampMS uint64

	// StrengthOverTime holds successive RSSI readings (dBm) taken while the
	// emission was being observed, oldest first.
	StrengthOverTime []float64

	// SpeedMS and DirectionDeg describe the estimated motion of the source,
	// when the capture layer tracks it across sweeps. Zero when unknown.
	SpeedMS      float64
	DirectionDeg float64
}

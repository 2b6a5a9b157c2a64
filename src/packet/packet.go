package packet

import (
	"errors"
	"fmt"
	"math"

	"github.com/project-peak/peak/src/signal"
)

// ProtocolVersion is the version byte written at the start of every packet.
const ProtocolVersion = 1

// Broadcast is the destination node id that addresses every node in range.
const Broadcast NodeID = 0xFFFF

// MaxPacketSize is the largest encoded packet the radio will accept. LoRa
// payloads are capped at 255 bytes.
const MaxPacketSize = 255

// TTLMax is the default packet life counter assigned at origin.
const TTLMax = 5

// NodeID identifies a sensing node on the mesh.
type NodeID uint16

// String ...
func (id NodeID) String() string {
	return fmt.Sprintf("%04X", uint16(id))
}

// Codec errors. Any of these means the packet is dropped; none of them is
// allowed to take the handler down.
var (
	// ErrChecksumMismatch means the trailing checksum does not match the
	// packet body.
	ErrChecksumMismatch = errors.New("packet checksum mismatch")

	// ErrTruncatedPacket means the buffer ended before the advertised
	// fields did.
	ErrTruncatedPacket = errors.New("truncated packet")

	// ErrUnsupportedVersion means the version byte is not one we speak.
	ErrUnsupportedVersion = errors.New("unsupported protocol version")

	// ErrMalformedField means a field failed validation after parsing.
	ErrMalformedField = errors.New("malformed packet field")

	// ErrPacketTooLarge means the encoded packet would exceed the radio MTU.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
)

// IsChecksumMismatch reports whether err stems from a checksum failure.
func IsChecksumMismatch(err error) bool {
	return errors.Is(err, ErrChecksumMismatch)
}

// IsUnsupportedVersion reports whether err stems from an unknown version
// byte.
func IsUnsupportedVersion(err error) bool {
	return errors.Is(err, ErrUnsupportedVersion)
}

// Packet is one observation in flight on the mesh. Fields hold the exact
// wire representation (fixed-point position, offset-compressed RSSI) so that
// decode(encode(p)) reproduces p bit for bit.
type Packet struct {
	Version     uint8
	ID          uint32
	Source      NodeID
	Dest        NodeID
	TimestampMS uint64

	// Position of the observing node, fixed point: degrees * 1e7 for
	// latitude and longitude, centimetres for altitude.
	LatE7 int32
	LonE7 int32
	AltCM int32

	Type     signal.Type
	Strength uint8 // RSSI dBm + 120, clamped to [0,255]
	Protocol signal.Protocol

	// SignalInfo is opaque to the relay layer. When produced locally it is
	// the 6-byte encoding of frequency and channel (see SignalInfo).
	SignalInfo []byte

	// StrengthOverTime is a series of compressed RSSI samples, oldest first.
	StrengthOverTime []uint8

	SpeedDirection uint16
	TTL            uint8
}

// Position converts the fixed-point wire position back to degrees/metres.
func (p *Packet) Position() signal.Position {
	return signal.Position{
		Lat: float64(p.LatE7) / 1e7,
		Lon: float64(p.LonE7) / 1e7,
		Alt: float64(p.AltCM) / 100,
	}
}

// SetPosition stores a geodetic position in the wire's fixed-point fields.
func (p *Packet) SetPosition(pos signal.Position) {
	p.LatE7 = int32(math.Round(pos.Lat * 1e7))
	p.LonE7 = int32(math.Round(pos.Lon * 1e7))
	p.AltCM = int32(math.Round(pos.Alt * 100))
}

// RSSI returns the signal strength in dBm.
func (p *Packet) RSSI() float64 {
	return ExpandRSSI(p.Strength)
}

// HasPosition reports whether the packet carries a position fix.
func (p *Packet) HasPosition() bool {
	return p.LatE7 != 0 || p.LonE7 != 0 || p.AltCM != 0
}

// CompressRSSI maps an RSSI reading in dBm onto the 8-bit wire scale.
// The offset places the usable range (-120..135 dBm) inside a byte.
func CompressRSSI(rssi float64) uint8 {
	v := math.Round(rssi + 120)
	if v < 0 {
		v = 0
	}
	if v > 255 {
		v = 255
	}
	return uint8(v)
}

// ExpandRSSI reverses CompressRSSI.
func ExpandRSSI(v uint8) float64 {
	return float64(v) - 120
}

// EncodeSpeedDirection packs speed (m/s, saturating at 255) and a compass
// direction (degrees) into the 16-bit wire field.
func EncodeSpeedDirection(speedMS, directionDeg float64) uint16 {
	s := math.Round(speedMS)
	if s < 0 {
		s = 0
	}
	if s > 255 {
		s = 255
	}
	d := math.Mod(directionDeg, 360)
	if d < 0 {
		d += 360
	}
	dir := math.Round(d / 360 * 255)
	return uint16(s)<<8 | uint16(dir)
}

// DecodeSpeedDirection reverses EncodeSpeedDirection. Direction resolution
// on the wire is about 1.4 degrees.
func DecodeSpeedDirection(v uint16) (speedMS, directionDeg float64) {
	speedMS = float64(v >> 8)
	directionDeg = float64(v&0xFF) / 255 * 360
	return speedMS, directionDeg
}

// SignalInfo is the decoded form of the signal_info field as produced by
// our own capture layer: centre frequency and channel number.
type SignalInfo struct {
	FrequencyKHz uint32
	Channel      uint16
}

// signalInfoSize is the wire size of a locally produced signal_info field.
const signalInfoSize = 6

// Encode returns the 6-byte wire form.
func (si SignalInfo) Encode() []byte {
	b := make([]byte, signalInfoSize)
	b[0] = byte(si.FrequencyKHz >> 24)
	b[1] = byte(si.FrequencyKHz >> 16)
	b[2] = byte(si.FrequencyKHz >> 8)
	b[3] = byte(si.FrequencyKHz)
	b[4] = byte(si.Channel >> 8)
	b[5] = byte(si.Channel)
	return b
}

// ParseSignalInfo decodes a locally produced signal_info field. Fields from
// foreign capture layers may be longer; only the leading 6 bytes are read.
func ParseSignalInfo(b []byte) (SignalInfo, error) {
	if len(b) < signalInfoSize {
		return SignalInfo{}, fmt.Errorf("%w: signal_info %d bytes", ErrMalformedField, len(b))
	}
	return SignalInfo{
		FrequencyKHz: uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]),
		Channel:      uint16(b[4])<<8 | uint16(b[5]),
	}, nil
}

// Checksum is the 16-bit additive checksum used by the wire format: the sum
// of all bytes modulo 65536.
func Checksum(data []byte) uint16 {
	var sum uint32
	for _, b := range data {
		sum += uint32(b)
	}
	return uint16(sum)
}

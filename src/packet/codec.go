package packet

import (
	"encoding/binary"
	"fmt"

	"github.com/project-peak/peak/src/signal"
)

// fixedHeaderSize covers version through protocol; fixedTrailerSize covers
// speed_direction, ttl, and checksum. The two length-prefixed fields sit in
// between.
const (
	fixedHeaderSize  = 1 + 4 + 2 + 2 + 8 + 16 + 1 + 1 + 1
	fixedTrailerSize = 2 + 1 + 2
	minPacketSize    = fixedHeaderSize + 1 + 1 + fixedTrailerSize
)

// Encode serializes the packet into its wire form and appends the checksum.
func (p *Packet) Encode() ([]byte, error) {
	if len(p.SignalInfo) > 255 {
		return nil, fmt.Errorf("%w: signal_info %d bytes", ErrMalformedField, len(p.SignalInfo))
	}
	if len(p.StrengthOverTime) > 255 {
		return nil, fmt.Errorf("%w: strength_over_time %d samples", ErrMalformedField, len(p.StrengthOverTime))
	}

	size := minPacketSize + len(p.SignalInfo) + len(p.StrengthOverTime)
	if size > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, size)
	}

	buf := make([]byte, 0, size)

	buf = append(buf, p.Version)
	buf = binary.BigEndian.AppendUint32(buf, p.ID)
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Source))
	buf = binary.BigEndian.AppendUint16(buf, uint16(p.Dest))
	buf = binary.BigEndian.AppendUint64(buf, p.TimestampMS)

	// position block: 3 x int32 fixed point, 4 reserved bytes
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.LatE7))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.LonE7))
	buf = binary.BigEndian.AppendUint32(buf, uint32(p.AltCM))
	buf = append(buf, 0, 0, 0, 0)

	buf = append(buf, uint8(p.Type), p.Strength, uint8(p.Protocol))

	buf = append(buf, uint8(len(p.SignalInfo)))
	buf = append(buf, p.SignalInfo...)
	buf = append(buf, uint8(len(p.StrengthOverTime)))
	buf = append(buf, p.StrengthOverTime...)

	buf = binary.BigEndian.AppendUint16(buf, p.SpeedDirection)
	buf = append(buf, p.TTL)

	buf = binary.BigEndian.AppendUint16(buf, Checksum(buf))

	return buf, nil
}

// reader walks a buffer with explicit bounds checks. Every read that would
// pass the end of the buffer fails with ErrTruncatedPacket instead of
// touching memory past the supplied length.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d",
			ErrTruncatedPacket, n, r.off, r.remaining())
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// Decode parses and validates a wire packet. The checksum is recomputed over
// the body and compared against the trailer before the packet is accepted.
func Decode(data []byte) (*Packet, error) {
	if len(data) < minPacketSize {
		return nil, fmt.Errorf("%w: %d bytes, minimum %d", ErrTruncatedPacket, len(data), minPacketSize)
	}
	if len(data) > MaxPacketSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooLarge, len(data))
	}

	// Verify the checksum first: a corrupt packet must not survive to any
	// further processing.
	body, trailer := data[:len(data)-2], data[len(data)-2:]
	if got, want := Checksum(body), binary.BigEndian.Uint16(trailer); got != want {
		return nil, fmt.Errorf("%w: computed %04X, trailer %04X", ErrChecksumMismatch, got, want)
	}

	r := &reader{buf: body}
	p := &Packet{}

	var err error
	if p.Version, err = r.u8(); err != nil {
		return nil, err
	}
	if p.Version != ProtocolVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, p.Version)
	}

	if p.ID, err = r.u32(); err != nil {
		return nil, err
	}

	src, err := r.u16()
	if err != nil {
		return nil, err
	}
	p.Source = NodeID(src)

	dst, err := r.u16()
	if err != nil {
		return nil, err
	}
	p.Dest = NodeID(dst)

	if p.TimestampMS, err = r.u64(); err != nil {
		return nil, err
	}

	lat, err := r.u32()
	if err != nil {
		return nil, err
	}
	lon, err := r.u32()
	if err != nil {
		return nil, err
	}
	alt, err := r.u32()
	if err != nil {
		return nil, err
	}
	p.LatE7, p.LonE7, p.AltCM = int32(lat), int32(lon), int32(alt)
	if p.LatE7 < -90*1e7 || p.LatE7 > 90*1e7 || p.LonE7 < -180*1e7 || p.LonE7 > 180*1e7 {
		return nil, fmt.Errorf("%w: position out of range", ErrMalformedField)
	}
	if _, err = r.bytes(4); err != nil { // reserved
		return nil, err
	}

	st, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.Type = signal.Type(st)

	if p.Strength, err = r.u8(); err != nil {
		return nil, err
	}

	proto, err := r.u8()
	if err != nil {
		return nil, err
	}
	p.Protocol = signal.Protocol(proto)

	siLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	si, err := r.bytes(int(siLen))
	if err != nil {
		return nil, err
	}
	// make, not append: a zero-length field must come back as an empty
	// slice so decode(encode(p)) reproduces p exactly
	p.SignalInfo = make([]byte, len(si))
	copy(p.SignalInfo, si)

	sotLen, err := r.u8()
	if err != nil {
		return nil, err
	}
	sot, err := r.bytes(int(sotLen))
	if err != nil {
		return nil, err
	}
	p.StrengthOverTime = make([]uint8, len(sot))
	copy(p.StrengthOverTime, sot)

	if p.SpeedDirection, err = r.u16(); err != nil {
		return nil, err
	}
	if p.TTL, err = r.u8(); err != nil {
		return nil, err
	}

	// Length prefixes must account for the body exactly; trailing garbage
	// would otherwise slip past the additive checksum unnoticed when it
	// sums to zero.
	if r.remaining() != 0 {
		return nil, fmt.Errorf("%w: %d unconsumed bytes", ErrMalformedField, r.remaining())
	}

	return p, nil
}

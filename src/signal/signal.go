package signal

import "fmt"

// Type identifies the family of a detected emission.
type Type uint8

// Known signal types. The zero value means the capture layer could not
// classify the emission.
const (
	TypeUnknown   Type = 0
	TypeWiFi      Type = 1
	TypeBluetooth Type = 2
	Type5G        Type = 3
	TypeLoRa      Type = 4
	TypeZigbee    Type = 5
)

// String ...
func (t Type) String() string {
	switch t {
	case TypeWiFi:
		return "Wi-Fi"
	case TypeBluetooth:
		return "Bluetooth"
	case Type5G:
		return "5G"
	case TypeLoRa:
		return "LoRa"
	case TypeZigbee:
		return "Zigbee"
	default:
		return "Unknown"
	}
}

// Protocol identifies the link protocol of a detected emission within its
// signal type.
type Protocol uint8

// Known protocols.
const (
	ProtocolUnknown   Protocol = 0
	Protocol80211n    Protocol = 1
	Protocol80211ac   Protocol = 2
	Protocol80211ax   Protocol = 3
	ProtocolBLE       Protocol = 4
	ProtocolBTClassic Protocol = 5
	ProtocolNR        Protocol = 6
)

// String ...
func (p Protocol) String() string {
	switch p {
	case Protocol80211n:
		return "802.11n"
	case Protocol80211ac:
		return "802.11ac"
	case Protocol80211ax:
		return "802.11ax"
	case ProtocolBLE:
		return "BLE"
	case ProtocolBTClassic:
		return "Classic Bluetooth"
	case ProtocolNR:
		return "NR"
	default:
		return "Unknown"
	}
}

// Position is a geodetic position as supplied by the GPS module.
type Position struct {
	Lat float64 `json:"lat"` // degrees
	Lon float64 `json:"lon"` // degrees
	Alt float64 `json:"alt"` // metres
}

// IsZero reports whether the position carries no fix.
func (p Position) IsZero() bool {
	return p.Lat == 0 && p.Lon == 0 && p.Alt == 0
}

// String ...
func (p Position) String() string {
	return fmt.Sprintf("(%.6f, %.6f, %.1fm)", p.Lat, p.Lon, p.Alt)
}

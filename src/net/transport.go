package net

import "errors"

// ErrTransportShutdown is returned when operations on a transport are
// invoked after it's been terminated.
var ErrTransportShutdown = errors.New("transport shutdown")

// RX is one raw packet arrival. The payload is owned by the receiver; no
// other goroutine retains a reference to it.
type RX struct {
	// From is the transport-level sender address, for diagnostics only.
	// Mesh-level identity lives inside the packet.
	From string

	// Payload is the encoded packet.
	Payload []byte
}

// Transport provides an interface for radio-like transports to allow a node
// to flood packets to whoever is in range and to deliver final-hop packets
// point-to-point to the controller.
type Transport interface {

	// Listen starts the transport listening.
	Listen()

	// Consumer returns a channel that can be used to consume received
	// packets.
	Consumer() <-chan RX

	// LocalAddr is used to return our local address.
	LocalAddr() string

	// Broadcast floods an encoded packet to every peer in radio range.
	// There is no acknowledgment and no retry: loss is handled by path
	// redundancy, not by the transport.
	Broadcast(payload []byte) error

	// Deliver sends an encoded packet point-to-point to the target,
	// bypassing the flood. Used for the final hop to the controller.
	Deliver(target string, payload []byte) error

	// Close permanently closes a transport, stopping any associated
	// goroutines and freeing other resources.
	Close() error
}

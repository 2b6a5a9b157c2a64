package net

import (
	"crypto/rand"
	"fmt"
	"sync"
)

// NewInmemAddr returns a new in-memory addr with
// a randomly generated UUID as the ID.
func NewInmemAddr() string {
	return generateUUID()
}

// generateUUID is used to generate a random UUID.
func generateUUID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Errorf("failed to read random bytes: %v", err))
	}

	return fmt.Sprintf("%08x-%04x-%04x-%04x-%12x",
		buf[0:4],
		buf[4:6],
		buf[6:8],
		buf[8:10],
		buf[10:16])
}

// InmemTransport implements the Transport interface, to allow the mesh to be
// exercised in-memory without a radio. Connected peers model nodes in radio
// range; a full consumer buffer drops the packet, which is exactly what a
// saturated radio does.
type InmemTransport struct {
	sync.RWMutex
	consumerCh chan RX
	localAddr  string
	peers      map[string]*InmemTransport
	endpoints  map[string]*InmemTransport
}

// NewInmemTransport is used to initialize a new transport
// and generates a random local address if none is specified.
func NewInmemTransport(addr string) (string, *InmemTransport) {
	if addr == "" {
		addr = NewInmemAddr()
	}
	trans := &InmemTransport{
		consumerCh: make(chan RX, 16),
		localAddr:  addr,
		peers:      make(map[string]*InmemTransport),
		endpoints:  make(map[string]*InmemTransport),
	}
	return addr, trans
}

// Consumer implements the Transport interface.
func (i *InmemTransport) Consumer() <-chan RX {
	return i.consumerCh
}

// LocalAddr implements the Transport interface.
func (i *InmemTransport) LocalAddr() string {
	return i.localAddr
}

// Broadcast implements the Transport interface. Every connected peer
// receives its own copy of the payload, transferring ownership hop by hop.
func (i *InmemTransport) Broadcast(payload []byte) error {
	i.RLock()
	defer i.RUnlock()

	for _, peer := range i.peers {
		peer.inject(i.localAddr, payload)
	}
	return nil
}

// Deliver implements the Transport interface. The target must have been
// registered with RegisterEndpoint or connected as a peer.
func (i *InmemTransport) Deliver(target string, payload []byte) error {
	i.RLock()
	dest, ok := i.endpoints[target]
	if !ok {
		dest, ok = i.peers[target]
	}
	i.RUnlock()

	if !ok {
		return fmt.Errorf("failed to connect to endpoint: %v", target)
	}

	dest.inject(i.localAddr, payload)
	return nil
}

func (i *InmemTransport) inject(from string, payload []byte) {
	cp := make([]byte, len(payload))
	copy(cp, payload)

	select {
	case i.consumerCh <- RX{From: from, Payload: cp}:
	default:
		// receiver saturated: the packet is lost, like any radio frame
	}
}

// Connect is used to connect this transport to another transport for
// a given peer name. This allows for local routing.
func (i *InmemTransport) Connect(peer string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.peers[peer] = trans
}

// RegisterEndpoint makes a non-peer endpoint (the controller) reachable for
// point-to-point delivery without joining the broadcast flood.
func (i *InmemTransport) RegisterEndpoint(name string, t Transport) {
	trans := t.(*InmemTransport)
	i.Lock()
	defer i.Unlock()
	i.endpoints[name] = trans
}

// Disconnect is used to remove the ability to route to a given peer.
func (i *InmemTransport) Disconnect(peer string) {
	i.Lock()
	defer i.Unlock()
	delete(i.peers, peer)
}

// DisconnectAll is used to remove all routes to peers.
func (i *InmemTransport) DisconnectAll() {
	i.Lock()
	defer i.Unlock()
	i.peers = make(map[string]*InmemTransport)
	i.endpoints = make(map[string]*InmemTransport)
}

// Close is used to permanently disable the transport.
func (i *InmemTransport) Close() error {
	i.DisconnectAll()
	return nil
}

// Listen is an empty function as there is no need to defer
// initialisation of the InMem service.
func (i *InmemTransport) Listen() {
}

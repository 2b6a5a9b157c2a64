package net

import (
	"net"
	"sync"

	"github.com/project-peak/peak/src/packet"
	"github.com/sirupsen/logrus"
)

// UDPTransport runs the mesh protocol over UDP datagrams. It stands in for
// the radio on gateway deployments where nodes share an IP segment: a
// broadcast is one datagram to each configured peer, a delivery is one
// datagram to the controller. Datagrams are fire-and-forget, preserving the
// no-ack semantics of the radio flood.
type UDPTransport struct {
	logger *logrus.Entry

	conn      *net.UDPConn
	peers     []*net.UDPAddr
	consumeCh chan RX

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewUDPTransport binds a UDP socket on bindAddr and resolves the peer list.
func NewUDPTransport(bindAddr string, peers []string, logger *logrus.Entry) (*UDPTransport, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}

	resolved := make([]*net.UDPAddr, 0, len(peers))
	for _, p := range peers {
		pa, err := net.ResolveUDPAddr("udp", p)
		if err != nil {
			conn.Close()
			return nil, err
		}
		resolved = append(resolved, pa)
	}

	trans := &UDPTransport{
		logger:     logger,
		conn:       conn,
		peers:      resolved,
		consumeCh:  make(chan RX, 16),
		shutdownCh: make(chan struct{}),
	}

	return trans, nil
}

// Listen starts the receive loop.
func (u *UDPTransport) Listen() {
	go u.listen()
}

func (u *UDPTransport) listen() {
	buf := make([]byte, packet.MaxPacketSize+1)
	for {
		n, from, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-u.shutdownCh:
				return
			default:
				u.logger.WithError(err).Error("UDP read")
				continue
			}
		}

		payload := make([]byte, n)
		copy(payload, buf[:n])

		select {
		case u.consumeCh <- RX{From: from.String(), Payload: payload}:
		default:
			// consumer saturated: drop, as the radio would
		}
	}
}

// Consumer implements the Transport interface.
func (u *UDPTransport) Consumer() <-chan RX {
	return u.consumeCh
}

// LocalAddr implements the Transport interface.
func (u *UDPTransport) LocalAddr() string {
	return u.conn.LocalAddr().String()
}

// Broadcast implements the Transport interface.
func (u *UDPTransport) Broadcast(payload []byte) error {
	if u.isShutdown() {
		return ErrTransportShutdown
	}
	for _, peer := range u.peers {
		if _, err := u.conn.WriteToUDP(payload, peer); err != nil {
			// One unreachable peer must not stop the flood.
			u.logger.WithError(err).WithField("peer", peer.String()).Debug("broadcast send")
		}
	}
	return nil
}

// Deliver implements the Transport interface.
func (u *UDPTransport) Deliver(target string, payload []byte) error {
	if u.isShutdown() {
		return ErrTransportShutdown
	}
	addr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		return err
	}
	_, err = u.conn.WriteToUDP(payload, addr)
	return err
}

func (u *UDPTransport) isShutdown() bool {
	select {
	case <-u.shutdownCh:
		return true
	default:
		return false
	}
}

// Close implements the Transport interface.
func (u *UDPTransport) Close() error {
	u.shutdownLock.Lock()
	defer u.shutdownLock.Unlock()

	if !u.shutdown {
		close(u.shutdownCh)
		u.shutdown = true
		return u.conn.Close()
	}
	return nil
}

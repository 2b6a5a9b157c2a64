package net

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/project-peak/peak/src/packet"
	"github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// Serial frame layout: two magic bytes, a frame type, a length byte, then
// the payload. The modem firmware handles the actual radio addressing; the
// frame type tells it whether to flood or to address the controller uplink.
const (
	frameMagic0 = 0xA5
	frameMagic1 = 0x5A

	frameBroadcast = 0x01
	frameDeliver   = 0x02
)

// SerialTransport speaks the mesh protocol through a UART-attached LoRa
// modem. Broadcasts are flooded by the modem; deliveries use the modem's
// controller uplink, so the target argument is ignored.
type SerialTransport struct {
	logger *logrus.Entry

	port      io.ReadWriteCloser
	portName  string
	consumeCh chan RX

	writeLock sync.Mutex

	shutdown     bool
	shutdownCh   chan struct{}
	shutdownLock sync.Mutex
}

// NewSerialTransport opens the modem port at the given baud rate.
func NewSerialTransport(portName string, baud int, logger *logrus.Entry) (*SerialTransport, error) {
	if logger == nil {
		log := logrus.New()
		log.Level = logrus.DebugLevel
		logger = logrus.NewEntry(log)
	}

	mode := &serial.Mode{BaudRate: baud}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", portName, err)
	}

	return newSerialTransport(port, portName, logger), nil
}

// newSerialTransport is split out so tests can drive the framing through an
// in-memory pipe instead of a real port.
func newSerialTransport(port io.ReadWriteCloser, portName string, logger *logrus.Entry) *SerialTransport {
	return &SerialTransport{
		logger:     logger,
		port:       port,
		portName:   portName,
		consumeCh:  make(chan RX, 16),
		shutdownCh: make(chan struct{}),
	}
}

// Listen starts the modem read loop.
func (s *SerialTransport) Listen() {
	go s.listen()
}

func (s *SerialTransport) listen() {
	r := bufio.NewReader(s.port)
	for {
		if err := s.readFrame(r); err != nil {
			select {
			case <-s.shutdownCh:
				return
			default:
			}
			if err == io.EOF {
				return
			}
			s.logger.WithError(err).Debug("serial frame")
		}
	}
}

// readFrame scans for the magic sequence and reads one frame. Garbage bytes
// between frames (modem chatter, line noise) are skipped silently.
func (s *SerialTransport) readFrame(r *bufio.Reader) error {
	b, err := r.ReadByte()
	if err != nil {
		return err
	}
	if b != frameMagic0 {
		return nil
	}
	b, err = r.ReadByte()
	if err != nil {
		return err
	}
	if b != frameMagic1 {
		return nil
	}

	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}

	payload := make([]byte, int(hdr[1]))
	if _, err := io.ReadFull(r, payload); err != nil {
		return err
	}

	select {
	case s.consumeCh <- RX{From: s.portName, Payload: payload}:
	default:
		// consumer saturated: drop, as the radio would
	}
	return nil
}

func (s *SerialTransport) writeFrame(frameType byte, payload []byte) error {
	if len(payload) > packet.MaxPacketSize {
		return fmt.Errorf("frame payload %d exceeds %d bytes", len(payload), packet.MaxPacketSize)
	}

	frame := make([]byte, 0, 4+len(payload))
	frame = append(frame, frameMagic0, frameMagic1, frameType, byte(len(payload)))
	frame = append(frame, payload...)

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	_, err := s.port.Write(frame)
	return err
}

// Consumer implements the Transport interface.
func (s *SerialTransport) Consumer() <-chan RX {
	return s.consumeCh
}

// LocalAddr implements the Transport interface.
func (s *SerialTransport) LocalAddr() string {
	return s.portName
}

// Broadcast implements the Transport interface.
func (s *SerialTransport) Broadcast(payload []byte) error {
	if s.isShutdown() {
		return ErrTransportShutdown
	}
	return s.writeFrame(frameBroadcast, payload)
}

// Deliver implements the Transport interface. The modem owns the controller
// uplink; target is accepted for interface compatibility only.
func (s *SerialTransport) Deliver(target string, payload []byte) error {
	if s.isShutdown() {
		return ErrTransportShutdown
	}
	return s.writeFrame(frameDeliver, payload)
}

func (s *SerialTransport) isShutdown() bool {
	select {
	case <-s.shutdownCh:
		return true
	default:
		return false
	}
}

// Close implements the Transport interface.
func (s *SerialTransport) Close() error {
	s.shutdownLock.Lock()
	defer s.shutdownLock.Unlock()

	if !s.shutdown {
		close(s.shutdownCh)
		s.shutdown = true
		return s.port.Close()
	}
	return nil
}

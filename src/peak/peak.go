// Package peak wires the moving parts into runnable engines: a sensing
// node (transport + relay) and a controller (transport + ingest + store +
// API service).
package peak

import (
	"fmt"

	"github.com/project-peak/peak/src/config"
	"github.com/project-peak/peak/src/controller"
	"github.com/project-peak/peak/src/net"
	"github.com/project-peak/peak/src/node"
	"github.com/project-peak/peak/src/packet"
	"github.com/project-peak/peak/src/service"
)

// Node bundles one sensing node's components.
type Node struct {
	Config    *config.Config
	Transport net.Transport
	Relay     *node.Relay
}

// NewNode ...
func NewNode(conf *config.Config) *Node {
	return &Node{Config: conf}
}

// Init instantiates the transport and the relay engine.
func (n *Node) Init() error {
	if err := n.initTransport(); err != nil {
		return err
	}

	n.Relay = node.NewRelay(n.Config, packet.NodeID(n.Config.NodeID), n.Transport)

	return nil
}

func (n *Node) initTransport() error {
	logger := n.Config.Logger()

	if n.Transport != nil {
		// transport injected, eg. an inmem mesh in tests
		return nil
	}

	if n.Config.SerialPort != "" {
		trans, err := net.NewSerialTransport(n.Config.SerialPort, n.Config.SerialBaud, logger)
		if err != nil {
			return fmt.Errorf("creating serial transport: %w", err)
		}
		n.Transport = trans
		return nil
	}

	trans, err := net.NewUDPTransport(n.Config.BindAddr, n.Config.Peers, logger)
	if err != nil {
		return fmt.Errorf("creating UDP transport: %w", err)
	}
	n.Transport = trans
	return nil
}

// Run invokes the relay's main loop. This is a blocking call.
func (n *Node) Run() {
	n.Relay.Run()
}

// Shutdown ...
func (n *Node) Shutdown() {
	if n.Relay != nil {
		n.Relay.Shutdown()
	}
}

// ControllerEngine bundles the controller-side components.
type ControllerEngine struct {
	Config     *config.Config
	Transport  net.Transport
	Store      controller.TrackStore
	Sink       controller.TrackSink
	Controller *controller.Controller
	Service    *service.Service
}

// NewControllerEngine ...
func NewControllerEngine(conf *config.Config) *ControllerEngine {
	return &ControllerEngine{Config: conf}
}

// Init instantiates the store, the transport, the ingest engine, and the
// API service.
func (e *ControllerEngine) Init() error {
	if err := e.initStore(); err != nil {
		return err
	}

	if err := e.initTransport(); err != nil {
		return err
	}

	e.Controller = controller.NewController(e.Config, e.Transport, e.Store, e.Sink)

	if !e.Config.NoService {
		e.Service = service.NewService(e.Config.ServiceAddr, e.Controller,
			e.Config.Logger().WithField("component", "service"))
	}

	return nil
}

func (e *ControllerEngine) initStore() error {
	if e.Store != nil {
		return nil
	}

	if !e.Config.Store {
		e.Store = controller.NewInmemTrackStore()
		return nil
	}

	store, err := controller.NewBadgerTrackStore(e.Config.DatabaseDir)
	if err != nil {
		return fmt.Errorf("opening track store: %w", err)
	}
	e.Store = store
	return nil
}

func (e *ControllerEngine) initTransport() error {
	if e.Transport != nil {
		return nil
	}

	trans, err := net.NewUDPTransport(e.Config.ControllerAddr, nil, e.Config.Logger())
	if err != nil {
		return fmt.Errorf("creating controller transport: %w", err)
	}
	e.Transport = trans
	return nil
}

// Run starts the API service and invokes the ingest loop. This is a
// blocking call.
func (e *ControllerEngine) Run() {
	if e.Service != nil {
		go e.Service.Serve()
	}

	e.Controller.Run()
}

// Shutdown ...
func (e *ControllerEngine) Shutdown() {
	if e.Controller != nil {
		e.Controller.Shutdown()
	}
}

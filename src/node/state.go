package node

import (
	"sync"
	"sync/atomic"
)

// State captures the state of a relay node with respect to the packet it is
// currently processing: Idle, Received, Fusing, Forwarding, Delivering, or
// Shutdown.
type State uint32

const (
	//Idle means no packet is being processed.
	Idle State = iota
	//Received means a packet has been taken off the inbox.
	Received
	//Fusing means the packet is being matched against local observations.
	Fusing
	//Forwarding means the packet is being re-broadcast to peers.
	Forwarding
	//Delivering means the packet is on its final hop to the controller.
	Delivering
	//Shutdown is shutdown.
	Shutdown
)

// String ...
func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Received:
		return "Received"
	case Fusing:
		return "Fusing"
	case Forwarding:
		return "Forwarding"
	case Delivering:
		return "Delivering"
	case Shutdown:
		return "Shutdown"
	default:
		return "Unknown"
	}
}

// WGLIMIT is the maximum number of goroutines that can be launched through
// state.goFunc
const WGLIMIT = 20

type state struct {
	state   State
	wg      sync.WaitGroup
	wgCount int32
}

func (b *state) getState() State {
	stateAddr := (*uint32)(&b.state)
	return State(atomic.LoadUint32(stateAddr))
}

func (b *state) setState(s State) {
	stateAddr := (*uint32)(&b.state)
	atomic.StoreUint32(stateAddr, uint32(s))
}

// Start a goroutine and add it to waitgroup
func (b *state) goFunc(f func()) {
	tempWgCount := atomic.LoadInt32(&b.wgCount)
	if tempWgCount < WGLIMIT {
		b.wg.Add(1)
		atomic.AddInt32(&b.wgCount, 1)
		go func() {
			defer b.wg.Done()
			atomic.AddInt32(&b.wgCount, -1)
			f()
		}()
	}
}

func (b *state) waitRoutines() {
	b.wg.Wait()
}

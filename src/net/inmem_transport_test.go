package net

import (
	"bytes"
	"testing"
)

func TestInmemTransportBroadcast(t *testing.T) {
	addrA, transA := NewInmemTransport("")
	addrB, transB := NewInmemTransport("")
	addrC, transC := NewInmemTransport("")

	transA.Connect(addrB, transB)
	transA.Connect(addrC, transC)

	payload := []byte("emission")
	if err := transA.Broadcast(payload); err != nil {
		t.Fatal(err)
	}

	for _, trans := range []*InmemTransport{transB, transC} {
		select {
		case rx := <-trans.Consumer():
			if rx.From != addrA {
				t.Fatalf("sender should be %s, not %s", addrA, rx.From)
			}
			if !bytes.Equal(rx.Payload, payload) {
				t.Fatalf("payload should be %q, not %q", payload, rx.Payload)
			}
		default:
			t.Fatal("peer should have received the broadcast")
		}
	}

	// sender does not hear its own broadcast
	select {
	case rx := <-transA.Consumer():
		t.Fatalf("unexpected self-receive: %v", rx)
	default:
	}
}

// Each peer gets its own copy: mutating one delivery must not affect another.
func TestInmemTransportCopiesPayload(t *testing.T) {
	addrB, transB := NewInmemTransport("")
	addrC, transC := NewInmemTransport("")

	_, transA := NewInmemTransport("")
	transA.Connect(addrB, transB)
	transA.Connect(addrC, transC)

	payload := []byte{1, 2, 3}
	if err := transA.Broadcast(payload); err != nil {
		t.Fatal(err)
	}

	rxB := <-transB.Consumer()
	rxB.Payload[0] = 99

	rxC := <-transC.Consumer()
	if rxC.Payload[0] != 1 {
		t.Fatal("peers must not share payload buffers")
	}
}

func TestInmemTransportDeliver(t *testing.T) {
	_, trans := NewInmemTransport("")
	_, ctrl := NewInmemTransport("")

	trans.RegisterEndpoint("controller", ctrl)

	if err := trans.Deliver("controller", []byte("final hop")); err != nil {
		t.Fatal(err)
	}
	select {
	case rx := <-ctrl.Consumer():
		if string(rx.Payload) != "final hop" {
			t.Fatalf("unexpected payload %q", rx.Payload)
		}
	default:
		t.Fatal("endpoint should have received the delivery")
	}

	if err := trans.Deliver("nowhere", []byte("lost")); err == nil {
		t.Fatal("expected error delivering to unknown endpoint")
	}
}

// A saturated receiver drops packets instead of blocking the sender, like a
// busy radio.
func TestInmemTransportDropsWhenSaturated(t *testing.T) {
	addrB, transB := NewInmemTransport("")
	_, transA := NewInmemTransport("")
	transA.Connect(addrB, transB)

	for i := 0; i < 100; i++ {
		if err := transA.Broadcast([]byte{byte(i)}); err != nil {
			t.Fatal(err)
		}
	}

	received := 0
	for {
		select {
		case <-transB.Consumer():
			received++
			continue
		default:
		}
		break
	}

	if received != 16 {
		t.Fatalf("receiver buffer should cap at 16 packets, got %d", received)
	}
}

func TestInmemTransportDisconnect(t *testing.T) {
	addrB, transB := NewInmemTransport("")
	_, transA := NewInmemTransport("")
	transA.Connect(addrB, transB)

	transA.Disconnect(addrB)

	if err := transA.Broadcast([]byte("gone")); err != nil {
		t.Fatal(err)
	}
	select {
	case rx := <-transB.Consumer():
		t.Fatalf("disconnected peer should not receive: %v", rx)
	default:
	}
}

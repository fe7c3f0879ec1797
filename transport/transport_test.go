package transport

import (
	"net"
	"testing"
	"time"
)

func TestHostClientHandshake(t *testing.T) {
	host := New(nil)
	if err := host.StartHost(0, 4); err != nil {
		t.Fatalf("StartHost: %v", err)
	}
	defer host.Stop()

	port := host.listenConn.LocalAddr().(*net.UDPAddr).Port

	client := New(nil)
	if err := client.StartClient("127.0.0.1", port, 2000); err != nil {
		t.Fatalf("StartClient: %v", err)
	}
	defer client.Stop()

	connected := false
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !connected {
		host.Poll(func(ev Event) {
			if ev.Kind == EventConnect {
				connected = true
			}
		}, 100)
	}
	if !connected {
		t.Fatalf("host never observed client connect")
	}
}

func TestSendToUnknownPeer(t *testing.T) {
	tr := New(nil)
	if err := tr.SendTo(99, []byte("hi"), 0, true); err != ErrNoSuchPeer {
		t.Fatalf("SendTo unknown peer: got %v, want ErrNoSuchPeer", err)
	}
}

func TestPeerIDsEmptyInitially(t *testing.T) {
	tr := New(nil)
	if ids := tr.PeerIDs(); len(ids) != 0 {
		t.Fatalf("PeerIDs on fresh transport = %v, want empty", ids)
	}
}

func TestPeerRTTUnknownPeer(t *testing.T) {
	tr := New(nil)
	if _, ok := tr.PeerRTT(5); ok {
		t.Fatalf("PeerRTT reported measured for a peer that never connected")
	}
}

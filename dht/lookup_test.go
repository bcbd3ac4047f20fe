package dht

import (
	"context"
	"net"
	"testing"
	"time"
)

// startTestDHT binds a DHT to loopback so two instances can exchange
// real KRPC packets over UDP without touching the public network.
func startTestDHT(t *testing.T) *DHT {
	t.Helper()
	d, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	d.conn = conn
	d.port = conn.LocalAddr().(*net.UDPAddr).Port

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		d.Stop()
	})
	d.wg.Go(func() { d.readLoop(ctx) })
	return d
}

func TestGetPeersStreamsDiscoveredPeer(t *testing.T) {
	responder := startTestDHT(t)
	seeker := startTestDHT(t)

	var infoHash [20]byte
	copy(infoHash[:], "aaaaaaaaaaaaaaaaaaaa")

	wantPeer := string([]byte{203, 0, 113, 9, 0x1A, 0xE1}) // 203.0.113.9:6881
	responder.peerStoreMu.Lock()
	responder.peerStore[infoHash] = []string{wantPeer}
	responder.peerStoreMu.Unlock()

	responderAddr := responder.conn.LocalAddr().(*net.UDPAddr)
	responderAddr = &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: responderAddr.Port}
	seeker.routingTable.AddNode(&NodeInfo{ID: responder.ID, Addr: responderAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, err := seeker.GetPeers(ctx, infoHash)
	if err != nil {
		t.Fatalf("GetPeers failed: %v", err)
	}

	select {
	case ep, ok := <-ch:
		if !ok {
			t.Fatal("channel closed before any endpoint was delivered")
		}
		if ep.IP.String() != "203.0.113.9" || ep.Port != 6881 {
			t.Errorf("unexpected endpoint: %s", ep)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for streamed peer")
	}
}

func TestGetPeersErrorsOnEmptyRoutingTable(t *testing.T) {
	seeker := startTestDHT(t)
	var infoHash [20]byte

	_, err := seeker.GetPeers(context.Background(), infoHash)
	if err == nil {
		t.Fatal("expected error with empty routing table")
	}
}

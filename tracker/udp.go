package tracker

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand/v2"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var udpLog = logrus.WithField("component", "tracker.udp")

// UDP tracker protocol actions (BEP 15).
const (
	actionConnect  = 0
	actionAnnounce = 1
	actionError    = 3
)

const udpProtocolID = 0x41727101980

// UDPMaxRetries is the number of retransmissions attempted before a
// UDP tracker is given up on. Retry n waits udpBaseTimeout * 2^n.
const UDPMaxRetries = 3

const udpBaseTimeout = 15 * time.Second

// connIDTTL is how long a connect response's connection ID stays
// valid per BEP 15 ("This connection ID can be used for multiple
// requests, but if an announce or scrape fails to respond within 1
// minute, you should consider it invalid.").
const connIDTTL = time.Minute

type cachedConnID struct {
	id      uint64
	expires time.Time
}

// UDPClient announces to UDP trackers (BEP 15), caching each
// tracker's connection ID for connIDTTL to skip the connect round
// trip on repeated announces.
type UDPClient struct {
	mu    sync.Mutex
	conns map[string]cachedConnID
}

// NewUDPClient returns a ready-to-use UDP tracker client.
func NewUDPClient() *UDPClient { return &UDPClient{conns: make(map[string]cachedConnID)} }

// Announce connects to and announces on a UDP tracker. trackerURL is
// the tracker's "host:port" (the Host part of a udp:// URL), not the
// full URL.
func (c *UDPClient) Announce(ctx context.Context, trackerURL string, infoHash, peerID [20]byte, port int) ([]Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", trackerURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: resolve %q: %w", trackerURL, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("tracker: dial %q: %w", trackerURL, err)
	}
	defer conn.Close()

	connID, err := c.connectionID(ctx, conn, trackerURL)
	if err != nil {
		return nil, fmt.Errorf("tracker: connect to %q: %w", trackerURL, err)
	}

	peers, err := announceUDP(ctx, conn, connID, infoHash, peerID, port)
	if err != nil {
		udpLog.WithField("tracker", trackerURL).Debugf("announce failed: %v", err)
		c.mu.Lock()
		delete(c.conns, trackerURL)
		c.mu.Unlock()
		return nil, err
	}
	udpLog.WithField("tracker", trackerURL).Debugf("announce returned %d peers", len(peers))
	return peers, nil
}

// connectionID returns a still-valid cached connection ID for host,
// performing a fresh BEP 15 connect handshake when none is cached or
// the cached one has aged past connIDTTL.
func (c *UDPClient) connectionID(ctx context.Context, conn *net.UDPConn, host string) (uint64, error) {
	c.mu.Lock()
	entry, ok := c.conns[host]
	c.mu.Unlock()
	if ok && time.Now().Before(entry.expires) {
		return entry.id, nil
	}

	id, err := connectUDP(ctx, conn)
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.conns[host] = cachedConnID{id: id, expires: time.Now().Add(connIDTTL)}
	c.mu.Unlock()
	return id, nil
}

// connectUDP performs the BEP 15 connect handshake, retrying with
// exponential backoff.
func connectUDP(ctx context.Context, conn *net.UDPConn) (uint64, error) {
	txID := rand.Uint32()

	req := make([]byte, 16)
	binary.BigEndian.PutUint64(req[0:8], udpProtocolID)
	binary.BigEndian.PutUint32(req[8:12], actionConnect)
	binary.BigEndian.PutUint32(req[12:16], txID)

	resp, err := sendAndRetry(ctx, conn, req, 16)
	if err != nil {
		return 0, err
	}
	if len(resp) < 16 {
		return 0, fmt.Errorf("tracker: connect response too short (%d bytes)", len(resp))
	}
	if action := binary.BigEndian.Uint32(resp[0:4]); action != actionConnect {
		return 0, fmt.Errorf("tracker: unexpected connect action %d", action)
	}
	if got := binary.BigEndian.Uint32(resp[4:8]); got != txID {
		return 0, fmt.Errorf("tracker: connect transaction ID mismatch")
	}
	return binary.BigEndian.Uint64(resp[8:16]), nil
}

// announceUDP sends the BEP 15 announce request and parses the
// returned compact peer list.
func announceUDP(ctx context.Context, conn *net.UDPConn, connID uint64, infoHash, peerID [20]byte, port int) ([]Endpoint, error) {
	txID := rand.Uint32()

	req := make([]byte, 98)
	binary.BigEndian.PutUint64(req[0:8], connID)
	binary.BigEndian.PutUint32(req[8:12], actionAnnounce)
	binary.BigEndian.PutUint32(req[12:16], txID)
	copy(req[16:36], infoHash[:])
	copy(req[36:56], peerID[:])
	binary.BigEndian.PutUint64(req[56:64], 0)           // downloaded
	binary.BigEndian.PutUint64(req[64:72], 16384)       // left: magnet metadata size placeholder
	binary.BigEndian.PutUint64(req[72:80], 0)           // uploaded
	binary.BigEndian.PutUint32(req[80:84], 2)           // event: started
	binary.BigEndian.PutUint32(req[84:88], 0)           // IP: default
	binary.BigEndian.PutUint32(req[88:92], rand.Uint32()) // key
	binary.BigEndian.PutUint32(req[92:96], ^uint32(0))  // num_want: default
	binary.BigEndian.PutUint16(req[96:98], uint16(port))

	resp, err := sendAndRetry(ctx, conn, req, 20)
	if err != nil {
		return nil, err
	}
	if len(resp) < 20 {
		return nil, fmt.Errorf("tracker: announce response too short (%d bytes)", len(resp))
	}

	action := binary.BigEndian.Uint32(resp[0:4])
	if got := binary.BigEndian.Uint32(resp[4:8]); got != txID {
		return nil, fmt.Errorf("tracker: announce transaction ID mismatch")
	}
	if action == actionError {
		return nil, fmt.Errorf("tracker: announce rejected: %s", resp[8:])
	}
	if action != actionAnnounce {
		return nil, fmt.Errorf("tracker: unexpected announce action %d", action)
	}

	return parseCompactPeers(resp[20:]), nil
}

// sendAndRetry writes req and waits for a response of at least
// minLen bytes, retrying with exponential backoff up to UDPMaxRetries
// times (BEP 15's 15*2^n schedule).
func sendAndRetry(ctx context.Context, conn *net.UDPConn, req []byte, minLen int) ([]byte, error) {
	buf := make([]byte, 2048)

	var lastErr error
	for attempt := 0; attempt <= UDPMaxRetries; attempt++ {
		if _, err := conn.Write(req); err != nil {
			return nil, fmt.Errorf("tracker: write: %w", err)
		}

		timeout := udpBaseTimeout * time.Duration(1<<attempt)
		deadline := time.Now().Add(timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		conn.SetReadDeadline(deadline)

		n, err := conn.Read(buf)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if n < minLen {
			lastErr = fmt.Errorf("tracker: short response (%d bytes)", n)
			udpLog.Debugf("rejecting short response (%d of %d bytes wanted), retrying", n, minLen)
			continue
		}
		return buf[:n], nil
	}
	return nil, fmt.Errorf("tracker: giving up after %d attempts: %w", UDPMaxRetries+1, lastErr)
}

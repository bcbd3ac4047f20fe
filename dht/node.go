// Package dht implements the BitTorrent Distributed Hash Table (BEP 5)
package dht

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

// NodeID is a 160-bit Kademlia identifier, the same 20-byte space as a
// torrent's info hash — which is what lets get_peers target a torrent
// directly instead of a separate keyspace.
type NodeID [20]byte

// NodeInfo is a DHT contact: an ID plus the address to reach it at.
// The routing table and the iterative get_peers lookup both shuttle
// these around as they narrow in on a target info hash.
type NodeInfo struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// GenerateNodeID produces a random 160-bit node ID for this process.
// The ID is kept stable across a run. It is not persisted: New calls
// this on every start, and the snapshot SaveNodes writes holds the
// known contacts only.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	return id, err
}

// Distance returns the XOR distance between two node IDs, Kademlia's
// sole notion of "closeness" and the metric get_peers climbs down as
// it converges on an info hash.
func Distance(a, b NodeID) NodeID {
	var dist NodeID
	for i := range a {
		dist[i] = a[i] ^ b[i]
	}
	return dist
}

// LeadingZeros counts the leading zero bits of id, which for a
// distance value is the shared-prefix length between two IDs —
// exactly the quantity BucketIndex needs.
func (id NodeID) LeadingZeros() int {
	for i, b := range id {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<j) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return 160 // all zero: identical IDs
}

// BucketIndex returns which of the 160 k-buckets other falls into
// relative to self: bucket 0 holds the most distant contacts known,
// bucket 159 the nearest.
func BucketIndex(self, other NodeID) int {
	dist := Distance(self, other)
	lz := dist.LeadingZeros()
	if lz >= 160 {
		return 159 // self, shouldn't reach the routing table
	}
	return lz
}

// CompactIPv4 encodes a contact in BEP 5's compact node info format
// (20-byte ID + 4-byte IP + 2-byte port), the shape find_node and
// get_peers responses carry their "nodes" shortlist in.
func (n *NodeInfo) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("not an IPv4 address: %s", n.Addr.IP)
	}
	buf := make([]byte, 26)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// CompactIPv6 is CompactIPv4's 38-byte counterpart for a "nodes6"
// value. This module's own lookups never request IPv6 contacts, but a
// well-behaved node still has to be able to decode one from a peer
// that offers it.
func (n *NodeInfo) CompactIPv6() ([]byte, error) {
	ip6 := n.Addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("invalid IP address: %s", n.Addr.IP)
	}
	if n.Addr.IP.To4() != nil { // IPv4-mapped, not real IPv6
		return nil, fmt.Errorf("not an IPv6 address: %s", n.Addr.IP)
	}
	buf := make([]byte, 38)
	copy(buf[:20], n.ID[:])
	copy(buf[20:36], ip6)
	binary.BigEndian.PutUint16(buf[36:38], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactIPv4 decodes one 26-byte compact node info, the inverse
// of CompactIPv4.
func ParseCompactIPv4(data []byte) (*NodeInfo, error) {
	if len(data) != 26 {
		return nil, fmt.Errorf("compact IPv4 node info must be 26 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(data[20:24])
	port := binary.BigEndian.Uint16(data[24:26])
	return &NodeInfo{
		ID:       id,
		Addr:     &net.UDPAddr{IP: ip, Port: int(port)},
		LastSeen: time.Now(),
	}, nil
}

// ParseCompactIPv6 decodes one 38-byte compact node info.
func ParseCompactIPv6(data []byte) (*NodeInfo, error) {
	if len(data) != 38 {
		return nil, fmt.Errorf("compact IPv6 node info must be 38 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(data[20:36])
	port := binary.BigEndian.Uint16(data[36:38])
	return &NodeInfo{
		ID:       id,
		Addr:     &net.UDPAddr{IP: ip, Port: int(port)},
		LastSeen: time.Now(),
	}, nil
}

// ParseCompactNodes splits the concatenated "nodes"/"nodes6" value of
// a find_node or get_peers reply into individual contacts, each fed to
// the iterative lookup's shortlist.
func ParseCompactNodes(data []byte, ipv6 bool) ([]*NodeInfo, error) {
	nodeSize := 26
	if ipv6 {
		nodeSize = 38
	}
	if len(data)%nodeSize != 0 {
		return nil, fmt.Errorf("compact nodes data length %d not divisible by %d", len(data), nodeSize)
	}
	nodes := make([]*NodeInfo, len(data)/nodeSize)
	for i := range nodes {
		var err error
		chunk := data[i*nodeSize : (i+1)*nodeSize]
		if ipv6 {
			nodes[i], err = ParseCompactIPv6(chunk)
		} else {
			nodes[i], err = ParseCompactIPv4(chunk)
		}
		if err != nil {
			return nil, err
		}
	}
	return nodes, nil
}

// String renders a contact for logging: an ID prefix plus address.
func (n *NodeInfo) String() string {
	return fmt.Sprintf("%x@%s", n.ID[:8], n.Addr)
}

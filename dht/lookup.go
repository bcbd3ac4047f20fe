package dht

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// lookupAlpha is the number of nodes queried concurrently during an
// iterative lookup (Kademlia's alpha parameter).
const lookupAlpha = 3

// maxLookupRounds bounds an iterative lookup so that a ring of
// misbehaving nodes that keep returning "closer" nodes can't keep it
// spinning forever.
const maxLookupRounds = 8

// GetPeers performs an iterative get_peers lookup (BEP 5) for infoHash
// and streams discovered endpoints on the returned channel as they
// arrive. It does not buffer until the lookup finishes: the first peer
// reported by the first node to answer is delivered immediately, which
// matters because resolve.Resolver races this against tracker
// announces and wants the earliest possible signal.
//
// The channel is closed once every one of the K closest contacts seen
// so far has answered or been given up on, after maxLookupRounds
// rounds, or once ctx is done.
func (d *DHT) GetPeers(ctx context.Context, infoHash [20]byte) (<-chan Endpoint, error) {
	target := NodeID(infoHash)
	seed := d.routingTable.ClosestNodes(target, K)
	if len(seed) == 0 {
		return nil, fmt.Errorf("dht: routing table is empty, cannot start lookup")
	}

	logrus.WithField("component", "dht").
		WithField("info_hash", fmt.Sprintf("%x", infoHash)).
		Debugf("starting get_peers lookup from %d seed contacts", len(seed))

	out := make(chan Endpoint, K)
	go d.runGetPeersLookup(ctx, infoHash, seed, out)
	return out, nil
}

func (d *DHT) runGetPeersLookup(ctx context.Context, infoHash [20]byte, seed []*NodeInfo, out chan<- Endpoint) {
	defer close(out)

	target := NodeID(infoHash)
	queried := make(map[NodeID]bool, K*2)
	shortlist := append([]*NodeInfo(nil), seed...)

	for round := 0; round < maxLookupRounds; round++ {
		sortByDistance(shortlist, target)
		if len(shortlist) > K {
			shortlist = shortlist[:K]
		}

		batch := make([]*NodeInfo, 0, lookupAlpha)
		for _, n := range shortlist {
			if !queried[n.ID] {
				batch = append(batch, n)
				if len(batch) == lookupAlpha {
					break
				}
			}
		}
		if len(batch) == 0 {
			return // every closest-known node has already answered or timed out
		}

		results := make([][]*NodeInfo, len(batch))

		g, gctx := errgroup.WithContext(ctx)
		for i, node := range batch {
			queried[node.ID] = true
			i, node := i, node
			g.Go(func() error {
				peers, nodes, err := d.getPeersQueryStreaming(gctx, node.Addr, infoHash)
				if err != nil {
					return nil // an unresponsive contact just drops out of future rounds
				}
				// Emit peers as soon as this contact answers, not after the batch.
				for _, p := range peers {
					select {
					case out <- p:
					case <-ctx.Done():
						return nil
					}
				}
				results[i] = nodes
				return nil
			})
		}
		g.Wait()

		for _, nodes := range results {
			for _, n := range nodes {
				d.routingTable.AddNode(n)
				if !queried[n.ID] {
					shortlist = append(shortlist, n)
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// getPeersQueryStreaming sends a single get_peers query and retries up
// to QueryRetries times before giving up on the contact.
func (d *DHT) getPeersQueryStreaming(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) ([]Endpoint, []*NodeInfo, error) {
	var lastErr error
	for attempt := 0; attempt <= QueryRetries; attempt++ {
		resp, err := d.sendGetPeers(ctx, addr, infoHash)
		if err == nil {
			d.cacheToken(addr, resp.Response["token"])
			peers := resp.ExtractPeers()
			if len(peers) > 0 {
				return peers, nil, nil
			}
			nodes, _ := resp.ExtractNodes(false)
			return nil, nodes, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
	}
	logrus.WithField("component", "dht").WithField("peer", addr).
		Debugf("get_peers contact gave up after %d attempts: %v", QueryRetries+1, lastErr)
	return nil, nil, lastErr
}

func (d *DHT) sendGetPeers(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) (*Message, error) {
	txID := d.transactions.NewTransactionID()
	query := EncodeGetPeers(txID, d.ID, infoHash)

	pq := d.transactions.AddPending(txID, MethodGetPeers, addr)
	if _, err := d.conn.WriteToUDP(query, addr); err != nil {
		d.transactions.GetPending(txID)
		return nil, err
	}

	select {
	case resp := <-pq.ResponseChan:
		if resp == nil {
			return nil, fmt.Errorf("dht: get_peers to %s: connection closed", addr)
		}
		return resp, nil
	case <-ctx.Done():
		d.transactions.GetPending(txID)
		return nil, ctx.Err()
	case <-time.After(QueryTimeout):
		d.transactions.GetPending(txID)
		return nil, fmt.Errorf("dht: get_peers to %s: timeout", addr)
	}
}

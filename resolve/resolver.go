// Package resolve races every available peer-discovery path for a
// magnet link (HTTP/UDP trackers and the Kademlia DHT) against the
// BitTorrent peer wire ut_metadata exchange, and assembles the first
// verified info dict into a .torrent file.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"magnet2torrent/dht"
	"magnet2torrent/metainfo"
	"magnet2torrent/peerwire"
	"magnet2torrent/tracker"
)

var resolverLog = logrus.WithField("component", "resolve")

// ErrFailedToFetch is returned when every discovered peer and every
// tracker failed, or none were found, and no cached metadata existed.
var ErrFailedToFetch = errors.New("resolve: failed to fetch metadata from any source")

// DefaultWorkers bounds how many peers are attempted concurrently.
const DefaultWorkers = 50

// Resolver discovers peers for a magnet link and fetches its metadata.
type Resolver struct {
	DHT        *dht.DHT
	HTTP       *tracker.HTTPClient
	UDP        *tracker.UDPClient
	Cache      metainfo.Cache
	Workers    int
	ListenPort int

	// Dialer overrides how peer-wire connections are made. Nil uses a
	// real net.Dialer; tests substitute a net.Pipe-backed fake.
	Dialer peerwire.Dialer
}

// New builds a Resolver with the standard tracker clients and an
// on-disk-or-noop cache already wired in by the caller.
func New(d *dht.DHT, cache metainfo.Cache, listenPort int) *Resolver {
	if cache == nil {
		cache = metainfo.NoopCache{}
	}
	return &Resolver{
		DHT:        d,
		HTTP:       tracker.NewHTTPClient(),
		UDP:        tracker.NewUDPClient(),
		Cache:      cache,
		Workers:    DefaultWorkers,
		ListenPort: listenPort,
	}
}

// Result is a fully resolved torrent, ready to be written to disk.
type Result struct {
	Filename string
	Bytes    []byte
}

// Retrieve resolves m to a complete .torrent file. It checks the cache
// first, then races tracker announces and a DHT lookup to discover
// peers, fanning metadata-fetch attempts out across a bounded worker
// pool; the first peer to return metadata whose SHA-1 matches m.Hash
// wins and every other attempt in flight is cancelled.
func (r *Resolver) Retrieve(ctx context.Context, m *metainfo.Magnet) (*Result, error) {
	reqLog := resolverLog.WithField("request_id", uuid.NewString()).WithField("info_hash", m.InfoHashHex())

	if cached, ok, err := r.Cache.Get(m.Hash); err == nil && ok {
		reqLog.Debug("served from cache, no network traffic emitted")
		return r.assemble(m, cached)
	}

	peerID, err := tracker.NewPeerID()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	endpoints := make(chan peerwire.Endpoint, r.Workers)
	var discoverGroup errgroup.Group

	discoverGroup.Go(func() error {
		r.discoverFromTrackers(ctx, reqLog, m, peerID, endpoints)
		return nil
	})

	if r.DHT != nil {
		discoverGroup.Go(func() error {
			r.discoverFromDHT(ctx, reqLog, m, endpoints)
			return nil
		})
	}

	go func() {
		discoverGroup.Wait()
		close(endpoints)
	}()

	infoDict, err := r.fetchFromPeers(ctx, reqLog, m, peerID, endpoints)
	if err != nil {
		reqLog.Warnf("resolution failed: %v", err)
		return nil, err
	}

	if err := r.Cache.Put(m.Hash, infoDict); err != nil {
		reqLog.Warnf("cache put failed: %v", err)
	}
	reqLog.Debug("resolution succeeded")
	return r.assemble(m, infoDict)
}

func (r *Resolver) assemble(m *metainfo.Magnet, infoDict []byte) (*Result, error) {
	torrentBytes, err := metainfo.AssembleTorrent(m, infoDict)
	if err != nil {
		return nil, err
	}
	info, _ := metainfo.ParseInfo(infoDict)
	return &Result{
		Filename: metainfo.SanitizedFilename(m, info),
		Bytes:    torrentBytes,
	}, nil
}

// discoverFromTrackers announces to every tracker URL on the magnet
// link concurrently, feeding discovered peers into out as each
// announce completes.
func (r *Resolver) discoverFromTrackers(ctx context.Context, reqLog *logrus.Entry, m *metainfo.Magnet, peerID [20]byte, out chan<- peerwire.Endpoint) {
	var g errgroup.Group
	for _, u := range m.TrackersURL {
		u := u
		g.Go(func() error {
			var peers []tracker.Endpoint
			var err error
			switch u.Scheme {
			case "http", "https":
				peers, err = r.HTTP.Announce(ctx, u.String(), m.Hash, peerID, r.ListenPort)
			case "udp":
				peers, err = r.UDP.Announce(ctx, u.Host, m.Hash, peerID, r.ListenPort)
			default:
				return nil
			}
			if err != nil {
				reqLog.WithField("tracker", u.String()).Debugf("tracker source failed: %v", err)
				return nil
			}
			for _, p := range peers {
				sendEndpoint(ctx, out, peerwire.Endpoint{IP: p.IP, Port: p.Port})
			}
			return nil
		})
	}
	g.Wait()
}

// discoverFromDHT streams peers for m.Hash out of an iterative
// Kademlia lookup as they're found.
func (r *Resolver) discoverFromDHT(ctx context.Context, reqLog *logrus.Entry, m *metainfo.Magnet, out chan<- peerwire.Endpoint) {
	peers, err := r.DHT.GetPeers(ctx, m.Hash)
	if err != nil {
		reqLog.Debugf("dht lookup failed: %v", err)
		return
	}
	for p := range peers {
		sendEndpoint(ctx, out, peerwire.Endpoint{IP: p.IP, Port: p.Port})
	}
}

func sendEndpoint(ctx context.Context, out chan<- peerwire.Endpoint, e peerwire.Endpoint) {
	select {
	case out <- e:
	case <-ctx.Done():
	}
}

// fetchFromPeers drains endpoints across a bounded worker pool,
// deduplicating addresses already attempted, and returns as soon as
// one worker recovers metadata whose hash matches m.Hash.
func (r *Resolver) fetchFromPeers(ctx context.Context, reqLog *logrus.Entry, m *metainfo.Magnet, clientID [20]byte, endpoints <-chan peerwire.Endpoint) ([]byte, error) {
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	type attempt struct {
		data []byte
		err  error
	}

	results := make(chan attempt, workers)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var seenMu sync.Mutex
	seen := make(map[string]bool)

	var g errgroup.Group
	jobs := make(chan peerwire.Endpoint, workers)

	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for ep := range jobs {
				data, err := peerwire.FetchMetadata(ctx, r.Dialer, ep, m.Hash, clientID)
				if err != nil {
					reqLog.WithField("peer", ep).Debugf("peer source failed: %v", err)
				}
				select {
				case results <- attempt{data: data, err: err}:
				case <-ctx.Done():
					return nil
				}
			}
			return nil
		})
	}

	go func() {
		defer close(jobs)
		for ep := range endpoints {
			key := ep.String()
			seenMu.Lock()
			dup := seen[key]
			seen[key] = true
			seenMu.Unlock()
			if dup {
				continue
			}
			select {
			case jobs <- ep:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		g.Wait()
		close(results)
	}()

	for res := range results {
		if res.err == nil {
			cancel()
			return res.data, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrFailedToFetch, m.InfoHashHex())
}

// Package metainfo parses magnet links and assembles the .torrent
// files resolved from them.
package metainfo

import (
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Magnet is everything a resolve.Resolver needs out of a magnet URI.
// Hash drives every lookup source (tracker announce, DHT get_peers,
// peer wire handshakes); TrackersURL seeds tracker peer discovery
// alongside the DHT. PeerAddresses, WebSeeds and ExactSource aren't
// consumed by resolution itself — they're parsed and carried
// through because a caller inspecting the resolved Magnet shouldn't
// have to re-parse the original URI to see them.
// See BEP 9: http://bittorrent.org/beps/bep_0009.html
type Magnet struct {
	Hash          [20]byte   // xt: exact topic (info hash)
	Name          string     // dn: display name
	TrackersURL   []*url.URL // tr: tracker URLs
	PeerAddresses []string   // x.pe: peer addresses (BEP 9)
	WebSeeds      []string   // ws: web seeds (BEP 19)
	ExactSource   string     // xs: exact source (URL to .torrent)
}

// ParseMagnet parses a magnet link down to the fields resolution
// needs; only the info hash (xt) is required, everything else is a
// best-effort hint toward finding peers faster.
func ParseMagnet(m string) (*Magnet, error) {
	if !strings.HasPrefix(m, "magnet:?") {
		return nil, fmt.Errorf("metainfo: invalid magnet link: must start with \"magnet:?\"")
	}

	link, err := url.Parse(m)
	if err != nil {
		return nil, fmt.Errorf("metainfo: parse magnet URL: %w", err)
	}

	query := link.Query()

	hash, err := parseInfoHash(query)
	if err != nil {
		return nil, err
	}

	name := ""
	if dn, ok := query["dn"]; ok && len(dn) > 0 {
		name = dn[0]
	}

	var trackers []*url.URL
	if tr, ok := query["tr"]; ok {
		for _, t := range tr {
			if u, err := url.Parse(t); err == nil {
				trackers = append(trackers, u)
			}
		}
	}

	var peerAddresses []string
	if pe, ok := query["x.pe"]; ok {
		peerAddresses = pe
	}

	var webSeeds []string
	if ws, ok := query["ws"]; ok {
		webSeeds = ws
	}

	exactSource := ""
	if xs, ok := query["xs"]; ok && len(xs) > 0 {
		exactSource = xs[0]
	}

	return &Magnet{
		Hash:          hash,
		Name:          name,
		TrackersURL:   trackers,
		PeerAddresses: peerAddresses,
		WebSeeds:      webSeeds,
		ExactSource:   exactSource,
	}, nil
}

// parseInfoHash extracts the 20-byte info hash resolution keys every
// lookup on, accepting either of BEP 9's two encodings.
func parseInfoHash(query url.Values) ([20]byte, error) {
	var hash [20]byte

	xts, ok := query["xt"]
	if !ok || len(xts) == 0 {
		return hash, fmt.Errorf("metainfo: magnet link missing \"xt\" parameter")
	}

	xt := xts[0]

	var encHash string
	switch {
	case strings.HasPrefix(xt, "urn:btih:"):
		encHash = strings.TrimPrefix(xt, "urn:btih:")
	case strings.HasPrefix(xt, "urn:btmh:"):
		return hash, fmt.Errorf("metainfo: multihash (urn:btmh) info hashes are not supported")
	default:
		return hash, fmt.Errorf("metainfo: unsupported xt format: %s", xt)
	}

	switch len(encHash) {
	case 40:
		decoded, err := hex.DecodeString(encHash)
		if err != nil {
			return hash, fmt.Errorf("metainfo: invalid hex hash: %w", err)
		}
		copy(hash[:], decoded)
	case 32:
		decoded, err := base32.StdEncoding.DecodeString(strings.ToUpper(encHash))
		if err != nil {
			return hash, fmt.Errorf("metainfo: invalid base32 hash: %w", err)
		}
		copy(hash[:], decoded)
	default:
		return hash, fmt.Errorf("metainfo: invalid hash length %d (expected 32 or 40)", len(encHash))
	}

	return hash, nil
}

// HasTrackers returns true if the magnet has any tracker URLs.
func (m *Magnet) HasTrackers() bool {
	return len(m.TrackersURL) > 0
}

// HasPeers returns true if the magnet has any peer addresses.
func (m *Magnet) HasPeers() bool {
	return len(m.PeerAddresses) > 0
}

// InfoHashHex returns the info hash as a hex string.
func (m *Magnet) InfoHashHex() string {
	return hex.EncodeToString(m.Hash[:])
}

// DisplayName returns the display name, or a fallback based on the hash.
func (m *Magnet) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.InfoHashHex()[:16] + "..."
}

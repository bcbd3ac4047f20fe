package tracker

import (
	"bytes"
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/sirupsen/logrus"
)

var httpLog = logrus.WithField("component", "tracker.http")

// HTTPTimeout bounds a single HTTP tracker announce request.
const HTTPTimeout = 10 * time.Second

// httpTrackerResponse is the bencoded dict an HTTP tracker replies
// with (BEP 3 §"Tracker Response"). Peers is populated from whichever
// shape the tracker used: a compact byte string (BEP 23), the dict
// form (a list of {ip, port} maps), or both peers/peers6 at once.
type httpTrackerResponse struct {
	FailureReason string
	Peers         []Endpoint
}

// decodeHTTPTrackerResponse parses the tracker's bencoded reply. It
// decodes into the untyped form rather than a tagged struct because
// "peers" isn't a fixed shape (BEP 3 allows compact or dict form); a
// struct tag can only bind one of them, so a dict-form reply would
// hit a decode error instead of yielding the empty peer list §4.1
// requires for a malformed/unexpected peers value.
func decodeHTTPTrackerResponse(body []byte) (httpTrackerResponse, error) {
	var raw any
	if err := bencode.Unmarshal(bytes.NewReader(body), &raw); err != nil {
		return httpTrackerResponse{}, fmt.Errorf("decode: %w", err)
	}
	dict, ok := raw.(map[string]any)
	if !ok {
		return httpTrackerResponse{}, fmt.Errorf("response is not a bencoded dictionary")
	}

	var tr httpTrackerResponse
	if fr, ok := dict["failure reason"].(string); ok {
		tr.FailureReason = fr
	}

	switch peers := dict["peers"].(type) {
	case string:
		tr.Peers = append(tr.Peers, parseCompactPeers([]byte(peers))...)
	case []any:
		tr.Peers = append(tr.Peers, parseDictPeers(peers)...)
	}
	// peers6 is the IPv6 compact form: 16-byte address + 2-byte port.
	if peers6, ok := dict["peers6"].(string); ok && len(peers6)%18 == 0 {
		for i := 0; i < len(peers6); i += 18 {
			port := uint16(peers6[i+16])<<8 | uint16(peers6[i+17])
			if port == 0 {
				continue
			}
			ip := make(net.IP, 16)
			copy(ip, peers6[i:i+16])
			tr.Peers = append(tr.Peers, Endpoint{IP: ip, Port: port})
		}
	}
	return tr, nil
}

// HTTPClient announces to HTTP/HTTPS trackers (BEP 3).
type HTTPClient struct {
	HTTP *http.Client
}

// NewHTTPClient returns an HTTPClient with the standard announce
// timeout.
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{HTTP: &http.Client{Timeout: HTTPTimeout}}
}

// Announce queries trackerURL for peers sharing infoHash.
func (c *HTTPClient) Announce(ctx context.Context, trackerURL string, infoHash [20]byte, peerID [20]byte, port int) ([]Endpoint, error) {
	announceURL, err := buildAnnounceURL(trackerURL, infoHash, peerID, port)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, announceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: build request: %w", err)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce to %s: %w", trackerURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: %s returned status %d", trackerURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tracker: read response from %s: %w", trackerURL, err)
	}

	tr, err := decodeHTTPTrackerResponse(body)
	if err != nil {
		return nil, fmt.Errorf("tracker: %s: %w", trackerURL, err)
	}
	if tr.FailureReason != "" {
		httpLog.WithField("tracker", trackerURL).Debugf("tracker reported failure: %s", tr.FailureReason)
		return nil, fmt.Errorf("tracker: %s: %s", trackerURL, tr.FailureReason)
	}

	httpLog.WithField("tracker", trackerURL).Debugf("announce returned %d peers", len(tr.Peers))
	return tr.Peers, nil
}

func buildAnnounceURL(trackerURL string, infoHash, peerID [20]byte, port int) (string, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return "", fmt.Errorf("tracker: invalid announce URL %q: %w", trackerURL, err)
	}

	q := u.Query()
	q.Set("info_hash", string(infoHash[:]))
	q.Set("peer_id", string(peerID[:]))
	q.Set("port", strconv.Itoa(port))
	q.Set("uploaded", "0")
	q.Set("downloaded", "0")
	q.Set("left", "16384")
	q.Set("compact", "1")
	q.Set("event", "started")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewPeerID generates a random 20-byte BitTorrent peer ID with the
// conventional "-M2T001-" client prefix (Azureus style).
func NewPeerID() ([20]byte, error) {
	var id [20]byte
	copy(id[:], "-M2T001-")
	if _, err := rand.Read(id[8:]); err != nil {
		return id, fmt.Errorf("tracker: generate peer ID: %w", err)
	}
	return id, nil
}

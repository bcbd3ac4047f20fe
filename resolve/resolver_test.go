package resolve

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
	"github.com/stretchr/testify/require"

	"magnet2torrent/metainfo"
	"magnet2torrent/peerwire"
)

// frame applies the peer wire protocol's 4-byte big-endian length
// prefix, matching peerwire's own (unexported) wire framing.
func frame(msgType peerwire.MessageType, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(msgType)
	copy(buf[5:], payload)
	return buf
}

// memCache is a Cache fake so cache-hit tests don't touch pogreb.
type memCache struct {
	entries map[[20]byte][]byte
}

func newMemCache() *memCache { return &memCache{entries: make(map[[20]byte][]byte)} }

func (c *memCache) Get(hash [20]byte) ([]byte, bool, error) {
	v, ok := c.entries[hash]
	return v, ok, nil
}

func (c *memCache) Put(hash [20]byte, infoDict []byte) error {
	c.entries[hash] = infoDict
	return nil
}

func (c *memCache) Close() error { return nil }

func testMagnet(t *testing.T, hash [20]byte, trackerURL string) *metainfo.Magnet {
	t.Helper()
	uri := "magnet:?xt=urn:btih:" + hexEncode(hash)
	if trackerURL != "" {
		uri += "&tr=" + url.QueryEscape(trackerURL)
	}
	m, err := metainfo.ParseMagnet(uri)
	require.NoError(t, err)
	return m
}

func hexEncode(b [20]byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, 40)
	for i, c := range b {
		out[i*2] = hextable[c>>4]
		out[i*2+1] = hextable[c&0xF]
	}
	return string(out)
}

// pipeDialer hands back one end of an in-memory net.Pipe, simulating a
// peer, regardless of which address was dialed.
type pipeDialer struct {
	fn func(conn net.Conn)
}

func (d pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.fn(server)
	return client, nil
}

func servePeer(t *testing.T, infoHash [20]byte, metadata []byte) func(net.Conn) {
	return func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		_, gotHash, _, err := peerwire.ReadHandshake(r)
		if err != nil || gotHash != infoHash {
			return
		}
		conn.Write(peerwire.Handshake(infoHash, [20]byte{}))

		if _, err := peerwire.ReadMessage(r); err != nil {
			return
		}
		var buf bytes.Buffer
		bencode.Marshal(&buf, map[string]any{
			"m":             map[string]any{"ut_metadata": 1},
			"metadata_size": len(metadata),
		})
		conn.Write(frame(peerwire.MExtended, append([]byte{0}, buf.Bytes()...)))

		if _, err := peerwire.ReadMessage(r); err != nil {
			return
		}
		var dbuf bytes.Buffer
		bencode.Marshal(&dbuf, map[string]any{
			"msg_type":   1,
			"piece":      0,
			"total_size": len(metadata),
		})
		payload := append([]byte{1}, dbuf.Bytes()...)
		payload = append(payload, metadata...)
		conn.Write(frame(peerwire.MExtended, payload))
	}
}

func TestRetrieveServesFromCacheWithoutNetwork(t *testing.T) {
	metadata := []byte("d4:name5:cachee")
	infoHash := sha1.Sum(metadata)

	cache := newMemCache()
	require.NoError(t, cache.Put(infoHash, metadata))

	r := New(nil, cache, 0)
	// No trackers configured on the magnet and no DHT wired in: a
	// cache miss here would fail with ErrFailedToFetch.
	m := testMagnet(t, infoHash, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := r.Retrieve(ctx, m)
	require.NoError(t, err)
	require.NotEmpty(t, result.Bytes)
	require.NotEmpty(t, result.Filename)
}

func TestRetrieveFetchesFromTrackerPeer(t *testing.T) {
	metadata := []byte("d4:name6:helloe")
	infoHash := sha1.Sum(metadata)

	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		peers := string([]byte{127, 0, 0, 1, 0x1A, 0xE1})
		body := "d8:intervali1800e5:peers" + itoa(len(peers)) + ":" + peers + "e"
		w.Write([]byte(body))
	}))
	defer trackerSrv.Close()

	r := New(nil, nil, 0)
	r.Workers = 4
	r.Dialer = pipeDialer{fn: servePeer(t, infoHash, metadata)}

	m := testMagnet(t, infoHash, trackerSrv.URL+"/announce")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result, err := r.Retrieve(ctx, m)
	require.NoError(t, err)
	require.NotEmpty(t, result.Bytes)
}

func TestRetrieveFailsWhenNoSourceYieldsAPeer(t *testing.T) {
	metadata := []byte("d4:name4:nonee")
	infoHash := sha1.Sum(metadata)

	r := New(nil, nil, 0)
	m := testMagnet(t, infoHash, "")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := r.Retrieve(ctx, m)
	require.ErrorIs(t, err, ErrFailedToFetch)
}

func TestRetrieveFailsWhenEveryPeerRejects(t *testing.T) {
	infoHash := sha1.Sum([]byte("irrelevant"))

	trackerSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		peers := string([]byte{127, 0, 0, 1, 0x1A, 0xE1})
		body := "d8:intervali1800e5:peers" + itoa(len(peers)) + ":" + peers + "e"
		w.Write([]byte(body))
	}))
	defer trackerSrv.Close()

	r := New(nil, nil, 0)
	r.Dialer = pipeDialer{fn: func(conn net.Conn) {
		conn.Close() // refuse to even handshake
	}}

	m := testMagnet(t, infoHash, trackerSrv.URL+"/announce")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := r.Retrieve(ctx, m)
	require.ErrorIs(t, err, ErrFailedToFetch)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

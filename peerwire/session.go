package peerwire

import (
	"bufio"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var sessionLog = logrus.WithField("component", "peerwire")

// Timeouts governing a single metadata-fetch session.
const (
	ConnectTimeout  = 10 * time.Second
	SessionTimeout  = 30 * time.Second
	PieceGapTimeout = 5 * time.Second
	maxPieceRetries = 3

	metadataChunkSize = 1 << 14
	maxPipelined      = 4

	// maxMetadataSize rejects a peer's claimed metadata_size outright
	// (BEP 9 leaves this unbounded; 16 MiB is a generous upper bound no
	// legitimate info dict approaches).
	maxMetadataSize = 16 << 20
)

// Dialer abstracts net.Dialer so tests can substitute net.Pipe.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var defaultDialer Dialer = &net.Dialer{}

// Endpoint is a bare IP:port peer address, independent of how it was
// discovered (tracker or DHT).
type Endpoint struct {
	IP   net.IP
	Port uint16
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP.String(), fmt.Sprint(e.Port))
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// FetchMetadata connects to a single peer, performs the handshake and
// BEP 10 extension handshake, and pipelines ut_metadata requests until
// the full info dict is retrieved and its hash verified against
// infoHash. A reject (msg_type 2) from the peer fails the session
// immediately; it is not retried.
func FetchMetadata(ctx context.Context, dialer Dialer, addr Endpoint, infoHash, clientID [20]byte) ([]byte, error) {
	if dialer == nil {
		dialer = defaultDialer
	}

	ctx, cancel := context.WithTimeout(ctx, SessionTimeout)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, ConnectTimeout)
	defer dialCancel()
	conn, err := dialer.DialContext(dialCtx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("peerwire: dial %s: %w", addr, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if _, err := conn.Write(Handshake(infoHash, clientID)); err != nil {
		return nil, fmt.Errorf("peerwire: send handshake to %s: %w", addr, err)
	}

	r := bufio.NewReader(conn)
	reserved, peerHash, _, err := ReadHandshake(r)
	if err != nil {
		return nil, fmt.Errorf("peerwire: handshake with %s: %w", addr, err)
	}
	if peerHash != infoHash {
		return nil, fmt.Errorf("peerwire: %s handshake echoed a different info hash", addr)
	}
	if !SupportsExtended(reserved) {
		return nil, fmt.Errorf("peerwire: %s does not support the extension protocol", addr)
	}
	sessionLog.WithField("peer", addr).Debug("handshake complete, sending extension handshake")

	if _, err := conn.Write(ExtendedHandshake()); err != nil {
		return nil, fmt.Errorf("peerwire: send extension handshake to %s: %w", addr, err)
	}

	var utMetadataID uint8
	var metadataSize int
	for utMetadataID == 0 {
		msg, err := ReadMessage(r)
		if err != nil {
			return nil, fmt.Errorf("peerwire: read from %s: %w", addr, err)
		}
		if msg.Type != MExtended || len(msg.Payload) == 0 || msg.Payload[0] != 0 {
			continue // ignore anything that isn't the peer's own extension handshake
		}
		info, err := ParseExtendedHandshake(msg.Payload[1:])
		if err != nil {
			return nil, fmt.Errorf("peerwire: %s: %w", addr, err)
		}
		if info.UTMetadataID == 0 {
			return nil, fmt.Errorf("peerwire: %s does not support ut_metadata", addr)
		}
		utMetadataID = info.UTMetadataID
		metadataSize = info.MetadataSize
	}

	if metadataSize <= 0 {
		return nil, fmt.Errorf("peerwire: %s did not announce a metadata size", addr)
	}
	if metadataSize > maxMetadataSize {
		return nil, fmt.Errorf("peerwire: %s announced metadata_size %d over the %d limit", addr, metadataSize, maxMetadataSize)
	}
	sessionLog.WithField("peer", addr).Debugf("extension handshake: metadata_size=%d", metadataSize)

	numPieces := (metadataSize + metadataChunkSize - 1) / metadataChunkSize
	pieces := make([][]byte, numPieces)
	received := make([]bool, numPieces)

	inFlight := 0
	next := 0
	remaining := numPieces

	requestNext := func() error {
		if next >= numPieces {
			return nil
		}
		if _, err := conn.Write(RequestMetadataPiece(utMetadataID, next)); err != nil {
			return fmt.Errorf("peerwire: request piece %d from %s: %w", next, addr, err)
		}
		next++
		inFlight++
		return nil
	}

	for inFlight < maxPipelined && next < numPieces {
		if err := requestNext(); err != nil {
			return nil, err
		}
	}

	gaps := 0
	for remaining > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(PieceGapTimeout)); err != nil {
			return nil, fmt.Errorf("peerwire: set read deadline: %w", err)
		}
		msg, err := ReadMessage(r)
		if err != nil {
			if isTimeout(err) {
				gaps++
				if gaps >= maxPieceRetries {
					return nil, fmt.Errorf("peerwire: %s stalled fetching metadata after %d gaps: %w", addr, gaps, err)
				}
				sessionLog.WithField("peer", addr).Debugf("piece response gap %d/%d, retrying", gaps, maxPieceRetries)
				continue
			}
			return nil, fmt.Errorf("peerwire: %s stalled fetching metadata: %w", addr, err)
		}
		if msg.Type != MExtended || len(msg.Payload) == 0 || msg.Payload[0] != utMetadataID {
			continue
		}
		meta, err := parseMetadataMessage(msg.Payload[1:])
		if err != nil {
			return nil, fmt.Errorf("peerwire: %s: %w", addr, err)
		}

		switch meta.Type {
		case utMetadataReject:
			return nil, fmt.Errorf("peerwire: %s rejected metadata piece %d", addr, meta.Piece)
		case utMetadataData:
			if meta.Piece < 0 || meta.Piece >= numPieces {
				continue
			}
			if !received[meta.Piece] {
				pieces[meta.Piece] = meta.Data
				received[meta.Piece] = true
				remaining--
			}
			inFlight--
			if err := requestNext(); err != nil {
				return nil, err
			}
		default:
			// ignore stray requests the peer might echo back
		}
	}

	full := make([]byte, 0, metadataSize)
	for _, p := range pieces {
		full = append(full, p...)
	}
	if len(full) != metadataSize {
		return nil, fmt.Errorf("peerwire: %s sent %d bytes of metadata, expected %d", addr, len(full), metadataSize)
	}
	got := sha1.Sum(full)
	if got != infoHash {
		sessionLog.WithField("peer", addr).Warnf("metadata hash mismatch: got %x, want %x", got, infoHash)
		return nil, fmt.Errorf("peerwire: %s sent metadata with hash %x, want %x", addr, got, infoHash)
	}
	sessionLog.WithField("peer", addr).Debugf("metadata verified, %d bytes", len(full))
	return full, nil
}

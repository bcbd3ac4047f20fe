package peerwire

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha1"
	"net"
	"testing"
	"time"

	"github.com/jackpal/bencode-go"
)

// pipeDialer hands back one end of an in-memory net.Pipe and runs fn
// against the other end, simulating a remote peer.
type pipeDialer struct {
	fn func(conn net.Conn)
}

func (d pipeDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	client, server := net.Pipe()
	go d.fn(server)
	return client, nil
}

func respondHandshake(t *testing.T, r *bufio.Reader, conn net.Conn, infoHash, peerID [20]byte) {
	t.Helper()
	_, gotHash, _, err := ReadHandshake(r)
	if err != nil {
		t.Errorf("peer: read handshake: %v", err)
		return
	}
	if gotHash != infoHash {
		t.Errorf("peer: unexpected info hash")
	}
	conn.Write(Handshake(infoHash, peerID))
}

func extendedHandshakeWithSize(utMetadataID, size int) []byte {
	var buf bytes.Buffer
	bencode.Marshal(&buf, map[string]any{
		"m":             map[string]any{"ut_metadata": utMetadataID},
		"metadata_size": size,
	})
	return serialise(MExtended, append([]byte{0}, buf.Bytes()...))
}

func dataMessage(utMetadataID uint8, piece int, total int, chunk []byte) []byte {
	var buf bytes.Buffer
	bencode.Marshal(&buf, map[string]any{
		"msg_type":   utMetadataData,
		"piece":      piece,
		"total_size": total,
	})
	payload := append([]byte{utMetadataID}, buf.Bytes()...)
	payload = append(payload, chunk...)
	return serialise(MExtended, payload)
}

func rejectMessage(utMetadataID uint8, piece int) []byte {
	var buf bytes.Buffer
	bencode.Marshal(&buf, map[string]any{
		"msg_type": utMetadataReject,
		"piece":    piece,
	})
	payload := append([]byte{utMetadataID}, buf.Bytes()...)
	return serialise(MExtended, payload)
}

func TestFetchMetadataSinglePieceRoundTrip(t *testing.T) {
	var infoHash, peerID, clientID [20]byte
	metadata := []byte("d4:name5:helloe")
	infoHash = sha1.Sum(metadata)

	dialer := pipeDialer{fn: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		respondHandshake(t, r, conn, infoHash, peerID)

		// client's extension handshake
		if _, err := ReadMessage(r); err != nil {
			t.Errorf("peer: read extension handshake: %v", err)
			return
		}
		conn.Write(extendedHandshakeWithSize(7, len(metadata)))

		msg, err := ReadMessage(r)
		if err != nil {
			t.Errorf("peer: read piece request: %v", err)
			return
		}
		meta, err := parseMetadataMessage(msg.Payload[1:])
		if err != nil || meta.Type != utMetadataRequest || meta.Piece != 0 {
			t.Errorf("peer: unexpected request: %+v err=%v", meta, err)
			return
		}
		conn.Write(dataMessage(7, 0, len(metadata), metadata))
	}}

	got, err := FetchMetadata(context.Background(), dialer, Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, infoHash, clientID)
	if err != nil {
		t.Fatalf("FetchMetadata failed: %v", err)
	}
	if !bytes.Equal(got, metadata) {
		t.Errorf("got %q, want %q", got, metadata)
	}
}

func TestFetchMetadataRejectFailsImmediately(t *testing.T) {
	var infoHash, peerID, clientID [20]byte
	metadata := []byte("d4:name5:worlde")
	infoHash = sha1.Sum(metadata)

	dialer := pipeDialer{fn: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		respondHandshake(t, r, conn, infoHash, peerID)
		if _, err := ReadMessage(r); err != nil {
			return
		}
		conn.Write(extendedHandshakeWithSize(3, len(metadata)))
		if _, err := ReadMessage(r); err != nil {
			return
		}
		conn.Write(rejectMessage(3, 0))
	}}

	_, err := FetchMetadata(context.Background(), dialer, Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, infoHash, clientID)
	if err == nil {
		t.Fatal("expected error on reject")
	}
}

func TestFetchMetadataRejectsHashMismatch(t *testing.T) {
	var infoHash, peerID, clientID [20]byte
	metadata := []byte("d4:name3:boge")
	infoHash = sha1.Sum([]byte("something else"))

	dialer := pipeDialer{fn: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		respondHandshake(t, r, conn, infoHash, peerID)
		if _, err := ReadMessage(r); err != nil {
			return
		}
		conn.Write(extendedHandshakeWithSize(5, len(metadata)))
		if _, err := ReadMessage(r); err != nil {
			return
		}
		conn.Write(dataMessage(5, 0, len(metadata), metadata))
	}}

	_, err := FetchMetadata(context.Background(), dialer, Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, infoHash, clientID)
	if err == nil {
		t.Fatal("expected hash mismatch error")
	}
}

func TestFetchMetadataStallTimesOut(t *testing.T) {
	var infoHash, peerID, clientID [20]byte
	infoHash = sha1.Sum([]byte("irrelevant"))

	dialer := pipeDialer{fn: func(conn net.Conn) {
		defer conn.Close()
		r := bufio.NewReader(conn)
		respondHandshake(t, r, conn, infoHash, peerID)
		if _, err := ReadMessage(r); err != nil {
			return
		}
		conn.Write(extendedHandshakeWithSize(1, 16384))
		// never answer the piece request; let the client's read deadline fire.
		time.Sleep(6 * time.Second)
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 7*time.Second)
	defer cancel()
	_, err := FetchMetadata(ctx, dialer, Endpoint{IP: net.IPv4(127, 0, 0, 1), Port: 6881}, infoHash, clientID)
	if err == nil {
		t.Fatal("expected stall timeout error")
	}
}

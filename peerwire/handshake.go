// Package peerwire speaks the BitTorrent peer wire protocol (BEP 3)
// just far enough to perform the BEP 10/BEP 9 extension handshake and
// ut_metadata exchange needed to recover a torrent's info dict from a
// single peer.
package peerwire

import (
	"bufio"
	"fmt"
	"io"
)

// Protocol is the peer wire protocol identifier string sent in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the total length of a handshake message.
const HandshakeSize = 49 + len(Protocol)

// Reserved bit flags.
const (
	ExtensionDHT      = 0x01 // byte 7, bit 0: BEP 5
	ExtensionExtended = 0x10 // byte 5, bit 4: BEP 10
)

// Handshake builds the 68-byte handshake message.
func Handshake(infoHash, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)
	// reserved bytes 20:28 stay zero except the extended-messaging bit.
	buf[25] |= ExtensionExtended
	copy(buf[28:48], infoHash[:])
	copy(buf[48:68], peerID[:])
	return buf
}

// ReadHandshake reads and validates a peer's handshake, returning its
// reserved bytes and info hash.
func ReadHandshake(r *bufio.Reader) (reserved [8]byte, infoHash [20]byte, peerID [20]byte, err error) {
	buf := make([]byte, HandshakeSize)
	if _, err = io.ReadFull(r, buf); err != nil {
		return reserved, infoHash, peerID, fmt.Errorf("peerwire: read handshake: %w", err)
	}
	pstrlen := int(buf[0])
	if 1+pstrlen+48 != HandshakeSize || string(buf[1:1+pstrlen]) != Protocol {
		return reserved, infoHash, peerID, fmt.Errorf("peerwire: unexpected protocol string")
	}
	copy(reserved[:], buf[1+pstrlen:1+pstrlen+8])
	copy(infoHash[:], buf[1+pstrlen+8:1+pstrlen+28])
	copy(peerID[:], buf[1+pstrlen+28:1+pstrlen+48])
	return reserved, infoHash, peerID, nil
}

// SupportsExtended reports whether the reserved bytes advertise BEP 10.
func SupportsExtended(reserved [8]byte) bool {
	return reserved[5]&ExtensionExtended != 0
}

package peerwire

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/jackpal/bencode-go"
)

// MessageType is a peer wire protocol message ID (BEP 3).
type MessageType uint8

const (
	MChoke MessageType = iota
	MUnchoke
	MInterested
	MNotInterested
	MHave
	MBitfield
	MRequest
	MPiece
	MCancel
)

// MExtended is the BEP 10 extension message ID.
const MExtended MessageType = 20

// Message is a single peer wire protocol message.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ReadMessage reads one message, transparently skipping keep-alives
// (a zero-length message with no type byte).
func ReadMessage(r *bufio.Reader) (*Message, error) {
	var lengthBuf [4]byte
	for {
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			return nil, fmt.Errorf("peerwire: read length prefix: %w", err)
		}
		length := binary.BigEndian.Uint32(lengthBuf[:])
		if length == 0 {
			continue // keep-alive
		}

		buf := make([]byte, length)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("peerwire: read message body: %w", err)
		}
		return &Message{Type: MessageType(buf[0]), Payload: buf[1:]}, nil
	}
}

// serialise frames a message with its 4-byte big-endian length prefix.
func serialise(t MessageType, payload []byte) []byte {
	length := uint32(1 + len(payload))
	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], length)
	buf[4] = byte(t)
	copy(buf[5:], payload)
	return buf
}

// Interested builds an "interested" message.
func Interested() []byte {
	return serialise(MInterested, nil)
}

// ExtendedHandshake builds the BEP 10 extension handshake message,
// advertising ut_metadata as local extension ID 1.
func ExtendedHandshake() []byte {
	var buf bytes.Buffer
	bencode.Marshal(&buf, map[string]any{
		"m": map[string]any{"ut_metadata": 1},
	})
	return serialise(MExtended, append([]byte{0}, buf.Bytes()...))
}

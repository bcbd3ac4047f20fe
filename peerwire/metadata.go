package peerwire

import (
	"bytes"
	"fmt"

	"github.com/jackpal/bencode-go"
)

// ut_metadata message types (BEP 9 §3).
const (
	utMetadataRequest = 0
	utMetadataData    = 1
	utMetadataReject  = 2
)

// ExtendedHandshakeInfo is the subset of a peer's BEP 10 extension
// handshake this package cares about.
type ExtendedHandshakeInfo struct {
	UTMetadataID uint8 // the peer's local extension ID for ut_metadata, 0 if absent
	MetadataSize int   // total size of the info dict, 0 if the peer hasn't announced it yet
}

// ParseExtendedHandshake decodes a peer's extension handshake payload
// (the body of an MExtended message whose first byte is 0).
func ParseExtendedHandshake(payload []byte) (ExtendedHandshakeInfo, error) {
	var info ExtendedHandshakeInfo
	var raw struct {
		M            map[string]int64 `bencode:"m"`
		MetadataSize int               `bencode:"metadata_size"`
	}
	if err := bencode.Unmarshal(bytes.NewReader(payload), &raw); err != nil {
		return info, fmt.Errorf("peerwire: decode extension handshake: %w", err)
	}
	if id, ok := raw.M["ut_metadata"]; ok {
		info.UTMetadataID = uint8(id)
	}
	info.MetadataSize = raw.MetadataSize
	return info, nil
}

// RequestMetadataPiece builds an ut_metadata "request" message asking
// for metadata piece index from the peer's extension ID utMetadataID.
func RequestMetadataPiece(utMetadataID uint8, index int) []byte {
	var buf bytes.Buffer
	bencode.Marshal(&buf, map[string]any{
		"msg_type": utMetadataRequest,
		"piece":    index,
	})
	payload := append([]byte{utMetadataID}, buf.Bytes()...)
	return serialise(MExtended, payload)
}

// metadataMessage is the result of parsing an incoming ut_metadata
// extension message.
type metadataMessage struct {
	Type  int
	Piece int
	Total int // "total_size", only present on data messages
	Data  []byte
}

// parseMetadataMessage decodes the bencoded dict prefix of an
// ut_metadata message and returns the trailing raw piece bytes (data
// messages append the piece's bytes after the dict, unbencoded).
func parseMetadataMessage(payload []byte) (metadataMessage, error) {
	var msg metadataMessage

	decoder := bytes.NewReader(payload)
	var raw struct {
		MsgType   int `bencode:"msg_type"`
		Piece     int `bencode:"piece"`
		TotalSize int `bencode:"total_size"`
	}
	if err := bencode.Unmarshal(decoder, &raw); err != nil {
		return msg, fmt.Errorf("peerwire: decode ut_metadata message: %w", err)
	}
	msg.Type = raw.MsgType
	msg.Piece = raw.Piece
	msg.Total = raw.TotalSize

	// Whatever bytes Unmarshal didn't consume are the raw piece data
	// trailing the dict (BEP 9 §3: "data" messages append the piece's
	// bytes after the bencoded header, unbencoded).
	remaining := payload[len(payload)-decoder.Len():]
	msg.Data = remaining
	return msg, nil
}

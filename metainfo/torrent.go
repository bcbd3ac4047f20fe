package metainfo

import (
	"bytes"
	"crypto/sha1"
	"fmt"
	"regexp"

	"github.com/jackpal/bencode-go"
)

// FileEntry is one file of a multi-file torrent's info dict.
type FileEntry struct {
	Length int64    `bencode:"length"`
	Path   []string `bencode:"path"`
}

// Info is the decoded "info" dictionary of a .torrent file, the same
// bytes that ut_metadata transfers piece by piece.
type Info struct {
	Name        string      `bencode:"name"`
	PieceLength int64       `bencode:"piece length"`
	Pieces      string      `bencode:"pieces"`
	Length      int64       `bencode:"length,omitempty"`
	Files       []FileEntry `bencode:"files,omitempty"`
}

// ParseInfo decodes a raw info dict for inspection (display name, file
// list, size). Resolution itself only needs the raw bytes and the
// SHA-1 check in VerifyInfoHash.
func ParseInfo(infoDict []byte) (*Info, error) {
	var info Info
	if err := bencode.Unmarshal(bytes.NewReader(infoDict), &info); err != nil {
		return nil, fmt.Errorf("metainfo: parse info dict: %w", err)
	}
	return &info, nil
}

// Multi reports whether this is a multi-file torrent.
func (i *Info) Multi() bool {
	return len(i.Files) > 0
}

// TotalLength returns the sum of all file lengths described by Info.
func (i *Info) TotalLength() int64 {
	if !i.Multi() {
		return i.Length
	}
	var total int64
	for _, f := range i.Files {
		total += f.Length
	}
	return total
}

// VerifyInfoHash reports whether infoDict's SHA-1 matches hash, the
// final check before a fetched info dict is trusted (BEP 9 §2).
func VerifyInfoHash(infoDict []byte, hash [20]byte) bool {
	return sha1.Sum(infoDict) == hash
}

// AssembleTorrent builds a complete .torrent file from a magnet link
// and the info dict recovered over ut_metadata. infoDict must already
// be verified against m.Hash; AssembleTorrent re-checks it anyway,
// since a corrupt .torrent written to disk is worse than an error
// returned here.
//
// The info dict's raw bytes are spliced into the output unmodified:
// re-encoding them risks producing a different bencode serialization
// of equivalent data, which would change the info hash of the file we
// just spent the whole resolution verifying.
func AssembleTorrent(m *Magnet, infoDict []byte) ([]byte, error) {
	if !VerifyInfoHash(infoDict, m.Hash) {
		got := sha1.Sum(infoDict)
		return nil, fmt.Errorf("metainfo: info dict hash mismatch: got %x, want %x", got, m.Hash)
	}

	var buf bytes.Buffer
	buf.WriteByte('d')

	if len(m.TrackersURL) > 0 {
		writeBencodeString(&buf, "announce")
		writeBencodeString(&buf, m.TrackersURL[0].String())

		if len(m.TrackersURL) > 1 {
			writeBencodeString(&buf, "announce-list")
			buf.WriteByte('l')
			for _, u := range m.TrackersURL {
				buf.WriteByte('l')
				writeBencodeString(&buf, u.String())
				buf.WriteByte('e')
			}
			buf.WriteByte('e')
		}
	}

	writeBencodeString(&buf, "info")
	buf.Write(infoDict)

	buf.WriteByte('e')
	return buf.Bytes(), nil
}

func writeBencodeString(buf *bytes.Buffer, s string) {
	fmt.Fprintf(buf, "%d:%s", len(s), s)
}

var invalidFilenameChars = regexp.MustCompile(`[/\\:*?"<>|\x00]`)

// SanitizedFilename derives a safe filename for the assembled .torrent,
// preferring the magnet link's dn when present and falling back to the
// name embedded in the resolved info dict (§4.5).
func SanitizedFilename(m *Magnet, info *Info) string {
	name := m.Name
	if name == "" && info != nil {
		name = info.Name
	}
	if name == "" {
		name = m.InfoHashHex()
	}
	return invalidFilenameChars.ReplaceAllString(name, "_") + ".torrent"
}

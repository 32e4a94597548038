// Package statefile implements the save-file codec: a self-describing
// stream of tagged sections, loaded and saved to disk with the same
// restrictive-permission, create-then-rename discipline the rest of
// this module uses for on-disk caches.
package statefile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Kind identifies a section's contents.
type Kind uint16

const (
	KindNospamKeys Kind = 1
	KindDHT        Kind = 2
	KindFriends    Kind = 3
	KindName       Kind = 4
	KindStatusMsg  Kind = 5
	KindStatus     Kind = 6
	KindTcpRelays  Kind = 10
	KindPathNodes  Kind = 11
	KindEOF        Kind = 255
)

// sectionMagic tags every section header, letting a reader distinguish
// a real section from stray padding bytes.
const sectionMagic uint16 = 0x01ce

// Section is one tagged chunk of the save file.
type Section struct {
	Kind Kind
	Data []byte
}

// Encode serializes sections into the tagged stream, appending the
// EOF marker. Trailing zero padding is never written; callers that
// need a fixed-size file pad after calling Encode.
func Encode(sections []Section) []byte {
	var buf bytes.Buffer
	for _, s := range sections {
		writeSection(&buf, s.Kind, s.Data)
	}
	writeSection(&buf, KindEOF, nil)
	return buf.Bytes()
}

func writeSection(buf *bytes.Buffer, kind Kind, data []byte) {
	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], uint32(len(data)))
	binary.BigEndian.PutUint16(header[4:6], sectionMagic)
	binary.BigEndian.PutUint16(header[6:8], uint16(kind))
	buf.Write(header[:])
	buf.Write(data)
}

// Decode parses a tagged section stream, stopping at the first EOF
// section. Anything after EOF, an all-zero header, or fewer than 8
// header bytes at the end ends decoding without error; a section whose
// body is shorter than its declared length is an error.
func Decode(b []byte) ([]Section, error) {
	var sections []Section
	r := bytes.NewReader(b)
	for {
		var header [8]byte
		if _, err := io.ReadFull(r, header[:]); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return sections, nil
			}
			return nil, fmt.Errorf("statefile: read section header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[0:4])
		magic := binary.BigEndian.Uint16(header[4:6])
		kind := Kind(binary.BigEndian.Uint16(header[6:8]))

		if magic != sectionMagic {
			if isZeroPadding(header[:]) {
				return sections, nil
			}
			return nil, fmt.Errorf("statefile: bad section magic %#x", magic)
		}
		if kind == KindEOF {
			return sections, nil
		}

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("statefile: read section %d body: %w", kind, err)
		}
		sections = append(sections, Section{Kind: kind, Data: data})
	}
}

func isZeroPadding(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

package statefile

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

// Document is the decoded contents of a save file that a node cares
// about restoring across restarts: its long-term identity and the
// node lists it can reseed its DHT, relay, and onion-path state from.
type Document struct {
	HasKeys   bool
	SecretKey cryptobox.SecretKey
	PublicKey cryptobox.PublicKey

	DHTNodes      []wire.PackedNode
	TcpRelayNodes []wire.PackedNode
	PathNodes     []wire.PackedNode
}

// Load reads and decodes a save file at path. A missing file is not
// an error: it returns a zero Document so callers fall back to
// generating fresh state.
func Load(path string) (Document, error) {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("statefile: read %s: %w", path, err)
	}
	sections, err := Decode(raw)
	if err != nil {
		return Document{}, fmt.Errorf("statefile: decode %s: %w", path, err)
	}

	var doc Document
	for _, s := range sections {
		switch s.Kind {
		case KindNospamKeys:
			if err := doc.decodeNospamKeys(s.Data); err != nil {
				return Document{}, fmt.Errorf("statefile: nospam/keys section: %w", err)
			}
		case KindDHT:
			doc.DHTNodes = decodeNodeList(s.Data)
		case KindTcpRelays:
			doc.TcpRelayNodes = decodeNodeList(s.Data)
		case KindPathNodes:
			doc.PathNodes = decodeNodeList(s.Data)
		}
	}
	return doc, nil
}

// nospamKeysSize is the on-disk layout of the NospamKeys section: a
// 4-byte nospam value (kept for wire compatibility though this module
// does not interpret it), then the long-term keypair.
const nospamKeysSize = 4 + cryptobox.PublicKeySize + cryptobox.SecretKeySize

func (doc *Document) decodeNospamKeys(data []byte) error {
	if len(data) != nospamKeysSize {
		return fmt.Errorf("want %d bytes, got %d", nospamKeysSize, len(data))
	}
	off := 4
	copy(doc.PublicKey[:], data[off:off+cryptobox.PublicKeySize])
	off += cryptobox.PublicKeySize
	copy(doc.SecretKey[:], data[off:off+cryptobox.SecretKeySize])
	doc.HasKeys = true
	return nil
}

func decodeNodeList(data []byte) []wire.PackedNode {
	var nodes []wire.PackedNode
	for len(data) > 0 {
		pn, consumed, err := wire.ParsePackedNode(data)
		if err != nil || consumed == 0 {
			return nodes
		}
		nodes = append(nodes, pn)
		data = data[consumed:]
	}
	return nodes
}

// Save encodes the document and writes it to path, via a temp file in
// the same directory followed by a rename, so a crash mid-write never
// leaves a corrupt save file in place.
func Save(path string, doc Document) error {
	var sections []Section

	if doc.HasKeys {
		body := make([]byte, nospamKeysSize)
		copy(body[4:4+cryptobox.PublicKeySize], doc.PublicKey[:])
		copy(body[4+cryptobox.PublicKeySize:], doc.SecretKey[:])
		sections = append(sections, Section{Kind: KindNospamKeys, Data: body})
	}
	if b, err := encodeNodeList(doc.DHTNodes); err != nil {
		return fmt.Errorf("statefile: encode dht nodes: %w", err)
	} else if b != nil {
		sections = append(sections, Section{Kind: KindDHT, Data: b})
	}
	if b, err := encodeNodeList(doc.TcpRelayNodes); err != nil {
		return fmt.Errorf("statefile: encode tcp relay nodes: %w", err)
	} else if b != nil {
		sections = append(sections, Section{Kind: KindTcpRelays, Data: b})
	}
	if b, err := encodeNodeList(doc.PathNodes); err != nil {
		return fmt.Errorf("statefile: encode path nodes: %w", err)
	} else if b != nil {
		sections = append(sections, Section{Kind: KindPathNodes, Data: b})
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("statefile: create dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("statefile: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(Encode(sections)); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: write temp file: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("statefile: chmod temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("statefile: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("statefile: rename into place: %w", err)
	}
	return nil
}

func encodeNodeList(nodes []wire.PackedNode) ([]byte, error) {
	if len(nodes) == 0 {
		return nil, nil
	}
	var out []byte
	for _, n := range nodes {
		b, err := n.Bytes()
		if err != nil {
			return nil, err
		}
		out = append(out, b...)
	}
	return out, nil
}

package statefile

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

func TestEncodeDecodeSectionRoundTrip(t *testing.T) {
	sections := []Section{
		{Kind: KindName, Data: []byte("nickname")},
		{Kind: KindStatusMsg, Data: []byte("hi")},
	}
	raw := Encode(sections)

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != len(sections) {
		t.Fatalf("got %d sections, want %d", len(got), len(sections))
	}
	for i, s := range sections {
		if got[i].Kind != s.Kind || string(got[i].Data) != string(s.Data) {
			t.Fatalf("section %d mismatch: got %+v, want %+v", i, got[i], s)
		}
	}
}

func TestDecodeStopsAtEOFSection(t *testing.T) {
	raw := Encode([]Section{{Kind: KindStatus, Data: []byte{1}}})
	// Append a section after EOF; Decode must never reach it.
	raw = append(raw, Encode([]Section{{Kind: KindName, Data: []byte("ghost")}})...)

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].Kind != KindStatus {
		t.Fatalf("decode should stop at the first EOF section, got %+v", got)
	}
}

func TestDecodeTreatsTrailingZeroPaddingAsEnd(t *testing.T) {
	// Build the stream by hand, without Encode's own EOF marker, so this
	// exercises the zero-padding end-of-stream path rather than the
	// explicit KindEOF path.
	var raw []byte
	writeSectionForTest(&raw, KindName, []byte("padded"))
	raw = append(raw, make([]byte, 64)...)

	got, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || string(got[0].Data) != "padded" {
		t.Fatalf("unexpected sections: %+v", got)
	}
}

func writeSectionForTest(raw *[]byte, kind Kind, data []byte) {
	var buf bytes.Buffer
	writeSection(&buf, kind, data)
	*raw = append(*raw, buf.Bytes()...)
}

func TestDecodeRejectsBadMagicWithoutZeroPadding(t *testing.T) {
	// Built by hand: Encode's own EOF section would end decoding before
	// the bad header is reached.
	var raw []byte
	writeSectionForTest(&raw, KindName, []byte("x"))
	raw = append(raw, []byte{0, 0, 0, 0, 0xff, 0xff, 0, 1, 0xaa}...)

	if _, err := Decode(raw); err == nil {
		t.Fatalf("expected an error for a non-padding section with a wrong magic")
	}
}

func TestSaveLoadRoundTripsKeysAndNodeLists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tox_save")

	pk, sk, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	nodePK, _, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate node keypair: %v", err)
	}
	node := wire.PackedNode{
		Type:   wire.IPTypeUDP4,
		IP:     net.ParseIP("203.0.113.7").To4(),
		Port:   33445,
		NodeID: nodePK,
	}

	doc := Document{
		HasKeys:       true,
		PublicKey:     pk,
		SecretKey:     sk,
		DHTNodes:      []wire.PackedNode{node},
		TcpRelayNodes: []wire.PackedNode{node},
	}
	if err := Save(path, doc); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !loaded.HasKeys || loaded.PublicKey != pk || loaded.SecretKey != sk {
		t.Fatalf("keys did not round-trip")
	}
	if len(loaded.DHTNodes) != 1 || loaded.DHTNodes[0].NodeID != nodePK {
		t.Fatalf("dht node list did not round-trip: %+v", loaded.DHTNodes)
	}
	if len(loaded.TcpRelayNodes) != 1 {
		t.Fatalf("tcp relay node list did not round-trip: %+v", loaded.TcpRelayNodes)
	}
	if len(loaded.PathNodes) != 0 {
		t.Fatalf("path nodes should be empty, got %+v", loaded.PathNodes)
	}
}

func TestLoadMissingFileReturnsZeroDocument(t *testing.T) {
	dir := t.TempDir()
	doc, err := Load(filepath.Join(dir, "does-not-exist"))
	if err != nil {
		t.Fatalf("load missing file: %v", err)
	}
	if doc.HasKeys || len(doc.DHTNodes) != 0 {
		t.Fatalf("expected a zero Document, got %+v", doc)
	}
}

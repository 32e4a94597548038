package wire

import (
	"bytes"
	"math/rand"
	"net"
	"testing"

	"github.com/cvsouth/tox-go/cryptobox"
)

func TestIpPortRoundTripV4(t *testing.T) {
	in := IpPort{Type: IPTypeUDP4, IP: net.ParseIP("192.168.1.7").To4(), Port: 33445}
	b, err := in.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != IpPortSize {
		t.Fatalf("want %d bytes, got %d", IpPortSize, len(b))
	}
	out, err := ParseIpPort(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Type != in.Type || out.Port != in.Port || !out.IP.Equal(in.IP) {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", out, in)
	}
}

func TestIpPortRoundTripV6(t *testing.T) {
	in := IpPort{Type: IPTypeUDP6, IP: net.ParseIP("2001:db8::1"), Port: 443}
	b, err := in.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseIpPort(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !out.IP.Equal(in.IP) {
		t.Fatalf("roundtrip mismatch: got %v want %v", out.IP, in.IP)
	}
}

func TestIpPortRejectsFamilyMismatch(t *testing.T) {
	b := make([]byte, IpPortSize)
	b[0] = byte(IPTypeUDP4)
	b[5] = 0xff // nonzero padding under a v4 type byte
	if _, err := ParseIpPort(b); err == nil {
		t.Fatal("expected family-mismatch rejection")
	}
}

func TestPackedNodeRoundTripV4(t *testing.T) {
	pk, _, _ := cryptobox.GenerateKeyPair()
	in := PackedNode{Type: IPTypeUDP4, IP: net.ParseIP("10.0.0.1").To4(), Port: 33445, NodeID: pk}
	b, err := in.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != 39 {
		t.Fatalf("want 39 bytes for ipv4 packed node, got %d", len(b))
	}
	out, n, err := ParsePackedNode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 39 || out.NodeID != in.NodeID || out.Port != in.Port {
		t.Fatalf("roundtrip mismatch: got %+v", out)
	}
}

func TestPackedNodeRoundTripV6(t *testing.T) {
	pk, _, _ := cryptobox.GenerateKeyPair()
	in := PackedNode{Type: IPTypeUDP6, IP: net.ParseIP("fe80::1"), Port: 1, NodeID: pk}
	b, err := in.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(b) != 51 {
		t.Fatalf("want 51 bytes for ipv6 packed node, got %d", len(b))
	}
	_, n, err := ParsePackedNode(b)
	if err != nil || n != 51 {
		t.Fatalf("decode: n=%d err=%v", n, err)
	}
}

func TestNodesResponseRoundTrip(t *testing.T) {
	pk1, _, _ := cryptobox.GenerateKeyPair()
	pk2, _, _ := cryptobox.GenerateKeyPair()
	payload := NodesResponsePayload{
		Nodes: []PackedNode{
			{Type: IPTypeUDP4, IP: net.ParseIP("1.2.3.4").To4(), Port: 1, NodeID: pk1},
			{Type: IPTypeUDP4, IP: net.ParseIP("5.6.7.8").To4(), Port: 2, NodeID: pk2},
		},
		ID: 0xdeadbeef,
	}
	b, err := payload.Bytes()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := ParseNodesResponsePayload(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ID != payload.ID || len(out.Nodes) != 2 {
		t.Fatalf("roundtrip mismatch: %+v", out)
	}
}

func TestNodesResponseExactLength(t *testing.T) {
	// Worked out by hand: 1 + 32 + 24 + 16 + (1 + 39 + 39 + 8) = 160
	// bytes, i.e. a DhtPacket envelope wrapping a 2-node NodesResponse.
	pk1, _, _ := cryptobox.GenerateKeyPair()
	pk2, _, _ := cryptobox.GenerateKeyPair()
	payload := NodesResponsePayload{
		Nodes: []PackedNode{
			{Type: IPTypeUDP4, IP: net.ParseIP("1.2.3.4").To4(), Port: 1, NodeID: pk1},
			{Type: IPTypeUDP4, IP: net.ParseIP("5.6.7.8").To4(), Port: 2, NodeID: pk2},
		},
		ID: 1,
	}
	pb, err := payload.Bytes()
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	if len(pb) != 1+39+39+8 {
		t.Fatalf("payload length: got %d want %d", len(pb), 1+39+39+8)
	}
	sealed := append(pb, make([]byte, MacSize)...) // stand-in ciphertext of matching length
	senderPK, _, _ := cryptobox.GenerateKeyPair()
	env := DhtPacket{Kind: KindNodesResponse, SenderPK: senderPK, Encrypted: sealed}
	envBytes := env.Bytes()
	want := 1 + 32 + 24 + 16 + (1 + 39 + 39 + 8)
	if len(envBytes) != want {
		t.Fatalf("envelope length: got %d want %d", len(envBytes), want)
	}
}

func TestNodesResponseRejectsCountOutOfRange(t *testing.T) {
	if _, err := (NodesResponsePayload{Nodes: nil, ID: 0}).Bytes(); err == nil {
		t.Fatal("expected error for 0 nodes")
	}
	five := make([]PackedNode, 5)
	pk, _, _ := cryptobox.GenerateKeyPair()
	for i := range five {
		five[i] = PackedNode{Type: IPTypeUDP4, IP: net.ParseIP("1.1.1.1").To4(), Port: 1, NodeID: pk}
	}
	if _, err := (NodesResponsePayload{Nodes: five, ID: 0}).Bytes(); err == nil {
		t.Fatal("expected error for 5 nodes")
	}
}

func TestNodesResponseRejectsTrailingGarbage(t *testing.T) {
	pk, _, _ := cryptobox.GenerateKeyPair()
	payload := NodesResponsePayload{Nodes: []PackedNode{{Type: IPTypeUDP4, IP: net.ParseIP("1.1.1.1").To4(), Port: 1, NodeID: pk}}, ID: 1}
	b, _ := payload.Bytes()
	b = append(b, 0xff)
	if _, err := ParseNodesResponsePayload(b); err == nil {
		t.Fatal("expected trailing-garbage rejection")
	}
}

func TestDhtPacketRoundTrip(t *testing.T) {
	pk, _, _ := cryptobox.GenerateKeyPair()
	nonce, _ := cryptobox.GenerateNonce()
	in := DhtPacket{Kind: KindPingRequest, SenderPK: pk, Nonce: nonce, Encrypted: []byte("ciphertextstub16")}
	b := in.Bytes()
	out, err := ParseDhtPacket(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Kind != in.Kind || out.SenderPK != in.SenderPK || out.Nonce != in.Nonce || !bytes.Equal(out.Encrypted, in.Encrypted) {
		t.Fatalf("roundtrip mismatch")
	}
}

func TestParseDhtPacketNeverPanicsOnRandomBytes(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	for i := 0; i < 2000; i++ {
		n := r.Intn(200)
		buf := make([]byte, n)
		r.Read(buf)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.Fatalf("panic parsing %d random bytes: %v", n, rec)
				}
			}()
			_, _ = ParseDhtPacket(buf)
		}()
	}
}

func TestParsePackedNodeNeverPanicsOnRandomBytes(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	for i := 0; i < 2000; i++ {
		n := r.Intn(80)
		buf := make([]byte, n)
		r.Read(buf)
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					t.Fatalf("panic parsing %d random bytes: %v", n, rec)
				}
			}()
			_, _, _ = ParsePackedNode(buf)
		}()
	}
}

func TestTCPDataKindRoundTrip(t *testing.T) {
	kind, err := DataKind(5)
	if err != nil {
		t.Fatalf("data kind: %v", err)
	}
	connID, ok := kind.IsData()
	if !ok || connID != 5 {
		t.Fatalf("got connID=%d ok=%v", connID, ok)
	}
	if _, err := DataKind(240); err == nil {
		t.Fatal("expected range error for connID 240")
	}
}

func TestDisconnectNotificationMatchesOriginalSource(t *testing.T) {
	p := DisconnectNotification{ConnID: 9}
	b := p.Bytes()
	if len(b) != 2 {
		t.Fatalf("disconnect notification must be exactly 2 bytes, got %d", len(b))
	}
	out, err := ParseDisconnectNotification(b)
	if err != nil || out.ConnID != 9 {
		t.Fatalf("roundtrip failed: %+v %v", out, err)
	}
}

func TestOnionDataResponseRoundTrip(t *testing.T) {
	nonce, _ := cryptobox.GenerateNonce()
	pk, _, _ := cryptobox.GenerateKeyPair()
	in := OnionDataResponse{Nonce: nonce, TempPK: pk, Encrypted: []byte("0123456789abcdef0123")}
	b := in.Bytes()
	out, err := ParseOnionDataResponse(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Nonce != in.Nonce || out.TempPK != in.TempPK || !bytes.Equal(out.Encrypted, in.Encrypted) {
		t.Fatalf("roundtrip mismatch")
	}
}

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/cvsouth/tox-go/cryptobox"
)

// Kind is the leading byte of every packet on the wire, used for O(1)
// dispatch without inspecting the payload.
type Kind uint8

const (
	KindPingRequest      Kind = 0x00
	KindPingResponse     Kind = 0x01
	KindNodesRequest     Kind = 0x02
	KindNodesResponse    Kind = 0x04
	KindCookieRequest    Kind = 0x18
	KindCookieResponse   Kind = 0x19
	KindCryptoHandshake  Kind = 0x1a
	KindCryptoData       Kind = 0x1b
	KindDhtRequest       Kind = 0x20
	KindLanDiscovery     Kind = 0x21
	KindOnionRequest0    Kind = 0x80
	KindOnionRequest1    Kind = 0x81
	KindOnionRequest2    Kind = 0x82
	KindOnionAnnounceReq Kind = 0x83
	KindOnionAnnounceRes Kind = 0x84
	KindOnionDataReq     Kind = 0x85
	KindOnionDataRes     Kind = 0x86
	KindOnionResponse1   Kind = 0x8c
	KindOnionResponse2   Kind = 0x8d
	KindOnionResponse3   Kind = 0x8e
	KindBootstrapInfo    Kind = 0xf0
)

// MacSize is the authentication tag length appended by the crypto layer.
const MacSize = cryptobox.MacSize

// MaxOnionPacketSize is the largest onion-family packet size. The
// parsers in this package and the onion server do not check packet
// lengths against it.
const MaxOnionPacketSize = 1400

// DhtPacket is the outer, authenticated envelope wrapping every DHT
// payload: kind byte, sender's public key, nonce, then sealed payload.
type DhtPacket struct {
	Kind      Kind
	SenderPK  cryptobox.PublicKey
	Nonce     cryptobox.Nonce
	Encrypted []byte // ciphertext, includes the MAC
}

// Bytes encodes the outer envelope verbatim; it does not perform
// encryption; callers seal the inner payload first via cryptobox.
func (p DhtPacket) Bytes() []byte {
	out := make([]byte, 0, 1+cryptobox.PublicKeySize+cryptobox.NonceSize+len(p.Encrypted))
	out = append(out, byte(p.Kind))
	out = append(out, p.SenderPK[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Encrypted...)
	return out
}

// ParseDhtPacket decodes the outer envelope only; the payload remains
// sealed until the caller opens it with the right key.
func ParseDhtPacket(b []byte) (DhtPacket, error) {
	const headerLen = 1 + cryptobox.PublicKeySize + cryptobox.NonceSize
	if len(b) < headerLen+MacSize {
		return DhtPacket{}, fmt.Errorf("dht packet: too short (%d bytes)", len(b))
	}
	var p DhtPacket
	p.Kind = Kind(b[0])
	copy(p.SenderPK[:], b[1:1+cryptobox.PublicKeySize])
	copy(p.Nonce[:], b[1+cryptobox.PublicKeySize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// BytesNoKind encodes sender_pk ‖ nonce ‖ ciphertext without the
// leading kind byte, for contexts (onion forwarding) where the kind is
// carried separately from the envelope body.
func (p DhtPacket) BytesNoKind() []byte {
	out := make([]byte, 0, cryptobox.PublicKeySize+cryptobox.NonceSize+len(p.Encrypted))
	out = append(out, p.SenderPK[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Encrypted...)
	return out
}

// ParseDhtPacketBody decodes sender_pk ‖ nonce ‖ ciphertext (no kind
// byte present in b), tagging the result with the kind supplied by the
// caller out-of-band.
func ParseDhtPacketBody(kind Kind, b []byte) (DhtPacket, error) {
	const headerLen = cryptobox.PublicKeySize + cryptobox.NonceSize
	if len(b) < headerLen+MacSize {
		return DhtPacket{}, fmt.Errorf("dht packet body: too short (%d bytes)", len(b))
	}
	var p DhtPacket
	p.Kind = kind
	copy(p.SenderPK[:], b[:cryptobox.PublicKeySize])
	copy(p.Nonce[:], b[cryptobox.PublicKeySize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// PingRequestPayload and PingResponsePayload share a layout: a type
// tag followed by an 8-byte ping id.
type PingRequestPayload struct {
	ID uint64
}

func (p PingRequestPayload) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = 0
	binary.BigEndian.PutUint64(out[1:], p.ID)
	return out
}

func ParsePingRequestPayload(b []byte) (PingRequestPayload, error) {
	if len(b) != 9 || b[0] != 0 {
		return PingRequestPayload{}, fmt.Errorf("ping request: malformed payload")
	}
	return PingRequestPayload{ID: binary.BigEndian.Uint64(b[1:])}, nil
}

type PingResponsePayload struct {
	ID uint64
}

func (p PingResponsePayload) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = 1
	binary.BigEndian.PutUint64(out[1:], p.ID)
	return out
}

func ParsePingResponsePayload(b []byte) (PingResponsePayload, error) {
	if len(b) != 9 || b[0] != 1 {
		return PingResponsePayload{}, fmt.Errorf("ping response: malformed payload")
	}
	return PingResponsePayload{ID: binary.BigEndian.Uint64(b[1:])}, nil
}

// NatPingRequestPayload and NatPingResponsePayload are Ping's
// DhtRequest-relayed cousins, used to probe a friend's reachability
// through a shared close node during hole punching. Distinguished
// from a literal Ping payload by their own type tags (0xfe/0xff) so a
// DhtRequest's inner payload can be dispatched without extra framing.
type NatPingRequestPayload struct {
	ID uint64
}

func (p NatPingRequestPayload) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = 0xfe
	binary.BigEndian.PutUint64(out[1:], p.ID)
	return out
}

func ParseNatPingRequestPayload(b []byte) (NatPingRequestPayload, error) {
	if len(b) != 9 || b[0] != 0xfe {
		return NatPingRequestPayload{}, fmt.Errorf("nat ping request: malformed payload")
	}
	return NatPingRequestPayload{ID: binary.BigEndian.Uint64(b[1:])}, nil
}

type NatPingResponsePayload struct {
	ID uint64
}

func (p NatPingResponsePayload) Bytes() []byte {
	out := make([]byte, 9)
	out[0] = 0xff
	binary.BigEndian.PutUint64(out[1:], p.ID)
	return out
}

func ParseNatPingResponsePayload(b []byte) (NatPingResponsePayload, error) {
	if len(b) != 9 || b[0] != 0xff {
		return NatPingResponsePayload{}, fmt.Errorf("nat ping response: malformed payload")
	}
	return NatPingResponsePayload{ID: binary.BigEndian.Uint64(b[1:])}, nil
}

// NodesRequestPayload asks for nodes close to Target.
type NodesRequestPayload struct {
	Target cryptobox.PublicKey
	ID     uint64
}

func (p NodesRequestPayload) Bytes() []byte {
	out := make([]byte, 0, cryptobox.PublicKeySize+8)
	out = append(out, p.Target[:]...)
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], p.ID)
	return append(out, idb[:]...)
}

func ParseNodesRequestPayload(b []byte) (NodesRequestPayload, error) {
	if len(b) != cryptobox.PublicKeySize+8 {
		return NodesRequestPayload{}, fmt.Errorf("nodes request: want %d bytes, got %d", cryptobox.PublicKeySize+8, len(b))
	}
	var p NodesRequestPayload
	copy(p.Target[:], b[:cryptobox.PublicKeySize])
	p.ID = binary.BigEndian.Uint64(b[cryptobox.PublicKeySize:])
	return p, nil
}

// NodesResponsePayload carries 1 to 4 PackedNode entries closest to
// the requested target, followed by the echoed request id.
type NodesResponsePayload struct {
	Nodes []PackedNode
	ID    uint64
}

func (p NodesResponsePayload) Bytes() ([]byte, error) {
	if len(p.Nodes) < 1 || len(p.Nodes) > 4 {
		return nil, fmt.Errorf("nodes response: must carry 1-4 nodes, got %d", len(p.Nodes))
	}
	out := []byte{byte(len(p.Nodes))}
	for _, n := range p.Nodes {
		nb, err := n.Bytes()
		if err != nil {
			return nil, fmt.Errorf("nodes response: %w", err)
		}
		out = append(out, nb...)
	}
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], p.ID)
	return append(out, idb[:]...), nil
}

func ParseNodesResponsePayload(b []byte) (NodesResponsePayload, error) {
	if len(b) < 1 {
		return NodesResponsePayload{}, fmt.Errorf("nodes response: empty")
	}
	n := int(b[0])
	if n < 1 || n > 4 {
		return NodesResponsePayload{}, fmt.Errorf("nodes response: count %d out of range [1,4]", n)
	}
	rest := b[1:]
	nodes := make([]PackedNode, 0, n)
	for i := 0; i < n; i++ {
		pn, consumed, err := ParsePackedNode(rest)
		if err != nil {
			return NodesResponsePayload{}, fmt.Errorf("nodes response: node %d: %w", i, err)
		}
		nodes = append(nodes, pn)
		rest = rest[consumed:]
	}
	if len(rest) != 8 {
		return NodesResponsePayload{}, fmt.Errorf("nodes response: trailing garbage after id (%d bytes)", len(rest)-8)
	}
	id := binary.BigEndian.Uint64(rest)
	return NodesResponsePayload{Nodes: nodes, ID: id}, nil
}

// DhtRequest relays an inner payload to a specific target through a
// common neighbor: target and sender keys in the clear, the inner
// payload sealed with a fresh nonce under (target, sender) keys.
type DhtRequest struct {
	TargetPK  cryptobox.PublicKey
	SenderPK  cryptobox.PublicKey
	Nonce     cryptobox.Nonce
	Encrypted []byte
}

func (p DhtRequest) Bytes() []byte {
	out := make([]byte, 0, 2*cryptobox.PublicKeySize+cryptobox.NonceSize+len(p.Encrypted))
	out = append(out, p.TargetPK[:]...)
	out = append(out, p.SenderPK[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Encrypted...)
	return out
}

func ParseDhtRequest(b []byte) (DhtRequest, error) {
	const headerLen = 2*cryptobox.PublicKeySize + cryptobox.NonceSize
	if len(b) < headerLen+MacSize {
		return DhtRequest{}, fmt.Errorf("dht request: too short (%d bytes)", len(b))
	}
	var p DhtRequest
	copy(p.TargetPK[:], b[:cryptobox.PublicKeySize])
	copy(p.SenderPK[:], b[cryptobox.PublicKeySize:2*cryptobox.PublicKeySize])
	copy(p.Nonce[:], b[2*cryptobox.PublicKeySize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// LanDiscovery carries only the sender's public key, broadcast on the
// local network so peers on the same LAN can find each other without
// a bootstrap node.
type LanDiscovery struct {
	SenderPK cryptobox.PublicKey
}

func (p LanDiscovery) Bytes() []byte {
	out := make([]byte, 1+cryptobox.PublicKeySize)
	out[0] = byte(KindLanDiscovery)
	copy(out[1:], p.SenderPK[:])
	return out
}

func ParseLanDiscovery(b []byte) (LanDiscovery, error) {
	if len(b) != 1+cryptobox.PublicKeySize || Kind(b[0]) != KindLanDiscovery {
		return LanDiscovery{}, fmt.Errorf("lan discovery: malformed packet")
	}
	var p LanDiscovery
	copy(p.SenderPK[:], b[1:])
	return p, nil
}

// BootstrapInfo advertises a node's software version and a short
// message of the day.
type BootstrapInfo struct {
	Version uint32
	Motd    []byte // up to 256 bytes
}

func (p BootstrapInfo) Bytes() ([]byte, error) {
	if len(p.Motd) > 256 {
		return nil, fmt.Errorf("bootstrap info: motd exceeds 256 bytes (%d)", len(p.Motd))
	}
	out := make([]byte, 1+4, 1+4+len(p.Motd))
	out[0] = byte(KindBootstrapInfo)
	binary.BigEndian.PutUint32(out[1:5], p.Version)
	out = append(out, p.Motd...)
	return out, nil
}

func ParseBootstrapInfo(b []byte) (BootstrapInfo, error) {
	if len(b) < 5 || Kind(b[0]) != KindBootstrapInfo {
		return BootstrapInfo{}, fmt.Errorf("bootstrap info: malformed packet")
	}
	motd := b[5:]
	if len(motd) > 256 {
		return BootstrapInfo{}, fmt.Errorf("bootstrap info: motd exceeds 256 bytes (%d)", len(motd))
	}
	return BootstrapInfo{
		Version: binary.BigEndian.Uint32(b[1:5]),
		Motd:    append([]byte(nil), motd...),
	}, nil
}

// CookieRequest/CookieResponse and CryptoHandshake/CryptoData are
// opaque at this layer: their payloads are sealed blobs whose internal
// structure belongs to the session-crypto handshake built on top of
// the DHT packet envelope. The codec only carries them; dhtserver does
// not interpret them and drops them as unhandled kinds.
type OpaquePayload struct {
	Data []byte
}

func (p OpaquePayload) Bytes() []byte { return append([]byte(nil), p.Data...) }

func ParseOpaquePayload(b []byte) OpaquePayload {
	return OpaquePayload{Data: append([]byte(nil), b...)}
}

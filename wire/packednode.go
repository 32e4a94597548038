package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/cvsouth/tox-go/cryptobox"
)

// PackedNode is a node's network identity as carried inside
// NodesResponse payloads and bootstrap lists: an address family tag,
// socket address, and the node's public key. Unlike IpPort (used
// inside onion packet headers), PackedNode's address is not padded to
// 16 bytes; its encoded length is 39 bytes for an IPv4 node, 51 bytes
// for IPv6, exactly 1 (type) + 4-or-16 (addr) + 2 (port) + 32 (key).
type PackedNode struct {
	Type   IPType
	IP     net.IP
	Port   uint16
	NodeID cryptobox.PublicKey
}

// Bytes encodes the PackedNode.
func (n PackedNode) Bytes() ([]byte, error) {
	if !n.Type.valid() {
		return nil, fmt.Errorf("packed node: invalid type %d", n.Type)
	}
	var addr []byte
	if n.Type.isIPv6() {
		addr = n.IP.To16()
		if addr == nil {
			return nil, fmt.Errorf("packed node: type declares ipv6 but address is not valid ipv6")
		}
	} else {
		addr = n.IP.To4()
		if addr == nil {
			return nil, fmt.Errorf("packed node: type declares ipv4 but address is not valid ipv4")
		}
	}
	out := make([]byte, 0, 1+len(addr)+2+cryptobox.PublicKeySize)
	out = append(out, byte(n.Type))
	out = append(out, addr...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], n.Port)
	out = append(out, portBuf[:]...)
	out = append(out, n.NodeID[:]...)
	return out, nil
}

// ParsePackedNode decodes a PackedNode, its length implied by the
// address family declared in the first byte, and returns the number
// of bytes consumed.
func ParsePackedNode(b []byte) (PackedNode, int, error) {
	if len(b) < 1 {
		return PackedNode{}, 0, fmt.Errorf("packed node: empty input")
	}
	t := IPType(b[0])
	if !t.valid() {
		return PackedNode{}, 0, fmt.Errorf("packed node: unknown type byte %d", b[0])
	}
	addrLen := 4
	if t.isIPv6() {
		addrLen = 16
	}
	total := 1 + addrLen + 2 + cryptobox.PublicKeySize
	if len(b) < total {
		return PackedNode{}, 0, fmt.Errorf("packed node: want %d bytes, got %d", total, len(b))
	}
	ip := make(net.IP, addrLen)
	copy(ip, b[1:1+addrLen])
	port := binary.BigEndian.Uint16(b[1+addrLen : 3+addrLen])
	var pk cryptobox.PublicKey
	copy(pk[:], b[3+addrLen:total])
	return PackedNode{Type: t, IP: ip, Port: port, NodeID: pk}, total, nil
}

// SocketAddr returns the node's address as a *net.UDPAddr.
func (n PackedNode) SocketAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: n.IP, Port: int(n.Port)}
}

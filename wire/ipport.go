// Package wire implements the binary codec for every packet exchanged
// by the DHT, onion and TCP relay subsystems: exact byte layouts,
// big-endian integers, strict parsing with no trailing-garbage
// tolerance.
package wire

import (
	"encoding/binary"
	"fmt"
	"net"
)

// IPType tags the address family and transport carried by a PackedNode
// or IpPort.
type IPType uint8

const (
	IPTypeUDP4 IPType = 2
	IPTypeUDP6 IPType = 10
	IPTypeTCP4 IPType = 130
	IPTypeTCP6 IPType = 138
)

func (t IPType) isIPv6() bool {
	return t == IPTypeUDP6 || t == IPTypeTCP6
}

func (t IPType) valid() bool {
	switch t {
	case IPTypeUDP4, IPTypeUDP6, IPTypeTCP4, IPTypeTCP6:
		return true
	default:
		return false
	}
}

// IpPort is the fixed 19-byte address encoding used throughout the
// wire protocol: a type byte, a 4-byte (IPv4) or 16-byte (IPv6)
// address padded to 16 bytes, and a 2-byte big-endian port.
type IpPort struct {
	Type IPType
	IP   net.IP
	Port uint16
}

// IpPortSize is the encoded length of an IpPort: 1 (type) + 16 (addr,
// padded) + 2 (port).
const IpPortSize = 19

// Bytes encodes the IpPort into its fixed 19-byte wire form.
func (ip IpPort) Bytes() ([]byte, error) {
	if !ip.Type.valid() {
		return nil, fmt.Errorf("ipport: invalid type %d", ip.Type)
	}
	out := make([]byte, IpPortSize)
	out[0] = byte(ip.Type)
	if ip.Type.isIPv6() {
		v6 := ip.IP.To16()
		if v6 == nil {
			return nil, fmt.Errorf("ipport: type declares ipv6 but address is not a valid ipv6 address")
		}
		copy(out[1:17], v6)
	} else {
		v4 := ip.IP.To4()
		if v4 == nil {
			return nil, fmt.Errorf("ipport: type declares ipv4 but address is not a valid ipv4 address")
		}
		copy(out[1:5], v4)
		// bytes [5:17) are padding, left zero
	}
	binary.BigEndian.PutUint16(out[17:19], ip.Port)
	return out, nil
}

// ParseIpPort decodes a fixed 19-byte IpPort, rejecting any mismatch
// between the declared address family and the bytes actually present.
func ParseIpPort(b []byte) (IpPort, error) {
	if len(b) != IpPortSize {
		return IpPort{}, fmt.Errorf("ipport: want %d bytes, got %d", IpPortSize, len(b))
	}
	t := IPType(b[0])
	if !t.valid() {
		return IpPort{}, fmt.Errorf("ipport: unknown type byte %d", b[0])
	}
	var ip net.IP
	if t.isIPv6() {
		ip = make(net.IP, 16)
		copy(ip, b[1:17])
	} else {
		// padding bytes [5:17) must be zero: a nonzero tail means the
		// encoder actually wrote an ipv6-shaped address under an ipv4
		// type byte, a family mismatch we reject rather than silently
		// truncate.
		for _, pad := range b[5:17] {
			if pad != 0 {
				return IpPort{}, fmt.Errorf("ipport: ipv4 type with nonzero padding, family mismatch")
			}
		}
		ip = make(net.IP, 4)
		copy(ip, b[1:5])
	}
	port := binary.BigEndian.Uint16(b[17:19])
	return IpPort{Type: t, IP: ip, Port: port}, nil
}

// ToUDPAddr converts the IpPort to a *net.UDPAddr for socket I/O.
func (ip IpPort) ToUDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: ip.IP, Port: int(ip.Port)}
}

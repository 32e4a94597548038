package wire

import (
	"fmt"

	"github.com/cvsouth/tox-go/cryptobox"
)

// TCPKind is the leading byte of a TCP relay session packet, once the
// handshake has established an encrypted, length-framed stream.
type TCPKind uint8

const (
	TCPKindRouteRequest          TCPKind = 0x00
	TCPKindRouteResponse         TCPKind = 0x01
	TCPKindConnectNotification   TCPKind = 0x02
	TCPKindDisconnectNotify      TCPKind = 0x03
	TCPKindPingRequest           TCPKind = 0x04
	TCPKindPingResponse          TCPKind = 0x05
	TCPKindOobSend               TCPKind = 0x06
	TCPKindOobReceive            TCPKind = 0x07
	TCPKindOnionRequest          TCPKind = 0x08
	TCPKindOnionResponse         TCPKind = 0x09
	tcpDataKindBase              TCPKind = 0x10
)

// IsData reports whether kind identifies a data packet for an
// established connection, and if so its connection id (kind - 16).
func (k TCPKind) IsData() (connID uint8, ok bool) {
	if k < tcpDataKindBase {
		return 0, false
	}
	return uint8(k - tcpDataKindBase), true
}

// DataKind returns the TCPKind byte for sending on connection id id.
// Valid connection ids are [0, 240).
func DataKind(connID uint8) (TCPKind, error) {
	if connID >= 240 {
		return 0, fmt.Errorf("tcp data: connection id %d out of range [0,240)", connID)
	}
	return tcpDataKindBase + TCPKind(connID), nil
}

// RouteRequest asks the relay to open a connection-id slot routed to pk.
type RouteRequest struct {
	PK cryptobox.PublicKey
}

func (p RouteRequest) Bytes() []byte {
	out := make([]byte, 1+cryptobox.PublicKeySize)
	out[0] = byte(TCPKindRouteRequest)
	copy(out[1:], p.PK[:])
	return out
}

func ParseRouteRequest(b []byte) (RouteRequest, error) {
	if len(b) != 1+cryptobox.PublicKeySize || TCPKind(b[0]) != TCPKindRouteRequest {
		return RouteRequest{}, fmt.Errorf("route request: malformed packet")
	}
	var p RouteRequest
	copy(p.PK[:], b[1:])
	return p, nil
}

// RouteResponse reports the connection id assigned (or 0xff on failure)
// for the public key previously requested.
type RouteResponse struct {
	ConnID uint8
	PK     cryptobox.PublicKey
}

func (p RouteResponse) Bytes() []byte {
	out := make([]byte, 2+cryptobox.PublicKeySize)
	out[0] = byte(TCPKindRouteResponse)
	out[1] = p.ConnID
	copy(out[2:], p.PK[:])
	return out
}

func ParseRouteResponse(b []byte) (RouteResponse, error) {
	if len(b) != 2+cryptobox.PublicKeySize || TCPKind(b[0]) != TCPKindRouteResponse {
		return RouteResponse{}, fmt.Errorf("route response: malformed packet")
	}
	return RouteResponse{ConnID: b[1], PK: func() (pk cryptobox.PublicKey) { copy(pk[:], b[2:]); return }()}, nil
}

// ConnectNotification tells a client that its peer on connID is now online.
type ConnectNotification struct {
	ConnID uint8
}

func (p ConnectNotification) Bytes() []byte {
	return []byte{byte(TCPKindConnectNotification), p.ConnID}
}

func ParseConnectNotification(b []byte) (ConnectNotification, error) {
	if len(b) != 2 || TCPKind(b[0]) != TCPKindConnectNotification {
		return ConnectNotification{}, fmt.Errorf("connect notification: malformed packet")
	}
	return ConnectNotification{ConnID: b[1]}, nil
}

// DisconnectNotification tells a client its peer on connID went
// offline. Single-byte payload: just the connection id.
type DisconnectNotification struct {
	ConnID uint8
}

func (p DisconnectNotification) Bytes() []byte {
	return []byte{byte(TCPKindDisconnectNotify), p.ConnID}
}

func ParseDisconnectNotification(b []byte) (DisconnectNotification, error) {
	if len(b) != 2 || TCPKind(b[0]) != TCPKindDisconnectNotify {
		return DisconnectNotification{}, fmt.Errorf("disconnect notification: malformed packet")
	}
	return DisconnectNotification{ConnID: b[1]}, nil
}

// OobSend/OobReceive let a client reach a peer it has no routed
// connection id for yet, addressed directly by public key.
type OobSend struct {
	DestPK cryptobox.PublicKey
	Data   []byte
}

func (p OobSend) Bytes() []byte {
	out := make([]byte, 0, 1+cryptobox.PublicKeySize+len(p.Data))
	out = append(out, byte(TCPKindOobSend))
	out = append(out, p.DestPK[:]...)
	out = append(out, p.Data...)
	return out
}

func ParseOobSend(b []byte) (OobSend, error) {
	if len(b) < 1+cryptobox.PublicKeySize || TCPKind(b[0]) != TCPKindOobSend {
		return OobSend{}, fmt.Errorf("oob send: malformed packet")
	}
	var p OobSend
	copy(p.DestPK[:], b[1:1+cryptobox.PublicKeySize])
	p.Data = append([]byte(nil), b[1+cryptobox.PublicKeySize:]...)
	return p, nil
}

type OobReceive struct {
	SenderPK cryptobox.PublicKey
	Data     []byte
}

func (p OobReceive) Bytes() []byte {
	out := make([]byte, 0, 1+cryptobox.PublicKeySize+len(p.Data))
	out = append(out, byte(TCPKindOobReceive))
	out = append(out, p.SenderPK[:]...)
	out = append(out, p.Data...)
	return out
}

func ParseOobReceive(b []byte) (OobReceive, error) {
	if len(b) < 1+cryptobox.PublicKeySize || TCPKind(b[0]) != TCPKindOobReceive {
		return OobReceive{}, fmt.Errorf("oob receive: malformed packet")
	}
	var p OobReceive
	copy(p.SenderPK[:], b[1:1+cryptobox.PublicKeySize])
	p.Data = append([]byte(nil), b[1+cryptobox.PublicKeySize:]...)
	return p, nil
}

// DataPacket carries opaque payload bytes for an established
// connection id, the relay's bread-and-butter forwarding packet.
type DataPacket struct {
	ConnID uint8
	Data   []byte
}

func (p DataPacket) Bytes() ([]byte, error) {
	kind, err := DataKind(p.ConnID)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(p.Data))
	out = append(out, byte(kind))
	out = append(out, p.Data...)
	return out, nil
}

func ParseDataPacket(b []byte) (DataPacket, error) {
	if len(b) < 1 {
		return DataPacket{}, fmt.Errorf("data packet: empty")
	}
	connID, ok := TCPKind(b[0]).IsData()
	if !ok {
		return DataPacket{}, fmt.Errorf("data packet: kind byte %#x is not a data kind", b[0])
	}
	return DataPacket{ConnID: connID, Data: append([]byte(nil), b[1:]...)}, nil
}

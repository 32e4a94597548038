package wire

import (
	"fmt"

	"github.com/cvsouth/tox-go/cryptobox"
)

// OnionForwardLayer is the shape shared by OnionRequest0/1/2: the kind
// byte to re-wrap the next layer under, a nonce, the address to
// forward to next, the ephemeral public key the next hop opens the
// sealed next layer with, and that sealed next layer. Each hop strips its own layer, learns the
// next hop's address and packet kind, and forwards the remainder
// unexamined. This is what lets the final forwarding hop deliver
// directly to an OnionAnnounceRequest/OnionDataRequest kind without
// needing to understand the innermost payload itself.
type OnionForwardLayer struct {
	NextKind  Kind
	Nonce     cryptobox.Nonce
	NextAddr  IpPort
	TempPK    cryptobox.PublicKey
	Encrypted []byte // sealed next layer
}

func (p OnionForwardLayer) Bytes() ([]byte, error) {
	addr, err := p.NextAddr.Bytes()
	if err != nil {
		return nil, fmt.Errorf("onion forward layer: %w", err)
	}
	out := make([]byte, 0, 1+cryptobox.NonceSize+len(addr)+cryptobox.PublicKeySize+len(p.Encrypted))
	out = append(out, byte(p.NextKind))
	out = append(out, p.Nonce[:]...)
	out = append(out, addr...)
	out = append(out, p.TempPK[:]...)
	out = append(out, p.Encrypted...)
	return out, nil
}

func ParseOnionForwardLayer(b []byte) (OnionForwardLayer, error) {
	const headerLen = 1 + cryptobox.NonceSize + IpPortSize + cryptobox.PublicKeySize
	if len(b) < headerLen+MacSize {
		return OnionForwardLayer{}, fmt.Errorf("onion forward layer: too short (%d bytes)", len(b))
	}
	var p OnionForwardLayer
	p.NextKind = Kind(b[0])
	copy(p.Nonce[:], b[1:1+cryptobox.NonceSize])
	addr, err := ParseIpPort(b[1+cryptobox.NonceSize : 1+cryptobox.NonceSize+IpPortSize])
	if err != nil {
		return OnionForwardLayer{}, fmt.Errorf("onion forward layer: %w", err)
	}
	p.NextAddr = addr
	copy(p.TempPK[:], b[1+cryptobox.NonceSize+IpPortSize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// OnionAnnounceRequest is the terminal payload of a 3-hop onion path,
// asking the rendezvous node to store (or refresh) an announce entry.
// onion.Server does not treat it as a lookup of another client's entry.
type OnionAnnounceRequest struct {
	PingIDOrZero [32]byte // zero on first contact, echoed ping_id to confirm
	ClientID     cryptobox.PublicKey
	DataPK       cryptobox.PublicKey
	SenderPK     cryptobox.PublicKey // announce packet's own sender key (onion-layer temp key reused)
}

func (p OnionAnnounceRequest) Bytes() []byte {
	out := make([]byte, 0, 32+3*cryptobox.PublicKeySize)
	out = append(out, p.PingIDOrZero[:]...)
	out = append(out, p.ClientID[:]...)
	out = append(out, p.DataPK[:]...)
	out = append(out, p.SenderPK[:]...)
	return out
}

func ParseOnionAnnounceRequest(b []byte) (OnionAnnounceRequest, error) {
	want := 32 + 3*cryptobox.PublicKeySize
	if len(b) != want {
		return OnionAnnounceRequest{}, fmt.Errorf("onion announce request: want %d bytes, got %d", want, len(b))
	}
	var p OnionAnnounceRequest
	copy(p.PingIDOrZero[:], b[:32])
	copy(p.ClientID[:], b[32:32+cryptobox.PublicKeySize])
	copy(p.DataPK[:], b[32+cryptobox.PublicKeySize:32+2*cryptobox.PublicKeySize])
	copy(p.SenderPK[:], b[32+2*cryptobox.PublicKeySize:])
	return p, nil
}

// OnionAnnounceResponse reports whether the entry is now stored
// (IsStored), plus up to 4 close nodes. onion.Server puts a fresh
// ping_id in PingIDOrPK when the entry was not stored and leaves it
// zero when it was; it never puts a data public key there.
type OnionAnnounceResponse struct {
	IsStored      bool
	PingIDOrPK    [32]byte
	Nodes         []PackedNode
}

func (p OnionAnnounceResponse) Bytes() ([]byte, error) {
	if len(p.Nodes) > 4 {
		return nil, fmt.Errorf("onion announce response: at most 4 nodes, got %d", len(p.Nodes))
	}
	out := make([]byte, 0, 2+32)
	var stored byte
	if p.IsStored {
		stored = 1
	}
	out = append(out, stored, byte(len(p.Nodes)))
	out = append(out, p.PingIDOrPK[:]...)
	for _, n := range p.Nodes {
		nb, err := n.Bytes()
		if err != nil {
			return nil, fmt.Errorf("onion announce response: %w", err)
		}
		out = append(out, nb...)
	}
	return out, nil
}

func ParseOnionAnnounceResponse(b []byte) (OnionAnnounceResponse, error) {
	if len(b) < 2+32 {
		return OnionAnnounceResponse{}, fmt.Errorf("onion announce response: too short")
	}
	var p OnionAnnounceResponse
	p.IsStored = b[0] != 0
	n := int(b[1])
	if n > 4 {
		return OnionAnnounceResponse{}, fmt.Errorf("onion announce response: count %d exceeds 4", n)
	}
	copy(p.PingIDOrPK[:], b[2:34])
	rest := b[34:]
	for i := 0; i < n; i++ {
		pn, consumed, err := ParsePackedNode(rest)
		if err != nil {
			return OnionAnnounceResponse{}, fmt.Errorf("onion announce response: node %d: %w", i, err)
		}
		p.Nodes = append(p.Nodes, pn)
		rest = rest[consumed:]
	}
	if len(rest) != 0 {
		return OnionAnnounceResponse{}, fmt.Errorf("onion announce response: %d trailing bytes", len(rest))
	}
	return p, nil
}

// OnionDataRequest carries a store-and-forward message to a client
// previously announced at this rendezvous node.
type OnionDataRequest struct {
	DestClientID cryptobox.PublicKey
	Nonce        cryptobox.Nonce
	TempPK       cryptobox.PublicKey
	Encrypted    []byte
}

func (p OnionDataRequest) Bytes() []byte {
	out := make([]byte, 0, cryptobox.PublicKeySize+cryptobox.NonceSize+cryptobox.PublicKeySize+len(p.Encrypted))
	out = append(out, p.DestClientID[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.TempPK[:]...)
	out = append(out, p.Encrypted...)
	return out
}

func ParseOnionDataRequest(b []byte) (OnionDataRequest, error) {
	const headerLen = 2*cryptobox.PublicKeySize + cryptobox.NonceSize
	if len(b) < headerLen+MacSize {
		return OnionDataRequest{}, fmt.Errorf("onion data request: too short")
	}
	var p OnionDataRequest
	copy(p.DestClientID[:], b[:cryptobox.PublicKeySize])
	copy(p.Nonce[:], b[cryptobox.PublicKeySize:cryptobox.PublicKeySize+cryptobox.NonceSize])
	copy(p.TempPK[:], b[cryptobox.PublicKeySize+cryptobox.NonceSize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// OnionDataResponse is the store-and-forward delivery itself:
// nonce, temp_pk, then enc(payload).
type OnionDataResponse struct {
	Nonce     cryptobox.Nonce
	TempPK    cryptobox.PublicKey
	Encrypted []byte
}

func (p OnionDataResponse) Bytes() []byte {
	out := make([]byte, 0, cryptobox.NonceSize+cryptobox.PublicKeySize+len(p.Encrypted))
	out = append(out, p.Nonce[:]...)
	out = append(out, p.TempPK[:]...)
	out = append(out, p.Encrypted...)
	return out
}

func ParseOnionDataResponse(b []byte) (OnionDataResponse, error) {
	const headerLen = cryptobox.NonceSize + cryptobox.PublicKeySize
	if len(b) < headerLen+MacSize {
		return OnionDataResponse{}, fmt.Errorf("onion data response: too short")
	}
	var p OnionDataResponse
	copy(p.Nonce[:], b[:cryptobox.NonceSize])
	copy(p.TempPK[:], b[cryptobox.NonceSize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// OnionReturnWrapper carries a growing, symmetrically-encrypted return
// path alongside a forwarded onion packet. Every forwarding hop, the
// first included, seals where the packet came from together with the
// return path it received into one new segment; unwinding the response
// retraces those segments in reverse. ReturnPath
// is length-prefixed (u16) since it grows by a fixed per-hop amount and
// the remaining Inner bytes are otherwise unbounded.
type OnionReturnWrapper struct {
	ReturnPath []byte
	Inner      []byte
}

func (p OnionReturnWrapper) Bytes() []byte {
	out := make([]byte, 2, 2+len(p.ReturnPath)+len(p.Inner))
	out[0] = byte(len(p.ReturnPath) >> 8)
	out[1] = byte(len(p.ReturnPath))
	out = append(out, p.ReturnPath...)
	out = append(out, p.Inner...)
	return out
}

func ParseOnionReturnWrapper(b []byte) (OnionReturnWrapper, error) {
	if len(b) < 2 {
		return OnionReturnWrapper{}, fmt.Errorf("onion return wrapper: too short")
	}
	n := int(b[0])<<8 | int(b[1])
	if len(b) < 2+n {
		return OnionReturnWrapper{}, fmt.Errorf("onion return wrapper: declared return path length %d exceeds packet", n)
	}
	return OnionReturnWrapper{
		ReturnPath: append([]byte(nil), b[2:2+n]...),
		Inner:      append([]byte(nil), b[2+n:]...),
	}, nil
}

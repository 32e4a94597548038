package wire

import (
	"fmt"

	"github.com/cvsouth/tox-go/cryptobox"
)

// tcpHandshakeInnerSize is the size of the plaintext carried inside
// both handshake messages: an ephemeral public key plus that
// direction's initial session nonce.
const tcpHandshakeInnerSize = cryptobox.PublicKeySize + cryptobox.NonceSize

// TCPHandshakeRequest is the first message a TCP relay client sends:
// its long-term public key in the clear (so the relay can look up the
// shared long-term key), a nonce, and its ephemeral key plus the nonce
// it will use to send session data, sealed under the long-term shared
// key.
type TCPHandshakeRequest struct {
	ClientLongTermPK cryptobox.PublicKey
	Nonce            cryptobox.Nonce
	Encrypted        []byte
}

func (p TCPHandshakeRequest) Bytes() []byte {
	out := make([]byte, 0, cryptobox.PublicKeySize+cryptobox.NonceSize+len(p.Encrypted))
	out = append(out, p.ClientLongTermPK[:]...)
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Encrypted...)
	return out
}

func ParseTCPHandshakeRequest(b []byte) (TCPHandshakeRequest, error) {
	const headerLen = cryptobox.PublicKeySize + cryptobox.NonceSize
	want := headerLen + tcpHandshakeInnerSize + MacSize
	if len(b) != want {
		return TCPHandshakeRequest{}, fmt.Errorf("tcp handshake request: want %d bytes, got %d", want, len(b))
	}
	var p TCPHandshakeRequest
	copy(p.ClientLongTermPK[:], b[:cryptobox.PublicKeySize])
	copy(p.Nonce[:], b[cryptobox.PublicKeySize:headerLen])
	p.Encrypted = append([]byte(nil), b[headerLen:]...)
	return p, nil
}

// TCPHandshakeResponse is the relay's reply: a nonce and its own
// ephemeral key plus initial session nonce, sealed under the same
// long-term shared key.
type TCPHandshakeResponse struct {
	Nonce     cryptobox.Nonce
	Encrypted []byte
}

func (p TCPHandshakeResponse) Bytes() []byte {
	out := make([]byte, 0, cryptobox.NonceSize+len(p.Encrypted))
	out = append(out, p.Nonce[:]...)
	out = append(out, p.Encrypted...)
	return out
}

func ParseTCPHandshakeResponse(b []byte) (TCPHandshakeResponse, error) {
	want := cryptobox.NonceSize + tcpHandshakeInnerSize + MacSize
	if len(b) != want {
		return TCPHandshakeResponse{}, fmt.Errorf("tcp handshake response: want %d bytes, got %d", want, len(b))
	}
	var p TCPHandshakeResponse
	copy(p.Nonce[:], b[:cryptobox.NonceSize])
	p.Encrypted = append([]byte(nil), b[cryptobox.NonceSize:]...)
	return p, nil
}

// TCPHandshakeRequestSize and TCPHandshakeResponseSize are the exact
// wire sizes of each handshake message, used for fixed-size reads
// before any length-prefixed framing is in play.
const (
	TCPHandshakeRequestSize  = cryptobox.PublicKeySize + cryptobox.NonceSize + tcpHandshakeInnerSize + MacSize
	TCPHandshakeResponseSize = cryptobox.NonceSize + tcpHandshakeInnerSize + MacSize
)

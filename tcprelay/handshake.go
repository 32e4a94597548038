// Package tcprelay implements the TCP relay fallback transport: a
// persistent encrypted stream offering clients connection-id routing
// to other peers and a bridge into the onion subsystem, for networks
// where direct UDP is blocked.
package tcprelay

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

// handshakeTimeout bounds the whole connect+handshake phase.
const handshakeTimeout = 30 * time.Second

// session holds everything derived from a completed handshake: the
// client's long-term identity and the forward-secret keys used to
// frame every subsequent packet.
type session struct {
	clientPK  cryptobox.PublicKey
	key       cryptobox.PrecomputedKey
	sendNonce cryptobox.Nonce
	recvNonce cryptobox.Nonce
}

// serverHandshake performs the relay side of the handshake on a freshly
// accepted connection. Both handshake messages are sealed under the
// long-term precomputed key (serverSK, the client's long-term public
// key read from the cleartext header); only the ephemeral keys carried
// inside become the forward-secret session key.
func serverHandshake(conn net.Conn, serverSK cryptobox.SecretKey) (*session, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	reqBytes := make([]byte, wire.TCPHandshakeRequestSize)
	if _, err := io.ReadFull(conn, reqBytes); err != nil {
		return nil, fmt.Errorf("read handshake request: %w", err)
	}
	req, err := wire.ParseTCPHandshakeRequest(reqBytes)
	if err != nil {
		return nil, fmt.Errorf("parse handshake request: %w", err)
	}

	longTermKey := cryptobox.Precompute(req.ClientLongTermPK, serverSK)
	inner, err := cryptobox.OpenPrecomputed(req.Encrypted, req.Nonce, longTermKey)
	if err != nil {
		return nil, fmt.Errorf("open handshake request: %w", err)
	}
	if len(inner) != cryptobox.PublicKeySize+cryptobox.NonceSize {
		return nil, fmt.Errorf("handshake request: malformed inner payload")
	}
	var clientEphemeralPK cryptobox.PublicKey
	var clientInitialNonce cryptobox.Nonce
	copy(clientEphemeralPK[:], inner[:cryptobox.PublicKeySize])
	copy(clientInitialNonce[:], inner[cryptobox.PublicKeySize:])

	serverEphemeralPK, serverEphemeralSK, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	serverInitialNonce, err := cryptobox.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate initial nonce: %w", err)
	}

	respInner := make([]byte, 0, cryptobox.PublicKeySize+cryptobox.NonceSize)
	respInner = append(respInner, serverEphemeralPK[:]...)
	respInner = append(respInner, serverInitialNonce[:]...)
	respNonce, err := cryptobox.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate response nonce: %w", err)
	}
	respEncrypted := cryptobox.SealPrecomputed(respInner, respNonce, longTermKey)
	resp := wire.TCPHandshakeResponse{Nonce: respNonce, Encrypted: respEncrypted}
	if _, err := conn.Write(resp.Bytes()); err != nil {
		return nil, fmt.Errorf("write handshake response: %w", err)
	}

	sessionKey := cryptobox.Precompute(clientEphemeralPK, serverEphemeralSK)
	return &session{
		clientPK:  req.ClientLongTermPK,
		key:       sessionKey,
		sendNonce: serverInitialNonce,
		recvNonce: clientInitialNonce,
	}, nil
}

// clientHandshake performs the client side, used by tests and by any
// future tox client wiring to this relay.
func clientHandshake(conn net.Conn, serverPK cryptobox.PublicKey, clientPK cryptobox.PublicKey, clientSK cryptobox.SecretKey) (*session, error) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer conn.SetDeadline(time.Time{})

	longTermKey := cryptobox.Precompute(serverPK, clientSK)

	clientEphemeralPK, clientEphemeralSK, err := cryptobox.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate ephemeral keypair: %w", err)
	}
	clientInitialNonce, err := cryptobox.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate initial nonce: %w", err)
	}

	reqInner := make([]byte, 0, cryptobox.PublicKeySize+cryptobox.NonceSize)
	reqInner = append(reqInner, clientEphemeralPK[:]...)
	reqInner = append(reqInner, clientInitialNonce[:]...)
	reqNonce, err := cryptobox.GenerateNonce()
	if err != nil {
		return nil, fmt.Errorf("generate request nonce: %w", err)
	}
	reqEncrypted := cryptobox.SealPrecomputed(reqInner, reqNonce, longTermKey)
	req := wire.TCPHandshakeRequest{ClientLongTermPK: clientPK, Nonce: reqNonce, Encrypted: reqEncrypted}
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, fmt.Errorf("write handshake request: %w", err)
	}

	respBytes := make([]byte, wire.TCPHandshakeResponseSize)
	if _, err := io.ReadFull(conn, respBytes); err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	resp, err := wire.ParseTCPHandshakeResponse(respBytes)
	if err != nil {
		return nil, fmt.Errorf("parse handshake response: %w", err)
	}
	inner, err := cryptobox.OpenPrecomputed(resp.Encrypted, resp.Nonce, longTermKey)
	if err != nil {
		return nil, fmt.Errorf("open handshake response: %w", err)
	}
	if len(inner) != cryptobox.PublicKeySize+cryptobox.NonceSize {
		return nil, fmt.Errorf("handshake response: malformed inner payload")
	}
	var serverEphemeralPK cryptobox.PublicKey
	var serverInitialNonce cryptobox.Nonce
	copy(serverEphemeralPK[:], inner[:cryptobox.PublicKeySize])
	copy(serverInitialNonce[:], inner[cryptobox.PublicKeySize:])

	sessionKey := cryptobox.Precompute(serverEphemeralPK, clientEphemeralSK)
	return &session{
		clientPK:  clientPK,
		key:       sessionKey,
		sendNonce: clientInitialNonce,
		recvNonce: serverInitialNonce,
	}, nil
}

// writePacket frames and seals one session-stream packet: a u16
// big-endian length prefix followed by the sealed payload. The nonce
// increments by one per packet; callers must never skip a packet
// without sending it, since losing the increment desynchronizes the
// stream irrecoverably (spec's "loss of ordering is fatal" rule).
func (s *session) writePacket(conn net.Conn, plaintext []byte) error {
	sealed := cryptobox.SealPrecomputed(plaintext, s.sendNonce, s.key)
	s.sendNonce = cryptobox.IncrementNonce(s.sendNonce)

	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(sealed)))
	if _, err := conn.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("write frame length: %w", err)
	}
	if _, err := conn.Write(sealed); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// readPacket reads one framed, sealed session-stream packet and
// returns its decrypted payload.
func (s *session) readPacket(conn net.Conn) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(lenBuf[:])
	body := make([]byte, n)
	if _, err := io.ReadFull(conn, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	plain, err := cryptobox.OpenPrecomputed(body, s.recvNonce, s.key)
	if err != nil {
		return nil, fmt.Errorf("open frame: %w", err)
	}
	s.recvNonce = cryptobox.IncrementNonce(s.recvNonce)
	return plain, nil
}

// Package cryptobox wraps the NaCl crypto_box primitive (curve25519
// scalar multiplication, xsalsa20 stream cipher, poly1305 MAC) that
// the wire protocol's authenticated encryption is built on.
package cryptobox

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/nacl/box"
)

const (
	// PublicKeySize is the length in bytes of a curve25519 public key.
	PublicKeySize = 32
	// SecretKeySize is the length in bytes of a curve25519 secret key.
	SecretKeySize = 32
	// NonceSize is the length in bytes of a crypto_box nonce.
	NonceSize = 24
	// MacSize is the length in bytes of the poly1305 authentication tag
	// appended to every sealed box.
	MacSize = box.Overhead
)

// PublicKey identifies a node or client on the network.
type PublicKey [PublicKeySize]byte

// SecretKey is never serialized onto the wire; it only leaves the
// process to be written to the state file or, hex-encoded, to the
// config file.
type SecretKey [SecretKeySize]byte

// Nonce is a once-per-message value; reusing a nonce under the same key
// breaks confidentiality, so every Seal call takes a freshly generated one.
type Nonce [NonceSize]byte

// PrecomputedKey is the shared secret derived once from (PublicKey,
// SecretKey) via scalar multiplication, reused across many seal/open
// calls to avoid repeating the expensive curve operation per packet.
type PrecomputedKey [32]byte

// Init exists only to make explicit the ordering discipline the
// original crypto library required (an explicit initialization call
// before any key operation). NaCl's box package needs no global setup,
// so this is a documented no-op kept for that discipline, not because
// it does anything.
func Init() {}

// GenerateKeyPair produces a fresh curve25519 keypair.
func GenerateKeyPair() (PublicKey, SecretKey, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return PublicKey{}, SecretKey{}, fmt.Errorf("generate keypair: %w", err)
	}
	return PublicKey(*pub), SecretKey(*priv), nil
}

// GenerateNonce returns a cryptographically random nonce.
func GenerateNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return Nonce{}, fmt.Errorf("generate nonce: %w", err)
	}
	return n, nil
}

// RandomU64 returns a cryptographically random 64-bit value, used for
// ping ids and other unpredictable-but-not-secret request tags.
func RandomU64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("random u64: %w", err)
	}
	return binary.BigEndian.Uint64(buf[:]), nil
}

// Precompute derives the shared secret for (pk, sk), amortizing the
// scalar multiplication across many subsequent Seal/Open calls between
// the same two keys.
func Precompute(pk PublicKey, sk SecretKey) PrecomputedKey {
	var shared [32]byte
	pkArr := [32]byte(pk)
	skArr := [32]byte(sk)
	box.Precompute(&shared, &pkArr, &skArr)
	return PrecomputedKey(shared)
}

// Seal encrypts and authenticates plaintext for recipient pk using
// sender sk, appending the MAC. A fresh nonce is returned alongside
// the ciphertext.
func Seal(plaintext []byte, pk PublicKey, sk SecretKey) (ciphertext []byte, nonce Nonce, err error) {
	nonce, err = GenerateNonce()
	if err != nil {
		return nil, Nonce{}, err
	}
	nonceArr := [24]byte(nonce)
	pkArr := [32]byte(pk)
	skArr := [32]byte(sk)
	ciphertext = box.Seal(nil, plaintext, &nonceArr, &pkArr, &skArr)
	return ciphertext, nonce, nil
}

// SealWithNonce behaves like Seal but uses a caller-supplied nonce, for
// callers that track their own nonce sequence across many packets
// rather than generating a fresh random one per message. (The TCP relay
// session stream does this with SealPrecomputed instead.)
func SealWithNonce(plaintext []byte, nonce Nonce, pk PublicKey, sk SecretKey) []byte {
	nonceArr := [24]byte(nonce)
	pkArr := [32]byte(pk)
	skArr := [32]byte(sk)
	return box.Seal(nil, plaintext, &nonceArr, &pkArr, &skArr)
}

// Open decrypts and verifies ciphertext sent by sender pk to recipient sk.
func Open(ciphertext []byte, nonce Nonce, pk PublicKey, sk SecretKey) ([]byte, error) {
	nonceArr := [24]byte(nonce)
	pkArr := [32]byte(pk)
	skArr := [32]byte(sk)
	plaintext, ok := box.Open(nil, ciphertext, &nonceArr, &pkArr, &skArr)
	if !ok {
		return nil, fmt.Errorf("open: authentication failed")
	}
	return plaintext, nil
}

// SealPrecomputed encrypts using an already-derived shared secret.
func SealPrecomputed(plaintext []byte, nonce Nonce, key PrecomputedKey) []byte {
	nonceArr := [24]byte(nonce)
	keyArr := [32]byte(key)
	return box.SealAfterPrecomputation(nil, plaintext, &nonceArr, &keyArr)
}

// OpenPrecomputed decrypts using an already-derived shared secret.
func OpenPrecomputed(ciphertext []byte, nonce Nonce, key PrecomputedKey) ([]byte, error) {
	nonceArr := [24]byte(nonce)
	keyArr := [32]byte(key)
	plaintext, ok := box.OpenAfterPrecomputation(nil, ciphertext, &nonceArr, &keyArr)
	if !ok {
		return nil, fmt.Errorf("open precomputed: authentication failed")
	}
	return plaintext, nil
}

// IncrementNonce advances a nonce by one, treating it as a big-endian
// counter. Used by the TCP relay session stream, where each direction
// of a session keeps a nonce that increments by 1 per packet instead
// of being freshly randomized.
func IncrementNonce(n Nonce) Nonce {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
	return n
}

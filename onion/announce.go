// Package onion implements the three-hop onion-routed announce/data
// subsystem: layered request construction and peeling, the rendezvous
// node's announce table, and response unwinding back to the client.
package onion

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"golang.org/x/crypto/hkdf"
)

const (
	// announceTableCap is the maximum number of stored announce
	// entries; the oldest is evicted once a new insert would exceed it.
	announceTableCap = 160
	// pingIDBucketWidth is the time resolution ping ids are quantized to.
	pingIDBucketWidth = 20 * time.Second
)

// announceEntry is one stored announcement: a client reachable at
// ret_addr (an opaque onion return-path blob) under DataPK.
type announceEntry struct {
	clientID cryptobox.PublicKey
	dataPK   cryptobox.PublicKey
	retAddr  []byte
	storedAt time.Time
}

// AnnounceTable is the rendezvous node's bounded store of announce
// entries, evicted LRU once full.
type AnnounceTable struct {
	mu      sync.Mutex
	secret  [32]byte
	order   []cryptobox.PublicKey // LRU order, oldest first
	entries map[cryptobox.PublicKey]*announceEntry
}

// NewAnnounceTable creates an empty table keyed by a freshly generated
// local secret used to derive ping ids.
func NewAnnounceTable() (*AnnounceTable, error) {
	var secret [32]byte
	u, err := cryptobox.RandomU64()
	if err != nil {
		return nil, err
	}
	// Expand a single random u64 into a full 32-byte secret via HKDF,
	// the same key-schedule idiom used to stretch a short shared value
	// into however many key bytes are needed.
	seed := make([]byte, 8)
	for i := 0; i < 8; i++ {
		seed[i] = byte(u >> (8 * i))
	}
	r := hkdf.New(sha256.New, seed, nil, []byte("tox-onion-announce-secret"))
	if _, err := r.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("derive announce table secret: %w", err)
	}
	return &AnnounceTable{secret: secret, entries: make(map[cryptobox.PublicKey]*announceEntry)}, nil
}

// pingIDBucket quantizes t to pingIDBucketWidth-wide windows so a
// ping_id stays valid across small clock skew while still rotating.
func pingIDBucket(t time.Time) int64 {
	return t.Unix() / int64(pingIDBucketWidth.Seconds())
}

// PingID derives ping_id = HMAC-SHA256(secret, client_pk ∥ ret_addr ∥
// time_bucket), a re-authentication token a client must
// echo back to prove it owns the announce slot it's refreshing.
func (t *AnnounceTable) PingID(clientPK cryptobox.PublicKey, retAddr []byte, when time.Time) [32]byte {
	info := make([]byte, 0, cryptobox.PublicKeySize+len(retAddr)+8)
	info = append(info, clientPK[:]...)
	info = append(info, retAddr...)
	bucket := pingIDBucket(when)
	for i := 0; i < 8; i++ {
		info = append(info, byte(bucket>>(8*i)))
	}
	mac := hmac.New(sha256.New, t.secret[:])
	mac.Write(info)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}

// CheckPingID reports whether got matches the ping id for the current
// or immediately preceding time bucket (tolerating boundary skew).
func (t *AnnounceTable) CheckPingID(clientPK cryptobox.PublicKey, retAddr []byte, got [32]byte, now time.Time) bool {
	if t.PingID(clientPK, retAddr, now) == got {
		return true
	}
	if t.PingID(clientPK, retAddr, now.Add(-pingIDBucketWidth)) == got {
		return true
	}
	return false
}

// Store inserts or refreshes an announce entry, evicting the
// least-recently-used entry if the table is full.
func (t *AnnounceTable) Store(clientID, dataPK cryptobox.PublicKey, retAddr []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[clientID]; !exists && len(t.entries) >= announceTableCap {
		oldest := t.order[0]
		t.order = t.order[1:]
		delete(t.entries, oldest)
	}
	if _, exists := t.entries[clientID]; exists {
		t.touch(clientID)
	} else {
		t.order = append(t.order, clientID)
	}
	t.entries[clientID] = &announceEntry{clientID: clientID, dataPK: dataPK, retAddr: retAddr, storedAt: time.Now()}
}

func (t *AnnounceTable) touch(clientID cryptobox.PublicKey) {
	for i, id := range t.order {
		if id == clientID {
			t.order = append(t.order[:i], t.order[i+1:]...)
			t.order = append(t.order, clientID)
			return
		}
	}
}

// Lookup returns the stored entry for clientID, if any.
func (t *AnnounceTable) Lookup(clientID cryptobox.PublicKey) (dataPK cryptobox.PublicKey, retAddr []byte, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, exists := t.entries[clientID]
	if !exists {
		return cryptobox.PublicKey{}, nil, false
	}
	return e.dataPK, append([]byte(nil), e.retAddr...), true
}

// Len returns the number of stored entries, exposed for tests
// validating the LRU-eviction invariant at capacity+1 insertions.
func (t *AnnounceTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// retAddrFor derives a stable opaque return-address blob for a UDP
// source address, used both as the AnnounceTable key material and as
// the return-path payload threaded back through OnionResponse1/2/3.
func retAddrFor(addr *net.UDPAddr) []byte {
	b := make([]byte, 0, 18)
	b = append(b, addr.IP.To16()...)
	b = append(b, byte(addr.Port>>8), byte(addr.Port))
	return b
}

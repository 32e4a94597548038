package kbucket

import (
	"net"
	"testing"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

func randomNode(t *testing.T, port uint16) Node {
	t.Helper()
	pk, _, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	return Node{Packed: wire.PackedNode{
		Type:   wire.IPTypeUDP4,
		IP:     net.ParseIP("127.0.0.1").To4(),
		Port:   port,
		NodeID: pk,
	}}
}

func TestDistanceSymmetricAndZeroSelf(t *testing.T) {
	a, _, _ := cryptobox.GenerateKeyPair()
	b, _, _ := cryptobox.GenerateKeyPair()

	if Distance(a, a) != ([32]byte{}) {
		t.Fatal("distance to self must be zero")
	}
	if Distance(a, b) != Distance(b, a) {
		t.Fatal("distance must be symmetric")
	}
}

func TestDistanceTriangleInequalityOnXor(t *testing.T) {
	// XOR distance obeys d(a,c) = d(a,b) XOR d(b,c); since x XOR y never
	// exceeds x + y, the triangle inequality follows from this identity,
	// which is what is checked here on a random sample.
	a, _, _ := cryptobox.GenerateKeyPair()
	b, _, _ := cryptobox.GenerateKeyPair()
	c, _, _ := cryptobox.GenerateKeyPair()

	dac := Distance(a, c)
	dab := Distance(a, b)
	dbc := Distance(b, c)

	// d(a,c) = d(a,b) XOR d(b,c) exactly, by XOR-metric algebra.
	var want [32]byte
	for i := range want {
		want[i] = dab[i] ^ dbc[i]
	}
	if dac != want {
		t.Fatalf("xor metric identity violated: got %x want %x", dac, want)
	}
}

func TestBucketTryAddOrdersNearestFirst(t *testing.T) {
	base, _, _ := cryptobox.GenerateKeyPair()
	b := NewBucket(base)
	for i := 0; i < BucketSize; i++ {
		b.TryAdd(randomNode(t, uint16(i+1)))
	}
	for i := 1; i < len(b.Nodes); i++ {
		if !Less(base, b.Nodes[i-1].pk(), b.Nodes[i].pk()) && b.Nodes[i-1].pk() != b.Nodes[i].pk() {
			t.Fatalf("bucket not nearest-first at index %d", i)
		}
	}
}

func TestBucketRefusesWhenFullAndFarther(t *testing.T) {
	base, _, _ := cryptobox.GenerateKeyPair()
	b := NewBucket(base)
	for i := 0; i < BucketSize; i++ {
		if !b.TryAdd(randomNode(t, uint16(i+1))) {
			t.Fatalf("expected add %d to succeed while bucket not full", i)
		}
	}
	if len(b.Nodes) != BucketSize {
		t.Fatalf("bucket should be full, has %d", len(b.Nodes))
	}
	// The bitwise complement of base is the farthest possible key, so a
	// full bucket must refuse it.
	var farPK cryptobox.PublicKey
	for i := range farPK {
		farPK[i] = ^base[i]
	}
	far := Node{Packed: wire.PackedNode{Type: wire.IPTypeUDP4, IP: net.ParseIP("127.0.0.1").To4(), Port: 998, NodeID: farPK}}
	if b.TryAdd(far) {
		t.Fatal("expected a full bucket to refuse a node farther than every node it holds")
	}
	// Capacity must never be exceeded regardless of whether this
	// particular random node happens to be closer or farther.
	_ = b.TryAdd(randomNode(t, 999))
	if len(b.Nodes) > BucketSize {
		t.Fatalf("bucket exceeded capacity: %d", len(b.Nodes))
	}
}

func TestKbucketFindNode(t *testing.T) {
	base, _, _ := cryptobox.GenerateKeyPair()
	k := NewKbucket(base)
	n := randomNode(t, 1234)
	if !k.TryAdd(n) {
		t.Fatal("expected add to succeed")
	}
	got, ok := k.FindNode(n.pk())
	if !ok || got.Packed.Port != 1234 {
		t.Fatalf("find node failed: %+v ok=%v", got, ok)
	}
}

func TestKbucketGetClosestBounded(t *testing.T) {
	base, _, _ := cryptobox.GenerateKeyPair()
	k := NewKbucket(base)
	for i := 0; i < 20; i++ {
		k.TryAdd(randomNode(t, uint16(i+1)))
	}
	closest := k.GetClosest(base, 4)
	if len(closest) > 4 {
		t.Fatalf("expected at most 4 nodes, got %d", len(closest))
	}
}

func TestKbucketRefusesSelf(t *testing.T) {
	base, _, _ := cryptobox.GenerateKeyPair()
	k := NewKbucket(base)
	self := Node{Packed: wire.PackedNode{Type: wire.IPTypeUDP4, IP: net.ParseIP("127.0.0.1").To4(), Port: 1, NodeID: base}}
	if k.TryAdd(self) {
		t.Fatal("expected self-insertion to be refused")
	}
}

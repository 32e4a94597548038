// Package kbucket implements the Kademlia-style routing structure: XOR
// distance, a fixed-capacity nearest-first Bucket, and a Kbucket of up
// to 128 such buckets indexed by the position of the first differing
// bit from a base key.
package kbucket

import (
	"math/bits"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

// BucketSize is the maximum number of nodes held in a single Bucket.
const BucketSize = 8

// MaxBuckets is the maximum number of buckets in a Kbucket (indexes
// 0..127); a node sharing 128 or more leading bits with Base is refused.
const MaxBuckets = 128

// Distance computes XOR distance between two keys as a big-endian
// byte array, compared lexicographically, identical to unsigned
// integer comparison over the 256-bit value.
func Distance(a, b cryptobox.PublicKey) [cryptobox.PublicKeySize]byte {
	var d [cryptobox.PublicKeySize]byte
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is closer to base than b is.
func Less(base, a, b cryptobox.PublicKey) bool {
	da := Distance(base, a)
	db := Distance(base, b)
	for i := range da {
		if da[i] != db[i] {
			return da[i] < db[i]
		}
	}
	return false
}

// bucketIndex returns the index (0..255) of the first bit at which
// base and id differ, counting from the most significant bit, i.e.
// 256 - bit-length(base XOR id). Returns -1 if the keys are identical.
func bucketIndex(base, id cryptobox.PublicKey) int {
	d := Distance(base, id)
	bitLen := 0
	for i := 0; i < len(d); i++ {
		if d[i] != 0 {
			bitLen = (len(d)-1-i)*8 + bits.Len8(d[i])
			return 256 - bitLen
		}
	}
	return -1
}

// Node is a routing-table entry: a network identity plus the
// bookkeeping a Bucket needs to decide overwrite/replace/refuse.
type Node struct {
	Packed wire.PackedNode
}

func (n Node) pk() cryptobox.PublicKey { return n.Packed.NodeID }

// Bucket holds up to BucketSize nodes, sorted nearest-first relative
// to a base key.
type Bucket struct {
	Base  cryptobox.PublicKey
	Nodes []Node
}

// NewBucket creates an empty bucket measuring distance from base.
func NewBucket(base cryptobox.PublicKey) *Bucket {
	return &Bucket{Base: base}
}

func (b *Bucket) find(pk cryptobox.PublicKey) int {
	for i, n := range b.Nodes {
		if n.pk() == pk {
			return i
		}
	}
	return -1
}

// TryAdd inserts node, maintaining nearest-first order. If the bucket
// is full, it replaces the farthest node only if the new node is
// closer; otherwise it refuses. Returns whether the bucket changed.
func (b *Bucket) TryAdd(node Node) bool {
	if i := b.find(node.pk()); i >= 0 {
		b.Nodes[i] = node
		b.resort()
		return true
	}
	if len(b.Nodes) < BucketSize {
		b.Nodes = append(b.Nodes, node)
		b.resort()
		return true
	}
	farthest := b.Nodes[len(b.Nodes)-1]
	if Less(b.Base, node.pk(), farthest.pk()) {
		b.Nodes[len(b.Nodes)-1] = node
		b.resort()
		return true
	}
	return false
}

// Remove deletes pk from the bucket if present.
func (b *Bucket) Remove(pk cryptobox.PublicKey) {
	if i := b.find(pk); i >= 0 {
		b.Nodes = append(b.Nodes[:i], b.Nodes[i+1:]...)
	}
}

func (b *Bucket) resort() {
	// insertion sort: bucket is tiny (<=8) and already nearly sorted
	for i := 1; i < len(b.Nodes); i++ {
		for j := i; j > 0 && Less(b.Base, b.Nodes[j].pk(), b.Nodes[j-1].pk()); j-- {
			b.Nodes[j], b.Nodes[j-1] = b.Nodes[j-1], b.Nodes[j]
		}
	}
}

// IsEmpty reports whether the bucket holds no nodes.
func (b *Bucket) IsEmpty() bool { return len(b.Nodes) == 0 }

// CanAdd reports whether TryAdd(node) would change the bucket, without
// mutating it.
func (b *Bucket) CanAdd(node Node) bool {
	if i := b.find(node.pk()); i >= 0 {
		_ = i
		return true
	}
	if len(b.Nodes) < BucketSize {
		return true
	}
	farthest := b.Nodes[len(b.Nodes)-1]
	return Less(b.Base, node.pk(), farthest.pk())
}

// Kbucket is the full routing table: up to MaxBuckets buckets indexed
// by the position of the first bit differing from Base.
type Kbucket struct {
	Base    cryptobox.PublicKey
	buckets map[int]*Bucket
}

// NewKbucket creates an empty routing table centered on base.
func NewKbucket(base cryptobox.PublicKey) *Kbucket {
	return &Kbucket{Base: base, buckets: make(map[int]*Bucket)}
}

// TryAdd inserts node into the bucket selected by its distance from
// Base. Returns false if the node is Base itself (no self-bucket) or
// if the selected bucket refuses the insert.
func (k *Kbucket) TryAdd(node Node) bool {
	idx := bucketIndex(k.Base, node.pk())
	if idx < 0 || idx >= MaxBuckets {
		return false
	}
	b, ok := k.buckets[idx]
	if !ok {
		b = NewBucket(k.Base)
		k.buckets[idx] = b
	}
	return b.TryAdd(node)
}

// Remove deletes pk from whichever bucket it falls in.
func (k *Kbucket) Remove(pk cryptobox.PublicKey) {
	idx := bucketIndex(k.Base, pk)
	if b, ok := k.buckets[idx]; ok {
		b.Remove(pk)
	}
}

// FindNode returns the node with the given public key if present.
func (k *Kbucket) FindNode(pk cryptobox.PublicKey) (Node, bool) {
	idx := bucketIndex(k.Base, pk)
	b, ok := k.buckets[idx]
	if !ok {
		return Node{}, false
	}
	if i := b.find(pk); i >= 0 {
		return b.Nodes[i], true
	}
	return Node{}, false
}

// GetClosest returns up to count nodes closest to target across the
// whole table.
func (k *Kbucket) GetClosest(target cryptobox.PublicKey, count int) []Node {
	all := make([]Node, 0)
	for _, b := range k.buckets {
		all = append(all, b.Nodes...)
	}
	for i := 1; i < len(all); i++ {
		for j := i; j > 0 && Less(target, all[j].pk(), all[j-1].pk()); j-- {
			all[j], all[j-1] = all[j-1], all[j]
		}
	}
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// AllNodes returns every node currently held, in no particular order.
func (k *Kbucket) AllNodes() []Node {
	all := make([]Node, 0)
	for _, b := range k.buckets {
		all = append(all, b.Nodes...)
	}
	return all
}

// Buckets returns the populated buckets, for callers (e.g. PingSender)
// that need bucket-shaped iteration rather than a flat node list.
func (k *Kbucket) Buckets() []*Bucket {
	out := make([]*Bucket, 0, len(k.buckets))
	for _, b := range k.buckets {
		out = append(out, b)
	}
	return out
}

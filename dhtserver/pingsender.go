package dhtserver

import (
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/kbucket"
)

// PingSender batches candidate nodes into a bucket-shaped queue before
// pinging them, so a burst of distant nodes can't starve closer ones
// out of a flat FIFO.
type PingSender struct {
	lastSend time.Time
	queue    *kbucket.Bucket
}

// NewPingSender creates an empty sender queued around base (normally
// the server's own public key).
func NewPingSender(base cryptobox.PublicKey) *PingSender {
	return &PingSender{queue: kbucket.NewBucket(base), lastSend: time.Now()}
}

// TryAdd enqueues node for a future ping unless it's already a
// confirmed, non-stale close-list entry, already a friend present in
// that friend's close list, or already queued. The bucket-capacity
// rule (8 per bucket) is enforced by the underlying kbucket.Bucket.
func (s *PingSender) TryAdd(node kbucket.Node, alreadyGoodCloseNode, isFriendAlreadyClose bool) bool {
	if alreadyGoodCloseNode {
		return false
	}
	if isFriendAlreadyClose {
		return false
	}
	for _, n := range s.queue.Nodes {
		if n.Packed.NodeID == node.Packed.NodeID {
			return false
		}
	}
	return s.queue.TryAdd(node)
}

// ReadyToSend reports whether PingIterInterval has elapsed since the
// last flush.
func (s *PingSender) ReadyToSend(now time.Time) bool {
	return now.Sub(s.lastSend) >= PingIterInterval
}

// Drain empties the queue and returns its nodes, resetting the send
// timer. Call only when ReadyToSend is true.
func (s *PingSender) Drain(now time.Time) []kbucket.Node {
	nodes := s.queue.Nodes
	s.queue.Nodes = nil
	s.lastSend = now
	return nodes
}

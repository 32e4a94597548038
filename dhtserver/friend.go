package dhtserver

import (
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/kbucket"
)

// HolePunchState tracks NAT hole-punching progress toward one friend.
type HolePunchState struct {
	IsPunchingDone     bool
	NumPunchTries      int
	LastRecvPingTime   time.Time
	LastPunchingTime   time.Time
	FirstPunchingIndex int
	PunchingIndex      int
	// MaxPunchTries is a tunable distinct from MaxBootstrapTimes: the
	// two searches have different cost profiles and give up at
	// different rates.
	MaxPunchTries int
	// PingID is the outstanding NatPingRequest id sent toward this
	// friend, checked against the matching NatPingResponse.
	PingID uint64
}

// NewHolePunchState creates fresh hole-punch bookkeeping with the
// default retry budget.
func NewHolePunchState() *HolePunchState {
	return &HolePunchState{MaxPunchTries: 5}
}

// CanRetry reports whether another punching attempt is permitted.
func (h *HolePunchState) CanRetry() bool {
	return !h.IsPunchingDone && h.NumPunchTries < h.MaxPunchTries
}

// DhtFriend tracks the search for one friend's close nodes: every
// discovered node goes into both a bootstrap bucket and the close list,
// and the bootstrap bucket is emptied by PromoteBootstrapNodes, whose
// nodes the caller then sends NodesRequests to.
type DhtFriend struct {
	PK              cryptobox.PublicKey
	CloseNodes      *kbucket.Bucket
	BootstrapNodes  *kbucket.Bucket
	LastNodesReqTime time.Time
	bootstrapTimes  int
	maxBootstrap    int
	HolePunch       *HolePunchState
}

// NewDhtFriend creates a friend search seeded with up to maxBootstrap
// NodesRequest attempts before giving up on fresh bootstrapping (the
// friend can still be found passively via normal close-node traffic).
func NewDhtFriend(pk cryptobox.PublicKey, maxBootstrap int) *DhtFriend {
	return &DhtFriend{
		PK:             pk,
		CloseNodes:     kbucket.NewBucket(pk),
		BootstrapNodes: kbucket.NewBucket(pk),
		maxBootstrap:   maxBootstrap,
		HolePunch:      NewHolePunchState(),
	}
}

// AddToClose records a newly discovered node as both a bootstrap
// candidate (to ping) and, speculatively, a close node.
func (f *DhtFriend) AddToClose(node kbucket.Node) {
	f.BootstrapNodes.TryAdd(node)
	f.CloseNodes.TryAdd(node)
}

// HasCloseNode reports whether pk is already present in this friend's
// close list.
func (f *DhtFriend) HasCloseNode(pk cryptobox.PublicKey) bool {
	for _, n := range f.CloseNodes.Nodes {
		if n.Packed.NodeID == pk {
			return true
		}
	}
	return false
}

// PromoteBootstrapNodes drains the bootstrap_nodes bucket, returning
// its contents for the caller to ping, matching the original's
// swap-and-ping step in send_nodes_req_packets/ping_bootstrap_nodes.
func (f *DhtFriend) PromoteBootstrapNodes() []kbucket.Node {
	nodes := f.BootstrapNodes.Nodes
	f.BootstrapNodes.Nodes = nil
	return nodes
}

// CanBootstrapMore reports whether another weighted NodesRequest may
// be sent toward this friend.
func (f *DhtFriend) CanBootstrapMore() bool {
	return f.bootstrapTimes < f.maxBootstrap
}

// RecordBootstrapAttempt marks that a weighted NodesRequest was just sent.
func (f *DhtFriend) RecordBootstrapAttempt(now time.Time) {
	f.bootstrapTimes++
	f.LastNodesReqTime = now
}

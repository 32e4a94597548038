package dhtserver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/kbucket"
	"github.com/cvsouth/tox-go/wire"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	pk, sk, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("gen keypair: %v", err)
	}
	return New(conn, pk, sk, nil)
}

func TestPingRequestResponseRoundTrip(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	bNode := wire.PackedNode{
		Type:   wire.IPTypeUDP4,
		IP:     net.IPv4(127, 0, 0, 1),
		Port:   uint16(b.conn.LocalAddr().(*net.UDPAddr).Port),
		NodeID: b.ownPK,
	}
	a.sendPingReq(bNode, true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.pingMu.Lock()
		pd, ok := a.pingMap[b.ownPK]
		a.pingMu.Unlock()
		if ok && !pd.LastRespTime.IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("ping request/response did not complete in time")
}

func TestAddFriendDeduplicates(t *testing.T) {
	s := newTestServer(t)
	pk, _, _ := cryptobox.GenerateKeyPair()
	s.AddFriend(pk)
	s.AddFriend(pk)
	if len(s.friends) != 1 {
		t.Fatalf("expected 1 friend, got %d", len(s.friends))
	}
}

func TestNatPingRequestResponseMarksHolePunchDone(t *testing.T) {
	a := newTestServer(t)
	b := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)
	go b.Run(ctx)

	a.AddFriend(b.ownPK)
	a.friendsMu.Lock()
	f := a.friends[0]
	a.friendsMu.Unlock()

	bNode := wire.PackedNode{
		Type:   wire.IPTypeUDP4,
		IP:     net.IPv4(127, 0, 0, 1),
		Port:   uint16(b.conn.LocalAddr().(*net.UDPAddr).Port),
		NodeID: b.ownPK,
	}
	// b acts as its own relay here: a addresses the DhtRequest straight
	// to b, which is both the request's target and the node a sent it
	// to, collapsing the usual "through a shared close node" hop for
	// this direct round-trip check.
	a.sendNatPingReq(f, bNode)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.friendsMu.Lock()
		done := f.HolePunch.IsPunchingDone
		a.friendsMu.Unlock()
		if done {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("nat ping request/response did not complete in time")
}

func TestEvictDeadRemovesStaleNode(t *testing.T) {
	s := newTestServer(t)
	pk, _, _ := cryptobox.GenerateKeyPair()
	node := wire.PackedNode{Type: wire.IPTypeUDP4, IP: net.IPv4(1, 2, 3, 4), Port: 1, NodeID: pk}
	s.closeNodes.TryAdd(kbucket.Node{Packed: node})

	s.pingMu.Lock()
	pd := NewPingData()
	pd.LastRespTime = time.Now().Add(-KillNodeTimeout - time.Second)
	s.pingMap[pk] = pd
	s.pingMu.Unlock()

	s.evictDead(time.Now())

	if _, ok := s.closeNodes.FindNode(pk); ok {
		t.Fatal("expected dead node to be evicted from close list")
	}
}

package onion

import (
	"net"
	"testing"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

func mustKeyPair(t *testing.T) (cryptobox.PublicKey, cryptobox.SecretKey) {
	t.Helper()
	pk, sk, err := cryptobox.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return pk, sk
}

func TestAnnounceTablePingIDRoundTripAndSkewTolerance(t *testing.T) {
	table, err := NewAnnounceTable()
	if err != nil {
		t.Fatalf("new announce table: %v", err)
	}
	clientPK, _ := mustKeyPair(t)
	retAddr := []byte("fake-return-addr")

	now := time.Now()
	id := table.PingID(clientPK, retAddr, now)
	if !table.CheckPingID(clientPK, retAddr, id, now) {
		t.Fatalf("ping id should validate against the bucket it was derived in")
	}

	// An id minted just before a bucket boundary must still check out
	// against "now" one bucket later, tolerating the rollover.
	idPrevBucket := table.PingID(clientPK, retAddr, now.Add(-pingIDBucketWidth))
	if !table.CheckPingID(clientPK, retAddr, idPrevBucket, now) {
		t.Fatalf("ping id from the immediately preceding bucket should still be accepted")
	}

	idStale := table.PingID(clientPK, retAddr, now.Add(-3*pingIDBucketWidth))
	if table.CheckPingID(clientPK, retAddr, idStale, now) {
		t.Fatalf("ping id from three buckets back must not be accepted")
	}
}

func TestAnnounceTableEvictsOldestPastCapacity(t *testing.T) {
	table, err := NewAnnounceTable()
	if err != nil {
		t.Fatalf("new announce table: %v", err)
	}

	var first cryptobox.PublicKey
	for i := 0; i < announceTableCap+1; i++ {
		clientPK, _ := mustKeyPair(t)
		dataPK, _ := mustKeyPair(t)
		if i == 0 {
			first = clientPK
		}
		table.Store(clientPK, dataPK, []byte{byte(i)})
	}

	if got := table.Len(); got != announceTableCap {
		t.Fatalf("table should hold exactly %d entries, got %d", announceTableCap, got)
	}
	if _, _, ok := table.Lookup(first); ok {
		t.Fatalf("oldest entry should have been evicted once capacity was exceeded")
	}
}

func TestAnnounceTableRefreshTouchesLRUOrder(t *testing.T) {
	table, err := NewAnnounceTable()
	if err != nil {
		t.Fatalf("new announce table: %v", err)
	}
	oldestPK, dataPK := mustAnnouncePK(t)
	table.Store(oldestPK, dataPK, []byte{0})

	// Fill up to capacity-1 more entries, then refresh oldestPK so it is
	// no longer the least-recently-used entry.
	for i := 1; i < announceTableCap; i++ {
		pk, dpk := mustAnnouncePK(t)
		table.Store(pk, dpk, []byte{byte(i)})
	}
	table.Store(oldestPK, dataPK, []byte{0xff})

	nextPK, nextDPK := mustAnnouncePK(t)
	table.Store(nextPK, nextDPK, []byte{0xfe})

	if _, _, ok := table.Lookup(oldestPK); !ok {
		t.Fatalf("refreshed entry should have survived the eviction that its refresh deferred")
	}
}

func mustAnnouncePK(t *testing.T) (cryptobox.PublicKey, cryptobox.PublicKey) {
	t.Helper()
	pk, _ := mustKeyPair(t)
	dpk, _ := mustKeyPair(t)
	return pk, dpk
}

// stubNodes is a NodeProvider that always returns no close nodes, enough
// for exercising the onion forwarding/response path without a DHT.
type stubNodes struct{}

func (stubNodes) GetClosest(cryptobox.PublicKey, int) []wire.PackedNode { return nil }

func ipPortFor(addr *net.UDPAddr) wire.IpPort {
	return wire.IpPort{Type: wire.IPTypeUDP4, IP: addr.IP.To4(), Port: uint16(addr.Port)}
}

// router lets a handful of in-process onion.Server values stand in for a
// small onion network: send on one server looks up the destination
// address and calls HandlePacket directly instead of going over a real
// socket.
type router struct {
	servers map[string]*Server
	onDeliverToClient func(raw []byte)
	clientAddr *net.UDPAddr
}

func (r *router) sendFrom(self *net.UDPAddr) func([]byte, *net.UDPAddr) {
	return func(data []byte, to *net.UDPAddr) {
		if r.clientAddr != nil && to.String() == r.clientAddr.String() {
			if r.onDeliverToClient != nil {
				r.onDeliverToClient(data)
			}
			return
		}
		srv, ok := r.servers[to.String()]
		if !ok {
			return
		}
		srv.HandlePacket(wire.Kind(data[0]), data, self)
	}
}

// TestOnionAnnounceRoundTrip drives a full three-hop announce: a client
// builds a layered OnionRequest0 addressed through hop1 and hop2 to
// hop3, which (per real Tox's onion path) also serves as the rendezvous
// node once its own layer peels down to the terminal announce request.
// The response then unwinds back through OnionResponse3/2/1 to the
// address the client originally sent from.
func TestOnionAnnounceRoundTrip(t *testing.T) {
	hop1PK, hop1SK := mustKeyPair(t)
	hop2PK, hop2SK := mustKeyPair(t)
	hop3PK, hop3SK := mustKeyPair(t)

	hop1Addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 33001}
	hop2Addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 33002}
	hop3Addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 33003}
	clientAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 33099}

	rt := &router{servers: make(map[string]*Server), clientAddr: clientAddr}

	s1 := New(hop1PK, hop1SK, stubNodes{}, rt.sendFrom(hop1Addr), nil)
	s2 := New(hop2PK, hop2SK, stubNodes{}, rt.sendFrom(hop2Addr), nil)
	s3 := New(hop3PK, hop3SK, stubNodes{}, rt.sendFrom(hop3Addr), nil)
	rt.servers[hop1Addr.String()] = s1
	rt.servers[hop2Addr.String()] = s2
	rt.servers[hop3Addr.String()] = s3

	var delivered []byte
	rt.onDeliverToClient = func(raw []byte) { delivered = raw }

	clientPK, _ := mustKeyPair(t)
	dataPK, _ := mustKeyPair(t)
	eph1PK, eph1SK := mustKeyPair(t)
	eph2PK, eph2SK := mustKeyPair(t)
	eph3PK, eph3SK := mustKeyPair(t)
	ephAnnouncePK, ephAnnounceSK := mustKeyPair(t)

	announceReq := wire.OnionAnnounceRequest{
		ClientID: clientPK,
		DataPK:   dataPK,
		SenderPK: ephAnnouncePK,
	}
	announceCipher, announceNonce, err := cryptobox.Seal(announceReq.Bytes(), hop3PK, ephAnnounceSK)
	if err != nil {
		t.Fatalf("seal announce request: %v", err)
	}
	announceBody := wire.DhtPacket{SenderPK: ephAnnouncePK, Nonce: announceNonce, Encrypted: announceCipher}.BytesNoKind()

	layer3 := wire.OnionForwardLayer{
		NextKind:  wire.KindOnionAnnounceReq,
		NextAddr:  ipPortFor(hop3Addr),
		Encrypted: announceBody,
	}
	layer3Bytes, err := layer3.Bytes()
	if err != nil {
		t.Fatalf("encode layer3: %v", err)
	}
	cipher2, nonce2, err := cryptobox.Seal(layer3Bytes, hop3PK, eph3SK)
	if err != nil {
		t.Fatalf("seal layer3: %v", err)
	}

	layer2 := wire.OnionForwardLayer{
		NextKind:  wire.KindOnionRequest2,
		Nonce:     nonce2,
		NextAddr:  ipPortFor(hop3Addr),
		TempPK:    eph3PK,
		Encrypted: cipher2,
	}
	layer2Bytes, err := layer2.Bytes()
	if err != nil {
		t.Fatalf("encode layer2: %v", err)
	}
	cipher1, nonce1, err := cryptobox.Seal(layer2Bytes, hop2PK, eph2SK)
	if err != nil {
		t.Fatalf("seal layer2: %v", err)
	}

	layer1 := wire.OnionForwardLayer{
		NextKind:  wire.KindOnionRequest1,
		Nonce:     nonce1,
		NextAddr:  ipPortFor(hop2Addr),
		TempPK:    eph2PK,
		Encrypted: cipher1,
	}
	layer1Bytes, err := layer1.Bytes()
	if err != nil {
		t.Fatalf("encode layer1: %v", err)
	}
	cipher0, nonce0, err := cryptobox.Seal(layer1Bytes, hop1PK, eph1SK)
	if err != nil {
		t.Fatalf("seal layer1: %v", err)
	}

	body0 := wire.DhtPacket{SenderPK: eph1PK, Nonce: nonce0, Encrypted: cipher0}.BytesNoKind()
	raw0 := append([]byte{byte(wire.KindOnionRequest0)}, body0...)

	s1.HandlePacket(wire.KindOnionRequest0, raw0, clientAddr)

	if delivered == nil {
		t.Fatalf("client never received a response")
	}
	if wire.Kind(delivered[0]) != wire.KindOnionResponse1 {
		t.Fatalf("final hop to the client should carry kind OnionResponse1, got %#x", delivered[0])
	}
	wrapper, err := wire.ParseOnionReturnWrapper(delivered[1:])
	if err != nil {
		t.Fatalf("parse final response wrapper: %v", err)
	}
	if len(wrapper.ReturnPath) != 0 {
		t.Fatalf("return path should be fully unwound by the time it reaches the client")
	}
	resp, err := wire.ParseOnionAnnounceResponse(wrapper.Inner)
	if err != nil {
		t.Fatalf("parse announce response: %v", err)
	}
	if resp.IsStored {
		t.Fatalf("first contact with a zero ping id should not report stored")
	}
	if resp.PingIDOrPK == ([32]byte{}) {
		t.Fatalf("first-contact response should carry a fresh non-zero ping id")
	}
}

// TestHandleRelayedDeliversResponseThroughCallback exercises the
// tcprelay.OnionBridge path: a single hop doubling as its own
// rendezvous receives an announce request via HandleRelayed instead of
// a real UDP source address, and the response must arrive through the
// respond callback rather than through send.
func TestHandleRelayedDeliversResponseThroughCallback(t *testing.T) {
	hopPK, hopSK := mustKeyPair(t)
	hopAddr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 34001}

	// The peeled layer's next hop is this same node acting as its own
	// rendezvous, so send must loop the forwarded packet back into
	// HandlePacket rather than hand it to a real socket.
	var s *Server
	s = New(hopPK, hopSK, stubNodes{}, func(data []byte, to *net.UDPAddr) {
		if to.String() == hopAddr.String() {
			s.HandlePacket(wire.Kind(data[0]), data, hopAddr)
			return
		}
		t.Fatalf("unexpected send to %s", to)
	}, nil)

	clientPK, _ := mustKeyPair(t)
	dataPK, _ := mustKeyPair(t)
	ephAnnouncePK, ephAnnounceSK := mustKeyPair(t)

	announceReq := wire.OnionAnnounceRequest{ClientID: clientPK, DataPK: dataPK, SenderPK: ephAnnouncePK}
	announceCipher, announceNonce, err := cryptobox.Seal(announceReq.Bytes(), hopPK, ephAnnounceSK)
	if err != nil {
		t.Fatalf("seal announce request: %v", err)
	}
	announceBody := wire.DhtPacket{SenderPK: ephAnnouncePK, Nonce: announceNonce, Encrypted: announceCipher}.BytesNoKind()

	layer := wire.OnionForwardLayer{
		NextKind:  wire.KindOnionAnnounceReq,
		NextAddr:  ipPortFor(hopAddr),
		Encrypted: announceBody,
	}
	layerBytes, err := layer.Bytes()
	if err != nil {
		t.Fatalf("encode layer: %v", err)
	}
	eph0PK, eph0SK := mustKeyPair(t)
	cipher0, nonce0, err := cryptobox.Seal(layerBytes, hopPK, eph0SK)
	if err != nil {
		t.Fatalf("seal layer: %v", err)
	}
	body0 := wire.DhtPacket{SenderPK: eph0PK, Nonce: nonce0, Encrypted: cipher0}.BytesNoKind()
	raw0 := append([]byte{byte(wire.KindOnionRequest0)}, body0...)

	var delivered []byte
	s.HandleRelayed(raw0, func(resp []byte) { delivered = resp })

	if delivered == nil {
		t.Fatal("relayed client never received a response")
	}
	if wire.Kind(delivered[0]) != wire.KindOnionResponse1 {
		t.Fatalf("relayed response should carry kind OnionResponse1 once the hop has peeled its own return segment, got %#x", delivered[0])
	}
	wrapper, err := wire.ParseOnionReturnWrapper(delivered[1:])
	if err != nil {
		t.Fatalf("parse response wrapper: %v", err)
	}
	if len(wrapper.ReturnPath) != 0 {
		t.Fatalf("return path should be fully unwound by the time it reaches the relayed client")
	}
	if _, err := wire.ParseOnionAnnounceResponse(wrapper.Inner); err != nil {
		t.Fatalf("parse announce response: %v", err)
	}

	if got, _, ok := s.announce.Lookup(clientPK); ok {
		t.Fatalf("announce request with an unconfirmed ping id should not have been stored, got dataPK %v", got)
	}
}

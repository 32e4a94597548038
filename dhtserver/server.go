package dhtserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/kbucket"
	"github.com/cvsouth/tox-go/wire"
)

// outboundQueueCap bounds the server's outgoing packet queue. Once it
// is full, a new maintenance packet (pings, nodes requests) is dropped,
// and a new friend-search packet takes the place of the packet at the
// head of the queue only when that one is maintenance traffic.
const outboundQueueCap = 256

// outboundPacket pairs an encoded packet with its destination.
type outboundPacket struct {
	data     []byte
	addr     *net.UDPAddr
	priority bool // true = explicit/friend traffic, may displace a maintenance packet at the queue head
}

// OnionDispatcher receives onion-family packets read off the shared
// UDP socket; dhtserver itself has no onion semantics, it only routes
// bytes whose kind byte falls in the onion range to whatever
// implements this (normally *onion.Server). Kept as an interface
// rather than a direct onion.Server field to avoid a package cycle:
// onion.Server in turn asks a NodeProvider (this Server) for close
// nodes to answer announce requests with.
type OnionDispatcher interface {
	HandlePacket(kind wire.Kind, raw []byte, from *net.UDPAddr) // raw includes the kind byte
}

// NodeProvider is the subset of Server the onion package depends on:
// enough to answer "what are the closest nodes to X" without onion
// importing dhtserver.
type NodeProvider interface {
	GetClosest(target cryptobox.PublicKey, count int) []wire.PackedNode
}

// Server is one DHT node: its identity, routing table, per-peer
// liveness data, and the friends it is searching for.
type Server struct {
	log *slog.Logger

	ownPK cryptobox.PublicKey
	ownSK cryptobox.SecretKey

	conn *net.UDPConn

	closeMu    sync.RWMutex
	closeNodes *kbucket.Kbucket

	pingMu  sync.Mutex
	pingMap map[cryptobox.PublicKey]*PingData

	friendsMu sync.Mutex
	friends   []*DhtFriend

	precomputeMu sync.Mutex
	precompute   map[cryptobox.PublicKey]cryptobox.PrecomputedKey

	pingSender *PingSender

	out chan outboundPacket

	onion OnionDispatcher

	lastLanDiscovery time.Time
}

// New creates a Server bound to conn (already listening), identified
// by (pk, sk).
func New(conn *net.UDPConn, pk cryptobox.PublicKey, sk cryptobox.SecretKey, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:        logger,
		ownPK:      pk,
		ownSK:      sk,
		conn:       conn,
		closeNodes: kbucket.NewKbucket(pk),
		pingMap:    make(map[cryptobox.PublicKey]*PingData),
		precompute: make(map[cryptobox.PublicKey]cryptobox.PrecomputedKey),
		pingSender: NewPingSender(pk),
		out:        make(chan outboundPacket, outboundQueueCap),
	}
}

// SetOnionDispatcher wires an onion subsystem to receive onion-range
// packets read off this server's socket.
func (s *Server) SetOnionDispatcher(d OnionDispatcher) { s.onion = d }

// GetClosest implements NodeProvider.
func (s *Server) GetClosest(target cryptobox.PublicKey, count int) []wire.PackedNode {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	nodes := s.closeNodes.GetClosest(target, count)
	out := make([]wire.PackedNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Packed
	}
	return out
}

// Snapshot returns every node currently in the close list, for saving
// to a state file so the next run can bootstrap from it instead of
// relying solely on configured seed nodes.
func (s *Server) Snapshot() []wire.PackedNode {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	nodes := s.closeNodes.AllNodes()
	out := make([]wire.PackedNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Packed
	}
	return out
}

// AddFriend begins searching for pk's close nodes.
func (s *Server) AddFriend(pk cryptobox.PublicKey) {
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	for _, f := range s.friends {
		if f.PK == pk {
			return
		}
	}
	s.friends = append(s.friends, NewDhtFriend(pk, MaxBootstrapTimes))
}

// AddBootstrapNode queues a seed node for every current friend search
// and for general close-node population.
func (s *Server) AddBootstrapNode(node wire.PackedNode) {
	s.closeMu.Lock()
	s.closeNodes.TryAdd(kbucket.Node{Packed: node})
	s.closeMu.Unlock()

	s.friendsMu.Lock()
	for _, f := range s.friends {
		f.AddToClose(kbucket.Node{Packed: node})
	}
	s.friendsMu.Unlock()
}

func (s *Server) precomputedKey(pk cryptobox.PublicKey) cryptobox.PrecomputedKey {
	s.precomputeMu.Lock()
	defer s.precomputeMu.Unlock()
	if k, ok := s.precompute[pk]; ok {
		return k
	}
	k := cryptobox.Precompute(pk, s.ownSK)
	s.precompute[pk] = k
	return k
}

func (s *Server) enqueue(pkt outboundPacket) {
	select {
	case s.out <- pkt:
		return
	default:
	}
	if pkt.priority {
		// take the entry at the head of the queue: if it is maintenance
		// traffic it is dropped to make room; deeper entries are not
		// examined.
		select {
		case old := <-s.out:
			if old.priority {
				// nothing better to drop; put it back and give up on this send.
				select {
				case s.out <- old:
				default:
				}
				return
			}
		default:
		}
		select {
		case s.out <- pkt:
		default:
			s.log.Warn("outbound queue full, dropping priority packet")
		}
		return
	}
	s.log.Debug("outbound queue full, dropping maintenance packet")
}

func (s *Server) sendSealed(kind wire.Kind, payload []byte, toPK cryptobox.PublicKey, addr *net.UDPAddr, priority bool) {
	key := s.precomputedKey(toPK)
	nonce, err := cryptobox.GenerateNonce()
	if err != nil {
		s.log.Error("generate nonce", "err", err)
		return
	}
	ct := cryptobox.SealPrecomputed(payload, nonce, key)
	pkt := wire.DhtPacket{Kind: kind, SenderPK: s.ownPK, Nonce: nonce, Encrypted: ct}
	s.enqueue(outboundPacket{data: pkt.Bytes(), addr: addr, priority: priority})
}

// sendPingReq sends a fresh PingRequest to node, recording the ping id
// in its PingData.
func (s *Server) sendPingReq(node wire.PackedNode, priority bool) {
	id, err := cryptobox.RandomU64()
	if err != nil {
		s.log.Error("random ping id", "err", err)
		return
	}
	s.pingMu.Lock()
	pd, ok := s.pingMap[node.NodeID]
	if !ok {
		pd = NewPingData()
		s.pingMap[node.NodeID] = pd
	}
	pd.AddPingID(id, time.Now())
	pd.LastPingReqTime = time.Now()
	s.pingMu.Unlock()

	payload := wire.PingRequestPayload{ID: id}.Bytes()
	s.sendSealed(wire.KindPingRequest, payload, node.NodeID, node.SocketAddr(), priority)
}

// sendNodesReq sends a NodesRequest for target to node.
func (s *Server) sendNodesReq(node wire.PackedNode, target cryptobox.PublicKey, priority bool) {
	id, err := cryptobox.RandomU64()
	if err != nil {
		s.log.Error("random nodes-req id", "err", err)
		return
	}
	s.pingMu.Lock()
	pd, ok := s.pingMap[node.NodeID]
	if !ok {
		pd = NewPingData()
		s.pingMap[node.NodeID] = pd
	}
	pd.AddPingID(id, time.Now())
	s.pingMu.Unlock()

	payload := wire.NodesRequestPayload{Target: target, ID: id}.Bytes()
	s.sendSealed(wire.KindNodesRequest, payload, node.NodeID, node.SocketAddr(), priority)
}

// Run drives the UDP reader, writer and tick loop until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 3)
	go func() { errCh <- s.readLoop(ctx) }()
	go func() { errCh <- s.writeLoop(ctx) }()
	go func() { s.tickLoop(ctx); errCh <- nil }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) readLoop(ctx context.Context) error {
	buf := make([]byte, 2048)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return fmt.Errorf("udp read: %w", err)
		}
		pkt := append([]byte(nil), buf[:n]...)
		s.handleRaw(pkt, addr)
	}
}

func (s *Server) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-s.out:
			_ = s.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
			if _, err := s.conn.WriteToUDP(pkt.data, pkt.addr); err != nil {
				s.log.Debug("udp write failed", "addr", pkt.addr, "err", err)
			}
		}
	}
}

func (s *Server) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(TickPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Server) tick(now time.Time) {
	s.expirePings(now)
	s.evictDead(now)
	s.drainPingSender(now)
	s.pingCloseNodes(now)
	s.nodesReqWeighted(now)
	s.maintainFriends(now)
	s.maybeLanDiscovery(now)
}

func (s *Server) expirePings(now time.Time) {
	s.pingMu.Lock()
	defer s.pingMu.Unlock()
	for _, pd := range s.pingMap {
		pd.ExpirePingIDs(now)
	}
}

func (s *Server) evictDead(now time.Time) {
	s.pingMu.Lock()
	dead := make([]cryptobox.PublicKey, 0)
	for pk, pd := range s.pingMap {
		if pd.IsDead(now) {
			dead = append(dead, pk)
		}
	}
	for _, pk := range dead {
		delete(s.pingMap, pk)
	}
	s.pingMu.Unlock()

	if len(dead) == 0 {
		return
	}
	s.closeMu.Lock()
	for _, pk := range dead {
		s.closeNodes.Remove(pk)
	}
	s.closeMu.Unlock()
}

func (s *Server) drainPingSender(now time.Time) {
	if !s.pingSender.ReadyToSend(now) {
		return
	}
	for _, n := range s.pingSender.Drain(now) {
		s.sendPingReq(n.Packed, false)
	}
}

func (s *Server) pingCloseNodes(now time.Time) {
	s.closeMu.RLock()
	nodes := s.closeNodes.AllNodes()
	s.closeMu.RUnlock()

	for _, n := range nodes {
		s.pingMu.Lock()
		pd, ok := s.pingMap[n.Packed.NodeID]
		if !ok {
			pd = NewPingData()
			s.pingMap[n.Packed.NodeID] = pd
		}
		due := pd.LastPingReqTime.IsZero() || now.Sub(pd.LastPingReqTime) >= PingInterval
		s.pingMu.Unlock()
		if due {
			s.sendNodesReq(n.Packed, s.ownPK, false)
			s.pingMu.Lock()
			pd.LastPingReqTime = now
			s.pingMu.Unlock()
		}
	}
}

func (s *Server) nodesReqWeighted(now time.Time) {
	s.closeMu.RLock()
	nodes := s.closeNodes.AllNodes()
	s.closeMu.RUnlock()

	good := make([]kbucket.Node, 0, len(nodes))
	s.pingMu.Lock()
	for _, n := range nodes {
		pd, ok := s.pingMap[n.Packed.NodeID]
		if !ok || !pd.IsBad(now) {
			good = append(good, n)
		}
	}
	s.pingMu.Unlock()

	if len(good) == 0 {
		return
	}
	// AllNodes iterates the bucket map in no particular order;
	// selectWeightedCloseNode's bias toward the front only skews toward
	// nearer nodes if the slice is nearest-first already.
	sort.Slice(good, func(i, j int) bool {
		return kbucket.Less(s.ownPK, good[i].Packed.NodeID, good[j].Packed.NodeID)
	})
	node, err := selectWeightedCloseNode(good)
	if err != nil {
		return
	}
	s.sendNodesReq(node.Packed, s.ownPK, false)
}

func (s *Server) maintainFriends(now time.Time) {
	s.friendsMu.Lock()
	friends := append([]*DhtFriend(nil), s.friends...)
	s.friendsMu.Unlock()

	for _, f := range friends {
		for _, n := range f.PromoteBootstrapNodes() {
			s.sendNodesReq(n.Packed, f.PK, true)
		}
		for _, n := range f.CloseNodes.Nodes {
			s.pingMu.Lock()
			pd, ok := s.pingMap[n.Packed.NodeID]
			if !ok {
				pd = NewPingData()
				s.pingMap[n.Packed.NodeID] = pd
			}
			due := now.Sub(pd.LastPingReqTime) >= PingInterval
			s.pingMu.Unlock()
			if due {
				s.sendNodesReq(n.Packed, f.PK, true)
				s.pingMu.Lock()
				pd.LastPingReqTime = now
				s.pingMu.Unlock()
			}
		}
		if f.HolePunch.CanRetry() && len(f.CloseNodes.Nodes) > 0 &&
			now.Sub(f.HolePunch.LastPunchingTime) >= NatPingReqInterval {
			relay := f.CloseNodes.Nodes[0]
			s.sendNatPingReq(f, relay.Packed)
			f.HolePunch.LastPunchingTime = now
			f.HolePunch.NumPunchTries++
		}
		if f.CanBootstrapMore() && now.Sub(f.LastNodesReqTime) >= NodesReqInterval {
			good := make([]kbucket.Node, 0, len(f.CloseNodes.Nodes))
			s.pingMu.Lock()
			for _, n := range f.CloseNodes.Nodes {
				pd, ok := s.pingMap[n.Packed.NodeID]
				if !ok || !pd.IsBad(now) {
					good = append(good, n)
				}
			}
			s.pingMu.Unlock()
			if len(good) > 0 {
				if node, err := selectWeightedCloseNode(good); err == nil {
					s.sendNodesReq(node.Packed, f.PK, true)
					f.RecordBootstrapAttempt(now)
				}
			}
		}
	}
}

func (s *Server) maybeLanDiscovery(now time.Time) {
	if now.Sub(s.lastLanDiscovery) < LanDiscoveryInterval {
		return
	}
	s.lastLanDiscovery = now
	pkt := wire.LanDiscovery{SenderPK: s.ownPK}
	broadcastAddr := &net.UDPAddr{IP: net.IPv4bcast, Port: 33445}
	s.enqueue(outboundPacket{data: pkt.Bytes(), addr: broadcastAddr, priority: false})
}

func (s *Server) handleRaw(raw []byte, addr *net.UDPAddr) {
	if len(raw) < 1 {
		return
	}
	kind := wire.Kind(raw[0])
	switch kind {
	case wire.KindOnionRequest0, wire.KindOnionRequest1, wire.KindOnionRequest2,
		wire.KindOnionAnnounceReq, wire.KindOnionAnnounceRes,
		wire.KindOnionDataReq, wire.KindOnionDataRes,
		wire.KindOnionResponse1, wire.KindOnionResponse2, wire.KindOnionResponse3:
		if s.onion != nil {
			s.onion.HandlePacket(kind, raw, addr)
		}
		return
	case wire.KindLanDiscovery:
		s.handleLanDiscovery(raw, addr)
		return
	case wire.KindDhtRequest:
		// DhtRequest's body is target-pk ∥ sender-pk ∥ nonce ∥ encrypted,
		// not the generic kind ∥ sender-pk ∥ nonce ∥ encrypted envelope
		// every other DHT packet uses, so it must be parsed separately.
		s.handleDhtRequest(raw[1:], addr)
		return
	}

	pkt, err := wire.ParseDhtPacket(raw)
	if err != nil {
		s.log.Debug("parse dht packet failed", "err", err, "from", addr)
		return
	}
	key := s.precomputedKey(pkt.SenderPK)
	plain, err := cryptobox.OpenPrecomputed(pkt.Encrypted, pkt.Nonce, key)
	if err != nil {
		s.log.Debug("decrypt dht packet failed", "kind", pkt.Kind, "from", addr)
		return
	}

	switch pkt.Kind {
	case wire.KindPingRequest:
		s.handlePingRequest(plain, pkt.SenderPK, addr)
	case wire.KindPingResponse:
		s.handlePingResponse(plain, pkt.SenderPK)
	case wire.KindNodesRequest:
		s.handleNodesRequest(plain, pkt.SenderPK, addr)
	case wire.KindNodesResponse:
		s.handleNodesResponse(plain, pkt.SenderPK)
	default:
		s.log.Debug("unhandled dht packet kind", "kind", pkt.Kind)
	}
}

// handleDhtRequest processes a DhtRequest-wrapped packet: if we are
// the target, it carries a NAT ping probe or reply addressed to us
// through a shared close node; otherwise it is forwarded toward
// whichever known node is closest to the real target, best-effort.
func (s *Server) handleDhtRequest(body []byte, addr *net.UDPAddr) {
	req, err := wire.ParseDhtRequest(body)
	if err != nil {
		s.log.Debug("malformed dht request", "err", err)
		return
	}
	if req.TargetPK != s.ownPK {
		s.forwardDhtRequest(req)
		return
	}

	key := s.precomputedKey(req.SenderPK)
	plain, err := cryptobox.OpenPrecomputed(req.Encrypted, req.Nonce, key)
	if err != nil {
		s.log.Debug("decrypt dht request failed", "from", addr)
		return
	}
	if len(plain) == 0 {
		return
	}
	switch plain[0] {
	case 0xfe:
		s.handleNatPingRequest(plain, req.SenderPK, addr)
	case 0xff:
		s.handleNatPingResponse(plain, req.SenderPK)
	default:
		s.log.Debug("unhandled dht request inner tag", "tag", plain[0])
	}
}

func (s *Server) forwardDhtRequest(req wire.DhtRequest) {
	closest := s.GetClosest(req.TargetPK, 1)
	if len(closest) == 0 {
		return
	}
	s.enqueue(outboundPacket{
		data:     append([]byte{byte(wire.KindDhtRequest)}, req.Bytes()...),
		addr:     closest[0].SocketAddr(),
		priority: false,
	})
}

func (s *Server) handleNatPingRequest(plain []byte, senderPK cryptobox.PublicKey, addr *net.UDPAddr) {
	natReq, err := wire.ParseNatPingRequestPayload(plain)
	if err != nil {
		s.log.Debug("malformed nat ping request", "err", err)
		return
	}
	respPayload := wire.NatPingResponsePayload{ID: natReq.ID}.Bytes()
	s.sendDhtRequest(senderPK, addr, respPayload)
}

func (s *Server) handleNatPingResponse(plain []byte, senderPK cryptobox.PublicKey) {
	natResp, err := wire.ParseNatPingResponsePayload(plain)
	if err != nil {
		s.log.Debug("malformed nat ping response", "err", err)
		return
	}
	s.friendsMu.Lock()
	defer s.friendsMu.Unlock()
	for _, f := range s.friends {
		if f.PK != senderPK {
			continue
		}
		if f.HolePunch.PingID != natResp.ID {
			return
		}
		f.HolePunch.LastRecvPingTime = time.Now()
		f.HolePunch.IsPunchingDone = true
		return
	}
}

// sendDhtRequest seals payload under the precomputed key shared with
// toPK and sends it as a DhtRequest addressed to toPK, via addr (the
// close node relaying on toPK's behalf).
func (s *Server) sendDhtRequest(toPK cryptobox.PublicKey, addr *net.UDPAddr, payload []byte) {
	key := s.precomputedKey(toPK)
	nonce, err := cryptobox.GenerateNonce()
	if err != nil {
		s.log.Error("generate nonce", "err", err)
		return
	}
	ct := cryptobox.SealPrecomputed(payload, nonce, key)
	req := wire.DhtRequest{TargetPK: toPK, SenderPK: s.ownPK, Nonce: nonce, Encrypted: ct}
	s.enqueue(outboundPacket{
		data:     append([]byte{byte(wire.KindDhtRequest)}, req.Bytes()...),
		addr:     addr,
		priority: true,
	})
}

// sendNatPingReq asks relay (a known close node of friendPK) to pass a
// hole-punch probe on to friendPK.
func (s *Server) sendNatPingReq(f *DhtFriend, relay wire.PackedNode) {
	id, err := cryptobox.RandomU64()
	if err != nil {
		s.log.Error("random nat ping id", "err", err)
		return
	}
	f.HolePunch.PingID = id
	payload := wire.NatPingRequestPayload{ID: id}.Bytes()
	s.sendDhtRequest(f.PK, relay.SocketAddr(), payload)
}

func (s *Server) handleLanDiscovery(raw []byte, addr *net.UDPAddr) {
	ld, err := wire.ParseLanDiscovery(raw)
	if err != nil {
		return
	}
	if ld.SenderPK == s.ownPK {
		return
	}
	node := wire.PackedNode{Type: wire.IPTypeUDP4, IP: addr.IP.To4(), Port: uint16(addr.Port), NodeID: ld.SenderPK}
	if node.IP == nil {
		node.Type = wire.IPTypeUDP6
		node.IP = addr.IP.To16()
	}
	s.pingSender.TryAdd(kbucket.Node{Packed: node}, s.isGoodCloseNode(ld.SenderPK), false)
}

// isGoodCloseNode reports whether pk is a confirmed, non-stale entry
// in the close list, so the ping sender can refuse to re-queue it.
func (s *Server) isGoodCloseNode(pk cryptobox.PublicKey) bool {
	s.closeMu.RLock()
	_, inClose := s.closeNodes.FindNode(pk)
	s.closeMu.RUnlock()
	if !inClose {
		return false
	}
	s.pingMu.Lock()
	pd, ok := s.pingMap[pk]
	s.pingMu.Unlock()
	return !ok || !pd.IsBad(time.Now())
}

func (s *Server) handlePingRequest(plain []byte, senderPK cryptobox.PublicKey, addr *net.UDPAddr) {
	req, err := wire.ParsePingRequestPayload(plain)
	if err != nil {
		s.log.Debug("malformed ping request", "err", err)
		return
	}
	resp := wire.PingResponsePayload{ID: req.ID}.Bytes()
	s.sendSealed(wire.KindPingResponse, resp, senderPK, addr, false)
}

func (s *Server) handlePingResponse(plain []byte, senderPK cryptobox.PublicKey) {
	resp, err := wire.ParsePingResponsePayload(plain)
	if err != nil {
		return
	}
	s.pingMu.Lock()
	pd, ok := s.pingMap[senderPK]
	s.pingMu.Unlock()
	if !ok {
		s.log.Debug("ping response from unknown ping id holder", "pk", senderPK)
		return
	}
	if pd.CheckPingID(resp.ID, time.Now()) {
		s.pingMu.Lock()
		pd.LastRespTime = time.Now()
		s.pingMu.Unlock()
	}
}

func (s *Server) handleNodesRequest(plain []byte, senderPK cryptobox.PublicKey, addr *net.UDPAddr) {
	req, err := wire.ParseNodesRequestPayload(plain)
	if err != nil {
		s.log.Debug("malformed nodes request", "err", err)
		return
	}
	closest := s.GetClosest(req.Target, 4)
	if len(closest) == 0 {
		return
	}
	resp := wire.NodesResponsePayload{Nodes: closest, ID: req.ID}
	body, err := resp.Bytes()
	if err != nil {
		s.log.Debug("encode nodes response", "err", err)
		return
	}
	s.sendSealed(wire.KindNodesResponse, body, senderPK, addr, false)
}

func (s *Server) handleNodesResponse(plain []byte, senderPK cryptobox.PublicKey) {
	resp, err := wire.ParseNodesResponsePayload(plain)
	if err != nil {
		s.log.Debug("malformed nodes response", "err", err)
		return
	}
	s.pingMu.Lock()
	pd, ok := s.pingMap[senderPK]
	s.pingMu.Unlock()
	if !ok || !pd.CheckPingID(resp.ID, time.Now()) {
		s.log.Debug("nodes response with stale or unknown id", "pk", senderPK)
		return
	}
	s.pingMu.Lock()
	pd.LastRespTime = time.Now()
	s.pingMu.Unlock()

	s.closeMu.Lock()
	for _, n := range resp.Nodes {
		s.closeNodes.TryAdd(kbucket.Node{Packed: n})
	}
	s.closeMu.Unlock()

	// Any responder's returned nodes may be relevant to any friend
	// search in progress; each friend's own bucket enforces its
	// distance-based accept/refuse rule on insert. A node the friend
	// didn't already have gets pinged immediately instead of waiting
	// for the next batched ping-sender flush.
	s.friendsMu.Lock()
	for _, f := range s.friends {
		for _, n := range resp.Nodes {
			alreadyClose := f.HasCloseNode(n.NodeID)
			f.AddToClose(kbucket.Node{Packed: n})
			if !alreadyClose {
				s.sendNodesReq(n, f.PK, true)
			}
		}
	}
	s.friendsMu.Unlock()

	for _, n := range resp.Nodes {
		s.friendsMu.Lock()
		isFriendClose := false
		for _, f := range s.friends {
			if f.HasCloseNode(n.NodeID) {
				isFriendClose = true
				break
			}
		}
		s.friendsMu.Unlock()
		s.pingSender.TryAdd(kbucket.Node{Packed: n}, s.isGoodCloseNode(n.NodeID), isFriendClose)
	}
}

package onion

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
	"golang.org/x/crypto/nacl/secretbox"
)

// relayMarkerByte tags a return-path address as a pseudo-address
// standing in for a tcprelay client with no UDP endpoint of its own:
// the 16 "IP" bytes carry this marker plus an id looked up in
// relayPending, instead of a real address.
const relayMarkerByte = 0xfe

// Server handles the onion subsystem's slice of the shared UDP socket:
// peeling/forwarding OnionRequest0/1/2, serving announce/data requests
// at the exit, and unwinding OnionResponse1/2/3 back toward the client.
type Server struct {
	log   *slog.Logger
	ownPK cryptobox.PublicKey
	ownSK cryptobox.SecretKey

	returnKey  [32]byte // symmetric key this node seals its own return segments with
	announce   *AnnounceTable
	nodes      NodeProvider
	send       func(data []byte, addr *net.UDPAddr)
	clientOnionKeys map[cryptobox.PublicKey]cryptobox.SecretKey // temp keys this node has generated as an onion client (for its own announces), keyed by the pk it announced under

	relayMu      sync.Mutex
	relayNextID  uint64
	relayPending map[uint64]func([]byte)
}

// NodeProvider lets the onion server answer OnionAnnounceResponse's
// "closest nodes" field without importing dhtserver directly.
type NodeProvider interface {
	GetClosest(target cryptobox.PublicKey, count int) []wire.PackedNode
}

// New creates an onion Server. send is called to transmit a raw UDP
// datagram; cmd/tox-node passes a direct write on the DHT's UDP socket,
// so onion traffic shares that single socket.
func New(pk cryptobox.PublicKey, sk cryptobox.SecretKey, nodes NodeProvider, send func([]byte, *net.UDPAddr), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	table, err := NewAnnounceTable()
	if err != nil {
		// Only fails if crypto/rand is broken; the caller has no
		// meaningful recovery so a table with an all-zero secret (its
		// ping ids are then predictable) is used rather than propagating
		// a constructor error into every other subsystem's wiring.
		logger.Error("create announce table", "err", err)
		table = &AnnounceTable{entries: make(map[cryptobox.PublicKey]*announceEntry)}
	}
	rk := sha256.Sum256(append([]byte("tox-onion-return-key:"), sk[:]...))
	return &Server{
		log:             logger,
		ownPK:           pk,
		ownSK:           sk,
		returnKey:       rk,
		announce:        table,
		nodes:           nodes,
		send:            send,
		clientOnionKeys: make(map[cryptobox.PublicKey]cryptobox.SecretKey),
		relayPending:    make(map[uint64]func([]byte)),
	}
}

// registerRelay reserves an id for respond and returns a pseudo
// *net.UDPAddr encoding it, usable anywhere a real source address
// would be, so a tcprelay-originated onion request can flow through
// the same return-path sealing logic as a direct UDP one.
func (s *Server) registerRelay(respond func([]byte)) *net.UDPAddr {
	s.relayMu.Lock()
	id := s.relayNextID
	s.relayNextID++
	s.relayPending[id] = respond
	s.relayMu.Unlock()

	ip := make(net.IP, 16)
	ip[0] = relayMarkerByte
	ip[1] = byte(id >> 56)
	ip[2] = byte(id >> 48)
	ip[3] = byte(id >> 40)
	ip[4] = byte(id >> 32)
	ip[5] = byte(id >> 24)
	ip[6] = byte(id >> 16)
	ip[7] = byte(id >> 8)
	ip[8] = byte(id)
	return &net.UDPAddr{IP: ip, Port: 0}
}

// deliver sends data to addr, routing it back to a tcprelay client's
// respond callback instead of onto the UDP socket when addr is one of
// registerRelay's pseudo-addresses.
func (s *Server) deliver(data []byte, addr *net.UDPAddr) {
	if len(addr.IP) == 16 && addr.IP[0] == relayMarkerByte {
		id := uint64(addr.IP[1])<<56 | uint64(addr.IP[2])<<48 | uint64(addr.IP[3])<<40 | uint64(addr.IP[4])<<32 |
			uint64(addr.IP[5])<<24 | uint64(addr.IP[6])<<16 | uint64(addr.IP[7])<<8 | uint64(addr.IP[8])
		s.relayMu.Lock()
		respond, ok := s.relayPending[id]
		if ok {
			delete(s.relayPending, id)
		}
		s.relayMu.Unlock()
		if !ok {
			s.log.Debug("onion: relay response with no pending request", "id", id)
			return
		}
		respond(data)
		return
	}
	s.send(data, addr)
}

// HandleRelayed implements tcprelay.OnionBridge: payload is the onion
// request exactly as a UDP-capable client would have sent it (leading
// kind byte included), arriving instead over a tcprelay client's
// framed connection because it has no reachable UDP endpoint of its
// own. respond is called at most once, with the final response packet
// this node would otherwise have sent back over UDP.
func (s *Server) HandleRelayed(payload []byte, respond func(payload []byte)) {
	if len(payload) < 1 {
		return
	}
	pseudo := s.registerRelay(respond)
	s.HandlePacket(wire.Kind(payload[0]), payload, pseudo)
}

// sealReturnSegment symmetrically encrypts {fromAddr, innerReturnPath}
// under this node's own key, so a later response can be routed back to
// fromAddr without this node keeping per-request state.
func (s *Server) sealReturnSegment(fromAddr *net.UDPAddr, innerReturn []byte) ([]byte, error) {
	addrBytes := retAddrFor(fromAddr)
	plain := make([]byte, 2, 2+len(addrBytes)+len(innerReturn))
	plain[0] = byte(len(addrBytes) >> 8)
	plain[1] = byte(len(addrBytes))
	plain = append(plain, addrBytes...)
	plain = append(plain, innerReturn...)

	nonce, err := cryptobox.GenerateNonce()
	if err != nil {
		return nil, err
	}
	nonceArr := [24]byte(nonce)
	sealed := secretbox.Seal(nil, plain, &nonceArr, &s.returnKey)
	out := append(append([]byte(nil), nonce[:]...), sealed...)
	return out, nil
}

// openReturnSegment reverses sealReturnSegment, yielding the address
// the request arrived from at that hop and whatever return path was
// nested inside it (the empty slice at the innermost, client-side hop).
func (s *Server) openReturnSegment(blob []byte) (addr *net.UDPAddr, innerReturn []byte, err error) {
	if len(blob) < cryptobox.NonceSize {
		return nil, nil, fmt.Errorf("return segment: too short")
	}
	var nonce [24]byte
	copy(nonce[:], blob[:cryptobox.NonceSize])
	plain, ok := secretbox.Open(nil, blob[cryptobox.NonceSize:], &nonce, &s.returnKey)
	if !ok {
		return nil, nil, fmt.Errorf("return segment: authentication failed")
	}
	if len(plain) < 2 {
		return nil, nil, fmt.Errorf("return segment: malformed")
	}
	n := int(plain[0])<<8 | int(plain[1])
	if len(plain) < 2+n {
		return nil, nil, fmt.Errorf("return segment: declared addr length exceeds payload")
	}
	addrBytes := plain[2 : 2+n]
	if len(addrBytes) != 18 {
		return nil, nil, fmt.Errorf("return segment: unexpected address length %d", len(addrBytes))
	}
	ip := net.IP(append([]byte(nil), addrBytes[:16]...))
	port := int(addrBytes[16])<<8 | int(addrBytes[17])
	return &net.UDPAddr{IP: ip, Port: port}, append([]byte(nil), plain[2+n:]...), nil
}

// HandlePacket processes one onion-family packet read off the shared
// socket. raw includes the leading kind byte.
func (s *Server) HandlePacket(kind wire.Kind, raw []byte, from *net.UDPAddr) {
	switch kind {
	case wire.KindOnionRequest0:
		s.handleForward(raw, from, false)
	case wire.KindOnionRequest1, wire.KindOnionRequest2:
		s.handleForward(raw, from, true)
	case wire.KindOnionAnnounceReq:
		s.handleAnnounceRequest(raw, from)
	case wire.KindOnionDataReq:
		s.handleDataRequest(raw, from)
	case wire.KindOnionResponse1, wire.KindOnionResponse2, wire.KindOnionResponse3:
		s.handleResponse(raw)
	default:
		s.log.Debug("onion: unhandled kind", "kind", kind)
	}
}

// isTerminalKind reports whether k names a terminal announce/data
// packet rather than a further onion-forwarding layer.
func isTerminalKind(k wire.Kind) bool {
	return k == wire.KindOnionAnnounceReq || k == wire.KindOnionDataReq
}

// handleForward peels one layer of an OnionRequestN packet. hasReturn
// indicates whether raw already carries an OnionReturnWrapper prefix
// (true for every hop after the first, since the client's initial
// OnionRequest0 has no return path yet: there is nothing to return
// to before any hop has been traversed). The peeled layer names its
// own next kind (layer.NextKind): either another OnionRequest1/2 hop,
// or a terminal OnionAnnounceRequest/OnionDataRequest to deliver
// as-is, letting a single forwarding path serve all three hops.
func (s *Server) handleForward(raw []byte, from *net.UDPAddr, hasReturn bool) {
	body := raw[1:]
	var existingReturn []byte
	if hasReturn {
		wrapper, err := wire.ParseOnionReturnWrapper(body)
		if err != nil {
			s.log.Debug("onion: malformed return wrapper", "err", err)
			return
		}
		existingReturn = wrapper.ReturnPath
		body = wrapper.Inner
	}

	env, err := wire.ParseDhtPacketBody(wire.KindOnionRequest0, body)
	if err != nil {
		s.log.Debug("onion: malformed forward packet", "err", err)
		return
	}
	key := cryptobox.Precompute(env.SenderPK, s.ownSK)
	plain, err := cryptobox.OpenPrecomputed(env.Encrypted, env.Nonce, key)
	if err != nil {
		s.log.Debug("onion: decrypt forward layer failed", "from", from)
		return
	}
	layer, err := wire.ParseOnionForwardLayer(plain)
	if err != nil {
		s.log.Debug("onion: malformed forward layer", "err", err)
		return
	}

	newReturnSegment, err := s.sealReturnSegment(from, existingReturn)
	if err != nil {
		s.log.Error("onion: seal return segment", "err", err)
		return
	}

	nextAddr := layer.NextAddr.ToUDPAddr()

	if isTerminalKind(layer.NextKind) {
		// layer.Encrypted is already the terminal packet's body as the
		// destination parses it (for announce requests a sender_pk ∥
		// nonce ∥ sealed-request envelope; for data requests the
		// OnionDataRequest struct, which carries its own nonce and temp
		// key), so it is forwarded verbatim.
		wrapped := wire.OnionReturnWrapper{ReturnPath: newReturnSegment, Inner: layer.Encrypted}.Bytes()
		final := append([]byte{byte(layer.NextKind)}, wrapped...)
		s.send(final, nextAddr)
		return
	}

	forwarded := wire.DhtPacket{Kind: layer.NextKind, SenderPK: layer.TempPK, Nonce: layer.Nonce, Encrypted: layer.Encrypted}.BytesNoKind()
	wrapped := wire.OnionReturnWrapper{ReturnPath: newReturnSegment, Inner: forwarded}.Bytes()
	final := append([]byte{byte(layer.NextKind)}, wrapped...)
	s.send(final, nextAddr)
}

// handleAnnounceRequest is invoked when this node is acting as
// rendezvous for an onion-routed announce.
func (s *Server) handleAnnounceRequest(raw []byte, from *net.UDPAddr) {
	wrapper, err := wire.ParseOnionReturnWrapper(raw[1:])
	if err != nil {
		s.log.Debug("onion: malformed announce request wrapper", "err", err)
		return
	}
	env, err := wire.ParseDhtPacketBody(wire.KindOnionAnnounceReq, wrapper.Inner)
	if err != nil {
		s.log.Debug("onion: malformed announce request envelope", "err", err)
		return
	}
	key := cryptobox.Precompute(env.SenderPK, s.ownSK)
	plain, err := cryptobox.OpenPrecomputed(env.Encrypted, env.Nonce, key)
	if err != nil {
		s.log.Debug("onion: decrypt announce request failed", "from", from)
		return
	}
	req, err := wire.ParseOnionAnnounceRequest(plain)
	if err != nil {
		s.log.Debug("onion: malformed announce request", "err", err)
		return
	}

	now := time.Now()
	expected := s.announce.CheckPingID(req.ClientID, wrapper.ReturnPath, [32]byte(req.PingIDOrZero), now)

	var resp wire.OnionAnnounceResponse
	if expected {
		s.announce.Store(req.ClientID, req.DataPK, wrapper.ReturnPath)
		resp.IsStored = true
	} else {
		pingID := s.announce.PingID(req.ClientID, wrapper.ReturnPath, now)
		resp.PingIDOrPK = pingID
		resp.IsStored = false
	}
	if s.nodes != nil {
		resp.Nodes = s.nodes.GetClosest(req.ClientID, 4)
	}

	body, err := resp.Bytes()
	if err != nil {
		s.log.Error("onion: encode announce response", "err", err)
		return
	}
	s.sendResponse(body, from, wrapper.ReturnPath)
}

func (s *Server) handleDataRequest(raw []byte, from *net.UDPAddr) {
	wrapper, err := wire.ParseOnionReturnWrapper(raw[1:])
	if err != nil {
		s.log.Debug("onion: malformed data request wrapper", "err", err)
		return
	}
	req, err := wire.ParseOnionDataRequest(wrapper.Inner)
	if err != nil {
		s.log.Debug("onion: malformed data request", "err", err)
		return
	}
	_, destRet, ok := s.announce.Lookup(req.DestClientID)
	if !ok {
		s.log.Debug("onion: data request for unknown client", "client", req.DestClientID)
		return
	}
	resp := wire.OnionDataResponse{Nonce: req.Nonce, TempPK: req.TempPK, Encrypted: req.Encrypted}.Bytes()
	s.sendResponse(resp, from, destRet)
}

// sendResponse delivers the terminal node's reply straight to from, the
// address the request it's answering arrived from, with returnPath
// carried through unmodified. The terminal never peels a segment off
// returnPath itself: every segment in it was sealed by one of the
// forwarding hops the request passed through on its way here, not by
// the terminal's own key, so only those hops (in handleResponse) can
// open them.
func (s *Server) sendResponse(payload []byte, from *net.UDPAddr, returnPath []byte) {
	wrapper := wire.OnionReturnWrapper{ReturnPath: returnPath, Inner: payload}.Bytes()
	final := append([]byte{byte(wire.KindOnionResponse3)}, wrapper...)
	s.deliver(final, from)
}

// handleResponse peels one return-path segment and either forwards the
// response toward the next hop back or, once the return path is empty,
// delivers the final payload to the original onion client.
func (s *Server) handleResponse(raw []byte) {
	wrapper, err := wire.ParseOnionReturnWrapper(raw[1:])
	if err != nil {
		s.log.Debug("onion: malformed response wrapper", "err", err)
		return
	}
	if len(wrapper.ReturnPath) == 0 {
		s.log.Debug("onion: response delivered to client", "bytes", len(wrapper.Inner))
		return
	}
	addr, remaining, err := s.openReturnSegment(wrapper.ReturnPath)
	if err != nil {
		s.log.Debug("onion: cannot peel response return segment", "err", err)
		return
	}
	nextWrapper := wire.OnionReturnWrapper{ReturnPath: remaining, Inner: wrapper.Inner}.Bytes()
	nextKind := byte(wire.KindOnionResponse2)
	if len(remaining) == 0 {
		nextKind = byte(wire.KindOnionResponse1)
	}
	final := append([]byte{nextKind}, nextWrapper...)
	s.deliver(final, addr)
}

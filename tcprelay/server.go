package tcprelay

import (
	"log/slog"
	"net"
	"sync"

	"github.com/cvsouth/tox-go/cryptobox"
	"github.com/cvsouth/tox-go/wire"
)

// sendQueueCap bounds each client's outbound packet queue; overflow
// closes the session rather than growing unbounded.
const sendQueueCap = 32

// maxConnIDsPerClient is the number of routable connection ids each
// client may hold simultaneously ([0, 240)).
const maxConnIDsPerClient = 240

// routeFailureConnID signals a RouteRequest that could not be granted
// a connection id because the client has exhausted its [0,240) range.
const routeFailureConnID = 0xff

// OnionBridge lets the relay hand an onion-tunneled request to the
// onion subsystem and receive the matching response back, without the
// relay needing to know anything about onion wire formats beyond the
// opaque blob shape.
type OnionBridge interface {
	HandleRelayed(payload []byte, respond func(payload []byte))
}

// client is one connected relay session: its identity, its framed
// session keys, and the routing table entries it owns.
type client struct {
	pk      cryptobox.PublicKey
	conn    net.Conn
	sess    *session
	out     chan []byte
	closeCh chan struct{}
	closeMu sync.Mutex
	closed  bool

	routesMu sync.Mutex
	routes   map[uint8]cryptobox.PublicKey // connection id -> peer pk this client asked to reach
}

func newClient(pk cryptobox.PublicKey, conn net.Conn, sess *session) *client {
	return &client{
		pk:      pk,
		conn:    conn,
		sess:    sess,
		out:     make(chan []byte, sendQueueCap),
		closeCh: make(chan struct{}),
		routes:  make(map[uint8]cryptobox.PublicKey),
	}
}

// enqueue attempts a non-blocking send; a full queue closes the
// session immediately rather than stalling the relay on one slow peer.
func (c *client) enqueue(payload []byte) {
	select {
	case c.out <- payload:
	default:
		c.closeOnce()
	}
}

func (c *client) closeOnce() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.closeCh)
	_ = c.conn.Close()
}

// Server is the TCP relay: it accepts handshaked connections, keeps a
// per-client connection-id routing table, pairs clients that have each
// asked to reach one another, and forwards onion-bridge traffic.
type Server struct {
	log     *slog.Logger
	ownPK   cryptobox.PublicKey
	ownSK   cryptobox.SecretKey
	onion   OnionBridge
	ln      net.Listener

	clientsMu sync.Mutex
	clients   map[cryptobox.PublicKey]*client

	wg sync.WaitGroup
}

// New creates a relay server bound to the given identity. onion may be
// nil, in which case OnionRequest packets are simply dropped.
func New(pk cryptobox.PublicKey, sk cryptobox.SecretKey, onion OnionBridge, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		log:     logger,
		ownPK:   pk,
		ownSK:   sk,
		onion:   onion,
		clients: make(map[cryptobox.PublicKey]*client),
	}
}

// Listen binds the relay's TCP listen socket.
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	return nil
}

// Serve runs the accept loop until the listener is closed. Each
// accepted connection gets its own handshake + reader goroutine plus a
// writer goroutine draining its send queue.
func (s *Server) Serve() error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Close stops accepting new connections. In-flight sessions run until
// their own connection errors or closes.
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	sess, err := serverHandshake(conn, s.ownSK)
	if err != nil {
		s.log.Debug("tcp relay: handshake failed", "err", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	c := newClient(sess.clientPK, conn, sess)

	s.clientsMu.Lock()
	if existing, ok := s.clients[c.pk]; ok {
		existing.closeOnce()
	}
	s.clients[c.pk] = c
	s.clientsMu.Unlock()

	s.log.Info("tcp relay: client connected", "pk", c.pk)

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		s.writeLoop(c)
	}()

	s.readLoop(c)

	c.closeOnce()
	writerWG.Wait()

	s.clientsMu.Lock()
	if s.clients[c.pk] == c {
		delete(s.clients, c.pk)
	}
	s.clientsMu.Unlock()
	s.unrouteAll(c)
	s.log.Info("tcp relay: client disconnected", "pk", c.pk)
}

func (s *Server) writeLoop(c *client) {
	for {
		select {
		case payload, ok := <-c.out:
			if !ok {
				return
			}
			if err := c.sess.writePacket(c.conn, payload); err != nil {
				s.log.Debug("tcp relay: write failed", "pk", c.pk, "err", err)
				c.closeOnce()
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

func (s *Server) readLoop(c *client) {
	for {
		plain, err := c.sess.readPacket(c.conn)
		if err != nil {
			return
		}
		if len(plain) == 0 {
			continue
		}
		s.handlePacket(c, plain)
	}
}

func (s *Server) handlePacket(c *client, raw []byte) {
	kind := wire.TCPKind(raw[0])
	if connID, ok := kind.IsData(); ok {
		s.forwardData(c, connID, raw)
		return
	}
	switch kind {
	case wire.TCPKindRouteRequest:
		s.handleRouteRequest(c, raw)
	case wire.TCPKindPingRequest:
		c.enqueue([]byte{byte(wire.TCPKindPingResponse)})
	case wire.TCPKindOobSend:
		s.handleOobSend(c, raw)
	case wire.TCPKindOnionRequest:
		s.handleOnionRequest(c, raw)
	default:
		s.log.Debug("tcp relay: unhandled kind", "kind", kind, "pk", c.pk)
	}
}

// handleRouteRequest assigns the lowest free connection id to reach
// pk, then checks whether pk's own client has already asked to reach
// c; if so, both sides are paired and notified.
func (s *Server) handleRouteRequest(c *client, raw []byte) {
	req, err := wire.ParseRouteRequest(raw)
	if err != nil {
		s.log.Debug("tcp relay: malformed route request", "err", err)
		return
	}

	c.routesMu.Lock()
	connID, ok := firstFreeConnID(c.routes)
	if ok {
		c.routes[connID] = req.PK
	}
	c.routesMu.Unlock()

	if !ok {
		// 0xff falls outside the valid [0,240) connection-id range, so
		// it cannot be confused with a real allocation.
		c.enqueue(wire.RouteResponse{ConnID: routeFailureConnID, PK: req.PK}.Bytes())
		return
	}
	c.enqueue(wire.RouteResponse{ConnID: connID, PK: req.PK}.Bytes())

	s.clientsMu.Lock()
	peer, peerOnline := s.clients[req.PK]
	s.clientsMu.Unlock()
	if !peerOnline {
		return
	}
	peer.routesMu.Lock()
	peerConnID, peerRouted := findConnID(peer.routes, c.pk)
	peer.routesMu.Unlock()
	if !peerRouted {
		return
	}
	c.enqueue(wire.ConnectNotification{ConnID: connID}.Bytes())
	peer.enqueue(wire.ConnectNotification{ConnID: peerConnID}.Bytes())
}

func (s *Server) forwardData(c *client, connID uint8, raw []byte) {
	c.routesMu.Lock()
	peerPK, ok := c.routes[connID]
	c.routesMu.Unlock()
	if !ok {
		return
	}
	s.clientsMu.Lock()
	peer, peerOnline := s.clients[peerPK]
	s.clientsMu.Unlock()
	if !peerOnline {
		return
	}
	peer.routesMu.Lock()
	peerConnID, peerRouted := findConnID(peer.routes, c.pk)
	peer.routesMu.Unlock()
	if !peerRouted {
		return
	}
	forwarded, err := wire.DataPacket{ConnID: peerConnID, Data: raw[1:]}.Bytes()
	if err != nil {
		return
	}
	peer.enqueue(forwarded)
}

func (s *Server) handleOobSend(c *client, raw []byte) {
	req, err := wire.ParseOobSend(raw)
	if err != nil {
		s.log.Debug("tcp relay: malformed oob send", "err", err)
		return
	}
	s.clientsMu.Lock()
	peer, ok := s.clients[req.DestPK]
	s.clientsMu.Unlock()
	if !ok {
		return
	}
	peer.enqueue(wire.OobReceive{SenderPK: c.pk, Data: req.Data}.Bytes())
}

func (s *Server) handleOnionRequest(c *client, raw []byte) {
	if s.onion == nil {
		return
	}
	payload := append([]byte(nil), raw[1:]...)
	s.onion.HandleRelayed(payload, func(resp []byte) {
		out := append([]byte{byte(wire.TCPKindOnionResponse)}, resp...)
		c.enqueue(out)
	})
}

func (s *Server) unrouteAll(c *client) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for _, peer := range s.clients {
		peer.routesMu.Lock()
		for id, pk := range peer.routes {
			if pk == c.pk {
				delete(peer.routes, id)
				peer.enqueue(wire.DisconnectNotification{ConnID: id}.Bytes())
			}
		}
		peer.routesMu.Unlock()
	}
}

// firstFreeConnID returns the lowest unused connection id in [0,240).
func firstFreeConnID(routes map[uint8]cryptobox.PublicKey) (uint8, bool) {
	for id := 0; id < maxConnIDsPerClient; id++ {
		if _, used := routes[uint8(id)]; !used {
			return uint8(id), true
		}
	}
	return 0, false
}

func findConnID(routes map[uint8]cryptobox.PublicKey, pk cryptobox.PublicKey) (uint8, bool) {
	for id, routed := range routes {
		if routed == pk {
			return id, true
		}
	}
	return 0, false
}

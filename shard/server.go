// Package shard implements the per-core server described in sphinxd.cpp's
// Server class: it owns one logmem.Log, one reactor.Reactor, and the sockets
// registered with it, and turns parsed protocol.Command values into either
// a local logmem.Log operation or a mesh.Descriptor routed to whichever
// core owns the key.
package shard

import (
	"net"

	"github.com/spaolacci/murmur3"

	"github.com/penberg/sphinx/internal/tag"
	"github.com/penberg/sphinx/log"
	"github.com/penberg/sphinx/logmem"
	"github.com/penberg/sphinx/mesh"
	"github.com/penberg/sphinx/netio"
	"github.com/penberg/sphinx/protocol"
	"github.com/penberg/sphinx/reactor"
)

// routingSeed is MurmurHash3 x86_32's seed argument, preserved verbatim
// from sphinxd.cpp's find_target (see DESIGN.md's Open Question decision).
const routingSeed = 1

// tcpConn is the per-connection state kept across reads: a receive buffer
// accumulating bytes until protocol.Parser has a complete command, plus the
// id the rest of Server uses to find this connection again once a
// cross-core round trip completes.
type tcpConn struct {
	id    uint64
	conn  *netio.TCPConn
	rxBuf []byte
}

// Config configures a Server. One Server is constructed per worker core;
// Mesh is shared by every core's Server.
type Config struct {
	ID        int
	NrThreads int
	Mesh      *mesh.Grid
	Poll      reactor.Poller
	WakeFD    int
	Log       log.Logger
	LogMem    logmem.Config
}

// Server binds one core's protocol parsing, key-value log, and reactor
// together, matching sphinxd.cpp's Server class.
type Server struct {
	id        int
	nrThreads int

	log     *logmem.Log
	reactor *reactor.Reactor
	logger  log.Logger

	parser protocol.Parser

	listener *netio.TCPListener
	udp      *netio.UDPConn

	conns      map[uint64]*tcpConn
	nextConnID uint64
}

// New constructs a Server and its Reactor. Callers register listeners with
// ListenTCP/ListenUDP, then run cfg's event loop via Reactor().Run.
func New(cfg Config) *Server {
	if cfg.Log == nil {
		cfg.Log = log.Nop()
	}
	s := &Server{
		id:        cfg.ID,
		nrThreads: cfg.NrThreads,
		logger:    cfg.Log,
		conns:     make(map[uint64]*tcpConn),
	}
	s.log = logmem.New(cfg.LogMem)
	s.reactor = reactor.New(reactor.Config{
		ID:        cfg.ID,
		Mesh:      cfg.Mesh,
		Poll:      cfg.Poll,
		Log:       cfg.Log,
		WakeFD:    cfg.WakeFD,
		OnMessage: s.onMessage,
	})
	return s
}

// Reactor returns the Server's event loop, for the caller to Run (and Stop)
// on this core's own goroutine.
func (s *Server) Reactor() *reactor.Reactor { return s.reactor }

// Log returns the Server's key-value log, for metrics reporting.
func (s *Server) Log() *logmem.Log { return s.log }

// ListenTCP binds a TCP listener and registers it with the reactor,
// matching sphinxd.cpp's Server::serve's accept_fn branch.
func (s *Server) ListenTCP(iface string, port, backlog int) error {
	l, err := netio.ListenTCP(iface, port, backlog, s.onAccept)
	if err != nil {
		return err
	}
	if err := s.reactor.Register(l, false); err != nil {
		l.Release()
		return err
	}
	s.listener = l
	return nil
}

// ListenUDP binds a UDP socket and registers it with the reactor, matching
// sphinxd.cpp's Server::serve's recv_fn branch.
func (s *Server) ListenUDP(iface string, port int) error {
	u, err := netio.ListenUDP(iface, port, s.onUDPRecv)
	if err != nil {
		return err
	}
	if err := s.reactor.Register(u, false); err != nil {
		u.Release()
		return err
	}
	s.udp = u
	return nil
}

// routingHash picks the owning core for key, matching find_target: with
// one thread there is no mesh to route through, and the literal seed 1 is
// preserved from the original even though its provenance is undocumented.
func (s *Server) routingHash(key []byte) int {
	if s.nrThreads == 1 {
		return s.id
	}
	h := murmur3.Sum32WithSeed(key, routingSeed)
	return int(h % uint32(s.nrThreads))
}

func (s *Server) onAccept(fd int, _ net.Addr) {
	s.nextConnID++
	tc := &tcpConn{id: s.nextConnID}
	var conn *netio.TCPConn
	recvFn := func(c *netio.TCPConn, b []byte) { s.onTCPRecv(tc, c, b) }
	writeFn := func(writable bool) error { return s.reactor.SetWriteInterest(conn, writable) }
	c, err := netio.NewTCPConn(fd, recvFn, writeFn)
	if err != nil {
		s.logger.Warnf("shard: accept: %v", err)
		return
	}
	conn = c
	tc.conn = conn
	s.conns[tc.id] = tc
	if err := s.reactor.Register(conn, false); err != nil {
		s.logger.Warnf("shard: register: %v", err)
		delete(s.conns, tc.id)
		conn.Release()
	}
}

func (s *Server) onTCPRecv(tc *tcpConn, c *netio.TCPConn, b []byte) {
	if b == nil {
		s.closeConn(tc)
		return
	}
	tc.rxBuf = append(tc.rxBuf, b...)
	s.drainTCP(tc)
}

func (s *Server) closeConn(tc *tcpConn) {
	delete(s.conns, tc.id)
	_ = s.reactor.Close(tc.conn)
	tc.conn.Release()
}

// drainTCP parses as many complete commands as tc.rxBuf currently holds,
// mirroring Server::recv(Connection&, ...)'s loop over process_one.
func (s *Server) drainTCP(tc *tcpConn) {
	for {
		cmd, consumed := s.parser.Parse(tc.rxBuf)
		switch cmd.State {
		case protocol.Initial:
			return
		case protocol.Error:
			s.sendReply(&mesh.Request{ConnID: tc.id}, respError)
			tc.rxBuf = tc.rxBuf[consumed:]
		case protocol.CmdGet:
			req := &mesh.Request{ConnID: tc.id}
			tc.rxBuf = tc.rxBuf[consumed:]
			s.handleGet(cmd.Key, req)
		case protocol.CmdSet:
			dataBlockSize := cmd.BlobSize + 2
			if len(tc.rxBuf) < consumed+dataBlockSize {
				return // blob not fully buffered yet; wait for more reads.
			}
			blob := tc.rxBuf[cmd.BlobStart : cmd.BlobStart+cmd.BlobSize]
			key := cmd.Key
			req := &mesh.Request{ConnID: tc.id}
			total := consumed + dataBlockSize
			s.handleSet(key, blob, req, total, tc)
		}
	}
}

// handleSet dispatches a set either locally (and advances tc.rxBuf itself,
// since it must copy key/blob before the slice they alias is consumed) or
// across the mesh, after first copying key and blob so a buffered cross-core
// descriptor never aliases a connection's receive buffer.
func (s *Server) handleSet(key, blob []byte, req *mesh.Request, total int, tc *tcpConn) {
	target := s.routingHash(key)
	if target == s.id {
		ok := s.log.Append(key, blob)
		tc.rxBuf = tc.rxBuf[total:]
		s.sendReply(req, renderSetResponse(ok))
		return
	}
	d := &mesh.Descriptor{Op: mesh.OpSet, Key: copyBytes(key), Blob: copyBytes(blob), Origin: s.id, Req: req}
	tc.rxBuf = tc.rxBuf[total:]
	if !s.reactor.SendMsg(target, d) {
		s.sendReply(req, renderSetResponse(false))
	}
}

func (s *Server) handleGet(key []byte, req *mesh.Request) {
	target := s.routingHash(key)
	if target == s.id {
		blob, ok := s.log.Find(key)
		s.sendReply(req, renderGetResponse(key, blob, ok))
		return
	}
	d := &mesh.Descriptor{Op: mesh.OpGet, Key: copyBytes(key), Origin: s.id, Req: req}
	if !s.reactor.SendMsg(target, d) {
		s.sendReply(req, renderGetResponse(key, nil, false))
	}
}

// onMessage handles every descriptor drained from an inbound mesh ring,
// matching Server::on_message's opcode switch. Set is resolved on the
// owner and the result flag alone travels back, so the origin core (which
// owns the socket) renders the reply text; Get is fully rendered on the
// owner, so the found blob's bytes never travel as a raw reference across
// the core boundary.
func (s *Server) onMessage(d *mesh.Descriptor) {
	switch d.Op {
	case mesh.OpSet:
		ok := s.log.Append(d.Key, d.Blob)
		op := mesh.OpSetOK
		if !ok {
			op = mesh.OpSetOOM
		}
		s.replyAcross(d.Origin, &mesh.Descriptor{Op: op, Origin: s.id, Req: d.Req})
	case mesh.OpSetOK:
		s.sendReply(d.Req, renderSetResponse(true))
	case mesh.OpSetOOM:
		s.sendReply(d.Req, renderSetResponse(false))
	case mesh.OpGet:
		blob, ok := s.log.Find(d.Key)
		op := mesh.OpGetMiss
		var rendered []byte
		if ok {
			op = mesh.OpGetOK
			rendered = renderGetResponse(d.Key, blob, true)
		} else {
			rendered = renderGetResponse(d.Key, nil, false)
		}
		s.replyAcross(d.Origin, &mesh.Descriptor{Op: op, Blob: rendered, Origin: s.id, Req: d.Req})
	case mesh.OpGetOK, mesh.OpGetMiss:
		s.sendReply(d.Req, d.Blob)
	default:
		if tag.Debug {
			panic("shard: unhandled opcode")
		}
	}
}

func (s *Server) replyAcross(origin int, d *mesh.Descriptor) {
	if !s.reactor.SendMsg(origin, d) {
		s.logger.Warnf("shard: dropping reply to core %d, ring full", origin)
	}
}

func (s *Server) onUDPRecv(_ *netio.UDPConn, b []byte, src *net.UDPAddr) {
	if len(b) < udpFrameSize {
		return
	}
	frame := decodeUDPFrame(b)
	body := b[udpFrameSize:]
	req := &mesh.Request{UDPAddr: src, RequestID: frame.requestID, SequenceNum: frame.sequenceNum}

	cmd, consumed := s.parser.Parse(body)
	switch cmd.State {
	case protocol.Initial:
		// No reassembly across datagrams; an incomplete command is dropped.
	case protocol.Error:
		s.sendReply(req, respError)
	case protocol.CmdGet:
		s.handleGet(copyBytes(cmd.Key), req)
	case protocol.CmdSet:
		dataBlockSize := cmd.BlobSize + 2
		if len(body) < consumed+dataBlockSize {
			return
		}
		blob := body[cmd.BlobStart : cmd.BlobStart+cmd.BlobSize]
		s.handleSetUDP(copyBytes(cmd.Key), copyBytes(blob), req)
	}
}

// handleSetUDP is handleSet's UDP sibling: there is no connection receive
// buffer to advance, and the key/blob were already copied by the caller
// since UDPConn's receive buffer is reused on the very next datagram.
func (s *Server) handleSetUDP(key, blob []byte, req *mesh.Request) {
	target := s.routingHash(key)
	if target == s.id {
		ok := s.log.Append(key, blob)
		s.sendReply(req, renderSetResponse(ok))
		return
	}
	d := &mesh.Descriptor{Op: mesh.OpSet, Key: key, Blob: blob, Origin: s.id, Req: req}
	if !s.reactor.SendMsg(target, d) {
		s.sendReply(req, renderSetResponse(false))
	}
}

// sendReply writes body to whichever socket req names, prefixing the
// 8-byte UDP echo frame when the request arrived over UDP. A TCP reply
// aimed at a connection that has since closed is silently dropped, the
// same way req.sock would already be gone in the original.
func (s *Server) sendReply(req *mesh.Request, body []byte) {
	if req.UDPAddr != nil {
		framed := appendResponseFrame(make([]byte, 0, udpFrameSize+len(body)), req.RequestID, req.SequenceNum)
		framed = append(framed, body...)
		if err := s.udp.Send(framed, req.UDPAddr); err != nil {
			s.logger.Debugf("shard: udp send: %v", err)
		}
		return
	}
	tc, ok := s.conns[req.ConnID]
	if !ok {
		return
	}
	if _, err := tc.conn.Send(body); err != nil {
		s.logger.Debugf("shard: tcp send: %v", err)
		s.closeConn(tc)
	}
}

func copyBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Package transport provides one-sided remote memory operations and
// two-sided datagrams between pmstore cluster peers
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"runtime"
	"strings"
	"sync"
	"time"
	"unsafe"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/golang/glog"
	"go.uber.org/atomic"
)

var (
	ErrShutdown     = errors.New("transport: socket is shut down")
	ErrPeerDead     = errors.New("transport: peer is not connected")
	ErrRecvQueFull  = errors.New("transport: receive queue full")
	ErrReadPending  = errors.New("transport: read task id already outstanding")
	ErrSelfEndpoint = errors.New("transport: operation addressed to self")
)

type (
	// Args configures a Socket.
	Args struct {
		Smap   *cluster.Smap
		Region *pmem.Region // registered as one MR covering the whole block pool
		Port   int          // used when a node's transport address carries no port
		// Recover makes this node dial every peer instead of only lower ids.
		Recover bool

		// OnDisconnect observes peer loss (degradation tracking).
		OnDisconnect func(peerID int)
		// OnWriteImm observes remote writes-with-immediate landing locally.
		OnWriteImm func(peerID int, imm uint32)
	}

	// Socket is the per-node transport endpoint: it owns the connections to
	// every peer, the registered memory region, and the two completion
	// queues. The constructor blocks until the rest of the cluster is
	// connected.
	Socket struct {
		smap *cluster.Smap
		self *cluster.Snode

		region  *pmem.Region
		localMR MemRegion

		peers [cmn.MaxNodes]*conn

		sendCQ chan Completion
		recvCQ chan Completion

		listener  net.Listener
		shouldRun atomic.Bool
		wg        sync.WaitGroup

		mu       sync.Mutex
		connCond *sync.Cond
		nconn    int

		onDisconnect func(int)
		onWriteImm   func(int, uint32)
	}
)

// NewSocket builds the endpoint, dials peers with lower ids (all peers when
// recovering), accepts the rest, and blocks until cluster_size-1 peers have
// completed the memory-region exchange.
func NewSocket(args *Args) (*Socket, error) {
	self := args.Smap.Myself()
	if self == nil {
		return nil, errors.New("transport: local node identity is not resolved")
	}
	b := args.Region.Bytes()
	s := &Socket{
		smap:   args.Smap,
		self:   self,
		region: args.Region,
		localMR: MemRegion{
			Base: uint64(uintptr(unsafe.Pointer(&b[0]))),
			RKey: rand.Uint32() | 1,
		},
		sendCQ:       make(chan Completion, cmn.MaxQPDepth),
		recvCQ:       make(chan Completion, cmn.MaxQPDepth),
		onDisconnect: args.OnDisconnect,
		onWriteImm:   args.OnWriteImm,
	}
	s.connCond = sync.NewCond(&s.mu)
	s.shouldRun.Store(true)

	laddr := hostPort(self.DataAddr, args.Port)
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: cannot listen on %s: %w", laddr, err)
	}
	s.listener = ln
	glog.Infof("listening on %s", laddr)

	s.wg.Add(1)
	go s.acceptLoop()

	for id := 0; id < cmn.MaxNodes; id++ {
		peer := s.smap.Get(id)
		if peer == nil || peer.ID == self.ID {
			continue
		}
		// avoid double-dial: only initiate to strictly lower ids, unless
		// this node is rejoining and must reach everyone
		if !args.Recover && peer.ID >= self.ID {
			continue
		}
		if err := s.dial(peer, args.Port); err != nil {
			s.Shutdown()
			return nil, err
		}
	}

	expected := s.smap.Len() - 1
	s.mu.Lock()
	for s.nconn < expected && s.shouldRun.Load() {
		s.connCond.Wait()
	}
	s.mu.Unlock()
	if !s.shouldRun.Load() {
		return nil, ErrShutdown
	}
	glog.Infof("transport up: %d peer connections", expected)
	return s, nil
}

func hostPort(addr string, port int) string {
	if strings.Contains(addr, ":") {
		return addr
	}
	return fmt.Sprintf("%s:%d", addr, port)
}

func (s *Socket) dial(peer *cluster.Snode, port int) error {
	raddr := hostPort(peer.DataAddr, port)
	var (
		nc  net.Conn
		err error
	)
	// the cluster comes up together; tolerate peers that listen a bit later
	for i := 0; i < 100; i++ {
		nc, err = net.DialTimeout("tcp", raddr, 3*time.Second)
		if err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("transport: cannot reach peer %d at %s: %w", peer.ID, raddr, err)
	}
	// connection request private data: the dialer's node id
	var idBuf [4]byte
	binary.LittleEndian.PutUint32(idBuf[:], uint32(s.self.ID))
	if _, err := nc.Write(idBuf[:]); err != nil {
		nc.Close()
		return err
	}
	s.startConn(peer.ID, nc)
	return nil
}

func (s *Socket) acceptLoop() {
	defer s.wg.Done()
	for s.shouldRun.Load() {
		nc, err := s.listener.Accept()
		if err != nil {
			if s.shouldRun.Load() {
				glog.Errorf("accept failed: %v", err)
			}
			return
		}
		var idBuf [4]byte
		if _, err := io.ReadFull(nc, idBuf[:]); err != nil {
			nc.Close()
			continue
		}
		peerID := int(binary.LittleEndian.Uint32(idBuf[:]))
		if s.smap.Get(peerID) == nil || peerID == s.self.ID {
			glog.Errorf("rejecting connection from unknown node id %d", peerID)
			nc.Close()
			continue
		}
		s.startConn(peerID, nc)
	}
}

// startConn installs the per-peer state and runs the MR exchange: post a
// receive for the peer's descriptor, send ours, then post a second receive
// so application traffic always finds one outstanding.
func (s *Socket) startConn(peerID int, nc net.Conn) {
	c := newConn(s, peerID, nc)
	s.mu.Lock()
	s.peers[peerID] = c
	s.mu.Unlock()

	c.recvQ <- recvSlot{length: cmn.SockBufSize, task: SpRemoteMRRecv}

	var mrBuf [MemRegionSize]byte
	s.localMR.Marshal(mrBuf[:])
	copy(c.sendRegion, mrBuf[:])
	hdr := frameHdr{Op: opSend, Imm: uint32(s.self.ID)}
	if err := c.writeFrame(&hdr, c.sendRegion[:MemRegionSize]); err != nil {
		glog.Errorf("peer %d: MR exchange failed: %v", peerID, err)
		c.markDead()
		return
	}
	c.recvQ <- recvSlot{length: cmn.SockBufSize}

	s.wg.Add(1)
	go c.serve()
}

func (s *Socket) connEstablished() {
	s.mu.Lock()
	s.nconn++
	s.mu.Unlock()
	s.connCond.Broadcast()
}

func (s *Socket) connLost(peerID int) {
	if !s.shouldRun.Load() {
		return
	}
	if s.onDisconnect != nil {
		s.onDisconnect(peerID)
	}
}

// slice resolves a remote virtual address against the registered region.
func (s *Socket) slice(addr uint64, length int) ([]byte, bool) {
	base := s.localMR.Base
	if addr < base || length < 0 {
		return nil, false
	}
	off := addr - base
	if off+uint64(length) > uint64(s.region.Len()) {
		return nil, false
	}
	return s.region.Bytes()[off : off+uint64(length)], true
}

func (s *Socket) peer(peerID int) (*conn, error) {
	if !s.shouldRun.Load() {
		return nil, ErrShutdown
	}
	if peerID == s.self.ID {
		return nil, ErrSelfEndpoint
	}
	s.mu.Lock()
	c := s.peers[peerID]
	s.mu.Unlock()
	if c == nil || !c.connected.Load() {
		return nil, ErrPeerDead
	}
	return c, nil
}

// IsAlive reports whether the peer is currently connected; a node is always
// alive to itself.
func (s *Socket) IsAlive(peerID int) bool {
	if peerID == s.self.ID {
		return true
	}
	s.mu.Lock()
	c := s.peers[peerID]
	s.mu.Unlock()
	return c != nil && c.connected.Load()
}

// PostSend issues a two-sided send of the first length bytes of the peer's
// send region. The immediate delivered to the peer is this node's id.
func (s *Socket) PostSend(peerID int, length int) error {
	c, err := s.peer(peerID)
	if err != nil {
		return err
	}
	if length <= 0 || length > len(c.sendRegion) {
		return fmt.Errorf("transport: send length %d out of range", length)
	}
	hdr := frameHdr{Op: opSend, Imm: uint32(s.self.ID)}
	if err := c.writeFrame(&hdr, c.sendRegion[:length]); err != nil {
		c.markDead()
		return err
	}
	s.completeSend(Completion{WRID: MakeWRID(peerID, 0), Opcode: OpSend, Len: uint32(length)})
	return nil
}

// PostReceive reposts a receive for the peer. task is zero for application
// traffic or one of the reserved Sp* values.
func (s *Socket) PostReceive(peerID int, length int, task uint32) error {
	if !s.shouldRun.Load() {
		return ErrShutdown
	}
	s.mu.Lock()
	c := s.peers[peerID]
	s.mu.Unlock()
	if c == nil {
		return ErrPeerDead
	}
	select {
	case c.recvQ <- recvSlot{length: length, task: task}:
		return nil
	default:
		return ErrRecvQueFull
	}
}

// PostWrite issues a one-sided write of src into the peer's registered
// region at remoteShift. imm < 0 posts a plain write; otherwise the low 32
// bits surface as the peer's next recv completion.
func (s *Socket) PostWrite(peerID int, remoteShift uint64, src []byte, imm int64) error {
	c, err := s.peer(peerID)
	if err != nil {
		return err
	}
	hdr := frameHdr{Op: opWrite, Addr: c.peerMR.Base + remoteShift}
	if imm >= 0 {
		hdr.Op = opWriteImm
		hdr.Imm = uint32(imm)
	}
	if err := c.writeFrame(&hdr, src); err != nil {
		c.markDead()
		return err
	}
	return nil
}

// PostRead issues a one-sided read of len(dst) bytes from the peer's
// registered region at remoteShift into dst. The task id is echoed in the
// send-CQ completion; it must not collide with another outstanding read to
// the same peer.
func (s *Socket) PostRead(peerID int, remoteShift uint64, dst []byte, task uint32) error {
	c, err := s.peer(peerID)
	if err != nil {
		return err
	}
	c.rdMu.Lock()
	if _, ok := c.pending[task]; ok {
		c.rdMu.Unlock()
		return ErrReadPending
	}
	c.pending[task] = dst
	c.rdMu.Unlock()

	hdr := frameHdr{Op: opReadReq, Task: task, Imm: uint32(len(dst)), Addr: c.peerMR.Base + remoteShift}
	if err := c.writeFrame(&hdr, nil); err != nil {
		c.markDead()
		return err
	}
	return nil
}

// PollSend drains up to len(wcs) send-side completions (sends, writes,
// reads). It busy-waits for the first one and returns 0 only at shutdown.
func (s *Socket) PollSend(wcs []Completion) int {
	return s.poll(s.sendCQ, wcs)
}

// PollRecv drains up to len(wcs) receive completions. Completions caused by
// remote writes-with-immediate are handed to the observer and skipped; they
// consume no posted receive, so none is reposted. MR refreshes never reach
// this queue (the connection poller consumes them inline).
func (s *Socket) PollRecv(wcs []Completion) int {
	for s.shouldRun.Load() {
		n := s.poll(s.recvCQ, wcs)
		if n == 0 {
			return 0
		}
		kept := 0
		for i := 0; i < n; i++ {
			wc := wcs[i]
			if wc.Opcode == OpRecvImm {
				if s.onWriteImm != nil {
					s.onWriteImm(WRIDPeer(wc.WRID), wc.Imm)
				}
				continue
			}
			wcs[kept] = wc
			kept++
		}
		if kept > 0 {
			return kept
		}
	}
	return 0
}

func (s *Socket) poll(cq chan Completion, wcs []Completion) int {
	if len(wcs) == 0 {
		return 0
	}
	for s.shouldRun.Load() {
		select {
		case wc := <-cq:
			wcs[0] = wc
			n := 1
			for n < len(wcs) {
				select {
				case wc := <-cq:
					wcs[n] = wc
					n++
					continue
				default:
				}
				break
			}
			return n
		default:
			runtime.Gosched()
		}
	}
	return 0
}

func (s *Socket) completeSend(wc Completion) {
	select {
	case s.sendCQ <- wc:
	default:
		glog.Errorf("send CQ overrun, dropping completion %+v", wc)
	}
}

func (s *Socket) completeRecv(wc Completion) {
	select {
	case s.recvCQ <- wc:
	default:
		glog.Errorf("recv CQ overrun, dropping completion %+v", wc)
	}
}

// Scratch-region accessors. Each region admits one outstanding operation.

func (s *Socket) SendRegion(peerID int) []byte  { return s.scratch(peerID, 0) }
func (s *Socket) RecvRegion(peerID int) []byte  { return s.scratch(peerID, 1) }
func (s *Socket) WriteRegion(peerID int) []byte { return s.scratch(peerID, 2) }
func (s *Socket) ReadRegion(peerID int) []byte  { return s.scratch(peerID, 3) }

func (s *Socket) scratch(peerID, which int) []byte {
	s.mu.Lock()
	c := s.peers[peerID]
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	switch which {
	case 0:
		return c.sendRegion
	case 1:
		return c.recvRegion
	case 2:
		return c.writeRegion
	default:
		return c.readRegion
	}
}

// LocalMR exposes the descriptor this node hands to its peers.
func (s *Socket) LocalMR() MemRegion { return s.localMR }

// DumpConn logs the state of the connection with the given peer.
func (s *Socket) DumpConn(peerID int) {
	s.mu.Lock()
	c := s.peers[peerID]
	s.mu.Unlock()
	if c == nil {
		glog.Infof("peer %d: no connection", peerID)
		return
	}
	glog.Infof("peer %d: connected=%t remote-base=%#x rkey=%#x outstanding-reads=%d",
		peerID, c.connected.Load(), c.peerMR.Base, c.peerMR.RKey, len(c.pending))
}

// Shutdown stops the endpoint: in-flight polls return 0, subsequent posts
// fail with ErrShutdown.
func (s *Socket) Shutdown() {
	if !s.shouldRun.Swap(false) {
		return
	}
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	for _, c := range s.peers {
		if c != nil {
			c.nc.Close()
		}
	}
	s.mu.Unlock()
	s.connCond.Broadcast()
	s.wg.Wait()
	glog.Info("transport stopped")
}

// Package transport provides one-sided remote memory operations and
// two-sided datagrams between pmstore cluster peers
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package transport

import (
	"bufio"
	"net"
	"runtime"
	"sync"

	"github.com/NVIDIA/pmstore/cmn"
	"github.com/golang/glog"
	"go.uber.org/atomic"
)

type (
	recvSlot struct {
		length int
		task   uint32
	}

	// conn holds everything tied to one peer: the reliable byte stream, the
	// peer's memory-region descriptor, and the four pre-registered scratch
	// regions. Each scratch region is sized for exactly one outstanding
	// operation; callers pace themselves accordingly.
	conn struct {
		sock   *Socket
		peerID int

		nc        net.Conn
		br        *bufio.Reader
		connected atomic.Bool

		peerMR MemRegion

		sendRegion  []byte
		recvRegion  []byte
		writeRegion []byte
		readRegion  []byte

		wmu   sync.Mutex // serializes outgoing frames
		recvQ chan recvSlot

		rdMu    sync.Mutex
		pending map[uint32][]byte // outstanding read task -> local destination

		downOnce sync.Once
	}
)

func newConn(sock *Socket, peerID int, nc net.Conn) *conn {
	if tc, ok := nc.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &conn{
		sock:        sock,
		peerID:      peerID,
		nc:          nc,
		br:          bufio.NewReaderSize(nc, cmn.SockBufSize*2),
		sendRegion:  make([]byte, cmn.SockBufSize),
		recvRegion:  make([]byte, cmn.SockBufSize),
		writeRegion: make([]byte, cmn.BlockBytes),
		readRegion:  make([]byte, cmn.BlockBytes),
		recvQ:       make(chan recvSlot, cmn.MaxQPDepth),
		pending:     make(map[uint32][]byte),
	}
}

// writeFrame sends one frame; the payload (if any) is transmitted verbatim
// after the header.
func (c *conn) writeFrame(hdr *frameHdr, payload []byte) error {
	var hb [frameHdrSize]byte
	hdr.Len = uint32(len(payload))
	hdr.put(hb[:])
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(hb[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := c.nc.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// serve reads and dispatches incoming frames until the connection dies.
// It plays the role of the remote-capable NIC: one-sided operations touch
// the registered region without involving the local caller.
func (c *conn) serve() {
	defer c.sock.wg.Done()
	var (
		hdr frameHdr
		buf = make([]byte, cmn.BlockBytes)
	)
	for c.sock.shouldRun.Load() {
		payload, err := readFrame(c.br, &hdr, buf)
		if err != nil {
			if c.sock.shouldRun.Load() && c.connected.Load() {
				glog.Warningf("peer %d: connection lost: %v", c.peerID, err)
			}
			c.markDead()
			return
		}
		switch hdr.Op {
		case opSend:
			c.handleSend(&hdr, payload)
		case opWrite, opWriteImm:
			c.handleWrite(&hdr, payload)
		case opWriteAck:
			c.sock.completeSend(Completion{
				WRID:   MakeWRID(c.peerID, hdr.Task),
				Opcode: OpWrite,
				Len:    hdr.Len,
			})
		case opReadReq:
			c.handleReadReq(&hdr)
		case opReadResp:
			c.handleReadResp(&hdr, payload)
		default:
			glog.Errorf("peer %d: unknown frame op %d, dropping connection", c.peerID, hdr.Op)
			c.markDead()
			return
		}
	}
}

// handleSend lands a two-sided send in the next posted receive. A receive
// tagged SpRemoteMRRecv carries the peer's memory-region descriptor and is
// consumed here, never surfaced: this is both the connection handshake and
// the MR refresh after a reconnect.
func (c *conn) handleSend(hdr *frameHdr, payload []byte) {
	slot, ok := c.nextRecv() // reliable connection: waits until a recv is posted
	if !ok {
		return
	}
	lim := slot.length
	if lim <= 0 || lim > len(c.recvRegion) {
		lim = len(c.recvRegion)
	}
	n := copy(c.recvRegion[:lim], payload)
	if slot.task == SpRemoteMRRecv {
		if err := c.peerMR.Unmarshal(c.recvRegion[:n]); err != nil {
			glog.Errorf("peer %d: bad memory-region descriptor: %v", c.peerID, err)
			c.markDead()
			return
		}
		first := !c.connected.Swap(true)
		glog.Infof("connected with peer %d (remote base %#x)", c.peerID, c.peerMR.Base)
		if first {
			c.sock.connEstablished()
		}
		return
	}
	c.sock.completeRecv(Completion{
		WRID:   MakeWRID(c.peerID, slot.task),
		Opcode: OpRecv,
		Imm:    hdr.Imm,
		Len:    uint32(n),
	})
}

// handleWrite applies a one-sided write to the registered region.
func (c *conn) handleWrite(hdr *frameHdr, payload []byte) {
	dst, ok := c.sock.slice(hdr.Addr, len(payload))
	if !ok {
		glog.Errorf("peer %d: write beyond registered region (addr %#x len %d)",
			c.peerID, hdr.Addr, len(payload))
		c.markDead()
		return
	}
	copy(dst, payload)
	ack := frameHdr{Op: opWriteAck, Task: hdr.Task}
	if err := c.writeFrame(&ack, nil); err != nil {
		c.markDead()
		return
	}
	if hdr.Op == opWriteImm {
		// the immediate is delivered as a recv completion; the poller
		// processes it transparently
		c.sock.completeRecv(Completion{
			WRID:   MakeWRID(c.peerID, 0),
			Opcode: OpRecvImm,
			Imm:    hdr.Imm,
			Len:    uint32(len(payload)),
		})
	}
}

// handleReadReq serves a one-sided read from the registered region. The
// requested length rides in the immediate field (the request frame has no
// payload of its own).
func (c *conn) handleReadReq(hdr *frameHdr) {
	src, ok := c.sock.slice(hdr.Addr, int(hdr.Imm))
	if !ok {
		glog.Errorf("peer %d: read beyond registered region (addr %#x len %d)",
			c.peerID, hdr.Addr, hdr.Imm)
		c.markDead()
		return
	}
	resp := frameHdr{Op: opReadResp, Task: hdr.Task}
	if err := c.writeFrame(&resp, src); err != nil {
		c.markDead()
	}
}

// handleReadResp completes an outstanding one-sided read.
func (c *conn) handleReadResp(hdr *frameHdr, payload []byte) {
	c.rdMu.Lock()
	dst, ok := c.pending[hdr.Task]
	delete(c.pending, hdr.Task)
	c.rdMu.Unlock()
	if !ok {
		glog.Errorf("peer %d: read response for unknown task %d", c.peerID, hdr.Task)
		return
	}
	copy(dst, payload)
	c.sock.completeSend(Completion{
		WRID:   MakeWRID(c.peerID, hdr.Task),
		Opcode: OpRead,
		Len:    uint32(len(payload)),
	})
}

// nextRecv spins for the next posted receive, bailing out at shutdown so
// the serve loop never wedges on a peer that outpaces its receiver.
func (c *conn) nextRecv() (recvSlot, bool) {
	for {
		select {
		case slot := <-c.recvQ:
			return slot, true
		default:
			if !c.sock.shouldRun.Load() {
				return recvSlot{}, false
			}
			runtime.Gosched()
		}
	}
}

// markDead flips the liveness flag, fails outstanding reads, and notifies
// the disconnect observer exactly once per connection instance.
func (c *conn) markDead() {
	c.downOnce.Do(func() {
		was := c.connected.Swap(false)
		c.nc.Close()

		c.rdMu.Lock()
		for task := range c.pending {
			c.sock.completeSend(Completion{
				WRID:   MakeWRID(c.peerID, task),
				Status: StatusError,
				Opcode: OpRead,
			})
		}
		c.pending = make(map[uint32][]byte)
		c.rdMu.Unlock()

		if was {
			glog.Warningf("peer %d has disconnected", c.peerID)
			c.sock.connLost(c.peerID)
		}
	})
}

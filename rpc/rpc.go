// Package rpc provides the two-sided request/response envelope spoken
// between pmstore nodes and the metadata plane
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package rpc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/NVIDIA/pmstore/transport"
	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// NumSlots bounds the outstanding calls per node. Slot indices ride in the
// envelope and must stay small: the transport's immediate space is 32 bits
// and slots are meant to be reused quickly.
const NumSlots = 32

var (
	ErrBusy    = errors.New("rpc: all call slots busy")
	ErrStopped = errors.New("rpc: interface stopped")
)

type (
	Marshaler interface {
		Marshal(b []byte) int
	}
	Unmarshaler interface {
		Unmarshal(b []byte) error
	}

	// netops is the slice of the transport the RPC layer uses.
	netops interface {
		PostSend(peerID, length int) error
		PostReceive(peerID, length int, task uint32) error
		PollSend(wcs []transport.Completion) int
		PollRecv(wcs []transport.Completion) int
		SendRegion(peerID int) []byte
		RecvRegion(peerID int) []byte
	}

	// locker couples one response buffer with a completion flag and a
	// condition variable. Call arms the slot before sending, the listener
	// completes it when the response arrives, and Call frees the slot only
	// after copying the response out.
	locker struct {
		mu        sync.Mutex
		cv        *sync.Cond
		completed bool
		resp      [cmn.SockBufSize]byte
		respLen   int
	}

	// Interface issues calls and serves incoming requests. MEMREAD and
	// MEMWRITE are answered from the local block pool, CONNECT and TEST
	// with this node's id; every other operation belongs to the metadata
	// plane and is refused here.
	Interface struct {
		sock netops
		self int
		pool *pmem.Pool

		bitmap *cmn.Bitmap
		slots  [NumSlots]*locker
		sendMu [cmn.MaxNodes]sync.Mutex

		shouldRun atomic.Bool
		wg        sync.WaitGroup
	}
)

func (l *locker) wait() {
	l.mu.Lock()
	for !l.completed {
		l.cv.Wait()
	}
	l.mu.Unlock()
}

func (l *locker) arm() {
	l.mu.Lock()
	l.completed = false
	l.mu.Unlock()
}

func (l *locker) complete(payload []byte) {
	l.mu.Lock()
	l.respLen = copy(l.resp[:], payload)
	l.completed = true
	l.cv.Signal()
	l.mu.Unlock()
}

// New starts the RPC interface on top of an established transport.
func New(sock netops, selfID int, pool *pmem.Pool) *Interface {
	i := &Interface{
		sock:   sock,
		self:   selfID,
		pool:   pool,
		bitmap: cmn.NewBitmap(NumSlots),
	}
	for s := range i.slots {
		l := &locker{}
		l.cv = sync.NewCond(&l.mu)
		i.slots[s] = l
	}
	i.shouldRun.Store(true)
	i.wg.Add(1)
	go i.listen()
	return i
}

// Call issues one request and blocks until its response arrives. The slot
// is freed only after the response has been copied out.
func (i *Interface) Call(peerID int, op Op, req Marshaler, resp Unmarshaler) error {
	if !i.shouldRun.Load() {
		return ErrStopped
	}
	idx := i.bitmap.AllocBit()
	if idx < 0 {
		return ErrBusy
	}
	defer i.bitmap.FreeBit(idx)

	l := i.slots[idx]
	l.arm()
	if err := i.send(peerID, op, uint32(idx), false, req); err != nil {
		return err
	}
	l.wait()
	if !i.shouldRun.Load() {
		return ErrStopped
	}
	if resp == nil {
		return nil
	}
	return resp.Unmarshal(l.resp[:l.respLen])
}

// send marshals an envelope + payload into the peer's send region, posts
// the send, and drains its completion. The per-peer mutex keeps the
// single-slot send region exclusive.
func (i *Interface) send(peerID int, op Op, slot uint32, isResp bool, msg Marshaler) error {
	i.sendMu[peerID].Lock()
	defer i.sendMu[peerID].Unlock()
	region := i.sock.SendRegion(peerID)
	if region == nil {
		return transport.ErrPeerDead
	}
	putEnvelope(region, op, slot, isResp)
	n := envSize
	if msg != nil {
		n += msg.Marshal(region[envSize:])
	}
	if err := i.sock.PostSend(peerID, n); err != nil {
		return err
	}
	var wcs [1]transport.Completion
	if cnt := i.sock.PollSend(wcs[:1]); cnt == 0 {
		return ErrStopped
	}
	if wcs[0].Status != transport.StatusSuccess {
		return fmt.Errorf("rpc: send to peer %d failed", peerID)
	}
	return nil
}

// listen drains recv completions forever: responses wake their slot,
// requests are served inline and a fresh receive is posted either way.
func (i *Interface) listen() {
	defer i.wg.Done()
	wcs := make([]transport.Completion, 8)
	for i.shouldRun.Load() {
		cnt := i.sock.PollRecv(wcs)
		if cnt == 0 {
			break
		}
		for _, wc := range wcs[:cnt] {
			if wc.Status != transport.StatusSuccess {
				continue
			}
			peerID := int(wc.Imm) // the immediate carries the sender's id
			buf := i.sock.RecvRegion(peerID)
			if buf == nil || int(wc.Len) > len(buf) {
				continue
			}
			i.dispatch(peerID, buf[:wc.Len])
			if err := i.sock.PostReceive(peerID, cmn.SockBufSize, 0); err != nil {
				glog.Errorf("cannot repost recv for peer %d: %v", peerID, err)
			}
		}
	}
	// unblock callers stuck on their slots
	for _, l := range i.slots {
		l.complete(nil)
	}
}

func (i *Interface) dispatch(peerID int, b []byte) {
	op, slot, isResp, err := getEnvelope(b)
	if err != nil {
		glog.Errorf("peer %d: %v", peerID, err)
		return
	}
	payload := b[envSize:]
	if isResp {
		if slot >= NumSlots {
			glog.Errorf("peer %d: response for bad slot %d", peerID, slot)
			return
		}
		i.slots[slot].complete(payload)
		return
	}
	if err := i.serve(peerID, op, slot, payload); err != nil {
		glog.Errorf("peer %d: serving %d failed: %v", peerID, op, err)
	}
}

// serve answers one request. addr validation is against the registered
// pool region, the same bounds one-sided operations obey.
func (i *Interface) serve(peerID int, op Op, slot uint32, payload []byte) error {
	switch op {
	case OpMemRead:
		var req PureValueRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		var resp MemResponse
		frag, err := i.fragAt(uint64(req.Value))
		if err != nil {
			return err
		}
		copy(resp.Data[:], frag)
		return i.send(peerID, op, slot, true, &resp)
	case OpMemWrite:
		var req MemRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		frag, err := i.fragAt(req.Addr)
		if err != nil {
			return err
		}
		copy(frag, req.Data[:len(frag)])
		if err := i.pool.Region().Flush(int64(req.Addr), int64(len(frag))); err != nil {
			return err
		}
		return i.send(peerID, op, slot, true, &PureValueResponse{Value: 0})
	case OpConnect, OpTest:
		var req PureValueRequest
		if err := req.Unmarshal(payload); err != nil {
			return err
		}
		return i.send(peerID, op, slot, true, &PureValueResponse{Value: int64(i.self)})
	default:
		// metadata-plane operation addressed to a data server
		glog.Warningf("peer %d: operation %d is not served by this node", peerID, op)
		return i.send(peerID, op, slot, true, &PureValueResponse{Value: -1})
	}
}

func (i *Interface) fragAt(shift uint64) ([]byte, error) {
	var (
		region = i.pool.Region().Bytes()
		size   = uint64(i.pool.SlotSize())
	)
	if size > cmn.DefFragmentBytes {
		size = cmn.DefFragmentBytes
	}
	if shift+size > uint64(len(region)) {
		return nil, fmt.Errorf("rpc: address %#x beyond pool", shift)
	}
	return region[shift : shift+size], nil
}

// Stop terminates the listener and releases waiting callers.
func (i *Interface) Stop() {
	if !i.shouldRun.Swap(false) {
		return
	}
	for _, l := range i.slots {
		l.complete(nil)
	}
}

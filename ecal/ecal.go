// Package ecal implements the erasure-coded abstraction layer: page reads
// and writes striped across the cluster's persistent-memory pools
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package ecal

import (
	"errors"
	"fmt"

	"github.com/NVIDIA/pmstore/cluster"
	"github.com/NVIDIA/pmstore/cmn"
	"github.com/NVIDIA/pmstore/ec"
	"github.com/NVIDIA/pmstore/pmem"
	"github.com/NVIDIA/pmstore/transport"
	"github.com/golang/glog"
)

// A page is split into K data fragments, extended with P parity fragments,
// and the resulting stripe is spread over N = K+P nodes. Reads fetch the
// first K reachable fragments and reconstruct the page when any data
// fragment among them is missing; writes commit every reachable fragment
// and log the row when the cluster is degraded.

var (
	ErrBadIndex          = errors.New("ecal: block index out of range")
	ErrInsufficientPeers = errors.New("ecal: fewer than K peers reachable for the stripe")
	ErrShutdown          = errors.New("ecal: transport is shut down")
)

type (
	// Page is the logical unit callers read and write.
	Page struct {
		Index uint64
		Data  [cmn.BlockBytes]byte
	}

	// Transport is the slice of the remote-memory transport the engine
	// consumes; *transport.Socket implements it.
	Transport interface {
		IsAlive(peerID int) bool
		PostWrite(peerID int, remoteShift uint64, src []byte, imm int64) error
		PostRead(peerID int, remoteShift uint64, dst []byte, task uint32) error
		PollSend(wcs []transport.Completion) int
		WriteRegion(peerID int) []byte
		ReadRegion(peerID int) []byte
	}

	// Args collects the engine's collaborators. All of them are constructed
	// once at startup and threaded in by reference; the engine keeps no
	// process-wide state.
	Args struct {
		Smap *cluster.Smap
		Pool *pmem.Pool
		RMT  Transport
		Deg  *DegradedState

		DataSlices   int // K
		ParitySlices int // P

		// UseRPC selects the two-sided MEMREAD/MEMWRITE data path instead
		// of one-sided operations (see rpcfallback.go).
		UseRPC bool
		RPC    RPCCaller
	}

	// ECAL is the top-level block read/write engine.
	ECAL struct {
		smap *cluster.Smap
		self int
		pool *pmem.Pool
		rmt  Transport
		deg  *DegradedState

		codec *ec.Codec

		useRPC bool
		rpc    RPCCaller

		k, p, n     int
		fragSize    int
		pagesPerRow int
		capacity    uint64
	}
)

// New validates the geometry against the cluster and builds the engine.
// Stripes must tile the cluster cleanly: cluster_size % N == 0.
func New(args *Args) (*ECAL, error) {
	var (
		k = args.DataSlices
		p = args.ParitySlices
		n = k + p
	)
	self := args.Smap.Myself()
	if self == nil {
		return nil, errors.New("ecal: local node identity is not resolved")
	}
	clusterSize := args.Smap.Len()
	if n > clusterSize {
		return nil, fmt.Errorf("ecal: stripe width %d exceeds cluster size %d", n, clusterSize)
	}
	if clusterSize%n != 0 {
		return nil, fmt.Errorf("ecal: cluster size %d is not divisible by stripe width %d", clusterSize, n)
	}
	if cmn.BlockBytes%k != 0 {
		return nil, fmt.Errorf("ecal: %d data slices do not divide the page size", k)
	}
	fragSize := cmn.BlockBytes / k
	if args.Pool.SlotSize() != fragSize {
		return nil, fmt.Errorf("ecal: pool slot size %d != fragment size %d", args.Pool.SlotSize(), fragSize)
	}
	codec, err := ec.NewCodec(k, p, fragSize)
	if err != nil {
		return nil, err
	}
	if args.UseRPC {
		if args.RPC == nil {
			return nil, errors.New("ecal: RPC data path selected without an RPC interface")
		}
		if fragSize != cmn.DefFragmentBytes {
			return nil, fmt.Errorf("ecal: RPC envelope carries %d-byte fragments, geometry yields %d",
				cmn.DefFragmentBytes, fragSize)
		}
	}
	e := &ECAL{
		smap:        args.Smap,
		self:        self.ID,
		pool:        args.Pool,
		rmt:         args.RMT,
		deg:         args.Deg,
		codec:       codec,
		useRPC:      args.UseRPC,
		rpc:         args.RPC,
		k:           k,
		p:           p,
		n:           n,
		fragSize:    fragSize,
		pagesPerRow: clusterSize / n,
		capacity: (uint64(clusterSize/n) * uint64(k) * args.Pool.Capacity()) /
			uint64(cmn.BlockBytes/fragSize),
	}
	glog.Infof("ecal up: K=%d P=%d cluster=%d capacity=%d pages", k, p, clusterSize, e.capacity)
	return e, nil
}

// Capacity returns the cluster's capacity in pages.
func (e *ECAL) Capacity() uint64 { return e.capacity }

// Degraded exposes the degradation state.
func (e *ECAL) Degraded() *DegradedState { return e.deg }

// ReadBlock fetches the page at the given index. Exactly K fragments are
// read - from the first K reachable peers in stripe-scan order; any missing
// data fragment among the unreachable ones is reconstructed from the parity
// fragments that took its place.
func (e *ECAL) ReadBlock(index uint64, page *Page) error {
	if index >= e.capacity {
		return ErrBadIndex
	}
	page.Index = index
	for i := range page.Data {
		page.Data[i] = 0
	}

	var (
		pos         = e.Placement(index)
		clusterSize = e.smap.Len()
		shift       = e.pool.OffsetOf(pos.Row)
		present     = make([]int, 0, e.k)
		errIDs      = make([]int, 0, e.p)
		frags       = make([][]byte, e.n)
	)
	for i, j := 0, 0; i < e.k && j < e.n; j++ {
		peer := (j + pos.StartNode) % clusterSize
		if e.rmt.IsAlive(peer) {
			present = append(present, j)
			i++
		} else if j < e.k {
			errIDs = append(errIDs, j)
		}
	}
	if len(present) < e.k {
		return ErrInsufficientPeers
	}

	// dispatch K fragment reads in parallel, then drain exactly that many
	// send completions
	taskCnt := 0
	for i, j := range present {
		peer := (j + pos.StartNode) % clusterSize
		if peer == e.self {
			frags[j] = e.pool.At(pos.Row)
			continue
		}
		if e.useRPC {
			dst := make([]byte, e.fragSize)
			if err := e.readFragmentRPC(peer, shift, dst); err != nil {
				return err
			}
			frags[j] = dst
			continue
		}
		dst := e.rmt.ReadRegion(peer)[:e.fragSize]
		if err := e.rmt.PostRead(peer, shift, dst, uint32(i)); err != nil {
			return fmt.Errorf("ecal: read dispatch to peer %d failed: %w", peer, err)
		}
		frags[j] = dst
		taskCnt++
	}
	if taskCnt > 0 {
		wcs := make([]transport.Completion, taskCnt)
		for drained := 0; drained < taskCnt; {
			cnt := e.rmt.PollSend(wcs[:taskCnt-drained])
			if cnt == 0 {
				return ErrShutdown
			}
			for _, wc := range wcs[:cnt] {
				if wc.Status != transport.StatusSuccess {
					return fmt.Errorf("ecal: fragment read from peer %d failed",
						transport.WRIDPeer(wc.WRID))
				}
			}
			drained += cnt
		}
	}

	// intact data fragments go straight into the page
	for _, j := range present {
		if j < e.k {
			copy(page.Data[j*e.fragSize:], frags[j])
		}
	}
	if len(errIDs) == 0 {
		return nil
	}

	// reconstruct the missing data fragments in place
	if glog.V(4) {
		glog.Infof("degraded read of block %d: rebuilding fragments %v from %v", index, errIDs, present)
	}
	for _, j := range errIDs {
		frags[j] = page.Data[j*e.fragSize : (j+1)*e.fragSize]
	}
	if err := e.codec.Decode(present, frags); err != nil {
		return fmt.Errorf("ecal: reconstruction of block %d failed: %w", index, err)
	}
	return nil
}

// WriteBlock commits the page to its stripe: K data fragments plus P parity
// fragments, one per node, serially. Unreachable peers are skipped, and the
// row is logged for reconciliation when the cluster is degraded. The write
// fails unless at least K fragments were placed - the threshold that keeps
// the stripe reconstructible - and it is refused with ErrWriteLogFull when
// the row must be logged but the degraded-write log is full.
func (e *ECAL) WriteBlock(page *Page) error {
	if page.Index >= e.capacity {
		return ErrBadIndex
	}
	var (
		pos         = e.Placement(page.Index)
		clusterSize = e.smap.Len()
		shift       = e.pool.OffsetOf(pos.Row)
		data        = make([][]byte, e.k)
		parity      = make([][]byte, e.p)
		parityBuf   = make([]byte, e.p*e.fragSize)
	)
	for i := 0; i < e.k; i++ {
		data[i] = page.Data[i*e.fragSize : (i+1)*e.fragSize]
	}
	for i := 0; i < e.p; i++ {
		parity[i] = parityBuf[i*e.fragSize : (i+1)*e.fragSize]
	}
	if err := e.codec.EncodeParity(data, parity); err != nil {
		return err
	}

	var (
		placed int
		wcs    [1]transport.Completion
		logged bool
	)
	for j := 0; j < e.n; j++ {
		var (
			peer = (pos.StartNode + j) % clusterSize
			frag []byte
		)
		if j < e.k {
			frag = data[j]
		} else {
			frag = parity[j-e.k]
		}
		switch {
		case peer == e.self:
			copy(e.pool.At(pos.Row), frag)
			if err := e.pool.Flush(pos.Row); err != nil {
				return fmt.Errorf("ecal: flush of row %d failed: %w", pos.Row, err)
			}
			placed++
		case e.rmt.IsAlive(peer):
			if e.useRPC {
				if err := e.writeFragmentRPC(peer, shift, frag); err != nil {
					glog.Warningf("%v", err)
					if err := e.logDegradedWrite(pos.Row, &logged); err != nil {
						return err
					}
					continue
				}
				placed++
				continue
			}
			wr := e.rmt.WriteRegion(peer)[:e.fragSize]
			copy(wr, frag)
			if err := e.rmt.PostWrite(peer, shift, wr, -1); err != nil {
				// the peer died under the write; treat like a skip
				if err2 := e.logDegradedWrite(pos.Row, &logged); err2 != nil {
					return err2
				}
				continue
			}
			if cnt := e.rmt.PollSend(wcs[:1]); cnt == 0 {
				return ErrShutdown
			}
			if wcs[0].Status != transport.StatusSuccess {
				if err := e.logDegradedWrite(pos.Row, &logged); err != nil {
					return err
				}
				continue
			}
			placed++
		default:
			if err := e.logDegradedWrite(pos.Row, &logged); err != nil {
				return err
			}
		}
	}
	if placed < e.k {
		return ErrInsufficientPeers
	}
	return nil
}

// logDegradedWrite records the row once per write while the cluster is
// degraded. A full log refuses the write altogether.
func (e *ECAL) logDegradedWrite(row uint64, logged *bool) error {
	if *logged || !e.deg.Degraded() {
		return nil
	}
	if err := e.deg.RecordWrite(row); err != nil {
		return err
	}
	*logged = true
	return nil
}

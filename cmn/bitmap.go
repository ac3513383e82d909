// Package cmn provides common low-level types and utilities for all pmstore projects
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package cmn

import (
	"math/bits"

	"github.com/NVIDIA/pmstore/cmn/debug"
	"github.com/golang/glog"
	"go.uber.org/atomic"
)

// Bitmap is a 32-slot ticket dispenser: a set bit marks a free slot. It is
// used to pair outstanding RPC requests with their response buffers, so it
// deliberately stays small - slot indices must fit the 32-bit immediate
// space of the transport.
type Bitmap struct {
	bits atomic.Uint32
}

// NewBitmap returns a bitmap with all nslots slots free.
func NewBitmap(nslots int) *Bitmap {
	debug.Assert(nslots > 0 && nslots <= 32)
	bm := &Bitmap{}
	if nslots == 32 {
		bm.bits.Store(^uint32(0))
	} else {
		bm.bits.Store(uint32(1)<<nslots - 1)
	}
	return bm
}

// AllocBit claims the lowest free slot and returns its index, or -1 when
// every slot is taken. Safe for concurrent use.
func (bm *Bitmap) AllocBit() int {
	for {
		origin := bm.bits.Load()
		if origin == 0 {
			return -1
		}
		lowbit := origin & -origin
		if bm.bits.CAS(origin, origin&^lowbit) {
			return bits.TrailingZeros32(lowbit)
		}
	}
}

// FreeBit releases a previously claimed slot. Releasing an already-free
// slot is a caller bug; it is diagnosed and otherwise has no effect.
func (bm *Bitmap) FreeBit(idx int) {
	debug.Assert(idx >= 0 && idx < 32)
	bit := uint32(1) << idx
	for {
		origin := bm.bits.Load()
		if origin&bit != 0 {
			glog.Errorf("double free of rpc slot %d", idx)
			return
		}
		if bm.bits.CAS(origin, origin|bit) {
			return
		}
	}
}

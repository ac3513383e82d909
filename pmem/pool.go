// Package pmem maps a persistent-memory device into the process and carves
// it into fixed-size block slots
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package pmem

import (
	"fmt"

	"github.com/NVIDIA/pmstore/cmn/debug"
)

// Pool interprets a Region as a flat array of fixed-size slots. It carries
// no per-slot metadata and no free list - space bookkeeping is the metadata
// plane's job. A slot index is called a row: all fragments of one stripe
// occupy the same row on every node.
type Pool struct {
	region   *Region
	slotSize int64
	capacity uint64
}

// NewPool carves the region into slots of slotSize bytes.
func NewPool(region *Region, slotSize int) (*Pool, error) {
	if slotSize <= 0 || region.Len() < int64(slotSize) {
		return nil, fmt.Errorf("region of %d bytes cannot hold %d-byte slots", region.Len(), slotSize)
	}
	return &Pool{
		region:   region,
		slotSize: int64(slotSize),
		capacity: uint64(region.Len() / int64(slotSize)),
	}, nil
}

// At returns the slot at the given row, aliasing the PM region.
func (p *Pool) At(row uint64) []byte {
	debug.Assert(row < p.capacity)
	off := int64(row) * p.slotSize
	return p.region.Bytes()[off : off+p.slotSize : off+p.slotSize]
}

// OffsetOf returns the byte offset of a row relative to the region base.
// This is the remote address shift used by one-sided transport operations.
func (p *Pool) OffsetOf(row uint64) uint64 {
	debug.Assert(row < p.capacity)
	return uint64(int64(row) * p.slotSize)
}

// SlotSize returns the slot size in bytes.
func (p *Pool) SlotSize() int { return int(p.slotSize) }

// Capacity returns the number of slots.
func (p *Pool) Capacity() uint64 { return p.capacity }

// Flush persists the slot at the given row.
func (p *Pool) Flush(row uint64) error {
	return p.region.Flush(int64(row)*p.slotSize, p.slotSize)
}

// Region returns the backing region (for transport registration).
func (p *Pool) Region() *Region { return p.region }

// Package fsclient provides the block-addressing contract between the file
// metadata plane and the ECAL engine
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package fsclient

import (
	"encoding/binary"

	"github.com/NVIDIA/pmstore/ecal"
	"github.com/OneOfOne/xxhash"
	"github.com/google/uuid"
)

// A file is a sequence of pages; page b of file f lives at the block index
// hash(f, b) folded into the cluster capacity. The path layer that resolves
// names to file ids is the metadata plane's job; this package only fixes
// the mapping the data plane depends on.

// BlockIndex maps (file unique id, block number) to a logical block index.
func BlockIndex(fileID uuid.UUID, blockNo, capacity uint64) uint64 {
	h := xxhash.New64()
	h.Write(fileID[:])
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], blockNo)
	h.Write(b[:])
	return h.Sum64() % capacity
}

// Client reads and writes file blocks through the engine.
type Client struct {
	engine *ecal.ECAL
}

func New(engine *ecal.ECAL) *Client {
	return &Client{engine: engine}
}

// ReadFileBlock fetches block blockNo of the given file.
func (c *Client) ReadFileBlock(fileID uuid.UUID, blockNo uint64, page *ecal.Page) error {
	return c.engine.ReadBlock(BlockIndex(fileID, blockNo, c.engine.Capacity()), page)
}

// WriteFileBlock commits block blockNo of the given file.
func (c *Client) WriteFileBlock(fileID uuid.UUID, blockNo uint64, page *ecal.Page) error {
	page.Index = BlockIndex(fileID, blockNo, c.engine.Capacity())
	return c.engine.WriteBlock(page)
}

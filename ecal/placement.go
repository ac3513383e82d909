// Package ecal implements the erasure-coded abstraction layer: page reads
// and writes striped across the cluster's persistent-memory pools
/*
 * Copyright (c) 2020, NVIDIA CORPORATION. All rights reserved.
 */
package ecal

// DataPos locates a stripe: every fragment of the stripe lives at the same
// row of every holding node's block pool; fragment j is stored on node
// (StartNode + j) mod cluster_size.
type DataPos struct {
	Row       uint64
	StartNode int
}

// Placement maps a logical block index to its stripe position. It is total
// and deterministic. This deployment pins the base node of every row to 0;
// a wear-levelling variant may rotate it per row.
func (e *ECAL) Placement(index uint64) DataPos {
	return DataPos{Row: index / uint64(e.pagesPerRow), StartNode: 0}
}
